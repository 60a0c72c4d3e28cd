package repository

import (
	"fmt"

	"gorm.io/gorm"

	"nestchat-widget-go/internal/model"
)

// ConversationRepository 定义了会话记录的持久化操作接口。
// 会话记录在本地占位 ID 升级为正式 ID 的瞬间创建，
// 客服工作台的接管分配（assigned_staff_id）依赖这行记录存在。
type ConversationRepository interface {
	// CreateConversation 创建一条会话记录。
	CreateConversation(record *model.ConversationRecord) error
}

// conversationRepository 是 ConversationRepository 接口的 GORM 实现。
type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

// CreateConversation 在数据库中创建一条会话记录。
func (r *conversationRepository) CreateConversation(record *model.ConversationRecord) error {
	if err := r.db.Create(record).Error; err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}
