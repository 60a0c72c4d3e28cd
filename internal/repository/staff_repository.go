package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"nestchat-widget-go/internal/model"
	"nestchat-widget-go/pkg/storage"
)

// avatarURLExpiry 头像预签名 URL 的有效期。
const avatarURLExpiry = 24 * time.Hour

// StaffRepository 定义了人工客服身份的查询接口。
type StaffRepository interface {
	// FetchTakeoverAgent 返回接管指定会话的人工客服展示身份。
	// 会话不存在或未被接管时返回 (nil, nil)。
	FetchTakeoverAgent(conversationID string) (*model.TakeoverAgent, error)
}

// staffRepository 是 StaffRepository 接口的 GORM 实现。
type staffRepository struct {
	db *gorm.DB
}

// NewStaffRepository 创建一个新的 StaffRepository 实例。
func NewStaffRepository(db *gorm.DB) StaffRepository {
	return &staffRepository{db: db}
}

// FetchTakeoverAgent 查出会话当前分配的客服，并把头像对象解析为预签名 URL。
func (r *staffRepository) FetchTakeoverAgent(conversationID string) (*model.TakeoverAgent, error) {
	var conv model.ConversationRecord
	err := r.db.Where("id = ?", conversationID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.AssignedStaffID == "" {
		return nil, nil
	}

	var staff model.StaffRecord
	err = r.db.Where("id = ?", conv.AssignedStaffID).First(&staff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load staff record: %w", err)
	}

	agent := &model.TakeoverAgent{Name: staff.Name}
	// 头像签名失败不致命，退化为无头像展示
	if url, err := storage.GetAvatarURL(staff.AvatarObject, avatarURLExpiry); err == nil {
		agent.Avatar = url
	}
	return agent, nil
}
