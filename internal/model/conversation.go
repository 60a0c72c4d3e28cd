package model

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// localIDPrefix 标记客户端本地生成的占位会话 ID。
const localIDPrefix = "local_"

// 会话状态常量。
const (
	StatusActive        = "active"
	StatusHumanTakeover = "human_takeover"
	StatusClosed        = "closed"
)

// Conversation 代表访客侧持久化的一个会话及其完整消息序列。
// Messages 的插入顺序即时间顺序。
type Conversation struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Preview   string    `json:"preview"` // 最后一条消息内容的截断
}

// NewLocalConversationID 生成一个本地占位会话 ID。
// 在后端真正创建会话记录之前使用，唯一性为尽力而为。
func NewLocalConversationID() string {
	return fmt.Sprintf("%s%d_%06d", localIDPrefix, time.Now().UnixMilli(), rand.Intn(1000000))
}

// IsCanonicalConversationID 判断给定 ID 是否为后端签发的正式会话 ID（UUID 格式）。
// 所有需要与后端关联的操作（历史拉取、订阅、已读标记）都必须先通过该校验，
// 本地占位 ID 一律静默短路。
func IsCanonicalConversationID(id string) bool {
	if id == "" || strings.HasPrefix(id, localIDPrefix) {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// TruncatePreview 生成会话列表中展示的预览文本。
func TruncatePreview(content string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 60
	}
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen]) + "…"
}

// ConversationRecord 定义了 widget_conversations 表的 ORM 模型。
type ConversationRecord struct {
	ID              string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	AgentID         string    `gorm:"type:varchar(36);index;not null" json:"agentId"`
	VisitorID       string    `gorm:"type:varchar(64);index;not null" json:"visitorId"`
	Status          string    `gorm:"type:varchar(32);not null;default:'active'" json:"status"`
	AssignedStaffID string    `gorm:"type:varchar(36)" json:"assignedStaffId"` // 接管该会话的人工客服
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ConversationRecord) TableName() string {
	return "widget_conversations"
}

// StaffRecord 定义了 widget_staff 表的 ORM 模型，存储人工客服的展示身份。
type StaffRecord struct {
	ID           string `gorm:"type:varchar(36);primaryKey" json:"id"`
	AgentID      string `gorm:"type:varchar(36);index;not null" json:"agentId"`
	Name         string `gorm:"type:varchar(100);not null" json:"name"`
	AvatarObject string `gorm:"type:varchar(255)" json:"avatarObject"` // MinIO 中的头像对象名
}

// TableName 指定了此模型在数据库中对应的表名。
func (StaffRecord) TableName() string {
	return "widget_staff"
}

// TakeoverAgent 是人工客服接管会话时对挂件可见的展示身份。
type TakeoverAgent struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}
