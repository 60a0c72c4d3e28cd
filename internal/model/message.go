// Package model 包含了应用的数据模型定义。
package model

import (
	"encoding/json"
	"time"
)

// 消息角色常量。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// 消息发送方类型常量，存储在消息元数据的 sender_type 字段中。
const (
	SenderTypeAI    = "ai"
	SenderTypeHuman = "human_agent"
)

// Reaction 代表一条按 emoji 聚合的消息表情回应。
type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
}

// LinkPreview 代表从消息内容中提取出的链接预览卡片。
type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

// Message 代表挂件运行时内存中的单条对话消息。
// 消息一经追加即不可变，只有 Reactions、Read、ReadAt 三个字段
// 允许被后续的实时更新事件按消息 ID 原地修改。
type Message struct {
	ID             string        `json:"id"`
	Role           string        `json:"role"` // "user" 或 "assistant"
	Content        string        `json:"content"`
	Timestamp      time.Time     `json:"timestamp"`
	IsHuman        bool          `json:"isHuman"`                // 发送方是否为人工客服（而非 AI）
	SenderName     string        `json:"senderName,omitempty"`   // IsHuman 时的展示名
	SenderAvatar   string        `json:"senderAvatar,omitempty"` // IsHuman 时的头像 URL
	Read           bool          `json:"read"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	LinkPreviews   []LinkPreview `json:"linkPreviews,omitempty"`
	HasCallActions bool          `json:"hasCallActions,omitempty"` // UI 是否为此消息渲染了拨号按钮
	IsSystemNotice bool          `json:"isSystemNotice,omitempty"` // 系统提示消息（如"某某已加入对话"），不计未读，不落库
}

// MessageMetadata 是后端消息记录中 metadata 字段的显式结构。
// 历史拉取和实时推送的载荷都在边界处解析成该类型，而不是在各处传递动态数据。
type MessageMetadata struct {
	Reactions    []Reaction    `json:"reactions,omitempty"`
	SenderType   string        `json:"sender_type,omitempty"`
	SenderName   string        `json:"sender_name,omitempty"`
	SenderAvatar string        `json:"sender_avatar,omitempty"`
	ReadAt       *time.Time    `json:"read_at,omitempty"`
	LinkPreviews []LinkPreview `json:"link_previews,omitempty"`
	CallActions  bool          `json:"call_actions,omitempty"` // 后端是否为此消息生成了拨号按钮
}

// ParseMessageMetadata 在边界处解析 metadata JSON。
// 损坏的数据按空元数据处理，绝不让一条坏记录拖垮整个时间线。
func ParseMessageMetadata(raw string) MessageMetadata {
	var meta MessageMetadata
	if raw == "" {
		return meta
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return MessageMetadata{}
	}
	return meta
}

// MessageRecord 定义了 widget_messages 表的 ORM 模型。
type MessageRecord struct {
	ID             string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string    `gorm:"type:varchar(36);index;not null" json:"conversationId"`
	Role           string    `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	Metadata       string    `gorm:"type:json" json:"metadata"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (MessageRecord) TableName() string {
	return "widget_messages"
}

// ToMessage 把一条数据库消息记录映射为运行时消息。
func (r *MessageRecord) ToMessage() Message {
	meta := ParseMessageMetadata(r.Metadata)
	isHuman := meta.SenderType == SenderTypeHuman
	msg := Message{
		ID:             r.ID,
		Role:           r.Role,
		Content:        r.Content,
		Timestamp:      r.CreatedAt,
		IsHuman:        isHuman,
		Read:           meta.ReadAt != nil,
		ReadAt:         meta.ReadAt,
		Reactions:      meta.Reactions,
		LinkPreviews:   meta.LinkPreviews,
		HasCallActions: meta.CallActions,
	}
	if isHuman {
		msg.SenderName = meta.SenderName
		msg.SenderAvatar = meta.SenderAvatar
	}
	return msg
}
