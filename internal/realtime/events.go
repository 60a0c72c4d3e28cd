// Package realtime 实现了挂件的实时事件分发：
// 进程内的事件代理（broker）把 Kafka 总线上的推送按会话 ID 分发给
// 各挂件连接的流适配器，适配器再把事件归一成会话状态管理器的更新词汇。
package realtime

import (
	"time"

	"nestchat-widget-go/internal/model"
)

// EventType 标记实时事件的类型。
type EventType string

const (
	EventMessageInsert EventType = "message_insert" // 新消息写入
	EventMessageUpdate EventType = "message_update" // 消息的 reactions/read_at 更新
	EventTyping        EventType = "typing"         // 人工客服输入状态
	EventStatusChange  EventType = "status_change"  // 会话状态（接管）变化
)

// Event 是事件总线与代理之间流转的统一载荷。
// ConversationID 是所有组件之间的主连接键。
type Event struct {
	Type           EventType     `json:"type"`
	ConversationID string        `json:"conversation_id"`
	Message        *MessagePush  `json:"message,omitempty"`
	Update         *MessagePatch `json:"update,omitempty"`
	Typing         *TypingChange `json:"typing,omitempty"`
	Status         *StatusChange `json:"status,omitempty"`
}

// MessagePush 是消息写入事件的载荷，镜像后端消息记录的形状。
// metadata 原样携带，由适配器在边界处解析。
type MessagePush struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MessagePatch 是消息更新事件的载荷。
// 只允许携带 reactions 和 read_at，其他字段的变更在这一层就不存在。
type MessagePatch struct {
	ID        string           `json:"id"`
	Reactions []model.Reaction `json:"reactions,omitempty"`
	ReadAt    *time.Time       `json:"read_at,omitempty"`
}

// TypingChange 是输入指示事件的载荷。
type TypingChange struct {
	IsTyping  bool   `json:"is_typing"`
	AgentName string `json:"agent_name,omitempty"`
}

// StatusChange 是会话状态事件的载荷。
type StatusChange struct {
	Status string `json:"status"`
}
