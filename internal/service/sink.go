package service

import (
	"time"

	"nestchat-widget-go/internal/model"
)

// 滚动行为常量：首次打开会话用即时跳转，之后用平滑滚动。
const (
	ScrollInstant = "instant"
	ScrollSmooth  = "smooth"
)

// 挂件视图常量。
const (
	ViewHome     = "home"
	ViewMessages = "messages"
)

// WidgetSink 是会话状态管理器面向 UI 层的单向输出口。
// WebSocket 网关用它把状态变化推给挂件前端；测试用记录型实现替代。
// 回调在管理器持锁之外调用，实现方不得回调管理器的变更方法。
type WidgetSink interface {
	// MessageAppended 通知有一条新消息进入了当前时间线。
	MessageAppended(msg model.Message)
	// MessagePatched 通知某条消息的 reactions/read_at 被原地更新。
	MessagePatched(id string, reactions []model.Reaction, readAt *time.Time)
	// TypingChanged 通知人工客服输入状态变化。
	TypingChanged(typing bool, agentName string)
	// TakeoverChanged 通知人工接管状态变化。
	TakeoverChanged(active bool, agent *model.TakeoverAgent)
	// ScrollToBottom 请求 UI 滚动到消息列表底部。
	ScrollToBottom(behavior string)
	// PlayNotificationSound 请求 UI 播放新消息提示音。
	PlayNotificationSound()
}
