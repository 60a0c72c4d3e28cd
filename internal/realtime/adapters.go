package realtime

import (
	"context"

	"nestchat-widget-go/internal/model"
	"nestchat-widget-go/internal/repository"
	"nestchat-widget-go/internal/sanitize"
	"nestchat-widget-go/internal/service"
	"nestchat-widget-go/pkg/log"
)

// 三个流适配器各自独占一类事件流的订阅生命周期。
// 统一的约束：Attach 以正式（UUID）会话 ID 为前提，本地占位 ID 一律空转；
// 任一时刻每类流至多一个活跃订阅，重复 Attach 会先拆掉旧订阅。

// MessageStreamAdapter 订阅消息写入/更新流。
type MessageStreamAdapter struct {
	broker *Broker
	mgr    *service.ConversationManager
	sub    *Subscription
}

// NewMessageStreamAdapter 创建消息流适配器。
func NewMessageStreamAdapter(broker *Broker, mgr *service.ConversationManager) *MessageStreamAdapter {
	return &MessageStreamAdapter{broker: broker, mgr: mgr}
}

// Attach 订阅指定会话的消息流。非正式 ID 只做拆除，不建立新订阅。
func (a *MessageStreamAdapter) Attach(conversationID string) {
	a.Detach()
	if !model.IsCanonicalConversationID(conversationID) {
		return
	}
	a.sub = a.broker.Subscribe(conversationID, a.handle)
}

// Detach 拆除当前订阅。
func (a *MessageStreamAdapter) Detach() {
	if a.sub != nil {
		a.broker.Unsubscribe(a.sub)
		a.sub = nil
	}
}

// handle 归一化消息流事件。
// 写入：AI 消息忽略（发送路径已本地追加），只追加人工消息并按 ID 去重，
// 同时更新接管客服身份、清除输入指示、触发提示音。
// 更新：只按 ID 修补 reactions 和 read_at，目标不存在则为空操作。
func (a *MessageStreamAdapter) handle(ev Event) {
	switch ev.Type {
	case EventMessageInsert:
		if ev.Message == nil {
			return
		}
		meta := model.ParseMessageMetadata(ev.Message.Metadata)
		if meta.SenderType != model.SenderTypeHuman {
			// AI 消息由发送路径本地追加，这里不重复进时间线
			return
		}
		content := sanitize.StripURLs(ev.Message.Content, len(meta.LinkPreviews) > 0)
		content = sanitize.StripPhoneNumbers(content, meta.CallActions)
		msg := model.Message{
			ID:             ev.Message.ID,
			Role:           ev.Message.Role,
			Content:        content,
			Timestamp:      ev.Message.CreatedAt,
			IsHuman:        true,
			SenderName:     meta.SenderName,
			SenderAvatar:   meta.SenderAvatar,
			ReadAt:         meta.ReadAt,
			Read:           meta.ReadAt != nil,
			Reactions:      meta.Reactions,
			LinkPreviews:   meta.LinkPreviews,
			HasCallActions: meta.CallActions,
		}
		if meta.SenderName != "" {
			a.mgr.SetTakeoverAgent(&model.TakeoverAgent{Name: meta.SenderName, Avatar: meta.SenderAvatar})
		}
		a.mgr.AppendRemoteMessage(msg)
		a.mgr.SetTyping(false, "")
		a.mgr.NotifySound()

	case EventMessageUpdate:
		if ev.Update == nil {
			return
		}
		a.mgr.PatchMessage(ev.Update.ID, ev.Update.Reactions, ev.Update.ReadAt)
	}
}

// TypingStreamAdapter 订阅人工客服的输入指示流。
type TypingStreamAdapter struct {
	broker *Broker
	mgr    *service.ConversationManager
	sub    *Subscription
}

// NewTypingStreamAdapter 创建输入指示流适配器。
func NewTypingStreamAdapter(broker *Broker, mgr *service.ConversationManager) *TypingStreamAdapter {
	return &TypingStreamAdapter{broker: broker, mgr: mgr}
}

// Attach 订阅指定会话的输入指示流。
func (a *TypingStreamAdapter) Attach(conversationID string) {
	a.Detach()
	if !model.IsCanonicalConversationID(conversationID) {
		return
	}
	a.sub = a.broker.Subscribe(conversationID, a.handle)
}

// Detach 拆除当前订阅。
func (a *TypingStreamAdapter) Detach() {
	if a.sub != nil {
		a.broker.Unsubscribe(a.sub)
		a.sub = nil
	}
}

func (a *TypingStreamAdapter) handle(ev Event) {
	if ev.Type != EventTyping || ev.Typing == nil {
		return
	}
	a.mgr.SetTyping(ev.Typing.IsTyping, ev.Typing.AgentName)
}

// StatusStreamAdapter 订阅会话状态（人工接管）流。
type StatusStreamAdapter struct {
	broker     *Broker
	mgr        *service.ConversationManager
	sessions   service.SessionService
	staffRepo  repository.StaffRepository
	agentID    string
	sub        *Subscription
	convID     string
	lastStatus string
}

// NewStatusStreamAdapter 创建会话状态流适配器。
func NewStatusStreamAdapter(broker *Broker, mgr *service.ConversationManager,
	sessions service.SessionService, staffRepo repository.StaffRepository, agentID string) *StatusStreamAdapter {
	return &StatusStreamAdapter{
		broker:    broker,
		mgr:       mgr,
		sessions:  sessions,
		staffRepo: staffRepo,
		agentID:   agentID,
	}
}

// Attach 订阅指定会话的状态流。
func (a *StatusStreamAdapter) Attach(conversationID string) {
	a.Detach()
	if !model.IsCanonicalConversationID(conversationID) {
		return
	}
	a.convID = conversationID
	a.lastStatus = ""
	a.sub = a.broker.Subscribe(conversationID, a.handle)
}

// Detach 拆除当前订阅。
func (a *StatusStreamAdapter) Detach() {
	if a.sub != nil {
		a.broker.Unsubscribe(a.sub)
		a.sub = nil
	}
	a.convID = ""
	a.lastStatus = ""
}

// handle 处理会话状态变化。
// 从非接管态进入接管态时，若该会话还没展示过接管提示，
// 则查出接管客服身份、写入标记并追加一条系统提示消息；
// 离开接管态时清除接管标记并重置提示标记，下次接管重新提示。
func (a *StatusStreamAdapter) handle(ev Event) {
	if ev.Type != EventStatusChange || ev.Status == nil {
		return
	}
	status := ev.Status.Status
	prev := a.lastStatus
	a.lastStatus = status

	ctx := context.Background()
	if status == model.StatusHumanTakeover {
		if prev == model.StatusHumanTakeover {
			return
		}
		if a.sessions.HasTakeoverNoticeBeenShown(ctx, a.agentID, a.convID) {
			a.mgr.SetTakeover(true, nil)
			return
		}

		agent, err := a.staffRepo.FetchTakeoverAgent(a.convID)
		if err != nil {
			log.Warnf("查询接管客服失败: %v", err)
		}
		name := "客服"
		if agent != nil && agent.Name != "" {
			name = agent.Name
		}
		a.sessions.MarkTakeoverNoticeShown(ctx, a.agentID, a.convID)
		a.mgr.SetTakeover(true, agent)
		a.mgr.AppendSystemNotice(name + " 已加入对话")
		return
	}

	if prev == model.StatusHumanTakeover {
		a.mgr.SetTakeover(false, nil)
		a.sessions.ClearTakeoverNotice(ctx, a.agentID, a.convID)
	}
}
