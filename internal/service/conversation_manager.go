package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"nestchat-widget-go/internal/model"
	"nestchat-widget-go/internal/repository"
	"nestchat-widget-go/internal/sanitize"
	"nestchat-widget-go/pkg/log"
)

// ConversationManager 是单个挂件连接的会话状态管理器。
// 它独占内存中的规范消息序列和会话列表，其他组件（流适配器、处理器）
// 只能通过它暴露的方法发起变更，绝不直接读写列表。
// 每个活跃的挂件连接持有自己的实例，生命周期随连接建立/断开。
type ConversationManager struct {
	mu sync.Mutex

	agentID   string
	visitorID string

	activeID      string
	messages      []model.Message
	conversations []model.Conversation

	// 每个会话是否已完成首次滚动，决定滚动行为是即时还是平滑
	firstScrollDone map[string]bool

	open bool
	view string

	humanTyping    bool
	typingAgent    string
	takeoverActive bool
	takeoverAgent  *model.TakeoverAgent

	// 激活代数，保护慢速历史拉取不覆盖已切换的新会话
	generation int

	markReadTimer *time.Timer

	messageRepo   repository.MessageRepository
	kv            repository.KVStore
	sink          WidgetSink
	previewLength int
	readDebounce  time.Duration
}

// NewConversationManager 创建并初始化一个会话状态管理器。
// 它会从持久化存储恢复会话列表和上次活跃的会话 ID，
// 并透明地完成旧版扁平消息列表格式到多会话格式的迁移。
func NewConversationManager(agentID, visitorID string, messageRepo repository.MessageRepository,
	kv repository.KVStore, sink WidgetSink, previewLength int, readDebounce time.Duration) *ConversationManager {
	if previewLength <= 0 {
		previewLength = 60
	}
	if readDebounce <= 0 {
		readDebounce = 500 * time.Millisecond
	}
	m := &ConversationManager{
		agentID:         agentID,
		visitorID:       visitorID,
		view:            ViewHome,
		firstScrollDone: make(map[string]bool),
		messageRepo:     messageRepo,
		kv:              kv,
		sink:            sink,
		previewLength:   previewLength,
		readDebounce:    readDebounce,
	}
	m.restore(context.Background())
	return m
}

func (m *ConversationManager) conversationsKey() string {
	return fmt.Sprintf("widget:%s:conversations:%s", m.agentID, m.visitorID)
}

func (m *ConversationManager) legacyMessagesKey() string {
	return fmt.Sprintf("widget:%s:chat_messages:%s", m.agentID, m.visitorID)
}

func (m *ConversationManager) activeConversationKey() string {
	return fmt.Sprintf("widget:%s:active_conversation:%s", m.agentID, m.visitorID)
}

func (m *ConversationManager) lastReadKey(conversationID string) string {
	return fmt.Sprintf("widget:%s:last_read:%s", m.agentID, conversationID)
}

// restore 从持久化存储恢复会话列表与活跃会话 ID。
// 损坏的 JSON 一律按不存在处理，挂件从空状态启动。
func (m *ConversationManager) restore(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if raw, ok, err := m.kv.Get(ctx, m.conversationsKey()); err == nil && ok {
		var convs []model.Conversation
		if err := json.Unmarshal([]byte(raw), &convs); err == nil {
			m.conversations = convs
		} else {
			log.Warnf("会话列表数据损坏，按空列表处理: %v", err)
		}
	}

	// 旧版格式迁移：单一扁平消息列表 -> 多会话列表，迁移后删除旧键，不可逆
	if raw, ok, err := m.kv.Get(ctx, m.legacyMessagesKey()); err == nil && ok {
		var legacy []model.Message
		if err := json.Unmarshal([]byte(raw), &legacy); err == nil && len(legacy) > 0 {
			conv := model.Conversation{
				ID:        model.NewLocalConversationID(),
				Messages:  legacy,
				CreatedAt: legacy[0].Timestamp,
				UpdatedAt: legacy[len(legacy)-1].Timestamp,
				Preview:   model.TruncatePreview(legacy[len(legacy)-1].Content, m.previewLength),
			}
			m.conversations = append([]model.Conversation{conv}, m.conversations...)
			// 先落盘再删旧键，进程中途退出也不丢数据
			if data, err := json.Marshal(m.conversations); err == nil {
				if err := m.kv.Set(ctx, m.conversationsKey(), string(data)); err != nil {
					log.Warnf("持久化迁移后的会话列表失败: %v", err)
				}
			}
		}
		_ = m.kv.Remove(ctx, m.legacyMessagesKey())
	}

	if id, ok, err := m.kv.Get(ctx, m.activeConversationKey()); err == nil && ok && id != "" {
		m.activeID = id
		for _, c := range m.conversations {
			if c.ID == id {
				m.messages = append([]model.Message(nil), c.Messages...)
				break
			}
		}
	}
}

// ActiveConversationID 返回当前活跃的会话 ID。
func (m *ConversationManager) ActiveConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Messages 返回当前消息序列的副本。
func (m *ConversationManager) Messages() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Message(nil), m.messages...)
}

// Conversations 返回会话列表的副本。
func (m *ConversationManager) Conversations() []model.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Conversation(nil), m.conversations...)
}

// TypingState 返回人工输入标记及其展示名。
func (m *ConversationManager) TypingState() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.humanTyping, m.typingAgent
}

// TakeoverState 返回人工接管标记及客服展示身份。
func (m *ConversationManager) TakeoverState() (bool, *model.TakeoverAgent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeoverActive, m.takeoverAgent
}

// Activate 切换活跃会话。
// 正式（UUID）ID 且内存中尚无消息时触发一次历史拉取；
// 只要消息列表非空就绝不重复拉取，调用方需先清空列表才能强制刷新。
func (m *ConversationManager) Activate(ctx context.Context, conversationID string) {
	m.mu.Lock()
	if m.activeID != conversationID {
		m.activeID = conversationID
		m.generation++
		m.messages = nil
		for _, c := range m.conversations {
			if c.ID == conversationID {
				m.messages = append([]model.Message(nil), c.Messages...)
				break
			}
		}
	}
	generation := m.generation
	needFetch := model.IsCanonicalConversationID(conversationID) && len(m.messages) == 0
	m.mu.Unlock()

	if err := m.kv.Set(ctx, m.activeConversationKey(), conversationID); err != nil {
		log.Warnf("持久化活跃会话 ID 失败: %v", err)
	}

	if needFetch {
		m.fetchHistory(ctx, conversationID, generation)
	}
	m.scheduleMarkRead()
}

// fetchHistory 从后端拉取会话历史并映射为运行时消息。
// 拉取失败只记日志，挂件退化为空列表继续可用。
func (m *ConversationManager) fetchHistory(ctx context.Context, conversationID string, generation int) {
	records, err := m.messageRepo.FetchConversationMessages(conversationID)
	if err != nil {
		log.Errorf("拉取会话历史失败: %v", err)
		return
	}

	msgs := make([]model.Message, 0, len(records))
	for i := range records {
		msg := records[i].ToMessage()
		// 已被更丰富的交互（预览卡片、拨号按钮）呈现的内容，正文里不再重复
		msg.Content = sanitize.StripURLs(msg.Content, len(msg.LinkPreviews) > 0)
		msg.Content = sanitize.StripPhoneNumbers(msg.Content, msg.HasCallActions)
		msgs = append(msgs, msg)
	}

	m.mu.Lock()
	// 慢速响应到达时会话可能已再次切换，代数不匹配则丢弃
	if m.generation != generation || m.activeID != conversationID {
		m.mu.Unlock()
		return
	}
	m.messages = msgs
	m.persistConversationsLocked(ctx)
	m.mu.Unlock()

	m.emitScroll(conversationID)
}

// AppendLocalMessage 由发送路径调用，把访客/AI 消息追加到时间线。
// 正式会话中的非系统消息同时落库。
func (m *ConversationManager) AppendLocalMessage(ctx context.Context, msg model.Message) {
	m.appendMessage(ctx, msg)

	if !msg.IsSystemNotice && model.IsCanonicalConversationID(m.ActiveConversationID()) {
		var meta model.MessageMetadata
		if msg.Role == model.RoleAssistant {
			meta.SenderType = model.SenderTypeAI
		}
		meta.LinkPreviews = msg.LinkPreviews
		raw, _ := json.Marshal(meta)
		record := &model.MessageRecord{
			ID:             msg.ID,
			ConversationID: m.ActiveConversationID(),
			Role:           msg.Role,
			Content:        msg.Content,
			Metadata:       string(raw),
			CreatedAt:      msg.Timestamp,
		}
		if err := m.messageRepo.InsertMessage(record); err != nil {
			log.Errorf("消息落库失败: %v", err)
		}
	}
}

// AppendRemoteMessage 由消息流适配器调用，追加一条实时推送的人工消息。
// 按消息 ID 去重；挂件打开且在消息视图时立即标记已读。
func (m *ConversationManager) AppendRemoteMessage(msg model.Message) {
	m.mu.Lock()
	for _, existing := range m.messages {
		if existing.ID == msg.ID {
			m.mu.Unlock()
			return
		}
	}
	if m.open && m.view == ViewMessages {
		msg.Read = true
	}
	m.mu.Unlock()

	m.appendMessage(context.Background(), msg)
	m.scheduleMarkRead()
}

// AppendSystemNotice 追加一条系统提示消息（如"某某已加入对话"）。
// 系统提示不落库、不计未读。
func (m *ConversationManager) AppendSystemNotice(content string) {
	m.appendMessage(context.Background(), model.Message{
		ID:             uuid.NewString(),
		Role:           model.RoleAssistant,
		Content:        content,
		Timestamp:      time.Now(),
		Read:           true,
		IsSystemNotice: true,
	})
}

// appendMessage 是所有追加路径的汇合点：追加、持久化、通知 UI、驱动滚动。
func (m *ConversationManager) appendMessage(ctx context.Context, msg model.Message) {
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.persistConversationsLocked(ctx)
	activeID := m.activeID
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.MessageAppended(msg)
	}
	m.emitScroll(activeID)
}

// PatchMessage 按消息 ID 原地更新 reactions 和 read_at，其他字段保持不变。
// 目标消息不存在时整体为空操作。
func (m *ConversationManager) PatchMessage(id string, reactions []model.Reaction, readAt *time.Time) {
	m.mu.Lock()
	patched := false
	for i := range m.messages {
		if m.messages[i].ID == id {
			if reactions != nil {
				m.messages[i].Reactions = reactions
			}
			if readAt != nil {
				m.messages[i].ReadAt = readAt
				m.messages[i].Read = true
			}
			patched = true
			break
		}
	}
	if patched {
		m.persistConversationsLocked(context.Background())
	}
	m.mu.Unlock()

	if patched && m.sink != nil {
		m.sink.MessagePatched(id, reactions, readAt)
	}
}

// SetTyping 更新人工输入标记；开始输入时记录客服展示名。
func (m *ConversationManager) SetTyping(typing bool, agentName string) {
	m.mu.Lock()
	m.humanTyping = typing
	if typing && agentName != "" {
		m.typingAgent = agentName
	}
	name := m.typingAgent
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.TypingChanged(typing, name)
	}
}

// SetTakeover 更新人工接管标记与客服展示身份。
func (m *ConversationManager) SetTakeover(active bool, agent *model.TakeoverAgent) {
	m.mu.Lock()
	m.takeoverActive = active
	if agent != nil {
		m.takeoverAgent = agent
	}
	current := m.takeoverAgent
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.TakeoverChanged(active, current)
	}
}

// SetTakeoverAgent 只更新接管客服的展示身份（来自消息的发送方元数据）。
func (m *ConversationManager) SetTakeoverAgent(agent *model.TakeoverAgent) {
	if agent == nil {
		return
	}
	m.mu.Lock()
	m.takeoverAgent = agent
	m.mu.Unlock()
}

// SetOpen 更新挂件开合状态，打开时可能触发已读标记。
func (m *ConversationManager) SetOpen(open bool) {
	m.mu.Lock()
	m.open = open
	m.mu.Unlock()
	m.scheduleMarkRead()
}

// SetView 切换挂件视图（home / messages），进入消息视图时可能触发已读标记。
func (m *ConversationManager) SetView(view string) {
	m.mu.Lock()
	m.view = view
	m.mu.Unlock()
	m.scheduleMarkRead()
}

// IsViewingMessages 返回挂件是否打开且处于消息视图。
func (m *ConversationManager) IsViewingMessages() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open && m.view == ViewMessages
}

// scheduleMarkRead 在满足条件时安排一次防抖的已读标记。
// 条件：挂件打开、处于消息视图、活跃会话为正式 ID。
func (m *ConversationManager) scheduleMarkRead() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open || m.view != ViewMessages || !model.IsCanonicalConversationID(m.activeID) {
		return
	}
	if m.markReadTimer != nil {
		m.markReadTimer.Stop()
	}
	m.markReadTimer = time.AfterFunc(m.readDebounce, m.markReadNow)
}

// markReadNow 调用后端把未读的 assistant 消息标记为已读，
// 成功后翻转本地 Read 标记并持久化最后已读时间。失败只记日志。
func (m *ConversationManager) markReadNow() {
	m.mu.Lock()
	conversationID := m.activeID
	ok := m.open && m.view == ViewMessages && model.IsCanonicalConversationID(conversationID)
	m.mu.Unlock()
	if !ok {
		return
	}

	updated, err := m.messageRepo.MarkMessagesRead(conversationID, model.RoleUser)
	if err != nil {
		log.Errorf("标记已读失败: %v", err)
		return
	}
	if updated == 0 {
		return
	}

	now := time.Now()
	m.mu.Lock()
	for i := range m.messages {
		if m.messages[i].Role == model.RoleAssistant && !m.messages[i].Read && !m.messages[i].IsSystemNotice {
			m.messages[i].Read = true
		}
	}
	m.persistConversationsLocked(context.Background())
	m.mu.Unlock()

	if err := m.kv.Set(context.Background(), m.lastReadKey(conversationID), now.Format(time.RFC3339)); err != nil {
		log.Warnf("持久化最后已读时间失败: %v", err)
	}
}

// UnreadCount 返回当前时间线中未读的 assistant 消息数，系统提示不计入。
func (m *ConversationManager) UnreadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, msg := range m.messages {
		if msg.Role == model.RoleAssistant && !msg.Read && !msg.IsSystemNotice {
			count++
		}
	}
	return count
}

// persistConversationsLocked 在每次消息列表变更后同步重算并持久化会话列表。
// 已有条目按 ID 替换并保留 createdAt；新条目前插。必须在持锁状态下调用。
func (m *ConversationManager) persistConversationsLocked(ctx context.Context) {
	if m.activeID == "" {
		return
	}

	entry := model.Conversation{
		ID:        m.activeID,
		Messages:  append([]model.Message(nil), m.messages...),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if len(m.messages) > 0 {
		last := m.messages[len(m.messages)-1]
		entry.Preview = model.TruncatePreview(last.Content, m.previewLength)
		entry.UpdatedAt = last.Timestamp
	}

	replaced := false
	for i := range m.conversations {
		if m.conversations[i].ID == m.activeID {
			entry.CreatedAt = m.conversations[i].CreatedAt
			m.conversations[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		m.conversations = append([]model.Conversation{entry}, m.conversations...)
	}

	raw, err := json.Marshal(m.conversations)
	if err != nil {
		log.Errorf("序列化会话列表失败: %v", err)
		return
	}
	if err := m.kv.Set(ctx, m.conversationsKey(), string(raw)); err != nil {
		log.Warnf("持久化会话列表失败: %v", err)
	}
}

// PromoteConversationID 把本地占位 ID 永久替换为后端签发的正式 ID。
// 替换后持久化，回访的访客可以继续同一个会话。
func (m *ConversationManager) PromoteConversationID(ctx context.Context, canonicalID string) {
	if !model.IsCanonicalConversationID(canonicalID) {
		return
	}
	m.mu.Lock()
	oldID := m.activeID
	m.activeID = canonicalID
	for i := range m.conversations {
		if m.conversations[i].ID == oldID {
			m.conversations[i].ID = canonicalID
			break
		}
	}
	m.persistConversationsLocked(ctx)
	m.mu.Unlock()

	if err := m.kv.Set(ctx, m.activeConversationKey(), canonicalID); err != nil {
		log.Warnf("持久化活跃会话 ID 失败: %v", err)
	}
}

// emitScroll 在消息视图活跃时驱动 UI 滚动到底部。
// 每个会话第一次用即时跳转，之后用平滑滚动。
func (m *ConversationManager) emitScroll(conversationID string) {
	m.mu.Lock()
	viewing := m.open && m.view == ViewMessages && conversationID != ""
	behavior := ScrollSmooth
	if viewing && !m.firstScrollDone[conversationID] {
		behavior = ScrollInstant
		m.firstScrollDone[conversationID] = true
	}
	m.mu.Unlock()

	if viewing && m.sink != nil {
		m.sink.ScrollToBottom(behavior)
	}
}

// NotifySound 请求 UI 播放提示音（由消息流适配器触发）。
func (m *ConversationManager) NotifySound() {
	if m.sink != nil {
		m.sink.PlayNotificationSound()
	}
}

// Dispose 释放管理器持有的定时器等资源，连接断开时调用。
func (m *ConversationManager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markReadTimer != nil {
		m.markReadTimer.Stop()
		m.markReadTimer = nil
	}
}
