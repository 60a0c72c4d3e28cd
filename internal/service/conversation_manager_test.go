package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestchat-widget-go/internal/model"
	"nestchat-widget-go/internal/repository"
	"nestchat-widget-go/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	os.Exit(m.Run())
}

// fakeMessageRepo 是 MessageRepository 的测试替身，记录各方法的调用次数。
type fakeMessageRepo struct {
	mu          sync.Mutex
	fetchCalls  int
	markCalls   int
	inserted    []model.MessageRecord
	fetchResult []model.MessageRecord
	fetchErr    error
	markUpdated int
	markErr     error
	markNotify  chan struct{}
}

func (f *fakeMessageRepo) FetchConversationMessages(conversationID string) ([]model.MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	return f.fetchResult, f.fetchErr
}

func (f *fakeMessageRepo) InsertMessage(record *model.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, *record)
	return nil
}

func (f *fakeMessageRepo) MarkMessagesRead(conversationID, readerRole string) (int, error) {
	f.mu.Lock()
	f.markCalls++
	updated, err := f.markUpdated, f.markErr
	notify := f.markNotify
	f.mu.Unlock()
	if notify != nil {
		notify <- struct{}{}
	}
	return updated, err
}

func (f *fakeMessageRepo) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *fakeMessageRepo) MarkCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markCalls
}

// recordingSink 记录会话状态管理器推给 UI 的全部事件。
type recordingSink struct {
	mu       sync.Mutex
	appended []model.Message
	patched  []string
	scrolls  []string
	sounds   int
	typing   []bool
	takeover []bool
}

func (s *recordingSink) MessageAppended(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, msg)
}

func (s *recordingSink) MessagePatched(id string, _ []model.Reaction, _ *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patched = append(s.patched, id)
}

func (s *recordingSink) TypingChanged(typing bool, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, typing)
}

func (s *recordingSink) TakeoverChanged(active bool, _ *model.TakeoverAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.takeover = append(s.takeover, active)
}

func (s *recordingSink) ScrollToBottom(behavior string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrolls = append(s.scrolls, behavior)
}

func (s *recordingSink) PlayNotificationSound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sounds++
}

func (s *recordingSink) Scrolls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scrolls...)
}

const (
	testAgentID     = "agent-1"
	testVisitorID   = "visitor_1700000000000_000001"
	testCanonicalID = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
)

func newTestManager(t *testing.T, repo *fakeMessageRepo, kv repository.KVStore) (*ConversationManager, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	mgr := NewConversationManager(testAgentID, testVisitorID, repo, kv, sink, 60, 10*time.Millisecond)
	t.Cleanup(mgr.Dispose)
	return mgr, sink
}

func conversationsKeyFor(agentID, visitorID string) string {
	return fmt.Sprintf("widget:%s:conversations:%s", agentID, visitorID)
}

func TestConversationManager_PersistedListTracksMessages(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	repo := &fakeMessageRepo{}
	mgr, _ := newTestManager(t, repo, kv)

	localID := model.NewLocalConversationID()
	mgr.Activate(context.Background(), localID)

	const n = 5
	for i := 0; i < n; i++ {
		mgr.AppendLocalMessage(context.Background(), model.Message{
			ID:        fmt.Sprintf("msg-%d", i),
			Role:      model.RoleUser,
			Content:   fmt.Sprintf("message number %d", i),
			Timestamp: time.Now(),
		})
	}

	raw, ok, err := kv.Get(context.Background(), conversationsKeyFor(testAgentID, testVisitorID))
	require.NoError(t, err)
	require.True(t, ok)

	var convs []model.Conversation
	require.NoError(t, json.Unmarshal([]byte(raw), &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, localID, convs[0].ID)
	assert.Len(t, convs[0].Messages, n)
	assert.Equal(t, model.TruncatePreview(fmt.Sprintf("message number %d", n-1), 60), convs[0].Preview)

	// 本地占位会话不触碰后端
	assert.Equal(t, 0, repo.FetchCalls())
	assert.Empty(t, repo.inserted)
}

func TestConversationManager_CreatedAtPreservedOnUpdate(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	repo := &fakeMessageRepo{}
	mgr, _ := newTestManager(t, repo, kv)

	localID := model.NewLocalConversationID()
	mgr.Activate(context.Background(), localID)
	mgr.AppendLocalMessage(context.Background(), model.Message{ID: "a", Role: model.RoleUser, Content: "first", Timestamp: time.Now()})

	first := mgr.Conversations()[0]
	time.Sleep(5 * time.Millisecond)
	mgr.AppendLocalMessage(context.Background(), model.Message{ID: "b", Role: model.RoleUser, Content: "second", Timestamp: time.Now()})

	second := mgr.Conversations()[0]
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "createdAt 在更新时必须保持不变")
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt) || second.UpdatedAt.Equal(first.UpdatedAt))
	assert.Equal(t, "second", second.Preview)
}

func TestConversationManager_HistoryFetchedExactlyOnce(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	// 模拟回访访客：持久化存储里已有正式会话 ID
	require.NoError(t, kv.Set(context.Background(),
		fmt.Sprintf("widget:%s:active_conversation:%s", testAgentID, testVisitorID), testCanonicalID))

	repo := &fakeMessageRepo{
		fetchResult: []model.MessageRecord{
			{ID: "m1", ConversationID: testCanonicalID, Role: model.RoleUser, Content: "hi", CreatedAt: time.Now()},
			{ID: "m2", ConversationID: testCanonicalID, Role: model.RoleAssistant, Content: "hello", CreatedAt: time.Now()},
		},
	}
	mgr, _ := newTestManager(t, repo, kv)

	assert.Equal(t, testCanonicalID, mgr.ActiveConversationID())

	mgr.Activate(context.Background(), testCanonicalID)
	assert.Equal(t, 1, repo.FetchCalls())
	assert.Len(t, mgr.Messages(), 2)

	// 消息非空期间的重复激活（对应 UI 重渲染）绝不重复拉取
	mgr.Activate(context.Background(), testCanonicalID)
	mgr.Activate(context.Background(), testCanonicalID)
	assert.Equal(t, 1, repo.FetchCalls())
}

func TestConversationManager_HistoryStripsRenderedContacts(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	require.NoError(t, kv.Set(context.Background(),
		fmt.Sprintf("widget:%s:active_conversation:%s", testAgentID, testVisitorID), testCanonicalID))

	withActions, err := json.Marshal(model.MessageMetadata{SenderType: model.SenderTypeHuman, CallActions: true})
	require.NoError(t, err)
	repo := &fakeMessageRepo{
		fetchResult: []model.MessageRecord{
			{ID: "m1", ConversationID: testCanonicalID, Role: model.RoleAssistant,
				Content: "Call us at (555) 123-4567 today", Metadata: string(withActions), CreatedAt: time.Now()},
			{ID: "m2", ConversationID: testCanonicalID, Role: model.RoleAssistant,
				Content: "Call us at (555) 123-4567 today", CreatedAt: time.Now()},
		},
	}
	mgr, _ := newTestManager(t, repo, kv)
	mgr.Activate(context.Background(), testCanonicalID)

	msgs := mgr.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "today", msgs[0].Content, "已渲染拨号按钮的历史消息正文不再重复号码")
	assert.True(t, msgs[0].HasCallActions)
	assert.Equal(t, "Call us at (555) 123-4567 today", msgs[1].Content)
}

func TestConversationManager_LocalIDNeverFetches(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	repo := &fakeMessageRepo{}
	mgr, _ := newTestManager(t, repo, kv)

	mgr.Activate(context.Background(), model.NewLocalConversationID())
	assert.Equal(t, 0, repo.FetchCalls())
}

func TestConversationManager_PatchMissingMessageIsNoOp(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	repo := &fakeMessageRepo{}
	mgr, sink := newTestManager(t, repo, kv)

	mgr.Activate(context.Background(), model.NewLocalConversationID())
	mgr.AppendLocalMessage(context.Background(), model.Message{ID: "a", Role: model.RoleUser, Content: "hi", Timestamp: time.Now()})

	before := mgr.Messages()
	mgr.PatchMessage("not-there", []model.Reaction{{Emoji: "👍", UserIDs: []string{"u1"}}}, nil)

	assert.Equal(t, before, mgr.Messages())
	assert.Empty(t, sink.patched)
}

func TestConversationManager_PatchUpdatesOnlyReactionsAndReadAt(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	repo := &fakeMessageRepo{}
	mgr, _ := newTestManager(t, repo, kv)

	mgr.Activate(context.Background(), model.NewLocalConversationID())
	mgr.AppendLocalMessage(context.Background(), model.Message{ID: "a", Role: model.RoleAssistant, Content: "hi", Timestamp: time.Now()})

	readAt := time.Now()
	mgr.PatchMessage("a", []model.Reaction{{Emoji: "❤️", UserIDs: []string{"u1"}}}, &readAt)

	msgs := mgr.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content, "正文不允许被更新事件改动")
	assert.True(t, msgs[0].Read)
	require.NotNil(t, msgs[0].ReadAt)
	require.Len(t, msgs[0].Reactions, 1)
	assert.Equal(t, "❤️", msgs[0].Reactions[0].Emoji)
}

func TestConversationManager_LegacyFlatFormatMigration(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	legacy := []model.Message{
		{ID: "old-1", Role: model.RoleUser, Content: "old question", Timestamp: time.Now().Add(-time.Hour)},
		{ID: "old-2", Role: model.RoleAssistant, Content: "old answer", Timestamp: time.Now().Add(-time.Hour)},
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	legacyKey := fmt.Sprintf("widget:%s:chat_messages:%s", testAgentID, testVisitorID)
	require.NoError(t, kv.Set(context.Background(), legacyKey, string(raw)))

	repo := &fakeMessageRepo{}
	mgr, _ := newTestManager(t, repo, kv)

	convs := mgr.Conversations()
	require.Len(t, convs, 1)
	assert.Len(t, convs[0].Messages, 2)
	assert.Equal(t, "old answer", convs[0].Preview)

	// 旧格式键在迁移后必须被删除
	_, ok, err := kv.Get(context.Background(), legacyKey)
	require.NoError(t, err)
	assert.False(t, ok, "迁移后旧格式键应当被删除")
}

func TestConversationManager_CorruptStoredDataTreatedAsAbsent(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	require.NoError(t, kv.Set(context.Background(),
		conversationsKeyFor(testAgentID, testVisitorID), "{not valid json"))

	repo := &fakeMessageRepo{}
	mgr, _ := newTestManager(t, repo, kv)

	assert.Empty(t, mgr.Conversations())
}

func TestConversationManager_ScrollInstantThenSmooth(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	repo := &fakeMessageRepo{}
	mgr, sink := newTestManager(t, repo, kv)

	mgr.SetOpen(true)
	mgr.SetView(ViewMessages)
	mgr.Activate(context.Background(), model.NewLocalConversationID())

	mgr.AppendLocalMessage(context.Background(), model.Message{ID: "a", Role: model.RoleUser, Content: "1", Timestamp: time.Now()})
	mgr.AppendLocalMessage(context.Background(), model.Message{ID: "b", Role: model.RoleUser, Content: "2", Timestamp: time.Now()})

	scrolls := sink.Scrolls()
	require.Len(t, scrolls, 2)
	assert.Equal(t, ScrollInstant, scrolls[0], "首次打开会话用即时跳转")
	assert.Equal(t, ScrollSmooth, scrolls[1], "之后用平滑滚动")
}

func TestConversationManager_NoScrollWhenClosed(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	repo := &fakeMessageRepo{}
	mgr, sink := newTestManager(t, repo, kv)

	mgr.Activate(context.Background(), model.NewLocalConversationID())
	mgr.AppendLocalMessage(context.Background(), model.Message{ID: "a", Role: model.RoleUser, Content: "1", Timestamp: time.Now()})

	assert.Empty(t, sink.Scrolls())
}

func TestConversationManager_ReadReceiptDebounce(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	repo := &fakeMessageRepo{
		fetchResult: []model.MessageRecord{
			{ID: "m1", ConversationID: testCanonicalID, Role: model.RoleAssistant, Content: "hello", CreatedAt: time.Now()},
		},
		markUpdated: 1,
		markNotify:  make(chan struct{}, 4),
	}
	mgr, _ := newTestManager(t, repo, kv)

	mgr.SetOpen(true)
	mgr.SetView(ViewMessages)
	mgr.Activate(context.Background(), testCanonicalID)

	select {
	case <-repo.markNotify:
	case <-time.After(time.Second):
		t.Fatal("防抖到期后未触发已读标记")
	}

	// 等待回调完成本地状态翻转
	assert.Eventually(t, func() bool {
		msgs := mgr.Messages()
		return len(msgs) == 1 && msgs[0].Read
	}, time.Second, 5*time.Millisecond)

	_, ok, err := kv.Get(context.Background(), fmt.Sprintf("widget:%s:last_read:%s", testAgentID, testCanonicalID))
	require.NoError(t, err)
	assert.True(t, ok, "成功标记后应当持久化最后已读时间")
}

func TestConversationManager_NoMarkReadForLocalID(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	repo := &fakeMessageRepo{}
	mgr, _ := newTestManager(t, repo, kv)

	mgr.SetOpen(true)
	mgr.SetView(ViewMessages)
	mgr.Activate(context.Background(), model.NewLocalConversationID())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, repo.MarkCalls())
}

func TestConversationManager_UnreadCountSkipsSystemNotices(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	repo := &fakeMessageRepo{}
	mgr, _ := newTestManager(t, repo, kv)

	mgr.Activate(context.Background(), model.NewLocalConversationID())
	mgr.AppendLocalMessage(context.Background(), model.Message{ID: "a", Role: model.RoleAssistant, Content: "answer", Timestamp: time.Now()})
	mgr.AppendSystemNotice("客服小王 已加入对话")

	assert.Equal(t, 1, mgr.UnreadCount(), "系统提示不计入未读")
}

func TestConversationManager_PromoteReplacesLocalID(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	repo := &fakeMessageRepo{}
	mgr, _ := newTestManager(t, repo, kv)

	localID := model.NewLocalConversationID()
	mgr.Activate(context.Background(), localID)
	mgr.AppendLocalMessage(context.Background(), model.Message{ID: "a", Role: model.RoleUser, Content: "hi", Timestamp: time.Now()})

	mgr.PromoteConversationID(context.Background(), testCanonicalID)

	assert.Equal(t, testCanonicalID, mgr.ActiveConversationID())
	convs := mgr.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, testCanonicalID, convs[0].ID)
	assert.Len(t, convs[0].Messages, 1, "升级 ID 时必须保留已累计的消息")

	// 持久化的活跃会话 ID 同步更新，回访可恢复
	id, ok, err := kv.Get(context.Background(),
		fmt.Sprintf("widget:%s:active_conversation:%s", testAgentID, testVisitorID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testCanonicalID, id)
}

func TestConversationManager_AppendRemoteDeduplicatesByID(t *testing.T) {
	kv := repository.NewMemoryKVStore()
	repo := &fakeMessageRepo{}
	mgr, _ := newTestManager(t, repo, kv)

	mgr.Activate(context.Background(), testCanonicalID)
	msg := model.Message{ID: "dup", Role: model.RoleAssistant, Content: "hi", IsHuman: true, Timestamp: time.Now()}
	mgr.AppendRemoteMessage(msg)
	mgr.AppendRemoteMessage(msg)

	assert.Len(t, mgr.Messages(), 1)
}
