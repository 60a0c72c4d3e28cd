package service

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestchat-widget-go/internal/repository"
)

func TestSessionService_SessionIDStableAcrossCalls(t *testing.T) {
	svc := NewSessionService(repository.NewMemoryKVStore())
	ctx := context.Background()

	first, err := svc.GetOrCreateSessionID(ctx, "client-abc")
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^session_\d+_[0-9a-f]{6}$`), first)

	second, err := svc.GetOrCreateSessionID(ctx, "client-abc")
	require.NoError(t, err)
	assert.Equal(t, first, second, "同一客户端重复获取必须返回同一个会话期 ID")

	other, err := svc.GetOrCreateSessionID(ctx, "client-xyz")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestSessionService_VisitorIDScopedByAgent(t *testing.T) {
	svc := NewSessionService(repository.NewMemoryKVStore())
	ctx := context.Background()

	idA1, err := svc.GetOrCreateVisitorID(ctx, "agent-a", "client-1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(idA1, "visitor_"))

	idA2, err := svc.GetOrCreateVisitorID(ctx, "agent-a", "client-1")
	require.NoError(t, err)
	assert.Equal(t, idA1, idA2)

	// 同一浏览器在不同租户的站点上是互相独立的访客
	idB, err := svc.GetOrCreateVisitorID(ctx, "agent-b", "client-1")
	require.NoError(t, err)
	assert.NotEqual(t, idA1, idB)
}

func TestSessionService_TakeoverNoticeLifecycle(t *testing.T) {
	svc := NewSessionService(repository.NewMemoryKVStore())
	ctx := context.Background()

	assert.False(t, svc.HasTakeoverNoticeBeenShown(ctx, "agent-a", "conv-1"))

	svc.MarkTakeoverNoticeShown(ctx, "agent-a", "conv-1")
	assert.True(t, svc.HasTakeoverNoticeBeenShown(ctx, "agent-a", "conv-1"))
	assert.False(t, svc.HasTakeoverNoticeBeenShown(ctx, "agent-a", "conv-2"), "标记按会话隔离")

	// 接管期结束后清除标记，下一次接管重新展示提示
	svc.ClearTakeoverNotice(ctx, "agent-a", "conv-1")
	assert.False(t, svc.HasTakeoverNoticeBeenShown(ctx, "agent-a", "conv-1"))
}
