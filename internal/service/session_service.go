// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"time"

	"nestchat-widget-go/internal/repository"
	"nestchat-widget-go/pkg/log"
	"nestchat-widget-go/pkg/token"
)

// SessionService 定义了访客身份与会话期标记的操作接口。
// 所有标识符都是不透明的随机字符串（时间戳 + 随机后缀），
// 唯一性为尽力而为，不做加密学保证。
type SessionService interface {
	// GetOrCreateSessionID 返回跨页面加载存活的会话期 ID，首次调用时创建。
	GetOrCreateSessionID(ctx context.Context, clientKey string) (string, error)
	// GetOrCreateVisitorID 返回按租户隔离的访客 ID，
	// 同一浏览器在不同嵌入站点上是彼此独立的访客。
	GetOrCreateVisitorID(ctx context.Context, agentID, clientKey string) (string, error)
	// HasTakeoverNoticeBeenShown 查询某会话的"人工已加入"提示是否已展示过。
	HasTakeoverNoticeBeenShown(ctx context.Context, agentID, conversationID string) bool
	// MarkTakeoverNoticeShown 标记接管提示已展示，同一接管期内不再重复。
	MarkTakeoverNoticeShown(ctx context.Context, agentID, conversationID string)
	// ClearTakeoverNotice 清除标记，让下一次接管重新展示提示。
	ClearTakeoverNotice(ctx context.Context, agentID, conversationID string)
}

type sessionService struct {
	kv repository.KVStore
}

// NewSessionService 创建一个新的 SessionService 实例。
func NewSessionService(kv repository.KVStore) SessionService {
	return &sessionService{kv: kv}
}

// newOpaqueID 生成一个 前缀_时间戳_随机后缀 形式的不透明 ID。
func newOpaqueID(prefix string) string {
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), token.GenerateRandomString(3))
}

// GetOrCreateSessionID 获取或创建会话期 ID。纯存储读写，无错误分支的业务语义。
func (s *sessionService) GetOrCreateSessionID(ctx context.Context, clientKey string) (string, error) {
	key := fmt.Sprintf("widget:session:%s", clientKey)
	if val, ok, err := s.kv.Get(ctx, key); err == nil && ok && val != "" {
		return val, nil
	} else if err != nil {
		return "", err
	}
	id := newOpaqueID("session")
	if err := s.kv.Set(ctx, key, id); err != nil {
		return "", err
	}
	return id, nil
}

// GetOrCreateVisitorID 获取或创建按租户隔离的访客 ID。
func (s *sessionService) GetOrCreateVisitorID(ctx context.Context, agentID, clientKey string) (string, error) {
	key := fmt.Sprintf("widget:%s:visitor:%s", agentID, clientKey)
	if val, ok, err := s.kv.Get(ctx, key); err == nil && ok && val != "" {
		return val, nil
	} else if err != nil {
		return "", err
	}
	id := newOpaqueID("visitor")
	if err := s.kv.Set(ctx, key, id); err != nil {
		return "", err
	}
	return id, nil
}

func takeoverNoticeKey(agentID, conversationID string) string {
	return fmt.Sprintf("widget:%s:takeover_notice:%s", agentID, conversationID)
}

// HasTakeoverNoticeBeenShown 查询接管提示标记。存储故障按未展示处理。
func (s *sessionService) HasTakeoverNoticeBeenShown(ctx context.Context, agentID, conversationID string) bool {
	val, ok, err := s.kv.Get(ctx, takeoverNoticeKey(agentID, conversationID))
	if err != nil {
		log.Warnf("读取接管提示标记失败: %v", err)
		return false
	}
	return ok && val == "1"
}

// MarkTakeoverNoticeShown 写入接管提示标记。
func (s *sessionService) MarkTakeoverNoticeShown(ctx context.Context, agentID, conversationID string) {
	if err := s.kv.Set(ctx, takeoverNoticeKey(agentID, conversationID), "1"); err != nil {
		log.Warnf("写入接管提示标记失败: %v", err)
	}
}

// ClearTakeoverNotice 清除接管提示标记。
func (s *sessionService) ClearTakeoverNotice(ctx context.Context, agentID, conversationID string) {
	if err := s.kv.Remove(ctx, takeoverNoticeKey(agentID, conversationID)); err != nil {
		log.Warnf("清除接管提示标记失败: %v", err)
	}
}
