// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// KVStore 定义了访客侧持久化状态的键值存储接口。
// 键由调用方按租户/访客命名空间拼好，值统一为字符串（通常是 JSON）。
// 它承载会话 ID、访客 ID、会话列表、接管提示标记等跨页面加载存活的状态。
type KVStore interface {
	// Get 返回键对应的值；第二个返回值标记键是否存在。
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

type redisKVStore struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewRedisKVStore 创建一个基于 Redis 的 KVStore。
// ttl 控制访客状态的最长存活时间，每次写入都会续期。
func NewRedisKVStore(redisClient *redis.Client, ttl time.Duration) KVStore {
	return &redisKVStore{redisClient: redisClient, ttl: ttl}
}

// Get 从 Redis 读取键值。
func (s *redisKVStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.redisClient.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, true, nil
}

// Set 写入键值并续期。
func (s *redisKVStore) Set(ctx context.Context, key, value string) error {
	if err := s.redisClient.Set(ctx, key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Remove 删除键。
func (s *redisKVStore) Remove(ctx context.Context, key string) error {
	if err := s.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to remove key %s: %w", key, err)
	}
	return nil
}

// memoryKVStore 是 KVStore 的进程内实现，用于测试和无 Redis 的本地运行。
type memoryKVStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryKVStore 创建一个进程内的 KVStore。
func NewMemoryKVStore() KVStore {
	return &memoryKVStore{data: make(map[string]string)}
}

func (s *memoryKVStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[key]
	return val, ok, nil
}

func (s *memoryKVStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memoryKVStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
