package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ApprovalStore 抽象能力批准标记的外部键值存储。发现阶段读取，
// 审批流程写入。
type ApprovalStore interface {
	IsApproved(ctx context.Context, name string) (bool, error)
	SetApproved(ctx context.Context, name string, approved bool) error
	Close() error
}

// MemoryApprovalStore 把批准标记保存在内存中，主要用于测试。
type MemoryApprovalStore struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewMemoryApprovalStore 创建内存批准存储。
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{flags: make(map[string]bool)}
}

// IsApproved 实现 ApprovalStore 接口。
func (s *MemoryApprovalStore) IsApproved(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[name], nil
}

// SetApproved 实现 ApprovalStore 接口。
func (s *MemoryApprovalStore) SetApproved(_ context.Context, name string, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[name] = approved
	return nil
}

// Close 对内存存储无需操作。
func (s *MemoryApprovalStore) Close() error { return nil }

// RedisApprovalStoreConfig 描述 Redis 批准存储的连接参数。
type RedisApprovalStoreConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// RedisApprovalStore 使用 Redis hash 保存批准标记。
type RedisApprovalStore struct {
	client *redis.Client
	key    string
}

// NewRedisApprovalStore 创建 Redis 批准存储实例。
func NewRedisApprovalStore(cfg RedisApprovalStoreConfig) (*RedisApprovalStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "agentrelay:approvals"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisApprovalStore{client: client, key: key}, nil
}

// IsApproved 从 Redis hash 读取批准标记。
func (s *RedisApprovalStore) IsApproved(ctx context.Context, name string) (bool, error) {
	value, err := s.client.HGet(ctx, s.key, name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("读取批准标记失败: %w", err)
	}
	return value == "1", nil
}

// SetApproved 写入批准标记。
func (s *RedisApprovalStore) SetApproved(ctx context.Context, name string, approved bool) error {
	value := "0"
	if approved {
		value = "1"
	}
	if err := s.client.HSet(ctx, s.key, name, value).Err(); err != nil {
		return fmt.Errorf("写入批准标记失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisApprovalStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// ensure interface compliance at compile time
var (
	_ ApprovalStore = (*MemoryApprovalStore)(nil)
	_ ApprovalStore = (*RedisApprovalStore)(nil)
)
