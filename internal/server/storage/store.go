package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key 前缀
	collectionKeyPrefix = "store:"
)

// RedisStore 命名集合的持久化后端。集合内容是不透明的 JSON，
// 小体量（人手可数）所以整体读写 + 内存缓存，写入时失效。
type RedisStore struct {
	client *redis.Client

	cache map[string]json.RawMessage
	mu    sync.RWMutex
}

// NewRedisStore 创建存储
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		cache:  make(map[string]json.RawMessage),
	}
}

// Load 读取集合到 v。集合不存在时 v 保持零值且不返回错误。
func (rs *RedisStore) Load(ctx context.Context, collection string, v any) error {
	rs.mu.RLock()
	cached, ok := rs.cache[collection]
	rs.mu.RUnlock()

	if ok {
		return json.Unmarshal(cached, v)
	}

	data, err := rs.client.Get(ctx, collectionKeyPrefix+collection).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("load %s: %w", collection, err)
	}

	rs.mu.Lock()
	rs.cache[collection] = data
	rs.mu.Unlock()

	return json.Unmarshal(data, v)
}

// Save 序列化并写入集合，同时刷新缓存
func (rs *RedisStore) Save(ctx context.Context, collection string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("save %s: %w", collection, err)
	}

	if err := rs.client.Set(ctx, collectionKeyPrefix+collection, data, 0).Err(); err != nil {
		return fmt.Errorf("save %s: %w", collection, err)
	}

	rs.mu.Lock()
	rs.cache[collection] = data
	rs.mu.Unlock()

	return nil
}

// Invalidate 丢弃缓存（外部写入后调用）
func (rs *RedisStore) Invalidate(collection string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.cache, collection)
}
