package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// 永続化キー
const (
	KeySession    = "auth_session"
	KeyToken      = "auth_token"
	KeyPrivateKey = "user_private_key"
)

// Storage はブラウジングコンテキストの端末ローカル状態を保持するキーバリューストア。
// ttlが0の場合は期限なしで保存する。
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Remove(ctx context.Context, keys ...string) error
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStorage はプロセス内メモリに保存するStorage実装。
// 単一インスタンス構成とテストで使用する。
type MemoryStorage struct {
	mu   sync.Mutex
	data map[string]memoryEntry
	now  func() time.Time
}

// NewMemoryStorage はMemoryStorageを生成する。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

// Get はキーの値を返す。期限切れのエントリは削除して未存在として扱う。
func (m *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.data, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set はキーに値を保存する。
func (m *MemoryStorage) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

// Remove はキーを削除する。存在しないキーは無視する。
func (m *MemoryStorage) Remove(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// Len は保持しているエントリ数を返す。期限切れのエントリも含む。
func (m *MemoryStorage) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// RedisStorage はRedisに保存するStorage実装。
// 複数インスタンス構成でブラウジングコンテキストの状態を共有する。
type RedisStorage struct {
	client redis.UniversalClient
}

// NewRedisStorage はRedisStorageを生成する。
func NewRedisStorage(client redis.UniversalClient) *RedisStorage {
	return &RedisStorage{client: client}
}

// NewRedisStorageFromURL はREDIS_URL形式の接続文字列からRedisStorageを生成する。
func NewRedisStorageFromURL(redisURL string) (*RedisStorage, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRedisStorage(redis.NewClient(opt)), nil
}

// Get はキーの値を返す。
func (r *RedisStorage) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	return v, true, nil
}

// Set はキーに値を保存する。
func (r *RedisStorage) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	return nil
}

// Remove はキーを削除する。
func (r *RedisStorage) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to remove keys from redis: %w", err)
	}
	return nil
}

// Ping はRedisへの疎通を確認する。ヘルスチェックで使用する。
func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close はRedisクライアントを閉じる。
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

// PrefixedStorage はすべてのキーに接頭辞を付けて委譲するStorage。
// ブラウジングコンテキストごとに名前空間を分けるために使う。
type PrefixedStorage struct {
	base   Storage
	prefix string
}

// NewPrefixedStorage はPrefixedStorageを生成する。
func NewPrefixedStorage(base Storage, prefix string) *PrefixedStorage {
	return &PrefixedStorage{base: base, prefix: prefix}
}

func (p *PrefixedStorage) Get(ctx context.Context, key string) (string, bool, error) {
	return p.base.Get(ctx, p.prefix+key)
}

func (p *PrefixedStorage) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return p.base.Set(ctx, p.prefix+key, value, ttl)
}

func (p *PrefixedStorage) Remove(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = p.prefix + k
	}
	return p.base.Remove(ctx, prefixed...)
}

// compile-time interface check
var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*RedisStorage)(nil)
	_ Storage = (*PrefixedStorage)(nil)
)
