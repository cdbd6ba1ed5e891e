package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// OpenHook は新しく開かれたStoreに対して1回だけ実行される処理。
// 永続化済みセッションの再検証に使う。
type OpenHook func(ctx context.Context, st *Store) error

// RegistryConfig はRegistryの設定。
type RegistryConfig struct {
	MaxContexts int           // 同時に保持するブラウジングコンテキスト数の上限
	IdleTTL     time.Duration // 最後に開かれてから破棄されるまでの時間
}

// DefaultRegistryConfig はデフォルトのRegistry設定を返す。
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxContexts: 10000,
		IdleTTL:     30 * time.Minute,
	}
}

type registryEntry struct {
	store *Store
	ready chan struct{}
	err   error
}

// Registry はブラウジングコンテキストIDとStoreの対応を管理する。
// メモリ上のStoreはLRUで破棄されるが、永続化済みの状態はStorageに残るため
// 次回のOpenで復元される。
// 使用中（InUse）のStoreはLRUから外れても保持し、同じIDに2つ目のStoreを作らない。
type Registry struct {
	base   Storage
	logger *slog.Logger
	cache  *expirable.LRU[string, *registryEntry]

	mu     sync.Mutex
	onOpen OpenHook

	// retired はLRUから外れた時点で使用中だったエントリ。
	// LRUの退避コールバックから更新されるためmuとは別のロックで守る。
	retiredMu sync.Mutex
	retired   map[string]*registryEntry
}

// NewRegistry はRegistryを生成する。
func NewRegistry(base Storage, cfg RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		base:    base,
		logger:  logger,
		retired: make(map[string]*registryEntry),
	}
	r.cache = expirable.NewLRU[string, *registryEntry](cfg.MaxContexts, r.evicted, cfg.IdleTTL)
	return r
}

// evicted はLRUからエントリが外れたときに呼ばれる。
// LRUのロック内で呼ばれるため、ここからcacheを操作してはならない。
func (r *Registry) evicted(id string, entry *registryEntry) {
	select {
	case <-entry.ready:
	default:
		// 初期化中または初期化失敗による削除
		return
	}
	if entry.err != nil || !entry.store.InUse() {
		r.logger.Debug("browsing context evicted", slog.String("context_id", id))
		return
	}

	r.retiredMu.Lock()
	r.retired[id] = entry
	r.retiredMu.Unlock()
	r.logger.Debug("browsing context retained while in use", slog.String("context_id", id))
}

// takeRetired は退避済みのエントリを取り出す。
// 他のIDの、使用されなくなったエントリはあわせて破棄する。
func (r *Registry) takeRetired(id string) (*registryEntry, bool) {
	r.retiredMu.Lock()
	defer r.retiredMu.Unlock()

	entry, ok := r.retired[id]
	delete(r.retired, id)
	for other, e := range r.retired {
		if !e.store.InUse() {
			delete(r.retired, other)
		}
	}
	return entry, ok
}

// SetOnOpen はStore生成時に実行するフックを設定する。
func (r *Registry) SetOnOpen(hook OpenHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = hook
}

// Open はブラウジングコンテキストのStoreを返す。
// 初回はStorageから読み込み、OpenHookを実行してから返す。
// 同じIDへの同時呼び出しは初回の処理完了を待つ。
func (r *Registry) Open(ctx context.Context, contextID string) (*Store, error) {
	if contextID == "" {
		return nil, fmt.Errorf("browsing context ID is required")
	}

	r.mu.Lock()
	entry, ok := r.cache.Get(contextID)
	if ok {
		// 再登録してアイドル期限を延長する
		r.cache.Add(contextID, entry)
		r.mu.Unlock()
		return r.wait(ctx, entry)
	}

	// 期限切れでも掃除前のエントリはAddで黙って上書きされるため、先に退避処理を通す
	r.cache.Remove(contextID)
	if entry, ok = r.takeRetired(contextID); ok {
		r.cache.Add(contextID, entry)
		r.mu.Unlock()
		return entry.store, nil
	}

	entry = &registryEntry{
		store: NewStore(NewPrefixedStorage(r.base, "bctx:"+contextID+":"), r.logger),
		ready: make(chan struct{}),
	}
	r.cache.Add(contextID, entry)
	hook := r.onOpen
	r.mu.Unlock()

	entry.err = r.initialize(ctx, entry.store, hook)
	if entry.err != nil {
		r.cache.Remove(contextID)
	}
	close(entry.ready)

	if entry.err != nil {
		return nil, entry.err
	}
	return entry.store, nil
}

func (r *Registry) initialize(ctx context.Context, st *Store, hook OpenHook) error {
	if err := st.Load(ctx); err != nil {
		return err
	}
	if hook == nil {
		return nil
	}
	if err := hook(ctx, st); err != nil {
		// 再検証の失敗はセッションをクリアしたうえでStore自体は利用可能とする
		r.logger.Warn("セッションの復元に失敗しました",
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (r *Registry) wait(ctx context.Context, entry *registryEntry) (*Store, error) {
	select {
	case <-entry.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if entry.err != nil {
		return nil, entry.err
	}
	return entry.store, nil
}

// Len はメモリ上に保持しているブラウジングコンテキスト数を返す。
func (r *Registry) Len() int {
	r.retiredMu.Lock()
	retired := len(r.retired)
	r.retiredMu.Unlock()
	return r.cache.Len() + retired
}
