// Package session はブラウジングコンテキストごとの現在セッションを保持する。
//
// Storeは1つのブラウジングコンテキストに対応し、セッションを端末ローカルの
// Storageに永続化したうえで、購読中のObserverへ同期的に通知する。
// ログイン中の非同期処理はGenerationで順序付けされ、後から開始された操作
// （ログアウトを含む）が先行する操作の結果を上書きしないようにする。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/fileledger/internal/model"
)

// ErrSuperseded はCommit対象のGenerationが後続の操作によって無効化された場合に返る。
var ErrSuperseded = errors.New("session operation superseded by a newer one")

// State はStoreの認証状態を表す。
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateExpired        State = "expired"
)

// Generation はセッション変更操作の通し番号。
type Generation uint64

// Observer はセッション変更の通知を受け取る関数。
// 無効（nilまたは期限切れ）の場合はnilが渡される。
// Observerの中から同じStoreを同期的に変更してはならない。
type Observer func(s *model.Session)

type observerEntry struct {
	id int
	fn Observer
}

// Store は1つのブラウジングコンテキストの現在セッションを保持する。
type Store struct {
	storage Storage
	logger  *slog.Logger
	now     func() time.Time

	// notifyMu は永続化から通知完了までを直列化する。
	notifyMu sync.Mutex

	mu        sync.Mutex
	current   *model.Session
	state     State
	gen       Generation
	observers []observerEntry
	nextID    int
}

// NewStore はStoreを生成する。初期状態はAnonymous。
func NewStore(storage Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		storage: storage,
		logger:  logger,
		now:     time.Now,
		state:   StateAnonymous,
	}
}

// Current は有効なセッションのコピーを返す。
// 未ログインまたは期限切れの場合はnilを返す。副作用はない。
func (st *Store) Current() *model.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.validLocked()
}

func (st *Store) validLocked() *model.Session {
	if !st.current.Valid(st.now()) {
		return nil
	}
	return st.current.Clone()
}

// Snapshot は現在の有効なセッションとGenerationを返す。
// 読み取った値を元に更新する場合はCommitにこのGenerationを渡す。
func (st *Store) Snapshot() (*model.Session, Generation) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.validLocked(), st.gen
}

// State は現在の認証状態を返す。
func (st *Store) State() State {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.state == StateAuthenticated && !st.current.Valid(st.now()) {
		return StateExpired
	}
	return st.state
}

// SetCurrent はセッションを置き換える（nilでクリア）。
// 永続化を行った後、全Observerへ登録順に通知する。
// 非nilセッションの永続化に失敗した場合はメモリ上の値を変更せずエラーを返す。
// クリアは永続化の成否に関わらずメモリ上の値を必ず消去する。
// 呼び出しごとにGenerationを進めるため、進行中のログインは破棄される。
func (st *Store) SetCurrent(ctx context.Context, s *model.Session) error {
	st.notifyMu.Lock()
	defer st.notifyMu.Unlock()

	st.mu.Lock()
	st.gen++
	st.mu.Unlock()

	return st.applyLocked(ctx, s)
}

// Begin はログイン処理の開始を記録し、そのGenerationを返す。
func (st *Store) Begin() Generation {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.gen++
	st.state = StateAuthenticating
	return st.gen
}

// Commit はgenが最新の場合に限りセッションを保存する。
// 後続のBeginまたはSetCurrentが行われていた場合はErrSupersededを返す。
func (st *Store) Commit(ctx context.Context, gen Generation, s *model.Session) error {
	st.notifyMu.Lock()
	defer st.notifyMu.Unlock()

	st.mu.Lock()
	if gen != st.gen {
		st.mu.Unlock()
		return ErrSuperseded
	}
	st.mu.Unlock()

	return st.applyLocked(ctx, s)
}

// Abort はgenが最新の場合に限りAuthenticating状態を解除する。
func (st *Store) Abort(gen Generation) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if gen != st.gen || st.state != StateAuthenticating {
		return
	}
	st.state = st.stateForLocked()
}

// InUse は購読中のObserverまたは進行中のログインがあるかを返す。
// Registryはこれが真のStoreをメモリから破棄しない。
func (st *Store) InUse() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.observers) > 0 || st.state == StateAuthenticating
}

// Subscribe はObserverを登録し、直ちに現在値で1回呼び出す。
// 返り値の関数で購読を解除する。
func (st *Store) Subscribe(o Observer) func() {
	st.notifyMu.Lock()
	defer st.notifyMu.Unlock()

	st.mu.Lock()
	st.nextID++
	id := st.nextID
	st.observers = append(st.observers, observerEntry{id: id, fn: o})
	cur := st.validLocked()
	st.mu.Unlock()

	o(cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			st.mu.Lock()
			defer st.mu.Unlock()
			for i, e := range st.observers {
				if e.id == id {
					st.observers = append(st.observers[:i:i], st.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Load はStorageから永続化済みセッションを読み込む。
// 読み込んだ値が壊れている場合は残骸を削除し、未ログインとして扱う。
func (st *Store) Load(ctx context.Context) error {
	st.notifyMu.Lock()
	defer st.notifyMu.Unlock()

	raw, ok, err := st.storage.Get(ctx, KeySession)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if !ok {
		st.setMemory(nil)
		return nil
	}

	var s model.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		st.logger.Warn("永続化されたセッションを解析できないため削除します",
			slog.String("error", err.Error()),
		)
		st.setMemory(nil)
		if rmErr := st.storage.Remove(ctx, KeySession, KeyToken); rmErr != nil {
			return fmt.Errorf("failed to remove corrupt session: %w", rmErr)
		}
		return nil
	}

	st.setMemory(&s)
	return nil
}

// SetPrivateKey はユーザーの秘密鍵を端末ローカルに保存する。
func (st *Store) SetPrivateKey(ctx context.Context, key string) error {
	if err := st.storage.Set(ctx, KeyPrivateKey, key, 0); err != nil {
		return fmt.Errorf("failed to store private key: %w", err)
	}
	return nil
}

// PrivateKey は保存済みの秘密鍵を返す。
func (st *Store) PrivateKey(ctx context.Context) (string, bool, error) {
	return st.storage.Get(ctx, KeyPrivateKey)
}

// applyLocked は永続化と通知を行う。notifyMuを保持して呼び出すこと。
func (st *Store) applyLocked(ctx context.Context, s *model.Session) error {
	var persistErr error
	if s == nil {
		persistErr = st.storage.Remove(ctx, KeySession, KeyToken)
	} else {
		if persistErr = st.persist(ctx, s); persistErr != nil {
			st.mu.Lock()
			if st.state == StateAuthenticating {
				st.state = st.stateForLocked()
			}
			st.mu.Unlock()
			return persistErr
		}
	}

	st.setMemory(s.Clone())

	st.mu.Lock()
	cur := st.validLocked()
	observers := make([]observerEntry, len(st.observers))
	copy(observers, st.observers)
	st.mu.Unlock()

	for _, e := range observers {
		e.fn(cur.Clone())
	}

	if persistErr != nil {
		return fmt.Errorf("failed to clear persisted session: %w", persistErr)
	}
	return nil
}

func (st *Store) persist(ctx context.Context, s *model.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	ttl := s.ExpiresAt.Sub(st.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	if err := st.storage.Set(ctx, KeySession, string(b), ttl); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	if err := st.storage.Set(ctx, KeyToken, s.Token, ttl); err != nil {
		// 片方だけ残るとLoad時に不整合になるため戻す
		_ = st.storage.Remove(ctx, KeySession)
		return fmt.Errorf("failed to persist token: %w", err)
	}
	return nil
}

func (st *Store) setMemory(s *model.Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.current = s
	st.state = st.stateForLocked()
}

func (st *Store) stateForLocked() State {
	switch {
	case st.current == nil:
		return StateAnonymous
	case !st.current.Valid(st.now()):
		return StateExpired
	default:
		return StateAuthenticated
	}
}
