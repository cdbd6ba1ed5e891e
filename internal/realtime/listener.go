package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/fileledger/internal/model"
)

// FileChangesChannel はfilesテーブルのトリガーが通知するPostgreSQLのチャネル名。
const FileChangesChannel = "file_changes"

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

// イベント種別
const (
	// EventFileChanged はファイルの作成・更新・削除。
	EventFileChanged = "file_changed"
	// EventResync は通知を取りこぼした可能性があり、クライアントに再取得を促す。
	EventResync = "resync"
)

// FileChange はfile_changesチャネルの通知内容。
type FileChange struct {
	Op         string   `json:"op"` // INSERT, UPDATE, DELETE
	ID         string   `json:"id"`
	OwnerID    string   `json:"owner_id"`
	Permission string   `json:"permission"`
	SharedWith []string `json:"shared_with"`
}

// VisibleTo はviewerがこの変更を受け取ってよいかを返す。
// ファイルの閲覧権限と同じ規則で判定する。
func (c FileChange) VisibleTo(viewer model.Identity) bool {
	f := model.File{
		OwnerID:    c.OwnerID,
		Permission: model.Permission(c.Permission),
		SharedWith: c.SharedWith,
	}
	return f.VisibleTo(viewer)
}

// PGListener はPostgreSQLのLISTEN/NOTIFYでファイル変更を受け取り、Hubへ配信する。
// 再接続はlib/pqが行う。
type PGListener struct {
	dsn    string
	hub    *Hub
	logger *slog.Logger
}

// NewPGListener は新しいPGListenerを生成する。
func NewPGListener(dsn string, hub *Hub, logger *slog.Logger) *PGListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGListener{dsn: dsn, hub: hub, logger: logger}
}

// Run はctxがキャンセルされるまで通知を待ち受ける。
func (l *PGListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, minReconnectInterval, maxReconnectInterval, l.onEvent)
	defer listener.Close()

	if err := listener.Listen(FileChangesChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", FileChangesChannel, err)
	}
	l.logger.Info("listening for file changes", slog.String("channel", FileChangesChannel))

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// 再接続直後。切断中の通知は失われている
				l.hub.Publish(TopicFiles, Event{Type: EventResync})
				continue
			}
			l.dispatch(n.Extra)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn("listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// dispatch は通知のペイロードを解析してHubへ配信する。
func (l *PGListener) dispatch(payload string) {
	var change FileChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		l.logger.Warn("invalid file change payload",
			slog.String("error", err.Error()),
		)
		return
	}
	l.hub.Publish(TopicFiles, Event{Type: EventFileChanged, Data: change})
}

func (l *PGListener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		l.logger.Info("change feed connected")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("change feed disconnected", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		l.logger.Info("change feed reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("change feed connection attempt failed", slog.Any("error", err))
	}
}
