package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/realtime"
)

// DefaultKeepAlive はSSEのコメント行を送る間隔。
const DefaultKeepAlive = 25 * time.Second

// sessionEvent はSSEのsessionイベント名。
const sessionEvent = "session"

// EventSubscriber はリアルタイムイベントの購読元。realtime.Hubが実装する。
type EventSubscriber interface {
	Subscribe(topic string, buffer int) *realtime.Subscription
}

// EventsHandler はセッション変化とファイル変更をServer-Sent Eventsで配信する。
type EventsHandler struct {
	hub       EventSubscriber
	keepAlive time.Duration
}

// NewEventsHandler はEventsHandlerを生成する。
func NewEventsHandler(hub EventSubscriber, keepAlive time.Duration) *EventsHandler {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &EventsHandler{hub: hub, keepAlive: keepAlive}
}

// sessionView はsessionイベントのデータ。未ログインではuserがnullになる。
type sessionView struct {
	User      *model.Identity `json:"user"`
	ExpiresAt int64           `json:"expiresAt,omitempty"`
}

// Stream はイベントストリームを開く。
// セッションが消えるか期限切れになった時点でnullのsessionイベントを送って終了する。
// GET /api/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	st, ok := storeFromRequest(w, r)
	if !ok {
		return
	}

	sub := h.hub.Subscribe(realtime.TopicFiles, realtime.DefaultBuffer)
	defer sub.Close()

	// Observerは通知ロック内で呼ばれるため、最新値だけを保持してブロックしない
	sessions := make(chan *model.Session, 1)
	unsubscribe := st.Subscribe(func(s *model.Session) {
		for {
			select {
			case sessions <- s:
				return
			default:
				select {
				case <-sessions:
				default:
				}
			}
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	// サーバーのWriteTimeoutでストリームが切れないよう書き込み期限を解除する
	_ = rc.SetWriteDeadline(time.Time{})
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	// 期限切れではObserverが呼ばれないため、有効期限にタイマーを置いて検知する
	expiry := time.NewTimer(time.Hour)
	expiry.Stop()
	defer expiry.Stop()

	var viewer *model.Identity
	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case s := <-sessions:
			if s == nil {
				endStream(w, rc)
				return
			}
			id := s.Identity
			viewer = &id
			expiry.Reset(time.Until(s.ExpiresAt))
			err = writeEvent(w, sessionEvent, sessionView{User: viewer, ExpiresAt: s.ExpiresAt.UnixMilli()})
		case <-expiry.C:
			if st.Current() == nil {
				endStream(w, rc)
				return
			}
			continue
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if change, isChange := ev.Data.(realtime.FileChange); isChange {
				if st.Current() == nil {
					endStream(w, rc)
					return
				}
				if viewer == nil || !change.VisibleTo(*viewer) {
					continue
				}
			}
			err = writeEvent(w, ev.Type, ev.Data)
		case <-ticker.C:
			_, err = fmt.Fprint(w, ": keepalive\n\n")
		}
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			slog.Debug("event stream closed", slog.String("error", err.Error()))
			return
		}
	}
}

// endStream はセッションが無効になったことをnullのsessionイベントで通知する。
func endStream(w http.ResponseWriter, rc *http.ResponseController) {
	writeEvent(w, sessionEvent, sessionView{})
	rc.Flush()
}

// writeEvent はSSEのイベント1件を書き込む。
func writeEvent(w http.ResponseWriter, name string, data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
	return err
}
