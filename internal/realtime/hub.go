// Package realtime はファイル変更などのイベントをSSE購読者へ配信する。
package realtime

import (
	"sync"
)

// 配信トピック
const (
	// TopicFiles はファイルの作成・更新・削除イベント。
	TopicFiles = "files"
)

// DefaultBuffer は購読者ごとの既定のバッファ長。
const DefaultBuffer = 16

// Event は購読者へ配信するイベント。TypeはSSEのevent名になる。
type Event struct {
	Type string
	Data any
}

// Subscription はトピックの購読。Cからイベントを受け取り、不要になったらCloseする。
type Subscription struct {
	C <-chan Event

	ch    chan Event
	hub   *Hub
	topic string
	once  sync.Once
}

// Close は購読を解除しチャネルを閉じる。複数回呼んでもよい。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub はトピックごとの購読者へイベントをファンアウトする。
// 購読者のバッファが満杯の場合、そのイベントは当該購読者に対して破棄される。
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}

	// droppedはPublishがRLock保持中に更新するため別のロックで保護する
	dropMu  sync.Mutex
	dropped map[string]int
}

// NewHub は新しいHubを生成する。
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[string]map[*Subscription]struct{}),
		dropped: make(map[string]int),
	}
}

// Subscribe はトピックを購読する。bufferが0以下の場合はDefaultBufferを使う。
func (h *Hub) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, topic: topic}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*Subscription]struct{})
	}
	h.subs[topic][sub] = struct{}{}
	return sub
}

// Publish はトピックの全購読者にイベントを送る。送信先がいっぱいでもブロックしない。
// 配信できた購読者数を返す。
func (h *Hub) Publish(topic string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs[topic] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			h.countDrop(topic)
		}
	}
	return delivered
}

// Subscribers はトピックの購読者数を返す。
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Dropped はトピックで破棄されたイベント数を返す。
func (h *Hub) Dropped(topic string) int {
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	return h.dropped[topic]
}

func (h *Hub) countDrop(topic string) {
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	h.dropped[topic]++
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.topic)
		}
	}
	close(sub.ch)
}
