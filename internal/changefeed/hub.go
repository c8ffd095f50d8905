// Package changefeed fans collection-change notifications out to the
// subscriptions watching that collection. A topic is a collection path; a
// notification only says "this collection changed", and each watcher
// re-reads the collection itself.
package changefeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Kind describes the write that produced a change.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Change is the wire form of a collection change, as carried by the outbox and
// the Redpanda topic.
type Change struct {
	Topic      string    `json:"topic"`
	Kind       Kind      `json:"kind"`
	DocumentID string    `json:"documentId,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Marshal encodes the change for transport.
func (c Change) Marshal() ([]byte, error) { return json.Marshal(c) }

// UnmarshalChange decodes a transported change.
func UnmarshalChange(data []byte) (Change, error) {
	var c Change
	err := json.Unmarshal(data, &c)
	return c, err
}

// Notifier is implemented by anything that can be told a collection changed.
type Notifier interface {
	Notify(ctx context.Context, topic string)
}

// Watch is one watcher's registration on a topic.
type Watch struct {
	topic string
	c     chan struct{}
	hub   *Hub
	once  sync.Once
}

// C receives a value whenever the topic changed since the last receive.
// Several notifications between receives collapse into one.
func (w *Watch) C() <-chan struct{} { return w.c }

// Stop unregisters the watch. It is safe to call more than once.
func (w *Watch) Stop() {
	w.once.Do(func() { w.hub.remove(w) })
}

// Hub tracks watchers per topic. All operations are safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	watchers map[string]map[*Watch]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[*Watch]struct{})}
}

// Watch registers interest in topic.
func (h *Hub) Watch(topic string) *Watch {
	w := &Watch{topic: topic, c: make(chan struct{}, 1), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchers[topic] == nil {
		h.watchers[topic] = make(map[*Watch]struct{})
	}
	h.watchers[topic][w] = struct{}{}
	return w
}

func (h *Hub) remove(w *Watch) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.watchers[w.topic]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(h.watchers, w.topic)
		}
	}
}

// Notify pokes every watcher of topic without blocking.
func (h *Hub) Notify(_ context.Context, topic string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for w := range h.watchers[topic] {
		select {
		case w.c <- struct{}{}:
		default:
			// A poke is already pending; the watcher will re-read anyway.
		}
	}
}

// WatcherCount returns the number of watchers on topic.
func (h *Hub) WatcherCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[topic])
}

// TopicCount returns the number of topics with at least one watcher.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}
