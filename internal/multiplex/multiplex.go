// Package multiplex fans out added/changed/removed events from one or more
// internal/driver.Driver instances to their subscribed HTTP clients as
// Server-Sent Events.
package multiplex

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// Hub holds, per watch topic, the set of subscriber channels currently
// receiving that topic's events. A topic corresponds to one live query
// (one Driver instance); many HTTP clients can subscribe to the same topic
// when they watch the same cursor.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[chan []byte]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		topics: make(map[string]map[chan []byte]struct{}),
	}
}

// Subscribe returns a channel that receives SSE-formatted events published
// to topic. The channel is buffered so a slow client doesn't stall the
// driver goroutine publishing into it.
func (h *Hub) Subscribe(topic string) chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[chan []byte]struct{})
	}
	h.topics[topic][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel previously returned by Subscribe.
func (h *Hub) Unsubscribe(topic string, ch chan []byte) {
	h.mu.Lock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()
	close(ch)
}

// SubscriberCount returns the number of live subscribers on topic, for health reporting.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) broadcast(topic string, event []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.topics[topic] {
		select {
		case ch <- event:
		default:
			h.logger.Warn("multiplex: dropped event for slow subscriber",
				"topic", topic, "event_size", len(event))
		}
	}
}

type event struct {
	Type   string         `json:"type"`
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Fanout implements driver.Multiplexer for a single watch topic, publishing
// each added/changed/removed/ready call to every subscriber of that topic.
//
// Flush semantics are simplified relative to a production pub/sub layer:
// because publishing to subscriber channels in this process is effectively
// synchronous, each publish also drains and runs any callbacks registered
// via OnFlush since the previous publish.
type Fanout struct {
	hub   *Hub
	topic string

	mu      sync.Mutex
	onFlush []func()
}

// NewFanout creates a Multiplexer that publishes to hub under topic.
func NewFanout(hub *Hub, topic string) *Fanout {
	return &Fanout{hub: hub, topic: topic}
}

func (f *Fanout) Added(id string, fields map[string]any) {
	f.publish(event{Type: "added", ID: id, Fields: fields})
}

func (f *Fanout) Changed(id string, fields map[string]any) {
	f.publish(event{Type: "changed", ID: id, Fields: fields})
}

func (f *Fanout) Removed(id string) {
	f.publish(event{Type: "removed", ID: id})
}

func (f *Fanout) Ready() {
	f.publish(event{Type: "ready"})
}

// OnFlush registers cb to run the next time this Fanout flushes its output.
func (f *Fanout) OnFlush(cb func()) {
	f.mu.Lock()
	f.onFlush = append(f.onFlush, cb)
	f.mu.Unlock()
}

func (f *Fanout) publish(e event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	f.hub.broadcast(f.topic, formatSSE(e.Type, payload))
	f.runFlushCallbacks()
}

func (f *Fanout) runFlushCallbacks() {
	f.mu.Lock()
	cbs := f.onFlush
	f.onFlush = nil
	f.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// formatSSE formats a payload as a Server-Sent Events message. Per the SSE
// spec, each line in a multi-line data field must be prefixed with "data: "
// to avoid desynchronizing the client parser.
func formatSSE(eventType string, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteByte('\n')
	for _, line := range strings.Split(string(data), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
