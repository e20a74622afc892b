package broadcast

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mull2536/call-agent/internal/observability"
	"github.com/mull2536/call-agent/internal/protocol"
)

var ErrObserverClosed = errors.New("observer closed")

// Observer is one live subscriber connection.
type Observer interface {
	Send(msg protocol.BroadcastMessage) error
	Open() bool
	Close() error
}

// Hub fans broadcast messages out to every subscribed observer. Delivery is
// best effort and at most once per observer; nothing is replayed to
// observers that subscribe later.
type Hub struct {
	mu        sync.Mutex
	observers map[int]Observer
	nextID    int

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewHub(logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		observers: make(map[int]Observer),
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers an observer and returns a func that removes it.
func (h *Hub) Subscribe(o Observer) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.observers[id] = o
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.observers, id)
	}
}

// Count returns the number of subscribed observers, open or not.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Broadcast delivers one message to every open observer and returns how many
// observers accepted it. Observers that are no longer open are pruned first;
// an observer whose send fails is closed and pruned on the next broadcast.
func (h *Hub) Broadcast(msgType protocol.MessageType, message, correlationID string) int {
	msg := protocol.BroadcastMessage{
		Type:          msgType,
		Message:       message,
		Timestamp:     h.now(),
		CorrelationID: correlationID,
	}

	h.mu.Lock()
	targets := make([]Observer, 0, len(h.observers))
	for id, o := range h.observers {
		if !o.Open() {
			delete(h.observers, id)
			continue
		}
		targets = append(targets, o)
	}
	remaining := len(h.observers)
	h.mu.Unlock()

	delivered := 0
	for _, o := range targets {
		if err := o.Send(msg); err != nil {
			h.logger.Warn("observer send failed", "type", msgType, "correlation_id", correlationID, "error", err)
			_ = o.Close()
			continue
		}
		delivered++
	}
	h.metrics.ObserveBroadcast(string(msgType), remaining)
	return delivered
}
