package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cerdas-survey/fieldsync/internal/events"
	"github.com/cerdas-survey/fieldsync/internal/store"
	"github.com/cerdas-survey/fieldsync/internal/views"
)

// StatsData counts outcomes seen since the feed started.
type StatsData struct {
	Applied   int       `json:"applied"`
	Created   int       `json:"created"`
	Conflicts int       `json:"conflicts"`
	Retrying  int       `json:"retrying"`
	Exhausted int       `json:"exhausted"`
	Discarded int       `json:"discarded"`
	Drains    int       `json:"drains"`
	Syncs     int       `json:"syncs"`
	LastDrain time.Time `json:"last_drain,omitempty"`
}

// StatsPayload is the data of a stats message.
type StatsPayload struct {
	Stats *StatsData          `json:"stats,omitempty"`
	Queue *views.QueueSummary `json:"queue,omitempty"`
}

// Handler forwards bus events to the server and keeps outcome counters.
type Handler struct {
	server *Server
	store  *store.Store
	userID string
	logger logrus.FieldLogger

	mu    sync.Mutex
	stats StatsData

	unsubscribe func()
}

// NewHandler creates a handler and installs it as the server's queue
// reporter. Call Attach to start forwarding events.
func NewHandler(server *Server, st *store.Store, userID string, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = server.logger
	}
	h := &Handler{
		server: server,
		store:  st,
		userID: userID,
		logger: logger,
	}
	server.SetQueue(h)
	return h
}

// Attach subscribes the handler to bus.
func (h *Handler) Attach(bus *events.Bus) {
	h.unsubscribe = bus.Subscribe(h.OnEvent)
}

// Detach stops forwarding events.
func (h *Handler) Detach() {
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
}

// QueueSummary reads the user's queue from the store.
func (h *Handler) QueueSummary(ctx context.Context) (*views.QueueSummary, error) {
	return views.LoadQueueSummary(ctx, h.store, h.userID)
}

// OnEvent broadcasts e and, after a drain, the updated stats.
func (h *Handler) OnEvent(e events.Event) {
	h.count(e)

	data, err := json.Marshal(e)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to marshal event")
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageType(e.Type),
		Timestamp: e.At,
		Data:      data,
	})

	if e.Type == events.DrainCompleted || e.Type == events.SyncCompleted {
		h.broadcastStats()
	}
}

func (h *Handler) count(e events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch e.Type {
	case events.MutationApplied:
		h.stats.Applied++
	case events.AssignmentCreated:
		h.stats.Created++
	case events.Conflict:
		h.stats.Conflicts++
	case events.Retrying:
		h.stats.Retrying++
	case events.Exhausted:
		h.stats.Exhausted++
	case events.Discarded:
		h.stats.Discarded++
	case events.DrainCompleted:
		h.stats.Drains++
		h.stats.LastDrain = e.At
	case events.SyncCompleted:
		h.stats.Syncs++
	}
}

func (h *Handler) broadcastStats() {
	stats := h.GetStats()
	payload := StatsPayload{Stats: &stats}
	if q, err := h.QueueSummary(context.Background()); err == nil {
		payload.Queue = q
	} else {
		h.logger.WithError(err).Debug("Queue summary unavailable")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to marshal stats")
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// GetStats returns the current counters.
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
