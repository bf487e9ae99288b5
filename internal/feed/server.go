// Package feed streams sync outcomes to local WebSocket subscribers.
//
// Engine and reconcile events are relayed as they happen so a supervisor's
// screen, or any local tool, can follow the queue without polling the
// database. Every subscriber owns a bounded outbox drained by its own writer;
// a subscriber that falls behind is disconnected instead of slowing the rest.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/cerdas-survey/fieldsync/internal/views"
)

// MessageType names a feed frame. Event frames reuse the event type names
// (mutation_applied, conflict, ...).
type MessageType string

// MessageTypeStats carries outcome counters and the queue summary.
const MessageTypeStats MessageType = "stats"

// Message is one JSON frame on the wire.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// QueueReporter supplies the queue state for /queue and the hello frame.
type QueueReporter interface {
	QueueSummary(ctx context.Context) (*views.QueueSummary, error)
}

const writeTimeout = 5 * time.Second

// subscriber is one connected client.
type subscriber struct {
	conn   *websocket.Conn
	outbox chan []byte
	once   sync.Once
	gone   chan struct{}
}

func newSubscriber(conn *websocket.Conn, depth int) *subscriber {
	return &subscriber{
		conn:   conn,
		outbox: make(chan []byte, depth),
		gone:   make(chan struct{}),
	}
}

// offer queues a frame without blocking and reports whether it fit.
func (sub *subscriber) offer(frame []byte) bool {
	select {
	case sub.outbox <- frame:
		return true
	default:
		return false
	}
}

func (sub *subscriber) close() {
	sub.once.Do(func() { close(sub.gone) })
}

// Server accepts subscribers and fans frames out to them.
type Server struct {
	addr     string
	depth    int
	listener net.Listener
	http     *http.Server
	router   chi.Router

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	queueMu sync.RWMutex
	queue   QueueReporter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger logrus.FieldLogger
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default 127.0.0.1:7420). Port 0 picks a free port.
	Addr string

	// OutboxDepth is the number of frames buffered per subscriber before it
	// is dropped (default 64).
	OutboxDepth int

	Logger logrus.FieldLogger
}

// DefaultConfig returns the loopback defaults.
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	return &Config{
		Addr:        "127.0.0.1:7420",
		OutboxDepth: 64,
		Logger:      logger.WithField("component", "feed"),
	}
}

// NewServer creates a feed server. Nothing listens until Start.
func NewServer(config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	s := &Server{
		addr:   config.Addr,
		depth:  config.OutboxDepth,
		subs:   make(map[*subscriber]struct{}),
		logger: config.Logger,
	}
	if s.addr == "" {
		s.addr = defaults.Addr
	}
	if s.depth <= 0 {
		s.depth = defaults.OutboxDepth
	}
	if s.logger == nil {
		s.logger = defaults.Logger
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.subscribe)
	r.Get("/health", s.health)
	r.Get("/queue", s.queueState)
	s.router = r
	return s
}

// Router returns the HTTP handler, for embedding or tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// SetQueue installs the queue reporter.
func (s *Server) SetQueue(q QueueReporter) {
	s.queueMu.Lock()
	s.queue = q
	s.queueMu.Unlock()
}

func (s *Server) queueSummary(ctx context.Context) (*views.QueueSummary, error) {
	s.queueMu.RLock()
	q := s.queue
	s.queueMu.RUnlock()
	if q == nil {
		return nil, errors.New("queue reporter not configured")
	}
	return q.QueueSummary(ctx)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	// No WriteTimeout: subscriptions are long-lived.
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.WithField("addr", ln.Addr().String()).Info("Feed listening")
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Feed server failed")
		}
	}()
	return nil
}

// Stop disconnects every subscriber and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for sub := range s.subs {
		sub.close()
		delete(s.subs, sub)
	}
	s.mu.Unlock()

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shut down feed: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.logger.Info("Feed stopped")
	return err
}

// Broadcast encodes msg once and offers it to every subscriber. A subscriber
// whose outbox is full is disconnected. Frames reach each subscriber in the
// order Broadcast was called.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to encode feed frame")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if !sub.offer(frame) {
			s.logger.WithField("type", msg.Type).Warn("Subscriber too slow, disconnecting")
			sub.close()
			delete(s.subs, sub)
		}
	}
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	sub := newSubscriber(conn, s.depth)
	// The hello frame is queued before the subscriber becomes visible to
	// Broadcast, so it is always first.
	sub.offer(s.statsFrame(r.Context(), nil))

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	n := len(s.subs)
	s.mu.Unlock()
	s.logger.WithField("subscribers", n).Info("Subscriber joined")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pump(sub)
	}()

	// Reads only detect disconnects; clients have nothing to say.
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			break
		}
	}
	s.drop(sub)
}

// pump writes queued frames until the subscriber goes away.
func (s *Server) pump(sub *subscriber) {
	defer func() {
		_ = sub.conn.Close(websocket.StatusGoingAway, "feed closed")
	}()
	for {
		select {
		case <-sub.gone:
			return
		case frame := <-sub.outbox:
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := sub.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.logger.WithError(err).Debug("Subscriber write failed")
				s.drop(sub)
				return
			}
		}
	}
}

func (s *Server) drop(sub *subscriber) {
	s.mu.Lock()
	_, ok := s.subs[sub]
	delete(s.subs, sub)
	n := len(s.subs)
	s.mu.Unlock()
	sub.close()
	if ok {
		s.logger.WithField("subscribers", n).Info("Subscriber left")
	}
}

// statsFrame builds an encoded stats frame; stats may be nil.
func (s *Server) statsFrame(ctx context.Context, stats *StatsData) []byte {
	payload := StatsPayload{Stats: stats}
	if q, err := s.queueSummary(ctx); err == nil {
		payload.Queue = q
	}
	data, _ := json.Marshal(payload)
	frame, _ := json.Marshal(Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data})
	return frame
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.ClientCount(),
	})
}

func (s *Server) queueState(w http.ResponseWriter, r *http.Request) {
	q, err := s.queueSummary(r.Context())
	if err != nil {
		respond(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	respond(w, http.StatusOK, q)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
