// Package netstate tracks whether the backend is reachable.
//
// A Monitor polls a Pinger on a fixed interval and notifies subscribers when
// the state flips. The engine reads Online before each drain; the daemon uses
// OnChange to kick a drain as soon as connectivity returns.
package netstate

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Pinger checks reachability. Only transport failures count as offline.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds configuration for the monitor.
type Config struct {
	// Interval between pings.
	Interval time.Duration

	// Timeout bounds a single ping.
	Timeout time.Duration

	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	return &Config{
		Interval: 10 * time.Second,
		Timeout:  5 * time.Second,
		Logger:   logger.WithField("component", "netstate"),
	}
}

// Monitor holds the current connectivity state. The zero state is online so
// that a freshly started client attempts a drain before the first ping.
type Monitor struct {
	pinger Pinger
	config *Config

	online atomic.Bool

	mu        sync.Mutex
	callbacks []func(online bool)
}

// New creates a monitor. A nil config uses DefaultConfig.
func New(pinger Pinger, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	m := &Monitor{pinger: pinger, config: config}
	m.online.Store(true)
	return m
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnChange registers fn to be called after every state flip.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// Set records a state, e.g. from an explicit --offline flag, and notifies
// subscribers if it changed.
func (m *Monitor) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	if online {
		m.config.Logger.Info("Backend reachable")
	} else {
		m.config.Logger.Warn("Backend unreachable, working offline")
	}

	m.mu.Lock()
	callbacks := make([]func(bool), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(online)
	}
}

// Check pings once and returns the resulting state.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.pinger == nil {
		return m.Online()
	}
	pingCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	err := m.pinger.Ping(pingCtx)
	if err != nil && ctx.Err() != nil {
		// Shutting down; keep the last state.
		return m.Online()
	}
	if err != nil {
		m.config.Logger.WithError(err).Debug("Ping failed")
	}
	m.Set(err == nil)
	return err == nil
}

// Run pings immediately and then every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
