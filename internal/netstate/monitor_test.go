package netstate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakePinger struct {
	mu    sync.Mutex
	err   error
	calls atomic.Int32
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakePinger) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func quietConfig(interval time.Duration) *Config {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &Config{Interval: interval, Timeout: time.Second, Logger: logger}
}

func TestMonitor_StartsOnline(t *testing.T) {
	m := New(nil, nil)
	if !m.Online() {
		t.Error("new monitor should start online")
	}
	if !m.Check(context.Background()) {
		t.Error("Check() without a pinger should keep the state")
	}
}

func TestMonitor_CheckFlipsAndNotifies(t *testing.T) {
	p := &fakePinger{}
	m := New(p, quietConfig(time.Hour))

	var mu sync.Mutex
	var changes []bool
	m.OnChange(func(online bool) {
		mu.Lock()
		changes = append(changes, online)
		mu.Unlock()
	})

	ctx := context.Background()
	if !m.Check(ctx) {
		t.Fatal("Check() = false with a healthy pinger")
	}

	p.set(errors.New("dial tcp: connection refused"))
	if m.Check(ctx) {
		t.Fatal("Check() = true with a failing pinger")
	}
	if m.Online() {
		t.Error("Online() = true after failed ping")
	}
	m.Check(ctx)

	p.set(nil)
	m.Check(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || changes[0] || !changes[1] {
		t.Errorf("changes = %v, want [false true]", changes)
	}
}

func TestMonitor_Set(t *testing.T) {
	m := New(nil, quietConfig(time.Hour))
	var calls int
	m.OnChange(func(bool) { calls++ })

	m.Set(true)
	m.Set(false)
	m.Set(false)
	m.Set(true)
	if calls != 2 {
		t.Errorf("callbacks fired %d times, want 2", calls)
	}
}

func TestMonitor_Run(t *testing.T) {
	p := &fakePinger{err: errors.New("offline")}
	m := New(p, quietConfig(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.calls.Load() < 3 {
		t.Fatalf("pinger called %d times, want at least 3", p.calls.Load())
	}
	if m.Online() {
		t.Error("Online() = true while pinger fails")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}
