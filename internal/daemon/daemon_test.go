package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cerdas-survey/fieldsync/internal/engine"
	"github.com/cerdas-survey/fieldsync/internal/events"
	"github.com/cerdas-survey/fieldsync/internal/reconcile"
)

type fakeEngine struct {
	bus *events.Bus

	mu       sync.Mutex
	runs     int
	triggers int
	tuning   engine.Tuning
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{bus: events.NewBus(nil), tuning: engine.DefaultTuning()}
}

func (f *fakeEngine) Run(ctx context.Context) error {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (f *fakeEngine) Trigger() {
	f.mu.Lock()
	f.triggers++
	f.mu.Unlock()
}

func (f *fakeEngine) Tuning() engine.Tuning {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tuning
}

func (f *fakeEngine) SetTuning(t engine.Tuning) {
	f.mu.Lock()
	f.tuning = t
	f.mu.Unlock()
}

func (f *fakeEngine) Bus() *events.Bus { return f.bus }

func (f *fakeEngine) counts() (runs, triggers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, f.triggers
}

type fakeReconciler struct {
	mu     sync.Mutex
	all    int
	deltas []string
}

func (f *fakeReconciler) SyncAll(ctx context.Context) ([]*reconcile.DeltaResult, error) {
	f.mu.Lock()
	f.all++
	f.mu.Unlock()
	return []*reconcile.DeltaResult{{ActivityID: "k1", Assignments: 2}}, nil
}

func (f *fakeReconciler) SyncDelta(ctx context.Context, activityID string) (*reconcile.DeltaResult, error) {
	f.mu.Lock()
	f.deltas = append(f.deltas, activityID)
	f.mu.Unlock()
	return &reconcile.DeltaResult{ActivityID: activityID}, nil
}

func (f *fakeReconciler) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all, append([]string(nil), f.deltas...)
}

type fakeMonitor struct {
	mu       sync.Mutex
	callback func(bool)
}

func (f *fakeMonitor) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeMonitor) OnChange(fn func(bool)) {
	f.mu.Lock()
	f.callback = fn
	f.mu.Unlock()
}

func (f *fakeMonitor) fire(online bool) bool {
	f.mu.Lock()
	fn := f.callback
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(online)
	return true
}

func testConfig() *Config {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &Config{
		DebounceInterval: 20 * time.Millisecond,
		Logger:           logger,
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startDaemon(t *testing.T, d *Daemon) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	return func() {
		cancelCtx()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start() returned %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Start() did not return after cancel")
		}
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		eng     Engine
		rec     Reconciler
		config  *Config
		wantErr bool
	}{
		{"ok", newFakeEngine(), &fakeReconciler{}, nil, false},
		{"nil engine", nil, &fakeReconciler{}, nil, true},
		{"nil reconciler", newFakeEngine(), nil, nil, true},
		{"config file without loader", newFakeEngine(), &fakeReconciler{}, &Config{ConfigFile: "x.toml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.eng, tt.rec, nil, tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDaemon_RunsEngineAndPeriodicSync(t *testing.T) {
	eng := newFakeEngine()
	rec := &fakeReconciler{}
	cfg := testConfig()
	cfg.DeltaInterval = 10 * time.Millisecond
	cfg.DrainInterval = 7 * time.Second

	d, err := New(eng, rec, nil, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	stop := startDaemon(t, d)

	eventually(t, "engine run", func() bool { runs, _ := eng.counts(); return runs == 1 })
	eventually(t, "two periodic syncs", func() bool { all, _ := rec.snapshot(); return all >= 2 })

	if got := eng.Tuning().Interval; got != 7*time.Second {
		t.Errorf("drain interval = %v, want override 7s", got)
	}

	stop()
	if err := d.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
	if eng.bus.Len() != 0 {
		t.Errorf("bus still has %d subscribers after stop", eng.bus.Len())
	}
}

func TestDaemon_CreatedAssignmentPullsDelta(t *testing.T) {
	eng := newFakeEngine()
	rec := &fakeReconciler{}
	d, err := New(eng, rec, nil, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	stop := startDaemon(t, d)
	defer stop()

	eventually(t, "bus subscription", func() bool { return eng.bus.Len() == 1 })

	eng.bus.Publish(events.Event{Type: events.MutationApplied, ActivityID: "k9"})
	eng.bus.Publish(events.Event{Type: events.AssignmentCreated, ActivityID: "k1", AssignmentID: "a1"})

	eventually(t, "delta sync", func() bool { _, deltas := rec.snapshot(); return len(deltas) == 1 })
	if _, deltas := rec.snapshot(); deltas[0] != "k1" {
		t.Errorf("SyncDelta called for %v, want [k1]", deltas)
	}
}

func TestDaemon_ReconnectTriggersDrain(t *testing.T) {
	eng := newFakeEngine()
	rec := &fakeReconciler{}
	mon := &fakeMonitor{}
	d, err := New(eng, rec, mon, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	stop := startDaemon(t, d)
	defer stop()

	eventually(t, "monitor subscription", func() bool {
		mon.mu.Lock()
		defer mon.mu.Unlock()
		return mon.callback != nil
	})

	mon.fire(false)
	if _, triggers := eng.counts(); triggers != 0 {
		t.Errorf("going offline triggered %d drains", triggers)
	}

	mon.fire(true)
	if _, triggers := eng.counts(); triggers != 1 {
		t.Errorf("going online triggered %d drains, want 1", triggers)
	}
	eventually(t, "sync after reconnect", func() bool { all, _ := rec.snapshot(); return all == 1 })
}

func TestDaemon_ReloadsTuningOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldsync.toml")
	if err := os.WriteFile(path, []byte("max_retries = 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := newFakeEngine()
	cfg := testConfig()
	cfg.ConfigFile = path
	cfg.LoadTuning = func(p string) (engine.Tuning, error) {
		data, err := os.ReadFile(p)
		if err != nil {
			return engine.Tuning{}, err
		}
		raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(data)), "max_retries ="))
		n, err := strconv.Atoi(raw)
		if err != nil {
			return engine.Tuning{}, fmt.Errorf("bad config: %w", err)
		}
		t := engine.DefaultTuning()
		t.MaxRetries = n
		return t, nil
	}

	d, err := New(eng, &fakeReconciler{}, nil, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	stop := startDaemon(t, d)
	defer stop()

	eventually(t, "engine run", func() bool { runs, _ := eng.counts(); return runs == 1 })

	if err := os.WriteFile(path, []byte("max_retries = 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, "tuning reload", func() bool { return eng.Tuning().MaxRetries == 7 })

	// A broken file keeps the last good tuning.
	if err := os.WriteFile(path, []byte("max_retries = lots\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := eng.Tuning().MaxRetries; got != 7 {
		t.Errorf("MaxRetries = %d after bad config, want 7", got)
	}
}
