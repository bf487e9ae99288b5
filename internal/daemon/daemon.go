// Package daemon runs the background side of the client: the engine drain
// loop, periodic delta syncs, the connectivity monitor and config reloads.
//
// The daemon:
// 1. Resets interrupted queue items and drains once
// 2. Drains on every trigger and on the drain interval
// 3. Pulls deltas for every activity on the delta interval
// 4. Kicks a drain when connectivity returns
// 5. Reloads engine tuning when the config file changes
// 6. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cerdas-survey/fieldsync/internal/engine"
	"github.com/cerdas-survey/fieldsync/internal/events"
	"github.com/cerdas-survey/fieldsync/internal/reconcile"
)

// Engine is the part of *engine.Engine the daemon drives.
type Engine interface {
	Run(ctx context.Context) error
	Trigger()
	Tuning() engine.Tuning
	SetTuning(t engine.Tuning)
	Bus() *events.Bus
}

// Reconciler is the part of *reconcile.Reconciler the daemon drives.
type Reconciler interface {
	SyncAll(ctx context.Context) ([]*reconcile.DeltaResult, error)
	SyncDelta(ctx context.Context, activityID string) (*reconcile.DeltaResult, error)
}

// Monitor is the part of *netstate.Monitor the daemon drives.
type Monitor interface {
	Run(ctx context.Context) error
	OnChange(fn func(online bool))
}

// Config holds configuration for the daemon.
type Config struct {
	// DrainInterval overrides the engine's drain period when positive.
	DrainInterval time.Duration

	// DeltaInterval is how often every activity is delta-synced.
	// Zero disables periodic syncs.
	DeltaInterval time.Duration

	// ConfigFile is watched for changes when set.
	ConfigFile string

	// LoadTuning reads engine tuning from ConfigFile.
	LoadTuning func(path string) (engine.Tuning, error)

	// DebounceInterval is how long to wait after a config change before
	// reloading. This batches editor write bursts together.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	return &Config{
		DeltaInterval:    5 * time.Minute,
		DebounceInterval: 200 * time.Millisecond,
		Logger:           logger.WithField("component", "daemon"),
	}
}

// Daemon orchestrates the background loops.
type Daemon struct {
	engine     Engine
	reconciler Reconciler
	monitor    Monitor
	config     *Config

	watcher *ConfigWatcher
	deltas  chan string
	syncNow chan struct{}

	unsubscribe func()

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon. monitor may be nil, in which case the daemon never
// reacts to connectivity changes.
//
// Use Start() to begin the loops.
func New(eng Engine, rec Reconciler, monitor Monitor, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if rec == nil {
		return nil, fmt.Errorf("reconciler cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.ConfigFile != "" && config.LoadTuning == nil {
		return nil, fmt.Errorf("LoadTuning is required when ConfigFile is set")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:     eng,
		reconciler: rec,
		monitor:    monitor,
		config:     config,
		deltas:     make(chan string, 16),
		syncNow:    make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	log := d.config.Logger
	log.Info("Starting daemon")

	if d.config.DrainInterval > 0 {
		t := d.engine.Tuning()
		t.Interval = d.config.DrainInterval
		d.engine.SetTuning(t)
	}

	if d.config.ConfigFile != "" {
		w, err := NewConfigWatcher(d.config.ConfigFile)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			_ = w.Stop()
			return err
		}
		d.watcher = w
		log.WithField("path", d.config.ConfigFile).Info("Watching config")
	}

	if bus := d.engine.Bus(); bus != nil {
		d.unsubscribe = bus.Subscribe(d.handleEvent)
	}

	if d.monitor != nil {
		d.monitor.OnChange(func(online bool) {
			if online {
				d.engine.Trigger()
				d.SyncNow()
			}
		})
	}

	d.wg.Add(2)
	go d.runEngine()
	go d.syncLoop()
	if d.monitor != nil {
		d.wg.Add(1)
		go d.runMonitor()
	}
	if d.watcher != nil {
		d.wg.Add(1)
		go d.watchConfig()
	}

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Info("Stopping daemon")

		d.cancel()

		if d.unsubscribe != nil {
			d.unsubscribe()
		}
		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.config.Logger.WithError(err).Warn("Error closing watcher")
			}
		}

		d.wg.Wait()
		d.config.Logger.Info("Daemon stopped")
	})
	return nil
}

// SyncNow requests a delta sync of every activity. Requests coalesce.
func (d *Daemon) SyncNow() {
	select {
	case d.syncNow <- struct{}{}:
	default:
	}
}

// handleEvent pulls the server copy of a newly created assignment's activity.
func (d *Daemon) handleEvent(e events.Event) {
	if e.Type != events.AssignmentCreated || e.ActivityID == "" {
		return
	}
	select {
	case d.deltas <- e.ActivityID:
	default:
		d.SyncNow()
	}
}

func (d *Daemon) runEngine() {
	defer d.wg.Done()
	if err := d.engine.Run(d.ctx); err != nil {
		d.config.Logger.WithError(err).Error("Engine stopped")
	}
}

func (d *Daemon) runMonitor() {
	defer d.wg.Done()
	if err := d.monitor.Run(d.ctx); err != nil {
		d.config.Logger.WithError(err).Error("Connectivity monitor stopped")
	}
}

// syncLoop runs periodic and requested delta syncs.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	var tick <-chan time.Time
	if d.config.DeltaInterval > 0 {
		ticker := time.NewTicker(d.config.DeltaInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-tick:
			d.syncAll()
		case <-d.syncNow:
			d.syncAll()
		case activityID := <-d.deltas:
			res, err := d.reconciler.SyncDelta(d.ctx, activityID)
			if err != nil {
				if d.ctx.Err() == nil {
					d.config.Logger.WithError(err).WithField("activity", activityID).Warn("Delta sync failed")
				}
				continue
			}
			d.config.Logger.WithField("activity", activityID).
				WithField("assignments", res.Assignments).Debug("Delta sync complete")
		}
	}
}

func (d *Daemon) syncAll() {
	results, err := d.reconciler.SyncAll(d.ctx)
	if err != nil {
		if d.ctx.Err() == nil {
			d.config.Logger.WithError(err).Warn("Periodic sync failed")
		}
		return
	}
	total := 0
	for _, r := range results {
		total += r.Assignments
	}
	d.config.Logger.WithField("activities", len(results)).
		WithField("assignments", total).Debug("Periodic sync complete")
}

// watchConfig reloads tuning after the config file settles.
func (d *Daemon) watchConfig() {
	defer d.wg.Done()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-d.ctx.Done():
			return

		case _, ok := <-d.watcher.Changes():
			if !ok {
				return
			}
			if timer == nil {
				timer = time.NewTimer(d.config.DebounceInterval)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d.config.DebounceInterval)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			d.ReloadTuning()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.WithError(err).Warn("Watcher error")
		}
	}
}

// ReloadTuning reads the config file and applies its tuning. The drain
// interval override from Config stays in effect.
func (d *Daemon) ReloadTuning() {
	t, err := d.config.LoadTuning(d.config.ConfigFile)
	if err != nil {
		d.config.Logger.WithError(err).Warn("Config reload failed, keeping current tuning")
		return
	}
	if d.config.DrainInterval > 0 {
		t.Interval = d.config.DrainInterval
	}
	d.engine.SetTuning(t)
	d.config.Logger.WithFields(logrus.Fields{
		"max_retries": t.MaxRetries,
		"interval":    t.Interval,
	}).Info("Tuning reloaded")
	d.engine.Trigger()
}
