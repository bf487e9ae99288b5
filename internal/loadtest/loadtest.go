// Package loadtest drives a local database the way a busy device does.
//
// Collectors open, answer and submit assignments from several goroutines
// while the engine drains the queue against a loopback backend and dashboard
// readers list assignments. Afterwards Verify checks that every submission
// reached the backend exactly once and that the local state converged.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cerdas-survey/fieldsync/internal/engine"
	"github.com/cerdas-survey/fieldsync/internal/events"
	"github.com/cerdas-survey/fieldsync/internal/schema"
	"github.com/cerdas-survey/fieldsync/internal/store"
	"github.com/cerdas-survey/fieldsync/internal/workflow"
)

const (
	userID     = "loadtest-user"
	activityID = "loadtest-activity"
)

// Options configures a run.
type Options struct {
	// Workers submitting assignments concurrently. Default: 8
	Workers int

	// Readers listing assignments while the workers run. Default: 2
	Readers int

	// Latency of every loopback backend call.
	Latency time.Duration

	// FailEvery makes every n-th submit fail with a 503. Zero never fails.
	FailEvery int

	// SettleTimeout bounds the final drains after the workers finish.
	// Default: 30s
	SettleTimeout time.Duration

	Logger logrus.FieldLogger
}

func (o *Options) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.Readers < 0 {
		o.Readers = 0
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
}

// Harness is a seeded database plus the loopback backend it syncs with.
type Harness struct {
	Store         *store.Store
	AssignmentIDs []string
	Backend       *Loopback
}

// Seed creates a database at dbPath with one collector activity and n
// assignments spread over a few regions.
func Seed(ctx context.Context, dbPath string, n int) (*Harness, error) {
	st, err := store.OpenContext(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = st.PutActivity(ctx, &schema.Activity{
		ID:       activityID,
		UserID:   userID,
		Name:     "Load test",
		Year:     time.Now().Year(),
		UserRole: schema.RoleCollector,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to seed activity: %w", err)
	}

	assignments := generateAssignments(n)
	if err := st.PutAssignments(ctx, assignments); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to seed assignments: %w", err)
	}

	h := &Harness{Store: st, AssignmentIDs: make([]string, 0, n)}
	for _, a := range assignments {
		h.AssignmentIDs = append(h.AssignmentIDs, a.ID)
	}
	return h, nil
}

// Close closes the database.
func (h *Harness) Close() error {
	if h.Store != nil {
		return h.Store.Close()
	}
	return nil
}

func generateAssignments(count int) []*schema.Assignment {
	out := make([]*schema.Assignment, count)
	for i := 0; i < count; i++ {
		region := i % 10
		out[i] = &schema.Assignment{
			ID:             fmt.Sprintf("lt-%05d", i),
			UserID:         userID,
			ActivityID:     activityID,
			CollectorID:    userID,
			Level4Code:     "001",
			Level4CodeFull: "3201001",
			Level4Label:    "Kecamatan Uji",
			Level6Code:     fmt.Sprintf("%03d", region),
			Level6CodeFull: fmt.Sprintf("3201001%03d", region),
			Level6Label:    fmt.Sprintf("Blok %d", region),
			Label:          fmt.Sprintf("Rumah tangga %d", i),
			Status:         schema.StatusAssigned,
		}
	}
	return out
}

// Result is what a run measured.
type Result struct {
	Submit  *LatencyStats `json:"submit"`
	Read    *LatencyStats `json:"read"`
	Sent    int           `json:"sent"`
	Errors  int           `json:"errors"`
	Elapsed time.Duration `json:"elapsed"`
}

// Run submits every seeded assignment once using opts.Workers goroutines
// while the engine drains in the background, then drains until the queue is
// empty or SettleTimeout passes.
func (h *Harness) Run(ctx context.Context, opts Options) (*Result, error) {
	opts.withDefaults()
	h.Backend = NewLoopback(opts.Latency, opts.FailEvery)

	bus := events.NewBus(opts.Logger)
	cfg := engine.DefaultConfig(userID)
	cfg.Tuning = engine.Tuning{
		MaxRetries:     10,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		FailedCooldown: 5 * time.Millisecond,
		Interval:       10 * time.Millisecond,
	}
	cfg.Jitter = 0
	cfg.Logger = opts.Logger
	eng, err := engine.New(h.Store, h.Backend, bus, cfg)
	if err != nil {
		return nil, err
	}
	wf, err := workflow.New(h.Store, eng, nil, workflow.Config{UserID: userID, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	runCtx, stopEngine := context.WithCancel(ctx)
	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(runCtx) }()

	readCtx, stopReaders := context.WithCancel(ctx)
	var readers sync.WaitGroup
	readDurations := make(chan []time.Duration, opts.Readers)
	for i := 0; i < opts.Readers; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			readDurations <- h.read(readCtx)
		}()
	}

	jobs := make(chan string)
	var workers sync.WaitGroup
	var mu sync.Mutex
	var submitDurations []time.Duration
	var errorCount int
	for i := 0; i < opts.Workers; i++ {
		workers.Add(1)
		go func(worker int) {
			defer workers.Done()
			for id := range jobs {
				began := time.Now()
				err := submitOne(ctx, wf, id, worker)
				elapsed := time.Since(began)

				mu.Lock()
				submitDurations = append(submitDurations, elapsed)
				if err != nil {
					errorCount++
					opts.Logger.WithField("assignment_id", id).WithError(err).Warn("submit failed")
				}
				mu.Unlock()
			}
		}(i)
	}
	for _, id := range h.AssignmentIDs {
		select {
		case jobs <- id:
		case <-ctx.Done():
		}
	}
	close(jobs)
	workers.Wait()

	stopReaders()
	readers.Wait()
	close(readDurations)

	stopEngine()
	if err := <-engineDone; err != nil {
		return nil, err
	}

	if err := h.settle(ctx, eng, opts.SettleTimeout); err != nil {
		return nil, err
	}

	var reads []time.Duration
	for d := range readDurations {
		reads = append(reads, d...)
	}

	return &Result{
		Submit:  computeLatencyStats(submitDurations),
		Read:    computeLatencyStats(reads),
		Sent:    h.Backend.Accepted(),
		Errors:  errorCount,
		Elapsed: time.Since(start),
	}, nil
}

func submitOne(ctx context.Context, wf *workflow.Workflow, id string, worker int) error {
	loaded, err := wf.LoadAssignment(ctx, id)
	if err != nil {
		return err
	}
	if err := workflow.SetAnswer(loaded.Response, "r101.nama", fmt.Sprintf("Responden %s", id)); err != nil {
		return err
	}
	if err := workflow.SetAnswer(loaded.Response, "r102.worker", worker); err != nil {
		return err
	}
	_, err = wf.Submit(ctx, id, loaded.Response.Responses)
	return err
}

func (h *Harness) read(ctx context.Context) []time.Duration {
	var durations []time.Duration
	for {
		select {
		case <-ctx.Done():
			return durations
		default:
		}
		began := time.Now()
		_, err := h.Store.ListAssignments(ctx, store.AssignmentFilter{UserID: userID, ActivityID: activityID})
		if err != nil {
			return durations
		}
		durations = append(durations, time.Since(began))
		time.Sleep(time.Millisecond)
	}
}

// settle drains until nothing is queued.
func (h *Harness) settle(ctx context.Context, eng *engine.Engine, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		counts, err := h.Store.QueueCounts(ctx, userID)
		if err != nil {
			return err
		}
		if counts[schema.QueuePending]+counts[schema.QueueProcessing]+counts[schema.QueueFailed] == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("queue did not drain within %v: %v", timeout, counts)
		}
		if _, err := eng.Drain(ctx); err != nil {
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Verify checks that every assignment was sent exactly once and is stored
// as Submitted by PPL with the confirmed response version.
func (h *Harness) Verify(ctx context.Context) error {
	if h.Backend == nil {
		return fmt.Errorf("verify called before run")
	}
	var problems []string
	for _, id := range h.AssignmentIDs {
		if n := h.Backend.Count(id); n != 1 {
			problems = append(problems, fmt.Sprintf("%s sent %d times", id, n))
		}
		a, err := h.Store.GetAssignment(ctx, userID, id)
		if err != nil {
			return err
		}
		if a.Status != schema.StatusSubmitted {
			problems = append(problems, fmt.Sprintf("%s is %q", id, a.Status))
		}
		resp, err := h.Store.GetResponse(ctx, userID, id)
		if err != nil {
			return err
		}
		if resp.Version != 2 {
			problems = append(problems, fmt.Sprintf("%s has version %d", id, resp.Version))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		if len(problems) > 10 {
			problems = append(problems[:10], fmt.Sprintf("... and %d more", len(problems)-10))
		}
		return fmt.Errorf("inconsistent state: %v", problems)
	}
	return nil
}

// LatencyStats captures latency percentiles of one operation.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int           `json:"count"`
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Write formats the statistics under a heading.
func (s *LatencyStats) Write(w io.Writer, heading string) {
	fmt.Fprintf(w, "%s (%d):\n", heading, s.Count)
	fmt.Fprintf(w, "  Min:  %v\n", s.Min.Round(time.Microsecond))
	fmt.Fprintf(w, "  P50:  %v\n", s.P50.Round(time.Microsecond))
	fmt.Fprintf(w, "  Mean: %v\n", s.Mean.Round(time.Microsecond))
	fmt.Fprintf(w, "  P95:  %v\n", s.P95.Round(time.Microsecond))
	fmt.Fprintf(w, "  P99:  %v\n", s.P99.Round(time.Microsecond))
	fmt.Fprintf(w, "  Max:  %v\n", s.Max.Round(time.Microsecond))
}

// TempPath returns a database path in a fresh temporary directory and a
// cleanup func removing it.
func TempPath() (string, func(), error) {
	dir, err := os.MkdirTemp("", "fieldsync-loadtest-")
	if err != nil {
		return "", nil, err
	}
	return filepath.Join(dir, "loadtest.db"), func() { _ = os.RemoveAll(dir) }, nil
}
