// Package engine drains the local mutation queue against the backend.
//
// Every user action that must reach the server is written to the store's
// sync_queue first. The engine replays those items one at a time in FIFO
// order, applies the confirmed local transition together with deleting the
// item in one transaction, and publishes the outcome on the event bus.
//
// Outcomes per item:
//   - success: local transition applied, item removed, mutation_applied
//   - 409: item removed, local data untouched, conflict
//   - 403, 422 and other final 4xx: item removed, discarded
//   - anything else: retried with exponential backoff, then parked as failed
//
// Only one drain runs at a time. A Drain call that finds another drain in
// progress returns immediately with Skipped set. Across processes sharing one
// database, items are claimed in the store; a pass that cannot claim the head
// of the queue stops and leaves it to the claim holder. Claims older than
// twice RequestTimeout are considered abandoned and released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cerdas-survey/fieldsync/internal/events"
	"github.com/cerdas-survey/fieldsync/internal/gateway"
	"github.com/cerdas-survey/fieldsync/internal/schema"
	"github.com/cerdas-survey/fieldsync/internal/store"
)

// Gateway is the subset of the backend client the engine calls.
type Gateway interface {
	SubmitAssignments(ctx context.Context, activityID string, batch []schema.SubmittedResponse) error
	UpdateStatus(ctx context.Context, assignmentID string, status schema.Status, notes string) error
	UploadPhoto(ctx context.Context, assignmentID string, photo *schema.PhotoBlob) (*gateway.PhotoUpload, error)
	CreateAssignment(ctx context.Context, activityID string, req *gateway.CreateAssignmentRequest) (string, error)
}

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	Online() bool
}

// Tuning holds the parameters that may change while the engine runs.
type Tuning struct {
	// MaxRetries is the number of retries after the first attempt before an
	// item is parked as failed. Default: 3
	MaxRetries int

	// InitialBackoff is the delay before the first retry. Default: 5s
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay. Default: 10m
	MaxBackoff time.Duration

	// FailedCooldown is how long a failed item waits before one more
	// automatic attempt. Zero or negative disables automatic attempts until
	// RetryFailed. Default: 15m
	FailedCooldown time.Duration

	// Interval is the period of the background drain loop. Default: 60s
	Interval time.Duration
}

// DefaultTuning returns the default engine tuning.
func DefaultTuning() Tuning {
	return Tuning{
		MaxRetries:     3,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
		FailedCooldown: 15 * time.Minute,
		Interval:       60 * time.Second,
	}
}

// Config configures an Engine.
type Config struct {
	// UserID owns the queue items this engine drains.
	UserID string

	Tuning Tuning

	// RequestTimeout bounds one in-flight item, remote call and local apply
	// together. Default: 30s
	RequestTimeout time.Duration

	// Jitter spreads retry delays by ±Jitter. Default: 0.1
	Jitter float64

	// Connectivity gates drains. Nil means always online.
	Connectivity Connectivity

	// Logger receives outcome logs (default: stderr).
	Logger logrus.FieldLogger

	// Now returns the current time. Default: time.Now
	Now func() time.Time
}

// DefaultConfig returns a configuration with default tuning.
func DefaultConfig(userID string) Config {
	return Config{
		UserID:         userID,
		Tuning:         DefaultTuning(),
		RequestTimeout: 30 * time.Second,
		Jitter:         0.1,
	}
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Skipped   bool `json:"skipped,omitempty"`
	Offline   bool `json:"offline,omitempty"`
	Busy      bool `json:"busy,omitempty"`
	Attempted int  `json:"attempted"`
	Applied   int  `json:"applied"`
	Conflicts int  `json:"conflicts"`
	Discarded int  `json:"discarded"`
	Retrying  int  `json:"retrying"`
	Exhausted int  `json:"exhausted"`
}

func (r *DrainResult) String() string {
	switch {
	case r.Skipped:
		return "drain already in progress"
	case r.Offline:
		return "offline, nothing sent"
	}
	return fmt.Sprintf("%d attempted: %d applied, %d conflicts, %d discarded, %d retrying, %d failed",
		r.Attempted, r.Applied, r.Conflicts, r.Discarded, r.Retrying, r.Exhausted)
}

// Engine drains the mutation queue of one user.
type Engine struct {
	store  *store.Store
	gw     Gateway
	bus    *events.Bus
	conn   Connectivity
	logger logrus.FieldLogger
	userID string

	requestTimeout time.Duration
	jitter         float64
	now            func() time.Time

	mu     sync.RWMutex
	tuning Tuning

	draining atomic.Bool
	trigger  chan struct{}
}

// New creates an Engine. bus may be nil.
func New(st *store.Store, gw Gateway, bus *events.Bus, cfg Config) (*Engine, error) {
	if st == nil || gw == nil {
		return nil, fmt.Errorf("engine requires a store and a gateway")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("engine requires a user id")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0.1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		cfg.Logger = l.WithField("component", "engine")
	}
	if bus == nil {
		bus = events.NewBus(cfg.Logger)
	}

	return &Engine{
		store:          st,
		gw:             gw,
		bus:            bus,
		conn:           cfg.Connectivity,
		logger:         cfg.Logger,
		userID:         cfg.UserID,
		requestTimeout: cfg.RequestTimeout,
		jitter:         cfg.Jitter,
		now:            cfg.Now,
		tuning:         normalizeTuning(cfg.Tuning),
		trigger:        make(chan struct{}, 1),
	}, nil
}

func normalizeTuning(t Tuning) Tuning {
	def := DefaultTuning()
	if t.MaxRetries < 0 {
		t.MaxRetries = def.MaxRetries
	}
	if t.InitialBackoff <= 0 {
		t.InitialBackoff = def.InitialBackoff
	}
	if t.MaxBackoff <= 0 {
		t.MaxBackoff = def.MaxBackoff
	}
	if t.MaxBackoff < t.InitialBackoff {
		t.MaxBackoff = t.InitialBackoff
	}
	if t.Interval <= 0 {
		t.Interval = def.Interval
	}
	return t
}

// Tuning returns the current tuning.
func (e *Engine) Tuning() Tuning {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tuning
}

// SetTuning replaces the tuning. It takes effect on the next item.
func (e *Engine) SetTuning(t Tuning) {
	e.mu.Lock()
	e.tuning = normalizeTuning(t)
	e.mu.Unlock()
}

// Bus returns the event bus outcomes are published on.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// UserID returns the user whose queue is drained.
func (e *Engine) UserID() string {
	return e.userID
}

// Trigger requests a drain from the Run loop. Triggers coalesce: any number of
// calls while a drain is pending result in one drain.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// QueueForSync enqueues a mutation and triggers a drain.
func (e *Engine) QueueForSync(ctx context.Context, typ schema.MutationType, payload any) (*schema.QueueItem, error) {
	item, err := schema.NewQueueItem(e.userID, typ, payload)
	if err != nil {
		return nil, err
	}
	if err := e.store.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{
		"item_id":       item.ID,
		"type":          item.Type,
		"assignment_id": item.AssignmentID,
	}).Debug("mutation queued")
	e.Trigger()
	return item, nil
}

// RetryFailed gives every failed item a fresh retry budget and triggers a drain.
func (e *Engine) RetryFailed(ctx context.Context) (int64, error) {
	n, err := e.store.RetryFailed(ctx, e.userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.Trigger()
	}
	return n, nil
}

// Run drains once and then drains on every trigger and every Interval until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.Trigger()

	timer := time.NewTimer(e.Tuning().Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.trigger:
		case <-timer.C:
		}

		if _, err := e.Drain(ctx); err != nil {
			e.logger.WithError(err).Error("drain aborted")
			if logErr := e.store.AppendErrorLog(context.WithoutCancel(ctx), e.userID, "drain", err.Error()); logErr != nil {
				e.logger.WithError(logErr).Warn("failed to record drain error")
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.Tuning().Interval)
	}
}

// Drain processes every eligible queue item once, in insertion order.
//
// Cancelling ctx stops the drain between items; the item in flight finishes
// on a detached context bounded by RequestTimeout. A local storage failure
// aborts the drain and is returned.
func (e *Engine) Drain(ctx context.Context) (*DrainResult, error) {
	res := &DrainResult{}
	if !e.draining.CompareAndSwap(false, true) {
		res.Skipped = true
		return res, nil
	}
	defer e.draining.Store(false)

	if e.conn != nil && !e.conn.Online() {
		res.Offline = true
		return res, nil
	}

	if err := e.releaseAbandoned(ctx); err != nil {
		return res, err
	}

	items, err := e.store.EligibleQueueItems(ctx, e.userID, e.now(), true)
	if err != nil {
		return res, err
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		out, err := e.process(ctx, item)
		if err != nil {
			return res, err
		}
		if out == outcomeBusy {
			res.Busy = true
			break
		}
		res.Attempted++
		switch out {
		case outcomeApplied:
			res.Applied++
		case outcomeConflict:
			res.Conflicts++
		case outcomeDiscarded:
			res.Discarded++
		case outcomeRetrying:
			res.Retrying++
		case outcomeExhausted:
			res.Exhausted++
		}
	}

	if res.Attempted > 0 {
		e.logger.WithFields(logrus.Fields{
			"attempted": res.Attempted,
			"applied":   res.Applied,
			"conflicts": res.Conflicts,
			"discarded": res.Discarded,
			"retrying":  res.Retrying,
			"exhausted": res.Exhausted,
		}).Info("drain completed")
	}
	e.bus.Publish(events.Event{Type: events.DrainCompleted, Message: res.String()})
	return res, nil
}

// releaseAbandoned returns items whose claim outlived the lease to pending.
// The claim holder crashed or was killed mid-item.
func (e *Engine) releaseAbandoned(ctx context.Context) error {
	n, err := e.store.ResetProcessing(ctx, e.now().Add(-2*e.requestTimeout))
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.WithField("count", n).Info("released abandoned queue items")
	}
	return nil
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeConflict
	outcomeDiscarded
	outcomeRetrying
	outcomeExhausted
	outcomeBusy
)

// localError marks a failure of the on-device store, which aborts the drain.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

func local(err error) error {
	if err == nil {
		return nil
	}
	return &localError{err: err}
}

// errMalformed marks an item that can never be sent as stored.
var errMalformed = errors.New("malformed queue item")

func (e *Engine) process(ctx context.Context, item *schema.QueueItem) (outcome, error) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.requestTimeout)
	defer cancel()

	log := e.logger.WithFields(logrus.Fields{
		"item_id":       item.ID,
		"type":          item.Type,
		"assignment_id": item.AssignmentID,
		"retries":       item.Retries,
	})

	claimed, err := e.store.ClaimQueueItem(opCtx, item.ID, e.now())
	if err != nil {
		return 0, err
	}
	if !claimed {
		log.Debug("queue item claimed elsewhere, stopping pass")
		return outcomeBusy, nil
	}

	err = e.dispatch(opCtx, item)

	var le *localError
	switch {
	case err == nil:
		log.Info("mutation applied")
		return outcomeApplied, nil

	case errors.As(err, &le):
		// Counts against the retry budget; a local apply that keeps failing
		// ends up parked behind the cooldown.
		if _, retryErr := e.retry(opCtx, item, err, log); retryErr != nil {
			log.WithError(retryErr).Warn("failed to requeue item after local error")
		}
		return 0, fmt.Errorf("failed to apply %s for item %d: %w", item.Type, item.ID, le.err)

	case gateway.IsConflict(err):
		log.WithError(err).Warn("server state diverged, item dropped")
		if err := e.terminate(opCtx, item, "conflict", err); err != nil {
			return 0, err
		}
		e.bus.Publish(events.Event{
			Type:         events.Conflict,
			ItemID:       item.ID,
			MutationType: item.Type,
			AssignmentID: item.AssignmentID,
			ActivityID:   item.ActivityID,
			Message:      "server state diverged, resync required: " + err.Error(),
			Reason:       events.ReasonConflict,
		})
		return outcomeConflict, nil

	case errors.Is(err, errMalformed) || !gateway.IsRetryable(err):
		why := reason(err)
		log.WithError(err).WithField("reason", why).Warn("mutation discarded")
		if err := e.terminate(opCtx, item, "discarded ("+string(why)+")", err); err != nil {
			return 0, err
		}
		e.bus.Publish(events.Event{
			Type:         events.Discarded,
			ItemID:       item.ID,
			MutationType: item.Type,
			AssignmentID: item.AssignmentID,
			ActivityID:   item.ActivityID,
			Message:      err.Error(),
			Reason:       why,
		})
		return outcomeDiscarded, nil
	}

	return e.retry(opCtx, item, err, log)
}

// reason classifies a failed attempt.
func reason(err error) events.Reason {
	var le *localError
	switch {
	case errors.As(err, &le):
		return events.ReasonLocal
	case errors.Is(err, errMalformed):
		return events.ReasonMalformed
	case gateway.IsConflict(err):
		return events.ReasonConflict
	case gateway.IsForbidden(err):
		return events.ReasonForbidden
	case gateway.IsValidation(err):
		return events.ReasonRejected
	case gateway.IsNotFound(err):
		return events.ReasonNotFound
	case gateway.IsUnauthorized(err):
		return events.ReasonUnauthorized
	case gateway.StatusCode(err) == 0:
		return events.ReasonUnreachable
	default:
		return events.ReasonServer
	}
}

// terminate removes an item that will never succeed and records why.
func (e *Engine) terminate(ctx context.Context, item *schema.QueueItem, reason string, cause error) error {
	if err := e.store.DeleteQueueItem(ctx, item.ID); err != nil {
		return err
	}
	msg := fmt.Sprintf("%s %s (assignment %s): %v", reason, item.Type, item.AssignmentID, cause)
	return e.store.AppendErrorLog(ctx, e.userID, "sync_queue", msg)
}

func (e *Engine) retry(ctx context.Context, item *schema.QueueItem, cause error, log *logrus.Entry) (outcome, error) {
	t := e.Tuning()
	retries := item.Retries + 1
	now := e.now()

	if retries <= t.MaxRetries {
		delay := Backoff{
			Initial: t.InitialBackoff,
			Max:     t.MaxBackoff,
			Factor:  2,
			Jitter:  e.jitter,
		}.Delay(retries)
		if err := e.store.RequeueItem(ctx, item.ID, retries, now.Add(delay), cause.Error()); err != nil {
			return 0, err
		}
		log.WithError(cause).WithField("delay", delay.Round(time.Millisecond)).Warn("mutation failed, will retry")
		e.bus.Publish(events.Event{
			Type:         events.Retrying,
			ItemID:       item.ID,
			MutationType: item.Type,
			AssignmentID: item.AssignmentID,
			ActivityID:   item.ActivityID,
			Message:      cause.Error(),
			Reason:       reason(cause),
		})
		return outcomeRetrying, nil
	}

	var next time.Time
	if t.FailedCooldown > 0 {
		next = now.Add(t.FailedCooldown)
	}
	if err := e.store.FailItem(ctx, item.ID, retries, next, cause.Error()); err != nil {
		return 0, err
	}
	msg := fmt.Sprintf("%s (assignment %s) failed after %d attempts: %v", item.Type, item.AssignmentID, retries, cause)
	if err := e.store.AppendErrorLog(ctx, e.userID, "sync_queue", msg); err != nil {
		return 0, err
	}
	log.WithError(cause).Error("mutation retries exhausted")
	e.bus.Publish(events.Event{
		Type:         events.Exhausted,
		ItemID:       item.ID,
		MutationType: item.Type,
		AssignmentID: item.AssignmentID,
		ActivityID:   item.ActivityID,
		Message:      msg,
		Reason:       reason(cause),
	})
	return outcomeExhausted, nil
}
