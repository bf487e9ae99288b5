// Package reconcile merges server state into the local store.
//
// Delta sync pulls the records changed since a per-activity watermark and
// upserts them, skipping assignments that still have unsent local mutations.
// Full sync replaces an activity's local data with a fresh snapshot while
// keeping work that has not reached the server yet.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cerdas-survey/fieldsync/internal/events"
	"github.com/cerdas-survey/fieldsync/internal/gateway"
	"github.com/cerdas-survey/fieldsync/internal/schema"
	"github.com/cerdas-survey/fieldsync/internal/store"
)

// Gateway is the subset of the backend client used for pulling data.
type Gateway interface {
	Activities(ctx context.Context) ([]*schema.Activity, error)
	InitialData(ctx context.Context, activityID string) (*gateway.InitialData, error)
	Updates(ctx context.Context, activityID string, since time.Time) (*gateway.Delta, error)
}

// Config configures a Reconciler.
type Config struct {
	UserID string
	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Reconciler pulls server changes for one user.
type Reconciler struct {
	store  *store.Store
	gw     Gateway
	bus    *events.Bus
	userID string
	logger logrus.FieldLogger
	now    func() time.Time
}

// New creates a Reconciler. bus may be nil.
func New(st *store.Store, gw Gateway, bus *events.Bus, cfg Config) (*Reconciler, error) {
	if st == nil || gw == nil {
		return nil, fmt.Errorf("reconciler requires a store and a gateway")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("reconciler requires a user id")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		cfg.Logger = l.WithField("component", "reconcile")
	}
	if bus == nil {
		bus = events.NewBus(cfg.Logger)
	}
	return &Reconciler{
		store:  st,
		gw:     gw,
		bus:    bus,
		userID: cfg.UserID,
		logger: cfg.Logger,
		now:    cfg.Now,
	}, nil
}

// DeltaResult reports what a delta sync changed.
type DeltaResult struct {
	ActivityID  string    `json:"activity_id"`
	Since       time.Time `json:"since"`
	Watermark   time.Time `json:"watermark"`
	Assignments int       `json:"assignments"`
	Responses   int       `json:"responses"`
	Skipped     int       `json:"skipped"`
}

// FullResult reports what a full sync stored.
type FullResult struct {
	ActivityID  string `json:"activity_id"`
	Assignments int    `json:"assignments"`
	Responses   int    `json:"responses"`
	Preserved   int    `json:"preserved"`
	MasterData  int    `json:"master_data"`
	MasterSls   int    `json:"master_sls"`
}

// FetchActivities downloads the user's activities and stores them.
func (r *Reconciler) FetchActivities(ctx context.Context) ([]*schema.Activity, error) {
	activities, err := r.gw.Activities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch activities: %w", err)
	}

	now := r.now()
	for _, a := range activities {
		r.normalizeActivity(a, now)
	}

	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.PutActivities(ctx, activities)
	})
	if err != nil {
		return nil, err
	}
	r.logger.WithField("count", len(activities)).Info("activities fetched")
	return activities, nil
}

func (r *Reconciler) normalizeActivity(a *schema.Activity, now time.Time) {
	a.UserID = r.userID
	if a.Status == "" {
		a.Status = a.LifecycleStatus(now)
	}
}

// SyncDelta pulls changes since the activity's watermark.
func (r *Reconciler) SyncDelta(ctx context.Context, activityID string) (*DeltaResult, error) {
	since, err := r.store.GetWatermark(ctx, r.userID, activityID)
	if err != nil {
		return nil, err
	}
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}
	return r.SyncDeltaSince(ctx, activityID, since)
}

// SyncDeltaSince pulls changes since the given time. The watermark advances
// to the time the request was issued, and only if every write succeeded.
func (r *Reconciler) SyncDeltaSince(ctx context.Context, activityID string, since time.Time) (*DeltaResult, error) {
	start := r.now()
	delta, err := r.gw.Updates(ctx, activityID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch updates for %s: %w", activityID, err)
	}

	res := &DeltaResult{ActivityID: activityID, Since: since, Watermark: start}
	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		pending, err := tx.OutstandingAssignmentIDs(ctx, r.userID)
		if err != nil {
			return err
		}

		for _, a := range delta.Assignments {
			if pending[a.ID] {
				res.Skipped++
				continue
			}
			a.UserID = r.userID
			if a.ActivityID == "" {
				a.ActivityID = activityID
			}
			if err := tx.PutAssignment(ctx, a); err != nil {
				return err
			}
			res.Assignments++
		}
		for _, resp := range delta.Responses {
			if pending[resp.AssignmentID] {
				res.Skipped++
				continue
			}
			resp.UserID = r.userID
			if err := tx.PutResponse(ctx, resp); err != nil {
				return err
			}
			res.Responses++
		}
		return tx.SetWatermark(ctx, r.userID, activityID, start)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to merge updates for %s: %w", activityID, err)
	}

	r.logger.WithFields(logrus.Fields{
		"activity_id": activityID,
		"assignments": res.Assignments,
		"responses":   res.Responses,
		"skipped":     res.Skipped,
	}).Info("delta sync completed")
	r.bus.Publish(events.Event{
		Type:       events.SyncCompleted,
		ActivityID: activityID,
		Message:    fmt.Sprintf("delta: %d assignments, %d responses", res.Assignments, res.Responses),
	})
	return res, nil
}

// SyncAll refreshes the activity list and runs a delta sync for each
// activity. A failing activity does not stop the others; all errors are
// returned joined.
func (r *Reconciler) SyncAll(ctx context.Context) ([]*DeltaResult, error) {
	activities, err := r.FetchActivities(ctx)
	if err != nil {
		return nil, err
	}

	var results []*DeltaResult
	var errs []error
	for _, a := range activities {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := r.SyncDelta(ctx, a.ID)
		if err != nil {
			r.logger.WithField("activity_id", a.ID).WithError(err).Warn("delta sync failed")
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// SyncFull replaces the activity's local data with the server snapshot.
//
// Assignments that are still local (Submitted Local) or have queued
// mutations are kept as they are, together with their responses. The snapshot
// is downloaded before anything is deleted, so a network failure leaves the
// store untouched.
func (r *Reconciler) SyncFull(ctx context.Context, activityID string) (*FullResult, error) {
	start := r.now()
	data, err := r.gw.InitialData(ctx, activityID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch initial data for %s: %w", activityID, err)
	}

	res := &FullResult{ActivityID: activityID}
	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		pending, err := tx.OutstandingAssignmentIDs(ctx, r.userID)
		if err != nil {
			return err
		}

		// Snapshot local work before the wipe.
		local, err := tx.ListAssignments(ctx, store.AssignmentFilter{UserID: r.userID, ActivityID: activityID})
		if err != nil {
			return err
		}
		var keptAssignments []*schema.Assignment
		var keptResponses []*schema.AssignmentResponse
		kept := make(map[string]bool)
		for _, a := range local {
			if a.Status != schema.StatusSubmittedLocal && !pending[a.ID] {
				continue
			}
			kept[a.ID] = true
			keptAssignments = append(keptAssignments, a)
			resp, err := tx.GetResponse(ctx, r.userID, a.ID)
			if err == nil {
				keptResponses = append(keptResponses, resp)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		if _, err := tx.DeleteActivityAssignments(ctx, r.userID, activityID); err != nil {
			return err
		}
		if err := tx.DeleteActivityMasterData(ctx, r.userID, activityID); err != nil {
			return err
		}

		if data.Activity != nil {
			if data.Activity.ID == "" {
				data.Activity.ID = activityID
			}
			r.normalizeActivity(data.Activity, start)
			if err := tx.PutActivity(ctx, data.Activity); err != nil {
				return err
			}
		}
		if len(data.FormSchema) > 0 && string(data.FormSchema) != "null" {
			if err := tx.PutFormSchema(ctx, &schema.FormSchema{
				ActivityID: activityID,
				UserID:     r.userID,
				Schema:     data.FormSchema,
			}); err != nil {
				return err
			}
		}
		for _, m := range data.MasterData {
			m.ActivityID, m.UserID = activityID, r.userID
			if err := tx.PutMasterData(ctx, m); err != nil {
				return err
			}
			res.MasterData++
		}
		for _, m := range data.MasterSls {
			m.ActivityID, m.UserID = activityID, r.userID
			if err := tx.PutMasterSls(ctx, m); err != nil {
				return err
			}
			res.MasterSls++
		}

		for _, a := range data.Assignments {
			if kept[a.ID] {
				continue
			}
			a.UserID = r.userID
			if a.ActivityID == "" {
				a.ActivityID = activityID
			}
			if err := tx.PutAssignment(ctx, a); err != nil {
				return err
			}
			res.Assignments++
		}
		for _, resp := range data.Responses {
			if kept[resp.AssignmentID] {
				continue
			}
			resp.UserID = r.userID
			if err := tx.PutResponse(ctx, resp); err != nil {
				return err
			}
			res.Responses++
		}

		if err := tx.PutAssignments(ctx, keptAssignments); err != nil {
			return err
		}
		if err := tx.PutResponses(ctx, keptResponses); err != nil {
			return err
		}
		res.Preserved = len(keptAssignments)

		return tx.SetWatermark(ctx, r.userID, activityID, start)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store initial data for %s: %w", activityID, err)
	}

	r.logger.WithFields(logrus.Fields{
		"activity_id": activityID,
		"assignments": res.Assignments,
		"preserved":   res.Preserved,
	}).Info("full sync completed")
	r.bus.Publish(events.Event{
		Type:       events.SyncCompleted,
		ActivityID: activityID,
		Message:    fmt.Sprintf("full: %d assignments, %d preserved", res.Assignments, res.Preserved),
	})
	return res, nil
}
