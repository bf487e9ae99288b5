// Package views holds in-memory read models that stay current by listening
// to the event bus instead of being called by the engine.
package views

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cerdas-survey/fieldsync/internal/events"
	"github.com/cerdas-survey/fieldsync/internal/schema"
	"github.com/cerdas-survey/fieldsync/internal/store"
)

// Dashboard is the assignment list of one activity.
type Dashboard struct {
	store      *store.Store
	userID     string
	activityID string

	mu          sync.RWMutex
	assignments map[string]*schema.Assignment
	loadedAt    time.Time

	unsubscribe func()
}

// NewDashboard creates a dashboard and subscribes it to bus. Call Load to
// fill it and Close to detach it.
func NewDashboard(st *store.Store, bus *events.Bus, userID, activityID string) *Dashboard {
	d := &Dashboard{
		store:       st,
		userID:      userID,
		activityID:  activityID,
		assignments: make(map[string]*schema.Assignment),
	}
	if bus != nil {
		d.unsubscribe = bus.Subscribe(d.handle)
	}
	return d
}

// Close stops listening for events.
func (d *Dashboard) Close() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
}

// Load replaces the in-memory list with the store's contents.
func (d *Dashboard) Load(ctx context.Context) error {
	list, err := d.store.ListAssignments(ctx, store.AssignmentFilter{
		UserID:     d.userID,
		ActivityID: d.activityID,
	})
	if err != nil {
		return err
	}

	m := make(map[string]*schema.Assignment, len(list))
	for _, a := range list {
		m[a.ID] = a
	}

	d.mu.Lock()
	d.assignments = m
	d.loadedAt = time.Now()
	d.mu.Unlock()
	return nil
}

func (d *Dashboard) handle(e events.Event) {
	switch e.Type {
	case events.SyncCompleted:
		if e.ActivityID == d.activityID {
			_ = d.Load(context.Background())
		}
	case events.MutationApplied, events.AssignmentCreated:
		if e.Assignment == nil || e.Assignment.ActivityID != d.activityID {
			return
		}
		a := *e.Assignment
		d.mu.Lock()
		d.assignments[a.ID] = &a
		d.mu.Unlock()
	}
}

// LoadedAt returns when the list was last read from the store.
func (d *Dashboard) LoadedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loadedAt
}

// Upsert places an assignment in the list, e.g. after a local action.
func (d *Dashboard) Upsert(a *schema.Assignment) {
	if a == nil || a.ActivityID != d.activityID {
		return
	}
	c := *a
	d.mu.Lock()
	d.assignments[c.ID] = &c
	d.mu.Unlock()
}

// Assignments returns the list ordered by label, then id.
func (d *Dashboard) Assignments() []*schema.Assignment {
	d.mu.RLock()
	list := make([]*schema.Assignment, 0, len(d.assignments))
	for _, a := range d.assignments {
		list = append(list, a)
	}
	d.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Label != list[j].Label {
			return list[i].Label < list[j].Label
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// StatusSummary counts assignments per status. A missing status counts as
// Assigned.
func (d *Dashboard) StatusSummary() map[schema.Status]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	summary := make(map[schema.Status]int)
	for _, a := range d.assignments {
		summary[a.Status.OrAssigned()]++
	}
	return summary
}

// Group is a set of assignments sharing a region.
type Group struct {
	Label       string               `json:"label"`
	Code        string               `json:"code"`
	Assignments []*schema.Assignment `json:"assignments"`
}

// Grouped groups assignments by their smallest region (level 6, or level 4
// when the activity stops there), ordered by label.
func (d *Dashboard) Grouped() []Group {
	index := make(map[string]int)
	var groups []Group
	for _, a := range d.Assignments() {
		label, code := a.GroupKey()
		key := label + "\x00" + code
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Label: label, Code: code})
		}
		groups[i].Assignments = append(groups[i].Assignments, a)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Label < groups[j].Label
	})
	return groups
}

// QueueSummary describes the outstanding work of the user.
type QueueSummary struct {
	Pending     int                 `json:"pending"`
	Processing  int                 `json:"processing"`
	Failed      int                 `json:"failed"`
	Photos      int                 `json:"photos"`
	PhotoBytes  int64               `json:"photo_bytes"`
	Oldest      time.Time           `json:"oldest,omitempty"`
	FailedItems []*schema.QueueItem `json:"failed_items,omitempty"`
}

// Total returns the number of queue items of any status.
func (q *QueueSummary) Total() int {
	return q.Pending + q.Processing + q.Failed
}

// QueueSummary reads the queue state from the store.
func (d *Dashboard) QueueSummary(ctx context.Context) (*QueueSummary, error) {
	return LoadQueueSummary(ctx, d.store, d.userID)
}

// LoadQueueSummary reads the queue state of a user.
func LoadQueueSummary(ctx context.Context, st *store.Store, userID string) (*QueueSummary, error) {
	items, err := st.ListQueue(ctx, userID)
	if err != nil {
		return nil, err
	}
	s := &QueueSummary{}
	for _, item := range items {
		switch item.Status {
		case schema.QueuePending:
			s.Pending++
		case schema.QueueProcessing:
			s.Processing++
		case schema.QueueFailed:
			s.Failed++
			s.FailedItems = append(s.FailedItems, item)
		}
		if s.Oldest.IsZero() || item.EnqueuedAt.Before(s.Oldest) {
			s.Oldest = item.EnqueuedAt
		}
	}
	s.Photos, s.PhotoBytes, err = st.PhotoStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ActivityRow is one line of the activity overview.
type ActivityRow struct {
	Activity *schema.Activity      `json:"activity"`
	Total    int                   `json:"total"`
	Summary  map[schema.Status]int `json:"summary"`
}

// Activities lists the user's activities with per-status assignment counts.
// The lifecycle status is derived from the dates when the server sent none.
func Activities(ctx context.Context, st *store.Store, userID string, now time.Time) ([]ActivityRow, error) {
	activities, err := st.ListActivities(ctx, userID)
	if err != nil {
		return nil, err
	}
	rows := make([]ActivityRow, 0, len(activities))
	for _, a := range activities {
		a.Status = a.LifecycleStatus(now)
		list, err := st.ListAssignments(ctx, store.AssignmentFilter{UserID: userID, ActivityID: a.ID})
		if err != nil {
			return nil, err
		}
		row := ActivityRow{Activity: a, Total: len(list), Summary: make(map[schema.Status]int)}
		for _, asg := range list {
			row.Summary[asg.Status.OrAssigned()]++
		}
		rows = append(rows, row)
	}
	return rows, nil
}
