package loadtest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cerdas-survey/fieldsync/internal/gateway"
	"github.com/cerdas-survey/fieldsync/internal/schema"
)

// Loopback is an in-process backend that accepts every mutation and counts
// accepted submissions per assignment.
type Loopback struct {
	latency   time.Duration
	failEvery int

	mu        sync.Mutex
	calls     int
	submitted map[string]int
}

// NewLoopback creates a backend that answers after latency and fails every
// failEvery-th submit call with 503 Service Unavailable.
func NewLoopback(latency time.Duration, failEvery int) *Loopback {
	return &Loopback{
		latency:   latency,
		failEvery: failEvery,
		submitted: make(map[string]int),
	}
}

func (l *Loopback) wait(ctx context.Context) error {
	if l.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(l.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Loopback) SubmitAssignments(ctx context.Context, activityID string, batch []schema.SubmittedResponse) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failEvery > 0 && l.calls%l.failEvery == 0 {
		return &gateway.HTTPError{
			Method:     http.MethodPost,
			Path:       "/assignments/submit",
			StatusCode: http.StatusServiceUnavailable,
		}
	}
	for _, r := range batch {
		l.submitted[r.AssignmentID]++
	}
	return nil
}

func (l *Loopback) UpdateStatus(ctx context.Context, assignmentID string, status schema.Status, notes string) error {
	return l.wait(ctx)
}

func (l *Loopback) UploadPhoto(ctx context.Context, assignmentID string, photo *schema.PhotoBlob) (*gateway.PhotoUpload, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return &gateway.PhotoUpload{FileID: uuid.NewString()}, nil
}

func (l *Loopback) CreateAssignment(ctx context.Context, activityID string, req *gateway.CreateAssignmentRequest) (string, error) {
	if err := l.wait(ctx); err != nil {
		return "", err
	}
	return req.Assignment.ID, nil
}

// Count returns how many times an assignment was accepted.
func (l *Loopback) Count(assignmentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitted[assignmentID]
}

// Accepted returns the number of accepted submissions.
func (l *Loopback) Accepted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.submitted {
		n += c
	}
	return n
}
