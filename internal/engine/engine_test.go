package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerdas-survey/fieldsync/internal/events"
	"github.com/cerdas-survey/fieldsync/internal/gateway"
	"github.com/cerdas-survey/fieldsync/internal/schema"
	"github.com/cerdas-survey/fieldsync/internal/store"
)

// fakeGateway is a scripted backend that enforces response versions the
// way the real one does.
type fakeGateway struct {
	mu sync.Mutex

	versions map[string]int
	calls    []string

	statusErr  error
	submitErr  error
	createErr  []error
	uploadErr  error
	uploads    int
	creates    int
	createReqs []*gateway.CreateAssignmentRequest
	createID   string

	block   chan struct{}
	entered chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{versions: make(map[string]int)}
}

func (f *fakeGateway) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeGateway) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGateway) SubmitAssignments(ctx context.Context, activityID string, batch []schema.SubmittedResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "submit:"+batch[0].AssignmentID)
	if f.submitErr != nil {
		return f.submitErr
	}
	for _, r := range batch {
		current := f.versions[r.AssignmentID]
		if current == 0 {
			current = 1
		}
		if r.Version != current {
			return &gateway.HTTPError{StatusCode: 409, Message: "Version mismatch for assignment " + r.AssignmentID}
		}
	}
	for _, r := range batch {
		f.versions[r.AssignmentID] = r.Version + 1
	}
	return nil
}

func (f *fakeGateway) UpdateStatus(ctx context.Context, assignmentID string, status schema.Status, notes string) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.record("status:" + assignmentID + ":" + string(status))
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusErr
}

func (f *fakeGateway) UploadPhoto(ctx context.Context, assignmentID string, photo *schema.PhotoBlob) (*gateway.PhotoUpload, error) {
	f.record("upload:" + assignmentID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads++
	return &gateway.PhotoUpload{FileID: fmt.Sprintf("file-%d", f.uploads)}, nil
}

func (f *fakeGateway) CreateAssignment(ctx context.Context, activityID string, req *gateway.CreateAssignmentRequest) (string, error) {
	f.record("create:" + req.Assignment.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createReqs = append(f.createReqs, req)
	if len(f.createErr) > 0 {
		err := f.createErr[0]
		f.createErr = f.createErr[1:]
		if err != nil {
			return "", err
		}
	}
	f.creates++
	if f.createID != "" {
		return f.createID, nil
	}
	return req.Assignment.ID, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	st     *store.Store
	gw     *fakeGateway
	eng    *Engine
	clock  *clock
	events *[]events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	clk := &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	bus := events.NewBus(logger)
	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	cfg := DefaultConfig("u1")
	cfg.Jitter = 0
	cfg.Logger = logger
	cfg.Now = clk.Now

	gw := newFakeGateway()
	eng, err := New(st, gw, bus, cfg)
	require.NoError(t, err)

	return &harness{st: st, gw: gw, eng: eng, clock: clk, events: &got}
}

func (h *harness) eventTypes() []events.Type {
	var types []events.Type
	for _, e := range *h.events {
		if e.Type != events.DrainCompleted {
			types = append(types, e.Type)
		}
	}
	return types
}

func (h *harness) seedSubmitted(t *testing.T, id string, version int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.st.PutAssignment(ctx, &schema.Assignment{
		ID: id, UserID: "u1", ActivityID: "k1", CollectorID: "u1",
		Label: "Rumah " + id, Status: schema.StatusSubmitted,
	}))
	require.NoError(t, h.st.PutResponse(ctx, &schema.AssignmentResponse{
		AssignmentID: id, UserID: "u1", Status: schema.StatusSubmitted,
		Version: version, FormVersionUsed: 1, Responses: schema.Answers{"q1": "ya"},
	}))
}

func submitPayload(id string, version int) *schema.SubmitPayload {
	return &schema.SubmitPayload{
		ActivityID: "k1",
		Response: schema.SubmittedResponse{
			AssignmentID: id,
			Status:       schema.StatusSubmitted,
			Responses:    schema.Answers{"q1": "ya"},
			Version:      version,
		},
	}
}

func queueLen(t *testing.T, st *store.Store) int {
	t.Helper()
	items, err := st.ListQueue(context.Background(), "u1")
	require.NoError(t, err)
	return len(items)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, newFakeGateway(), nil, DefaultConfig("u1"))
	assert.Error(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	defer st.Close()
	_, err = New(st, newFakeGateway(), nil, DefaultConfig(""))
	assert.Error(t, err)
}

func TestDrain_SubmitAppliesConfirmedVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubmitted(t, "a1", 1)

	_, err := h.eng.QueueForSync(ctx, schema.MutationSubmit, submitPayload("a1", 1))
	require.NoError(t, err)

	res, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, queueLen(t, h.st))

	resp, err := h.st.GetResponse(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Version)
	assert.Equal(t, schema.StatusSubmitted, resp.Status)
	require.NotNil(t, resp.SubmittedAt)
	assert.True(t, resp.SubmittedAt.Equal(h.clock.Now()))

	assert.Equal(t, []events.Type{events.MutationApplied}, h.eventTypes())
}

func TestDrain_FIFO(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("a%d", i)
		h.seedSubmitted(t, id, 1)
		_, err := h.eng.QueueForSync(ctx, schema.MutationApprove, &schema.StatusPayload{
			AssignmentID: id, Status: schema.StatusApprovedPML,
		})
		require.NoError(t, err)
		want = append(want, "status:"+id+":"+string(schema.StatusApprovedPML))
	}

	res, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Applied)
	assert.Equal(t, want, h.gw.Calls())

	for i := 0; i < 5; i++ {
		a, err := h.st.GetAssignment(ctx, "u1", fmt.Sprintf("a%d", i))
		require.NoError(t, err)
		assert.Equal(t, schema.StatusApprovedPML, a.Status)

		resp, err := h.st.GetResponse(ctx, "u1", a.ID)
		require.NoError(t, err)
		assert.NotNil(t, resp.ReviewedBySupervisorAt)
	}
}

func TestDrain_SingleFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedSubmitted(t, "a1", 1)
	_, err := h.eng.QueueForSync(ctx, schema.MutationApprove, &schema.StatusPayload{AssignmentID: "a1"})
	require.NoError(t, err)

	h.gw.block = make(chan struct{})
	h.gw.entered = make(chan struct{}, 1)

	done := make(chan *DrainResult)
	go func() {
		res, err := h.eng.Drain(ctx)
		assert.NoError(t, err)
		done <- res
	}()

	<-h.gw.entered

	second, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	close(h.gw.block)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Applied)
	assert.Len(t, h.gw.Calls(), 1)
}

// A collector submits A1 at version 1 while another device already moved the
// server to version 2: the item is dropped and local data is left as it was.
func TestDrain_ConflictLeavesLocalDataUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubmitted(t, "A1", 1)
	h.gw.versions["A1"] = 2

	before, err := h.st.GetResponse(ctx, "u1", "A1")
	require.NoError(t, err)

	_, err = h.eng.QueueForSync(ctx, schema.MutationSubmit, submitPayload("A1", 1))
	require.NoError(t, err)

	res, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 0, queueLen(t, h.st))

	after, err := h.st.GetResponse(ctx, "u1", "A1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Responses, after.Responses)
	assert.Nil(t, after.SubmittedAt)

	assert.Equal(t, []events.Type{events.Conflict}, h.eventTypes())

	logs, err := h.st.ListErrorLogs(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestDrain_StaleReplayConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubmitted(t, "a1", 1)

	_, err := h.eng.QueueForSync(ctx, schema.MutationSubmit, submitPayload("a1", 1))
	require.NoError(t, err)
	_, err = h.eng.QueueForSync(ctx, schema.MutationSubmit, submitPayload("a1", 1))
	require.NoError(t, err)

	res, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 2, h.gw.versions["a1"])

	resp, err := h.st.GetResponse(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Version)
}

func TestDrain_NonRetryableDiscarded(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		reason events.Reason
	}{
		{"forbidden", 403, events.ReasonForbidden},
		{"validation", 422, events.ReasonRejected},
		{"bad request", 400, events.ReasonRejected},
		{"gone", 404, events.ReasonNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.seedSubmitted(t, "a1", 1)
			h.gw.statusErr = &gateway.HTTPError{StatusCode: tt.code}

			_, err := h.eng.QueueForSync(ctx, schema.MutationReject, &schema.StatusPayload{AssignmentID: "a1", Notes: "x"})
			require.NoError(t, err)

			res, err := h.eng.Drain(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Discarded)
			assert.Equal(t, 0, queueLen(t, h.st))

			a, err := h.st.GetAssignment(ctx, "u1", "a1")
			require.NoError(t, err)
			assert.Equal(t, schema.StatusSubmitted, a.Status)
			assert.Equal(t, []events.Type{events.Discarded}, h.eventTypes())
			assert.Equal(t, tt.reason, (*h.events)[0].Reason)
		})
	}
}

func TestDrain_BackoffThenExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubmitted(t, "a1", 1)
	h.gw.statusErr = &gateway.HTTPError{StatusCode: 503}

	item, err := h.eng.QueueForSync(ctx, schema.MutationApprove, &schema.StatusPayload{AssignmentID: "a1"})
	require.NoError(t, err)

	wantDelays := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	for i, delay := range wantDelays {
		res, err := h.eng.Drain(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Retrying, "attempt %d", i+1)

		got, err := h.st.GetQueueItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.QueuePending, got.Status)
		assert.Equal(t, i+1, got.Retries)
		assert.True(t, got.NextAttemptAt.Equal(h.clock.Now().Add(delay)), "attempt %d next=%v", i+1, got.NextAttemptAt)

		// Not eligible before the backoff elapses.
		res, err = h.eng.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Attempted)

		h.clock.Advance(delay)
	}

	res, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exhausted)

	got, err := h.st.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.QueueFailed, got.Status)
	assert.Equal(t, 4, got.Retries)
	assert.True(t, got.NextAttemptAt.Equal(h.clock.Now().Add(15*time.Minute)))

	// One more attempt once the cooldown elapses.
	h.clock.Advance(15 * time.Minute)
	h.gw.statusErr = nil
	res, err = h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	assert.Equal(t, []events.Type{
		events.Retrying, events.Retrying, events.Retrying, events.Exhausted, events.MutationApplied,
	}, h.eventTypes())
	assert.Equal(t, events.ReasonServer, (*h.events)[0].Reason)
}

func TestDrain_ParkedUntilRetryFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubmitted(t, "a1", 1)
	h.gw.statusErr = &gateway.HTTPError{StatusCode: 500}

	tuning := h.eng.Tuning()
	tuning.MaxRetries = 0
	tuning.FailedCooldown = 0
	h.eng.SetTuning(tuning)

	_, err := h.eng.QueueForSync(ctx, schema.MutationApprove, &schema.StatusPayload{AssignmentID: "a1"})
	require.NoError(t, err)

	res, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exhausted)

	h.clock.Advance(24 * time.Hour)
	res, err = h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)

	n, err := h.eng.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	h.gw.statusErr = nil
	res, err = h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
}

type offline struct{}

func (offline) Online() bool { return false }

func TestDrain_OfflineSkipsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.eng.conn = offline{}

	item, err := h.eng.QueueForSync(ctx, schema.MutationApprove, &schema.StatusPayload{AssignmentID: "a1"})
	require.NoError(t, err)

	res, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Empty(t, h.gw.Calls())

	got, err := h.st.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.QueuePending, got.Status)
	assert.Equal(t, 0, got.Retries)
}

func TestDrain_UnknownTypeDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.st.Enqueue(ctx, &schema.QueueItem{
		UserID: "u1", Type: "teleportAssignment", Payload: json.RawMessage(`{}`),
	}))

	res, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)
	assert.Equal(t, 0, queueLen(t, h.st))
	assert.Empty(t, h.gw.Calls())
}

func TestDrain_CreateWithPhotoTwoPhase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assignment := schema.Assignment{
		ID: "local-1", UserID: "u1", ActivityID: "k1", CollectorID: "u1",
		Label: "Usaha baru", Status: schema.StatusSubmittedLocal,
	}
	response := schema.AssignmentResponse{
		AssignmentID: "local-1", UserID: "u1", Status: schema.StatusSubmittedLocal,
		Version: 1, FormVersionUsed: 1, Responses: schema.Answers{"nama": "Warung"},
	}
	require.NoError(t, h.st.PutAssignment(ctx, &assignment))
	require.NoError(t, h.st.PutResponse(ctx, &response))
	require.NoError(t, h.st.PutPhoto(ctx, &schema.PhotoBlob{ID: "p1", UserID: "u1", Data: []byte("jpeg")}))

	h.gw.createErr = []error{&gateway.HTTPError{StatusCode: 503}}

	item, err := h.eng.QueueForSync(ctx, schema.MutationCreateWithPhoto, &schema.CreatePayload{
		ActivityID: "k1", Assignment: assignment, Response: response, PhotoID: "p1",
	})
	require.NoError(t, err)

	// Phase 1 succeeds, phase 2 fails: file id persisted, blob kept.
	res, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)

	got, err := h.st.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	var p schema.CreatePayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, "file-1", p.FileID)

	_, err = h.st.GetPhoto(ctx, "u1", "p1")
	require.NoError(t, err, "photo must survive until the create succeeds")

	// Retry: no second upload, create carries the recorded file id.
	h.clock.Advance(time.Minute)
	res, err = h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	assert.Equal(t, []string{"upload:local-1", "create:local-1", "create:local-1"}, h.gw.Calls())
	require.Len(t, h.gw.createReqs, 2)
	assert.Equal(t, "file-1", h.gw.createReqs[1].PhotoID)

	_, err = h.st.GetPhoto(ctx, "u1", "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, queueLen(t, h.st))

	a, err := h.st.GetAssignment(ctx, "u1", "local-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSubmitted, a.Status)

	history, err := h.st.ListHistory(ctx, "u1", "local-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, schema.StatusSubmittedLocal, history[0].FromStatus)
	assert.Equal(t, schema.StatusSubmitted, history[0].ToStatus)

	assert.Equal(t, []events.Type{events.Retrying, events.AssignmentCreated}, h.eventTypes())
}

func TestDrain_CreateKeepsLocalID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assignment := schema.Assignment{
		ID: "local-2", UserID: "u1", ActivityID: "k1", CollectorID: "u1",
		Label: "Usaha baru", Status: schema.StatusSubmittedLocal,
	}
	response := schema.AssignmentResponse{
		AssignmentID: "local-2", UserID: "u1", Status: schema.StatusSubmittedLocal,
		Version: 1, FormVersionUsed: 1, Responses: schema.Answers{"nama": "Toko"},
	}
	require.NoError(t, h.st.PutAssignment(ctx, &assignment))
	require.NoError(t, h.st.PutResponse(ctx, &response))
	require.NoError(t, h.st.PutPhoto(ctx, &schema.PhotoBlob{ID: "p2", UserID: "u1", Data: []byte("jpeg")}))

	_, err := h.eng.QueueForSync(ctx, schema.MutationCreate, &schema.CreatePayload{
		ActivityID: "k1", Assignment: assignment, Response: response,
	})
	require.NoError(t, err)
	_, err = h.eng.QueueForSync(ctx, schema.MutationUploadPhoto, &schema.UploadPhotoPayload{
		AssignmentID: "local-2", PhotoID: "p2", QuestionID: "foto",
	})
	require.NoError(t, err)

	h.gw.createID = "server-9"
	res, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, []string{"create:local-2", "upload:local-2"}, h.gw.Calls())

	a, err := h.st.GetAssignment(ctx, "u1", "local-2")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSubmitted, a.Status)
	_, err = h.st.GetAssignment(ctx, "u1", "server-9")
	assert.ErrorIs(t, err, store.ErrNotFound)

	resp, err := h.st.GetResponse(ctx, "u1", "local-2")
	require.NoError(t, err)
	assert.Equal(t, "file-1", resp.Responses["foto"])
	assert.Equal(t, 0, queueLen(t, h.st))
}

func TestDrain_UploadPhotoSetsAnswer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubmitted(t, "a1", 1)
	require.NoError(t, h.st.PutPhoto(ctx, &schema.PhotoBlob{ID: "p9", UserID: "u1", Data: []byte("jpeg")}))

	_, err := h.eng.QueueForSync(ctx, schema.MutationUploadPhoto, &schema.UploadPhotoPayload{
		AssignmentID: "a1", PhotoID: "p9", QuestionID: "foto_depan",
	})
	require.NoError(t, err)

	res, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	resp, err := h.st.GetResponse(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "file-1", resp.Responses["foto_depan"])

	_, err = h.st.GetPhoto(ctx, "u1", "p9")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// A photo item whose question path cannot hold an answer is dropped after
// the upload; the items queued behind it still go out.
func TestDrain_UnplaceablePhotoDoesNotBlockQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubmitted(t, "a1", 1)
	require.NoError(t, h.st.PutPhoto(ctx, &schema.PhotoBlob{ID: "p9", UserID: "u1", Data: []byte("jpeg")}))

	_, err := h.eng.QueueForSync(ctx, schema.MutationUploadPhoto, &schema.UploadPhotoPayload{
		AssignmentID: "a1", PhotoID: "p9", QuestionID: "7",
	})
	require.NoError(t, err)
	_, err = h.eng.QueueForSync(ctx, schema.MutationApprove, &schema.StatusPayload{AssignmentID: "a1"})
	require.NoError(t, err)

	res, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, []string{"upload:a1", "status:a1:" + string(schema.StatusApprovedPML)}, h.gw.Calls())
	assert.Equal(t, 0, queueLen(t, h.st))
	assert.Equal(t, []events.Type{events.Discarded, events.MutationApplied}, h.eventTypes())
	assert.Equal(t, events.ReasonMalformed, (*h.events)[0].Reason)

	resp, err := h.st.GetResponse(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, schema.Answers{"q1": "ya"}, resp.Responses)
}

// secondEngine opens the harness database again, the way another process on
// the same device would, and drains it through the same backend.
func (h *harness) secondEngine(t *testing.T) (*store.Store, *Engine) {
	t.Helper()
	st, err := store.Open(h.st.Path())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := DefaultConfig("u1")
	cfg.Jitter = 0
	cfg.Logger = logger
	cfg.Now = h.clock.Now
	eng, err := New(st, h.gw, nil, cfg)
	require.NoError(t, err)
	return st, eng
}

func TestDrain_ClaimHeldElsewhereStopsPass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other, _ := h.secondEngine(t)

	for _, id := range []string{"a1", "a2"} {
		h.seedSubmitted(t, id, 1)
		_, err := h.eng.QueueForSync(ctx, schema.MutationApprove, &schema.StatusPayload{AssignmentID: id})
		require.NoError(t, err)
	}
	items, err := h.st.ListQueue(ctx, "u1")
	require.NoError(t, err)
	claimed, err := other.ClaimQueueItem(ctx, items[0].ID, h.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Busy)
	assert.Equal(t, 0, res.Attempted)
	assert.Empty(t, h.gw.Calls(), "a2 must not overtake a1")

	// The holder never finished: after the lease the item is released.
	h.clock.Advance(2*time.Minute + time.Second)
	res, err = h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, []string{
		"status:a1:" + string(schema.StatusApprovedPML),
		"status:a2:" + string(schema.StatusApprovedPML),
	}, h.gw.Calls())
}

func TestDrain_ConcurrentProcessesKeepFIFO(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, other := h.secondEngine(t)

	var want []string
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("a%d", i)
		h.seedSubmitted(t, id, 1)
		_, err := h.eng.QueueForSync(ctx, schema.MutationApprove, &schema.StatusPayload{AssignmentID: id})
		require.NoError(t, err)
		want = append(want, "status:"+id+":"+string(schema.StatusApprovedPML))
	}

	var wg sync.WaitGroup
	for _, eng := range []*Engine{h.eng, other} {
		wg.Add(1)
		go func(eng *Engine) {
			defer wg.Done()
			_, err := eng.Drain(ctx)
			assert.NoError(t, err)
		}(eng)
	}
	wg.Wait()

	// Whatever the losing pass left behind goes out on the next one.
	_, err := h.eng.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, want, h.gw.Calls())
	assert.Equal(t, 0, queueLen(t, h.st))
}

func TestDrain_RevertApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubmitted(t, "a1", 1)
	require.NoError(t, h.st.SetAssignmentStatus(ctx, "u1", "a1", schema.StatusApprovedPML))

	_, err := h.eng.QueueForSync(ctx, schema.MutationRevertApproval, &schema.StatusPayload{AssignmentID: "a1"})
	require.NoError(t, err)

	_, err = h.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"status:a1:" + string(schema.StatusSubmitted)}, h.gw.Calls())

	a, err := h.st.GetAssignment(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSubmitted, a.Status)
}

func TestRun_DrainsOnTrigger(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.seedSubmitted(t, "a1", 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, h.eng.Run(ctx))
	}()

	_, err := h.eng.QueueForSync(ctx, schema.MutationApprove, &schema.StatusPayload{AssignmentID: "a1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return queueLen(t, h.st) == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: 5 * time.Second, Max: 10 * time.Minute, Factor: 2}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{8, 10 * time.Minute},
		{200, 10 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.n), "n=%d", tt.n)
	}

	b.Jitter = 0.1
	for i := 0; i < 100; i++ {
		d := b.Delay(2)
		assert.GreaterOrEqual(t, d, 9*time.Second)
		assert.LessOrEqual(t, d, 11*time.Second)
	}
}
