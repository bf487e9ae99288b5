package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sebdah/goldie/v2"
	"github.com/sirupsen/logrus"

	"github.com/cerdas-survey/fieldsync/internal/schema"
)

// fakeBackend records request bodies and serves canned responses.
type fakeBackend struct {
	mu      sync.Mutex
	bodies  map[string][]byte
	auth    map[string]string
	queries map[string]string
}

func (f *fakeBackend) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bodies == nil {
		f.bodies = make(map[string][]byte)
		f.auth = make(map[string]string)
		f.queries = make(map[string]string)
	}
	key := r.Method + " " + r.URL.Path
	f.bodies[key] = body
	f.auth[key] = r.Header.Get("Authorization")
	f.queries[key] = r.URL.RawQuery
}

func (f *fakeBackend) authHeader(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth[key]
}

func (f *fakeBackend) query(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[key]
}

func (f *fakeBackend) body(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[key]
}

func writeJSON(w http.ResponseWriter, code int, v string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, v)
}

func newTestClient(t *testing.T) (*Client, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{}

	r := chi.NewRouter()
	r.Head("/api/", func(w http.ResponseWriter, r *http.Request) {})
	r.Post("/api/login", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		writeJSON(w, 200, `{"access_token":"tok-1","user":{"id":"u1","name":"Budi","email":"budi@example.org"}}`)
	})
	r.Get("/api/activities", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		writeJSON(w, 200, `{"data":[{"id":"k1","name":"Sensus","year":2024,"user_role":"PPL"}]}`)
	})
	r.Get("/api/activities/{id}/initial-data", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"data":{
			"activity":{"id":"k1","name":"Sensus","year":2024,"user_role":"PPL"},
			"assignments":[{"id":"a1","kegiatan_statistik_id":"k1","ppl_id":"u1","assignment_label":"Rumah 1"}],
			"assignmentResponses":[{"assignment_id":"a1","status":"Opened","version":2,"form_version_used":1,"responses":"{\"q1\":\"x\"}"}],
			"form_schema":{"form_version":3,"pages":[]},
			"master_data":[{"type":"kbli","version":1,"data":{"a":1}}],
			"master_sls":[{"sls_id":"s1","nama":"RT 01"}]
		}}`)
	})
	r.Get("/api/activities/{id}/updates", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		writeJSON(w, 200, `{"assignments":[{"id":"a2","activity_id":"k1","ppl_id":"u1","assignment_label":"Rumah 2","status":"Approved by PML"}],"assignmentResponses":[]}`)
	})
	r.Post("/api/activities/{id}/assignments", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		if chi.URLParam(r, "id") == "stale" {
			writeJSON(w, 409, `{"message":"Version mismatch for assignment a1"}`)
			return
		}
		writeJSON(w, 200, `{"message":"ok"}`)
	})
	r.Post("/api/assignments/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		if chi.URLParam(r, "id") == "foreign" {
			writeJSON(w, 403, `{"message":"Unauthorized"}`)
			return
		}
		writeJSON(w, 200, `{"message":"ok"}`)
	})
	r.Get("/api/assignments/{id}/allowed-actions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `["APPROVE","REJECT"]`)
	})
	r.Post("/api/assignments/{id}/photos", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("photo")
		if err != nil {
			writeJSON(w, 422, `{"message":"photo is required"}`)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "jpegdata" || header.Filename != "p1.jpg" {
			writeJSON(w, 422, `{"message":"bad photo"}`)
			return
		}
		writeJSON(w, 200, `{"success":true,"fileId":"f-123","url":"https://cdn.example.org/f-123"}`)
	})
	r.Post("/api/activities/{id}/assignments/create", func(w http.ResponseWriter, r *http.Request) {
		fb.record(r)
		var req struct {
			Assignment map[string]any `json:"assignment"`
			Response   map[string]any `json:"assignment_response"`
		}
		if err := json.Unmarshal(fb.body(r.Method+" "+r.URL.Path), &req); err != nil {
			writeJSON(w, 422, `{"message":"malformed body"}`)
			return
		}
		for _, field := range []string{"id", "kegiatan_statistik_id", "satker_id", "ppl_id", "assignment_label", "level_4_code_full"} {
			if v, _ := req.Assignment[field].(string); v == "" {
				writeJSON(w, 422, fmt.Sprintf(`{"assignment.%s":["The field is required."]}`, field))
				return
			}
		}
		if req.Assignment["status"] != "Assigned" || req.Response["status"] != "Assigned" {
			writeJSON(w, 422, `{"assignment.status":["The selected status is invalid."]}`)
			return
		}
		writeJSON(w, 201, fmt.Sprintf(`{"message":"Assignment created successfully","assignment_id":%q}`, req.Assignment["id"]))
	})
	r.Get("/api/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c, err := New(Config{
		BaseURL: srv.URL + "/api",
		Timeout: 2 * time.Second,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c, fb
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"valid", "https://example.org/api", false},
		{"empty", "", true},
		{"no scheme", "example.org/api", true},
		{"ftp", "ftp://example.org", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{BaseURL: tt.baseURL})
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogin_InstallsToken(t *testing.T) {
	c, fb := newTestClient(t)
	ctx := context.Background()

	res, err := c.Login(ctx, "budi@example.org", "secret")
	if err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if res.Token != "tok-1" || res.User.ID != "u1" {
		t.Errorf("Login() = %+v", res)
	}
	if c.Token() != "tok-1" {
		t.Errorf("Token() = %q, want tok-1", c.Token())
	}

	if _, err := c.Activities(ctx); err != nil {
		t.Fatalf("Activities() failed: %v", err)
	}
	if got := fb.authHeader("GET /api/activities"); got != "Bearer tok-1" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestActivities_Envelope(t *testing.T) {
	c, _ := newTestClient(t)
	activities, err := c.Activities(context.Background())
	if err != nil {
		t.Fatalf("Activities() failed: %v", err)
	}
	if len(activities) != 1 || activities[0].ID != "k1" || activities[0].UserRole != schema.RoleCollector {
		t.Errorf("Activities() = %+v", activities)
	}
}

func TestInitialData(t *testing.T) {
	c, _ := newTestClient(t)
	data, err := c.InitialData(context.Background(), "k1")
	if err != nil {
		t.Fatalf("InitialData() failed: %v", err)
	}
	if data.Activity == nil || data.Activity.ID != "k1" {
		t.Errorf("Activity = %+v", data.Activity)
	}
	if len(data.Assignments) != 1 || data.Assignments[0].ActivityID != "k1" {
		t.Errorf("Assignments = %+v", data.Assignments)
	}
	if len(data.Responses) != 1 || data.Responses[0].Responses["q1"] != "x" {
		t.Errorf("Responses = %+v", data.Responses)
	}
	fs := &schema.FormSchema{Schema: data.FormSchema}
	if fs.Version() != 3 {
		t.Errorf("form version = %d, want 3", fs.Version())
	}
	if len(data.MasterData) != 1 || data.MasterData[0].Type != "kbli" {
		t.Errorf("MasterData = %+v", data.MasterData)
	}
	if len(data.MasterSls) != 1 || data.MasterSls[0].Name != "RT 01" {
		t.Errorf("MasterSls = %+v", data.MasterSls)
	}
}

func TestUpdates_SinceParameter(t *testing.T) {
	c, fb := newTestClient(t)
	since := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

	delta, err := c.Updates(context.Background(), "k1", since)
	if err != nil {
		t.Fatalf("Updates() failed: %v", err)
	}
	if len(delta.Assignments) != 1 || delta.Assignments[0].Status != schema.StatusApprovedPML {
		t.Errorf("delta = %+v", delta)
	}
	if got := fb.query("GET /api/activities/k1/updates"); got != "since=2024-05-01T08%3A30%3A00Z" {
		t.Errorf("query = %q", got)
	}
}

func TestSubmitAssignments_WirePayload(t *testing.T) {
	c, fb := newTestClient(t)
	batch := []schema.SubmittedResponse{{
		AssignmentID: "a1",
		Status:       schema.StatusSubmitted,
		Responses:    schema.Answers{"q1": "yes", "q2": 3},
		Version:      2,
	}}

	if err := c.SubmitAssignments(context.Background(), "k1", batch); err != nil {
		t.Fatalf("SubmitAssignments() failed: %v", err)
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "submit_batch", fb.body("POST /api/activities/k1/assignments"))
}

func TestSubmitAssignments_Conflict(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.SubmitAssignments(context.Background(), "stale", []schema.SubmittedResponse{{AssignmentID: "a1", Version: 1}})
	if !IsConflict(err) {
		t.Fatalf("SubmitAssignments() error = %v, want conflict", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error is not *HTTPError: %T", err)
	}
	if !strings.Contains(httpErr.Message, "Version mismatch") {
		t.Errorf("Message = %q", httpErr.Message)
	}
	if IsRetryable(err) {
		t.Error("conflict must not be retryable")
	}
}

func TestUpdateStatus(t *testing.T) {
	c, fb := newTestClient(t)
	ctx := context.Background()

	if err := c.UpdateStatus(ctx, "a1", schema.StatusRejectedPML, "foto buram"); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal(fb.body("POST /api/assignments/a1/status"), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["status"] != "Rejected by PML" || body["notes"] != "foto buram" {
		t.Errorf("body = %v", body)
	}

	err := c.UpdateStatus(ctx, "foreign", schema.StatusApprovedPML, "")
	if !IsForbidden(err) {
		t.Errorf("UpdateStatus() error = %v, want forbidden", err)
	}
}

func TestAllowedActions(t *testing.T) {
	c, _ := newTestClient(t)
	actions, err := c.AllowedActions(context.Background(), "a1")
	if err != nil {
		t.Fatalf("AllowedActions() failed: %v", err)
	}
	if len(actions) != 2 || actions[0] != schema.ActionApprove || actions[1] != schema.ActionReject {
		t.Errorf("AllowedActions() = %v", actions)
	}
}

func TestUploadPhoto(t *testing.T) {
	c, _ := newTestClient(t)
	up, err := c.UploadPhoto(context.Background(), "a1", &schema.PhotoBlob{
		ID:   "p1",
		Data: []byte("jpegdata"),
	})
	if err != nil {
		t.Fatalf("UploadPhoto() failed: %v", err)
	}
	if up.FileID != "f-123" || up.URL == "" {
		t.Errorf("UploadPhoto() = %+v", up)
	}
}

func newAssignmentRequest() *CreateAssignmentRequest {
	return &CreateAssignmentRequest{
		Assignment: &schema.Assignment{
			ID: "local-1", ActivityID: "k1", SatkerID: "satker-1", CollectorID: "u1",
			Label: "Warung", Level4CodeFull: "7301010", Status: schema.StatusSubmittedLocal,
		},
		Response: &schema.AssignmentResponse{
			AssignmentID: "local-1", UserID: "u1", Status: schema.StatusSubmittedLocal,
			Version: 1, FormVersionUsed: 1, Responses: schema.Answers{"nama": "Warung"},
		},
		PhotoID: "f-123",
	}
}

func TestCreateAssignment(t *testing.T) {
	c, fb := newTestClient(t)
	req := newAssignmentRequest()
	id, err := c.CreateAssignment(context.Background(), "k1", req)
	if err != nil {
		t.Fatalf("CreateAssignment() failed: %v", err)
	}
	if id != "local-1" {
		t.Errorf("CreateAssignment() = %q, want the client id", id)
	}
	if req.Assignment.Status != schema.StatusSubmittedLocal {
		t.Errorf("CreateAssignment() changed the caller's assignment status to %q", req.Assignment.Status)
	}

	var body struct {
		Assignment map[string]any `json:"assignment"`
		Response   map[string]any `json:"assignment_response"`
		PhotoID    string         `json:"photo_id"`
	}
	if err := json.Unmarshal(fb.body("POST /api/activities/k1/assignments/create"), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	want := map[string]any{
		"status":                "Assigned",
		"kegiatan_statistik_id": "k1",
		"satker_id":             "satker-1",
		"level_4_code_full":     "7301010",
		"ppl_id":                "u1",
	}
	for k, v := range want {
		if body.Assignment[k] != v {
			t.Errorf("assignment.%s = %v, want %v", k, body.Assignment[k], v)
		}
	}
	if body.Response["status"] != "Assigned" || body.Response["user_id"] != "u1" {
		t.Errorf("assignment_response = %v", body.Response)
	}
	if body.PhotoID != "f-123" {
		t.Errorf("photo_id = %q", body.PhotoID)
	}
}

func TestCreateAssignment_Rejected(t *testing.T) {
	c, _ := newTestClient(t)

	req := newAssignmentRequest()
	req.Assignment.SatkerID = ""
	_, err := c.CreateAssignment(context.Background(), "k1", req)
	if !IsValidation(err) {
		t.Errorf("CreateAssignment() without office error = %v, want validation", err)
	}

	if _, err := c.CreateAssignment(context.Background(), "k1", &CreateAssignmentRequest{}); err == nil {
		t.Error("CreateAssignment() accepted an empty request")
	}
}

func TestPing(t *testing.T) {
	c, _ := newTestClient(t)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() failed: %v", err)
	}

	down, err := New(Config{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := down.Ping(context.Background()); err == nil {
		t.Error("Ping() against closed port should fail")
	}
}

func TestTimeoutIsRetryable(t *testing.T) {
	c, _ := newTestClient(t)
	c.http.Timeout = 50 * time.Millisecond

	err := c.do(context.Background(), http.MethodGet, "/slow", nil, nil, "", &struct{}{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsRetryable(err) {
		t.Errorf("IsRetryable(%v) = false, want true", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", errors.New("connection refused"), true},
		{"canceled", context.Canceled, true},
		{"401", &HTTPError{StatusCode: 401}, true},
		{"408", &HTTPError{StatusCode: 408}, true},
		{"429", &HTTPError{StatusCode: 429}, true},
		{"500", &HTTPError{StatusCode: 500}, true},
		{"503", &HTTPError{StatusCode: 503}, true},
		{"400", &HTTPError{StatusCode: 400}, false},
		{"403", &HTTPError{StatusCode: 403}, false},
		{"404", &HTTPError{StatusCode: 404}, false},
		{"409", &HTTPError{StatusCode: 409}, false},
		{"422", &HTTPError{StatusCode: 422}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnwrapData(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"data":{"a":1}}`, `{"a":1}`},
		{`{"data":null,"x":1}`, `{"data":null,"x":1}`},
		{`[1,2]`, `[1,2]`},
		{`{"assignments":[]}`, `{"assignments":[]}`},
	}
	for _, tt := range tests {
		if got := string(unwrapData([]byte(tt.in))); got != tt.want {
			t.Errorf("unwrapData(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
