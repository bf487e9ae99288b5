// Package gateway is the HTTP client for the survey backend.
//
// Every request carries the bearer token of the active session and a fixed
// client-side timeout. Non-2xx responses come back as *HTTPError so callers
// can tell conflicts (409) and authorization failures (403) apart from
// transient errors; see IsRetryable.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cerdas-survey/fieldsync/internal/schema"
)

// DefaultTimeout is the client-side timeout applied to every request.
const DefaultTimeout = 15 * time.Second

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 64 << 10

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. https://survey.example.org/api.
	BaseURL string

	// Timeout bounds each request. Default: 15s.
	Timeout time.Duration

	// Token is the initial bearer token.
	Token string

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	// Logger receives request diagnostics (default: stderr).
	Logger logrus.FieldLogger
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger logrus.FieldLogger

	mu    sync.RWMutex
	token string
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		logger = l.WithField("component", "gateway")
	}

	return &Client{
		base:   base,
		http:   httpClient,
		logger: logger,
		token:  cfg.Token,
	}, nil
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends a request and decodes a 2xx JSON body into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"method":  method,
		"path":    path,
		"status":  resp.StatusCode,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Debug("backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw),
			Body:       raw,
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}
	if err := json.Unmarshal(unwrapData(raw), out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, nil, body, contentType, out)
}

// unwrapData returns the value of a top-level "data" member when the body is
// an envelope, otherwise the body unchanged.
func unwrapData(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return raw
	}
	if data, ok := envelope["data"]; ok && len(data) > 0 && string(data) != "null" {
		return data
	}
	return raw
}

func errorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return ""
}

// ===== Authentication =====

// User is the account returned by login.
type User struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Email    string   `json:"email"`
	SatkerID string   `json:"satker_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// LoginResult carries the issued token and the user.
type LoginResult struct {
	Token string
	User  User
}

// Login exchanges credentials for a bearer token and installs it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		Token       string `json:"token"`
		User        User   `json:"user"`
	}
	in := map[string]string{"email": email, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/login", in, &resp); err != nil {
		return nil, err
	}

	token := resp.AccessToken
	if token == "" {
		token = resp.Token
	}
	if token == "" {
		return nil, fmt.Errorf("login response carried no token")
	}
	if resp.User.ID == "" {
		return nil, fmt.Errorf("login response carried no user id")
	}

	c.SetToken(token)
	return &LoginResult{Token: token, User: resp.User}, nil
}

// ===== Activities & Sync =====

// Activities lists the activities visible to the session user. The UserID of
// each activity is left empty for the caller to fill in.
func (c *Client) Activities(ctx context.Context) ([]*schema.Activity, error) {
	var activities []*schema.Activity
	if err := c.doJSON(ctx, http.MethodGet, "/activities", nil, &activities); err != nil {
		return nil, err
	}
	return activities, nil
}

// InitialData is the full snapshot of one activity.
type InitialData struct {
	Activity    *schema.Activity             `json:"activity"`
	Assignments []*schema.Assignment         `json:"assignments"`
	Responses   []*schema.AssignmentResponse `json:"assignmentResponses"`
	FormSchema  json.RawMessage              `json:"form_schema"`
	MasterData  []*schema.MasterData         `json:"master_data"`
	MasterSls   []*schema.MasterSls          `json:"master_sls"`
}

// InitialData downloads the full snapshot of an activity.
func (c *Client) InitialData(ctx context.Context, activityID string) (*InitialData, error) {
	var data InitialData
	path := "/activities/" + url.PathEscape(activityID) + "/initial-data"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Delta carries the records changed since a watermark.
type Delta struct {
	Assignments []*schema.Assignment         `json:"assignments"`
	Responses   []*schema.AssignmentResponse `json:"assignmentResponses"`
}

// Updates downloads changes to an activity since the given time.
func (c *Client) Updates(ctx context.Context, activityID string, since time.Time) (*Delta, error) {
	var delta Delta
	path := "/activities/" + url.PathEscape(activityID) + "/updates"
	query := url.Values{"since": {since.UTC().Format(time.RFC3339)}}
	if err := c.do(ctx, http.MethodGet, path, query, nil, "", &delta); err != nil {
		return nil, err
	}
	return &delta, nil
}

// ===== Mutations =====

// SubmitAssignments sends a batch of collector submissions. The backend
// rejects the whole batch with 409 if any version is stale.
func (c *Client) SubmitAssignments(ctx context.Context, activityID string, batch []schema.SubmittedResponse) error {
	path := "/activities/" + url.PathEscape(activityID) + "/assignments"
	return c.doJSON(ctx, http.MethodPost, path, batch, nil)
}

// UpdateStatus requests a supervisor status transition.
func (c *Client) UpdateStatus(ctx context.Context, assignmentID string, status schema.Status, notes string) error {
	in := struct {
		Status schema.Status `json:"status"`
		Notes  string        `json:"notes,omitempty"`
	}{status, notes}
	path := "/assignments/" + url.PathEscape(assignmentID) + "/status"
	return c.doJSON(ctx, http.MethodPost, path, in, nil)
}

// AllowedActions asks which supervisor actions the backend permits.
func (c *Client) AllowedActions(ctx context.Context, assignmentID string) ([]schema.Action, error) {
	var actions []schema.Action
	path := "/assignments/" + url.PathEscape(assignmentID) + "/allowed-actions"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

// PhotoUpload is the backend reference for an uploaded photo.
type PhotoUpload struct {
	FileID string `json:"fileId"`
	URL    string `json:"url"`
}

// UploadPhoto sends image data as multipart field "photo".
func (c *Client) UploadPhoto(ctx context.Context, assignmentID string, photo *schema.PhotoBlob) (*PhotoUpload, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := photo.Filename
	if filename == "" {
		filename = photo.ID + ".jpg"
	}
	contentType := photo.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photo"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := part.Write(photo.Data); err != nil {
		return nil, fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	var upload PhotoUpload
	path := "/assignments/" + url.PathEscape(assignmentID) + "/photos"
	if err := c.do(ctx, http.MethodPost, path, nil, &buf, mw.FormDataContentType(), &upload); err != nil {
		return nil, err
	}
	if upload.FileID == "" {
		return nil, fmt.Errorf("photo upload for %s returned no file id", assignmentID)
	}
	return &upload, nil
}

// CreateAssignmentRequest is the body of an offline-created assignment.
type CreateAssignmentRequest struct {
	Assignment *schema.Assignment         `json:"assignment"`
	Response   *schema.AssignmentResponse `json:"assignment_response"`
	PhotoID    string                     `json:"photo_id,omitempty"`
}

// CreateAssignment registers an assignment created on the device and returns
// the id the backend stored it under, which is the client id.
//
// The backend only accepts both records in status Assigned and marks the
// response Submitted by PPL itself, so the local statuses are not sent.
func (c *Client) CreateAssignment(ctx context.Context, activityID string, req *CreateAssignmentRequest) (string, error) {
	if req == nil || req.Assignment == nil || req.Response == nil {
		return "", fmt.Errorf("create request for activity %s needs an assignment and a response", activityID)
	}
	a := *req.Assignment
	a.Status = schema.StatusAssigned
	if a.ActivityID == "" {
		a.ActivityID = activityID
	}
	r := *req.Response
	r.Status = schema.StatusAssigned
	body := &CreateAssignmentRequest{Assignment: &a, Response: &r, PhotoID: req.PhotoID}

	var resp struct {
		AssignmentID string `json:"assignment_id"`
	}
	path := "/activities/" + url.PathEscape(activityID) + "/assignments/create"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	if resp.AssignmentID == "" {
		resp.AssignmentID = a.ID
	}
	return resp.AssignmentID, nil
}

// Ping checks that the backend answers at all. Any HTTP response counts as
// reachable; only transport failures are returned.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.endpoint("/", nil), nil)
	if err != nil {
		return fmt.Errorf("failed to build ping: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
