package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// MutationType tags a queued mutation and selects its handler.
type MutationType string

const (
	MutationSubmit          MutationType = "submitAssignment"
	MutationApprove         MutationType = "approveAssignment"
	MutationReject          MutationType = "rejectAssignment"
	MutationRevertApproval  MutationType = "revertApproval"
	MutationCreate          MutationType = "createAssignment"
	MutationCreateWithPhoto MutationType = "createAssignmentWithPhoto"
	MutationUploadPhoto     MutationType = "uploadPhoto"
)

// QueueStatus is the processing state of a queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueFailed     QueueStatus = "failed"
)

// QueueItem is a durable record of a mutation waiting for the backend.
type QueueItem struct {
	ID            int64           `json:"id"`
	UserID        string          `json:"user_id"`
	Type          MutationType    `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Status        QueueStatus     `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
	Retries       int             `json:"retries"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	AssignmentID  string          `json:"assignment_id,omitempty"`
	ActivityID    string          `json:"activity_id,omitempty"`
}

// SubmittedResponse is the wire form of one batch-submit entry.
type SubmittedResponse struct {
	AssignmentID string  `json:"assignment_id"`
	Status       Status  `json:"status"`
	Responses    Answers `json:"responses"`
	Version      int     `json:"version"`
}

// SubmitPayload is queued by a collector submission.
type SubmitPayload struct {
	ActivityID string            `json:"activity_id"`
	Response   SubmittedResponse `json:"assignment_response"`
}

// StatusPayload is queued by approve, reject and revert actions.
type StatusPayload struct {
	AssignmentID string `json:"assignment_id"`
	Status       Status `json:"status"`
	Notes        string `json:"notes,omitempty"`
}

// CreatePayload is queued for an assignment created offline. FileID is filled
// in once the photo has been uploaded so a retry skips the upload.
type CreatePayload struct {
	ActivityID string             `json:"activity_id"`
	Assignment Assignment         `json:"assignment"`
	Response   AssignmentResponse `json:"assignment_response"`
	PhotoID    string             `json:"photo_id,omitempty"`
	FileID     string             `json:"file_id,omitempty"`
}

// UploadPhotoPayload is queued for a photo answer on an existing assignment.
type UploadPhotoPayload struct {
	AssignmentID string `json:"assignment_id"`
	PhotoID      string `json:"photo_id"`
	QuestionID   string `json:"question_id"`
}

// NewQueueItem builds a pending queue item for payload, deriving the
// assignment and activity references used for indexing.
func NewQueueItem(userID string, typ MutationType, payload any) (*QueueItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	item := &QueueItem{
		UserID:  userID,
		Type:    typ,
		Payload: raw,
		Status:  QueuePending,
	}
	switch p := payload.(type) {
	case *SubmitPayload:
		item.AssignmentID, item.ActivityID = p.Response.AssignmentID, p.ActivityID
	case *StatusPayload:
		item.AssignmentID = p.AssignmentID
	case *CreatePayload:
		item.AssignmentID, item.ActivityID = p.Assignment.ID, p.ActivityID
	case *UploadPhotoPayload:
		item.AssignmentID = p.AssignmentID
	}
	return item, nil
}
