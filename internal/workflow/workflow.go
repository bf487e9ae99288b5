// Package workflow implements the form actions a user takes on an assignment:
// opening it, answering, submitting, and the supervisor review actions.
//
// Every action validates locally, writes what must be visible offline and
// enqueues the mutation in one store transaction, then nudges the engine.
// Collector submissions show up locally at once; supervisor actions only
// change local status after the server confirms them.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cerdas-survey/fieldsync/internal/schema"
	"github.com/cerdas-survey/fieldsync/internal/store"
	"github.com/cerdas-survey/fieldsync/internal/views"
)

var (
	// ErrValidation is returned for input rejected before anything is queued.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden is returned when the user's role does not allow the action.
	ErrForbidden = errors.New("action not allowed for this user")

	// ErrNoResponse is returned when a supervisor opens an assignment the
	// collector has not started.
	ErrNoResponse = errors.New("assignment has no response yet")
)

// IncompleteError is returned by Submit when the answers fail the form's
// error-level rules. It wraps ErrValidation.
type IncompleteError struct {
	AssignmentID string
	Summary      *views.ValidationSummary
}

func (e *IncompleteError) Error() string {
	first := e.Summary.Errors[0]
	return fmt.Sprintf("%v: assignment %s has %d errors, first %s: %s",
		ErrValidation, e.AssignmentID, e.Summary.ErrorCount, first.QuestionID, first.Message)
}

func (e *IncompleteError) Unwrap() error { return ErrValidation }

// Trigger asks the sync engine to drain soon.
type Trigger interface {
	Trigger()
}

// ActionsGateway asks the backend which review actions are allowed.
type ActionsGateway interface {
	AllowedActions(ctx context.Context, assignmentID string) ([]schema.Action, error)
}

// Config configures a Workflow.
type Config struct {
	UserID string

	// SatkerID is the statistics office of the user, stamped on assignments
	// created on the device.
	SatkerID string

	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Workflow runs form actions for one user.
type Workflow struct {
	store   *store.Store
	trigger Trigger
	gw      ActionsGateway
	userID  string
	satker  string
	logger  logrus.FieldLogger
	now     func() time.Time
}

// New creates a Workflow. trigger and gw may be nil.
func New(st *store.Store, trigger Trigger, gw ActionsGateway, cfg Config) (*Workflow, error) {
	if st == nil {
		return nil, fmt.Errorf("workflow requires a store")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("workflow requires a user id")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		cfg.Logger = l.WithField("component", "workflow")
	}
	return &Workflow{
		store:   st,
		trigger: trigger,
		gw:      gw,
		userID:  cfg.UserID,
		satker:  cfg.SatkerID,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}, nil
}

func (w *Workflow) kick() {
	if w.trigger != nil {
		w.trigger.Trigger()
	}
}

// Loaded is an assignment opened for editing or review.
type Loaded struct {
	Assignment *schema.Assignment
	Response   *schema.AssignmentResponse
	FormSchema *schema.FormSchema
	Role       schema.Role
}

// role returns the user's role in the assignment's activity.
func (w *Workflow) role(ctx context.Context, q interface {
	GetActivity(ctx context.Context, userID, id string) (*schema.Activity, error)
}, activityID string) (schema.Role, error) {
	act, err := q.GetActivity(ctx, w.userID, activityID)
	if err != nil {
		return "", err
	}
	return act.UserRole, nil
}

// LoadAssignment reads an assignment with its response and form schema.
//
// A collector opening an assignment for the first time gets a fresh response
// (status Opened, version 1) and the assignment moves Assigned -> Opened. A
// supervisor opening an assignment without a response gets ErrNoResponse.
func (w *Workflow) LoadAssignment(ctx context.Context, assignmentID string) (*Loaded, error) {
	var loaded *Loaded
	err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		a, err := tx.GetAssignment(ctx, w.userID, assignmentID)
		if err != nil {
			return err
		}
		role, err := w.role(ctx, tx, a.ActivityID)
		if err != nil {
			return err
		}
		fs, err := tx.GetFormSchema(ctx, w.userID, a.ActivityID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		loaded = &Loaded{Assignment: a, FormSchema: fs, Role: role}

		resp, err := tx.GetResponse(ctx, w.userID, assignmentID)
		if err == nil {
			loaded.Response = resp
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if role != schema.RoleCollector {
			return fmt.Errorf("assignment %s: %w", assignmentID, ErrNoResponse)
		}

		formVersion := 1
		if fs != nil {
			formVersion = fs.Version()
		}
		now := w.now()
		resp = &schema.AssignmentResponse{
			AssignmentID:    assignmentID,
			UserID:          w.userID,
			Status:          schema.StatusOpened,
			Version:         1,
			FormVersionUsed: formVersion,
			Responses:       schema.Answers{},
			UpdatedAt:       &now,
		}
		if err := tx.PutResponse(ctx, resp); err != nil {
			return err
		}
		loaded.Response = resp

		if a.Status.OrAssigned() == schema.StatusAssigned {
			if err := schema.CheckTransition(schema.StatusAssigned, schema.StatusOpened, role); err != nil {
				return err
			}
			if err := tx.SetAssignmentStatus(ctx, w.userID, a.ID, schema.StatusOpened); err != nil {
				return err
			}
			a.Status = schema.StatusOpened
			return tx.AppendHistory(ctx, &schema.HistoryEntry{
				AssignmentID: a.ID,
				UserID:       w.userID,
				FromStatus:   schema.StatusAssigned,
				ToStatus:     schema.StatusOpened,
				CreatedAt:    now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loaded, nil
}

// SetAnswer stores value at a dotted path of the response's answers.
func SetAnswer(resp *schema.AssignmentResponse, path string, value any) error {
	if resp.Responses == nil {
		resp.Responses = schema.Answers{}
	}
	next := resp.Responses.Clone()
	if err := next.Set(path, value); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	resp.Responses = next
	return nil
}

// SaveAnswers stores a collector's draft answers locally without queueing.
func (w *Workflow) SaveAnswers(ctx context.Context, assignmentID string, answers schema.Answers) error {
	if err := answers.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		a, err := tx.GetAssignment(ctx, w.userID, assignmentID)
		if err != nil {
			return err
		}
		role, err := w.role(ctx, tx, a.ActivityID)
		if err != nil {
			return err
		}
		if role != schema.RoleCollector {
			return fmt.Errorf("%w: only the collector edits answers", ErrForbidden)
		}
		if a.Status.OrAssigned() != schema.StatusOpened {
			return fmt.Errorf("%w: assignment %s is %q, not open for editing", ErrForbidden, a.ID, a.Status.OrAssigned())
		}
		resp, err := tx.GetResponse(ctx, w.userID, assignmentID)
		if err != nil {
			return err
		}
		now := w.now()
		resp.Responses = answers
		resp.UpdatedAt = &now
		return tx.PutResponse(ctx, resp)
	})
}

// Check validates answers against the form of the assignment's activity.
// Nil answers check the stored response.
func (w *Workflow) Check(ctx context.Context, assignmentID string, answers schema.Answers) (*views.ValidationSummary, error) {
	a, err := w.store.GetAssignment(ctx, w.userID, assignmentID)
	if err != nil {
		return nil, err
	}
	if answers == nil {
		resp, err := w.store.GetResponse(ctx, w.userID, assignmentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if resp != nil {
			answers = resp.Responses
		}
	}
	return w.checkForm(ctx, w.store, a.ActivityID, answers)
}

func (w *Workflow) checkForm(ctx context.Context, q interface {
	GetFormSchema(ctx context.Context, userID, activityID string) (*schema.FormSchema, error)
}, activityID string, answers schema.Answers) (*views.ValidationSummary, error) {
	fs, err := q.GetFormSchema(ctx, w.userID, activityID)
	if errors.Is(err, store.ErrNotFound) {
		fs, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	return views.Validate(fs, answers)
}

// Submit sends a collector's answers. The local status becomes Submitted by
// PPL immediately; the response version stays as it is until the server
// confirms. Answers with error-level issues are refused with an
// IncompleteError; warnings do not block.
func (w *Workflow) Submit(ctx context.Context, assignmentID string, answers schema.Answers) (*schema.QueueItem, error) {
	if err := answers.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var item *schema.QueueItem
	err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		a, err := tx.GetAssignment(ctx, w.userID, assignmentID)
		if err != nil {
			return err
		}
		role, err := w.role(ctx, tx, a.ActivityID)
		if err != nil {
			return err
		}
		if role != schema.RoleCollector {
			return fmt.Errorf("%w: only the collector submits", ErrForbidden)
		}
		from := a.Status.OrAssigned()
		if err := schema.CheckTransition(from, schema.StatusSubmitted, role); err != nil {
			return err
		}
		summary, err := w.checkForm(ctx, tx, a.ActivityID, answers)
		if err != nil {
			return err
		}
		if !summary.Submittable() {
			return &IncompleteError{AssignmentID: a.ID, Summary: summary}
		}
		resp, err := tx.GetResponse(ctx, w.userID, assignmentID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("assignment %s: %w", assignmentID, ErrNoResponse)
		}
		if err != nil {
			return err
		}

		now := w.now()
		resp.Responses = answers
		resp.Status = schema.StatusSubmitted
		resp.UpdatedAt = &now
		if err := tx.PutResponse(ctx, resp); err != nil {
			return err
		}
		if err := tx.SetAssignmentStatus(ctx, w.userID, a.ID, schema.StatusSubmitted); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, &schema.HistoryEntry{
			AssignmentID: a.ID,
			UserID:       w.userID,
			FromStatus:   from,
			ToStatus:     schema.StatusSubmitted,
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		item, err = schema.NewQueueItem(w.userID, schema.MutationSubmit, &schema.SubmitPayload{
			ActivityID: a.ActivityID,
			Response: schema.SubmittedResponse{
				AssignmentID: a.ID,
				Status:       schema.StatusSubmitted,
				Responses:    answers,
				Version:      resp.Version,
			},
		})
		if err != nil {
			return err
		}
		return tx.Enqueue(ctx, item)
	})
	if err != nil {
		return nil, err
	}

	w.logger.WithFields(logrus.Fields{"assignment_id": assignmentID, "item_id": item.ID}).Info("submission queued")
	w.kick()
	return item, nil
}

// Approve queues a supervisor approval.
func (w *Workflow) Approve(ctx context.Context, assignmentID, notes string) (*schema.QueueItem, error) {
	return w.review(ctx, assignmentID, schema.MutationApprove, schema.StatusApprovedPML, notes)
}

// Reject queues a supervisor rejection. Notes are required.
func (w *Workflow) Reject(ctx context.Context, assignmentID, notes string) (*schema.QueueItem, error) {
	if notes == "" {
		return nil, fmt.Errorf("%w: a rejection needs notes for the collector", ErrValidation)
	}
	return w.review(ctx, assignmentID, schema.MutationReject, schema.StatusRejectedPML, notes)
}

// RevertApproval queues moving an approved assignment back to Submitted by PPL.
func (w *Workflow) RevertApproval(ctx context.Context, assignmentID, notes string) (*schema.QueueItem, error) {
	return w.review(ctx, assignmentID, schema.MutationRevertApproval, schema.StatusSubmitted, notes)
}

func (w *Workflow) review(ctx context.Context, assignmentID string, typ schema.MutationType, target schema.Status, notes string) (*schema.QueueItem, error) {
	a, err := w.store.GetAssignment(ctx, w.userID, assignmentID)
	if err != nil {
		return nil, err
	}
	role, err := w.role(ctx, w.store, a.ActivityID)
	if err != nil {
		return nil, err
	}
	if role != schema.RoleSupervisor {
		return nil, fmt.Errorf("%w: only the supervisor can %s", ErrForbidden, typ)
	}
	if err := schema.CheckTransition(a.Status, target, role); err != nil {
		return nil, err
	}

	item, err := schema.NewQueueItem(w.userID, typ, &schema.StatusPayload{
		AssignmentID: assignmentID,
		Status:       target,
		Notes:        notes,
	})
	if err != nil {
		return nil, err
	}
	item.ActivityID = a.ActivityID
	if err := w.store.Enqueue(ctx, item); err != nil {
		return nil, err
	}

	w.logger.WithFields(logrus.Fields{"assignment_id": assignmentID, "type": typ}).Info("review action queued")
	w.kick()
	return item, nil
}

// Photo is image data attached to a new assignment or an answer.
type Photo struct {
	Data        []byte
	ContentType string
	Filename    string
}

// NewAssignment describes an assignment created on the device. Assignment
// carries the label and region levels; ids and status are assigned here.
type NewAssignment struct {
	ActivityID string
	Assignment schema.Assignment
	Answers    schema.Answers
	Photo      *Photo
}

// CreateAssignment stores an offline-created assignment as Submitted Local
// and queues its registration with the backend. The backend requires the
// user's office and the full level 4 code; the latter defaults to the level 4
// code.
func (w *Workflow) CreateAssignment(ctx context.Context, in NewAssignment) (*schema.Assignment, *schema.QueueItem, error) {
	if in.Answers == nil {
		in.Answers = schema.Answers{}
	}
	if w.satker == "" {
		return nil, nil, fmt.Errorf("%w: the session has no statistics office, log in again", ErrValidation)
	}
	if in.Assignment.Level4CodeFull == "" {
		in.Assignment.Level4CodeFull = in.Assignment.Level4Code
	}
	if in.Assignment.Level4CodeFull == "" {
		return nil, nil, fmt.Errorf("%w: the level 4 region code is required", ErrValidation)
	}
	if err := in.Answers.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if in.Photo != nil && len(in.Photo.Data) == 0 {
		return nil, nil, fmt.Errorf("%w: photo is empty", ErrValidation)
	}

	var a *schema.Assignment
	var item *schema.QueueItem
	err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		act, err := tx.GetActivity(ctx, w.userID, in.ActivityID)
		if err != nil {
			return err
		}
		if act.UserRole != schema.RoleCollector {
			return fmt.Errorf("%w: only collectors create assignments", ErrForbidden)
		}
		if !act.AllowNewAssignments {
			return fmt.Errorf("%w: activity %s does not accept new assignments", ErrForbidden, act.ID)
		}

		formVersion := 1
		fs, err := tx.GetFormSchema(ctx, w.userID, act.ID)
		if err == nil {
			formVersion = fs.Version()
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		now := w.now()
		created := in.Assignment
		created.ID = uuid.NewString()
		created.UserID = w.userID
		created.ActivityID = act.ID
		created.CollectorID = w.userID
		created.SatkerID = w.satker
		created.Status = schema.StatusSubmittedLocal
		created.UpdatedAt = &now
		if created.Label == "" {
			created.Label = "Baru " + created.ID[:8]
		}
		a = &created

		resp := &schema.AssignmentResponse{
			AssignmentID:    created.ID,
			UserID:          w.userID,
			Status:          schema.StatusSubmittedLocal,
			Version:         1,
			FormVersionUsed: formVersion,
			Responses:       in.Answers,
			UpdatedAt:       &now,
		}

		if err := tx.PutAssignment(ctx, a); err != nil {
			return err
		}
		if err := tx.PutResponse(ctx, resp); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, &schema.HistoryEntry{
			AssignmentID: created.ID,
			UserID:       w.userID,
			ToStatus:     schema.StatusSubmittedLocal,
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		payload := &schema.CreatePayload{ActivityID: act.ID, Assignment: created, Response: *resp}
		typ := schema.MutationCreate
		if in.Photo != nil {
			photo := &schema.PhotoBlob{
				ID:          uuid.NewString(),
				UserID:      w.userID,
				ContentType: in.Photo.ContentType,
				Filename:    in.Photo.Filename,
				Data:        in.Photo.Data,
				CreatedAt:   now,
			}
			if err := tx.PutPhoto(ctx, photo); err != nil {
				return err
			}
			payload.PhotoID = photo.ID
			typ = schema.MutationCreateWithPhoto
		}

		item, err = schema.NewQueueItem(w.userID, typ, payload)
		if err != nil {
			return err
		}
		return tx.Enqueue(ctx, item)
	})
	if err != nil {
		return nil, nil, err
	}

	w.logger.WithFields(logrus.Fields{"assignment_id": a.ID, "activity_id": a.ActivityID}).Info("assignment created offline")
	w.kick()
	return a, item, nil
}

// AttachPhoto stores a photo answer and queues its upload. Once uploaded, the
// backend file id becomes the answer to questionID, a dotted path that must
// address an image question of the form and fit the current answers.
func (w *Workflow) AttachPhoto(ctx context.Context, assignmentID, questionID string, photo Photo) (*schema.QueueItem, error) {
	if questionID == "" {
		return nil, fmt.Errorf("%w: question id is required", ErrValidation)
	}
	if len(photo.Data) == 0 {
		return nil, fmt.Errorf("%w: photo is empty", ErrValidation)
	}

	var item *schema.QueueItem
	err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		a, err := tx.GetAssignment(ctx, w.userID, assignmentID)
		if err != nil {
			return err
		}
		role, err := w.role(ctx, tx, a.ActivityID)
		if err != nil {
			return err
		}
		if role != schema.RoleCollector {
			return fmt.Errorf("%w: only the collector attaches photos", ErrForbidden)
		}
		if err := w.checkPhotoTarget(ctx, tx, a, questionID); err != nil {
			return err
		}

		blob := &schema.PhotoBlob{
			ID:          uuid.NewString(),
			UserID:      w.userID,
			ContentType: photo.ContentType,
			Filename:    photo.Filename,
			Data:        photo.Data,
			CreatedAt:   w.now(),
		}
		if err := tx.PutPhoto(ctx, blob); err != nil {
			return err
		}
		item, err = schema.NewQueueItem(w.userID, schema.MutationUploadPhoto, &schema.UploadPhotoPayload{
			AssignmentID: assignmentID,
			PhotoID:      blob.ID,
			QuestionID:   questionID,
		})
		if err != nil {
			return err
		}
		item.ActivityID = a.ActivityID
		return tx.Enqueue(ctx, item)
	})
	if err != nil {
		return nil, err
	}
	w.kick()
	return item, nil
}

// checkPhotoTarget rejects question paths the upload could not be stored at.
func (w *Workflow) checkPhotoTarget(ctx context.Context, tx *store.Tx, a *schema.Assignment, questionID string) error {
	fs, err := tx.GetFormSchema(ctx, w.userID, a.ActivityID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	template, ok := schema.QuestionTemplate(questionID)
	if !ok {
		return fmt.Errorf("%w: %q is not a question path", ErrValidation, questionID)
	}
	if fs != nil {
		if images := fs.ImageQuestionIDs(); len(images) > 0 && !slices.Contains(images, template) {
			return fmt.Errorf("%w: %q is not an image question", ErrValidation, questionID)
		}
	}

	answers := schema.Answers{}
	resp, err := tx.GetResponse(ctx, w.userID, a.ID)
	if err == nil && resp.Responses != nil {
		answers = resp.Responses.Clone()
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := answers.Set(questionID, ""); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// AllowedActions returns the review actions for an assignment. The backend
// decides when reachable; otherwise the local state machine answers.
func (w *Workflow) AllowedActions(ctx context.Context, assignmentID string) ([]schema.Action, error) {
	a, err := w.store.GetAssignment(ctx, w.userID, assignmentID)
	if err != nil {
		return nil, err
	}
	if w.gw != nil {
		actions, err := w.gw.AllowedActions(ctx, assignmentID)
		if err == nil {
			return actions, nil
		}
		w.logger.WithField("assignment_id", assignmentID).WithError(err).Debug("allowed actions unavailable, using local rules")
	}
	role, err := w.role(ctx, w.store, a.ActivityID)
	if err != nil {
		return nil, err
	}
	return schema.AllowedActions(a.Status, role), nil
}

// History returns the local status history of an assignment, oldest first.
func (w *Workflow) History(ctx context.Context, assignmentID string) ([]*schema.HistoryEntry, error) {
	return w.store.ListHistory(ctx, w.userID, assignmentID)
}
