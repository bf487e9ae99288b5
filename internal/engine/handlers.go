package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cerdas-survey/fieldsync/internal/events"
	"github.com/cerdas-survey/fieldsync/internal/gateway"
	"github.com/cerdas-survey/fieldsync/internal/schema"
	"github.com/cerdas-survey/fieldsync/internal/store"
)

// dispatch sends one item and applies its confirmed local transition.
// Store failures come back as *localError.
func (e *Engine) dispatch(ctx context.Context, item *schema.QueueItem) error {
	switch item.Type {
	case schema.MutationSubmit:
		return e.handleSubmit(ctx, item)
	case schema.MutationApprove, schema.MutationReject, schema.MutationRevertApproval:
		return e.handleStatus(ctx, item)
	case schema.MutationCreate, schema.MutationCreateWithPhoto:
		return e.handleCreate(ctx, item)
	case schema.MutationUploadPhoto:
		return e.handleUploadPhoto(ctx, item)
	default:
		return fmt.Errorf("%w: unknown mutation type %q", errMalformed, item.Type)
	}
}

func decodePayload(item *schema.QueueItem, v any) error {
	if err := json.Unmarshal(item.Payload, v); err != nil {
		return fmt.Errorf("%w: item %d: %v", errMalformed, item.ID, err)
	}
	return nil
}

// setStatus moves an assignment and records history when the state machine
// allows it. It reports whether the status changed.
func (e *Engine) setStatus(ctx context.Context, tx *store.Tx, a *schema.Assignment, to schema.Status, role schema.Role, notes string) (bool, error) {
	from := a.Status.OrAssigned()
	if from == to {
		return false, nil
	}
	if err := schema.CheckTransition(from, to, role); err != nil {
		e.logger.WithField("assignment_id", a.ID).WithError(err).
			Warn("confirmed transition not allowed locally, leaving status for next sync")
		return false, nil
	}
	if err := tx.SetAssignmentStatus(ctx, a.UserID, a.ID, to); err != nil {
		return false, err
	}
	a.Status = to
	return true, tx.AppendHistory(ctx, &schema.HistoryEntry{
		AssignmentID: a.ID,
		UserID:       a.UserID,
		FromStatus:   from,
		ToStatus:     to,
		Notes:        notes,
		CreatedAt:    e.now(),
	})
}

// ===== submitAssignment =====

func (e *Engine) handleSubmit(ctx context.Context, item *schema.QueueItem) error {
	var p schema.SubmitPayload
	if err := decodePayload(item, &p); err != nil {
		return err
	}
	if p.ActivityID == "" || p.Response.AssignmentID == "" {
		return fmt.Errorf("%w: submit item %d lacks activity or assignment", errMalformed, item.ID)
	}

	if err := e.gw.SubmitAssignments(ctx, p.ActivityID, []schema.SubmittedResponse{p.Response}); err != nil {
		return err
	}

	now := e.now()
	var applied *schema.AssignmentResponse
	var assignment *schema.Assignment
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		resp, err := tx.GetResponse(ctx, e.userID, p.Response.AssignmentID)
		if errors.Is(err, store.ErrNotFound) {
			resp = &schema.AssignmentResponse{
				AssignmentID: p.Response.AssignmentID,
				UserID:       e.userID,
				Responses:    p.Response.Responses,
			}
		} else if err != nil {
			return err
		}

		resp.Status = schema.StatusSubmitted
		resp.Version = max(resp.Version, p.Response.Version+1)
		resp.SubmittedAt = &now
		resp.UpdatedAt = &now
		if err := tx.PutResponse(ctx, resp); err != nil {
			return err
		}
		applied = resp

		a, err := tx.GetAssignment(ctx, e.userID, p.Response.AssignmentID)
		if err == nil {
			if _, err := e.setStatus(ctx, tx, a, schema.StatusSubmitted, schema.RoleCollector, ""); err != nil {
				return err
			}
			assignment = a
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		return tx.DeleteQueueItem(ctx, item.ID)
	})
	if err != nil {
		return local(err)
	}

	e.publishApplied(item, assignment, applied)
	return nil
}

// ===== approve / reject / revert =====

func statusTarget(typ schema.MutationType) schema.Status {
	switch typ {
	case schema.MutationApprove:
		return schema.StatusApprovedPML
	case schema.MutationReject:
		return schema.StatusRejectedPML
	default:
		return schema.StatusSubmitted
	}
}

func (e *Engine) handleStatus(ctx context.Context, item *schema.QueueItem) error {
	var p schema.StatusPayload
	if err := decodePayload(item, &p); err != nil {
		return err
	}
	if p.AssignmentID == "" {
		return fmt.Errorf("%w: status item %d lacks an assignment", errMalformed, item.ID)
	}
	target := statusTarget(item.Type)

	if err := e.gw.UpdateStatus(ctx, p.AssignmentID, target, p.Notes); err != nil {
		return err
	}

	now := e.now()
	var assignment *schema.Assignment
	var response *schema.AssignmentResponse
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		a, err := tx.GetAssignment(ctx, e.userID, p.AssignmentID)
		if errors.Is(err, store.ErrNotFound) {
			return tx.DeleteQueueItem(ctx, item.ID)
		}
		if err != nil {
			return err
		}
		changed, err := e.setStatus(ctx, tx, a, target, schema.RoleSupervisor, p.Notes)
		if err != nil {
			return err
		}
		assignment = a

		resp, err := tx.GetResponse(ctx, e.userID, p.AssignmentID)
		if err == nil && changed {
			resp.Status = target
			if target != schema.StatusSubmitted {
				resp.ReviewedBySupervisorAt = &now
			}
			if p.Notes != "" {
				resp.Notes = p.Notes
			}
			resp.UpdatedAt = &now
			if err := tx.PutResponse(ctx, resp); err != nil {
				return err
			}
			response = resp
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		return tx.DeleteQueueItem(ctx, item.ID)
	})
	if err != nil {
		return local(err)
	}

	e.publishApplied(item, assignment, response)
	return nil
}

// ===== createAssignment =====

// handleCreate runs the two phases of an offline-created assignment. The
// uploaded photo's file id is written back into the payload before the create
// call so a retry after a failed create does not upload the photo again.
func (e *Engine) handleCreate(ctx context.Context, item *schema.QueueItem) error {
	var p schema.CreatePayload
	if err := decodePayload(item, &p); err != nil {
		return err
	}
	if p.ActivityID == "" || p.Assignment.ID == "" {
		return fmt.Errorf("%w: create item %d lacks activity or assignment", errMalformed, item.ID)
	}

	if p.PhotoID != "" && p.FileID == "" {
		photo, err := e.store.GetPhoto(ctx, e.userID, p.PhotoID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: photo %s of item %d is gone", errMalformed, p.PhotoID, item.ID)
		}
		if err != nil {
			return local(err)
		}

		up, err := e.gw.UploadPhoto(ctx, p.Assignment.ID, photo)
		if err != nil {
			return err
		}
		p.FileID = up.FileID

		raw, err := json.Marshal(&p)
		if err != nil {
			return local(fmt.Errorf("failed to encode create payload: %w", err))
		}
		if err := e.store.UpdateQueuePayload(ctx, item.ID, raw); err != nil {
			return local(err)
		}
		item.Payload = raw
	}

	serverID, err := e.gw.CreateAssignment(ctx, p.ActivityID, &gateway.CreateAssignmentRequest{
		Assignment: &p.Assignment,
		Response:   &p.Response,
		PhotoID:    p.FileID,
	})
	if err != nil {
		return err
	}

	now := e.now()
	var assignment *schema.Assignment
	var response *schema.AssignmentResponse
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		a, err := tx.GetAssignment(ctx, e.userID, p.Assignment.ID)
		if errors.Is(err, store.ErrNotFound) {
			a = &p.Assignment
			a.UserID = e.userID
			if a.Status == "" {
				a.Status = schema.StatusSubmittedLocal
			}
		} else if err != nil {
			return err
		}
		resp, err := tx.GetResponse(ctx, e.userID, p.Assignment.ID)
		if errors.Is(err, store.ErrNotFound) {
			resp = &p.Response
			resp.UserID = e.userID
			resp.AssignmentID = p.Assignment.ID
		} else if err != nil {
			return err
		}

		// The backend stores the client-generated id; queue rows and photos
		// stay keyed to it.
		if serverID != "" && serverID != a.ID {
			e.logger.WithFields(logrus.Fields{"assignment_id": a.ID, "server_id": serverID}).
				Warn("backend reported a different assignment id, keeping the local one")
		}

		from := a.Status.OrAssigned()
		if err := schema.CheckTransition(from, schema.StatusSubmitted, schema.RoleCollector); err != nil {
			e.logger.WithField("assignment_id", a.ID).WithError(err).Warn("created assignment was not in a local state")
		}
		a.Status = schema.StatusSubmitted
		if err := tx.PutAssignment(ctx, a); err != nil {
			return err
		}
		resp.Status = schema.StatusSubmitted
		resp.SubmittedAt = &now
		resp.UpdatedAt = &now
		if err := tx.PutResponse(ctx, resp); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, &schema.HistoryEntry{
			AssignmentID: a.ID,
			UserID:       e.userID,
			FromStatus:   from,
			ToStatus:     schema.StatusSubmitted,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		if p.PhotoID != "" {
			if err := tx.DeletePhoto(ctx, e.userID, p.PhotoID); err != nil {
				return err
			}
		}
		assignment, response = a, resp
		return tx.DeleteQueueItem(ctx, item.ID)
	})
	if err != nil {
		return local(err)
	}

	e.bus.Publish(events.Event{
		Type:         events.AssignmentCreated,
		ItemID:       item.ID,
		MutationType: item.Type,
		AssignmentID: assignment.ID,
		ActivityID:   p.ActivityID,
		Assignment:   assignment,
		Response:     response,
	})
	return nil
}

// ===== uploadPhoto =====

func (e *Engine) handleUploadPhoto(ctx context.Context, item *schema.QueueItem) error {
	var p schema.UploadPhotoPayload
	if err := decodePayload(item, &p); err != nil {
		return err
	}
	if p.AssignmentID == "" || p.PhotoID == "" || p.QuestionID == "" {
		return fmt.Errorf("%w: photo item %d is incomplete", errMalformed, item.ID)
	}

	photo, err := e.store.GetPhoto(ctx, e.userID, p.PhotoID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: photo %s of item %d is gone", errMalformed, p.PhotoID, item.ID)
	}
	if err != nil {
		return local(err)
	}

	up, err := e.gw.UploadPhoto(ctx, p.AssignmentID, photo)
	if err != nil {
		return err
	}

	now := e.now()
	var response *schema.AssignmentResponse
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		resp, err := tx.GetResponse(ctx, e.userID, p.AssignmentID)
		if err == nil {
			if resp.Responses == nil {
				resp.Responses = schema.Answers{}
			}
			if err := resp.Responses.Set(p.QuestionID, up.FileID); err != nil {
				return fmt.Errorf("%w: item %d: %v", errMalformed, item.ID, err)
			}
			resp.UpdatedAt = &now
			if err := tx.PutResponse(ctx, resp); err != nil {
				return err
			}
			response = resp
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := tx.DeletePhoto(ctx, e.userID, p.PhotoID); err != nil {
			return err
		}
		return tx.DeleteQueueItem(ctx, item.ID)
	})
	if errors.Is(err, errMalformed) {
		return err
	}
	if err != nil {
		return local(err)
	}

	e.publishApplied(item, nil, response)
	return nil
}

func (e *Engine) publishApplied(item *schema.QueueItem, a *schema.Assignment, r *schema.AssignmentResponse) {
	ev := events.Event{
		Type:         events.MutationApplied,
		ItemID:       item.ID,
		MutationType: item.Type,
		AssignmentID: item.AssignmentID,
		ActivityID:   item.ActivityID,
		Assignment:   a,
		Response:     r,
	}
	if a != nil && ev.ActivityID == "" {
		ev.ActivityID = a.ActivityID
	}
	e.bus.Publish(ev)
}
