package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cerdas-survey/fieldsync/internal/schema"
)

// PutAssignment inserts or replaces an assignment.
func (o *ops) PutAssignment(ctx context.Context, a *schema.Assignment) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid assignment: %w", err)
	}

	status := a.Status.OrAssigned()
	var pml sql.NullString
	if a.SupervisorID != nil {
		pml = sql.NullString{String: *a.SupervisorID, Valid: true}
	}

	query := `
		INSERT INTO assignments (
			id, user_id, activity_id, ppl_id, pml_id,
			level_1_code, level_1_label, level_2_code, level_2_label,
			level_3_code, level_3_label, level_4_code, level_4_label,
			level_5_code, level_5_label, level_6_code, level_6_label,
			level_4_code_full, level_6_code_full,
			assignment_label, prefilled_data, status, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, user_id) DO UPDATE SET
			activity_id = excluded.activity_id,
			ppl_id = excluded.ppl_id,
			pml_id = excluded.pml_id,
			level_1_code = excluded.level_1_code,
			level_1_label = excluded.level_1_label,
			level_2_code = excluded.level_2_code,
			level_2_label = excluded.level_2_label,
			level_3_code = excluded.level_3_code,
			level_3_label = excluded.level_3_label,
			level_4_code = excluded.level_4_code,
			level_4_label = excluded.level_4_label,
			level_5_code = excluded.level_5_code,
			level_5_label = excluded.level_5_label,
			level_6_code = excluded.level_6_code,
			level_6_label = excluded.level_6_label,
			level_4_code_full = excluded.level_4_code_full,
			level_6_code_full = excluded.level_6_code_full,
			assignment_label = excluded.assignment_label,
			prefilled_data = excluded.prefilled_data,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err := o.q.ExecContext(ctx, query,
		a.ID, a.UserID, a.ActivityID, a.CollectorID, pml,
		a.Level1Code, a.Level1Label, a.Level2Code, a.Level2Label,
		a.Level3Code, a.Level3Label, a.Level4Code, a.Level4Label,
		a.Level5Code, a.Level5Label, a.Level6Code, a.Level6Label,
		a.Level4CodeFull, a.Level6CodeFull,
		a.Label, rawToNullString(a.PrefilledData), string(status), timeToNullString(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert assignment %s: %w", a.ID, err)
	}
	return nil
}

// PutAssignments upserts every assignment. Call inside WithTx for atomicity.
func (o *ops) PutAssignments(ctx context.Context, assignments []*schema.Assignment) error {
	for _, a := range assignments {
		if err := o.PutAssignment(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

const assignmentColumns = `id, user_id, activity_id, ppl_id, pml_id,
	level_1_code, level_1_label, level_2_code, level_2_label,
	level_3_code, level_3_label, level_4_code, level_4_label,
	level_5_code, level_5_label, level_6_code, level_6_label,
	level_4_code_full, level_6_code_full,
	assignment_label, prefilled_data, status, updated_at`

func scanAssignment(row interface{ Scan(...any) error }) (*schema.Assignment, error) {
	var a schema.Assignment
	var pml, prefilled, updatedAt sql.NullString
	var status string

	err := row.Scan(
		&a.ID, &a.UserID, &a.ActivityID, &a.CollectorID, &pml,
		&a.Level1Code, &a.Level1Label, &a.Level2Code, &a.Level2Label,
		&a.Level3Code, &a.Level3Label, &a.Level4Code, &a.Level4Label,
		&a.Level5Code, &a.Level5Label, &a.Level6Code, &a.Level6Label,
		&a.Level4CodeFull, &a.Level6CodeFull,
		&a.Label, &prefilled, &status, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if pml.Valid {
		a.SupervisorID = &pml.String
	}
	a.PrefilledData = nullStringToRaw(prefilled)
	a.Status = schema.Status(status)
	a.UpdatedAt = nullStringToTime(updatedAt)
	return &a, nil
}

// GetAssignment returns one assignment, or ErrNotFound.
func (o *ops) GetAssignment(ctx context.Context, userID, id string) (*schema.Assignment, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE id = ? AND user_id = ?`, id, userID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment %s: %w", id, err)
	}
	return a, nil
}

// AssignmentFilter selects assignments for ListAssignments.
// UserID is required; empty fields are ignored.
type AssignmentFilter struct {
	UserID     string
	ActivityID string
	Statuses   []schema.Status
}

// ListAssignments returns the matching assignments ordered by label.
func (o *ops) ListAssignments(ctx context.Context, filter AssignmentFilter) ([]*schema.Assignment, error) {
	if filter.UserID == "" {
		return nil, fmt.Errorf("assignment filter requires a user id")
	}

	conditions := []string{"user_id = ?"}
	args := []any{filter.UserID}

	if filter.ActivityID != "" {
		conditions = append(conditions, "activity_id = ?")
		args = append(args, filter.ActivityID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY assignment_label, id`

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*schema.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// SetAssignmentStatus updates only the status column of an assignment.
func (o *ops) SetAssignmentStatus(ctx context.Context, userID, id string, status schema.Status) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE assignments SET status = ? WHERE id = ? AND user_id = ?`, string(status), id, userID)
	if err != nil {
		return fmt.Errorf("failed to update assignment %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("assignment %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteActivityAssignments removes every assignment of an activity together
// with their responses and returns how many assignments were removed.
func (o *ops) DeleteActivityAssignments(ctx context.Context, userID, activityID string) (int64, error) {
	if _, err := o.q.ExecContext(ctx, `
		DELETE FROM assignment_responses
		WHERE user_id = ? AND assignment_id IN (
			SELECT id FROM assignments WHERE activity_id = ? AND user_id = ?
		)
	`, userID, activityID, userID); err != nil {
		return 0, fmt.Errorf("failed to delete responses of activity %s: %w", activityID, err)
	}
	res, err := o.q.ExecContext(ctx,
		`DELETE FROM assignments WHERE activity_id = ? AND user_id = ?`, activityID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete assignments of activity %s: %w", activityID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PutResponse inserts or replaces the response of an assignment.
func (o *ops) PutResponse(ctx context.Context, r *schema.AssignmentResponse) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}

	answers, err := json.Marshal(r.Responses)
	if err != nil {
		return fmt.Errorf("failed to encode responses for %s: %w", r.AssignmentID, err)
	}
	version := r.Version
	if version == 0 {
		version = 1
	}
	formVersion := r.FormVersionUsed
	if formVersion == 0 {
		formVersion = 1
	}
	updatedAt := r.UpdatedAt
	if updatedAt == nil {
		now := time.Now()
		updatedAt = &now
	}

	_, err = o.q.ExecContext(ctx, `
		INSERT INTO assignment_responses (
			assignment_id, user_id, status, version, form_version_used, responses, notes,
			submitted_by_ppl_at, reviewed_by_pml_at, reviewed_by_admin_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(assignment_id, user_id) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			form_version_used = excluded.form_version_used,
			responses = excluded.responses,
			notes = excluded.notes,
			submitted_by_ppl_at = excluded.submitted_by_ppl_at,
			reviewed_by_pml_at = excluded.reviewed_by_pml_at,
			reviewed_by_admin_at = excluded.reviewed_by_admin_at,
			updated_at = excluded.updated_at
	`,
		r.AssignmentID, r.UserID, string(r.Status), version, formVersion, string(answers), r.Notes,
		timeToNullString(r.SubmittedAt), timeToNullString(r.ReviewedBySupervisorAt),
		timeToNullString(r.ReviewedByAdminAt), timeToNullString(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert response %s: %w", r.AssignmentID, err)
	}
	return nil
}

// PutResponses upserts every response. Call inside WithTx for atomicity.
func (o *ops) PutResponses(ctx context.Context, responses []*schema.AssignmentResponse) error {
	for _, r := range responses {
		if err := o.PutResponse(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

const responseColumns = `r.assignment_id, r.user_id, r.status, r.version, r.form_version_used,
	r.responses, r.notes, r.submitted_by_ppl_at, r.reviewed_by_pml_at,
	r.reviewed_by_admin_at, r.updated_at`

func scanResponse(row interface{ Scan(...any) error }) (*schema.AssignmentResponse, error) {
	var r schema.AssignmentResponse
	var status, answers string
	var submitted, reviewedPML, reviewedAdmin, updated sql.NullString

	if err := row.Scan(&r.AssignmentID, &r.UserID, &status, &r.Version, &r.FormVersionUsed,
		&answers, &r.Notes, &submitted, &reviewedPML, &reviewedAdmin, &updated); err != nil {
		return nil, err
	}

	r.Status = schema.Status(status)
	if err := json.Unmarshal([]byte(answers), &r.Responses); err != nil {
		return nil, fmt.Errorf("failed to decode responses for %s: %w", r.AssignmentID, err)
	}
	if r.Responses == nil {
		r.Responses = schema.Answers{}
	}
	r.SubmittedAt = nullStringToTime(submitted)
	r.ReviewedBySupervisorAt = nullStringToTime(reviewedPML)
	r.ReviewedByAdminAt = nullStringToTime(reviewedAdmin)
	r.UpdatedAt = nullStringToTime(updated)
	return &r, nil
}

// GetResponse returns the response of an assignment, or ErrNotFound.
func (o *ops) GetResponse(ctx context.Context, userID, assignmentID string) (*schema.AssignmentResponse, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+responseColumns+`
		FROM assignment_responses r WHERE r.assignment_id = ? AND r.user_id = ?`, assignmentID, userID)
	r, err := scanResponse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("response %s: %w", assignmentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get response %s: %w", assignmentID, err)
	}
	return r, nil
}

// ListResponses returns the responses of every assignment in an activity.
func (o *ops) ListResponses(ctx context.Context, userID, activityID string) ([]*schema.AssignmentResponse, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT `+responseColumns+`
		FROM assignment_responses r
		JOIN assignments a ON a.id = r.assignment_id AND a.user_id = r.user_id
		WHERE r.user_id = ? AND a.activity_id = ?
		ORDER BY r.assignment_id`, userID, activityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}
	defer rows.Close()

	var responses []*schema.AssignmentResponse
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// AppendHistory records a local status transition.
func (o *ops) AppendHistory(ctx context.Context, h *schema.HistoryEntry) error {
	createdAt := h.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO status_history (assignment_id, user_id, from_status, to_status, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, h.AssignmentID, h.UserID, string(h.FromStatus), string(h.ToStatus), h.Notes, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to append status history for %s: %w", h.AssignmentID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		h.ID = id
	}
	h.CreatedAt = createdAt
	return nil
}

// ListHistory returns the transitions of an assignment, oldest first.
func (o *ops) ListHistory(ctx context.Context, userID, assignmentID string) ([]*schema.HistoryEntry, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT id, assignment_id, user_id, from_status, to_status, notes, created_at
		FROM status_history WHERE user_id = ? AND assignment_id = ?
		ORDER BY id
	`, userID, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status history: %w", err)
	}
	defer rows.Close()

	var entries []*schema.HistoryEntry
	for rows.Next() {
		var h schema.HistoryEntry
		var from, to, created string
		if err := rows.Scan(&h.ID, &h.AssignmentID, &h.UserID, &from, &to, &h.Notes, &created); err != nil {
			return nil, fmt.Errorf("failed to scan status history: %w", err)
		}
		h.FromStatus = schema.Status(from)
		h.ToStatus = schema.Status(to)
		h.CreatedAt = parseTime(created)
		entries = append(entries, &h)
	}
	return entries, rows.Err()
}
