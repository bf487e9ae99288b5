package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cerdas-survey/fieldsync/internal/schema"
)

// PutActivity inserts or replaces an activity for its user.
func (o *ops) PutActivity(ctx context.Context, a *schema.Activity) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid activity: %w", err)
	}

	query := `
		INSERT INTO activities (
			id, user_id, name, year, user_role, status,
			start_date, end_date, extended_end_date, allow_new_assignments, synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, user_id) DO UPDATE SET
			name = excluded.name,
			year = excluded.year,
			user_role = excluded.user_role,
			status = excluded.status,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			extended_end_date = excluded.extended_end_date,
			allow_new_assignments = excluded.allow_new_assignments,
			synced_at = excluded.synced_at
	`

	_, err := o.q.ExecContext(ctx, query,
		a.ID, a.UserID, a.Name, a.Year, string(a.UserRole), a.Status,
		a.StartDate, a.EndDate, a.ExtendedEndDate, a.AllowNewAssignments,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert activity %s: %w", a.ID, err)
	}
	return nil
}

// PutActivities upserts every activity. Call inside WithTx for atomicity.
func (o *ops) PutActivities(ctx context.Context, activities []*schema.Activity) error {
	for _, a := range activities {
		if err := o.PutActivity(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

const activityColumns = `id, user_id, name, year, user_role, status,
	start_date, end_date, extended_end_date, allow_new_assignments`

func scanActivity(row interface{ Scan(...any) error }) (*schema.Activity, error) {
	var a schema.Activity
	var role string
	if err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Year, &role, &a.Status,
		&a.StartDate, &a.EndDate, &a.ExtendedEndDate, &a.AllowNewAssignments); err != nil {
		return nil, err
	}
	a.UserRole = schema.Role(role)
	return &a, nil
}

// GetActivity returns one activity, or ErrNotFound.
func (o *ops) GetActivity(ctx context.Context, userID, id string) (*schema.Activity, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE id = ? AND user_id = ?`, id, userID)
	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("activity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity %s: %w", id, err)
	}
	return a, nil
}

// ListActivities returns the user's activities ordered by year then name.
func (o *ops) ListActivities(ctx context.Context, userID string) ([]*schema.Activity, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE user_id = ? ORDER BY year DESC, name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var activities []*schema.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

// PutFormSchema stores the form definition for an activity.
func (o *ops) PutFormSchema(ctx context.Context, f *schema.FormSchema) error {
	if f.ActivityID == "" || f.UserID == "" {
		return fmt.Errorf("form schema requires activity_id and user_id")
	}
	raw := f.Schema
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO form_schemas (activity_id, user_id, form_version, schema)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(activity_id, user_id) DO UPDATE SET
			form_version = excluded.form_version,
			schema = excluded.schema
	`, f.ActivityID, f.UserID, f.Version(), string(raw))
	if err != nil {
		return fmt.Errorf("failed to upsert form schema for %s: %w", f.ActivityID, err)
	}
	return nil
}

// GetFormSchema returns the form schema of an activity, or ErrNotFound.
func (o *ops) GetFormSchema(ctx context.Context, userID, activityID string) (*schema.FormSchema, error) {
	var f schema.FormSchema
	var raw string
	err := o.q.QueryRowContext(ctx, `
		SELECT activity_id, user_id, form_version, schema
		FROM form_schemas WHERE activity_id = ? AND user_id = ?
	`, activityID, userID).Scan(&f.ActivityID, &f.UserID, &f.FormVersion, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("form schema for activity %s: %w", activityID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get form schema: %w", err)
	}
	f.Schema = []byte(raw)
	return &f, nil
}

// PutMasterData stores one reference dataset version.
func (o *ops) PutMasterData(ctx context.Context, m *schema.MasterData) error {
	if m.ActivityID == "" || m.UserID == "" || m.Type == "" {
		return fmt.Errorf("master data requires activity_id, user_id and type")
	}
	data := m.Data
	if len(data) == 0 {
		data = []byte("null")
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO master_data (activity_id, user_id, type, version, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(activity_id, user_id, type, version) DO UPDATE SET data = excluded.data
	`, m.ActivityID, m.UserID, m.Type, m.Version, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert master data %s: %w", m.Type, err)
	}
	return nil
}

// GetMasterData returns the newest version of a dataset type, or ErrNotFound.
func (o *ops) GetMasterData(ctx context.Context, userID, activityID, typ string) (*schema.MasterData, error) {
	var m schema.MasterData
	var raw string
	err := o.q.QueryRowContext(ctx, `
		SELECT activity_id, user_id, type, version, data FROM master_data
		WHERE activity_id = ? AND user_id = ? AND type = ?
		ORDER BY version DESC LIMIT 1
	`, activityID, userID, typ).Scan(&m.ActivityID, &m.UserID, &m.Type, &m.Version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("master data %s: %w", typ, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get master data %s: %w", typ, err)
	}
	m.Data = []byte(raw)
	return &m, nil
}

// DeleteActivityMasterData removes all reference datasets of an activity.
func (o *ops) DeleteActivityMasterData(ctx context.Context, userID, activityID string) error {
	if _, err := o.q.ExecContext(ctx,
		`DELETE FROM master_data WHERE activity_id = ? AND user_id = ?`, activityID, userID); err != nil {
		return fmt.Errorf("failed to delete master data: %w", err)
	}
	if _, err := o.q.ExecContext(ctx,
		`DELETE FROM master_sls WHERE activity_id = ? AND user_id = ?`, activityID, userID); err != nil {
		return fmt.Errorf("failed to delete master sls: %w", err)
	}
	return nil
}

// PutMasterSls stores one gazetteer entry.
func (o *ops) PutMasterSls(ctx context.Context, m *schema.MasterSls) error {
	if m.SlsID == "" || m.UserID == "" {
		return fmt.Errorf("master sls requires sls_id and user_id")
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO master_sls (sls_id, user_id, activity_id, name, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sls_id, user_id) DO UPDATE SET
			activity_id = excluded.activity_id,
			name = excluded.name,
			data = excluded.data
	`, m.SlsID, m.UserID, m.ActivityID, m.Name, rawToNullString(m.Data))
	if err != nil {
		return fmt.Errorf("failed to upsert master sls %s: %w", m.SlsID, err)
	}
	return nil
}

// GetMasterSls looks up a gazetteer entry by its natural key.
func (o *ops) GetMasterSls(ctx context.Context, userID, slsID string) (*schema.MasterSls, error) {
	var m schema.MasterSls
	var data sql.NullString
	err := o.q.QueryRowContext(ctx, `
		SELECT sls_id, user_id, activity_id, name, data FROM master_sls
		WHERE sls_id = ? AND user_id = ?
	`, slsID, userID).Scan(&m.SlsID, &m.UserID, &m.ActivityID, &m.Name, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("master sls %s: %w", slsID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get master sls %s: %w", slsID, err)
	}
	m.Data = nullStringToRaw(data)
	return &m, nil
}
