package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Activity lifecycle labels, as shown to field users.
const (
	ActivityUpcoming = "Akan Datang"
	ActivityOngoing  = "Berlangsung"
	ActivityFinished = "Selesai"
)

// Activity is one survey round the user takes part in.
// At most one row exists locally per (ID, UserID).
type Activity struct {
	ID                  string `json:"id"`
	UserID              string `json:"user_id"`
	Name                string `json:"name"`
	Year                int    `json:"year"`
	UserRole            Role   `json:"user_role"`
	Status              string `json:"status,omitempty"`
	StartDate           string `json:"start_date,omitempty"`
	EndDate             string `json:"end_date,omitempty"`
	ExtendedEndDate     string `json:"extended_end_date,omitempty"`
	AllowNewAssignments bool   `json:"allow_new_assignments_from_pwa,omitempty"`
}

// Validate checks the fields the store relies on.
func (a *Activity) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("activity id is required")
	}
	if a.UserID == "" {
		return fmt.Errorf("activity %s: user_id is required", a.ID)
	}
	if a.UserRole != "" && !a.UserRole.Valid() {
		return fmt.Errorf("activity %s: unknown role %q", a.ID, a.UserRole)
	}
	return nil
}

// LifecycleStatus returns the server status if present, otherwise derives it
// from the date range relative to now.
func (a *Activity) LifecycleStatus(now time.Time) string {
	if a.Status != "" {
		return a.Status
	}
	start, okStart := parseDate(a.StartDate)
	end, okEnd := parseDate(a.EndDate)
	if ext, ok := parseDate(a.ExtendedEndDate); ok {
		end, okEnd = ext, true
	}
	switch {
	case okStart && now.Before(start):
		return ActivityUpcoming
	case okEnd && now.After(end.Add(24*time.Hour-time.Nanosecond)):
		return ActivityFinished
	default:
		return ActivityOngoing
	}
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Assignment is one interview target within an activity.
type Assignment struct {
	// ===== Identification =====
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	ActivityID string `json:"activity_id"`

	// ===== Ownership =====
	SatkerID     string  `json:"satker_id,omitempty"`
	CollectorID  string  `json:"ppl_id"`
	SupervisorID *string `json:"pml_id,omitempty"`

	// ===== Geography =====
	Level1Code     string `json:"level_1_code,omitempty"`
	Level1Label    string `json:"level_1_label,omitempty"`
	Level2Code     string `json:"level_2_code,omitempty"`
	Level2Label    string `json:"level_2_label,omitempty"`
	Level3Code     string `json:"level_3_code,omitempty"`
	Level3Label    string `json:"level_3_label,omitempty"`
	Level4Code     string `json:"level_4_code,omitempty"`
	Level4Label    string `json:"level_4_label,omitempty"`
	Level5Code     string `json:"level_5_code,omitempty"`
	Level5Label    string `json:"level_5_label,omitempty"`
	Level6Code     string `json:"level_6_code,omitempty"`
	Level6Label    string `json:"level_6_label,omitempty"`
	Level4CodeFull string `json:"level_4_code_full,omitempty"`
	Level6CodeFull string `json:"level_6_code_full,omitempty"`

	// ===== Content =====
	Label         string          `json:"assignment_label"`
	PrefilledData json.RawMessage `json:"prefilled_data,omitempty"`
	Status        Status          `json:"status,omitempty"`

	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// UnmarshalJSON accepts the backend's kegiatan_statistik_id as an alias for
// activity_id.
func (a *Assignment) UnmarshalJSON(data []byte) error {
	type plain Assignment
	aux := struct {
		*plain
		KegiatanStatistikID string `json:"kegiatan_statistik_id,omitempty"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if a.ActivityID == "" {
		a.ActivityID = aux.KegiatanStatistikID
	}
	return nil
}

// MarshalJSON also writes activity_id as kegiatan_statistik_id, the name the
// backend validates on create.
func (a Assignment) MarshalJSON() ([]byte, error) {
	type plain Assignment
	return json.Marshal(struct {
		plain
		KegiatanStatistikID string `json:"kegiatan_statistik_id,omitempty"`
	}{plain: plain(a), KegiatanStatistikID: a.ActivityID})
}

// Validate checks that the assignment can be stored.
func (a *Assignment) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("assignment id is required")
	}
	if a.UserID == "" {
		return fmt.Errorf("assignment %s: user_id is required", a.ID)
	}
	if a.ActivityID == "" {
		return fmt.Errorf("assignment %s: activity_id is required", a.ID)
	}
	if a.Status != "" && !a.Status.Valid() {
		return fmt.Errorf("assignment %s: unknown status %q", a.ID, a.Status)
	}
	return nil
}

// GroupKey returns the label and code used to group the assignment on a
// dashboard: level 6 normally, level 4 when levels 5 and 6 are empty.
func (a *Assignment) GroupKey() (label, code string) {
	if strings.TrimSpace(a.Level5Code) == "" && strings.TrimSpace(a.Level6Code) == "" {
		if a.Level4Label != "" {
			return a.Level4Label, a.Level4CodeFull
		}
		return "Wilayah: " + a.Level4CodeFull, a.Level4CodeFull
	}
	if a.Level6Label != "" {
		return a.Level6Label, a.Level6CodeFull
	}
	return "Wilayah: " + a.Level6CodeFull, a.Level6CodeFull
}

// AssignmentResponse holds the survey answers for one assignment (1:1).
type AssignmentResponse struct {
	AssignmentID    string  `json:"assignment_id"`
	UserID          string  `json:"user_id"`
	Status          Status  `json:"status"`
	Version         int     `json:"version"`
	FormVersionUsed int     `json:"form_version_used"`
	Responses       Answers `json:"responses"`
	Notes           string  `json:"notes,omitempty"`

	SubmittedAt            *time.Time `json:"submitted_by_ppl_at,omitempty"`
	ReviewedBySupervisorAt *time.Time `json:"reviewed_by_pml_at,omitempty"`
	ReviewedByAdminAt      *time.Time `json:"reviewed_by_admin_at,omitempty"`
	UpdatedAt              *time.Time `json:"updated_at,omitempty"`
}

// Validate checks that the response can be stored.
func (r *AssignmentResponse) Validate() error {
	if r.AssignmentID == "" {
		return fmt.Errorf("response assignment_id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("response %s: user_id is required", r.AssignmentID)
	}
	if r.Version < 0 {
		return fmt.Errorf("response %s: version must not be negative (got %d)", r.AssignmentID, r.Version)
	}
	if r.Status != "" && !r.Status.Valid() {
		return fmt.Errorf("response %s: unknown status %q", r.AssignmentID, r.Status)
	}
	return r.Responses.Validate()
}

// FormSchema is the read-only form definition for an activity.
type FormSchema struct {
	ActivityID  string          `json:"activity_id"`
	UserID      string          `json:"user_id"`
	FormVersion int             `json:"form_version"`
	Schema      json.RawMessage `json:"schema"`
}

// MasterData is a read-only reference dataset (classification codes etc.).
type MasterData struct {
	ActivityID string          `json:"activity_id"`
	UserID     string          `json:"user_id"`
	Type       string          `json:"type"`
	Version    int             `json:"version"`
	Data       json.RawMessage `json:"data"`
}

// MasterSls is one entry of the geographic gazetteer.
type MasterSls struct {
	SlsID      string          `json:"sls_id"`
	UserID     string          `json:"user_id"`
	ActivityID string          `json:"activity_id,omitempty"`
	Name       string          `json:"nama"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// PhotoBlob is image data captured offline, waiting to be uploaded.
type PhotoBlob struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ContentType string    `json:"content_type"`
	Filename    string    `json:"filename"`
	Data        []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryEntry records one local status transition.
type HistoryEntry struct {
	ID           int64     `json:"id"`
	AssignmentID string    `json:"assignment_id"`
	UserID       string    `json:"user_id"`
	FromStatus   Status    `json:"from_status,omitempty"`
	ToStatus     Status    `json:"to_status"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ErrorLog is a persisted background failure.
type ErrorLog struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Context   string    `json:"context"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
