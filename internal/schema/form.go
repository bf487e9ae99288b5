package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Question types with special handling.
const (
	QuestionImage  = "image"
	QuestionRoster = "roster"
)

// Issue levels of a validation rule.
const (
	LevelError   = "error"
	LevelWarning = "warning"
)

// FormDocument is the decoded form definition carried in FormSchema.Schema.
type FormDocument struct {
	FormVersion int        `json:"form_version"`
	Pages       []FormPage `json:"pages"`
}

// FormPage groups questions shown together.
type FormPage struct {
	ID        string     `json:"id,omitempty"`
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions"`
}

// Question is one form field. Roster questions repeat their nested
// Questions once per row of the roster answer.
type Question struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Label            string            `json:"label,omitempty"`
	Validation       *ValidationRules  `json:"validation,omitempty"`
	ConditionalLogic *ConditionalLogic `json:"conditionalLogic,omitempty"`
	Questions        []Question        `json:"questions,omitempty"`
}

// ValidationRules are the checks applied to an answer. Expressions
// (RequiredIf, Custom) are evaluated against the answers of the enclosing
// scope: the whole response, or the roster row.
type ValidationRules struct {
	Required   bool     `json:"required,omitempty"`
	RequiredIf string   `json:"requiredIf,omitempty"`
	MinLength  *int     `json:"minLength,omitempty"`
	MaxLength  *int     `json:"maxLength,omitempty"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	Custom     string   `json:"custom,omitempty"`
	Level      string   `json:"level,omitempty"`
}

// IssueLevel returns the level of issues raised by these rules.
func (r *ValidationRules) IssueLevel() string {
	if r != nil && r.Level == LevelWarning {
		return LevelWarning
	}
	return LevelError
}

// ConditionalLogic hides a question unless ShowIf evaluates to true.
type ConditionalLogic struct {
	ShowIf string `json:"showIf,omitempty"`
}

// Document decodes the form definition.
func (f *FormSchema) Document() (*FormDocument, error) {
	if len(f.Schema) == 0 {
		return &FormDocument{}, nil
	}
	var doc FormDocument
	if err := json.Unmarshal(f.Schema, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode form schema for activity %s: %w", f.ActivityID, err)
	}
	return &doc, nil
}

// Version returns the form version, preferring the value declared inside the
// schema document. Defaults to 1.
func (f *FormSchema) Version() int {
	if doc, err := f.Document(); err == nil && doc.FormVersion > 0 {
		return doc.FormVersion
	}
	if f.FormVersion > 0 {
		return f.FormVersion
	}
	return 1
}

// ImageQuestionIDs returns the dotted ids of image questions declared by the
// schema. Questions inside a roster are prefixed with the roster id, without
// a row index ("members.ktp"). Unknown schema shapes yield nil.
func (f *FormSchema) ImageQuestionIDs() []string {
	doc, err := f.Document()
	if err != nil {
		return nil
	}
	var ids []string
	for _, page := range doc.Pages {
		ids = collectImages(page.Questions, "", ids)
	}
	return ids
}

func collectImages(questions []Question, prefix string, ids []string) []string {
	for _, q := range questions {
		switch q.Type {
		case QuestionImage:
			ids = append(ids, prefix+q.ID)
		case QuestionRoster:
			ids = collectImages(q.Questions, prefix+q.ID+".", ids)
		}
	}
	return ids
}

// QuestionTemplate strips roster row indexes from a dotted answer path, so
// "members.2.ktp" becomes "members.ktp". Paths must alternate question ids
// and row indexes, starting and ending with an id; others report false.
func QuestionTemplate(path string) (string, bool) {
	keys := strings.Split(path, ".")
	if len(keys)%2 == 0 {
		return "", false
	}
	ids := make([]string, 0, len(keys)/2+1)
	for i, key := range keys {
		n, err := strconv.Atoi(key)
		isIndex := err == nil && n >= 0
		if key == "" || isIndex != (i%2 == 1) {
			return "", false
		}
		if !isIndex {
			ids = append(ids, key)
		}
	}
	return strings.Join(ids, "."), true
}
