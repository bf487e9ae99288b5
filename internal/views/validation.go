package views

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cerdas-survey/fieldsync/internal/formlogic"
	"github.com/cerdas-survey/fieldsync/internal/schema"
)

// Issue is one finding about one answer.
type Issue struct {
	QuestionID string `json:"question_id"`
	Label      string `json:"label,omitempty"`
	Message    string `json:"message"`
	Level      string `json:"level,omitempty"`
}

// ValidationSummary is the state of a response against its form: what
// blocks submission, what deserves a second look and what is unanswered.
type ValidationSummary struct {
	Errors            []Issue `json:"errors"`
	Warnings          []Issue `json:"warnings"`
	Blanks            []Issue `json:"blanks"`
	ErrorCount        int     `json:"error_count"`
	WarningCount      int     `json:"warning_count"`
	BlankCount        int     `json:"blank_count"`
	AnsweredCount     int     `json:"answered_count"`
	TotalVisibleCount int     `json:"total_visible_count"`
}

// Submittable reports whether nothing blocks submission.
func (s *ValidationSummary) Submittable() bool {
	return s.ErrorCount == 0
}

// Messages shown to the collector.
const (
	msgRequired   = "Wajib diisi"
	msgRequiredIf = "Wajib diisi berdasarkan jawaban lain"
	msgBlank      = "Belum diisi"
	msgInvalid    = "Isian tidak valid"
)

var logic = formlogic.New()

// Validate checks answers against the form. A nil form yields an empty
// summary.
func Validate(fs *schema.FormSchema, answers schema.Answers) (*ValidationSummary, error) {
	s := &ValidationSummary{Errors: []Issue{}, Warnings: []Issue{}, Blanks: []Issue{}}
	if fs == nil {
		return s, nil
	}
	doc, err := fs.Document()
	if err != nil {
		return nil, err
	}
	for _, page := range doc.Pages {
		s.walk(page.Questions, answers, "")
	}
	s.ErrorCount = len(s.Errors)
	s.WarningCount = len(s.Warnings)
	s.BlankCount = len(s.Blanks)
	return s, nil
}

// walk visits questions in one scope. Expressions see only that scope.
func (s *ValidationSummary) walk(questions []schema.Question, scope map[string]any, prefix string) {
	for _, q := range questions {
		id := prefix + q.ID
		if q.ConditionalLogic != nil && q.ConditionalLogic.ShowIf != "" &&
			!logic.Condition(q.ConditionalLogic.ShowIf, scope) {
			continue
		}
		s.TotalVisibleCount++

		if q.Type == schema.QuestionRoster {
			rows, _ := scope[q.ID].([]any)
			for i, row := range rows {
				if r, ok := row.(map[string]any); ok {
					s.walk(q.Questions, r, id+"."+strconv.Itoa(i)+".")
				}
			}
			continue
		}
		s.check(q, id, scope)
	}
}

func (s *ValidationSummary) check(q schema.Question, id string, scope map[string]any) {
	rules := q.Validation
	if rules == nil {
		rules = &schema.ValidationRules{}
	}
	value := scope[q.ID]
	issues := 0
	raise := func(message string) {
		issue := Issue{QuestionID: id, Label: q.Label, Message: message, Level: rules.IssueLevel()}
		if issue.Level == schema.LevelWarning {
			s.Warnings = append(s.Warnings, issue)
		} else {
			s.Errors = append(s.Errors, issue)
		}
		issues++
	}

	if isBlank(value) {
		switch {
		case rules.Required:
			raise(msgRequired)
		case rules.RequiredIf != "" && logic.Condition(rules.RequiredIf, scope):
			raise(msgRequiredIf)
		default:
			s.Blanks = append(s.Blanks, Issue{QuestionID: id, Label: q.Label, Message: msgBlank})
		}
		return
	}

	if n, ok := length(value); ok {
		if rules.MinLength != nil && n < *rules.MinLength {
			raise(fmt.Sprintf("Minimal %d karakter", *rules.MinLength))
		}
		if rules.MaxLength != nil && n > *rules.MaxLength {
			raise(fmt.Sprintf("Maksimal %d karakter", *rules.MaxLength))
		}
	}
	if f, ok := number(value); ok {
		if rules.Min != nil && f < *rules.Min {
			raise("Nilai minimal " + formatNumber(*rules.Min))
		}
		if rules.Max != nil && f > *rules.Max {
			raise("Nilai maksimal " + formatNumber(*rules.Max))
		}
	}
	if rules.Custom != "" {
		// Evaluation failures yield nil and count as invalid.
		out, _ := logic.Eval(rules.Custom, scope)
		switch v := out.(type) {
		case bool:
			if !v {
				raise(msgInvalid)
			}
		case string:
			if v == "" {
				v = msgInvalid
			}
			raise(v)
		default:
			raise(msgInvalid)
		}
	}

	if issues == 0 {
		s.AnsweredCount++
	}
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	}
	return false
}

// length is the character count of text answers or the item count of
// multi-choice answers.
func length(v any) (int, bool) {
	switch val := v.(type) {
	case string:
		return utf8.RuneCountInString(val), true
	case []any:
		return len(val), true
	}
	return 0, false
}

func number(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
