package schema

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestAnswers_Set(t *testing.T) {
	answers := Answers{}

	if err := answers.Set("name", "Budi"); err != nil {
		t.Fatalf("Set(name) error: %v", err)
	}
	if err := answers.Set("members.1.age", 31.0); err != nil {
		t.Fatalf("Set(members.1.age) error: %v", err)
	}
	if err := answers.Set("address.street", "Jl. Merdeka"); err != nil {
		t.Fatalf("Set(address.street) error: %v", err)
	}

	want := Answers{
		"name":    "Budi",
		"members": []any{nil, map[string]any{"age": 31.0}},
		"address": map[string]any{"street": "Jl. Merdeka"},
	}
	if !reflect.DeepEqual(answers, want) {
		t.Errorf("answers = %#v, want %#v", answers, want)
	}

	got, ok := answers.Get("members.1.age")
	if !ok || got != 31.0 {
		t.Errorf("Get(members.1.age) = %v, %v", got, ok)
	}
	if _, ok := answers.Get("members.5.age"); ok {
		t.Error("Get() out of range index should report false")
	}
}

func TestAnswers_SetErrors(t *testing.T) {
	answers := Answers{"name": "Budi"}

	tests := []string{"", "0.name", "name.first", "roster.999999999.x", "roster.500"}
	for _, path := range tests {
		if err := answers.Set(path, "x"); !errors.Is(err, ErrInvalidAnswers) {
			t.Errorf("Set(%q) error = %v, want ErrInvalidAnswers", path, err)
		}
	}
	if _, ok := answers["roster"]; ok {
		t.Errorf("failed Set left a roster behind: %v", answers["roster"])
	}
	if err := answers.Set("roster.499", "last"); err != nil {
		t.Errorf("Set(roster.499) error: %v", err)
	}
}

func TestAnswers_Validate(t *testing.T) {
	deep := any("leaf")
	for i := 0; i < MaxAnswerDepth+1; i++ {
		deep = []any{deep}
	}

	tests := []struct {
		name    string
		answers Answers
		wantErr bool
	}{
		{name: "scalars", answers: Answers{"a": "x", "b": 1.5, "c": true, "d": nil}},
		{name: "roster", answers: Answers{"r": []any{map[string]any{"n": "x"}}}},
		{name: "empty key", answers: Answers{" ": "x"}, wantErr: true},
		{name: "unsupported type", answers: Answers{"t": time.Now()}, wantErr: true},
		{name: "too deep", answers: Answers{"d": deep}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.answers.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAnswers_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Answers
	}{
		{name: "object", in: `{"q1":"a"}`, want: Answers{"q1": "a"}},
		{name: "string encoded", in: `"{\"q1\":\"a\"}"`, want: Answers{"q1": "a"}},
		{name: "empty array", in: `[]`, want: Answers{}},
		{name: "null", in: `null`, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Answers
			if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
				t.Fatalf("Unmarshal() error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Unmarshal() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestAnswers_CloneIsDeep(t *testing.T) {
	orig := Answers{"r": []any{map[string]any{"n": "x"}}}
	clone := orig.Clone()
	clone["r"].([]any)[0].(map[string]any)["n"] = "y"

	if v, _ := orig.Get("r.0.n"); v != "x" {
		t.Errorf("original mutated through clone: %v", v)
	}
}

func TestAnswers_MarshalNil(t *testing.T) {
	data, err := json.Marshal(SubmittedResponse{AssignmentID: "a1", Version: 1})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if _, ok := decoded["responses"].(map[string]any); !ok {
		t.Errorf("nil answers encoded as %v, want empty object", decoded["responses"])
	}
}
