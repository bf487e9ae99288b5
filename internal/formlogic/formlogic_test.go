package formlogic

import (
	"sync"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"return context.get('age') > 18;":       "get('age') > 18",
		"  return context.get('a') === 'x'  ":   "get('a') == 'x'",
		"context.get('a') !== context.get('b')": "get('a') != get('b')",
		"umur >= 17":                            "umur >= 17",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCondition(t *testing.T) {
	answers := map[string]any{
		"umur":   float64(20),
		"status": "kawin",
		"anak":   float64(0),
	}
	tests := []struct {
		name string
		src  string
		want bool
	}{
		{"legacy statement", "return context.get('umur') > 18;", true},
		{"get call", "get('umur') >= 21", false},
		{"identifier", "umur >= 17 && status == 'kawin'", true},
		{"strict equality", "get('status') === 'kawin'", true},
		{"missing answer compares false", "get('pendapatan') > 0", false},
		{"non-boolean result", "umur + 1", false},
		{"syntax error", "umur >>> 1", false},
		{"string against number", "status > 3", false},
	}
	e := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Condition(tt.src, answers); got != tt.want {
				t.Errorf("Condition(%q) = %v, want %v", tt.src, got, tt.want)
			}
		})
	}
}

func TestEval_Result(t *testing.T) {
	e := New()
	out, err := e.Eval("umur < 15 ? 'Terlalu muda' : true", map[string]any{"umur": float64(10)})
	if err != nil {
		t.Fatalf("Eval() error: %v", err)
	}
	if out != "Terlalu muda" {
		t.Errorf("Eval() = %v, want message", out)
	}

	if _, err := e.Eval("   ", nil); err == nil {
		t.Error("Eval() accepted an empty expression")
	}
	if _, err := e.Eval("(", nil); err == nil {
		t.Error("Eval() accepted a broken expression")
	}
	// The failed compile is cached and reported again.
	if _, err := e.Eval("(", nil); err == nil {
		t.Error("Eval() accepted a cached broken expression")
	}
}

func TestEvaluator_ConcurrentUse(t *testing.T) {
	e := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			answers := map[string]any{"n": float64(i)}
			if got := e.Condition("get('n') >= 0", answers); !got {
				t.Errorf("Condition() = false for n=%d", i)
			}
		}(i)
	}
	wg.Wait()
}
