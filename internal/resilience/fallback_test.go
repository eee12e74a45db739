package resilience

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failing   []string
		wantCall  string
		wantErr   bool
		wantServe []string
	}{
		{name: "primary serves", wantCall: "backend"},
		{name: "fallback serves", failing: []string{"backend"}, wantCall: "builtin", wantServe: []string{"builtin"}},
		{name: "all fail", failing: []string{"backend", "builtin"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var served []string
			fg := NewFallbackGroup("backend", "backend", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
				OnFallback:     func(name string) { served = append(served, name) },
			})
			fg.AddFallback("builtin", "builtin")

			var called string
			err := fg.Execute(func(v string) error {
				if slices.Contains(tt.failing, v) {
					return errBackend
				}
				called = v
				return nil
			})

			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errBackend) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping the source error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if called != tt.wantCall {
				t.Errorf("called = %q, want %q", called, tt.wantCall)
			}
			if !slices.Equal(served, tt.wantServe) {
				t.Errorf("OnFallback = %v, want %v", served, tt.wantServe)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenPrimary(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup("backend", "backend", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("builtin", "builtin")

	primaryCalls := 0
	call := func(v string) error {
		if v == "backend" {
			primaryCalls++
			return errBackend
		}
		return nil
	}
	for range 4 {
		if err := fg.Execute(call); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if primaryCalls != 2 {
		t.Errorf("primary called %d times, want 2 before its circuit opened", primaryCalls)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup("ten", 10, FallbackConfig{})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "", errBackend
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-twenty" {
		t.Errorf("result = %q, want from-twenty", got)
	}
	if names := fg.Names(); !slices.Equal(names, []string{"ten", "twenty"}) {
		t.Errorf("Names() = %v", names)
	}
}
