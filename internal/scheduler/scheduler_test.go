package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 4 * * 1", false},
		{"@daily", false},
		{"@every 6h", false},
		{"* * * * * *", true}, // seconds field not accepted
		{"not a schedule", true},
		{"", true},
	}
	for _, tt := range tests {
		if err := Validate(tt.expr); (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestAddJobRejectsInvalid(t *testing.T) {
	s := New()
	if err := s.AddJob("bad", "61 * * * *", func(context.Context) {}); err == nil {
		t.Error("expected error for invalid expression")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestRunExecutesJobsWithContext(t *testing.T) {
	s := New()
	type ctxKey struct{}
	var runs atomic.Int32
	var sawValue atomic.Bool
	if err := s.AddJob("tick", "@every 1s", func(ctx context.Context) {
		runs.Add(1)
		if ctx.Value(ctxKey{}) == "relay" {
			sawValue.Store(true)
		}
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "relay"))
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("job did not run")
		case <-time.After(50 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !sawValue.Load() {
		t.Error("job should receive the Run context")
	}
}
