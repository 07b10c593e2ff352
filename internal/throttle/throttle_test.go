package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/models"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestAdmit(t *testing.T) {
	type step struct {
		after   time.Duration // since the previous step
		kind    models.ContentKind
		content string
		want    models.RejectReason
	}
	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "repeat within a second is too frequent, after window admitted",
			steps: []step{
				{0, models.KindText, "hello", models.RejectNone},
				{time.Second, models.KindText, "hello", models.RejectTooFrequent},
				{11 * time.Minute, models.KindText, "hello", models.RejectNone},
			},
		},
		{
			name: "duplicate text after interval but inside spam window",
			steps: []step{
				{0, models.KindText, "hello", models.RejectNone},
				{5 * time.Second, models.KindText, "hello", models.RejectDuplicateContent},
				{10 * time.Second, models.KindText, "other", models.RejectNone},
				{20 * time.Second, models.KindText, "hello", models.RejectNone},
			},
		},
		{
			name: "caption counts as text-like",
			steps: []step{
				{0, models.KindCaption, "look", models.RejectNone},
				{time.Minute, models.KindCaption, "look", models.RejectDuplicateContent},
			},
		},
		{
			name: "repeated media is only interval limited",
			steps: []step{
				{0, models.KindPhoto, "photo", models.RejectNone},
				{4 * time.Second, models.KindPhoto, "photo", models.RejectNone},
				{time.Second, models.KindPhoto, "photo", models.RejectTooFrequent},
			},
		},
		{
			name: "rejected event does not move the window",
			steps: []step{
				{0, models.KindText, "a", models.RejectNone},
				{2 * time.Second, models.KindText, "b", models.RejectTooFrequent},
				{3 * time.Second, models.KindText, "c", models.RejectNone},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			now := t0
			for i, s := range tt.steps {
				now = now.Add(s.after)
				if got := l.Admit("1", s.kind, s.content, now); got != s.want {
					t.Fatalf("step %d: Admit = %v, want %v", i, got, s.want)
				}
			}
		})
	}
}

func TestAdmit_SendersAreIndependent(t *testing.T) {
	l := New()
	if got := l.Admit("1", models.KindText, "hi", t0); got != models.RejectNone {
		t.Fatalf("sender 1: %v", got)
	}
	if got := l.Admit("2", models.KindText, "hi", t0); got != models.RejectNone {
		t.Errorf("sender 2 should not be affected by sender 1, got %v", got)
	}
}

func TestAdmit_ConcurrentSameSender(t *testing.T) {
	l := New()
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("1", models.KindPhoto, "photo", t0) == models.RejectNone {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if admitted.Load() != 1 {
		t.Errorf("exactly one concurrent event may be admitted, got %d", admitted.Load())
	}
}

func TestCustomIntervals(t *testing.T) {
	l := New(WithSendInterval(time.Second), WithSpamInterval(time.Minute))
	if l.SendInterval() != time.Second {
		t.Errorf("SendInterval = %v", l.SendInterval())
	}
	l.Admit("1", models.KindText, "x", t0)
	if got := l.Admit("1", models.KindText, "x", t0.Add(2*time.Second)); got != models.RejectDuplicateContent {
		t.Errorf("expected duplicate, got %v", got)
	}
	if got := l.Admit("1", models.KindText, "x", t0.Add(61*time.Second)); got != models.RejectNone {
		t.Errorf("expected admission after custom window, got %v", got)
	}

	fallback := New(WithSendInterval(-1), WithSpamInterval(-1))
	if fallback.send != DefaultSendInterval || fallback.spam != DefaultSpamInterval {
		t.Errorf("negative intervals should fall back to defaults, got %v/%v", fallback.send, fallback.spam)
	}
}

func TestZeroIntervalsDisableChecks(t *testing.T) {
	tests := []struct {
		name  string
		opts  []Option
		first models.RejectReason
		later models.RejectReason
	}{
		{"no send interval", []Option{WithSendInterval(0)}, models.RejectDuplicateContent, models.RejectNone},
		{"no spam interval", []Option{WithSpamInterval(0)}, models.RejectTooFrequent, models.RejectNone},
		{"both disabled", []Option{WithSendInterval(0), WithSpamInterval(0)}, models.RejectNone, models.RejectNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.opts...)
			if got := l.Admit("1", models.KindText, "x", t0); got != models.RejectNone {
				t.Fatalf("first Admit = %v", got)
			}
			if got := l.Admit("1", models.KindText, "x", t0); got != tt.first {
				t.Errorf("immediate repeat = %v, want %v", got, tt.first)
			}
			if got := l.Admit("1", models.KindText, "y", t0.Add(5*time.Second)); got != tt.later {
				t.Errorf("new content after 5s = %v, want %v", got, tt.later)
			}
		})
	}
}

func TestPrune(t *testing.T) {
	l := New()
	l.Admit("1", models.KindText, "old", t0)
	l.Admit("2", models.KindText, "new", t0.Add(9*time.Minute))

	if n := l.Prune(t0.Add(10 * time.Minute)); n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
	// sender 2 is still inside its duplicate window
	if got := l.Admit("2", models.KindText, "new", t0.Add(10*time.Minute)); got != models.RejectDuplicateContent {
		t.Errorf("expected duplicate for retained state, got %v", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
