// Package throttle implements the per-sender spam guard: duplicate-content
// suppression and a minimum interval between admitted events. State lives in
// memory only and is lost on restart.
package throttle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/models"
)

const (
	DefaultSpamInterval  = 10 * time.Minute
	DefaultSendInterval  = 3 * time.Second
	DefaultPruneInterval = time.Minute
)

// Opts configures a Limiter.
type Opts struct {
	SpamInterval time.Duration // duplicate text window
	SendInterval time.Duration // minimum gap between admitted events
}

// Option configures a Limiter.
type Option func(*Opts)

// WithSpamInterval sets the duplicate-content window.
func WithSpamInterval(d time.Duration) Option {
	return func(o *Opts) { o.SpamInterval = d }
}

// WithSendInterval sets the minimum interval between admitted events.
func WithSendInterval(d time.Duration) Option {
	return func(o *Opts) { o.SendInterval = d }
}

type senderState struct {
	lastContent     string
	lastContentTime time.Time
	lastSendTime    time.Time
}

// Limiter holds ThrottleState for every sender seen since start.
type Limiter struct {
	mu     sync.Mutex
	states map[models.SenderID]*senderState
	spam   time.Duration
	send   time.Duration
}

// New creates a Limiter. A zero interval disables its check; negative
// intervals fall back to the defaults.
func New(opts ...Option) *Limiter {
	cfg := Opts{SpamInterval: DefaultSpamInterval, SendInterval: DefaultSendInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SpamInterval < 0 {
		cfg.SpamInterval = DefaultSpamInterval
	}
	if cfg.SendInterval < 0 {
		cfg.SendInterval = DefaultSendInterval
	}
	return &Limiter{
		states: make(map[models.SenderID]*senderState),
		spam:   cfg.SpamInterval,
		send:   cfg.SendInterval,
	}
}

// SendInterval returns the configured minimum interval.
func (l *Limiter) SendInterval() time.Duration { return l.send }

// Admit decides whether sender may send content now, and on admission records
// it in the same critical section. When both checks fail the interval reason
// wins.
func (l *Limiter) Admit(sender models.SenderID, kind models.ContentKind, normalized string, now time.Time) models.RejectReason {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[sender]
	if ok {
		if l.send > 0 && !st.lastSendTime.IsZero() && now.Sub(st.lastSendTime) < l.send {
			return models.RejectTooFrequent
		}
		if l.spam > 0 && kind.IsTextLike() && normalized == st.lastContent && now.Sub(st.lastContentTime) < l.spam {
			return models.RejectDuplicateContent
		}
	} else {
		st = &senderState{}
		l.states[sender] = st
	}

	st.lastContent = normalized
	st.lastContentTime = now
	st.lastSendTime = now
	return models.RejectNone
}

// Prune drops senders whose windows have both elapsed; their next event is
// judged exactly as if the state were still present.
func (l *Limiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, st := range l.states {
		if now.Sub(st.lastSendTime) >= l.send && now.Sub(st.lastContentTime) >= l.spam {
			delete(l.states, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked senders.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

// Run prunes expired state every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	slog.Info("Limiter.Run: starting janitor", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Limiter.Run: stopping")
			return
		case now := <-ticker.C:
			if n := l.Prune(now); n > 0 {
				slog.Debug("Limiter.Run: pruned idle senders", "count", n, "remaining", l.Len())
			}
		}
	}
}
