package relay

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepTimeout bounds a whole reassignment sweep.
const DefaultSweepTimeout = 10 * time.Minute

// SweepResult summarises a reassignment sweep.
type SweepResult struct {
	Reassigned int
	Failed     int
}

// ReassignAll gives every known, non-banned participant a fresh pseudonym and
// tells them about it. Per-sender failures are logged and skipped.
func (e *Engine) ReassignAll(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	records, err := e.backend.ListAll(ctx)
	if err != nil {
		return res, err
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if rec.Banned {
			continue
		}
		pseudonym, err := e.ids.ReassignPseudonym(ctx, rec.SenderID)
		if err != nil {
			slog.Error("Engine.ReassignAll: reassignment failed", "sender", rec.SenderID, "error", err)
			res.Failed++
			continue
		}
		res.Reassigned++
		e.Notify(ctx, rec.SenderID, ReassignedNotice(pseudonym))
	}
	return res, nil
}

// StartReassignSweep runs ReassignAll once in the background with its own
// timeout. It returns immediately; the returned channel is closed when the
// sweep finishes. Cancelling parent stops the sweep early.
func (e *Engine) StartReassignSweep(parent context.Context, timeout time.Duration) <-chan struct{} {
	if timeout <= 0 {
		timeout = DefaultSweepTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()

		slog.Info("Engine.StartReassignSweep: starting", "timeout", timeout)
		res, err := e.ReassignAll(ctx)
		if err != nil {
			slog.Error("Engine.StartReassignSweep: sweep aborted", "error", err, "reassigned", res.Reassigned, "failed", res.Failed)
			return
		}
		slog.Info("Engine.StartReassignSweep: finished", "reassigned", res.Reassigned, "failed", res.Failed)
	}()
	return done
}
