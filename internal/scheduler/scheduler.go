// Package scheduler runs recurring relay jobs on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions (min, hour, dom, month, dow)
// and descriptors such as "@daily" or "@every 6h".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler provides cron-based job scheduling. Jobs receive the context
// passed to Run and never overlap with themselves.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

// New creates a stopped Scheduler.
func New() *Scheduler {
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c, ctx: context.Background()}
}

// Validate reports whether expr is a usable schedule.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// AddJob schedules task under name using expr.
func (s *Scheduler) AddJob(name, expr string, task func(ctx context.Context)) error {
	if err := Validate(expr); err != nil {
		return err
	}
	_, err := s.cron.AddFunc(expr, func() {
		slog.Info("Scheduler: running job", "job", name)
		task(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("add job %s: %w", name, err)
	}
	slog.Debug("Scheduler.AddJob: scheduled", "job", name, "schedule", expr)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	slog.Debug("Scheduler.Run: started", "jobs", s.Len())
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Debug("Scheduler.Run: stopped")
}
