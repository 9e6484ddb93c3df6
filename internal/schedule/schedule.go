// Package schedule runs periodic imports on a cron spec.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "conseries/internal/log"
)

// Job is one scheduled run. ctx is canceled when the scheduler stops.
type Job func(ctx context.Context)

// Scheduler wraps a cron runner whose jobs never overlap.
type Scheduler struct {
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New parses spec (standard five-field cron, or descriptors like "@daily")
// and schedules job in loc. A run still in progress when the next one is due
// makes the next one skip.
func New(spec string, loc *time.Location, job Job) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{c: c, ctx: ctx, cancel: cancel}
	if _, err := c.AddFunc(spec, func() { job(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule: invalid spec %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.c.Start()
	if entries := s.c.Entries(); len(entries) > 0 {
		appLog.Info("scheduler started", "next", entries[0].Next.Format(time.RFC3339))
	}
}

// Next returns the next activation time, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop cancels a running job and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.c.Stop().Done()
	appLog.Info("scheduler stopped")
}

// cronLogger routes cron's logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
