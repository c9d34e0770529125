package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/roach88/funnel/internal/bus"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return s, nil
}

// JobFunc is the work of one cron entry.
type JobFunc func(ctx context.Context) error

type cronJob struct {
	name     string
	expr     string
	schedule cronlib.Schedule
	run      JobFunc
	next     time.Time
}

// Scheduler runs cron jobs on a tick loop. Jobs run one at a time on the
// loop goroutine, so a slow job delays the others instead of overlapping.
type Scheduler struct {
	jobs   []*cronJob
	tick   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewScheduler creates a Scheduler. now and logger may be nil.
func NewScheduler(tick time.Duration, now func() time.Time, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{tick: tick, now: now, logger: logger}
}

// Add registers run under name on the cron expression expr. The first run
// is the first schedule time after now.
func (s *Scheduler) Add(name, expr string, run JobFunc) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("cron job %s: %w", name, err)
	}
	s.jobs = append(s.jobs, &cronJob{
		name:     name,
		expr:     expr,
		schedule: sched,
		run:      run,
		next:     sched.Next(s.now()),
	})
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.jobs)
}

// Next returns the next run time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	for _, j := range s.jobs {
		if j.name == name {
			return j.next, true
		}
	}
	return time.Time{}, false
}

// Tick runs every job that is due. Job errors are logged; only a failed
// publish is returned, since it means the bus is gone.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	for _, j := range s.jobs {
		if now.Before(j.next) {
			continue
		}
		j.next = j.schedule.Next(now)
		s.logger.Debug("cron job fired", slog.String("job", j.name), slog.String("schedule", j.expr))
		if err := j.run(ctx); err != nil {
			if errors.Is(err, bus.ErrPublishFailed) || ctx.Err() != nil {
				return fmt.Errorf("cron job %s: %w", j.name, err)
			}
			s.logger.Error("cron job failed",
				slog.String("job", j.name),
				slog.String("error", err.Error()),
				slog.Time("next", j.next))
		}
	}
	return nil
}

// Run ticks until ctx is done or a tick fails.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	s.logger.Info("cron scheduler started",
		slog.Int("jobs", len(s.jobs)),
		slog.Duration("tick_interval", s.tick))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				return err
			}
		}
	}
}
