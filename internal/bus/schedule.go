package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Scheduler fuses a one-shot gocron timer with a bus Publish, for messages
// that must be delivered after a delay rather than immediately — the
// ArchiveScheduled style of deferred work. It reuses
// gocron.v2 exactly as the teacher's cron-tick scheduler does for recurring
// policy runs, but with gocron.OneTimeJob instead of gocron.CronJob.
type Scheduler struct {
	cron   gocron.Scheduler
	bus    *Bus
	logger *zap.Logger
}

// NewScheduler wraps a fresh gocron scheduler. Call Start before any delayed
// publish can actually fire.
func NewScheduler(b *Bus, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("bus: failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{cron: s, bus: b, logger: logger.Named("bus.scheduler")}, nil
}

// Start begins processing scheduled jobs.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop gracefully shuts the scheduler down, waiting for in-flight fires to
// complete.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("bus: scheduler shutdown error: %w", err)
	}
	return nil
}

// PublishAfter schedules a single delayed publish of v to topic, firing once
// delay has elapsed. The job is not persisted — a process restart loses any
// not-yet-fired delayed publish, matching the in-memory nature of the rest
// of the bus.
func (s *Scheduler) PublishAfter(topic string, delay time.Duration, v any) error {
	fireAt := time.Now().Add(delay)

	_, err := s.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(fireAt)),
		gocron.NewTask(func() {
			if err := s.bus.Publish(context.Background(), topic, v); err != nil {
				s.logger.Error("scheduled publish failed",
					zap.String("topic", topic),
					zap.Error(err),
				)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("bus: schedule delayed publish to %s: %w", topic, err)
	}
	return nil
}
