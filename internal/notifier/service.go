package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/domain"
	"github.com/uc-gas/gas/internal/identity"
)

const (
	defaultMaxWait           = 20 * time.Second
	defaultVisibilityTimeout = 30 * time.Second
)

// ConfigLoader returns the SMTP configuration in effect right now, allowing
// it to be swapped without restarting the process.
type ConfigLoader func(ctx context.Context) (*SMTPConfig, error)

// StaticConfig returns a ConfigLoader that always serves the same cfg —
// the common case, since SMTP identity here is sourced from process
// configuration fixed at startup.
func StaticConfig(cfg SMTPConfig) ConfigLoader {
	return func(context.Context) (*SMTPConfig, error) { return &cfg, nil }
}

// mailSender is the narrow interface Service depends on; *emailSender
// satisfies it in production, and tests substitute a fake to avoid
// touching the network.
type mailSender interface {
	Send(ctx context.Context, to, subject, body, jobID string) error
}

// Service is the notifier (C6): it long-polls the completion-notification
// queue and, for every JobCompleted it sees, emails the owning user.
type Service struct {
	queue    *bus.Queue
	identity identity.Provider
	sender   mailSender
	logger   *zap.Logger
	location *time.Location

	maxWait           time.Duration
	visibilityTimeout time.Duration
}

// New constructs a Service. location controls how CompleteTime is rendered
// in the notification body; pass time.UTC if no display zone is configured.
func New(queue *bus.Queue, idp identity.Provider, loader ConfigLoader, location *time.Location, logger *zap.Logger) *Service {
	if location == nil {
		location = time.UTC
	}
	return &Service{
		queue:             queue,
		identity:          idp,
		sender:            newEmailSender(loader),
		logger:            logger.Named("notifier"),
		location:          location,
		maxWait:           defaultMaxWait,
		visibilityTimeout: defaultVisibilityTimeout,
	}
}

// Run long-polls the queue until ctx is cancelled, processing messages one
// at a time in the order received.
func (s *Service) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("process message failed", zap.Error(err))
		}
	}
}

// ProcessOnce receives at most one message and processes it, reporting
// whether a message was available. It is exported separately from Run so
// tests can drive the queue deterministically.
func (s *Service) ProcessOnce(ctx context.Context) (bool, error) {
	msgs, err := s.queue.Receive(ctx, s.maxWait, s.visibilityTimeout)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	msg := msgs[0]

	if err := s.handle(ctx, msg.Body); err != nil {
		if errors.Is(err, ErrSendFailed) {
			s.logger.Warn("notification send failed, leaving message for redelivery",
				zap.Error(err))
			return true, nil
		}
		s.queue.Delete(msg.ReceiptHandle)
		return true, fmt.Errorf("notifier: permanent failure, discarding message: %w", err)
	}

	s.queue.Delete(msg.ReceiptHandle)
	return true, nil
}

func (s *Service) handle(ctx context.Context, body []byte) error {
	inner := bus.UnwrapEnvelope(body)

	var event domain.JobCompleted
	if err := json.Unmarshal(inner, &event); err != nil {
		return fmt.Errorf("unmarshal JobCompleted: %w", err)
	}

	to, err := s.identity.RecipientEmail(ctx, event.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownUser) {
			return fmt.Errorf("no recipient for user %s: %w", event.UserID, err)
		}
		return fmt.Errorf("resolve recipient for user %s: %w", event.UserID, err)
	}

	subject := "Your annotation job has finished"
	body2 := fmt.Sprintf(
		"Job %s completed at %s.\n\nSign in to download your results.",
		event.JobID,
		event.CompleteTime.In(s.location).Format(time.RFC1123),
	)

	if err := s.sender.Send(ctx, to, subject, body2, event.JobID); err != nil {
		return err
	}
	return nil
}
