// Package thaw implements the thaw half of C8: producing ThawRequested
// events for a user's archived jobs, and the worker that turns each one into
// a tiered cold-storage retrieval request.
package thaw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/coldstorage"
	"github.com/uc-gas/gas/internal/domain"
	"github.com/uc-gas/gas/internal/httpapi"
	"github.com/uc-gas/gas/internal/store"
)

const (
	defaultMaxWait           = 20 * time.Second
	defaultVisibilityTimeout = time.Minute
	thawTopicName            = "thaw-requested"
)

// retriever is the narrow slice of coldstorage.Vault the thaw worker needs.
type retriever interface {
	InitiateRetrieval(ctx context.Context, archiveID, jobDescription string, tier coldstorage.Tier) error
}

// Producer walks a user's archived jobs and publishes ThawRequested for
// each, meant to be called when a user upgrades to a tier that no longer
// archives results.
type Producer struct {
	jobs      store.JobStore
	publisher *bus.Bus
	logger    *zap.Logger
}

// NewProducer constructs a Producer.
func NewProducer(jobs store.JobStore, publisher *bus.Bus, logger *zap.Logger) *Producer {
	return &Producer{jobs: jobs, publisher: publisher, logger: logger.Named("thaw.producer")}
}

// Produce publishes one ThawRequested event per archived job currently owned
// by userID, returning how many were published. Called directly as a
// library function, or via the HTTP adapter below — the handler is a thin
// wrapper, never a second copy of this logic.
func (p *Producer) Produce(ctx context.Context, userID string) (int, error) {
	jobs, err := p.jobs.QueryByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("thaw: query jobs for %s: %w", userID, err)
	}

	published := 0
	for _, job := range jobs {
		if job.ArchiveID == "" {
			continue
		}
		event := domain.ThawRequested{JobID: job.JobID, ArchiveID: job.ArchiveID}
		if err := p.publisher.Publish(ctx, thawTopicName, event); err != nil {
			return published, fmt.Errorf("thaw: publish thaw request for %s: %w", job.JobID, err)
		}
		published++
	}

	p.logger.Info("thaw requested", zap.String("user_id", userID), zap.Int("jobs", published))
	return published, nil
}

// Handler adapts Producer to the internal HTTP surface a billing webhook
// would call on a subscription upgrade.
type Handler struct {
	producer *Producer
	logger   *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(producer *Producer, logger *zap.Logger) *Handler {
	return &Handler{producer: producer, logger: logger.Named("thaw.handler")}
}

// Thaw handles POST /internal/users/{user_id}/thaw.
func (h *Handler) Thaw(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		httpapi.ErrBadRequest(w, "user_id is required")
		return
	}

	published, err := h.producer.Produce(r.Context(), userID)
	if err != nil {
		h.logger.Error("thaw produce failed", zap.String("user_id", userID), zap.Error(err))
		httpapi.ErrInternal(w)
		return
	}

	httpapi.Ok(w, struct {
		JobsThawed int `json:"jobs_thawed"`
	}{JobsThawed: published})
}

// Worker consumes ThawRequested and initiates cold-storage retrieval,
// preferring Expedited and falling back to Standard when the vault reports
// insufficient capacity.
type Worker struct {
	queue     *bus.Queue
	retriever retriever
	logger    *zap.Logger

	maxWait           time.Duration
	visibilityTimeout time.Duration
}

// NewWorker constructs a Worker.
func NewWorker(queue *bus.Queue, r retriever, logger *zap.Logger) *Worker {
	return &Worker{
		queue:             queue,
		retriever:         r,
		logger:            logger.Named("thaw.worker"),
		maxWait:           defaultMaxWait,
		visibilityTimeout: defaultVisibilityTimeout,
	}
}

// Run long-polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("process iteration failed", zap.Error(err))
		}
	}
}

// ProcessOnce receives at most one message and initiates its retrieval.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	msgs, err := w.queue.Receive(ctx, w.maxWait, w.visibilityTimeout)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	msg := msgs[0]

	inner := bus.UnwrapEnvelope(msg.Body)
	var event domain.ThawRequested
	if err := json.Unmarshal(inner, &event); err != nil {
		w.logger.Error("poison message, discarding", zap.Error(err))
		w.queue.Delete(msg.ReceiptHandle)
		return true, nil
	}

	if err := w.initiate(ctx, event); err != nil {
		return true, err
	}
	w.queue.Delete(msg.ReceiptHandle)
	return true, nil
}

// initiate attempts Expedited retrieval first, falling back to Standard when
// the vault reports insufficient capacity. The application job_id is passed
// as the retrieval Description so the restore handler can correlate the
// eventual RestoreReady callback back to this job.
func (w *Worker) initiate(ctx context.Context, event domain.ThawRequested) error {
	err := w.retriever.InitiateRetrieval(ctx, event.ArchiveID, event.JobID, coldstorage.TierExpedited)
	if err == nil {
		w.logger.Info("expedited retrieval initiated", zap.String("job_id", event.JobID))
		return nil
	}
	if !errors.Is(err, coldstorage.ErrInsufficientCapacity) {
		return fmt.Errorf("thaw: initiate expedited retrieval for %s: %w", event.JobID, err)
	}

	w.logger.Warn("expedited capacity unavailable, falling back to standard", zap.String("job_id", event.JobID))
	if err := w.retriever.InitiateRetrieval(ctx, event.ArchiveID, event.JobID, coldstorage.TierStandard); err != nil {
		return fmt.Errorf("thaw: initiate standard retrieval for %s: %w", event.JobID, err)
	}
	w.logger.Info("standard retrieval initiated", zap.String("job_id", event.JobID))
	return nil
}
