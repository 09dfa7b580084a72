// Package archiver implements the archiver consumer (C7): for each
// ArchiveScheduled delivery, free-tier results move from hot object storage
// into the cold-storage vault; premium-tier results are left alone.
package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/domain"
	"github.com/uc-gas/gas/internal/identity"
	"github.com/uc-gas/gas/internal/store"
)

// objectStore is the narrow slice of objectstore.Gateway the archiver needs:
// reading the hot result object through to the cold upload and deleting it
// once archived.
type objectStore interface {
	OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

// vault is the narrow slice of coldstorage.Vault the archiver needs.
type vault interface {
	Upload(ctx context.Context, archiveID string, stream io.Reader) error
}

const (
	defaultMaxWait           = 20 * time.Second
	defaultVisibilityTimeout = time.Minute
)

// Worker is the archiver consumer.
type Worker struct {
	queue    *bus.Queue
	jobs     store.JobStore
	objects  objectStore
	vault    vault
	identity identity.Provider
	logger   *zap.Logger

	resultsBucket string

	maxWait           time.Duration
	visibilityTimeout time.Duration
}

// Config configures a Worker.
type Config struct {
	ResultsBucket string // hot-storage bucket holding result objects
}

// New constructs a Worker.
func New(queue *bus.Queue, jobs store.JobStore, objects objectStore, v vault, idp identity.Provider, cfg Config, logger *zap.Logger) *Worker {
	return &Worker{
		queue:             queue,
		jobs:              jobs,
		objects:           objects,
		vault:             v,
		identity:          idp,
		logger:            logger.Named("archiver"),
		resultsBucket:     cfg.ResultsBucket,
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

// ProcessOnce receives at most one message and archives it if eligible,
// reporting whether a message was available.
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
	var event domain.ArchiveScheduled
	if err := json.Unmarshal(inner, &event); err != nil {
		w.logger.Error("poison message, discarding", zap.Error(err))
		w.queue.Delete(msg.ReceiptHandle)
		return true, nil
	}

	acked, err := w.archive(ctx, event)
	if acked {
		w.queue.Delete(msg.ReceiptHandle)
	}
	return true, err
}

// archive runs the 4-step archival flow for one ArchiveScheduled event:
// resolve tier, then for free-tier jobs download the hot result, cold-upload
// it, delete the hot copy, and finally record the archive id — acking the
// message only once that last store write has succeeded, so a crash midway
// is safe to retry from wherever it left off.
func (w *Worker) archive(ctx context.Context, event domain.ArchiveScheduled) (acked bool, err error) {
	job, err := w.jobs.Get(ctx, event.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("archive scheduled for unknown job, discarding", zap.String("job_id", event.JobID))
			return true, nil
		}
		return false, fmt.Errorf("archiver: get job %s: %w", event.JobID, err)
	}

	if job.JobStatus != domain.JobStatusCompleted || job.ArchiveID != "" {
		// Stale delivery: the job never completed, or is already archived
		// (duplicate delivery, or restored and re-archived under a fresh
		// ArchiveScheduled) since this message was scheduled. Either way
		// there is nothing this delivery should do.
		return true, nil
	}

	tier, err := w.identity.Tier(ctx, job.UserID)
	if err != nil {
		return false, fmt.Errorf("archiver: resolve tier for %s: %w", job.UserID, err)
	}

	if tier == domain.TierPremium {
		w.logger.Debug("premium tier, skipping archival", zap.String("job_id", event.JobID))
		return true, nil
	}

	archiveID := job.ResultFileKey

	reader, err := w.objects.OpenObject(ctx, w.resultsBucket, job.ResultFileKey)
	if err != nil {
		return false, fmt.Errorf("archiver: open hot result for %s: %w", event.JobID, err)
	}
	uploadErr := w.vault.Upload(ctx, archiveID, reader)
	_ = reader.Close()
	if uploadErr != nil {
		return false, fmt.Errorf("archiver: cold upload for %s: %w", event.JobID, uploadErr)
	}

	// A crash here orphans a cold copy without deleting the hot one: the
	// next delivery re-uploads to the same archive id (an idempotent
	// overwrite) and retries the delete, so no data is lost.
	if err := w.objects.DeleteObject(ctx, w.resultsBucket, job.ResultFileKey); err != nil {
		return false, fmt.Errorf("archiver: delete hot result for %s: %w", event.JobID, err)
	}

	// A crash here is the stuck state: the hot object is gone but the job
	// row still reads COMPLETED, so a retry's OpenObject will fail forever.
	// Left unacked so it keeps redelivering and surfacing in logs rather
	// than silently dropping the job's result.
	if err := w.jobs.SetArchiveID(ctx, event.JobID, archiveID); err != nil {
		w.logger.Error("set archive id failed after hot delete; job result may be stuck",
			zap.String("job_id", event.JobID), zap.Error(err))
		return false, fmt.Errorf("archiver: set archive id for %s: %w", event.JobID, err)
	}

	w.logger.Info("archived job result", zap.String("job_id", event.JobID), zap.String("archive_id", archiveID))
	return true, nil
}
