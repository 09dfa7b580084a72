// Package restorer implements the restore half of C8: consuming
// RestoreReady callbacks from the cold-storage layer and rehydrating a
// job's result back into hot object storage.
package restorer

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
	"github.com/uc-gas/gas/internal/store"
)

const (
	defaultMaxWait           = 20 * time.Second
	defaultVisibilityTimeout = time.Minute

	statusSucceeded = "Succeeded"
)

// objectStore is the narrow slice of objectstore.Gateway the restore handler
// needs: re-uploading the retrieved bytes into the original bucket/key.
type objectStore interface {
	Upload(ctx context.Context, stream io.Reader, bucket, key string) error
}

// vault is the narrow slice of coldstorage.Vault the restore handler needs.
type vault interface {
	GetRetrievalBytes(ctx context.Context, archiveID string) (io.ReadCloser, error)
	Delete(ctx context.Context, archiveID string) error
}

// Worker consumes RestoreReady events.
type Worker struct {
	queue   *bus.Queue
	jobs    store.JobStore
	objects objectStore
	vault   vault
	logger  *zap.Logger

	maxWait           time.Duration
	visibilityTimeout time.Duration
}

// New constructs a Worker.
func New(queue *bus.Queue, jobs store.JobStore, objects objectStore, v vault, logger *zap.Logger) *Worker {
	return &Worker{
		queue:             queue,
		jobs:              jobs,
		objects:           objects,
		vault:             v,
		logger:            logger.Named("restorer"),
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

// ProcessOnce receives at most one message and restores the job it names if
// the event reports a successful retrieval.
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
	var event domain.RestoreReady
	if err := json.Unmarshal(inner, &event); err != nil {
		w.logger.Error("poison message, discarding", zap.Error(err))
		w.queue.Delete(msg.ReceiptHandle)
		return true, nil
	}

	acked, err := w.restore(ctx, event)
	if acked {
		w.queue.Delete(msg.ReceiptHandle)
	}
	return true, err
}

// restore runs the restore flow for one RestoreReady event: incomplete or
// unsuccessful retrievals are dropped (the archive stays put, a later
// RestoreReady or a fresh thaw request is what moves it forward); otherwise
// it fetches the retrieved bytes, re-uploads to the original bucket/key, and
// only then deletes the cold archive and clears the job's archive id.
func (w *Worker) restore(ctx context.Context, event domain.RestoreReady) (acked bool, err error) {
	if !event.Completed || event.StatusCode != statusSucceeded {
		w.logger.Warn("restore not successful, discarding",
			zap.String("job_id", event.JobDescription), zap.String("status_code", event.StatusCode))
		return true, nil
	}

	job, err := w.jobs.Get(ctx, event.JobDescription)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("restore ready for unknown job, discarding", zap.String("job_id", event.JobDescription))
			return true, nil
		}
		return false, fmt.Errorf("restorer: get job %s: %w", event.JobDescription, err)
	}

	if job.ArchiveID == "" {
		// Already restored (a duplicate RestoreReady): a benign no-op.
		return true, nil
	}

	reader, err := w.vault.GetRetrievalBytes(ctx, job.ArchiveID)
	if err != nil {
		return false, fmt.Errorf("restorer: fetch retrieved bytes for %s: %w", job.JobID, err)
	}
	uploadErr := w.objects.Upload(ctx, reader, job.ResultsBucket, job.ResultFileKey)
	_ = reader.Close()
	if uploadErr != nil {
		return false, fmt.Errorf("restorer: re-upload result for %s: %w", job.JobID, uploadErr)
	}

	if err := w.vault.Delete(ctx, job.ArchiveID); err != nil {
		return false, fmt.Errorf("restorer: delete archive for %s: %w", job.JobID, err)
	}

	if err := w.jobs.ClearArchiveID(ctx, job.JobID); err != nil {
		w.logger.Error("clear archive id failed after restore", zap.String("job_id", job.JobID), zap.Error(err))
		return false, fmt.Errorf("restorer: clear archive id for %s: %w", job.JobID, err)
	}

	w.logger.Info("restored job result", zap.String("job_id", job.JobID))
	return true, nil
}
