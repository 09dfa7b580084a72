package annotator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/domain"
	"github.com/uc-gas/gas/internal/store"
)

// objectStore is the narrow slice of objectstore.Gateway the worker needs:
// pulling the input down and pushing artifacts back up. Declared here,
// consumer-side, so tests can substitute a local-filesystem fake instead of
// a real cloud.google.com/go/storage client.
type objectStore interface {
	DownloadToFile(ctx context.Context, key, destPath string) error
	UploadFile(ctx context.Context, srcPath, key string) error
}

const (
	defaultMaxWait           = 20 * time.Second
	defaultVisibilityTimeout = 5 * time.Minute
	archiveTopicName         = "archive-scheduled"
	completedTopicName       = "job-completed"
)

// Worker is the annotator worker (C4). It runs one job at a time — the same
// sequential-execution constraint the teacher's Executor enforces for
// restic, here because two annotation pipelines fighting for CPU on one
// host defeats the point of a dedicated annotator process.
type Worker struct {
	queue     *bus.Queue
	jobs      store.JobStore
	objects   objectStore
	pipeline  *Pipeline
	publisher *bus.Bus
	scheduler *bus.Scheduler
	logger    *zap.Logger

	resultsTenant string
	resultsBucket string
	workDir       string
	archiveDelay  time.Duration

	maxWait           time.Duration
	visibilityTimeout time.Duration
}

// Config configures a Worker.
type Config struct {
	ResultsTenant string        // tenant segment in result object keys
	ResultsBucket string        // physical results bucket name, recorded on the job row for restore to target
	WorkDir       string        // root directory under which per-job working dirs are created
	ArchiveDelay  time.Duration // delay before ArchiveScheduled fires after JobCompleted
}

// New constructs a Worker.
func New(queue *bus.Queue, jobs store.JobStore, objects objectStore, pipeline *Pipeline, publisher *bus.Bus, scheduler *bus.Scheduler, cfg Config, logger *zap.Logger) *Worker {
	return &Worker{
		queue:             queue,
		jobs:              jobs,
		objects:           objects,
		pipeline:          pipeline,
		publisher:         publisher,
		scheduler:         scheduler,
		logger:            logger.Named("annotator"),
		resultsTenant:     cfg.ResultsTenant,
		resultsBucket:     cfg.ResultsBucket,
		workDir:           cfg.WorkDir,
		archiveDelay:      cfg.ArchiveDelay,
		maxWait:           defaultMaxWait,
		visibilityTimeout: defaultVisibilityTimeout,
	}
}

// Run long-polls the queue until ctx is cancelled, processing one batch at a
// time. Only one subprocess ever runs concurrently within a single Worker.
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

// ProcessOnce receives at most one message and runs it to completion,
// reporting whether a message was available. Run calls it once per loop
// iteration; no HTTP handler in this module calls it.
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
	var event domain.JobSubmitted
	if err := json.Unmarshal(inner, &event); err != nil {
		w.logger.Error("poison message, discarding", zap.Error(err))
		w.queue.Delete(msg.ReceiptHandle)
		return true, nil
	}

	acked, err := w.processJob(ctx, event)
	if acked {
		w.queue.Delete(msg.ReceiptHandle)
	}
	return true, err
}

// processJob runs the full download->CAS->spawn->upload->complete flow for
// one JobSubmitted event. It returns acked=true once the conditional
// PENDING->RUNNING transition has been observed (won or lost) — any failure
// before that point leaves acked=false so the message redelivers. After that
// point the message is always acked: a pipeline, classification or upload
// failure is recorded as a FAILED job, since RUNNING->FAILED closes the
// state machine for this job_id; a failed MarkCompleted is only logged and
// leaves the job RUNNING.
func (w *Worker) processJob(ctx context.Context, event domain.JobSubmitted) (acked bool, err error) {
	jobDir := filepath.Join(w.workDir, event.JobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return false, fmt.Errorf("annotator: create working dir for %s: %w", event.JobID, err)
	}

	inputPath := filepath.Join(jobDir, event.InputFileName)
	if err := w.objects.DownloadToFile(ctx, event.InputFileKey, inputPath); err != nil {
		return false, fmt.Errorf("annotator: download input for %s: %w", event.JobID, err)
	}

	// The conditional transition happens BEFORE the pipeline is spawned: a
	// second concurrent delivery must find the job already RUNNING and be
	// stopped from spawning a second pipeline, per the duplicate-delivery
	// safety paragraph — exactly one subprocess is ever spawned per job_id.
	if err := w.jobs.ConditionalSetStatus(ctx, event.JobID, domain.JobStatusPending, domain.JobStatusRunning); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost the tie-break (or redelivered after another delivery
			// already advanced the job): do not spawn, just ack.
			_ = os.RemoveAll(jobDir)
			return true, nil
		}
		return false, fmt.Errorf("annotator: conditional set running for %s: %w", event.JobID, err)
	}

	// The CAS succeeded and the pipeline is started only now: this delivery
	// is acked regardless of how the pipeline turns out, including a child
	// that fails to start.
	runErr := w.pipeline.Run(ctx, inputPath, event.JobID, event.UserID, nil)

	if runErr != nil {
		w.fail(ctx, event.JobID, fmt.Sprintf("pipeline execution failed: %v", runErr))
		return true, nil
	}

	artifacts, err := ClassifyArtifacts(jobDir, event.InputFileName)
	if err != nil {
		w.fail(ctx, event.JobID, fmt.Sprintf("artifact classification failed: %v", err))
		return true, nil
	}

	resultKey, logKey, err := w.uploadArtifacts(ctx, event, artifacts)
	if err != nil {
		w.fail(ctx, event.JobID, fmt.Sprintf("artifact upload failed: %v", err))
		return true, nil
	}

	completeTime := time.Now().UTC()
	if err := w.jobs.MarkCompleted(ctx, event.JobID, completeTime, resultKey, logKey, w.resultsBucket); err != nil {
		w.logger.Error("mark completed failed after successful upload",
			zap.String("job_id", event.JobID), zap.Error(err))
		return true, nil
	}

	_ = os.RemoveAll(jobDir)

	if err := w.publisher.Publish(ctx, completedTopicName, domain.JobCompleted{
		JobID:        event.JobID,
		UserID:       event.UserID,
		CompleteTime: completeTime,
	}); err != nil {
		w.logger.Error("publish JobCompleted failed", zap.String("job_id", event.JobID), zap.Error(err))
	}

	if err := w.scheduler.PublishAfter(archiveTopicName, w.archiveDelay, domain.ArchiveScheduled{JobID: event.JobID}); err != nil {
		w.logger.Error("schedule ArchiveScheduled failed", zap.String("job_id", event.JobID), zap.Error(err))
	}

	return true, nil
}

// uploadArtifacts uploads every classified and extra artifact to the results
// bucket, returning the result_key and log_key to record on the job row.
func (w *Worker) uploadArtifacts(ctx context.Context, event domain.JobSubmitted, a Artifacts) (resultKey, logKey string, err error) {
	resultKey = domain.ResultKey(w.resultsTenant, event.UserID, event.JobID, filepath.Base(a.ResultPath))
	if err := w.objects.UploadFile(ctx, a.ResultPath, resultKey); err != nil {
		return "", "", fmt.Errorf("upload result artifact: %w", err)
	}

	if a.LogPath != "" {
		logKey = domain.ResultKey(w.resultsTenant, event.UserID, event.JobID, filepath.Base(a.LogPath))
		if err := w.objects.UploadFile(ctx, a.LogPath, logKey); err != nil {
			return "", "", fmt.Errorf("upload log artifact: %w", err)
		}
	}

	for _, extra := range a.Extra {
		key := domain.ResultKey(w.resultsTenant, event.UserID, event.JobID, filepath.Base(extra))
		if err := w.objects.UploadFile(ctx, extra, key); err != nil {
			return "", "", fmt.Errorf("upload extra artifact %s: %w", extra, err)
		}
	}

	return resultKey, logKey, nil
}

// fail records the terminal FAILED state, closing the state machine for a
// job whose pipeline subprocess exited non-zero or produced no result
// artifact. This path does not exist in the source this worker is grounded
// on; it was added per the design note that the original state machine
// never resolves a RUNNING job that fails.
func (w *Worker) fail(ctx context.Context, jobID, reason string) {
	if err := w.jobs.ConditionalSetStatus(ctx, jobID, domain.JobStatusRunning, domain.JobStatusFailed); err != nil {
		w.logger.Error("failed to record FAILED status",
			zap.String("job_id", jobID), zap.String("reason", reason), zap.Error(err))
		return
	}
	w.logger.Warn("job failed", zap.String("job_id", jobID), zap.String("reason", reason))
}
