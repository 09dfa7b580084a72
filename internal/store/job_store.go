package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/uc-gas/gas/internal/domain"
)

// JobStore is the metadata store client (C1). ConditionalSetStatus is the
// only cross-worker synchronization primitive in the system: every status
// transition that matters for correctness goes through it, never through an
// unconditional Update.
type JobStore interface {
	Insert(ctx context.Context, job *domain.Job) error
	ConditionalSetStatus(ctx context.Context, jobID string, from, to domain.JobStatus) error
	MarkCompleted(ctx context.Context, jobID string, completeTime time.Time, resultKey, logKey, resultsBucket string) error
	SetArchiveID(ctx context.Context, jobID, archiveID string) error
	ClearArchiveID(ctx context.Context, jobID string) error
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	QueryByUser(ctx context.Context, userID string) ([]domain.Job, error)
}

type gormJobStore struct {
	db *gorm.DB
}

// NewJobStore returns a JobStore backed by the provided *gorm.DB.
func NewJobStore(db *gorm.DB) JobStore {
	return &gormJobStore{db: db}
}

// Insert creates a new job row in PENDING. Returns ErrAlreadyExists if
// job_id collides with an existing row (the caller's at-least-once redirect
// handler must treat this as an idempotent success, per Invariant 4).
func (s *gormJobStore) Insert(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.SubmitTime.IsZero() {
		job.SubmitTime = now
	}

	err := s.db.WithContext(ctx).Create(job).Error
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: insert job %s: %w", job.JobID, err)
	}
	return nil
}

// ConditionalSetStatus performs a single UPDATE guarded by both job_id and
// the expected current status. RowsAffected == 0 means either the job does
// not exist or another worker already moved it past "from" — both are
// reported as ErrConflict so callers never need to distinguish them: either
// way, this call did not win the race and must not proceed as though it did.
func (s *gormJobStore) ConditionalSetStatus(ctx context.Context, jobID string, from, to domain.JobStatus) error {
	result := s.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("job_id = ? AND job_status = ?", jobID, from).
		Updates(map[string]interface{}{
			"job_status": to,
			"updated_at": time.Now().UTC(),
			"version":    gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("store: conditional set status %s %s->%s: %w", jobID, from, to, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// MarkCompleted records the terminal success state: complete_time, the two
// result object keys and the bucket they live in, alongside the
// RUNNING->COMPLETED transition. The transition is still conditional — a job
// is only ever marked completed out of RUNNING.
func (s *gormJobStore) MarkCompleted(ctx context.Context, jobID string, completeTime time.Time, resultKey, logKey, resultsBucket string) error {
	result := s.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("job_id = ? AND job_status = ?", jobID, domain.JobStatusRunning).
		Updates(map[string]interface{}{
			"job_status":     domain.JobStatusCompleted,
			"complete_time":  completeTime,
			"result_file_key": resultKey,
			"log_file_key":    logKey,
			"results_bucket":  resultsBucket,
			"updated_at":      time.Now().UTC(),
			"version":         gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("store: mark completed %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// SetArchiveID records the cold-storage archive id for a COMPLETED job's
// results. job_status is untouched by archival: it is a data-model
// dimension (archive_id present or absent), not a status transition. Guarded
// on archive_id currently being empty so a job can only be archived once.
func (s *gormJobStore) SetArchiveID(ctx context.Context, jobID, archiveID string) error {
	result := s.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("job_id = ? AND job_status = ? AND archive_id = ?", jobID, domain.JobStatusCompleted, "").
		Updates(map[string]interface{}{
			"archive_id": archiveID,
			"updated_at": time.Now().UTC(),
			"version":    gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("store: set archive id %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ClearArchiveID removes the archive id after a successful restore.
// job_status stays COMPLETED throughout; it was never changed by
// SetArchiveID in the first place. Guarded on archive_id being non-empty,
// so a stale restore of an already-cleared job is reported as
// a conflict rather than silently succeeding.
func (s *gormJobStore) ClearArchiveID(ctx context.Context, jobID string) error {
	result := s.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("job_id = ? AND job_status = ? AND archive_id <> ?", jobID, domain.JobStatusCompleted, "").
		Updates(map[string]interface{}{
			"archive_id": "",
			"updated_at": time.Now().UTC(),
			"version":    gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("store: clear archive id %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Get retrieves a job by its job_id. Returns ErrNotFound if no row exists.
func (s *gormJobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := s.db.WithContext(ctx).First(&job, "job_id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get job %s: %w", jobID, err)
	}
	return &job, nil
}

// QueryByUser returns every job owned by userID, most recent submission
// first. Used by the read API's list view.
func (s *gormJobStore) QueryByUser(ctx context.Context, userID string) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("submit_time DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("store: query jobs by user %s: %w", userID, err)
	}
	return jobs, nil
}

// isUniqueViolation recognizes the unique-constraint error shape reported by
// both the sqlite and postgres gorm drivers closely enough for our purposes:
// neither exposes a single sentinel, so we fall back to a substring check on
// the underlying driver error text.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return contains(msg, "UNIQUE constraint failed") || contains(msg, "duplicate key value")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
