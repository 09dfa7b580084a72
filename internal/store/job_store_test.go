package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uc-gas/gas/internal/domain"
)

func newTestStore(t *testing.T) JobStore {
	t.Helper()
	db, err := Open(Config{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return NewJobStore(db)
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &domain.Job{
		JobID:         "job-1",
		UserID:        "user-1",
		InputFileName: "sample.vcf",
		InputFileKey:  "inputs/user-1/job-1~sample.vcf",
		JobStatus:     domain.JobStatusPending,
	}
	require.NoError(t, s.Insert(ctx, job))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, got.JobStatus)
	assert.Equal(t, "user-1", got.UserID)
}

func TestInsertDuplicateReturnsAlreadyExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &domain.Job{JobID: "job-dup", UserID: "user-1", InputFileName: "a.vcf", InputFileKey: "k", JobStatus: domain.JobStatusPending}
	require.NoError(t, s.Insert(ctx, job))

	err := s.Insert(ctx, &domain.Job{JobID: "job-dup", UserID: "user-1", InputFileName: "a.vcf", InputFileKey: "k", JobStatus: domain.JobStatusPending})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConditionalSetStatusWinnerAndLoser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, &domain.Job{
		JobID: "job-cas", UserID: "u1", InputFileName: "a.vcf", InputFileKey: "k",
		JobStatus: domain.JobStatusPending,
	}))

	require.NoError(t, s.ConditionalSetStatus(ctx, "job-cas", domain.JobStatusPending, domain.JobStatusRunning))

	// Second attempt from the same starting state loses the race.
	err := s.ConditionalSetStatus(ctx, "job-cas", domain.JobStatusPending, domain.JobStatusRunning)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.Get(ctx, "job-cas")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, got.JobStatus)
}

func TestMarkCompletedThenArchiveLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, &domain.Job{
		JobID: "job-life", UserID: "u1", InputFileName: "a.vcf", InputFileKey: "k",
		JobStatus: domain.JobStatusPending,
	}))
	require.NoError(t, s.ConditionalSetStatus(ctx, "job-life", domain.JobStatusPending, domain.JobStatusRunning))

	completeTime := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.MarkCompleted(ctx, "job-life", completeTime, "tenant/u1/job-life/a.annot.vcf", "tenant/u1/job-life/a.log", "results-bucket"))

	got, err := s.Get(ctx, "job-life")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.JobStatus)
	assert.Equal(t, "results-bucket", got.ResultsBucket)
	require.NotNil(t, got.CompleteTime)

	require.NoError(t, s.SetArchiveID(ctx, "job-life", "archive-123"))
	got, err = s.Get(ctx, "job-life")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.JobStatus, "archiving is a data-model dimension, not a status transition")
	assert.Equal(t, "archive-123", got.ArchiveID)

	require.NoError(t, s.ClearArchiveID(ctx, "job-life"))
	got, err = s.Get(ctx, "job-life")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.JobStatus)
	assert.Empty(t, got.ArchiveID)
}

func TestQueryByUserOrdersBySubmitTimeDescending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour).UTC()
	newer := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, &domain.Job{JobID: "job-old", UserID: "u2", InputFileName: "a.vcf", InputFileKey: "k", JobStatus: domain.JobStatusPending, SubmitTime: older}))
	require.NoError(t, s.Insert(ctx, &domain.Job{JobID: "job-new", UserID: "u2", InputFileName: "b.vcf", InputFileKey: "k2", JobStatus: domain.JobStatusPending, SubmitTime: newer}))
	require.NoError(t, s.Insert(ctx, &domain.Job{JobID: "job-other-user", UserID: "u3", InputFileName: "c.vcf", InputFileKey: "k3", JobStatus: domain.JobStatusPending}))

	jobs, err := s.QueryByUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-new", jobs[0].JobID)
	assert.Equal(t, "job-old", jobs[1].JobID)
}
