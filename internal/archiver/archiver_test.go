package archiver

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/domain"
	"github.com/uc-gas/gas/internal/identity"
	"github.com/uc-gas/gas/internal/store"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newFakeJobStore() *fakeJobStore { return &fakeJobStore{jobs: make(map[string]*domain.Job)} }

func (f *fakeJobStore) Insert(_ context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.JobID] = &cp
	return nil
}

func (f *fakeJobStore) ConditionalSetStatus(_ context.Context, jobID string, from, to domain.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok || job.JobStatus != from {
		return store.ErrConflict
	}
	job.JobStatus = to
	return nil
}

func (f *fakeJobStore) MarkCompleted(context.Context, string, time.Time, string, string, string) error {
	return nil
}

func (f *fakeJobStore) SetArchiveID(_ context.Context, jobID, archiveID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok || job.JobStatus != domain.JobStatusCompleted || job.ArchiveID != "" {
		return store.ErrConflict
	}
	job.ArchiveID = archiveID
	return nil
}

func (f *fakeJobStore) ClearArchiveID(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return store.ErrConflict
	}
	job.ArchiveID = ""
	return nil
}

func (f *fakeJobStore) Get(_ context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobStore) QueryByUser(context.Context, string) ([]domain.Job, error) { return nil, nil }

// fakeObjectStore simulates the hot results bucket in memory.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) put(bucket, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
}

func (f *fakeObjectStore) OpenObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjectStore) DeleteObject(_ context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, bucket+"/"+key)
	f.deleted = append(f.deleted, bucket+"/"+key)
	return nil
}

// fakeVault simulates coldstorage.Vault's Upload half only.
type fakeVault struct {
	mu      sync.Mutex
	uploads map[string][]byte
}

func newFakeVault() *fakeVault { return &fakeVault{uploads: make(map[string][]byte)} }

func (v *fakeVault) Upload(_ context.Context, archiveID string, stream io.Reader) error {
	data, err := io.ReadAll(stream)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.uploads[archiveID] = data
	return nil
}

type harness struct {
	worker *Worker
	bus    *bus.Bus
	queue  *bus.Queue
}

func newHarness(t *testing.T, jobs store.JobStore, objects objectStore, v vault, idp identity.Provider) *harness {
	t.Helper()
	b := bus.New(zap.NewNop())
	q := b.DeclareQueue("archive-scheduled")
	require.NoError(t, b.Subscribe("archive-scheduled-topic", "archive-scheduled"))

	w := New(q, jobs, objects, v, idp, Config{ResultsBucket: "results-bucket"}, zap.NewNop())
	return &harness{worker: w, bus: b, queue: q}
}

func (h *harness) publish(t *testing.T, event domain.ArchiveScheduled) {
	t.Helper()
	require.NoError(t, h.bus.Publish(context.Background(), "archive-scheduled-topic", event))
}

func TestArchiveFreeTierMovesResultToColdStorage(t *testing.T) {
	jobs := newFakeJobStore()
	objects := newFakeObjectStore()
	v := newFakeVault()
	idp := identity.NewInMemory()
	idp.Register("user-1", "user1@example.com", domain.TierFree)

	require.NoError(t, jobs.Insert(context.Background(), &domain.Job{
		JobID:         "job-1",
		UserID:        "user-1",
		ResultFileKey: "tenant/user-1/job-1/sample.annot.vcf",
		JobStatus:     domain.JobStatusCompleted,
	}))
	objects.put("results-bucket", "tenant/user-1/job-1/sample.annot.vcf", []byte("annotated data"))

	h := newHarness(t, jobs, objects, v, idp)
	h.publish(t, domain.ArchiveScheduled{JobID: "job-1"})

	processed, err := h.worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	got, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.JobStatus, "archiving is a data-model dimension, not a status transition")
	assert.Equal(t, "tenant/user-1/job-1/sample.annot.vcf", got.ArchiveID)

	assert.Equal(t, []byte("annotated data"), v.uploads["tenant/user-1/job-1/sample.annot.vcf"])
	assert.Contains(t, objects.deleted, "results-bucket/tenant/user-1/job-1/sample.annot.vcf")

	redelivered, err := h.queue.Receive(context.Background(), 5*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, redelivered)
}

func TestArchivePremiumTierIsNoOp(t *testing.T) {
	jobs := newFakeJobStore()
	objects := newFakeObjectStore()
	v := newFakeVault()
	idp := identity.NewInMemory()
	idp.Register("user-2", "user2@example.com", domain.TierPremium)

	require.NoError(t, jobs.Insert(context.Background(), &domain.Job{
		JobID:         "job-2",
		UserID:        "user-2",
		ResultFileKey: "tenant/user-2/job-2/sample.annot.vcf",
		JobStatus:     domain.JobStatusCompleted,
	}))
	objects.put("results-bucket", "tenant/user-2/job-2/sample.annot.vcf", []byte("annotated data"))

	h := newHarness(t, jobs, objects, v, idp)
	h.publish(t, domain.ArchiveScheduled{JobID: "job-2"})

	processed, err := h.worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	got, err := jobs.Get(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.JobStatus, "premium results are never archived")
	assert.Empty(t, v.uploads)
	assert.Empty(t, objects.deleted)
}

func TestArchiveStaleDeliveryForNonCompletedJobIsDiscarded(t *testing.T) {
	jobs := newFakeJobStore()
	objects := newFakeObjectStore()
	v := newFakeVault()
	idp := identity.NewInMemory()
	idp.Register("user-3", "user3@example.com", domain.TierFree)

	require.NoError(t, jobs.Insert(context.Background(), &domain.Job{
		JobID:     "job-3",
		UserID:    "user-3",
		JobStatus: domain.JobStatusFailed,
	}))

	h := newHarness(t, jobs, objects, v, idp)
	h.publish(t, domain.ArchiveScheduled{JobID: "job-3"})

	processed, err := h.worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Empty(t, v.uploads)
}

func TestArchiveAlreadyArchivedJobIsDiscarded(t *testing.T) {
	jobs := newFakeJobStore()
	objects := newFakeObjectStore()
	v := newFakeVault()
	idp := identity.NewInMemory()
	idp.Register("user-4", "user4@example.com", domain.TierFree)

	require.NoError(t, jobs.Insert(context.Background(), &domain.Job{
		JobID:     "job-4",
		UserID:    "user-4",
		JobStatus: domain.JobStatusCompleted,
		ArchiveID: "tenant/user-4/job-4/sample.annot.vcf",
	}))

	h := newHarness(t, jobs, objects, v, idp)
	h.publish(t, domain.ArchiveScheduled{JobID: "job-4"})

	processed, err := h.worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Empty(t, v.uploads, "a duplicate ArchiveScheduled for an already-archived job must not re-upload")
}

func TestArchiveHotReadFailureLeavesMessageUnacked(t *testing.T) {
	jobs := newFakeJobStore()
	objects := newFakeObjectStore() // no object put: OpenObject will fail
	v := newFakeVault()
	idp := identity.NewInMemory()
	idp.Register("user-4", "user4@example.com", domain.TierFree)

	require.NoError(t, jobs.Insert(context.Background(), &domain.Job{
		JobID:         "job-4",
		UserID:        "user-4",
		ResultFileKey: "tenant/user-4/job-4/sample.annot.vcf",
		JobStatus:     domain.JobStatusCompleted,
	}))

	h := newHarness(t, jobs, objects, v, idp)
	h.publish(t, domain.ArchiveScheduled{JobID: "job-4"})

	processed, err := h.worker.ProcessOnce(context.Background())
	require.Error(t, err)
	assert.True(t, processed)

	// Not acked: the message stays in flight under its original visibility
	// timeout rather than being deleted, so an immediate re-receive sees
	// nothing available yet (it will only redeliver once that timeout
	// elapses).
	stillInFlight, err := h.queue.Receive(context.Background(), 5*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stillInFlight, "message must not be acked when archival could not complete")
}
