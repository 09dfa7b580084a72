package thaw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/coldstorage"
	"github.com/uc-gas/gas/internal/domain"
	"github.com/uc-gas/gas/internal/store"
)

type fakeJobStore struct {
	jobs []domain.Job
}

func (f *fakeJobStore) Insert(context.Context, *domain.Job) error { return nil }
func (f *fakeJobStore) ConditionalSetStatus(context.Context, string, domain.JobStatus, domain.JobStatus) error {
	return nil
}
func (f *fakeJobStore) MarkCompleted(context.Context, string, time.Time, string, string, string) error {
	return nil
}
func (f *fakeJobStore) SetArchiveID(context.Context, string, string) error { return nil }
func (f *fakeJobStore) ClearArchiveID(context.Context, string) error      { return nil }
func (f *fakeJobStore) Get(context.Context, string) (*domain.Job, error) { return nil, store.ErrNotFound }
func (f *fakeJobStore) QueryByUser(_ context.Context, userID string) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range f.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	return out, nil
}

func TestProducerPublishesOnlyArchivedJobs(t *testing.T) {
	jobs := &fakeJobStore{jobs: []domain.Job{
		{JobID: "job-1", UserID: "user-1", JobStatus: domain.JobStatusCompleted, ArchiveID: "archive-1"},
		{JobID: "job-2", UserID: "user-1", JobStatus: domain.JobStatusCompleted},
		{JobID: "job-3", UserID: "user-1", JobStatus: domain.JobStatusCompleted, ArchiveID: "archive-3"},
	}}

	b := bus.New(zap.NewNop())
	q := b.DeclareQueue("thaw-requested")
	require.NoError(t, b.Subscribe(thawTopicName, "thaw-requested"))

	p := NewProducer(jobs, b, zap.NewNop())
	n, err := p.Produce(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs, err := q.Receive(context.Background(), 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestThawHandlerDelegatesToProducer(t *testing.T) {
	jobs := &fakeJobStore{jobs: []domain.Job{
		{JobID: "job-1", UserID: "user-9", JobStatus: domain.JobStatusCompleted, ArchiveID: "archive-1"},
	}}
	b := bus.New(zap.NewNop())
	b.DeclareQueue("thaw-requested")
	require.NoError(t, b.Subscribe(thawTopicName, "thaw-requested"))

	h := NewHandler(NewProducer(jobs, b, zap.NewNop()), zap.NewNop())

	r := chi.NewRouter()
	r.Post("/internal/users/{user_id}/thaw", h.Thaw)

	req := httptest.NewRequest(http.MethodPost, "/internal/users/user-9/thaw", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"jobs_thawed":1`)
}

type fakeRetriever struct {
	mu      sync.Mutex
	calls   []coldstorage.Tier
	failTil coldstorage.Tier // if set, this tier returns ErrInsufficientCapacity
}

func (f *fakeRetriever) InitiateRetrieval(_ context.Context, _, _ string, tier coldstorage.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tier)
	if f.failTil != "" && tier == f.failTil {
		return coldstorage.ErrInsufficientCapacity
	}
	return nil
}

func TestWorkerPrefersExpedited(t *testing.T) {
	b := bus.New(zap.NewNop())
	q := b.DeclareQueue("thaw-requested")
	require.NoError(t, b.Subscribe("thaw-topic", "thaw-requested"))
	require.NoError(t, b.Publish(context.Background(), "thaw-topic", domain.ThawRequested{JobID: "job-1", ArchiveID: "archive-1"}))

	r := &fakeRetriever{}
	w := NewWorker(q, r, zap.NewNop())

	processed, err := w.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []coldstorage.Tier{coldstorage.TierExpedited}, r.calls)
}

func TestWorkerFallsBackToStandardOnInsufficientCapacity(t *testing.T) {
	b := bus.New(zap.NewNop())
	q := b.DeclareQueue("thaw-requested")
	require.NoError(t, b.Subscribe("thaw-topic", "thaw-requested"))
	require.NoError(t, b.Publish(context.Background(), "thaw-topic", domain.ThawRequested{JobID: "job-2", ArchiveID: "archive-2"}))

	r := &fakeRetriever{failTil: coldstorage.TierExpedited}
	w := NewWorker(q, r, zap.NewNop())

	processed, err := w.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []coldstorage.Tier{coldstorage.TierExpedited, coldstorage.TierStandard}, r.calls)
}
