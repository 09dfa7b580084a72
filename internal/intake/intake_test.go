package intake

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uc-gas/gas/internal/auth"
	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/domain"
	"github.com/uc-gas/gas/internal/httpapi"
	"github.com/uc-gas/gas/internal/objectstore"
	"github.com/uc-gas/gas/internal/store"
)

type fakeUploader struct {
	lastKey string
}

func (f *fakeUploader) GeneratePresignedPost(_ context.Context, key string) (*objectstore.PresignedPost, error) {
	f.lastKey = key
	return &objectstore.PresignedPost{URL: "https://storage.example.com/inputs", Fields: map[string]string{"key": key}}, nil
}

type fakeJobStore struct {
	inserted []*domain.Job
	existing map[string]bool
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{existing: make(map[string]bool)}
}

func (f *fakeJobStore) Insert(_ context.Context, job *domain.Job) error {
	if f.existing[job.JobID] {
		return store.ErrAlreadyExists
	}
	f.existing[job.JobID] = true
	f.inserted = append(f.inserted, job)
	return nil
}
func (f *fakeJobStore) ConditionalSetStatus(context.Context, string, domain.JobStatus, domain.JobStatus) error {
	return nil
}
func (f *fakeJobStore) MarkCompleted(context.Context, string, time.Time, string, string, string) error {
	return nil
}
func (f *fakeJobStore) SetArchiveID(context.Context, string, string) error { return nil }
func (f *fakeJobStore) ClearArchiveID(context.Context, string) error      { return nil }
func (f *fakeJobStore) Get(context.Context, string) (*domain.Job, error)  { return nil, store.ErrNotFound }
func (f *fakeJobStore) QueryByUser(context.Context, string) ([]domain.Job, error) {
	return nil, nil
}

func TestMintUploadRequiresAuth(t *testing.T) {
	h := New(&fakeUploader{}, newFakeJobStore(), bus.New(zap.NewNop()), Config{InputPrefix: "inputs", SubmitTopic: "job-submitted"}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/annotate", nil)
	rec := httptest.NewRecorder()
	h.MintUpload(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestRedirectHappyPath(t *testing.T) {
	jobs := newFakeJobStore()
	b := bus.New(zap.NewNop())
	q := b.DeclareQueue("job-submitted")
	require.NoError(t, b.Subscribe("job-submitted", "job-submitted"))

	h := New(&fakeUploader{}, jobs, b, Config{InputPrefix: "inputs", SubmitTopic: "job-submitted"}, zap.NewNop())

	q2 := url.Values{}
	q2.Set("bucket", "inputs-bucket")
	q2.Set("key", "inputs/user-1/job-abc~sample.vcf")

	req := httptest.NewRequest(http.MethodGet, "/annotate/job?"+q2.Encode(), nil)
	req = req.WithContext(withClaimsContext(req.Context(), "user-1"))
	rec := httptest.NewRecorder()

	h.IngestRedirect(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, jobs.inserted, 1)
	assert.Equal(t, "job-abc", jobs.inserted[0].JobID)
	assert.Equal(t, "sample.vcf", jobs.inserted[0].InputFileName)

	msgs, err := q.Receive(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestIngestRedirectForbiddenOnUserMismatch(t *testing.T) {
	jobs := newFakeJobStore()
	b := bus.New(zap.NewNop())
	b.DeclareQueue("job-submitted")
	require.NoError(t, b.Subscribe("job-submitted", "job-submitted"))

	h := New(&fakeUploader{}, jobs, b, Config{InputPrefix: "inputs", SubmitTopic: "job-submitted"}, zap.NewNop())

	q2 := url.Values{}
	q2.Set("bucket", "inputs-bucket")
	q2.Set("key", "inputs/user-1/job-abc~sample.vcf")

	req := httptest.NewRequest(http.MethodGet, "/annotate/job?"+q2.Encode(), nil)
	req = req.WithContext(withClaimsContext(req.Context(), "someone-else"))
	rec := httptest.NewRecorder()

	h.IngestRedirect(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, jobs.inserted)
}

func TestIngestRedirectDuplicateIsConflict(t *testing.T) {
	jobs := newFakeJobStore()
	b := bus.New(zap.NewNop())
	b.DeclareQueue("job-submitted")
	require.NoError(t, b.Subscribe("job-submitted", "job-submitted"))

	h := New(&fakeUploader{}, jobs, b, Config{InputPrefix: "inputs", SubmitTopic: "job-submitted"}, zap.NewNop())

	q2 := url.Values{}
	q2.Set("bucket", "inputs-bucket")
	q2.Set("key", "inputs/user-1/job-abc~sample.vcf")

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/annotate/job?"+q2.Encode(), nil)
		return r.WithContext(withClaimsContext(r.Context(), "user-1"))
	}

	rec1 := httptest.NewRecorder()
	h.IngestRedirect(rec1, req())
	require.Equal(t, http.StatusCreated, rec1.Code)

	rec2 := httptest.NewRecorder()
	h.IngestRedirect(rec2, req())
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

// withClaimsContext stores *auth.Claims using httpapi's own context key by
// going through a real token-free claims value injected the same way
// Authenticate does, so handlers under test see an identical context shape.
func withClaimsContext(ctx context.Context, userID string) context.Context {
	return httpapi.WithClaimsForTest(ctx, &auth.Claims{UserID: userID})
}
