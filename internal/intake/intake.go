// Package intake implements the request-intake front-end (C5): minting a
// presigned upload and turning the resulting object-store redirect into a
// PENDING job row plus a published JobSubmitted event.
package intake

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/domain"
	"github.com/uc-gas/gas/internal/httpapi"
	"github.com/uc-gas/gas/internal/objectstore"
	"github.com/uc-gas/gas/internal/store"
)

// uploader is the narrow slice of objectstore.Gateway intake needs: minting
// a presigned POST for a freshly computed key.
type uploader interface {
	GeneratePresignedPost(ctx context.Context, key string) (*objectstore.PresignedPost, error)
}

// Handlers implements the C5 HTTP surface.
type Handlers struct {
	uploads    uploader
	jobs       store.JobStore
	publisher  *bus.Bus
	inputsPfx  string
	submitTopc string
	logger     *zap.Logger
}

// Config configures Handlers.
type Config struct {
	InputPrefix   string // object-key prefix inputs are minted under
	SubmitTopic   string // bus topic JobSubmitted is published to
}

// New constructs Handlers.
func New(uploads uploader, jobs store.JobStore, publisher *bus.Bus, cfg Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		uploads:    uploads,
		jobs:       jobs,
		publisher:  publisher,
		inputsPfx:  cfg.InputPrefix,
		submitTopc: cfg.SubmitTopic,
		logger:     logger.Named("intake"),
	}
}

// MintUpload handles GET /annotate: computes
// key = <prefix>/<user_id>/<uuid>~${filename} and returns a presigned POST
// scoped to that key.
func (h *Handlers) MintUpload(w http.ResponseWriter, r *http.Request) {
	claims := httpapi.ClaimsFromContext(r.Context())
	if claims == nil {
		httpapi.ErrUnauthorized(w)
		return
	}

	jobID := strings.ReplaceAll(uuid.NewString(), "-", "")
	key := h.inputsPfx + "/" + claims.UserID + "/" + jobID + "~${filename}"

	post, err := h.uploads.GeneratePresignedPost(r.Context(), key)
	if err != nil {
		h.logger.Error("generate presigned post failed", zap.Error(err))
		httpapi.ErrInternal(w)
		return
	}

	httpapi.Ok(w, struct {
		URL    string            `json:"url"`
		Fields map[string]string `json:"fields"`
	}{URL: post.URL, Fields: post.Fields})
}

// redirectQuery is the shape of the object-store redirect query parameters
// carried to GET /annotate/job.
type redirectQuery struct {
	Bucket string
	Key    string
}

// IngestRedirect handles GET /annotate/job: parses the object-store
// redirect's bucket and key, inserts a PENDING job record, and publishes
// JobSubmitted. Duplicate job_id (a redelivered redirect) is an idempotent
// 409, not an error.
func (h *Handlers) IngestRedirect(w http.ResponseWriter, r *http.Request) {
	claims := httpapi.ClaimsFromContext(r.Context())
	if claims == nil {
		httpapi.ErrUnauthorized(w)
		return
	}

	q := redirectQuery{
		Bucket: r.URL.Query().Get("bucket"),
		Key:    r.URL.Query().Get("key"),
	}
	if q.Bucket == "" || q.Key == "" {
		httpapi.ErrBadRequest(w, "bucket and key query parameters are required")
		return
	}

	userID, jobID, filename, err := domain.ParseInputKey(q.Key)
	if err != nil {
		httpapi.ErrBadRequest(w, err.Error())
		return
	}
	if userID != claims.UserID {
		httpapi.ErrForbidden(w)
		return
	}

	job := &domain.Job{
		JobID:         jobID,
		UserID:        userID,
		InputFileName: filename,
		InputFileKey:  q.Key,
		JobStatus:     domain.JobStatusPending,
	}

	if err := h.jobs.Insert(r.Context(), job); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			httpapi.ErrConflict(w, "job already submitted")
			return
		}
		h.logger.Error("insert job failed", zap.String("job_id", jobID), zap.Error(err))
		httpapi.ErrInternal(w)
		return
	}

	event := domain.JobSubmitted{
		JobID:         jobID,
		UserID:        userID,
		InputFileName: filename,
		InputFileKey:  q.Key,
	}
	if err := h.publisher.Publish(r.Context(), h.submitTopc, event); err != nil {
		h.logger.Error("publish JobSubmitted failed", zap.String("job_id", jobID), zap.Error(err))
		httpapi.ErrInternal(w)
		return
	}

	httpapi.Created(w, struct {
		JobID string `json:"job_id"`
	}{JobID: jobID})
}
