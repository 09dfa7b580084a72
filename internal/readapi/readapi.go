// Package readapi implements the three read-only job views (C9): listing a
// user's jobs, fetching one job's detail, and fetching its log. HTML
// rendering is an external collaborator layered in front of this JSON API,
// not something these handlers do themselves.
package readapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/uc-gas/gas/internal/domain"
	"github.com/uc-gas/gas/internal/httpapi"
	"github.com/uc-gas/gas/internal/identity"
	"github.com/uc-gas/gas/internal/store"
)

// jobResponse is the JSON shape returned for both list and detail views.
type jobResponse struct {
	JobID        string  `json:"job_id"`
	InputFile    string  `json:"input_file_name"`
	SubmitTime   string  `json:"submit_time"`
	CompleteTime *string `json:"complete_time,omitempty"`
	Status       string  `json:"status"`
}

// jobDetailResponse extends jobResponse with the fields only the detail view
// needs.
type jobDetailResponse struct {
	jobResponse
	ResultURL   string `json:"result_url,omitempty"`
	Restoring   bool   `json:"restoring,omitempty"`
	UpgradeLink string `json:"upgrade_link,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	resp := jobResponse{
		JobID:      j.JobID,
		InputFile:  j.InputFileName,
		SubmitTime: j.SubmitTime.UTC().Format(timeFormat),
		Status:     string(j.JobStatus),
	}
	if j.CompleteTime != nil {
		s := j.CompleteTime.UTC().Format(timeFormat)
		resp.CompleteTime = &s
	}
	return resp
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// Handlers implements the C9 HTTP surface.
type Handlers struct {
	jobs     store.JobStore
	identity identity.Provider
	gateway  resultSigner
	logger   *zap.Logger
}

// resultSigner is the narrow slice of objectstore.Gateway the detail view
// needs to mint a time-bounded download URL for a completed, unarchived
// result.
type resultSigner interface {
	GeneratePresignedGet(ctx context.Context, key string) (string, error)
}

// New constructs Handlers.
func New(jobs store.JobStore, idp identity.Provider, gateway resultSigner, logger *zap.Logger) *Handlers {
	return &Handlers{jobs: jobs, identity: idp, gateway: gateway, logger: logger.Named("readapi")}
}

// List handles GET /annotations: every job owned by the caller, most recent
// submission first.
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	claims := httpapi.ClaimsFromContext(r.Context())
	if claims == nil {
		httpapi.ErrUnauthorized(w)
		return
	}

	jobs, err := h.jobs.QueryByUser(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("query jobs failed", zap.String("user_id", claims.UserID), zap.Error(err))
		httpapi.ErrInternal(w)
		return
	}

	out := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = toJobResponse(j)
	}
	httpapi.Ok(w, out)
}

// Get handles GET /annotations/{job_id}: detail for one job, including a
// presigned download URL when the result is completed and still hot, or a
// restoring/upgrade-link split when it has been archived.
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	claims := httpapi.ClaimsFromContext(r.Context())
	if claims == nil {
		httpapi.ErrUnauthorized(w)
		return
	}

	jobID := chi.URLParam(r, "job_id")
	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpapi.ErrNotFound(w)
			return
		}
		h.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		httpapi.ErrInternal(w)
		return
	}
	if job.UserID != claims.UserID {
		httpapi.ErrForbidden(w)
		return
	}

	resp := jobDetailResponse{jobResponse: toJobResponse(*job)}

	switch {
	case job.JobStatus == domain.JobStatusCompleted && job.ArchiveID == "":
		url, err := h.gateway.GeneratePresignedGet(r.Context(), job.ResultFileKey)
		if err != nil {
			h.logger.Error("generate presigned get failed", zap.String("job_id", jobID), zap.Error(err))
			httpapi.ErrInternal(w)
			return
		}
		resp.ResultURL = url
	case job.JobStatus == domain.JobStatusCompleted && job.ArchiveID != "":
		tier, err := h.identity.Tier(r.Context(), job.UserID)
		if err != nil {
			h.logger.Error("resolve tier failed", zap.String("user_id", job.UserID), zap.Error(err))
			httpapi.ErrInternal(w)
			return
		}
		if tier == domain.TierPremium {
			resp.Restoring = true
		} else {
			resp.UpgradeLink = "/billing/upgrade"
		}
	}

	httpapi.Ok(w, resp)
}

// Log handles GET /annotations/{job_id}/log: a presigned download URL for the
// pipeline's log artifact, only once the job has completed.
func (h *Handlers) Log(w http.ResponseWriter, r *http.Request) {
	claims := httpapi.ClaimsFromContext(r.Context())
	if claims == nil {
		httpapi.ErrUnauthorized(w)
		return
	}

	jobID := chi.URLParam(r, "job_id")
	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpapi.ErrNotFound(w)
			return
		}
		h.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		httpapi.ErrInternal(w)
		return
	}
	if job.UserID != claims.UserID {
		httpapi.ErrForbidden(w)
		return
	}
	if job.JobStatus != domain.JobStatusCompleted {
		httpapi.ErrUnauthorized(w)
		return
	}

	url, err := h.gateway.GeneratePresignedGet(r.Context(), job.LogFileKey)
	if err != nil {
		h.logger.Error("generate presigned get for log failed", zap.String("job_id", jobID), zap.Error(err))
		httpapi.ErrInternal(w)
		return
	}

	httpapi.Ok(w, struct {
		LogURL string `json:"log_url"`
	}{LogURL: url})
}
