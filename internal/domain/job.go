// Package domain defines the shared vocabulary used by every component of
// the annotation service: the job record, its lifecycle, and the message
// envelopes exchanged over the bus.
package domain

import "time"

// JobStatus represents the current execution state of an annotation job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Tier identifies a user's subscription tier. Free-tier results are eligible
// for cold-storage archival; premium-tier results are never archived.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Job is the canonical metadata record for one annotation request. JobID is
// the sole business key: every operation that mutates a Job's Status is a
// conditional update on the current status (ConditionalSetStatus or
// MarkCompleted) so concurrent workers can never clobber each other's writes.
type Job struct {
	JobID            string    `gorm:"column:job_id;primaryKey;type:text"`
	UserID           string    `gorm:"column:user_id;not null;index"`
	InputFileName    string    `gorm:"column:input_file_name;not null"`
	InputFileKey     string    `gorm:"column:input_file_key;not null"`
	SubmitTime       time.Time `gorm:"column:submit_time;not null"`
	CompleteTime     *time.Time `gorm:"column:complete_time"`
	JobStatus        JobStatus `gorm:"column:job_status;not null;index"`
	ResultFileKey    string    `gorm:"column:result_file_key;default:''"`
	LogFileKey       string    `gorm:"column:log_file_key;default:''"`
	ResultsBucket    string    `gorm:"column:results_bucket;default:''"`
	ArchiveID        string    `gorm:"column:archive_id;default:''"` // non-empty while COMPLETED results live in cold storage
	CreatedAt        time.Time `gorm:"column:created_at;not null"`
	UpdatedAt        time.Time `gorm:"column:updated_at;not null"`
	Version          int64     `gorm:"column:version;not null;default:0"` // diagnostic only, never a correctness mechanism
}

// TableName pins the GORM table name regardless of struct renames.
func (Job) TableName() string { return "jobs" }

// JobSubmitted is published by the request-intake component once an input
// object has landed in the bucket and the job row has been inserted as
// PENDING.
type JobSubmitted struct {
	JobID         string `json:"job_id"`
	UserID        string `json:"user_id"`
	InputFileName string `json:"input_file_name"`
	InputFileKey  string `json:"input_file_key"`
}

// JobCompleted is published by the annotator once the pipeline succeeds and
// the job row has been marked COMPLETED.
type JobCompleted struct {
	JobID        string    `json:"job_id"`
	UserID       string    `json:"user_id"`
	CompleteTime time.Time `json:"complete_time"`
}

// ArchiveScheduled is the scheduled (delayed) message the annotator
// publishes right after JobCompleted; the archiver acts on it only once its
// delay has elapsed.
type ArchiveScheduled struct {
	JobID string `json:"job_id"`
}

// ThawRequested is published once per archived job when a user upgrades to
// premium and the thaw producer walks their archived job history.
type ThawRequested struct {
	JobID     string `json:"job_id"`
	ArchiveID string `json:"archive_id"`
}

// RestoreReady mirrors the payload a cold-storage retrieval-completion
// notification carries: enough information for the restore handler to fetch
// the retrieved bytes and know whether the job succeeded.
type RestoreReady struct {
	JobDescription string `json:"job_description"` // application job_id, round-tripped through the vault
	Completed      bool   `json:"completed"`
	StatusCode     string `json:"status_code"` // "Succeeded" or "Failed"
}
