package store

import "errors"

// ErrNotFound is returned when the requested job does not exist.
// Callers should use errors.Is to distinguish it from transport errors.
var ErrNotFound = errors.New("store: job not found")

// ErrConflict is returned by ConditionalSetStatus when the job's current
// status does not match the expected "from" status — another worker has
// already moved it. Callers treat this as a benign race, not a failure.
var ErrConflict = errors.New("store: conditional update did not match")

// ErrAlreadyExists is returned by Insert when a job with the same job_id
// already exists (duplicate submission of the same input key).
var ErrAlreadyExists = errors.New("store: job already exists")
