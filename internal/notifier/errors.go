package notifier

import "errors"

// ErrSendFailed is returned when a notification could not be delivered. It
// is non-fatal transient-by-default — callers leave the triggering queue
// message undeleted so it redelivers.
var ErrSendFailed = errors.New("notifier: send failed")
