package domain

import (
	"fmt"
	"strings"
)

// ParseInputKey splits an input object key of the form
// "<prefix>/<user_id>/<job_id>~<filename>" into its user_id, job_id and
// filename parts. The split on filename happens at the FIRST '~' only, so a
// filename that itself contains '~' is preserved intact.
func ParseInputKey(key string) (userID, jobID, filename string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) < 2 {
		return "", "", "", fmt.Errorf("domain: input key %q does not have a <prefix>/<user_id>/<job_id>~<filename> shape", key)
	}

	userID = parts[len(parts)-2]
	last := parts[len(parts)-1]

	idx := strings.Index(last, "~")
	if idx < 0 {
		return "", "", "", fmt.Errorf("domain: input key %q last segment %q has no job_id~filename separator", key, last)
	}

	jobID = last[:idx]
	filename = last[idx+1:]
	if userID == "" || jobID == "" || filename == "" {
		return "", "", "", fmt.Errorf("domain: input key %q produced an empty component", key)
	}
	return userID, jobID, filename, nil
}

// ResultKey builds the object key under which a completed job's artifacts
// are stored: "<tenant>/<user_id>/<job_id>/<file>".
func ResultKey(tenant, userID, jobID, file string) string {
	return fmt.Sprintf("%s/%s/%s/%s", tenant, userID, jobID, file)
}
