package tasks

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict marks a mutation rejected because the submitted
	// version is stale. Recoverable: re-fetch, re-apply intent, re-submit.
	// Never silently resolved.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotCached is returned when a mutation targets a task the client has
	// not read. Mutations must carry the version they were read against, so a
	// read has to come first.
	ErrNotCached = errors.New("task not in local cache")

	// ErrNotFound is returned when the backend reports the task is gone.
	ErrNotFound = errors.New("task not found")
)

// ConflictError carries the server's authoritative state alongside the
// conflict so the caller can offer re-fetch/merge without another round trip.
type ConflictError struct {
	TaskID           string
	SubmittedVersion int64

	// Current is the server's current record when the conflict response
	// included it; nil otherwise.
	Current *Task
}

func (e *ConflictError) Error() string {
	if e.Current != nil {
		return fmt.Sprintf("%s: task %s submitted v%d, server at v%d",
			ErrVersionConflict, e.TaskID, e.SubmittedVersion, e.Current.Version)
	}
	return fmt.Sprintf("%s: task %s submitted v%d", ErrVersionConflict, e.TaskID, e.SubmittedVersion)
}

func (e *ConflictError) Unwrap() error { return ErrVersionConflict }
