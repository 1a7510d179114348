package tasks

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"pulse/cmd/internal/auth/gateway"
	"pulse/cmd/internal/metrics"
)

// Conflict wire signals. The backend contract is not pinned to one mechanism,
// so the guard accepts either a 409 status or a version_conflict error code.
const conflictCode = "version_conflict"

// Guard enforces optimistic concurrency control on task mutations.
//
// It classifies every mutation response as accepted, conflicted, or rejected,
// and is the only mutation-side writer of the cache. It never retries a
// conflicted mutation: discarding, merging, or re-submitting is the caller's
// decision, because automatic resolution risks silently dropping user intent.
type Guard struct {
	log   *slog.Logger
	cache *Cache
	met   *metrics.Metrics
}

// NewGuard constructs a Guard over cache.
func NewGuard(log *slog.Logger, cache *Cache, met *metrics.Metrics) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{log: log, cache: cache, met: metrics.OrNop(met)}
}

// Reconcile classifies the outcome of a mutation submitted against version
// submitted and, on acceptance, installs the authoritative record.
func (g *Guard) Reconcile(taskID string, submitted int64, got Task, err error) (Task, error) {
	if err != nil {
		apiErr, ok := gateway.AsAPIError(err)
		if !ok {
			// Transport or session failure; not ours to classify.
			return Task{}, err
		}

		switch {
		case isConflict(apiErr):
			g.met.ConflictsTotal.Inc()
			conflict := &ConflictError{TaskID: taskID, SubmittedVersion: submitted}
			if cur := conflictCurrent(apiErr.Body); cur != nil {
				conflict.Current = cur
			}
			g.log.Info("tasks.mutation.conflict", "task_id", taskID, "submitted_version", submitted)
			return Task{}, conflict

		case apiErr.Status == http.StatusNotFound:
			return Task{}, ErrNotFound

		default:
			// Validation or authorization rejection unrelated to versioning.
			return Task{}, err
		}
	}

	// Accepted means the server incremented the version by exactly 1. Any
	// other 2xx version is a concurrent writer we lost to; treat it as a
	// conflict rather than pretending the write landed as submitted.
	if got.Version != submitted+1 {
		g.met.ConflictsTotal.Inc()
		g.log.Info("tasks.mutation.version_skew",
			"task_id", taskID, "submitted_version", submitted, "got_version", got.Version)
		cur := got
		return Task{}, &ConflictError{TaskID: taskID, SubmittedVersion: submitted, Current: &cur}
	}

	g.cache.Apply(got)
	return got, nil
}

// ReconcileDelete classifies the outcome of a deletion submitted against
// version submitted and, on acceptance, drops the task from the cache.
func (g *Guard) ReconcileDelete(taskID string, submitted int64, err error) error {
	if err != nil {
		apiErr, ok := gateway.AsAPIError(err)
		if !ok {
			return err
		}
		switch {
		case isConflict(apiErr):
			g.met.ConflictsTotal.Inc()
			conflict := &ConflictError{TaskID: taskID, SubmittedVersion: submitted}
			if cur := conflictCurrent(apiErr.Body); cur != nil {
				conflict.Current = cur
			}
			return conflict
		case apiErr.Status == http.StatusNotFound:
			return ErrNotFound
		default:
			return err
		}
	}

	g.cache.Drop(taskID)
	return nil
}

func isConflict(e *gateway.APIError) bool {
	return e.Status == http.StatusConflict || e.Code == conflictCode
}

// conflictCurrent extracts the server's current record from a conflict body
// when present: {"code":"version_conflict","current":{...}}.
func conflictCurrent(body []byte) *Task {
	if len(body) == 0 {
		return nil
	}
	var parsed struct {
		Current *Task `json:"current"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	if parsed.Current == nil || parsed.Current.ID == "" {
		return nil
	}
	return parsed.Current
}
