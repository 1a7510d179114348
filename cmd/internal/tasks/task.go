// Package tasks holds the local task model, the version-gated cache, and the
// optimistic-concurrency guard for task mutations.
package tasks

import (
	"net/url"
	"time"

	v1 "pulse/shared/contracts/sync/v1"
)

// Status is the task workflow state.
type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusDone       Status = "DONE"
)

// Priority is the task urgency level.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Task is the locally cached task record.
//
// Version strictly increases by 1 on every accepted mutation; every mutation
// request must carry the version it was read against.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	CreatorID   string     `json:"creator_id"`
	Version     int64      `json:"version"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsOverdue reports whether the task's due date has passed without completion.
// Derived, never stored.
func (t Task) IsOverdue(now time.Time) bool {
	if t.DueDate == nil || t.Status == StatusDone {
		return false
	}
	return t.DueDate.Before(now)
}

// FromSnapshot converts a wire snapshot into a local Task.
func FromSnapshot(s v1.TaskSnapshot) Task {
	return Task{
		ID:          s.ID,
		Title:       s.Title,
		Description: s.Description,
		Status:      Status(s.Status),
		Priority:    Priority(s.Priority),
		AssigneeID:  s.AssigneeID,
		CreatorID:   s.CreatorID,
		Version:     s.Version,
		DueDate:     s.DueDate,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// Filter is the local view's selection criteria. It drives both list queries
// and the realtime channel's include-test for tasks not cached locally.
type Filter struct {
	Status     *Status
	Priority   *Priority
	AssigneeID *string
}

// Includes reports whether t satisfies the filter.
func (f Filter) Includes(t Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Priority != nil && t.Priority != *f.Priority {
		return false
	}
	if f.AssigneeID != nil {
		if t.AssigneeID == nil || *t.AssigneeID != *f.AssigneeID {
			return false
		}
	}
	return true
}

// Query renders the filter as list-endpoint query parameters.
func (f Filter) Query() url.Values {
	q := url.Values{}
	if f.Status != nil {
		q.Set("status", string(*f.Status))
	}
	if f.Priority != nil {
		q.Set("priority", string(*f.Priority))
	}
	if f.AssigneeID != nil {
		q.Set("assignee_id", *f.AssigneeID)
	}
	return q
}
