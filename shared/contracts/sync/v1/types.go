// Package v1 defines the Pulse Task Sync Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the client core and tooling to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeTaskCreated announces a task created by another client (server -> client).
	TypeTaskCreated = "task_created"
	// TypeTaskUpdated announces a task mutation (status/edit) by another client (server -> client).
	TypeTaskUpdated = "task_updated"
	// TypeTaskAssigned announces an assignment change by another client (server -> client).
	TypeTaskAssigned = "task_assigned"
	// TypeTaskDeleted announces an authoritative deletion (server -> client).
	TypeTaskDeleted = "task_deleted"

	// TypePing is a server liveness probe; it carries no task payload.
	TypePing = "ping"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeTaskCreated,
		TypeTaskUpdated,
		TypeTaskAssigned,
		TypeTaskDeleted,
		TypePing,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// IsTaskEvent reports whether the envelope type carries a TaskEventPayload.
func (e Envelope) IsTaskEvent() bool {
	switch e.Type {
	case TypeTaskCreated, TypeTaskUpdated, TypeTaskAssigned, TypeTaskDeleted:
		return true
	default:
		return false
	}
}

// ---- Payloads ----

// TaskEventPayload describes a remote task mutation.
//
// TaskID and Version are always present. Task is the full authoritative record
// when the server chooses to include it; clients must not fabricate a record
// from an event that omits it.
type TaskEventPayload struct {
	TaskID  string        `json:"task_id"`
	Version int64         `json:"version"`
	Task    *TaskSnapshot `json:"task,omitempty"`
}

// Validate checks the minimal fields every task event must carry.
func (p TaskEventPayload) Validate() error {
	if strings.TrimSpace(p.TaskID) == "" {
		return errors.New("missing field: task_id")
	}
	if p.Version <= 0 {
		return fmt.Errorf("invalid version: %d", p.Version)
	}
	return nil
}

// TaskSnapshot is the full task record as carried on the wire.
type TaskSnapshot struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	CreatorID   string     `json:"creator_id"`
	Version     int64      `json:"version"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
