package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"pulse/cmd/internal/auth/gateway"
	"pulse/cmd/internal/auth/sessionctl"
	"pulse/cmd/internal/metrics"
)

// Client is the authenticated task API surface. All calls flow through the
// gateway; all mutations flow through the Guard.
type Client struct {
	log   *slog.Logger
	gw    *gateway.Gateway
	cache *Cache
	guard *Guard
}

// NewClient constructs a task client over gw, writing into cache.
func NewClient(log *slog.Logger, gw *gateway.Gateway, cache *Cache, met *metrics.Metrics) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log:   log,
		gw:    gw,
		cache: cache,
		guard: NewGuard(log, cache, metrics.OrNop(met)),
	}
}

// Cache exposes the shared local cache.
func (c *Client) Cache() *Cache { return c.cache }

// Guard exposes the concurrency guard (the realtime channel does not use it;
// events are reconciled by version in the cache itself).
func (c *Client) Guard() *Guard { return c.guard }

// ---- wire models ----

// CreateInput describes a new task.
type CreateInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

// UpdateInput is a partial edit; nil fields are left untouched by the server.
type UpdateInput struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *Status    `json:"status,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type updateRequest struct {
	Version int64 `json:"version"`
	UpdateInput
}

type assignRequest struct {
	Version    int64   `json:"version"`
	AssigneeID *string `json:"assignee_id"`
}

// Stats is the aggregate view from the stats endpoint.
type Stats struct {
	Total      int              `json:"total"`
	ByStatus   map[Status]int   `json:"by_status"`
	ByPriority map[Priority]int `json:"by_priority"`
	Overdue    int              `json:"overdue"`
}

// ---- reads ----

// List fetches tasks matching f and hydrates the cache. Stale responses never
// roll the cache back: hydration goes through the same version gate as events.
func (c *Client) List(ctx context.Context, f Filter) ([]Task, error) {
	path := "/tasks"
	if q := f.Query(); len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []Task
	if err := c.gw.JSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	for _, t := range out {
		c.cache.Apply(t)
	}
	c.log.Debug("tasks.list.ok", "count", len(out))
	return out, nil
}

// Get fetches one task and hydrates the cache.
func (c *Client) Get(ctx context.Context, id string) (Task, error) {
	var out Task
	if err := c.gw.JSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		if apiErr, ok := gateway.AsAPIError(err); ok && apiErr.Status == http.StatusNotFound {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	c.cache.Apply(out)
	return out, nil
}

// Refetch re-reads a task after a conflict or an invalidation event.
func (c *Client) Refetch(ctx context.Context, id string) (Task, error) {
	return c.Get(ctx, id)
}

// Stats fetches the aggregate task counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	if err := c.gw.JSON(ctx, http.MethodGet, "/tasks/stats", nil, &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

// Assignees lists users available for assignment.
func (c *Client) Assignees(ctx context.Context) ([]sessionctl.User, error) {
	var out []sessionctl.User
	if err := c.gw.JSON(ctx, http.MethodGet, "/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- mutations ----

// Create posts a new task. No version applies: this is the only mutation with
// nothing to be read against.
func (c *Client) Create(ctx context.Context, in CreateInput) (Task, error) {
	var out Task
	if err := c.gw.JSON(ctx, http.MethodPost, "/tasks", in, &out); err != nil {
		return Task{}, err
	}
	c.cache.Apply(out)
	c.log.Info("tasks.create.ok", "task_id", out.ID)
	return out, nil
}

// Update submits a partial edit carrying the last-observed version and
// reconciles the outcome through the guard.
func (c *Client) Update(ctx context.Context, id string, in UpdateInput) (Task, error) {
	cur, ok := c.cache.Get(id)
	if !ok {
		return Task{}, fmt.Errorf("update %s: %w", id, ErrNotCached)
	}

	var out Task
	err := c.gw.JSON(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(id),
		updateRequest{Version: cur.Version, UpdateInput: in}, &out)
	return c.guard.Reconcile(id, cur.Version, out, err)
}

// UpdateStatus is a convenience wrapper for the most common edit.
func (c *Client) UpdateStatus(ctx context.Context, id string, status Status) (Task, error) {
	return c.Update(ctx, id, UpdateInput{Status: &status})
}

// Assign changes the assignee; assigneeID nil unassigns.
func (c *Client) Assign(ctx context.Context, id string, assigneeID *string) (Task, error) {
	cur, ok := c.cache.Get(id)
	if !ok {
		return Task{}, fmt.Errorf("assign %s: %w", id, ErrNotCached)
	}

	var out Task
	err := c.gw.JSON(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(id)+"/assign",
		assignRequest{Version: cur.Version, AssigneeID: assigneeID}, &out)
	return c.guard.Reconcile(id, cur.Version, out, err)
}

// Delete removes a task, carrying the last-observed version. Locally this is
// a terminal cache removal; authoritative deletion happens server-side.
func (c *Client) Delete(ctx context.Context, id string) error {
	cur, ok := c.cache.Get(id)
	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotCached)
	}

	path := fmt.Sprintf("/tasks/%s?version=%d", url.PathEscape(id), cur.Version)
	err := c.gw.JSON(ctx, http.MethodDelete, path, nil, nil)
	return c.guard.ReconcileDelete(id, cur.Version, err)
}
