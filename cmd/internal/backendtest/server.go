// Package backendtest provides an in-process Pulse backend for tests.
//
// It implements the REST and websocket contract the client core consumes:
// cookie-based refresh rotation, bearer-authenticated task CRUD with
// optimistic concurrency, and a task event stream. State is in memory and
// instrumented with counters so tests can assert pipeline behavior (e.g. how
// many refresh calls were issued).
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"pulse/cmd/internal/tasks"
	v1 "pulse/shared/contracts/sync/v1"
)

const subprotocol = "pulse.sync.v1"

// User is a seeded account.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	IsActive  bool   `json:"is_active"`

	password string
}

// Server is the fake backend.
type Server struct {
	srv *httptest.Server

	mu          sync.Mutex
	users       map[string]*User // by email
	taskRecs    map[string]tasks.Task
	accessToks  map[string]string // access token -> user id
	refreshToks map[string]string // refresh cookie value -> user id
	nextID      int64

	refreshCalls atomic.Int64
	dialCount    atomic.Int64

	// Failure injection.
	refreshStatus atomic.Int32 // 0 = normal; otherwise forced status
	authFail      atomic.Bool  // reject every bearer token

	wsMu    sync.Mutex
	wsConns []*websocket.Conn
}

// New starts a Server; it is shut down with the test.
func New(t interface {
	Cleanup(func())
	Helper()
}) *Server {
	t.Helper()

	s := &Server{
		users:       make(map[string]*User),
		taskRecs:    make(map[string]tasks.Task),
		accessToks:  make(map[string]string),
		refreshToks: make(map[string]string),
	}
	s.srv = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

// Close shuts the server down and drops websocket subscribers.
func (s *Server) Close() {
	s.CloseConns(websocket.StatusGoingAway)
	s.srv.Close()
}

// URL is the REST root.
func (s *Server) URL() string { return s.srv.URL }

// WSURL is the event-stream endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/sync"
}

// ---- state helpers ----

// AddUser seeds an account and returns it.
func (s *Server) AddUser(email, password string) User {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := &User{
		ID:       s.newID("u"),
		Email:    email,
		Role:     "USER",
		IsActive: true,
		password: password,
	}
	s.users[email] = u
	return *u
}

// SeedTask installs a task directly, bypassing the API.
func (s *Server) SeedTask(t tasks.Task) tasks.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = s.newID("t")
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	s.taskRecs[t.ID] = t
	return t
}

// Task returns the server's current record.
func (s *Server) Task(id string) (tasks.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.taskRecs[id]
	return t, ok
}

// RefreshCalls reports how many refresh-endpoint calls were observed.
func (s *Server) RefreshCalls() int64 { return s.refreshCalls.Load() }

// DialCount reports how many websocket connections were accepted.
func (s *Server) DialCount() int64 { return s.dialCount.Load() }

// RevokeAccessTokens invalidates all issued access tokens, simulating expiry.
// Refresh cookies stay valid, so the next refresh succeeds.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToks = make(map[string]string)
}

// RevokeRefreshTokens invalidates refresh cookies, so the next refresh is
// rejected terminally.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshToks = make(map[string]string)
}

// SetRefreshStatus forces the refresh endpoint to return status; 0 restores
// normal behavior. Use 401 for terminal rejection, 503 for transient failure.
func (s *Server) SetRefreshStatus(status int) {
	s.refreshStatus.Store(int32(status))
}

// SetAuthFail makes every authenticated endpoint return 401 regardless of the
// presented token, while refresh keeps succeeding. Exercises retry bounds.
func (s *Server) SetAuthFail(fail bool) {
	s.authFail.Store(fail)
}

func (s *Server) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

// ---- router ----

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/refresh", s.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/auth/logout", s.handleLogout)
		r.Get("/auth/profile", s.handleProfile)

		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks/stats", s.handleStats)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Patch("/tasks/{id}", s.handleUpdateTask)
		r.Patch("/tasks/{id}/assign", s.handleAssignTask)
		r.Delete("/tasks/{id}", s.handleDeleteTask)

		r.Get("/users", s.handleListUsers)
	})

	r.Get("/sync", s.handleSync)

	return r
}

type ctxKey string

const userKey ctxKey = "user"

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_token", "no bearer token")
			return
		}
		if s.authFail.Load() {
			writeError(w, http.StatusUnauthorized, "invalid_token", "token rejected")
			return
		}

		s.mu.Lock()
		uid, ok := s.accessToks[tok]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid_token", "token expired or revoked")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, uid)))
	})
}

// ---- auth handlers ----

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	s.mu.Lock()
	u, ok := s.users[in.Email]
	if !ok || u.password != in.Password {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "email or password incorrect")
		return
	}

	access := s.newID("access")
	refresh := s.newID("refresh")
	s.accessToks[access] = u.ID
	s.refreshToks[refresh] = u.ID
	user := *u
	s.mu.Unlock()

	setRefreshCookie(w, refresh)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"user":         user,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	s.mu.Lock()
	if _, exists := s.users[in.Email]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "email_taken", "account already exists")
		return
	}
	u := &User{
		ID:        s.newID("u"),
		Email:     in.Email,
		Role:      "USER",
		FirstName: in.FirstName,
		LastName:  in.LastName,
		IsActive:  true,
		password:  in.Password,
	}
	s.users[in.Email] = u
	user := *u
	s.mu.Unlock()

	// Registration returns a plain user, never a session.
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	if st := int(s.refreshStatus.Load()); st != 0 {
		writeError(w, st, "refresh_forced", "injected failure")
		return
	}

	c, err := r.Cookie("pulse_refresh")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "no_refresh", "missing refresh cookie")
		return
	}

	s.mu.Lock()
	uid, ok := s.refreshToks[c.Value]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "refresh_rejected", "refresh token invalid")
		return
	}

	// Rotation: the presented refresh token is consumed.
	delete(s.refreshToks, c.Value)
	access := s.newID("access")
	refresh := s.newID("refresh")
	s.accessToks[access] = uid
	s.refreshToks[refresh] = uid
	s.mu.Unlock()

	setRefreshCookie(w, refresh)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"user_id":      uid,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie("pulse_refresh"); err == nil {
		s.mu.Lock()
		delete(s.refreshToks, c.Value)
		s.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	uid, _ := r.Context().Value(userKey).(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == uid {
			writeJSON(w, http.StatusOK, *u)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no_user", "user not found")
}

// ---- task handlers ----

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	s.mu.Lock()
	out := make([]tasks.Task, 0, len(s.taskRecs))
	for _, t := range s.taskRecs {
		if v := q.Get("status"); v != "" && string(t.Status) != v {
			continue
		}
		if v := q.Get("priority"); v != "" && string(t.Priority) != v {
			continue
		}
		if v := q.Get("assignee_id"); v != "" && (t.AssigneeID == nil || *t.AssigneeID != v) {
			continue
		}
		out = append(out, t)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	uid, _ := r.Context().Value(userKey).(string)

	var in struct {
		Title       string     `json:"title"`
		Description string     `json:"description"`
		Priority    string     `json:"priority"`
		AssigneeID  *string    `json:"assignee_id"`
		DueDate     *time.Time `json:"due_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "title required")
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	t := tasks.Task{
		ID:          s.newID("t"),
		Title:       in.Title,
		Description: in.Description,
		Status:      tasks.StatusTodo,
		Priority:    tasks.Priority(in.Priority),
		AssigneeID:  in.AssigneeID,
		CreatorID:   uid,
		Version:     1,
		DueDate:     in.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Priority == "" {
		t.Priority = tasks.PriorityMedium
	}
	s.taskRecs[t.ID] = t
	s.mu.Unlock()

	s.broadcast(v1.TypeTaskCreated, t)
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	t, ok := s.taskRecs[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var in struct {
		Version     int64      `json:"version"`
		Title       *string    `json:"title"`
		Description *string    `json:"description"`
		Status      *string    `json:"status"`
		Priority    *string    `json:"priority"`
		DueDate     *time.Time `json:"due_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	s.mu.Lock()
	t, ok := s.taskRecs[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "no such task")
		return
	}
	if in.Version != t.Version {
		cur := t
		s.mu.Unlock()
		writeConflict(w, cur)
		return
	}

	if in.Title != nil {
		t.Title = *in.Title
	}
	if in.Description != nil {
		t.Description = *in.Description
	}
	if in.Status != nil {
		t.Status = tasks.Status(*in.Status)
	}
	if in.Priority != nil {
		t.Priority = tasks.Priority(*in.Priority)
	}
	if in.DueDate != nil {
		t.DueDate = in.DueDate
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	s.taskRecs[id] = t
	s.mu.Unlock()

	s.broadcast(v1.TypeTaskUpdated, t)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var in struct {
		Version    int64   `json:"version"`
		AssigneeID *string `json:"assignee_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	s.mu.Lock()
	t, ok := s.taskRecs[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "no such task")
		return
	}
	if in.Version != t.Version {
		cur := t
		s.mu.Unlock()
		writeConflict(w, cur)
		return
	}

	t.AssigneeID = in.AssigneeID
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	s.taskRecs[id] = t
	s.mu.Unlock()

	s.broadcast(v1.TypeTaskAssigned, t)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	version, _ := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)

	s.mu.Lock()
	t, ok := s.taskRecs[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "no such task")
		return
	}
	if version != t.Version {
		cur := t
		s.mu.Unlock()
		writeConflict(w, cur)
		return
	}
	delete(s.taskRecs, id)
	s.mu.Unlock()

	t.Version++
	s.broadcast(v1.TypeTaskDeleted, t)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()

	s.mu.Lock()
	stats := struct {
		Total      int            `json:"total"`
		ByStatus   map[string]int `json:"by_status"`
		ByPriority map[string]int `json:"by_priority"`
		Overdue    int            `json:"overdue"`
	}{
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
	}
	for _, t := range s.taskRecs {
		stats.Total++
		stats.ByStatus[string(t.Status)]++
		stats.ByPriority[string(t.Priority)]++
		if t.IsOverdue(now) {
			stats.Overdue++
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

// ---- websocket ----

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		return
	}
	s.wsMu.Lock()
	s.wsConns = append(s.wsConns, conn)
	s.wsMu.Unlock()

	// Counted only once the conn can receive pushes.
	s.dialCount.Add(1)

	// Read loop only to observe the peer closing.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	s.wsMu.Lock()
	for i, c := range s.wsConns {
		if c == conn {
			s.wsConns = append(s.wsConns[:i], s.wsConns[i+1:]...)
			break
		}
	}
	s.wsMu.Unlock()
}

// PushEvent delivers an arbitrary envelope to all subscribers. Used by tests
// that need precise control over versions and ordering.
func (s *Server) PushEvent(env v1.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	s.PushRaw(data)
}

// PushRaw delivers an arbitrary text frame to all subscribers.
func (s *Server) PushRaw(data []byte) {
	s.wsMu.Lock()
	conns := append([]*websocket.Conn(nil), s.wsConns...)
	s.wsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range conns {
		_ = c.Write(ctx, websocket.MessageText, data)
	}
}

// PushTaskEvent builds and delivers a task event with a full snapshot.
func (s *Server) PushTaskEvent(typ string, t tasks.Task) {
	s.PushEvent(taskEnvelope(typ, t))
}

// CloseConns drops all websocket subscribers with code, simulating an
// abnormal disconnect when code is not a normal closure.
func (s *Server) CloseConns(code websocket.StatusCode) {
	s.wsMu.Lock()
	conns := s.wsConns
	s.wsConns = nil
	s.wsMu.Unlock()

	for _, c := range conns {
		_ = c.Close(code, "test close")
	}
}

// broadcast mirrors what the production backend does after each accepted
// mutation: every subscriber gets the new authoritative record.
func (s *Server) broadcast(typ string, t tasks.Task) {
	s.PushTaskEvent(typ, t)
}

func taskEnvelope(typ string, t tasks.Task) v1.Envelope {
	snap := &v1.TaskSnapshot{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		AssigneeID:  t.AssigneeID,
		CreatorID:   t.CreatorID,
		Version:     t.Version,
		DueDate:     t.DueDate,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if typ == v1.TypeTaskDeleted {
		snap = nil
	}

	payload, _ := json.Marshal(v1.TaskEventPayload{
		TaskID:  t.ID,
		Version: t.Version,
		Task:    snap,
	})
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "message": msg})
}

func writeConflict(w http.ResponseWriter, current tasks.Task) {
	writeJSON(w, http.StatusConflict, map[string]any{
		"code":    "version_conflict",
		"message": "submitted version is stale",
		"current": current,
	})
}

func setRefreshCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "pulse_refresh",
		Value:    value,
		Path:     "/",
		HttpOnly: true,
	})
}
