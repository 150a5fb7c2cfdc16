// Package tasks performs CRUD against the task API and maintains the
// authoritative in-memory task set shown to the UI.
//
// Two rules keep local and server state from drifting: the set is only
// ever replaced wholesale by a successful fetch, or patched with the exact
// mutation the server just confirmed (optimistic echo), never merged
// field-by-field from two sources. And every local update happens strictly
// after its own network call succeeds, so a failed call changes nothing.
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taskpilot/taskpilot/pkg/bus"
	"github.com/taskpilot/taskpilot/pkg/errors"
	"github.com/taskpilot/taskpilot/pkg/logging"
	"github.com/taskpilot/taskpilot/pkg/session"
	"github.com/taskpilot/taskpilot/pkg/telemetry"
)

// Task is a single task as the server returns it.
type Task struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Completed   bool   `json:"completed"`
}

// SessionSource provides the credential and identity gating every call.
type SessionSource interface {
	Token() string
	Identity() *session.Identity
}

// Client is the task repository client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	sessions   SessionSource
	signals    bus.SignalBus
	logger     *logging.Logger

	mu    sync.RWMutex
	order []int64
	byID  map[int64]Task
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	Sessions       SessionSource
	Signals        bus.SignalBus
	Logger         *logging.Logger
	RequestTimeout time.Duration
}

// NewClient creates a task repository client.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		sessions:   opts.Sessions,
		signals:    opts.Signals,
		logger:     opts.Logger,
		byID:       make(map[int64]Task),
	}
}

// Snapshot returns a copy of the current task set in server order. The
// copy is taken under the lock, so a caller never sees a half-applied set.
func (c *Client) Snapshot() []Task {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Task, 0, len(c.order))
	for _, id := range c.order {
		if task, ok := c.byID[id]; ok {
			out = append(out, task)
		}
	}
	return out
}

// Get returns the locally known task with the given id.
func (c *Client) Get(id int64) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	task, ok := c.byID[id]
	return task, ok
}

// FetchAll fetches the full task list and replaces the local set
// wholesale. Server return order is preserved.
func (c *Client) FetchAll(ctx context.Context) ([]Task, error) {
	userID, token, sessErr := c.sessionRef()
	if sessErr != nil {
		return nil, sessErr
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/"+userID+"/tasks", token, nil)
	if err != nil {
		return nil, err
	}

	var fetched []Task
	if err := c.do(req, http.StatusOK, &fetched); err != nil {
		return nil, err
	}
	telemetry.TaskFetches.Inc()

	c.mu.Lock()
	c.order = c.order[:0]
	c.byID = make(map[int64]Task, len(fetched))
	for _, task := range fetched {
		c.order = append(c.order, task.ID)
		c.byID[task.ID] = task
	}
	c.mu.Unlock()

	c.logger.Debug(logging.CategoryTasks, "fetch", "task set replaced", map[string]any{"count": len(fetched)})
	return c.Snapshot(), nil
}

// Create adds a task with the given title. Description defaults to empty
// and completed to false; the server-assigned task is appended locally.
func (c *Client) Create(ctx context.Context, title string) (*Task, error) {
	if strings.TrimSpace(title) == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "task title must not be empty")
	}

	userID, token, sessErr := c.sessionRef()
	if sessErr != nil {
		return nil, sessErr
	}

	payload := map[string]any{
		"title":       title,
		"description": "",
		"completed":   false,
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/"+userID+"/tasks", token, payload)
	if err != nil {
		return nil, err
	}

	var created Task
	if err := c.do(req, http.StatusOK, &created); err != nil {
		return nil, err
	}
	telemetry.TaskMutations.WithLabelValues("create").Inc()

	c.mu.Lock()
	c.order = append(c.order, created.ID)
	c.byID[created.ID] = created
	c.mu.Unlock()

	c.notifyChanged(ctx, "create")
	return &created, nil
}

// ToggleComplete flips a task's completion. The response body for this
// endpoint is a bare ack, so the local field is set to !completedBefore
// rather than read back from the server.
func (c *Client) ToggleComplete(ctx context.Context, id int64, completedBefore bool) error {
	userID, token, sessErr := c.sessionRef()
	if sessErr != nil {
		return sessErr
	}

	payload := map[string]any{"completed": !completedBefore}
	path := "/" + userID + "/tasks/" + strconv.FormatInt(id, 10) + "/complete"
	req, err := c.newRequest(ctx, http.MethodPatch, path, token, payload)
	if err != nil {
		return err
	}

	if err := c.do(req, http.StatusOK, nil); err != nil {
		return err
	}
	telemetry.TaskMutations.WithLabelValues("toggle").Inc()

	c.mu.Lock()
	if task, ok := c.byID[id]; ok {
		task.Completed = !completedBefore
		c.byID[id] = task
	}
	c.mu.Unlock()

	c.notifyChanged(ctx, "toggle")
	return nil
}

// Update rewrites a task's title and description. The completed field is
// taken from the currently known local value, not from the caller, so a
// text edit can never clobber completion state that changed underneath it.
func (c *Client) Update(ctx context.Context, id int64, title, description string) (*Task, error) {
	if strings.TrimSpace(title) == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "task title must not be empty")
	}

	userID, token, sessErr := c.sessionRef()
	if sessErr != nil {
		return nil, sessErr
	}

	completed := false
	c.mu.RLock()
	if task, ok := c.byID[id]; ok {
		completed = task.Completed
	}
	c.mu.RUnlock()

	payload := map[string]any{
		"title":       title,
		"description": description,
		"completed":   completed,
	}
	path := "/" + userID + "/tasks/" + strconv.FormatInt(id, 10)
	req, err := c.newRequest(ctx, http.MethodPut, path, token, payload)
	if err != nil {
		return nil, err
	}

	var updated Task
	if err := c.do(req, http.StatusOK, &updated); err != nil {
		return nil, err
	}
	telemetry.TaskMutations.WithLabelValues("update").Inc()

	c.mu.Lock()
	c.byID[id] = updated
	c.mu.Unlock()

	c.notifyChanged(ctx, "update")
	return &updated, nil
}

// Remove deletes a task.
func (c *Client) Remove(ctx context.Context, id int64) error {
	userID, token, sessErr := c.sessionRef()
	if sessErr != nil {
		return sessErr
	}

	path := "/" + userID + "/tasks/" + strconv.FormatInt(id, 10)
	req, err := c.newRequest(ctx, http.MethodDelete, path, token, nil)
	if err != nil {
		return err
	}

	if err := c.do(req, http.StatusOK, nil); err != nil {
		return err
	}
	telemetry.TaskMutations.WithLabelValues("remove").Inc()

	c.mu.Lock()
	delete(c.byID, id)
	for i, known := range c.order {
		if known == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.notifyChanged(ctx, "remove")
	return nil
}

// Clear drops the local task set. Called when the session ends so a stale
// list never shows after re-login as a different user.
func (c *Client) Clear() {
	c.mu.Lock()
	c.order = nil
	c.byID = make(map[int64]Task)
	c.mu.Unlock()
}

// sessionRef snapshots the credential pair for one operation. Absent
// identity or token fails immediately with no network call.
func (c *Client) sessionRef() (string, string, error) {
	identity := c.sessions.Identity()
	token := c.sessions.Token()
	if identity == nil || token == "" {
		return "", "", errors.New(errors.ErrCodeSessionMissing, "no active session").
			WithUserMessage("Please log in first")
	}
	return identity.ID, token, nil
}

func (c *Client) notifyChanged(ctx context.Context, op string) {
	if c.signals == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"op": op})
	_ = c.signals.Publish(ctx, bus.SubjectTasksChanged, payload)
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "encoding request body")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

const maxErrorBodyBytes = 16 << 10

// do executes the request, enforces the expected status, and decodes the
// response into out when non-nil.
func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn(logging.CategoryNetwork, "request_failed", "task request failed", map[string]any{
			"method": req.Method,
			"path":   req.URL.Path,
		})
		return errors.Wrap(err, errors.ErrCodeRepoNetwork, "task endpoint unreachable").WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return errors.New(errors.ErrCodeRepoServer, "task endpoint error").
			WithContext("status", resp.StatusCode).
			WithContext("body", strings.TrimSpace(string(data))).
			WithRetryable(resp.StatusCode >= 500).
			WithUserMessage("The task service returned an error. Please try again.")
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, errors.ErrCodeRepoServer, "decoding task response")
		}
	}
	return nil
}
