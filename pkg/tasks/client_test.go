package tasks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/pkg/bus"
	"github.com/taskpilot/taskpilot/pkg/errors"
	"github.com/taskpilot/taskpilot/pkg/session"
)

type fakeSession struct {
	mu       sync.Mutex
	token    string
	identity *session.Identity
}

func (f *fakeSession) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeSession) Identity() *session.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

func (f *fakeSession) logout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	f.identity = nil
}

func activeSession() *fakeSession {
	return &fakeSession{
		token:    "tok",
		identity: &session.Identity{ID: "user-1", Username: "ada", Email: "ada@example.com"},
	}
}

// taskBackend is an in-memory fake of the task API.
type taskBackend struct {
	mu       sync.Mutex
	nextID   int64
	order    []int64
	tasks    map[int64]Task
	requests atomic.Int64
}

func newTaskBackend() *taskBackend {
	return &taskBackend{nextID: 1, tasks: make(map[int64]Task)}
}

func (b *taskBackend) list() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Task, 0, len(b.order))
	for _, id := range b.order {
		if t, ok := b.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (b *taskBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		b.mu.Lock()
		defer b.mu.Unlock()

		switch {
		case r.Method == http.MethodGet && len(parts) == 2:
			out := make([]Task, 0, len(b.order))
			for _, id := range b.order {
				out = append(out, b.tasks[id])
			}
			json.NewEncoder(w).Encode(out)

		case r.Method == http.MethodPost && len(parts) == 2:
			var in Task
			json.NewDecoder(r.Body).Decode(&in)
			in.ID = b.nextID
			b.nextID++
			b.tasks[in.ID] = in
			b.order = append(b.order, in.ID)
			json.NewEncoder(w).Encode(in)

		case r.Method == http.MethodPatch && len(parts) == 4 && parts[3] == "complete":
			id, _ := strconv.ParseInt(parts[2], 10, 64)
			var in struct {
				Completed bool `json:"completed"`
			}
			json.NewDecoder(r.Body).Decode(&in)
			t, ok := b.tasks[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			t.Completed = in.Completed
			b.tasks[id] = t
			// Bare ack, deliberately not the task.
			json.NewEncoder(w).Encode(map[string]string{"message": "Task completion updated"})

		case r.Method == http.MethodPut && len(parts) == 3:
			id, _ := strconv.ParseInt(parts[2], 10, 64)
			var in Task
			json.NewDecoder(r.Body).Decode(&in)
			if _, ok := b.tasks[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			in.ID = id
			b.tasks[id] = in
			json.NewEncoder(w).Encode(in)

		case r.Method == http.MethodDelete && len(parts) == 3:
			id, _ := strconv.ParseInt(parts[2], 10, 64)
			if _, ok := b.tasks[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(b.tasks, id)
			for i, known := range b.order {
				if known == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
			json.NewEncoder(w).Encode(map[string]string{"message": "Task deleted"})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestClient(t *testing.T) (*Client, *taskBackend, *fakeSession) {
	t.Helper()
	backend := newTaskBackend()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	sess := activeSession()
	client := NewClient(Options{BaseURL: srv.URL, Sessions: sess})
	return client, backend, sess
}

func TestFetchAll_ReplacesWholesale(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.Create(ctx, "first")
	require.NoError(t, err)
	_, err = client.Create(ctx, "second")
	require.NoError(t, err)

	got, err := client.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Title)
	assert.Equal(t, "second", got[1].Title)
}

// Interleaved mutations that each succeed must leave the local set equal
// to what a fetch afterward returns.
func TestMutationSequence_NoDrift(t *testing.T) {
	client, backend, _ := newTestClient(t)
	ctx := context.Background()

	first, err := client.Create(ctx, "buy milk")
	require.NoError(t, err)
	second, err := client.Create(ctx, "walk dog")
	require.NoError(t, err)
	third, err := client.Create(ctx, "write report")
	require.NoError(t, err)

	require.NoError(t, client.ToggleComplete(ctx, first.ID, false))
	_, err = client.Update(ctx, second.ID, "walk the dog", "around the block")
	require.NoError(t, err)
	require.NoError(t, client.Remove(ctx, third.ID))
	require.NoError(t, client.ToggleComplete(ctx, first.ID, true))

	local := client.Snapshot()
	assert.Equal(t, backend.list(), local, "local set must match server state")

	fetched, err := client.FetchAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, local, fetched, "fetch must be a no-op after clean mutations")
}

func TestToggleComplete_FlipsLocallyDespiteAckBody(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()

	created, err := client.Create(ctx, "task")
	require.NoError(t, err)

	require.NoError(t, client.ToggleComplete(ctx, created.ID, false))
	got, ok := client.Get(created.ID)
	require.True(t, ok)
	assert.True(t, got.Completed)

	require.NoError(t, client.ToggleComplete(ctx, created.ID, true))
	got, _ = client.Get(created.ID)
	assert.False(t, got.Completed)
}

// Editing a title concurrently with a completion change must not clobber
// the completion state: Update reads completed from the local value.
func TestUpdate_PreservesLocalCompletion(t *testing.T) {
	client, backend, _ := newTestClient(t)
	ctx := context.Background()

	created, err := client.Create(ctx, "draft")
	require.NoError(t, err)
	require.NoError(t, client.ToggleComplete(ctx, created.ID, false))

	updated, err := client.Update(ctx, created.ID, "final title", "notes")
	require.NoError(t, err)

	assert.True(t, updated.Completed, "completion flipped before the edit must survive it")
	assert.Equal(t, "final title", updated.Title)

	serverTasks := backend.list()
	require.Len(t, serverTasks, 1)
	assert.True(t, serverTasks[0].Completed)
}

func TestOperations_NoSessionFailFastWithoutNetwork(t *testing.T) {
	client, backend, sess := newTestClient(t)
	ctx := context.Background()

	_, err := client.Create(ctx, "before logout")
	require.NoError(t, err)
	before := backend.requests.Load()

	sess.logout()

	_, err = client.FetchAll(ctx)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionMissing))
	_, err = client.Create(ctx, "after logout")
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionMissing))
	err = client.ToggleComplete(ctx, 1, false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionMissing))
	_, err = client.Update(ctx, 1, "x", "")
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionMissing))
	err = client.Remove(ctx, 1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionMissing))

	assert.Equal(t, before, backend.requests.Load(), "no network call may be issued without a session")
}

func TestCreate_EmptyTitleRejectedLocally(t *testing.T) {
	client, backend, _ := newTestClient(t)

	_, err := client.Create(context.Background(), "   ")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
	assert.Zero(t, backend.requests.Load())
}

func TestMutations_PublishTasksChanged(t *testing.T) {
	backend := newTaskBackend()
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	signals := bus.NewMemoryBus()
	defer signals.Close()
	var changed atomic.Int32
	_, err := signals.Subscribe(context.Background(), bus.SubjectTasksChanged, func(*bus.Message) {
		changed.Add(1)
	})
	require.NoError(t, err)

	client := NewClient(Options{BaseURL: srv.URL, Sessions: activeSession(), Signals: signals})
	ctx := context.Background()

	created, err := client.Create(ctx, "task")
	require.NoError(t, err)
	require.NoError(t, client.ToggleComplete(ctx, created.ID, false))
	_, err = client.Update(ctx, created.ID, "renamed", "")
	require.NoError(t, err)
	require.NoError(t, client.Remove(ctx, created.ID))

	assert.Eventually(t, func() bool { return changed.Load() == 4 }, time.Second, 10*time.Millisecond,
		"each successful mutation publishes exactly one tasks.changed signal")
}

func TestServerError_LeavesLocalSetIntact(t *testing.T) {
	client, backend, _ := newTestClient(t)
	ctx := context.Background()

	created, err := client.Create(ctx, "keep me")
	require.NoError(t, err)

	// Removing an unknown id fails server-side; the local set must not
	// change and the failure must resolve as a server-class error.
	err = client.Remove(ctx, created.ID+100)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRepoServer))

	snapshot := client.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "keep me", snapshot[0].Title)
	assert.Equal(t, backend.list(), snapshot)
}

func TestNetworkFailure_IsRepoNetwork(t *testing.T) {
	srv := httptest.NewServer(nil)
	srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, Sessions: activeSession()})
	_, err := client.FetchAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRepoNetwork))
}

func TestClear_DropsLocalSet(t *testing.T) {
	client, _, _ := newTestClient(t)
	_, err := client.Create(context.Background(), "task")
	require.NoError(t, err)

	client.Clear()
	assert.Empty(t, client.Snapshot())
}
