// Package syncer reconciles the three sources of task-list truth (direct
// CRUD, assistant actions, push events) into one bounded refresh path.
// Any number of staleness signals arriving together produce at most one
// in-flight fetch plus one trailing fetch, never a fetch per signal.
package syncer

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/taskpilot/taskpilot/pkg/bus"
	"github.com/taskpilot/taskpilot/pkg/errors"
	"github.com/taskpilot/taskpilot/pkg/logging"
	"github.com/taskpilot/taskpilot/pkg/session"
	"github.com/taskpilot/taskpilot/pkg/tasks"
	"github.com/taskpilot/taskpilot/pkg/telemetry"
)

// TaskSource is the slice of the task repository client the controller
// drives.
type TaskSource interface {
	FetchAll(ctx context.Context) ([]tasks.Task, error)
	Snapshot() []tasks.Task
	Clear()
}

// SessionSource is the slice of the session store the controller needs for
// bootstrap and gating.
type SessionSource interface {
	Token() string
	Identity() *session.Identity
	Profile(ctx context.Context) (*session.Identity, error)
}

// Controller owns the refresh path. UI code calls Refresh (or the bus
// publishes a staleness signal, which amounts to the same call) and reads
// the result with Tasks; it never fetches on its own.
type Controller struct {
	tasks    TaskSource
	sessions SessionSource
	signals  bus.SignalBus
	logger   *logging.Logger
	limiter  *rate.Limiter

	flight  singleflight.Group
	updates chan struct{}

	mu       sync.Mutex
	inFlight bool
	trailing bool

	ctx    context.Context
	cancel context.CancelFunc
	subs   []bus.Subscription
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Tasks    TaskSource
	Sessions SessionSource
	Signals  bus.SignalBus
	Logger   *logging.Logger
	// RefreshLimit, when non-nil, bounds how often fetches hit the wire.
	// Signals arriving faster than the limit still coalesce correctly.
	RefreshLimit *rate.Limiter
}

// NewController creates a controller and subscribes it to the task-list
// signals. Close releases the subscriptions.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		tasks:    opts.Tasks,
		sessions: opts.Sessions,
		signals:  opts.Signals,
		logger:   opts.Logger,
		limiter:  opts.RefreshLimit,
		updates:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	if opts.Signals != nil {
		for subject, handler := range map[string]bus.MessageHandler{
			bus.SubjectTasksStale:   c.onStale,
			bus.SubjectTasksChanged: c.onChanged,
			bus.SubjectSessionEnded: c.onSessionEnded,
		} {
			sub, err := opts.Signals.Subscribe(ctx, subject, handler)
			if err != nil {
				cancel()
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "subscribing to "+subject)
			}
			c.subs = append(c.subs, sub)
		}
	}
	return c, nil
}

// Close unsubscribes and stops any trailing refresh.
func (c *Controller) Close() {
	c.cancel()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
}

// Tasks returns the current task set.
func (c *Controller) Tasks() []tasks.Task {
	return c.tasks.Snapshot()
}

// Updates is a coalescing notification channel: it receives after the task
// set changed for any reason. Readers that fall behind miss intermediate
// notifications, never the final state.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

// Bootstrap brings a fresh process to a consistent state. A persisted token
// without an identity resolves the profile first; only then is the initial
// fetch issued. An auth-class profile failure leaves the controller logged
// out and is returned to the caller.
func (c *Controller) Bootstrap(ctx context.Context) error {
	if c.sessions.Token() == "" {
		return nil
	}
	if c.sessions.Identity() == nil {
		if _, err := c.sessions.Profile(ctx); err != nil {
			c.logger.Warn(logging.CategorySync, "bootstrap", "profile resolution failed", map[string]any{
				"error": err.Error(),
			})
			return err
		}
	}

	telemetry.RefreshRequests.WithLabelValues("bootstrap").Inc()
	return c.RefreshNow(ctx)
}

// Refresh requests a fetch without waiting for it. Redundant calls are
// free: while a fetch is in flight, any number of further calls set a
// single trailing flag, and exactly one follow-up fetch runs afterward to
// pick up whatever the in-flight one may have missed.
func (c *Controller) Refresh() {
	c.mu.Lock()
	if c.inFlight {
		c.trailing = true
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	c.mu.Unlock()

	go func() {
		for {
			if err := c.RefreshNow(c.ctx); err != nil {
				c.logger.Warn(logging.CategorySync, "refresh", "refresh failed", map[string]any{
					"error": err.Error(),
				})
			}

			c.mu.Lock()
			if !c.trailing || c.ctx.Err() != nil {
				c.inFlight = false
				c.mu.Unlock()
				return
			}
			c.trailing = false
			c.mu.Unlock()
		}
	}()
}

// RefreshNow fetches synchronously. Concurrent callers collapse onto one
// network fetch and all receive its result.
func (c *Controller) RefreshNow(ctx context.Context) error {
	_, err, _ := c.flight.Do("fetch", func() (any, error) {
		if c.sessions.Token() == "" {
			return nil, errors.New(errors.ErrCodeSessionMissing, "no active session")
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "refresh cancelled")
			}
		}
		if _, err := c.tasks.FetchAll(ctx); err != nil {
			return nil, err
		}
		c.notify()
		return nil, nil
	})
	return err
}

func (c *Controller) onStale(*bus.Message) {
	telemetry.RefreshRequests.WithLabelValues("stale").Inc()
	c.Refresh()
}

// onChanged fires after a mutation the repository already applied locally
// from the server's own echo, so no refetch is needed, only a redraw.
func (c *Controller) onChanged(*bus.Message) {
	telemetry.RefreshRequests.WithLabelValues("changed").Inc()
	c.notify()
}

func (c *Controller) onSessionEnded(*bus.Message) {
	c.logger.Info(logging.CategorySync, "session_ended", "clearing task set", nil)
	c.tasks.Clear()
	c.notify()
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}
