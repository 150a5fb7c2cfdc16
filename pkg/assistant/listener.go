package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/taskpilot/taskpilot/pkg/bus"
	"github.com/taskpilot/taskpilot/pkg/logging"
	"github.com/taskpilot/taskpilot/pkg/telemetry"
)

// ConnState is the push channel connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateOpen         ConnState = "open"
)

// pushEvent is the envelope the push channel delivers. Only the type field
// matters; anything else in the payload is ignored.
type pushEvent struct {
	Type string `json:"type"`
}

const eventTaskUpdate = "task_update"

// Listener holds the push channel open and turns task_update events into
// staleness signals. The connection lifecycle is a loop over
// disconnected -> connecting -> open; a drop at any point falls back to
// disconnected and retries after a fixed backoff, as long as the session
// is still live when the timer fires. There is never more than one
// connection: a new Start supersedes the previous one.
type Listener struct {
	url      string
	sessions SessionGate
	signals  bus.SignalBus
	logger   *logging.Logger

	backoff     time.Duration
	dialTimeout time.Duration

	mu     sync.Mutex
	state  ConnState
	cancel context.CancelFunc
	done   chan struct{}
}

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	// URL is the ws:// or wss:// push endpoint.
	URL      string
	Sessions SessionGate
	Signals  bus.SignalBus
	Logger   *logging.Logger
	// Backoff is the fixed wait between reconnect attempts.
	Backoff     time.Duration
	DialTimeout time.Duration
}

// NewListener creates a push channel listener. Start must be called to
// open the channel.
func NewListener(opts ListenerOptions) *Listener {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}

	return &Listener{
		url:         opts.URL,
		sessions:    opts.Sessions,
		signals:     opts.Signals,
		logger:      opts.Logger,
		backoff:     opts.Backoff,
		dialTimeout: opts.DialTimeout,
		state:       StateDisconnected,
	}
}

// State reports the current connection state.
func (l *Listener) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start opens the push channel and keeps it open until Close is called or
// the session ends. Calling Start while a previous run is active shuts the
// old run down first, so at most one connection ever exists.
func (l *Listener) Start() {
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	go l.run(ctx, done)
}

// Close tears the channel down. It cancels any pending reconnect timer, so
// a logout never races a retry back onto the wire. Safe to call multiple
// times and before Start.
func (l *Listener) Close() {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer l.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return
		}

		// Session liveness is checked at attempt time, not when the
		// retry was scheduled: a logout during the backoff window must
		// stop the loop.
		token := l.sessions.Token()
		if token == "" {
			l.logger.Info(logging.CategoryChannel, "halt", "session gone, push channel stopping", nil)
			return
		}

		l.setState(StateConnecting)
		conn, err := l.dial(ctx, token)
		if err != nil {
			l.setState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			telemetry.PushReconnects.Inc()
			l.logger.Warn(logging.CategoryChannel, "dial_failed", "push channel dial failed", map[string]any{
				"error": err.Error(),
			})
			if !l.wait(ctx) {
				return
			}
			continue
		}

		l.setState(StateOpen)
		l.logger.Info(logging.CategoryChannel, "open", "push channel open", nil)

		l.readLoop(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "reconnecting")

		l.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		telemetry.PushReconnects.Inc()
		if !l.wait(ctx) {
			return
		}
	}
}

func (l *Listener) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, l.dialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(dialCtx, l.url, &websocket.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// readLoop consumes events until the connection drops or ctx is
// cancelled. A payload that fails to decode is logged and skipped; it
// never tears the connection down.
func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn(logging.CategoryChannel, "dropped", "push channel dropped", map[string]any{
					"error": err.Error(),
				})
			}
			return
		}

		var event pushEvent
		if err := json.Unmarshal(data, &event); err != nil {
			telemetry.PushEvents.WithLabelValues("malformed").Inc()
			l.logger.Warn(logging.CategoryChannel, "malformed", "discarding malformed push payload", map[string]any{
				"bytes": len(data),
			})
			continue
		}

		if event.Type != eventTaskUpdate {
			telemetry.PushEvents.WithLabelValues("ignored").Inc()
			continue
		}

		telemetry.PushEvents.WithLabelValues(eventTaskUpdate).Inc()
		payload, _ := json.Marshal(map[string]string{"source": "push"})
		_ = l.signals.Publish(ctx, bus.SubjectTasksStale, payload)
	}
}

// wait sleeps the fixed backoff. Returns false when ctx was cancelled
// before the timer fired.
func (l *Listener) wait(ctx context.Context) bool {
	timer := time.NewTimer(l.backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Listener) setState(s ConnState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}
