// Package assistant talks to the conversational assistant over two
// transports: a request/response chat endpoint and a persistent push
// channel. Both feed the same outcome, a signal that the task list may be
// stale, onto the signal bus, where the reconciliation controller collapses
// them into one refresh.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/taskpilot/taskpilot/pkg/bus"
	"github.com/taskpilot/taskpilot/pkg/errors"
	"github.com/taskpilot/taskpilot/pkg/logging"
	"github.com/taskpilot/taskpilot/pkg/telemetry"
)

// SessionGate provides the credential gating every assistant call.
type SessionGate interface {
	Token() string
}

// Reply is the assistant's answer to one message.
type Reply struct {
	Response        string `json:"response"`
	ConversationID  string `json:"conversation_id"`
	ActionPerformed bool   `json:"action_performed"`
}

// Client sends free-text commands to the assistant endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	sessions   SessionGate
	signals    bus.SignalBus
	logger     *logging.Logger

	mu             sync.Mutex
	conversationID string
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL        string
	Sessions       SessionGate
	Signals        bus.SignalBus
	Logger         *logging.Logger
	RequestTimeout time.Duration
}

// NewClient creates an assistant client.
func NewClient(opts ClientOptions) *Client {
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
	}
}

// ConversationID returns the sticky conversation id, "" before the first
// successful exchange.
func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// ResetConversation forgets the sticky conversation id so the next message
// starts a new conversation server-side.
func (c *Client) ResetConversation() {
	c.mu.Lock()
	c.conversationID = ""
	c.mu.Unlock()
}

// Send delivers one message to the assistant. The conversation id returned
// by the server on the first exchange is reused for every later message in
// the session; the client never generates one. When the assistant reports
// it acted on the task list, a staleness signal is published for the
// reconciliation controller.
func (c *Client) Send(ctx context.Context, text string) (*Reply, error) {
	token := c.sessions.Token()
	if token == "" {
		return nil, errors.New(errors.ErrCodeSessionMissing, "no active session").
			WithUserMessage("Please log in first")
	}

	payload := map[string]any{"message": text}
	c.mu.Lock()
	if c.conversationID != "" {
		payload["conversation_id"] = c.conversationID
	}
	c.mu.Unlock()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "encoding chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "building chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.ChatExchanges.WithLabelValues("send_failed").Inc()
		return nil, errors.Wrap(err, errors.ErrCodeChannelSend, "chat endpoint unreachable").WithRetryable(true)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		telemetry.ChatExchanges.WithLabelValues("send_failed").Inc()
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 16<<10))
		return nil, errors.New(errors.ErrCodeChannelSend, "chat endpoint error").
			WithContext("status", httpResp.StatusCode).
			WithContext("body", strings.TrimSpace(string(data)))
	}

	var reply Reply
	if err := json.NewDecoder(httpResp.Body).Decode(&reply); err != nil {
		telemetry.ChatExchanges.WithLabelValues("send_failed").Inc()
		return nil, errors.Wrap(err, errors.ErrCodeChannelSend, "decoding chat response")
	}

	c.mu.Lock()
	if c.conversationID == "" && reply.ConversationID != "" {
		c.conversationID = reply.ConversationID
	}
	c.mu.Unlock()

	telemetry.ChatExchanges.WithLabelValues("ok").Inc()
	c.logger.Debug(logging.CategoryChat, "exchange", "assistant replied", map[string]any{
		"action_performed": reply.ActionPerformed,
	})

	if reply.ActionPerformed && c.signals != nil {
		payload, _ := json.Marshal(map[string]string{"source": "chat"})
		_ = c.signals.Publish(ctx, bus.SubjectTasksStale, payload)
	}

	return &reply, nil
}
