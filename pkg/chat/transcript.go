// Package chat keeps the in-memory conversation transcript shown in the
// console. The transcript is append-only and never persisted; a new session
// starts from the welcome message.
package chat

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskpilot/taskpilot/pkg/assistant"
	"github.com/taskpilot/taskpilot/pkg/logging"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry. IDs are monotonic ULIDs so insertion
// order and lexical ID order agree.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
}

// ErrorReply is appended as the assistant's turn when a send fails, so the
// user's message is answered rather than silently dropped.
const ErrorReply = "Sorry, I encountered an error. Please try again."

// Welcome opens every new transcript.
const Welcome = "Hi! I'm your task assistant. Ask me to add, complete, or " +
	"remove tasks, or just tell me what you need to get done."

// Sender delivers one message to the assistant.
type Sender interface {
	Send(ctx context.Context, text string) (*assistant.Reply, error)
}

// Transcript is the ordered message history of one console session.
type Transcript struct {
	sender Sender
	logger *logging.Logger

	mu       sync.Mutex
	entropy  *ulid.MonotonicEntropy
	messages []Message
}

// NewTranscript creates a transcript seeded with the welcome message.
func NewTranscript(sender Sender, logger *logging.Logger) *Transcript {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	tr := &Transcript{
		sender:  sender,
		logger:  logger,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	tr.append(RoleAssistant, Welcome)
	return tr
}

// Messages returns a copy of the transcript in order.
func (tr *Transcript) Messages() []Message {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]Message, len(tr.messages))
	copy(out, tr.messages)
	return out
}

// Exchange records the user's message, sends it to the assistant, and
// records the reply. A send failure still produces an assistant turn: the
// synthetic error reply is appended and the error returned, so the caller
// can surface it without the transcript losing the user's message.
func (tr *Transcript) Exchange(ctx context.Context, text string) (*assistant.Reply, error) {
	tr.append(RoleUser, text)

	reply, err := tr.sender.Send(ctx, text)
	if err != nil {
		tr.logger.Warn(logging.CategoryChat, "exchange_failed", "assistant exchange failed", map[string]any{
			"error": err.Error(),
		})
		tr.append(RoleAssistant, ErrorReply)
		return nil, err
	}

	tr.append(RoleAssistant, reply.Response)
	return reply, nil
}

func (tr *Transcript) append(role Role, content string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	now := time.Now()
	tr.messages = append(tr.messages, Message{
		ID:        ulid.MustNew(ulid.Timestamp(now), tr.entropy).String(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	})
}
