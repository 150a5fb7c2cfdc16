// Package bus provides the in-process signal bus the synchronization core
// is wired together with. Components publish staleness and lifecycle
// signals; the reconciliation controller subscribes instead of holding
// callback pointers into its collaborators.
package bus

import (
	"context"
	"errors"
)

// Well-known subjects. Payloads are JSON but most signals carry none.
const (
	// SubjectTasksChanged fires after a direct CRUD mutation succeeds.
	SubjectTasksChanged = "tasks.changed"

	// SubjectTasksStale fires when the assistant reports it acted on the
	// task list, over either transport.
	SubjectTasksStale = "tasks.stale"

	// SubjectSessionEnded fires on logout or auth-class rejection.
	SubjectSessionEnded = "session.ended"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// SignalBus is the core interface for in-process signals.
// Implementations must be safe for concurrent use.
type SignalBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The handler is called in a separate goroutine for each message.
	// Supports wildcards: "tasks.*" matches "tasks.changed".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}
