package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Authentication errors. Only the first three end the session;
	// AUTH_NETWORK must never clear a persisted token.
	ErrCodeAuthInvalidCredentials ErrorCode = "AUTH_INVALID_CREDENTIALS"
	ErrCodeAuthTokenInvalid       ErrorCode = "AUTH_TOKEN_INVALID"
	ErrCodeAuthTokenExpired       ErrorCode = "AUTH_TOKEN_EXPIRED"
	ErrCodeAuthNetwork            ErrorCode = "AUTH_NETWORK"

	// Task repository errors
	ErrCodeSessionMissing ErrorCode = "SESSION_MISSING"
	ErrCodeRepoNetwork    ErrorCode = "REPO_NETWORK"
	ErrCodeRepoServer     ErrorCode = "REPO_SERVER"

	// Assistant channel errors
	ErrCodeChannelSend    ErrorCode = "CHANNEL_SEND"
	ErrCodeChannelConnect ErrorCode = "CHANNEL_CONNECT"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error represents a structured taskpilot error
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Retryable   bool
	UserMessage string
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap wraps an existing error with taskpilot error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the human-friendly message shown to users.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	tpErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return tpErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	tpErr, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}

	return tpErr.Code
}

// IsAuthFailure reports whether the error is an authentication-class
// failure that should end the session. Connectivity failures while
// talking to the auth endpoints are deliberately excluded.
func IsAuthFailure(err error) bool {
	switch GetCode(err) {
	case ErrCodeAuthInvalidCredentials, ErrCodeAuthTokenInvalid, ErrCodeAuthTokenExpired:
		return true
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	tpErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return tpErr.Retryable
}
