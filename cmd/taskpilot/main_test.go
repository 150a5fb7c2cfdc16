package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskpilot/taskpilot/pkg/errors"
)

func TestUserFacing_PrefersUserMessage(t *testing.T) {
	err := errors.New(errors.ErrCodeRepoServer, "status 503 from /tasks").
		WithUserMessage("The task service returned an error. Please try again.")

	assert.Equal(t, "The task service returned an error. Please try again.", userFacing(err))
}

func TestUserFacing_WrappedCodedError(t *testing.T) {
	inner := errors.New(errors.ErrCodeSessionMissing, "no active session").
		WithUserMessage("Please log in first")
	wrapped := fmt.Errorf("console: %w", inner)

	assert.Equal(t, "Please log in first", userFacing(wrapped))
}

func TestUserFacing_PlainError(t *testing.T) {
	assert.Equal(t, "boom", userFacing(fmt.Errorf("boom")))
}
