package model

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateProvider is returned when a provider id is already
	// registered on the instance.
	ErrDuplicateProvider = errors.New("provider already exists")

	// ErrProviderNotFound is returned when a provider id is not registered.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProjectNotFound is returned when a command references a project
	// that does not exist.
	ErrProjectNotFound = errors.New("project not found")

	// ErrInvalidCommand is returned when a command fails validation.
	ErrInvalidCommand = errors.New("invalid command")
)

// CommandError is a failure descriptor that can cross a workflow checkpoint
// boundary. Every error recorded into workflow history is converted to this
// shape first, so that replaying history never deserializes an opaque,
// irreproducible error value.
type CommandError struct {
	// Type is a short classifier, usually the Go type of the original error.
	Type string `json:"type"`

	// Message is the original error text.
	Message string `json:"message"`

	// Terminal marks the error as not eligible for automatic retry.
	Terminal bool `json:"terminal,omitempty"`
}

func (e *CommandError) Error() string {
	return e.Message
}

// NewCommandError creates a serializable failure descriptor.
func NewCommandError(errType, message string) *CommandError {
	return &CommandError{Type: errType, Message: message}
}

// AsCommandError converts any error into a serializable CommandError.
// A *CommandError passes through unchanged.
func AsCommandError(err error) *CommandError {
	if err == nil {
		return nil
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce
	}
	return &CommandError{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
}

// Terminal converts err into a CommandError that suppresses automatic retry.
// Used for failures that either already had an effect or will never succeed.
func Terminal(err error) *CommandError {
	ce := AsCommandError(err)
	ce.Terminal = true
	return ce
}

// IsTerminal reports whether err carries the retry-suppression marker.
func IsTerminal(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Terminal
}
