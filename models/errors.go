package models

import (
	"errors"
	"fmt"
)

var (
	// ErrTemplateNotFound indicates no saved template has the requested name.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrNoRecipients indicates a run was submitted without any valid recipient.
	ErrNoRecipients = errors.New("no recipients")

	// ErrRunActive indicates another run is still sending.
	ErrRunActive = errors.New("a run is already in progress")

	// ErrRunNotFound indicates the run ID is unknown or has expired.
	ErrRunNotFound = errors.New("run not found")
)

// ConfigError reports missing or invalid settings. It is raised before any connection attempt.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// TemplateError reports an unreadable template or attachment.
type TemplateError struct {
	Path string
	Err  error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template error: %s: %v", e.Path, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// SendError is a per-message failure. The run continues after it.
type SendError struct {
	Recipient string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Recipient, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// TransportError is a connection-level failure that invalidates the session and halts the run.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("smtp %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsFatal reports whether err invalidates the transport session.
func IsFatal(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
