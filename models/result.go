package models

import "time"

// Status of a single send attempt.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// SendResult is the outcome of one attempt. It is never mutated after creation.
type SendResult struct {
	Recipient string    `json:"recipient"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State of a bulk run.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateSending    State = "sending"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFatalError State = "fatal_error"
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFatalError
}

type EventType string

const (
	EventProgress EventType = "progress"
	EventTerminal EventType = "terminal"
)

// Event is emitted by the worker: one per completed attempt, one when the loop ends.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`
	// Index is 1-based and only set on progress events.
	Index        int         `json:"index,omitempty"`
	Total        int         `json:"total"`
	Result       *SendResult `json:"result,omitempty"`
	State        State       `json:"state,omitempty"`
	Error        string      `json:"error,omitempty"`
	Sent         int         `json:"sent,omitempty"`
	Failed       int         `json:"failed,omitempty"`
	NotAttempted int         `json:"not_attempted,omitempty"`
}

// RunSummary is the externally visible snapshot of a run.
type RunSummary struct {
	ID           string       `json:"id"`
	Template     string       `json:"template"`
	State        State        `json:"state"`
	Total        int          `json:"total"`
	Sent         int          `json:"sent"`
	Failed       int          `json:"failed"`
	NotAttempted int          `json:"not_attempted"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Results      []SendResult `json:"results,omitempty"`
}

// RunRequest is the body of POST /api/runs.
type RunRequest struct {
	Template       string           `json:"template"`
	InlineTemplate *MessageTemplate `json:"inline_template"`
	Recipients     []Recipient      `json:"recipients"`
	RecipientsFile string           `json:"recipients_file"`
	SMTP           *SMTPOverride    `json:"smtp"`
	Delay          string           `json:"delay"`
}

// SMTPOverride replaces individual SMTP settings for one run.
type SMTPOverride struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
	Security string `json:"security"`
}
