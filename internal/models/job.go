package models

import (
	"time"
)

// Job statuses persisted in Postgres. Completed and failed are terminal:
// once a job reaches either, the record is immutable except for cleanup.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job types accepted at submission. Anything else is rejected.
const (
	TypeTranscribe      = "transcribe"
	TypeTextToSpeech    = "text_to_speech"
	TypeProcessMedia    = "process_media"
	TypeWebhookCallback = "webhook_callback"
)

var validTypes = map[string]bool{
	TypeTranscribe:      true,
	TypeTextToSpeech:    true,
	TypeProcessMedia:    true,
	TypeWebhookCallback: true,
}

// ValidType reports whether t is a member of the closed job-type set.
func ValidType(t string) bool {
	return validTypes[t]
}

// TerminalStatus reports whether s admits no further transitions.
func TerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a unit of deferred work persisted in Postgres.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Input       map[string]any `json:"input"`
	Output      map[string]any `json:"output,omitempty"`
	LastError   *string        `json:"error,omitempty"`
	CallbackURL *string        `json:"callback_url,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	SessionID   *string        `json:"session_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
