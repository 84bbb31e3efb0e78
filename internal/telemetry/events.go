package telemetry

import "time"

// EventType names a SecurityEvent.
type EventType string

const (
	EventAuthAttempt  EventType = "auth_attempt"
	EventRegistration EventType = "registration"
)

// SecurityEvent is published by the security facade after the ledger has
// recorded the underlying fact. Principals are masked.
type SecurityEvent struct {
	Timestamp time.Time `json:"@timestamp"`
	Type      EventType `json:"type"`
	AttemptID string    `json:"attempt_id,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	Principal string    `json:"principal,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	AlertKind string    `json:"alert_kind,omitempty"`
	LedgerSeq uint64    `json:"ledger_seq,omitempty"`
}

// HTTP request audit
type HTTPAuditEvent struct {
	Timestamp  time.Time `json:"@timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Origin     string    `json:"origin,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
}
