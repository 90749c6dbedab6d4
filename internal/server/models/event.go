package models

import (
	"encoding/json"
	"time"
)

// Event is a row of analytics_events. Properties holds the sanitized JSON
// payload; it never contains raw PII.
type Event struct {
	ID               string
	SchemaVersion    string
	EventType        string
	SubjectHash      string
	Properties       json.RawMessage
	ContainsPII      bool
	Platform         string
	OccurredAt       *time.Time
	CreatedAt        time.Time
	ExpiresAt        time.Time
	IdempotencyToken *string
}
