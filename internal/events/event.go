// Package events owns the analytics event model: schema definitions, the
// validating registry with its PII scan, and retention rules.
package events

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Mode selects what Validate does with detected PII.
type Mode int

const (
	// ModeStrict rejects events carrying PII.
	ModeStrict Mode = iota
	// ModeLenient masks the offending values and flags the event.
	ModeLenient
)

func (m Mode) String() string {
	if m == ModeLenient {
		return "lenient"
	}
	return "strict"
}

// ParseMode accepts "strict" or "lenient".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return ModeStrict, nil
	case "lenient":
		return ModeLenient, nil
	}
	return ModeStrict, fmt.Errorf("unknown validation mode %q", s)
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformAPI     Platform = "api"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformWeb, PlatformIOS, PlatformAndroid, PlatformAPI:
		return true
	}
	return false
}

var (
	eventTypeRe   = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)
	subjectHashRe = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// ValidEventType reports whether s is a dotted namespace such as
// "documents.rejected".
func ValidEventType(s string) bool { return eventTypeRe.MatchString(s) }

// ValidSubjectHash reports whether s is a lowercase hex SHA-256 digest.
func ValidSubjectHash(s string) bool { return subjectHashRe.MatchString(s) }

// Event is a persisted analytics event. Properties never hold raw PII:
// Validate rejects or masks it before an Event is built.
type Event struct {
	ID               string
	SchemaVersion    string
	EventType        string
	SubjectHash      string
	Properties       map[string]any
	ContainsPII      bool
	Platform         Platform
	OccurredAt       time.Time
	CreatedAt        time.Time
	ExpiresAt        time.Time
	IdempotencyToken string
}
