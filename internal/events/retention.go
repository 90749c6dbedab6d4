package events

import (
	"fmt"
	"time"
)

const (
	Day = 24 * time.Hour

	DefaultStandardRetention = 90 * Day
	DefaultPIIRetention      = 30 * Day
)

// RetentionPolicy resolves how long an event is kept. It is built only
// from static configuration; callers never influence it.
type RetentionPolicy struct {
	Default    time.Duration
	PII        time.Duration
	Categories map[string]time.Duration
	EventTypes map[string]time.Duration
}

func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Default:    DefaultStandardRetention,
		PII:        DefaultPIIRetention,
		Categories: map[string]time.Duration{},
		EventTypes: map[string]time.Duration{},
	}
}

// Validate rejects non-positive durations. Called at startup.
func (p RetentionPolicy) Validate() error {
	if p.Default <= 0 {
		return fmt.Errorf("retention: default must be positive, got %s", p.Default)
	}
	if p.PII <= 0 {
		return fmt.Errorf("retention: pii window must be positive, got %s", p.PII)
	}
	for c, d := range p.Categories {
		if d <= 0 {
			return fmt.Errorf("retention: category %q must be positive, got %s", c, d)
		}
	}
	for t, d := range p.EventTypes {
		if d <= 0 {
			return fmt.Errorf("retention: event type %q must be positive, got %s", t, d)
		}
	}
	return nil
}

// For picks the event type override, then the category, then the default.
// PII-flagged events never outlive the PII window.
func (p RetentionPolicy) For(eventType, category string, containsPII bool) time.Duration {
	d := p.Default
	if v, ok := p.Categories[category]; ok {
		d = v
	}
	if v, ok := p.EventTypes[eventType]; ok {
		d = v
	}
	if containsPII && d > p.PII {
		d = p.PII
	}
	return d
}
