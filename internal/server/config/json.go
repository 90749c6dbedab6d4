package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/events"
	"github.com/dmitrijs2005/gophvault/internal/flagx"
	"github.com/dmitrijs2005/gophvault/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations use
// timex.Duration so "36h", "90d" and integer nanoseconds are all accepted.
// Absent keys keep the value already in Config.
type JsonConfig struct {
	DatabaseDSN    *string      `json:"database_dsn"`
	RedisURL       *string      `json:"redis_url"`
	MetricsAddr    *string      `json:"metrics_addr"`
	LogLevel       *string      `json:"log_level"`
	ValidationMode *events.Mode `json:"validation_mode"`
	PIIDetectors   []string     `json:"pii_detectors"`
	SchemaFile     *string      `json:"schema_file"`

	Keys *struct {
		Passphrase *string         `json:"passphrase"`
		Salt       *string         `json:"salt"`
		Versions   *uint32         `json:"versions"`
		Active     *uint32         `json:"active"`
		Timeout    *timex.Duration `json:"timeout"`
		CacheTTL   *timex.Duration `json:"cache_ttl"`
	} `json:"keys"`

	Retention *struct {
		Default    *timex.Duration           `json:"default"`
		PII        *timex.Duration           `json:"pii"`
		Categories map[string]timex.Duration `json:"categories"`
		EventTypes map[string]timex.Duration `json:"event_types"`
	} `json:"retention"`

	Append *struct {
		Workers             *int            `json:"workers"`
		MaxInFlight         *int64          `json:"max_in_flight"`
		RejectWhenSaturated *bool           `json:"reject_when_saturated"`
		RetryAttempts       *uint64         `json:"retry_attempts"`
		RetryBase           *timex.Duration `json:"retry_base"`
		IdempotencyWindow   *timex.Duration `json:"idempotency_window"`
	} `json:"append"`

	Pruner *struct {
		Interval       *timex.Duration `json:"interval"`
		BatchSize      *int            `json:"batch_size"`
		MaxReportedIDs *int            `json:"max_reported_ids"`
		LeaseTTL       *timex.Duration `json:"lease_ttl"`
	} `json:"pruner"`

	Rotation *struct {
		BatchSize *int     `json:"batch_size"`
		Rate      *float64 `json:"rate"`
	} `json:"rotation"`

	Reports *struct {
		Bucket       *string `json:"bucket"`
		Prefix       *string `json:"prefix"`
		Region       *string `json:"region"`
		BaseEndpoint *string `json:"base_endpoint"`
		AccessKey    *string `json:"access_key"`
		SecretKey    *string `json:"secret_key"`
	} `json:"reports"`
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *timex.Duration) {
	if src != nil {
		*dst = src.Duration
	}
}

func durations(m map[string]timex.Duration) map[string]time.Duration {
	if m == nil {
		return nil
	}
	out := make(map[string]time.Duration, len(m))
	for k, v := range m {
		out[k] = v.Duration
	}
	return out
}

// parseJson loads the file named by -c or -config, if any.
func parseJson(config *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	set(&config.DatabaseDSN, c.DatabaseDSN)
	set(&config.RedisURL, c.RedisURL)
	set(&config.MetricsAddr, c.MetricsAddr)
	set(&config.LogLevel, c.LogLevel)
	set(&config.ValidationMode, c.ValidationMode)
	set(&config.SchemaFile, c.SchemaFile)
	if c.PIIDetectors != nil {
		config.PIIDetectors = c.PIIDetectors
	}

	if k := c.Keys; k != nil {
		set(&config.Keys.Passphrase, k.Passphrase)
		set(&config.Keys.Salt, k.Salt)
		set(&config.Keys.Versions, k.Versions)
		set(&config.Keys.Active, k.Active)
		setDuration(&config.Keys.Timeout, k.Timeout)
		setDuration(&config.Keys.CacheTTL, k.CacheTTL)
	}
	if r := c.Retention; r != nil {
		setDuration(&config.Retention.Default, r.Default)
		setDuration(&config.Retention.PII, r.PII)
		if r.Categories != nil {
			config.Retention.Categories = durations(r.Categories)
		}
		if r.EventTypes != nil {
			config.Retention.EventTypes = durations(r.EventTypes)
		}
	}
	if a := c.Append; a != nil {
		set(&config.Append.Workers, a.Workers)
		set(&config.Append.MaxInFlight, a.MaxInFlight)
		set(&config.Append.RejectWhenSaturated, a.RejectWhenSaturated)
		set(&config.Append.RetryAttempts, a.RetryAttempts)
		setDuration(&config.Append.RetryBase, a.RetryBase)
		setDuration(&config.Append.IdempotencyWindow, a.IdempotencyWindow)
	}
	if p := c.Pruner; p != nil {
		setDuration(&config.Pruner.Interval, p.Interval)
		set(&config.Pruner.BatchSize, p.BatchSize)
		set(&config.Pruner.MaxReportedIDs, p.MaxReportedIDs)
		setDuration(&config.Pruner.LeaseTTL, p.LeaseTTL)
	}
	if r := c.Rotation; r != nil {
		set(&config.Rotation.BatchSize, r.BatchSize)
		set(&config.Rotation.Rate, r.Rate)
	}
	if r := c.Reports; r != nil {
		set(&config.Reports.Bucket, r.Bucket)
		set(&config.Reports.Prefix, r.Prefix)
		set(&config.Reports.Region, r.Region)
		set(&config.Reports.BaseEndpoint, r.BaseEndpoint)
		set(&config.Reports.AccessKey, r.AccessKey)
		set(&config.Reports.SecretKey, r.SecretKey)
	}
	return nil
}
