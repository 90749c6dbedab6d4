package config

import (
	"testing"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_parseEnv(t *testing.T) {
	t.Setenv("GOPHVAULT_DATABASE_DSN", "postgres://env")
	t.Setenv("GOPHVAULT_VALIDATION_MODE", "lenient")
	t.Setenv("GOPHVAULT_KEYS_PASSPHRASE", "correct horse")
	t.Setenv("GOPHVAULT_KEYS_ACTIVE", "2")
	t.Setenv("GOPHVAULT_KEYS_VERSIONS", "2")
	t.Setenv("GOPHVAULT_RETENTION_DEFAULT", "60d")
	t.Setenv("GOPHVAULT_APPEND_REJECT_WHEN_SATURATED", "true")
	t.Setenv("GOPHVAULT_PRUNER_LEASE_TTL", "10m")
	t.Setenv("GOPHVAULT_ROTATION_RATE", "2.5")
	t.Setenv("GOPHVAULT_REPORTS_BUCKET", "audit")
	t.Setenv("GOPHVAULT_PII_DETECTORS", "cpf,email")

	cfg := &Config{}
	cfg.LoadDefaults()
	require.NoError(t, parseEnv(cfg))

	assert.Equal(t, "postgres://env", cfg.DatabaseDSN)
	assert.Equal(t, events.ModeLenient, cfg.ValidationMode)
	assert.Equal(t, "correct horse", cfg.Keys.Passphrase)
	assert.Equal(t, uint32(2), cfg.Keys.Active)
	assert.Equal(t, 60*events.Day, cfg.Retention.Default)
	assert.True(t, cfg.Append.RejectWhenSaturated)
	assert.Equal(t, 10*time.Minute, cfg.Pruner.LeaseTTL)
	assert.Equal(t, 2.5, cfg.Rotation.Rate)
	assert.Equal(t, "audit", cfg.Reports.Bucket)
	assert.Equal(t, []string{"cpf", "email"}, cfg.PIIDetectors)
	assert.Equal(t, events.DefaultPIIRetention, cfg.Retention.PII, "unset variables keep the current value")
}

func Test_parseEnv_Invalid(t *testing.T) {
	t.Setenv("GOPHVAULT_PRUNER_INTERVAL", "soon")
	require.Error(t, parseEnv(&Config{}))
}
