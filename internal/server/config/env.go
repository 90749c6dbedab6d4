package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dmitrijs2005/gophvault/internal/timex"
)

const envPrefix = "GOPHVAULT_"

// parseEnv overlays GOPHVAULT_* variables. Unset variables leave the
// current value alone. Durations accept the "90d" day form.
func parseEnv(config *Config) error {
	opts := env.Options{
		Prefix: envPrefix,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): func(v string) (any, error) {
				return timex.ParseDuration(v)
			},
		},
	}
	if err := env.ParseWithOptions(config, opts); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}
