package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophvault/internal/flagx"
)

// parseFlags overlays the short command-line flags.
//
// Supported flags:
//
//	-d string   PostgreSQL DSN
//	-r string   redis URL
//	-m string   metrics bind address
//	-s string   schema definitions file
//	-v string   validation mode (strict or lenient)
//	-l string   log level (debug, info, warn, error)
//
// Arguments are first filtered with flagx.FilterArgs so flags owned by
// other parsers (such as -c) do not collide.
func parseFlags(config *Config, args []string) error {
	args = flagx.FilterArgs(args, []string{"-d", "-r", "-m", "-s", "-v", "-l"})

	fs := flag.NewFlagSet("gophvault", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.RedisURL, "r", config.RedisURL, "redis URL")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "metrics address")
	fs.StringVar(&config.SchemaFile, "s", config.SchemaFile, "schema definitions file")
	fs.TextVar(&config.ValidationMode, "v", config.ValidationMode, "validation mode")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	return nil
}
