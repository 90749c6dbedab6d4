package vaultctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/dmitrijs2005/gophvault/internal/server"
	"github.com/dmitrijs2005/gophvault/internal/server/config"
	"github.com/dmitrijs2005/gophvault/internal/server/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// Pruner is the part of services.Pruner the CLI drives.
type Pruner interface {
	Run(ctx context.Context, opts services.PruneOptions) (services.PruneReport, error)
	PurgeSubject(ctx context.Context, subjectHash string) (int64, error)
}

// Rotator is the part of services.Rotator the CLI drives.
type Rotator interface {
	Rotate(ctx context.Context, opts services.RotateOptions) (services.RotationReport, error)
}

// Runtime is what a command needs once configuration is loaded.
type Runtime struct {
	Pruner  Pruner
	Rotator Rotator
	Migrate func(ctx context.Context) error
	Close   func() error
}

// Loader turns the --config path into a Runtime.
type Loader func(ctx context.Context, configPath string) (*Runtime, error)

type App struct {
	out  io.Writer
	load Loader
}

func NewApp(out io.Writer, load Loader) *App {
	if load == nil {
		load = DefaultLoader(out, os.Stdin)
	}
	return &App{out: out, load: load}
}

// DefaultLoader reads configuration the same way the server does and
// prompts for the keyring passphrase on the terminal when none is
// configured.
func DefaultLoader(prompt io.Writer, stdin *os.File) Loader {
	return func(ctx context.Context, configPath string) (*Runtime, error) {
		var args []string
		if configPath != "" {
			args = []string{"-config", configPath}
		}
		cfg, err := config.LoadConfig(args)
		if err != nil {
			return nil, err
		}
		if cfg.Keys.Passphrase == "" {
			pass, err := promptPassphrase(prompt, int(stdin.Fd()))
			if err != nil {
				return nil, err
			}
			cfg.Keys.Passphrase = pass
		}

		log, err := server.NewLogger(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		c, err := server.Build(ctx, cfg, log, prometheus.NewRegistry())
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return &Runtime{
			Pruner:  c.Pruner,
			Rotator: c.Rotator,
			Migrate: func(ctx context.Context) error { return c.RepoManager.RunMigrations(ctx, c.DB) },
			Close:   c.Close,
		}, nil
	}
}

func promptPassphrase(w io.Writer, fd int) (string, error) {
	if _, err := fmt.Fprint(w, "Keyring passphrase: "); err != nil {
		return "", err
	}
	pass, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(pass) == 0 {
		return "", errors.New("empty passphrase")
	}
	return string(pass), nil
}

func (a *App) withRuntime(ctx context.Context, cmd *cli.Command, fn func(*Runtime) error) error {
	rt, err := a.load(ctx, cmd.String("config"))
	if err != nil {
		return err
	}
	defer func() {
		if rt.Close != nil {
			_ = rt.Close()
		}
	}()
	return fn(rt)
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Command returns the root command.
func (a *App) Command() *cli.Command {
	return &cli.Command{
		Name:  "vaultctl",
		Usage: "Operate the gophvault event store and field vault",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to JSON config file"},
		},
		Commands: []*cli.Command{
			a.migrateCommand(),
			a.pruneCommand(),
			a.purgeCommand(),
			a.rotateCommand(),
		},
	}
}

func (a *App) migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return a.withRuntime(ctx, cmd, func(rt *Runtime) error {
				if err := rt.Migrate(ctx); err != nil {
					return err
				}
				_, err := fmt.Fprintln(a.out, "migrations applied")
				return err
			})
		},
	}
}

func (a *App) pruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete events past their retention deadline",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "report what would be deleted"},
			&cli.IntFlag{Name: "batch-size", Usage: "rows per batch (0 uses the configured size)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return a.withRuntime(ctx, cmd, func(rt *Runtime) error {
				report, err := rt.Pruner.Run(ctx, services.PruneOptions{
					DryRun:    cmd.Bool("dry-run"),
					BatchSize: int(cmd.Int("batch-size")),
				})
				if err != nil {
					return err
				}
				return a.printJSON(report)
			})
		},
	}
}

func (a *App) purgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Delete every event of one subject",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject-hash", Required: true, Usage: "hex subject hash"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return a.withRuntime(ctx, cmd, func(rt *Runtime) error {
				n, err := rt.Pruner.PurgeSubject(ctx, cmd.String("subject-hash"))
				if err != nil {
					return err
				}
				return a.printJSON(map[string]int64{"deleted": n})
			})
		},
	}
}

func (a *App) rotateCommand() *cli.Command {
	return &cli.Command{
		Name:  "rotate",
		Usage: "Re-encrypt protected fields under the current key version",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "target-version", Required: true, Usage: "current key version"},
			&cli.StringFlag{Name: "checkpoint", Usage: "resume after this row id"},
			&cli.IntFlag{Name: "batch-size", Usage: "rows per batch (0 uses the configured size)"},
			&cli.FloatFlag{Name: "rate", Usage: "rows per second (0 is unlimited)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			target := cmd.Int("target-version")
			if target <= 0 || int64(target) > math.MaxUint32 {
				return fmt.Errorf("target version must be in 1..%d, got %d", uint32(math.MaxUint32), target)
			}
			return a.withRuntime(ctx, cmd, func(rt *Runtime) error {
				report, err := rt.Rotator.Rotate(ctx, services.RotateOptions{
					TargetVersion: uint32(target),
					Checkpoint:    cmd.String("checkpoint"),
					BatchSize:     int(cmd.Int("batch-size")),
					Rate:          cmd.Float("rate"),
				})
				if perr := a.printJSON(report); perr != nil && err == nil {
					err = perr
				}
				return err
			})
		},
	}
}
