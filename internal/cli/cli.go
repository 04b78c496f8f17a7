package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"spritegate/internal/config"
	"spritegate/internal/failure"
	"spritegate/internal/generator"
	"spritegate/internal/pack"
	"spritegate/internal/runner"
	"spritegate/internal/server"
	"spritegate/internal/storage"
)

// Version is stamped at build time with -ldflags.
var Version = "0.1.0-dev"

// Exit codes returned by ExitCode.
const (
	ExitOK      = 0
	ExitError   = 1
	ExitConfig  = 2
	ExitStopped = 3
)

type generatorFactory func(config.Generator, *slog.Logger) (generator.Adapter, error)

type packerFactory func(cfg *config.Config, runDir string, log *slog.Logger) (pack.Packer, pack.Validator)

type ledgerFactory func(paths config.Paths, readOnly bool) (*storage.Store, error)

type serverFunc func(ctx context.Context, srv *server.Server) error

func defaultPackers(cfg *config.Config, runDir string, log *slog.Logger) (pack.Packer, pack.Validator) {
	if !cfg.Packer.Enabled {
		return nil, nil
	}
	v := &pack.Structural{BaselineTolerance: cfg.Packer.BaselineTolerance}
	if cfg.Packer.DebugArtifacts {
		v.DebugDir = filepath.Join(runDir, "debug")
	}
	return pack.NewMagick(cfg.Packer.Columns, cfg.Packer.Padding, log), v
}

func defaultLedger(paths config.Paths, readOnly bool) (*storage.Store, error) {
	if readOnly {
		return storage.OpenReadOnly(paths.DatabaseDriver, paths.DatabasePath)
	}
	if err := os.MkdirAll(filepath.Dir(paths.DatabasePath), 0o755); err != nil {
		return nil, err
	}
	return storage.New(paths.DatabaseDriver, paths.DatabasePath)
}

func defaultServe(ctx context.Context, srv *server.Server) error {
	return srv.Start(ctx)
}

// Root wires CLI commands to the orchestrator and its adapters.
type Root struct {
	cfg *config.Config
	log *slog.Logger
	out io.Writer

	newGenerator generatorFactory
	newPackers   packerFactory
	openLedger   ledgerFactory
	serveFn      serverFunc
}

// NewRoot constructs the CLI root with the production adapters.
func NewRoot(cfg *config.Config, logger *slog.Logger) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:          cfg,
		log:          logger,
		out:          os.Stdout,
		newGenerator: generator.New,
		newPackers:   defaultPackers,
		openLedger:   defaultLedger,
		serveFn:      defaultServe,
	}
}

// Run parses args and dispatches to subcommands.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := NewRootCmd(r)
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(r.out)
	return cmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, runner.ErrRunStopped):
		return ExitStopped
	case failure.Is(err, failure.KindConfig), errors.Is(err, runner.ErrFingerprintMismatch):
		return ExitConfig
	default:
		return ExitError
	}
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}
