package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"spritegate/internal/cli"
	"spritegate/internal/config"
	"spritegate/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return cli.ExitConfig
	}

	logger, closer, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return cli.ExitError
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRoot(cfg, logger).Run(ctx, os.Args[1:]); err != nil {
		logger.Error("command failed", "error", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return cli.ExitCode(err)
	}
	return cli.ExitOK
}
