package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"funding-arb-bot/internal/app"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envPath, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("path", *configPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("app terminated", zap.Error(runErr))
	}

	// Signals stay captured until exit; a second Ctrl-C does not cut the
	// flatten short.
	res := application.Shutdown(context.Background(), "process exiting")
	log.Info("shutdown finished",
		zap.Bool("success", res.Success),
		zap.String("phase", string(res.Phase)),
		zap.Float64("elapsed_seconds", res.ElapsedSeconds),
		zap.Int("remaining_positions", len(res.RemainingPositions)),
	)
	if !res.Success || (runErr != nil && !errors.Is(runErr, context.Canceled)) {
		_ = log.Sync()
		os.Exit(1)
	}
}
