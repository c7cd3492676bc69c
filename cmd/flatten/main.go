// Command flatten is the emergency exit: it restores state, then runs the
// shutdown sequence (cancel every order, close every position on both venues,
// persist the final PnL) without starting the trading loop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"funding-arb-bot/internal/app"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/logging"
	"funding-arb-bot/internal/shutdown"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional dotenv file")
	reason := flag.String("reason", "manual flatten", "reason recorded with the shutdown report")
	asJSON := flag.Bool("json", false, "print the result as JSON")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envPath, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	// The ops endpoint and operator polling belong to the running bot.
	disabled := false
	cfg.Ops.Enabled = &disabled
	cfg.Telegram.OperatorEnabled = false

	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	application, err := app.New(ctx, cfg, log)
	if err != nil {
		fatal(err)
	}
	if err := application.Prepare(ctx); err != nil {
		log.Error("prepare failed; flattening anyway", zap.Error(err))
	}
	res := application.Shutdown(ctx, *reason)
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fatal(err)
		}
	} else {
		fmt.Println(shutdown.Summary(res))
	}
	if !res.Success {
		_ = log.Sync()
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
