package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Rin0913/modhost/internal/app"
	"github.com/Rin0913/modhost/internal/log"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("MODHOST_CONFIG"), "path to the YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := app.Run(ctx, *cfgPath)
	logger := log.WithComponent("main")
	if err != nil {
		logger.Error().Err(err).Str("event", "app.exit").Msg("modhost exited with error")
		os.Exit(1)
	}
	logger.Info().Str("event", "app.exit").Msg("modhost stopped")
}
