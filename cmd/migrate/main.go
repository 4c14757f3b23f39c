package main

import (
	"context"
	"flag"
	"os"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/config"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/logger"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/postgres"
	"github.com/joho/godotenv"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "fulfillment-migrate"})
	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "goose command: up|down|status|redo|version|up-to|down-to")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "load config", err)
		os.Exit(1)
	}
	ctx := logg.WithField(context.Background(), "cmd", *cmd)
	if err := postgres.Migrate(ctx, cfg.PostgresDSN, *cmd, flag.Args()...); err != nil {
		logg.Error(ctx, "migration failed", err)
		os.Exit(1)
	}
	logg.Info(ctx, "migration finished")
}
