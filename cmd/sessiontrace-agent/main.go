package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/vincentbai/sessiontrace/internal/config"
	"github.com/vincentbai/sessiontrace/internal/database"
	"github.com/vincentbai/sessiontrace/internal/logging"
	"github.com/vincentbai/sessiontrace/internal/server"
	"github.com/vincentbai/sessiontrace/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (default sessiontrace.yaml)")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.SetDefault(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Setup(telemetry.Options{
			ServiceName: "sessiontrace-agent",
			SampleRatio: cfg.Telemetry.SampleRatio,
			Pretty:      cfg.Telemetry.Pretty,
			Logger:      logger,
		})
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Database.Path)

	// Initialize and start server
	srv := server.NewServer(db, cfg.Server.Address,
		server.WithLogger(logger),
		server.WithRateLimit(cfg.Server.RateLimit),
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins))
	if err := srv.Start(context.Background()); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
