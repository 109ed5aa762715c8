package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/medical-dx-engine/internal/api"
	"github.com/medical-dx-engine/internal/config"
	"github.com/medical-dx-engine/internal/logging"
	"github.com/medical-dx-engine/internal/service"
)

func main() {
	configFile := flag.String("config", "", "path to a config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	flag.Parse()

	// A missing .env file is fine; the environment may be set already.
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Failed to read %s: %v", *envFile, err)
	}

	// Load configuration
	configManager, err := config.NewManager(config.WithConfigFile(*configFile))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := logging.NewLogger(cfg.Logging)
	logger.WithField("mode", cfg.Mode).Info("Starting diagnostic engine")

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := service.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize diagnostic engine")
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.WithError(err).Warn("Error while releasing resources")
		}
	}()

	if cfg.Scheduler.Enabled {
		sched, err := app.Scheduler()
		if err != nil {
			logger.WithError(err).Fatal("Failed to configure scheduler")
		}
		sched.Start()
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer stop()
			if err := sched.Stop(stopCtx); err != nil {
				logger.WithError(err).Warn("Scheduled jobs did not finish before shutdown")
			}
		}()
	}

	server := api.NewServer(cfg, app.Service, app.Metrics, logger)
	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Error("Server stopped with error")
		return
	}

	logger.Info("Server stopped")
}
