// Device agent daemon — serves the control, binary and event channels and
// executes automation commands on the device it runs on.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/autotest/device-agent/pkg/agent"
	"github.com/autotest/device-agent/pkg/config"
	"github.com/autotest/device-agent/pkg/version"
)

const shutdownTimeout = 10 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("AGENT_CONFIG", "agent.yaml"),
		"Path to the agent configuration file")
	envPath := flag.String("env", ".env", "Path to an optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envPath)
	}

	slog.Info("Starting device agent",
		"version", version.Full(),
		"config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	engine := agent.New(agent.Options{Config: cfg})

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		slog.Error("Failed to start agent", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case <-engine.StopRequested():
		slog.Info("Shutdown requested over the control channel")
	}

	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	engine.Stop(stopCtx)
	slog.Info("Shutdown complete")
}
