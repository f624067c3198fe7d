// Command tourmatchd is the tourmatch market daemon. It runs the registries,
// match engine, ledger and notification bus behind the HTTP API described by
// its YAML config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/tourmatch/config"
	"github.com/GoCodeAlone/tourmatch/core"
	"github.com/GoCodeAlone/tourmatch/internal/version"
	"github.com/GoCodeAlone/tourmatch/server"
)

var (
	configPath = flag.String("config", "tourmatch.yaml", "path to config file")
	watch      = flag.Bool("watch", true, "reload ranking and timeouts when the config file changes")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}
	level, _ := config.ParseLevel(cfg.LogLevel) // validated by Load
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting tourmatchd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
	)
	if cfg.Auth.Disabled {
		logger.Warn("authentication disabled, callers identify with X-Agent-ID")
	}

	c, err := core.New(cfg, core.Options{Logger: logger})
	if err != nil {
		log.Fatalf("Failed to build market: %v", err)
	}
	srv, err := server.New(cfg, c, version.Version, logger)
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	c.Start(ctx)

	if *watch && fileExists(*configPath) {
		go func() {
			err := config.Watch(ctx, *configPath, logger, func(next *config.Config) {
				if err := c.Apply(next); err != nil {
					logger.Error("apply config", slog.Any("err", err))
				}
			})
			if err != nil {
				logger.Error("config watch stopped", slog.Any("err", err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	fmt.Printf("tourmatch market running on %s\n", cfg.Server.Addr)
	fmt.Printf("Version: %s (%s)\n", version.Version, version.Commit)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped", slog.Any("err", err))
		}
	}

	fmt.Println("Shutting down...")
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Error("server stop", slog.Any("err", err))
	}
	if err := c.Close(); err != nil {
		logger.Error("market close", slog.Any("err", err))
	}
	fmt.Println("Shutdown complete")
}

// loadConfig reads path, or runs on defaults with auth disabled when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if !fileExists(path) && path == "tourmatch.yaml" {
		cfg := config.DefaultConfig()
		cfg.ApplyEnv()
		cfg.Auth.Disabled = cfg.Auth.JWTSecret == ""
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
