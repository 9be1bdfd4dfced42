// Command udpauth-server starts the UDP authentication server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"
	"go.uber.org/zap"

	"github.com/and161185/udpauth/internal/app"
	"github.com/and161185/udpauth/internal/config"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, starts the dispatcher and drains it on SIGINT/SIGTERM.
func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.ListenAddr),
		zap.String("store", cfg.StorePath),
	)

	if mode := profileMode(cfg.Profile); mode != nil {
		defer profile.Start(mode, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("init", zap.Error(err))
		return 1
	}

	code := 0
	if err := a.Run(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
		code = 1
	}
	if err := a.Close(); err != nil {
		logger.Error("shutdown", zap.Error(err))
		code = 1
	}
	logger.Info("shutdown complete")
	return code
}

func profileMode(name string) func(*profile.Profile) {
	switch name {
	case "cpu":
		return profile.CPUProfile
	case "mem":
		return profile.MemProfile
	case "block":
		return profile.BlockProfile
	case "mutex":
		return profile.MutexProfile
	case "trace":
		return profile.TraceProfile
	default:
		return nil
	}
}
