// Command cashbridge runs the P2P trading backend: the HTTP/websocket API,
// the expiry sweeper and the escrow release retrier, in one process or split
// by mode.
//
//	cashbridge -config config.toml          # run
//	cashbridge -config config.toml -check   # validate config and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/cashbridge/internal/app"
	"github.com/alanyoungcy/cashbridge/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	check := flag.Bool("check", false, "validate the configuration and exit")
	flag.Parse()

	logger := newLogger("info")

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logger.Error("configuration rejected",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger = newLogger(cfg.LogLevel)
	logger.Debug("effective configuration", slog.Any("config", config.RedactedConfig(cfg)))
	if *check {
		fmt.Printf("%s: ok (mode=%s)\n", *configPath, cfg.Mode)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	logger.Info("cashbridge starting", slog.String("mode", cfg.Mode))
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("cashbridge exited with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("cashbridge stopped")
	return 0
}

// newLogger builds the process-wide JSON logger and installs it as the slog
// default.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
