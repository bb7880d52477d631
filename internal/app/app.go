// Package app owns the process lifecycle: it wires infrastructure and
// services from config, then runs the goroutines of the selected mode until
// the context ends.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/cashbridge/internal/config"
)

// App runs one cashbridge process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	cleanup []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies and blocks in the configured mode: "server" serves
// the API and websocket hub, "worker" runs the sweeper and release retrier,
// "full" does both.
func (a *App) Run(ctx context.Context) error {
	modes := map[string]func(context.Context, *Dependencies) error{
		"server": a.ServerMode,
		"worker": a.WorkerMode,
		"full":   a.FullMode,
	}
	mode := strings.ToLower(a.cfg.Mode)
	run, ok := modes[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	a.logger.InfoContext(ctx, "wiring dependencies", slog.String("mode", mode))
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.onClose(cleanup)

	return run(ctx, deps)
}

// Close releases resources in reverse order of acquisition. Later calls do
// nothing.
func (a *App) Close() {
	a.mu.Lock()
	fns := a.cleanup
	a.cleanup = nil
	a.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	a.logger.Info("releasing resources", slog.Int("count", len(fns)))
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	a.cleanup = append(a.cleanup, fn)
	a.mu.Unlock()
}
