// Command powproxy runs the intercepting HTTP/1.1 proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/usestring/powhttp-proxy/internal/config"
	"github.com/usestring/powhttp-proxy/internal/driver"
	"github.com/usestring/powhttp-proxy/internal/flowstore"
	"github.com/usestring/powhttp-proxy/internal/logging"
	"github.com/usestring/powhttp-proxy/internal/policy"
	"github.com/usestring/powhttp-proxy/pkg/types"
)

// failedFlows selects exchanges that ended in an error or a 4xx/5xx status.
const failedFlows = `.error != null or .status >= 400`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("proxy error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("proxy stopped")
}

func run(ctx context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	closeLog, err := logging.Setup(cfg.Logging())
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer closeLog()

	opts := cfg.DriverOptions()
	opts.Logger = slog.Default()

	engine, err := loadPolicy(cfg, opts)
	if err != nil {
		return err
	}

	store, err := flowstore.New(cfg.FlowStoreMaxItems)
	if err != nil {
		return fmt.Errorf("creating flow store: %w", err)
	}
	defer func() {
		slog.Info("flow store", slog.String("stats", store.Stats().String()))
		reportFailures(slog.Default(), store)
	}()

	srv, err := driver.New(&driver.Recorder{Next: engine, Store: store}, opts)
	if err != nil {
		return fmt.Errorf("creating proxy: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}
	if err := srv.Serve(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadPolicy reads POLICY_FILE, or returns an engine without rules.
func loadPolicy(cfg *config.Config, opts driver.Options) (*policy.Engine, error) {
	popts := []policy.Option{policy.WithMode(opts.Mode), policy.WithLogger(opts.Logger)}
	if cfg.PolicyFile == "" {
		return policy.NewEngine(nil, popts...)
	}
	engine, err := policy.Load(cfg.PolicyFile, popts...)
	if err != nil {
		return nil, err
	}
	slog.Info("policy loaded",
		slog.String("file", cfg.PolicyFile),
		slog.Int("rules", engine.Len()))
	return engine, nil
}

// reportFailures logs the most recent failed exchanges kept in the store.
func reportFailures(logger *slog.Logger, store *flowstore.Store) {
	res, err := store.Search(types.FlowQuery{Filter: failedFlows, Limit: 10})
	if err != nil {
		logger.Warn("searching failed flows", slog.String("error", err.Error()))
		return
	}
	for _, f := range res.Flows {
		attrs := []any{
			slog.String("id", f.ID),
			slog.String("method", f.Method),
			slog.String("url", f.URL),
			slog.Int("status", f.Status),
		}
		if f.Error != nil {
			attrs = append(attrs, slog.String("error", f.Error.Message))
		}
		logger.Info("failed flow", attrs...)
	}
	if res.Truncated {
		logger.Info("more failed flows", slog.Int("total", res.Total))
	}
}
