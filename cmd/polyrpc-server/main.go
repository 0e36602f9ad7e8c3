// Command polyrpc-server serves the demo functions with the configured execution model.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"polyrpc/config"
	"polyrpc/dispatch"
	"polyrpc/middleware"
	"polyrpc/observability"
	"polyrpc/registry"
	"polyrpc/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts := ParseFlags(os.Args[1:])
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "polyrpc-server:", err)
		os.Exit(1)
	}
}

func run(opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Model != "" {
		kind, err := server.ParseKind(opts.Model)
		if err != nil {
			return err
		}
		cfg.Server.Model = string(kind)
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.PrintConfig {
		return cfg.Dump(os.Stdout)
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	funcs := dispatch.NewRegistry()
	registerDemo(funcs)

	srv, err := server.New(cfg.Server.Kind(), cfg.Server.ServerConfig(), buildChain(cfg.Server, funcs, logger), logger)
	if err != nil {
		return err
	}

	if cfg.Discovery.Enabled {
		reg, err := registry.NewEtcdRegistry(cfg.Discovery.Endpoints, cfg.Discovery.Prefix)
		if err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
		defer reg.Close()
		srv.SetDiscovery(reg, cfg.Discovery.Registration())
	}

	if err := srv.Listen(); err != nil {
		return err
	}
	logger.Info("polyrpc server starting",
		zap.String("model", cfg.Server.Model),
		zap.Stringer("addr", srv.Addr()),
		zap.Strings("functions", funcs.Names()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background()) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", shutdownTimeout))
	if err := srv.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return <-errc
}

// buildChain wraps d with logging and, when configured, timeout and rate limiting.
func buildChain(sc config.ServerConfig, d *dispatch.Registry, logger *zap.Logger) middleware.HandlerFunc {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if sc.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(sc.RateLimit, sc.RateBurst))
	}
	if sc.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(sc.HandlerTimeout))
	}
	return middleware.Chain(mws...)(d.Dispatch)
}
