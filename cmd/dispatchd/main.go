package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/veasyo/internal/api"
	"github.com/example/veasyo/internal/bootstrap"
	"github.com/example/veasyo/internal/observability"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	shutdownTracing, err := observability.InitTracingFromEnv("veasyo-dispatchd")
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}

	core, err := bootstrap.NewCoreFromEnv(logger)
	if err != nil {
		logger.Fatal("bootstrap", zap.Error(err))
	}

	port := os.Getenv("VEASYO_PORT")
	if port == "" {
		port = "8080"
	}
	server := api.NewServer(core.Engine, core.Dispatcher, core.Hub, core.Relay, core.Resolver, core.Trail, logger.Named("api"))
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dispatchd listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return core.Relay.Run(gctx)
	})
	g.Go(func() error {
		core.Engine.Shards().StartSweeper(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("dispatchd exited with error", zap.Error(err))
	}
	core.Stop()
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("dispatchd stopped")
}
