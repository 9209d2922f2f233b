package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/example/veasyo/agent/internal/config"
	"github.com/example/veasyo/agent/internal/connection"
	"github.com/example/veasyo/agent/internal/executor"
	"github.com/example/veasyo/agent/internal/telemetry"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.FromEnv()
	if cfg.Tenant == "" {
		logger.Fatal("VEASYO_AGENT_TENANT is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tc := telemetry.NewNop()
	exec := executor.New(cfg, logger.Named("executor"), tc)
	loop := connection.NewLoop(cfg, exec, logger.Named("connection"), tc)

	logger.Info("bridge agent starting",
		zap.String("agent_id", cfg.AgentID),
		zap.String("dispatch_url", cfg.DispatchURL),
		zap.String("tenant", cfg.Tenant),
		zap.String("execute_mode", cfg.ExecuteMode))

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bridge agent exited with error", zap.Error(err))
	}
	logger.Info("bridge agent stopped")
}
