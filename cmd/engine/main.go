// Command engine runs the poller, the worker pool and, when Kafka is configured, the intake
// consumer and the stage dispatcher in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/conversation-campaign/internal/app"
	"github.com/acme/conversation-campaign/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "engine")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return container.Poller().Run(gctx) })
	g.Go(func() error { return container.WorkerPool().Run(gctx) })
	if consumer := container.IntakeConsumer(); consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}
	if dispatcher, err := container.Dispatcher(); err == nil {
		g.Go(func() error { return dispatcher.Run(gctx) })
	} else {
		container.Logger.Warn("stage dispatcher disabled", zap.Error(err))
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("engine terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
