package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/api"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/assembly"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/config"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/email"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/observability"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/orchestrator"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/presentation"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/queue"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/tableau"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/transform"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	shutdownTrace, err := observability.InitTracing("tableau-ppt-export", observability.TracingConfig{
		Exporter:    cfg.OtelExporter,
		Endpoint:    cfg.OtelEndpoint,
		Headers:     cfg.OtelHeaders,
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSampleRatio,
		Environment: cfg.NodeEnv,
	})
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	registry, err := config.LoadRegistry()
	if err != nil {
		log.Fatalf("load use-case manifests: %v", err)
	}
	log.Printf("loaded %d use cases", len(registry.UseCases()))

	store := queue.NewRedisStore(queue.RedisStoreConfig{
		Addr:  cfg.RedisAddr(),
		Queue: cfg.QueueName,
		Options: queue.Options{
			MaxAttempts: cfg.QueueAttempts,
		},
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		log.Printf("redis not reachable at %s: %v", cfg.RedisAddr(), err)
	}
	cancelPing()

	remote := tableau.NewClient(tableau.Config{
		BaseURL:     cfg.RemoteBaseURL,
		Concurrency: cfg.QueueConcurrency,
		Production:  cfg.IsProduction(),
	})
	engine, err := assembly.New(registry)
	if err != nil {
		log.Fatalf("init assembly engine: %v", err)
	}
	mailer := email.New(email.Config{
		BaseURL:    cfg.NotificationAPIURL,
		Token:      cfg.APIGatewayToken,
		From:       cfg.EmailFrom,
		TeamTag:    cfg.EmailTeamTag,
		ProductTag: cfg.EmailProductTag,
	})

	processor := orchestrator.New(registry, transform.New(registry), remote, engine, presentation.NewDeckWriter(), mailer)
	worker := queue.NewWorker(store, processor, queue.WorkerConfig{Concurrency: cfg.QueueConcurrency})
	worker.Start(context.Background())

	server := api.NewServer(store, worker, registry, cfg.QueueAttempts)
	e := server.Echo()
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()
	log.Printf("listening on :%s (env=%s queue=%s)", cfg.Port, cfg.NodeEnv, cfg.QueueName)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Print("shutdown signal received")

	// Shutdown order: stop accepting HTTP, drain the worker, then close
	// the queue and outbound clients.
	exitCode := 0
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	cancel()
	if err := worker.Stop(cfg.ShutdownTimeout); err != nil {
		log.Printf("worker drain: %v", err)
		exitCode = 1
	}
	if err := store.Close(); err != nil {
		log.Printf("close queue store: %v", err)
	}
	remote.Close()
	mailer.Close()
	os.Exit(exitCode)
}
