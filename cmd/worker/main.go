package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookshelf-worker/internal/books"
	"bookshelf-worker/internal/config"
	"bookshelf-worker/internal/files"
	"bookshelf-worker/internal/importer"
	"bookshelf-worker/internal/models"
	"bookshelf-worker/internal/queue"
	"bookshelf-worker/internal/store"
	"bookshelf-worker/internal/telemetry"
	"bookshelf-worker/internal/worker"
)

func main() {
	cfg := config.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		log.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	blob, err := files.NewBlobBackend(ctx, cfg)
	if err != nil {
		log.Error("init blob backend", "error", err)
		os.Exit(1)
	}
	fileStore := files.NewStore(st.Pool(), blob)
	bookStore := books.NewStore(st.Pool())

	imp := importer.New(fileStore, bookStore, log, cfg.OriginalsPrefix, cfg.CoversPrefix, cfg.CoverThumbWidth)

	processor := worker.NewProcessor(st, log)
	processor.RegisterHandler(models.KindImport,
		worker.NewImportHandler(st, imp, cfg.ImportsDir(), log).Handle)
	processor.RegisterHandler(models.KindConvert,
		worker.NewConvertHandler(bookStore, fileStore, cfg.OriginalsPrefix, log).Handle)

	q := queue.NewRedisQueue(cfg, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if depth, err := q.ReadyDepth(ctx); err == nil {
					telemetry.QueueDepthGauge.Set(float64(depth))
				}
			}
		}
	}()

	log.Info("worker started",
		"queue", cfg.QueueName,
		"concurrency", cfg.MaxConcurrentDeliveries,
		"visibility", cfg.VisibilityTimeout.String())

	handler := func(ctx context.Context, msg queue.Message) queue.Outcome {
		return processor.HandleMessage(ctx, msg)
	}
	if err := q.Consume(ctx, handler, cfg.MaxConcurrentDeliveries); err != nil && err != context.Canceled {
		log.Error("consume loop stopped", "error", err)
	}

	if err := q.Stop(); err != nil {
		log.Warn("queue shutdown", "error", err)
	}
	log.Info("worker stopped")
}
