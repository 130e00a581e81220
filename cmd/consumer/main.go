package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"example.com/progress/internal/config"
	"example.com/progress/internal/consumer"
	"example.com/progress/internal/domain"
	"example.com/progress/internal/logging"
	persistence "example.com/progress/internal/persistence/postgres"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("invalid streak timezone", "timezone", cfg.Timezone, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", "error", err)
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)
	service := domain.NewService(repo, repo,
		domain.WithLocation(loc),
		domain.WithLogger(logger.With("component", "badges")),
	)

	handler := consumer.Chain{
		consumer.NewPersistenceHandler(pool),
		consumer.NewBadgeHandler(service, logger.With("component", "badge-handler")),
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		logger.Info("consumer metrics listening", "address", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range cfg.ConsumerTopics {
		topicLogger := logger.With("topic", topic, "group", cfg.ConsumerGroupID)
		g.Go(func() error {
			return consumeTopic(gctx, cfg, topic, handler, topicLogger)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("consumer stopped with error", "error", err)
	}
	logger.Info("consumer shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
}

// consumeTopic runs a processor for topic until ctx ends. When a message exhausts its
// handler retries the reader is closed and reopened, which resumes from the last
// committed offset so the failed message is fetched again.
func consumeTopic(ctx context.Context, cfg config.Config, topic string, handler consumer.Handler, logger *logging.Logger) error {
	for {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.KafkaBrokers,
			GroupID:         cfg.ConsumerGroupID,
			Topic:           topic,
			MinBytes:        1e3,
			MaxBytes:        10e6,
			CommitInterval:  time.Second,
			RetentionTime:   24 * time.Hour,
			ReadLagInterval: -1,
		})
		proc := consumer.NewProcessor(reader, handler,
			consumer.WithLogger(logger),
			consumer.WithRetry(cfg.ConsumerRetries, cfg.ConsumerRetryBackoff),
		)

		logger.Info("consumer started")
		err := proc.Run(ctx)
		if closeErr := reader.Close(); closeErr != nil {
			logger.Warn("reader close error", "error", closeErr)
		}

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, consumer.ErrHandlerFailed):
			logger.Warn("restarting reader after handler failure", "error", err)
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.ConsumerRetryBackoff):
		}
	}
}
