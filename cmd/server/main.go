package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fintech/transaction-core/internal/api"
	"github.com/fintech/transaction-core/internal/config"
	"github.com/fintech/transaction-core/internal/events/kafka"
	"github.com/fintech/transaction-core/internal/interfaces"
	"github.com/fintech/transaction-core/internal/ledger"
	"github.com/fintech/transaction-core/internal/outbox"
	sqsconsumer "github.com/fintech/transaction-core/internal/queue/sqs"
	"github.com/fintech/transaction-core/internal/rules"
	"github.com/fintech/transaction-core/internal/storage/dynamodb"
	"github.com/fintech/transaction-core/internal/storage/memory"
	"github.com/fintech/transaction-core/internal/storage/postgres"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("loading configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, outboxStore, closeStore, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("building ledger store", zap.Error(err))
	}
	defer closeStore()

	var wg sync.WaitGroup

	// Events ride the outbox: the processor persists them next to the ledger
	// records and the relay delivers them to Kafka asynchronously.
	var publisher interfaces.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaPublisher.Close()
		publisher = outbox.NewWriter(outboxStore, logger)

		relay := outbox.NewRelay(outboxStore, kafkaPublisher, logger, outbox.RelayConfig{
			PollInterval:   cfg.OutboxPollInterval,
			BatchSize:      cfg.OutboxBatchSize,
			MaxAttempts:    cfg.OutboxMaxAttempts,
			PublishBackoff: cfg.OutboxPublishBackoff,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("outbox relay started",
				zap.Strings("brokers", cfg.KafkaBrokers),
				zap.String("topic", cfg.KafkaTopic))
			relay.Run(ctx)
		}()
	}

	engine := rules.NewEngine(cfg.AmountDenyThreshold, cfg.AmountReviewThreshold)
	processor := ledger.NewProcessor(store, engine, publisher, logger, ledger.ProcessorConfig{
		MaxAttempts:     cfg.MaxProcessAttempts,
		StaleClaimAfter: cfg.StaleClaimAfter,
	})

	if cfg.ConsumerEnabled() {
		sqsClient, err := buildSQSClient(ctx, cfg)
		if err != nil {
			logger.Fatal("building sqs client", zap.Error(err))
		}
		consumer := sqsconsumer.NewConsumer(sqsClient, processor, logger, sqsconsumer.ConsumerConfig{
			QueueURL:            cfg.QueueURL,
			DLQURL:              cfg.DLQURL,
			Workers:             cfg.Workers,
			WaitTime:            cfg.PollWait,
			BatchSize:           cfg.BatchSize,
			VisibilityTimeout:   cfg.VisibilityTimeout,
			MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
			ProcessTimeout:      cfg.ShutdownGrace,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("consumer started",
				zap.String("queue_url", cfg.QueueURL),
				zap.Int("workers", cfg.Workers))
			consumer.Run(ctx)
		}()
	}

	apiServer := api.NewServer(processor, store, logger, cfg.SyncTimeout)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiServer.Router(),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	wg.Wait()
	logger.Info("shutdown complete")
}

// buildStores creates the ledger and outbox stores on the configured backend;
// both live in the same backend so events persist alongside the records.
func buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (interfaces.LedgerStore, outbox.Store, func(), error) {
	switch cfg.LedgerBackend {
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, nil, nil, err
		}
		client := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
			if cfg.AWSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			}
		})
		logger.Info("using dynamodb ledger store",
			zap.String("table", cfg.LedgerTable),
			zap.String("outbox_table", cfg.OutboxTable))
		return dynamodb.NewDynamoLedgerStore(client, cfg.LedgerTable),
			dynamodb.NewDynamoOutboxStore(client, cfg.OutboxTable),
			func() {}, nil

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		logger.Info("using postgres ledger store")
		return postgres.NewPostgresLedgerStore(db),
			postgres.NewPostgresOutboxStore(db),
			func() { db.Close() }, nil

	case config.BackendMemory:
		logger.Warn("using in-memory ledger store; records do not survive restarts")
		return memory.NewMemoryLedgerStore(),
			memory.NewMemoryOutboxStore(),
			func() {}, nil

	default:
		return nil, nil, nil, errors.New("unknown ledger backend " + cfg.LedgerBackend)
	}
}

func buildSQSClient(ctx context.Context, cfg config.Config) (*awssqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, err
	}
	return awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
		}
	}), nil
}
