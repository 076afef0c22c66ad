package sqs

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fintech/transaction-core/internal/ledger"
	"github.com/fintech/transaction-core/internal/models"
)

// API is the slice of the SQS client the consumer uses; tests swap in a fake.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// ConsumerConfig configures the worker pool.
type ConsumerConfig struct {
	QueueURL string
	// DLQURL receives undecodable messages and messages past the delivery
	// cap. Empty means the queue's own redrive policy is the only
	// dead-letter path.
	DLQURL              string
	Workers             int
	WaitTime            time.Duration
	BatchSize           int
	VisibilityTimeout   time.Duration
	MaxDeliveryAttempts int
	// ProcessTimeout bounds one message's processing, including the grace
	// window granted to in-flight work during shutdown.
	ProcessTimeout time.Duration
	PollBackoffMax time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.WaitTime <= 0 {
		c.WaitTime = 10 * time.Second
	}
	// SQS rejects WaitTimeSeconds above 20.
	if c.WaitTime > 20*time.Second {
		c.WaitTime = 20 * time.Second
	}
	if c.BatchSize <= 0 || c.BatchSize > 10 {
		c.BatchSize = 10
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = 5
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 2 * c.VisibilityTimeout
	}
	if c.PollBackoffMax <= 0 {
		c.PollBackoffMax = 30 * time.Second
	}
	return c
}

// Consumer long-polls the transaction queue with a fixed pool of workers and
// drives the processor per message. Delivery is at-least-once and unordered;
// all dedup correctness lives in the processor and the store's conditional
// writes, so the consumer only decides acknowledge vs. redeliver vs.
// dead-letter.
type Consumer struct {
	client    API
	processor *ledger.Processor
	logger    *zap.Logger
	cfg       ConsumerConfig
}

// NewConsumer wires a consumer pool. Run must be called to start it.
func NewConsumer(client API, processor *ledger.Processor, logger *zap.Logger, cfg ConsumerConfig) *Consumer {
	return &Consumer{
		client:    client,
		processor: processor,
		logger:    logger,
		cfg:       cfg.withDefaults(),
	}
}

// Run starts the worker pool and blocks until ctx is canceled and every
// worker has drained its in-flight work.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	c.logger.Info("consumer pool stopped", zap.Int("workers", c.cfg.Workers))
}

func (c *Consumer) worker(ctx context.Context, id int) {
	log := c.logger.With(zap.Int("worker", id))

	pollBackoff := backoff.NewExponentialBackOff()
	pollBackoff.MaxInterval = c.cfg.PollBackoffMax
	pollBackoff.MaxElapsedTime = 0 // poll forever

	for {
		if ctx.Err() != nil {
			return
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.cfg.QueueURL),
			MaxNumberOfMessages: int32(c.cfg.BatchSize),
			WaitTimeSeconds:     int32(c.cfg.WaitTime / time.Second),
			VisibilityTimeout:   int32(c.cfg.VisibilityTimeout / time.Second),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := pollBackoff.NextBackOff()
			log.Warn("polling queue failed", zap.Error(err), zap.Duration("backoff", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		pollBackoff.Reset()

		for _, msg := range out.Messages {
			c.handle(ctx, log, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, log *zap.Logger, msg types.Message) {
	log = log.With(zap.String("message_id", aws.ToString(msg.MessageId)))

	if count := receiveCount(msg); count > c.cfg.MaxDeliveryAttempts {
		log.Warn("delivery attempts exhausted, dead-lettering", zap.Int("receive_count", count))
		c.deadLetter(ctx, log, msg, "delivery attempts exhausted")
		return
	}

	req, err := DecodeRequest(aws.ToString(msg.Body))
	if err != nil {
		// Never reaches the processor; zero processing attempts.
		log.Warn("undecodable payload, dead-lettering", zap.Error(err))
		c.deadLetter(ctx, log, msg, "undecodable payload")
		return
	}
	log = log.With(zap.String("idempotency_key", req.IdempotencyKey))

	// In-flight work survives shutdown up to the process timeout; the
	// heartbeat keeps the message invisible while it runs.
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ProcessTimeout)
	defer cancel()

	stopHeartbeat := c.startHeartbeat(procCtx, log, msg)
	result, err := c.processor.Process(procCtx, req)
	stopHeartbeat()

	switch {
	case err != nil && errors.Is(err, models.ErrInvalidRequest):
		log.Warn("invalid request, dead-lettering", zap.Error(err))
		c.deadLetter(ctx, log, msg, "validation failed")
	case err != nil:
		// Transient; release the claim so the queue redelivers promptly.
		log.Warn("transient processing failure, releasing for redelivery", zap.Error(err))
		c.release(ctx, log, msg)
	case result.Outcome == ledger.OutcomeAlreadyInFlight:
		c.release(ctx, log, msg)
	default:
		// Completed, Failed (terminal), or Duplicate: the record is
		// authoritative, acknowledge the message.
		log.Info("message processed", zap.String("outcome", string(result.Outcome)))
		c.delete(ctx, log, msg)
	}
}

// startHeartbeat extends the message's visibility while processing is in
// flight so slow-but-healthy work is not redelivered out from under us.
func (c *Consumer) startHeartbeat(ctx context.Context, log *zap.Logger, msg types.Message) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		interval := c.cfg.VisibilityTimeout / 2
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				_, err := c.client.ChangeMessageVisibility(hbCtx, &sqs.ChangeMessageVisibilityInput{
					QueueUrl:          aws.String(c.cfg.QueueURL),
					ReceiptHandle:     msg.ReceiptHandle,
					VisibilityTimeout: int32(c.cfg.VisibilityTimeout / time.Second),
				})
				if err != nil && hbCtx.Err() == nil {
					log.Warn("extending visibility failed", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (c *Consumer) deadLetter(ctx context.Context, log *zap.Logger, msg types.Message, reason string) {
	cleanupCtx, cancel := cleanupContext(ctx)
	defer cancel()

	if c.cfg.DLQURL == "" {
		// No explicit DLQ; leave the message for the queue's redrive policy.
		log.Warn("no dead-letter queue configured, leaving message", zap.String("reason", reason))
		return
	}

	_, err := c.client.SendMessage(cleanupCtx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.cfg.DLQURL),
		MessageBody: msg.Body,
		MessageAttributes: map[string]types.MessageAttributeValue{
			"dead_letter_reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
			"source_message_id": {
				DataType:    aws.String("String"),
				StringValue: msg.MessageId,
			},
		},
	})
	if err != nil {
		// Keep the original message so nothing is lost; it will redeliver.
		log.Error("dead-lettering failed, leaving message", zap.Error(err))
		return
	}
	c.delete(ctx, log, msg)
}

func (c *Consumer) delete(ctx context.Context, log *zap.Logger, msg types.Message) {
	cleanupCtx, cancel := cleanupContext(ctx)
	defer cancel()

	_, err := c.client.DeleteMessage(cleanupCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		// The processor outcome is recorded; a redelivery will be
		// classified as a duplicate and acknowledged then.
		log.Warn("deleting message failed", zap.Error(err))
	}
}

// release makes the message immediately visible again instead of waiting out
// the visibility timeout.
func (c *Consumer) release(ctx context.Context, log *zap.Logger, msg types.Message) {
	cleanupCtx, cancel := cleanupContext(ctx)
	defer cancel()

	_, err := c.client.ChangeMessageVisibility(cleanupCtx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.cfg.QueueURL),
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: 0,
	})
	if err != nil {
		log.Warn("releasing message failed", zap.Error(err))
	}
}

// cleanupContext detaches acknowledge/release calls from shutdown
// cancellation so an in-flight outcome is always settled with the queue.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func receiveCount(msg types.Message) int {
	raw, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 1
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 1
	}
	return count
}
