package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/chatpipe/chatpipe/config"
	"github.com/chatpipe/chatpipe/internal/event"
	"github.com/chatpipe/chatpipe/pkg/logger"
)

// MessageHandler processes one consumed record. A nil return commits the
// offset. event.ErrMalformedPayload commits too (after the record is parked on
// the DLQ topic), because retrying a poison pill would block the partition.
// Any other error leaves the offset uncommitted so the record is redelivered.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// Consumer wraps a sarama consumer group with the retry, poison-pill and
// redelivery policy of the indexing pipeline. Delivery is at-least-once and
// ordered within a partition; handlers must be idempotent.
type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	config        *config.KafkaConfig
	handler       MessageHandler
	dlqProducer   *Producer
	topics        []string
	log           *logger.Logger
	ready         chan bool
	wg            sync.WaitGroup
	cancel        context.CancelFunc
}

type consumerGroupHandler struct {
	consumer *Consumer
}

// NewConsumer joins the configured consumer group for the given topics.
func NewConsumer(cfg *config.KafkaConfig, topics []string, handler MessageHandler, log *logger.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_6_0_0
	saramaConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second
	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond
	saramaConfig.Metadata.Timeout = 10 * time.Second

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	// Malformed records are parked here instead of being retried forever.
	dlqProducer, err := NewProducer(cfg)
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create DLQ producer: %w", err)
	}

	return &Consumer{
		consumerGroup: consumerGroup,
		config:        cfg,
		handler:       handler,
		dlqProducer:   dlqProducer,
		topics:        topics,
		log:           log,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming in a background goroutine and returns once the group
// session is established.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		handler := &consumerGroupHandler{consumer: c}
		for {
			if ctx.Err() != nil {
				return
			}

			if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
				c.log.Error("consumer session ended with error", zap.Error(err))
			}

			if ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	<-c.ready
	return nil
}

// Stop stops the consumer and waits for the consume loop to finish.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.consumerGroup.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer group: %w", err)
	}
	if err := c.dlqProducer.Close(); err != nil {
		return fmt.Errorf("failed to close DLQ producer: %w", err)
	}
	return nil
}

// Ready returns a channel closed when the consumer has joined the group.
func (c *Consumer) Ready() <-chan bool {
	return c.ready
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.consumer.ready)
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes records from one partition in order.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			err := h.processWithRetry(session.Context(), message)
			switch {
			case err == nil:
				session.MarkMessage(message, "")

			case errors.Is(err, event.ErrMalformedPayload):
				// Poison pill: park on the DLQ and move on.
				if dlqErr := h.sendToDLQ(session.Context(), message); dlqErr != nil {
					h.consumer.log.Error("failed to send message to DLQ", zap.Error(dlqErr))
				}
				h.consumer.log.Warn("skipping malformed payload",
					zap.String("topic", message.Topic),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.Error(err))
				session.MarkMessage(message, "")

			default:
				// Transient failure that survived all retries. Leave the
				// offset uncommitted and end the session so the record is
				// redelivered later.
				h.consumer.log.Error("handler failed, leaving offset uncommitted",
					zap.String("topic", message.Topic),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.Error(err))
				return err
			}

		case <-session.Context().Done():
			return nil
		}
	}
}

// processWithRetry runs the handler with bounded exponential backoff.
// Malformed payloads are not retried.
func (h *consumerGroupHandler) processWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	maxRetries := h.consumer.config.Consumer.MaxRetries
	backoff := time.Duration(h.consumer.config.Consumer.RetryBackoffMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := h.consumer.handler(ctx, message)
		if err == nil {
			return nil
		}
		if errors.Is(err, event.ErrMalformedPayload) {
			return err
		}
		lastErr = err

		if attempt < maxRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// sendToDLQ republishes the raw record on the dead-letter topic.
func (h *consumerGroupHandler) sendToDLQ(ctx context.Context, message *sarama.ConsumerMessage) error {
	_, _, err := h.consumer.dlqProducer.Produce(ctx, h.consumer.config.Topics.DLQ, message.Key, message.Value)
	if err != nil {
		return fmt.Errorf("failed to send message to DLQ: %w", err)
	}
	return nil
}
