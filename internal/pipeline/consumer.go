package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/broker"
)

// MessageProcessor handles one telemetry message
type MessageProcessor interface {
	Process(ctx context.Context, subject string, raw []byte, arrivedAt time.Time) Result
}

// ConsumerConfig holds consumer settings
type ConsumerConfig struct {
	Durable       string
	Workers       int
	ShardQueue    int
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

// Consumer reads telemetry from JetStream and routes each device to a fixed shard worker,
// so one device is processed in arrival order while different devices run in parallel.
type Consumer struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	processor MessageProcessor
	config    ConsumerConfig

	mu     sync.RWMutex
	closed bool
	shards []chan *nats.Msg
	sub    *nats.Subscription
	wg     sync.WaitGroup
}

// NewConsumer creates a new consumer
func NewConsumer(js nats.JetStreamContext, processor MessageProcessor, config ConsumerConfig, logger *zap.Logger) *Consumer {
	if config.Durable == "" {
		config.Durable = "telemetry-pipeline"
	}
	if config.Workers <= 0 {
		config.Workers = 8
	}
	if config.ShardQueue <= 0 {
		config.ShardQueue = 64
	}
	if config.AckWait <= 0 {
		config.AckWait = 30 * time.Second
	}
	if config.MaxDeliver <= 0 {
		config.MaxDeliver = 5
	}
	if config.MaxAckPending <= 0 {
		config.MaxAckPending = config.Workers * config.ShardQueue
	}

	return &Consumer{
		logger:    logger.Named("consumer"),
		js:        js,
		processor: processor,
		config:    config,
	}
}

// Start creates the durable consumer if needed and begins processing
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.ensureConsumer(); err != nil {
		return err
	}

	c.shards = make([]chan *nats.Msg, c.config.Workers)
	for i := range c.shards {
		c.shards[i] = make(chan *nats.Msg, c.config.ShardQueue)
		c.wg.Add(1)
		go c.worker(ctx, c.shards[i])
	}

	sub, err := c.js.Subscribe("", c.route,
		nats.Bind(broker.TelemetryStream, c.config.Durable),
		nats.ManualAck(),
	)
	if err != nil {
		c.closeShards()
		c.wg.Wait()
		return fmt.Errorf("failed to subscribe to telemetry: %w", err)
	}
	c.sub = sub

	c.logger.Info("Consumer started",
		zap.String("durable", c.config.Durable),
		zap.Int("workers", c.config.Workers))
	return nil
}

// Stop stops delivery and waits for queued messages to finish. The durable consumer
// is kept so unacked messages are redelivered after restart.
func (c *Consumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	c.closeShards()
	c.wg.Wait()
	c.logger.Info("Consumer stopped")
}

func (c *Consumer) ensureConsumer() error {
	_, err := c.js.ConsumerInfo(broker.TelemetryStream, c.config.Durable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info: %w", err)
	}

	_, err = c.js.AddConsumer(broker.TelemetryStream, &nats.ConsumerConfig{
		Durable:        c.config.Durable,
		DeliverSubject: nats.NewInbox(),
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        c.config.AckWait,
		MaxDeliver:     c.config.MaxDeliver,
		MaxAckPending:  c.config.MaxAckPending,
		FilterSubject:  broker.TelemetrySubjects,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", c.config.Durable, err)
	}
	c.logger.Info("Created consumer", zap.String("durable", c.config.Durable))
	return nil
}

// route runs on the subscription's delivery goroutine, so messages reach each shard in stream order
func (c *Consumer) route(msg *nats.Msg) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		// Left unacked for redelivery
		return
	}
	c.shards[shardFor(msg.Subject, len(c.shards))] <- msg
}

func (c *Consumer) closeShards() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, shard := range c.shards {
		close(shard)
	}
}

func (c *Consumer) worker(ctx context.Context, shard <-chan *nats.Msg) {
	defer c.wg.Done()

	for msg := range shard {
		arrivedAt := time.Now().UTC()
		if meta, err := msg.Metadata(); err == nil {
			arrivedAt = meta.Timestamp.UTC()
		}

		// In-flight messages run to completion even when ctx is cancelled
		c.processor.Process(ctx, msg.Subject, msg.Data, arrivedAt)

		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to acknowledge message",
				zap.String("subject", msg.Subject),
				zap.Error(err))
		}
	}
}

// shardFor hashes the tenant and device tokens of a telemetry subject
func shardFor(subject string, shards int) int {
	key := subject
	if parts := strings.Split(subject, "."); len(parts) == 4 {
		key = parts[0] + "/" + parts[2]
	}

	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}
