package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gaborage/tiercache/logger"
)

// eventEnvelope is the JSON wire form of an invalidation event on the bus.
type eventEnvelope struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ConsumerConfig configures the AMQP invalidation event consumer.
type ConsumerConfig struct {
	// URL is the broker connection string (amqp://...). Required.
	URL string `koanf:"url"`

	// Queue to consume invalidation events from. Required.
	Queue string `koanf:"queue"`

	// ConsumerTag identifies this consumer to the broker. A unique tag is
	// generated when empty.
	ConsumerTag string `koanf:"consumer_tag"`

	// Prefetch bounds unacknowledged deliveries (default: 10).
	Prefetch int `koanf:"prefetch"`
}

// Consumer bridges an AMQP queue to the pipeline. The transport delivers
// at least once with manual acknowledgement: a processing failure is
// nack-requeued for redelivery, and the pipeline's dedup marker absorbs
// the resulting duplicates. Malformed messages are rejected without
// requeue so a poison message cannot wedge the queue.
type Consumer struct {
	pipeline *Pipeline
	log      logger.Logger
	config   ConsumerConfig

	conn    *amqp.Connection
	channel *amqp.Channel

	closeOnce sync.Once
	done      chan struct{}
}

// NewConsumer connects to the broker and prepares a consumer channel.
func NewConsumer(cfg ConsumerConfig, pipeline *Pipeline, log logger.Logger) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("invalidation: broker URL is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("invalidation: queue is required")
	}
	if pipeline == nil {
		return nil, errors.New("invalidation: pipeline is required")
	}
	if log == nil {
		log = logger.NoOp()
	}

	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "tiercache-" + uuid.NewString()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalidation: broker dial failed: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("invalidation: channel open failed: %w", err)
	}

	if err := channel.Qos(cfg.Prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("invalidation: qos failed: %w", err)
	}

	return &Consumer{
		pipeline: pipeline,
		log:      log,
		config:   cfg,
		conn:     conn,
		channel:  channel,
		done:     make(chan struct{}),
	}, nil
}

// Start begins consuming. It returns after the consume loop is running;
// the loop stops when ctx is cancelled, Close is called, or the channel
// is torn down by the broker.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.Consume(
		c.config.Queue,
		c.config.ConsumerTag,
		false, // manual ack: processing failures must redeliver
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("invalidation: consume failed: %w", err)
	}

	go c.loop(ctx, deliveries)

	c.log.Info().
		Str("queue", c.config.Queue).
		Str("consumer_tag", c.config.ConsumerTag).
		Msg("invalidation consumer started")
	return nil
}

func (c *Consumer) loop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.log.Warn().Msg("invalidation delivery channel closed")
				return
			}
			c.handle(ctx, &delivery)
		}
	}
}

// handle processes one delivery with the ack policy described on Consumer.
func (c *Consumer) handle(ctx context.Context, delivery *amqp.Delivery) {
	var envelope eventEnvelope
	if err := json.Unmarshal(delivery.Body, &envelope); err != nil || envelope.Event == "" {
		c.log.Warn().Err(err).Msg("rejecting malformed invalidation message")
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.log.Error().Err(nackErr).Msg("nack failed")
		}
		return
	}

	result, err := c.pipeline.ProcessEvent(ctx, envelope.Event, envelope.Payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", envelope.Event).Msg("invalidation failed, requeueing")
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.log.Error().Err(nackErr).Msg("nack failed")
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.log.Error().Err(ackErr).Msg("ack failed")
		return
	}

	if result.Skipped {
		c.log.Debug().Str("event", envelope.Event).Str("reason", result.SkipReason).Msg("invalidation event skipped")
	}
}

// Close stops the consume loop and tears down the AMQP channel and
// connection. Idempotent.
func (c *Consumer) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.channel.Close(); err != nil {
			closeErr = err
		}
		if err := c.conn.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}
