package redis

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotaplane"
)

const (
	defaultConsumerGroup = "telemetry-consumer"
	readBlock            = 5 * time.Second
	readCount            = 10
	autoClaimIdle        = 10 * time.Minute
	autoClaimCount       = 100
	consumerMaxBackoff   = 30 * time.Second
)

// Consumer reads usage events from the telemetry stream through a consumer
// group and hands them to a handler, typically a database writer. Events
// are acknowledged only after the handler succeeds; entries left pending by
// a dead consumer are reclaimed with XAUTOCLAIM.
type Consumer struct {
	client       *goredis.Client
	logger       *slog.Logger
	streamKey    string
	group        string
	consumerName string
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerGroup sets the consumer group name
// (default "telemetry-consumer").
func WithConsumerGroup(group string) ConsumerOption {
	return func(c *Consumer) { c.group = group }
}

// WithConsumerLogger sets the logger. Defaults to slog.Default().
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// NewConsumer creates a Consumer over the store's telemetry stream.
func NewConsumer(store *Store, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		client:       store.client,
		logger:       slog.Default(),
		streamKey:    store.key(telemetrySuffix),
		group:        defaultConsumerGroup,
		consumerName: "consumer-" + uuid.New().String(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled. Transient failures back off
// exponentially up to 30s. Entries the handler rejects stay pending and are
// retried on the next reclaim pass; unparseable entries are acknowledged
// and skipped.
func (c *Consumer) Run(ctx context.Context, handler func(context.Context, quotaplane.UsageEvent) error) error {
	backoff := time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.consume(ctx, handler)
		if err == nil {
			backoff = time.Second
			continue
		}
		if ctx.Err() != nil {
			continue
		}

		c.logger.Warn("telemetry consume failed", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > consumerMaxBackoff {
			backoff = consumerMaxBackoff
		}
	}
}

func (c *Consumer) consume(ctx context.Context, handler func(context.Context, quotaplane.UsageEvent) error) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	c.reclaimPending(ctx, handler)

	streams, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerName,
		Streams:  []string{c.streamKey, ">"},
		Count:    readCount,
		Block:    readBlock,
	}).Result()
	if err == goredis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.processEntry(ctx, msg, handler)
		}
	}
	return nil
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.streamKey, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// reclaimPending takes over entries another consumer read but never
// acknowledged, so a crashed node's events still reach the handler.
func (c *Consumer) reclaimPending(ctx context.Context, handler func(context.Context, quotaplane.UsageEvent) error) {
	start := "0-0"
	for {
		msgs, next, err := c.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   c.streamKey,
			Group:    c.group,
			Consumer: c.consumerName,
			MinIdle:  autoClaimIdle,
			Start:    start,
			Count:    autoClaimCount,
		}).Result()
		if err != nil {
			c.logger.Warn("xautoclaim failed", "error", err)
			return
		}

		for _, msg := range msgs {
			c.processEntry(ctx, msg, handler)
		}

		if next == "0-0" {
			return
		}
		start = next
	}
}

func (c *Consumer) processEntry(ctx context.Context, msg goredis.XMessage, handler func(context.Context, quotaplane.UsageEvent) error) {
	event, ok := parseEntry(msg.Values)
	if !ok {
		c.logger.Warn("skipping unparseable telemetry entry", "id", msg.ID)
		c.ack(ctx, msg.ID)
		return
	}

	if err := handler(ctx, event); err != nil {
		// Leave unacked; the reclaim pass retries it later.
		c.logger.Warn("telemetry handler failed", "id", msg.ID, "error", err)
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.streamKey, c.group, id).Err(); err != nil {
		c.logger.Warn("failed to ack telemetry entry", "id", id, "error", err)
	}
}

func parseEntry(values map[string]interface{}) (quotaplane.UsageEvent, bool) {
	str := func(field string) string {
		v, _ := values[field].(string)
		return v
	}
	num := func(field string) int64 {
		n, _ := strconv.ParseInt(str(field), 10, 64)
		return n
	}

	subject := str("subject_id")
	if subject == "" {
		return quotaplane.UsageEvent{}, false
	}

	ts, err := time.Parse(time.RFC3339Nano, str("timestamp"))
	if err != nil {
		return quotaplane.UsageEvent{}, false
	}

	return quotaplane.UsageEvent{
		SubjectID:    subject,
		Model:        str("model"),
		InputTokens:  num("input_tokens"),
		OutputTokens: num("output_tokens"),
		LatencyMS:    num("latency_ms"),
		Timestamp:    ts,
		Decision:     quotaplane.Outcome(str("decision")),
	}, true
}
