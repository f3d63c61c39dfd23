// Package redis provides Redis-backed stores for quotaplane.
//
// Rate and budget state lives in plain keys updated by atomic Lua scripts,
// which makes enforcement safe across many data-plane nodes. The policy
// config is a JSON blob under a well-known key with updates broadcast on a
// pub/sub channel, and usage telemetry is appended to a Redis Stream.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotaplane"
)

const (
	configKeySuffix     = "config"
	configChannelSuffix = "config_updates"
	telemetrySuffix     = "telemetry"
)

// Store is a Redis-backed implementation of AtomicCounterStore, ConfigStore,
// PubSubChannel and AppendLog.
type Store struct {
	client    *goredis.Client
	keyPrefix string
	budgetTTL time.Duration
	maxStream int64
}

var (
	_ quotaplane.AtomicCounterStore = (*Store)(nil)
	_ quotaplane.ConfigStore        = (*Store)(nil)
	_ quotaplane.PubSubChannel      = (*Store)(nil)
	_ quotaplane.AppendLog          = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "quotaplane:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithBudgetTTL expires budget state after the given idle period.
// Zero (the default) keeps budget state until an operator resets it.
func WithBudgetTTL(ttl time.Duration) Option {
	return func(s *Store) { s.budgetTTL = ttl }
}

// WithMaxStreamLength caps the telemetry stream with approximate trimming
// (default 1000000 entries). Retention is the store's concern, not the
// recorder's.
func WithMaxStreamLength(n int64) Option {
	return func(s *Store) { s.maxStream = n }
}

// New creates a Redis-backed Store. The client must be a connected
// *goredis.Client.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "quotaplane:",
		maxStream: 1_000_000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(name string) string {
	return s.keyPrefix + name
}

// rateScript runs one GCRA admission atomically. Times are in microseconds.
// KEYS[1] = TAT key
// ARGV[1] = emission interval
// ARGV[2] = window (plus configured burst, if any)
// ARGV[3] = now
// ARGV[4] = cost
// ARGV[5] = state TTL in seconds
//
// Returns {allowed, retry_after_micros}.
var rateScript = goredis.NewScript(`
local key = KEYS[1]
local interval = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local tat = tonumber(redis.call("GET", key))
if not tat or tat < now then
    tat = now
end

local new_tat = tat + interval * cost
local overrun = new_tat - now
if overrun > window then
    return {0, overrun - window}
end

redis.call("SET", key, new_tat, "EX", ttl)
return {1, 0}
`)

// budgetScript debits the remaining balance if it covers the cost,
// initializing it to the configured limit on first use. A denied debit
// leaves the balance untouched.
// KEYS[1] = budget key
// ARGV[1] = limit cents
// ARGV[2] = cost cents
// ARGV[3] = TTL in seconds (0 = no expiry)
//
// Returns {allowed, remaining_cents}.
var budgetScript = goredis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local remaining = tonumber(redis.call("GET", key))
if not remaining then
    remaining = limit
end

local allowed = 0
if cost <= remaining then
    allowed = 1
    remaining = remaining - cost
end

if ttl > 0 then
    redis.call("SET", key, remaining, "EX", ttl)
else
    redis.call("SET", key, remaining)
end
return {allowed, remaining}
`)

// AllowRate applies one GCRA admission for key.
func (s *Store) AllowRate(ctx context.Context, key string, limit int64, window time.Duration, cost int64) (quotaplane.RateResult, error) {
	if limit <= 0 {
		return quotaplane.RateResult{Allowed: true}, nil
	}

	interval := window.Microseconds() / limit
	ttl := int64((2 * window).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	res, err := rateScript.Run(ctx, s.client, []string{s.key(key)},
		interval, window.Microseconds(), time.Now().UnixMicro(), cost, ttl,
	).Int64Slice()
	if err != nil {
		return quotaplane.RateResult{}, &quotaplane.StoreError{Op: "allow_rate", Err: err}
	}
	if len(res) != 2 {
		return quotaplane.RateResult{}, &quotaplane.StoreError{Op: "allow_rate", Err: fmt.Errorf("unexpected script result: %v", res)}
	}

	return quotaplane.RateResult{
		Allowed:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Microsecond,
	}, nil
}

// DebitBudget atomically debits costCents from the key's balance.
func (s *Store) DebitBudget(ctx context.Context, key string, limitCents, costCents int64) (quotaplane.BudgetResult, error) {
	res, err := budgetScript.Run(ctx, s.client, []string{s.key(key)},
		limitCents, costCents, int64(s.budgetTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return quotaplane.BudgetResult{}, &quotaplane.StoreError{Op: "debit_budget", Err: err}
	}
	if len(res) != 2 {
		return quotaplane.BudgetResult{}, &quotaplane.StoreError{Op: "debit_budget", Err: fmt.Errorf("unexpected script result: %v", res)}
	}

	return quotaplane.BudgetResult{
		Allowed:        res[0] == 1,
		RemainingCents: res[1],
	}, nil
}

// Fetch returns the current config blob, or an empty version-0 snapshot
// when none was published yet.
func (s *Store) Fetch(ctx context.Context) (quotaplane.Config, error) {
	data, err := s.client.Get(ctx, s.key(configKeySuffix)).Bytes()
	if err == goredis.Nil {
		return quotaplane.Config{}, nil
	}
	if err != nil {
		return quotaplane.Config{}, &quotaplane.StoreError{Op: "fetch", Err: err}
	}

	var cfg quotaplane.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return quotaplane.Config{}, &quotaplane.StoreError{Op: "fetch", Err: err}
	}
	return cfg, nil
}

// Publish stores the config first and then notifies subscribers, so a
// fetch triggered by the notification always sees the new blob.
func (s *Store) Publish(ctx context.Context, update quotaplane.PolicyUpdate) error {
	cfg := update.Config
	cfg.Version = update.Version
	update.Config = cfg

	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("quotaplane/redis: marshal config: %w", err)
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("quotaplane/redis: marshal update: %w", err)
	}

	if err := s.client.Set(ctx, s.key(configKeySuffix), blob, 0).Err(); err != nil {
		return &quotaplane.StoreError{Op: "publish", Err: err}
	}
	if err := s.client.Publish(ctx, s.key(configChannelSuffix), payload).Err(); err != nil {
		return &quotaplane.StoreError{Op: "publish", Err: err}
	}
	return nil
}

// Subscribe opens a subscription on the config channel.
func (s *Store) Subscribe(ctx context.Context) (quotaplane.Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.key(configChannelSuffix))

	// Force the SUBSCRIBE round trip so a broken connection surfaces here
	// rather than on the first Receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, &quotaplane.StoreError{Op: "subscribe", Err: err}
	}
	return &subscription{pubsub: pubsub}, nil
}

type subscription struct {
	pubsub *goredis.PubSub
}

func (s *subscription) Receive(ctx context.Context) ([]byte, error) {
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (s *subscription) Close() error {
	return s.pubsub.Close()
}

// Append adds the batch to the telemetry stream, one XADD per event in a
// single pipeline. Entry ids are Redis stream ids, monotonic per stream.
func (s *Store) Append(ctx context.Context, events []quotaplane.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, ev := range events {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: s.key(telemetrySuffix),
			MaxLen: s.maxStream,
			Approx: true,
			Values: map[string]interface{}{
				"subject_id":    ev.SubjectID,
				"model":         ev.Model,
				"input_tokens":  strconv.FormatInt(ev.InputTokens, 10),
				"output_tokens": strconv.FormatInt(ev.OutputTokens, 10),
				"latency_ms":    strconv.FormatInt(ev.LatencyMS, 10),
				"timestamp":     ev.Timestamp.UTC().Format(time.RFC3339Nano),
				"decision":      string(ev.Decision),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &quotaplane.StoreError{Op: "append", Err: err}
	}
	return nil
}
