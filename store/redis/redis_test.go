//go:build integration

package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotaplane"
	qpredis "github.com/ineyio/quotaplane/store/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client, opts ...qpredis.Option) *qpredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	opts = append([]qpredis.Option{qpredis.WithKeyPrefix(prefix)}, opts...)
	s := qpredis.New(client, opts...)
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestAllowRate_Burst(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 10; i++ {
		res, err := store.AllowRate(ctx, "ratelimit:rpm:team-a", 5, time.Minute, 1)
		if err != nil {
			t.Fatalf("allow rate: %v", err)
		}
		if res.Allowed {
			allowed++
		} else if res.RetryAfter <= 0 {
			t.Fatalf("denied without retry_after")
		}
	}
	if allowed != 5 {
		t.Fatalf("expected 5 allowed, got %d", allowed)
	}
}

func TestAllowRate_RetryAfterIsAccurate(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	// One request per 200ms.
	for i := 0; i < 5; i++ {
		res, err := store.AllowRate(ctx, "ratelimit:rpm:team-a", 5, time.Second, 1)
		if err != nil {
			t.Fatalf("allow rate: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
	}

	res, err := store.AllowRate(ctx, "ratelimit:rpm:team-a", 5, time.Second, 1)
	if err != nil {
		t.Fatalf("allow rate: %v", err)
	}
	if res.Allowed {
		t.Fatal("6th request in the window should be denied")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > 250*time.Millisecond {
		t.Fatalf("retry_after out of range: %v", res.RetryAfter)
	}

	time.Sleep(res.RetryAfter + 20*time.Millisecond)
	res, err = store.AllowRate(ctx, "ratelimit:rpm:team-a", 5, time.Second, 1)
	if err != nil {
		t.Fatalf("allow rate: %v", err)
	}
	if !res.Allowed {
		t.Fatal("request after retry_after should be allowed")
	}
}

func TestDebitBudget(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	res, err := store.DebitBudget(ctx, "budget:team-a", 100, 40)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !res.Allowed || res.RemainingCents != 60 {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = store.DebitBudget(ctx, "budget:team-a", 100, 40)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !res.Allowed || res.RemainingCents != 20 {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = store.DebitBudget(ctx, "budget:team-a", 100, 40)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if res.Allowed || res.RemainingCents != 20 {
		t.Fatalf("denied debit must not touch the balance: %+v", res)
	}
}

func TestConfigPublishFetchSubscribe(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	update := quotaplane.PolicyUpdate{
		Version: 4,
		Config: quotaplane.Config{
			Teams: map[string]quotaplane.Quota{
				"team-a": {RPMLimit: 10, TPMLimit: 1000, BudgetCents: 50},
			},
		},
	}
	if err := store.Publish(ctx, update); err != nil {
		t.Fatalf("publish: %v", err)
	}

	cfg, err := store.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if cfg.Version != 4 || cfg.Teams["team-a"].RPMLimit != 10 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	payload, err := sub.Receive(recvCtx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(payload) == 0 {
		t.Fatal("empty payload")
	}
}

func TestFetch_EmptyStore(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)

	cfg, err := store.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if cfg.Version != 0 {
		t.Fatalf("expected empty version-0 config, got %+v", cfg)
	}
}

func TestAppendAndConsume(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := []quotaplane.UsageEvent{
		{
			SubjectID:    "team-a",
			Model:        "gpt-4o",
			InputTokens:  100,
			OutputTokens: 40,
			LatencyMS:    250,
			Timestamp:    time.Now().UTC(),
			Decision:     quotaplane.Allowed,
		},
		{
			SubjectID: "team-b",
			Model:     "gpt-4o-mini",
			Timestamp: time.Now().UTC(),
			Decision:  quotaplane.RateLimited,
		},
	}
	if err := store.Append(ctx, events); err != nil {
		t.Fatalf("append: %v", err)
	}

	got := make(chan quotaplane.UsageEvent, len(events))
	consumer := qpredis.NewConsumer(store)
	go consumer.Run(ctx, func(_ context.Context, ev quotaplane.UsageEvent) error {
		got <- ev
		return nil
	})

	for i := 0; i < len(events); i++ {
		select {
		case ev := <-got:
			if ev.SubjectID == "" || ev.Decision == "" {
				t.Fatalf("incomplete event: %+v", ev)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
}
