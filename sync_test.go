package quotaplane_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaplane"
	"github.com/ineyio/quotaplane/store/memory"
)

func configV(version int64, rpm int64) quotaplane.PolicyUpdate {
	return quotaplane.PolicyUpdate{
		Version: version,
		Config: quotaplane.Config{
			Teams: map[string]quotaplane.Quota{
				"team-a": {RPMLimit: rpm, TPMLimit: 100000},
			},
		},
	}
}

func startSync(t *testing.T, cfgStore quotaplane.ConfigStore, channel quotaplane.PubSubChannel, opts ...quotaplane.SyncOption) *quotaplane.ConfigSynchronizer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	opts = append([]quotaplane.SyncOption{
		quotaplane.WithResubscribeBackoff(time.Millisecond, 10*time.Millisecond),
	}, opts...)
	s := quotaplane.NewConfigSynchronizer(cfgStore, channel, opts...)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		cancel()
		<-s.Stopped()
	})
	return s
}

func TestSync_InitialFetch(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Publish(context.Background(), configV(3, 10)))

	s := startSync(t, store, store)

	cfg := s.Current()
	require.NotNil(t, cfg)
	assert.Equal(t, int64(3), cfg.Version)
	assert.Equal(t, int64(10), cfg.QuotaFor("team-a").RPMLimit)
}

func TestSync_InitialFetchFailure(t *testing.T) {
	store := memory.New()
	store.SetError(errors.New("connection refused"))

	s := quotaplane.NewConfigSynchronizer(store, store)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, quotaplane.ErrConfigUnavailable)
}

func TestSync_AppliesNewerVersion(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Publish(context.Background(), configV(1, 10)))

	s := startSync(t, store, store)

	require.NoError(t, store.Publish(context.Background(), configV(2, 20)))
	require.Eventually(t, func() bool {
		return s.ActiveVersion() == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, int64(20), s.Current().QuotaFor("team-a").RPMLimit)
}

func TestSync_StaleUpdateDiscarded(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Publish(context.Background(), configV(1, 10)))

	var seen atomic.Int32
	m := &funcMeter{onConfig: func(quotaplane.ConfigEvent) { seen.Add(1) }}
	s := startSync(t, store, store, quotaplane.WithSyncMeter(m))

	require.NoError(t, store.Publish(context.Background(), configV(5, 50)))
	require.NoError(t, store.Publish(context.Background(), configV(3, 30)))

	require.Eventually(t, func() bool {
		return seen.Load() == 2
	}, time.Second, time.Millisecond)

	// Version 3 arrived after 5 and must not win.
	assert.Equal(t, int64(5), s.ActiveVersion())
	assert.Equal(t, int64(50), s.Current().QuotaFor("team-a").RPMLimit)
}

// racingStore returns a pre-publish snapshot from Fetch while a newer
// version lands mid-fetch, reproducing the fetch/publish race at startup.
type racingStore struct {
	*memory.Store
	once    sync.Once
	publish func()
}

func (r *racingStore) Fetch(ctx context.Context) (quotaplane.Config, error) {
	cfg, err := r.Store.Fetch(ctx)
	r.once.Do(r.publish)
	return cfg, err
}

func TestSync_NoGapBetweenFetchAndSubscribe(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Publish(context.Background(), configV(1, 10)))

	racing := &racingStore{Store: store}
	racing.publish = func() {
		require.NoError(t, store.Publish(context.Background(), configV(2, 20)))
	}

	// Start fetches version 1 while version 2 is published concurrently.
	// The subscription opened before the fetch buffers the update, so the
	// node converges on 2 without waiting for another publish.
	s := startSync(t, racing, store)

	require.Eventually(t, func() bool {
		return s.ActiveVersion() == 2
	}, time.Second, time.Millisecond)
}

func TestSync_RefetchesAfterResubscribe(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Publish(context.Background(), configV(1, 10)))

	s := startSync(t, store, store)
	require.Eventually(t, func() bool {
		return store.SubscriberCount() == 1
	}, time.Second, time.Millisecond)

	// Drop the channel, then move the config forward while nobody is
	// listening. The update is only visible via refetch.
	store.DropSubscribers(errors.New("connection reset"))
	require.NoError(t, store.Publish(context.Background(), configV(5, 50)))

	require.Eventually(t, func() bool {
		return s.ActiveVersion() == 5
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, store.SubscriberCount())
}

func TestSync_KeepsRetryingSubscribeWithBackoff(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Publish(context.Background(), configV(1, 10)))

	s := startSync(t, store, store)
	require.Eventually(t, func() bool {
		return store.SubscriberCount() == 1
	}, time.Second, time.Millisecond)

	// Fail the next few subscribe attempts; the synchronizer must keep
	// retrying and eventually recover.
	store.FailSubscribes(3)
	store.DropSubscribers(errors.New("connection reset"))

	require.Eventually(t, func() bool {
		return store.SubscriberCount() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), s.ActiveVersion())
}

func TestSync_SnapshotReplacedWholesaleUnderReaders(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Publish(context.Background(), configV(1, 10)))

	s := startSync(t, store, store)

	done := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				cfg := s.Current()
				// A snapshot is always internally consistent: the team
				// entry matches the version it was published with.
				q := cfg.QuotaFor("team-a")
				assert.Equal(t, cfg.Version*10, q.RPMLimit)
			}
		}()
	}

	for v := int64(2); v <= 20; v++ {
		require.NoError(t, store.Publish(context.Background(), configV(v, v*10)))
	}
	require.Eventually(t, func() bool {
		return s.ActiveVersion() == 20
	}, time.Second, time.Millisecond)

	close(done)
	readers.Wait()
}
