package quotaplane

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferCapacity = 1024
	defaultFlushBatchSize = 100
	defaultFlushInterval  = 500 * time.Millisecond
	defaultFlushRetries   = 3
	defaultRetryBackoff   = 100 * time.Millisecond
)

// UsageRecorder buffers usage events in memory and appends them to the
// store's log in batches, off the request path. Telemetry is best-effort:
// on overflow the oldest unflushed event is dropped, and a batch that still
// fails after bounded retries is abandoned. The caller is never blocked or
// failed because of telemetry.
type UsageRecorder struct {
	log    AppendLog
	logger *slog.Logger
	meter  Meter

	capacity     int
	batchSize    int
	interval     time.Duration
	retries      int
	retryBackoff time.Duration

	mu     sync.Mutex
	ring   []UsageEvent
	head   int
	count  int
	closed bool

	wake    chan struct{}
	stopped chan struct{}

	dropped atomic.Int64
	lost    atomic.Int64
	flushed atomic.Int64
}

// RecorderStats exposes the recorder's loss accounting.
type RecorderStats struct {
	// Dropped counts events evicted on buffer overflow.
	Dropped int64

	// Lost counts events abandoned after flush retries were exhausted.
	Lost int64

	// Flushed counts events successfully appended to the log.
	Flushed int64
}

// RecorderOption configures a UsageRecorder.
type RecorderOption func(*UsageRecorder)

// WithBufferCapacity sets the in-memory buffer capacity (default 1024).
func WithBufferCapacity(n int) RecorderOption {
	return func(r *UsageRecorder) { r.capacity = n }
}

// WithFlushBatchSize sets the max events per append (default 100).
func WithFlushBatchSize(n int) RecorderOption {
	return func(r *UsageRecorder) { r.batchSize = n }
}

// WithFlushInterval sets the periodic flush interval (default 500ms).
func WithFlushInterval(d time.Duration) RecorderOption {
	return func(r *UsageRecorder) { r.interval = d }
}

// WithFlushRetries sets the retry budget for a failed append and the
// initial retry backoff, which doubles per attempt (default 3, 100ms).
func WithFlushRetries(n int, backoff time.Duration) RecorderOption {
	return func(r *UsageRecorder) {
		r.retries = n
		r.retryBackoff = backoff
	}
}

// WithRecorderLogger sets the logger. Defaults to slog.Default().
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *UsageRecorder) { r.logger = logger }
}

// WithRecorderMeter sets the meter. Defaults to a no-op meter.
func WithRecorderMeter(m Meter) RecorderOption {
	return func(r *UsageRecorder) { r.meter = m }
}

// NewUsageRecorder creates a UsageRecorder appending to log. Call Start to
// launch the background flusher.
func NewUsageRecorder(log AppendLog, opts ...RecorderOption) *UsageRecorder {
	r := &UsageRecorder{
		log:          log,
		logger:       slog.Default(),
		meter:        noopMeter{},
		capacity:     defaultBufferCapacity,
		batchSize:    defaultFlushBatchSize,
		interval:     defaultFlushInterval,
		retries:      defaultFlushRetries,
		retryBackoff: defaultRetryBackoff,
		wake:         make(chan struct{}, 1),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ring = make([]UsageEvent, r.capacity)
	return r
}

// Record enqueues one event and returns immediately. It never blocks: when
// the buffer is full the oldest unflushed event is evicted and counted as
// dropped. Events recorded after shutdown are counted as dropped too.
func (r *UsageRecorder) Record(event UsageEvent) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.dropped.Add(1)
		r.meter.OnTelemetry(TelemetryEvent{Dropped: 1})
		return
	}

	evicted := false
	if r.count == r.capacity {
		r.head = (r.head + 1) % r.capacity
		r.count--
		evicted = true
	}
	r.ring[(r.head+r.count)%r.capacity] = event
	r.count++
	full := r.count >= r.batchSize
	r.mu.Unlock()

	if evicted {
		r.dropped.Add(1)
		r.meter.OnTelemetry(TelemetryEvent{Dropped: 1})
	}
	if full {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Start launches the background flusher. It drains the buffer whenever a
// full batch accumulates or the flush interval elapses, whichever first,
// and performs a final flush when ctx is cancelled.
func (r *UsageRecorder) Start(ctx context.Context) {
	go func() {
		defer close(r.stopped)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.shutdown()
				return
			case <-ticker.C:
			case <-r.wake:
			}
			r.flushAll(ctx)
		}
	}()
}

// Stopped is closed once the background flusher has exited.
func (r *UsageRecorder) Stopped() <-chan struct{} {
	return r.stopped
}

// Stats returns the current loss accounting.
func (r *UsageRecorder) Stats() RecorderStats {
	return RecorderStats{
		Dropped: r.dropped.Load(),
		Lost:    r.lost.Load(),
		Flushed: r.flushed.Load(),
	}
}

// shutdown marks the recorder closed and makes a last flush attempt with a
// fresh deadline, so events buffered at cancellation are not silently lost.
func (r *UsageRecorder) shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.flushAll(ctx)
}

func (r *UsageRecorder) flushAll(ctx context.Context) {
	for {
		batch := r.take()
		if len(batch) == 0 {
			return
		}
		r.appendWithRetry(ctx, batch)
		if len(batch) < r.batchSize {
			return
		}
	}
}

func (r *UsageRecorder) take() []UsageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.count
	if n > r.batchSize {
		n = r.batchSize
	}
	if n == 0 {
		return nil
	}

	batch := make([]UsageEvent, n)
	for i := 0; i < n; i++ {
		batch[i] = r.ring[(r.head+i)%r.capacity]
	}
	r.head = (r.head + n) % r.capacity
	r.count -= n
	return batch
}

func (r *UsageRecorder) appendWithRetry(ctx context.Context, batch []UsageEvent) {
	backoff := r.retryBackoff
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if err = r.log.Append(ctx, batch); err == nil {
			r.flushed.Add(int64(len(batch)))
			r.meter.OnTelemetry(TelemetryEvent{Flushed: len(batch)})
			return
		}
		if attempt == r.retries || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	r.lost.Add(int64(len(batch)))
	r.meter.OnTelemetry(TelemetryEvent{Lost: len(batch), Err: err})
	r.logger.Error("usage batch lost after retries",
		"events", len(batch), "retries", r.retries, "error", err)
}
