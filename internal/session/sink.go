package session

import (
	"context"
	"time"

	microbatch "github.com/joeycumines/go-microbatch"
)

// Sink receives completed task responses as sessions read them off the
// wire. Implementations must be safe for concurrent use: every live
// session calls Deliver from its own goroutine.
type Sink interface {
	Deliver(taskID uint32, body []byte)
}

// BatchConfig controls BatchingSink's coalescing of Deliver calls.
type BatchConfig struct {
	// MaxSize is the largest number of deliveries coalesced into one
	// underlying call. Defaults to 16 if zero.
	MaxSize int
	// MaxLatency bounds how long a partial batch waits before flushing.
	// Defaults to 50ms if zero.
	MaxLatency time.Duration
	// MaxConcurrency bounds concurrent in-flight batch flushes. Defaults
	// to 1 if zero.
	MaxConcurrency int
}

type deliverJob struct {
	taskID uint32
	body   []byte
}

// BatchingSink wraps a Sink, coalescing Deliver calls from many
// concurrent sessions into batched flushes, cutting per-call overhead
// (e.g. a shared mutex or downstream RPC) under load.
type BatchingSink struct {
	underlying Sink
	batcher    *microbatch.Batcher[deliverJob]
}

// NewBatchingSink constructs a BatchingSink over underlying.
func NewBatchingSink(underlying Sink, cfg BatchConfig) *BatchingSink {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 16
	}
	if cfg.MaxLatency == 0 {
		cfg.MaxLatency = 50 * time.Millisecond
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 1
	}

	bs := &BatchingSink{underlying: underlying}
	bs.batcher = microbatch.NewBatcher[deliverJob](&microbatch.BatcherConfig{
		MaxSize:        cfg.MaxSize,
		FlushInterval:  cfg.MaxLatency,
		MaxConcurrency: cfg.MaxConcurrency,
	}, bs.flush)
	return bs
}

func (bs *BatchingSink) flush(_ context.Context, jobs []deliverJob) error {
	for _, j := range jobs {
		bs.underlying.Deliver(j.taskID, j.body)
	}
	return nil
}

// Deliver queues a delivery; it does not wait for the underlying batch
// to flush, matching the fire-and-forget shape of Sink.Deliver.
func (bs *BatchingSink) Deliver(taskID uint32, body []byte) {
	_, _ = bs.batcher.Submit(context.Background(), deliverJob{taskID: taskID, body: body})
}

// Close drains any in-flight batch and stops accepting new deliveries.
func (bs *BatchingSink) Close(ctx context.Context) error {
	return bs.batcher.Shutdown(ctx)
}
