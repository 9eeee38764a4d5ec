package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBatchingSinkDeliversEverything(t *testing.T) {
	underlying := &recordingSink{}
	bs := NewBatchingSink(underlying, BatchConfig{MaxSize: 4, MaxLatency: 10 * time.Millisecond})

	const n = 10
	for i := 1; i <= n; i++ {
		bs.Deliver(uint32(i), []byte("x"))
	}

	require.Eventually(t, func() bool { return underlying.count() == n }, time.Second, 5*time.Millisecond)
	require.NoError(t, bs.Close(context.Background()))
}

func TestBatchingSinkCloseFlushesPending(t *testing.T) {
	underlying := &recordingSink{}
	// A long latency so the flush is driven by Close, not the timer.
	bs := NewBatchingSink(underlying, BatchConfig{MaxSize: 100, MaxLatency: time.Minute})

	bs.Deliver(1, []byte("x"))
	bs.Deliver(2, []byte("y"))
	require.NoError(t, bs.Close(context.Background()))
	require.Equal(t, 2, underlying.count())
}
