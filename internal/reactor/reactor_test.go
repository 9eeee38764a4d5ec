package reactor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterPendingCompletesImmediately(t *testing.T) {
	r := New(5 * time.Millisecond)
	require.NoError(t, r.Start(2))
	defer r.Stop()

	done := make(chan error, 1)
	r.RegisterPending("test", func() (bool, error) {
		return true, nil
	}, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("op never resumed")
	}

	stats := r.Stats()
	require.Equal(t, uint64(1), stats.TotalProcessed)
	require.Equal(t, uint64(1), stats.Categories["test"].Histogram[0])
}

func TestRegisterPendingRetriesBeforeCompleting(t *testing.T) {
	r := New(5 * time.Millisecond)
	require.NoError(t, r.Start(1))
	defer r.Stop()

	var attempts atomic.Int32
	done := make(chan error, 1)
	r.RegisterPending("retry", func() (bool, error) {
		if attempts.Add(1) < 3 {
			return false, nil
		}
		return true, nil
	}, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("op never resumed")
	}
	require.GreaterOrEqual(t, attempts.Load(), int32(3))

	stats := r.Stats()
	cat := stats.Categories["retry"]
	require.Equal(t, uint64(1), cat.Histogram[2])
}

func TestRegisterPendingFailure(t *testing.T) {
	r := New(5 * time.Millisecond)
	require.NoError(t, r.Start(1))
	defer r.Stop()

	wantErr := errors.New("boom")
	done := make(chan error, 1)
	r.RegisterPending("fail", func() (bool, error) {
		return true, wantErr
	}, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.ErrorIs(t, err, wantErr)
	case <-time.After(time.Second):
		t.Fatal("op never resumed")
	}

	stats := r.Stats()
	require.Equal(t, uint64(1), stats.Categories["fail"].FailureAttempts.Count)
}

func TestTryCompletePanicResumesWithError(t *testing.T) {
	r := New(5 * time.Millisecond)
	require.NoError(t, r.Start(1))
	defer r.Stop()

	done := make(chan error, 1)
	r.RegisterPending("panic", func() (bool, error) {
		panic("nope")
	}, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("op never resumed")
	}
}

func TestStartIdempotent(t *testing.T) {
	r := New(5 * time.Millisecond)
	require.NoError(t, r.Start(1))
	require.ErrorIs(t, r.Start(1), ErrAlreadyRunning)
	require.NoError(t, r.Stop())
}

func TestStopIdempotent(t *testing.T) {
	r := New(5 * time.Millisecond)
	require.NoError(t, r.Start(1))
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
}

func TestWorkGuardReleaseIsIdempotent(t *testing.T) {
	r := New(5 * time.Millisecond)
	g := r.MakeWorkGuard()
	require.Equal(t, int64(1), r.Stats().OutstandingWork)
	g.Release()
	g.Release()
	require.Equal(t, int64(0), r.Stats().OutstandingWork)
}

func TestManyConcurrentOpsAllResume(t *testing.T) {
	r := New(2 * time.Millisecond)
	require.NoError(t, r.Start(4))
	defer r.Stop()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	var completed atomic.Int64
	for i := 0; i < n; i++ {
		r.RegisterPending("bulk", func() (bool, error) {
			return true, nil
		}, func(err error) {
			completed.Add(1)
			wg.Done()
		})
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d/%d ops completed", completed.Load(), n)
	}
	require.EqualValues(t, n, completed.Load())
}
