package acceptor

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskfabric/taskmessenger/internal/logging"
	"github.com/taskfabric/taskmessenger/internal/reactor"
	"github.com/taskfabric/taskmessenger/internal/session"
	"github.com/taskfabric/taskmessenger/internal/skill"
	"github.com/taskfabric/taskmessenger/internal/socket"
	"github.com/taskfabric/taskmessenger/internal/taskpool"
	"github.com/taskfabric/taskmessenger/internal/wire"
	"github.com/taskfabric/taskmessenger/internal/workerrt"
)

type orderedSink struct {
	mu  sync.Mutex
	ids []uint32
}

func (s *orderedSink) Deliver(taskID uint32, _ []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, taskID)
}

func (s *orderedSink) snapshot() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.ids))
	copy(out, s.ids)
	return out
}

// Tasks enqueued before any worker exists must drain, in task-id order,
// once a single worker connects.
func TestPreEnqueuedTasksDrainInOrderThroughWorker(t *testing.T) {
	l, err := socket.Listen("127.0.0.1:0", 16)
	require.NoError(t, err)
	addr, err := l.Addr()
	require.NoError(t, err)
	port := addr.(*net.TCPAddr).Port

	r := reactor.New(2 * time.Millisecond)
	require.NoError(t, r.Start(2))
	t.Cleanup(func() { _ = r.Stop() })

	pool := taskpool.New()
	sink := &orderedSink{}
	mgr := session.NewManager(pool, r, sink, 1<<20, logging.Discard())

	const n = 100
	msgs := make([]wire.TaskMessage, 0, n)
	wantBytesOut := uint64(0)
	for i := 1; i <= n; i++ {
		payload := []byte(strconv.Itoa(i))
		m, err := wire.NewTaskMessage(uint32(i), skill.SkillEcho, payload, time.Now())
		require.NoError(t, err)
		msgs = append(msgs, m)
		wantBytesOut += uint64(wire.HeaderSize + len(payload))
	}
	mgr.EnqueueTasks(msgs)
	require.Equal(t, n, pool.Size())

	a := New(l, mgr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	rt := workerrt.New(workerrt.Config{
		Host:        "127.0.0.1",
		Port:        port,
		Strategy:    workerrt.Blocking,
		Registry:    skill.NewIllustrativeRegistry(),
		MaxBodySize: 1 << 20,
	})
	defer rt.Shutdown()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_, _ = rt.Run(context.Background())
	}()

	require.Eventually(t, func() bool { return len(sink.snapshot()) == n }, 10*time.Second, 10*time.Millisecond)

	ids := sink.snapshot()
	for i, id := range ids {
		require.Equal(t, uint32(i+1), id)
	}

	st := mgr.Stats()
	require.GreaterOrEqual(t, st.BytesOut, wantBytesOut)
	require.EqualValues(t, n, st.TasksCompleted)
	require.EqualValues(t, n, rt.Metrics().TasksCompleted)

	pool.Shutdown()
	require.NoError(t, rt.Shutdown())
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("worker runtime did not stop")
	}
	mgr.Wait()
}

// A session whose worker disappears mid-task is reaped by the
// maintenance pass without any new connections arriving.
func TestDisconnectedSessionReapedByMaintenance(t *testing.T) {
	l, err := socket.Listen("127.0.0.1:0", 16)
	require.NoError(t, err)
	addr, err := l.Addr()
	require.NoError(t, err)
	port := addr.(*net.TCPAddr).Port

	r := reactor.New(2 * time.Millisecond)
	require.NoError(t, r.Start(2))
	t.Cleanup(func() { _ = r.Stop() })

	pool := taskpool.New()
	mgr := session.NewManager(pool, r, discardSink{}, 1<<20, logging.Discard())

	a := New(l, mgr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return mgr.Stats().ActiveSessions == 1 }, 2*time.Second, 10*time.Millisecond)

	// Kill the worker before it responds; the session's read fails and
	// the maintenance pass reaps it within its 2s interval.
	m, err := wire.NewTaskMessage(1, skill.SkillEcho, []byte("x"), time.Now())
	require.NoError(t, err)
	mgr.EnqueueTasks([]wire.TaskMessage{m})
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return mgr.Stats().ActiveSessions == 0 && a.ActiveConnections() == 0
	}, 5*time.Second, 50*time.Millisecond)
}
