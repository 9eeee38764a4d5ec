package session

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
	"github.com/taskfabric/taskmessenger/internal/socket"
	"github.com/taskfabric/taskmessenger/internal/taskpool"
	"github.com/taskfabric/taskmessenger/internal/wire"
)

type recordingSink struct {
	mu        sync.Mutex
	delivered []uint32
}

func (s *recordingSink) Deliver(taskID uint32, _ []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, taskID)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

// echoWorker reads one framed request off conn and writes back a
// response reusing the same task id, standing in for a real worker.
func echoWorker(t *testing.T, conn net.Conn) {
	t.Helper()
	var hdrBuf [wire.HeaderSize]byte
	_, err := readFull(conn, hdrBuf[:])
	if err != nil {
		return
	}
	hdr, err := wire.DecodeHeader(hdrBuf[:])
	require.NoError(t, err)
	body := make([]byte, hdr.BodySize)
	_, err = readFull(conn, body)
	require.NoError(t, err)

	respHdr := hdr.Encode()
	_, err = conn.Write(respHdr[:])
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

func newTestManager(t *testing.T) (*Manager, *socket.Listener, int, *recordingSink) {
	t.Helper()
	l, err := socket.Listen("127.0.0.1:0", 16)
	require.NoError(t, err)
	addr, err := l.Addr()
	require.NoError(t, err)

	r := reactor.New(2 * time.Millisecond)
	require.NoError(t, r.Start(2))
	t.Cleanup(func() { _ = r.Stop() })

	pool := taskpool.New()
	sink := &recordingSink{}
	mgr := NewManager(pool, r, sink, 1<<20, logging.Discard())
	return mgr, l, addr.(*net.TCPAddr).Port, sink
}

func TestSessionExchangeDeliversToSink(t *testing.T) {
	mgr, l, port, sink := newTestManager(t)
	defer l.Close()

	peerDone := make(chan struct{})
	go func() {
		conn, err := net.Dial("tcp", l2addr(t, port))
		require.NoError(t, err)
		defer conn.Close()
		echoWorker(t, conn)
		close(peerDone)
	}()

	serverSock, err := l.AcceptTimed(2 * time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := mgr.CreateSession(ctx, serverSock)
	require.Equal(t, StateOpen, s.State())

	msg, err := wire.NewTaskMessage(1, 1, []byte("payload"), time.Now())
	require.NoError(t, err)
	mgr.EnqueueTasks([]wire.TaskMessage{msg})

	<-peerDone
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return mgr.CleanupCompleted() == 1 || s.State() == StateClosed }, time.Second, 5*time.Millisecond)
}

func TestManagerStatsAggregatesSessions(t *testing.T) {
	mgr, l, port, sink := newTestManager(t)
	defer l.Close()
	_ = sink

	const n = 3
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", l2addr(t, port))
			require.NoError(t, err)
			defer conn.Close()
			echoWorker(t, conn)
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < n; i++ {
		serverSock, err := l.AcceptTimed(2 * time.Second)
		require.NoError(t, err)
		mgr.CreateSession(ctx, serverSock)
	}

	for i := 0; i < n; i++ {
		msg, err := wire.NewTaskMessage(uint32(i+1), 1, []byte("x"), time.Now())
		require.NoError(t, err)
		mgr.EnqueueTasks([]wire.TaskMessage{msg})
	}

	wg.Wait()
	require.Eventually(t, func() bool {
		st := mgr.Stats()
		return st.TasksCompleted == n
	}, time.Second, 5*time.Millisecond)

	st := mgr.Stats()
	require.Equal(t, n, st.ActiveSessions)
	require.True(t, st.BytesOut > 0)
	require.True(t, st.BytesIn > 0)
}

func TestCleanupCompletedReapsClosedSessions(t *testing.T) {
	mgr, l, port, _ := newTestManager(t)
	defer l.Close()

	go func() {
		conn, err := net.Dial("tcp", l2addr(t, port))
		require.NoError(t, err)
		conn.Close()
	}()

	serverSock, err := l.AcceptTimed(2 * time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := mgr.CreateSession(ctx, serverSock)

	msg, err := wire.NewTaskMessage(9, 1, []byte("x"), time.Now())
	require.NoError(t, err)
	mgr.EnqueueTasks([]wire.TaskMessage{msg})

	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, mgr.CleanupCompleted())
	require.Equal(t, 0, mgr.Stats().ActiveSessions)
}

func l2addr(t *testing.T, port int) string {
	t.Helper()
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
