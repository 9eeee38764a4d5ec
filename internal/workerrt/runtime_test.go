package workerrt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskfabric/taskmessenger/internal/reactor"
	"github.com/taskfabric/taskmessenger/internal/skill"
	"github.com/taskfabric/taskmessenger/internal/socket"
	"github.com/taskfabric/taskmessenger/internal/wire"
)

func listenLoopback(t *testing.T) (*socket.Listener, int) {
	t.Helper()
	l, err := socket.Listen("127.0.0.1:0", 16)
	require.NoError(t, err)
	addr, err := l.Addr()
	require.NoError(t, err)
	return l, addr.(*net.TCPAddr).Port
}

func sendTaskAndReadResponse(t *testing.T, conn *socket.Socket, r *reactor.Reactor, taskID, skillID uint32, payload, want []byte) wire.TaskHeader {
	t.Helper()
	msg, err := wire.NewTaskMessage(taskID, skillID, payload, time.Now())
	require.NoError(t, err)
	hdr, body := msg.WireBytes()
	require.NoError(t, conn.AsyncWriteScatter(r, hdr[:], body))

	respHdr, err := conn.AsyncReadHeader(r)
	require.NoError(t, err)
	require.Equal(t, taskID, respHdr.TaskID)
	respBody := make([]byte, respHdr.BodySize)
	require.NoError(t, conn.AsyncReadExact(r, respBody))
	require.Equal(t, want, respBody)
	return respHdr
}

func TestRuntimeBlockingEchoRoundTrip(t *testing.T) {
	l, port := listenLoopback(t)
	defer l.Close()

	rt := New(Config{
		Host:        "127.0.0.1",
		Port:        port,
		Strategy:    Blocking,
		Registry:    skill.NewIllustrativeRegistry(),
		MaxBodySize: 1 << 20,
	})
	defer rt.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		_, _ = rt.Run(ctx)
		close(runDone)
	}()

	server, err := l.AcceptTimed(2 * time.Second)
	require.NoError(t, err)
	defer server.Close()

	serverReactor := reactor.New(2 * time.Millisecond)
	require.NoError(t, serverReactor.Start(1))
	defer serverReactor.Stop()

	sendTaskAndReadResponse(t, server, serverReactor, 1, skill.SkillEcho, []byte("hello"), []byte("hello"))
	require.Eventually(t, func() bool { return rt.Metrics().TasksCompleted == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("runtime did not stop after context cancellation")
	}
}

func TestRuntimeAsyncSharesReactor(t *testing.T) {
	l, port := listenLoopback(t)
	defer l.Close()

	clientReactor := reactor.New(2 * time.Millisecond)
	require.NoError(t, clientReactor.Start(2))
	defer clientReactor.Stop()

	rt := New(Config{
		Host:        "127.0.0.1",
		Port:        port,
		Strategy:    Async,
		Registry:    skill.NewIllustrativeRegistry(),
		MaxBodySize: 1 << 20,
		Reactor:     clientReactor,
	})
	defer rt.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = rt.Run(ctx) }()

	server, err := l.AcceptTimed(2 * time.Second)
	require.NoError(t, err)
	defer server.Close()

	serverReactor := reactor.New(2 * time.Millisecond)
	require.NoError(t, serverReactor.Start(1))
	defer serverReactor.Stop()

	sendTaskAndReadResponse(t, server, serverReactor, 2, skill.SkillReverse, []byte("abc"), []byte("cba"))
	require.Eventually(t, func() bool { return rt.Metrics().TasksCompleted == 1 }, time.Second, 5*time.Millisecond)
}

func TestRuntimePauseReturnsWithoutClosingState(t *testing.T) {
	l, port := listenLoopback(t)
	defer l.Close()

	go func() {
		s, err := l.AcceptTimed(2 * time.Second)
		if err == nil {
			defer s.Close()
			time.Sleep(200 * time.Millisecond)
		}
	}()

	rt := New(Config{
		Host:        "127.0.0.1",
		Port:        port,
		Strategy:    Blocking,
		Registry:    skill.NewIllustrativeRegistry(),
		MaxBodySize: 1 << 20,
	})
	defer rt.Shutdown()

	rt.Pause()
	ctx := context.Background()
	status, err := rt.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, status)
}

func TestRuntimeShutdownInterruptsConnect(t *testing.T) {
	rt := New(Config{
		Host:        "10.255.255.1",
		Port:        1,
		Strategy:    Blocking,
		Registry:    skill.NewIllustrativeRegistry(),
		MaxBodySize: 1 << 20,
	})

	type result struct {
		status Status
		err    error
	}
	runDone := make(chan result, 1)
	go func() {
		status, err := rt.Run(context.Background())
		runDone <- result{status, err}
	}()

	// Let the connect get in flight; the default connect timeout is 5s.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, rt.Shutdown())

	select {
	case res := <-runDone:
		require.Error(t, res.err)
		require.Equal(t, StatusClosed, res.status)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}
