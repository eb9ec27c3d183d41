package redis

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xenking/redis3/resp3"
)

type fakeDialer struct {
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (f *fakeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f.dial(ctx, network, addr)
}

func TestPushHubDeliversFrameToWaiter(t *testing.T) {
	h := newPushHub()

	ctx := context.Background()
	go func() {
		h.OnNode(0, resp3.Node{Kind: resp3.KindBlobString, Value: []byte("message")})
		h.OnNode(1, resp3.Node{Kind: resp3.KindBlobString, Value: []byte("news")})
		h.OnPushDone()
	}()

	nodes, err := h.wait(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, "message", string(nodes[0].Value))
	require.Equal(t, "news", string(nodes[1].Value))
}

func TestPushHubDropsFrameWithNoWaiter(t *testing.T) {
	h := newPushHub()

	h.OnNode(0, resp3.Node{Kind: resp3.KindBlobString, Value: []byte("ignored")})
	h.OnPushDone()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPushHubWaitCancelledByContext(t *testing.T) {
	h := newPushHub()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.waiters, 0)
}

func TestPushHubCancelAll(t *testing.T) {
	h := newPushHub()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.wait(context.Background())
			results <- err
		}()
	}
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.waiters) == 2
	}, time.Second, time.Millisecond)

	n := h.cancelAll()
	require.Equal(t, 2, n)
	require.ErrorIs(t, <-results, ErrCancelled)
	require.ErrorIs(t, <-results, ErrCancelled)
}

func TestSupervisorLoggerAdapterMapsErrorToErrLevel(t *testing.T) {
	var gotLevel Level
	var gotFields map[string]any
	rec := recorderLogger{record: func(level Level, prefix, msg string, fields map[string]any) {
		gotLevel = level
		gotFields = fields
	}}

	a := supervisorLoggerAdapter{l: rec, prefix: "redis"}
	a.Log("dial_failed", errDial, nil)

	require.Equal(t, LevelErr, gotLevel)
	require.Equal(t, errDial.Error(), gotFields["error"])
}

func TestSupervisorLoggerAdapterInfoWithoutError(t *testing.T) {
	var gotLevel Level
	rec := recorderLogger{record: func(level Level, prefix, msg string, fields map[string]any) {
		gotLevel = level
	}}

	a := supervisorLoggerAdapter{l: rec, prefix: "redis"}
	a.Log("connected", nil, nil)

	require.Equal(t, LevelInfo, gotLevel)
}

type recorderLogger struct {
	record func(level Level, prefix, msg string, fields map[string]any)
}

func (r recorderLogger) Log(level Level, prefix, msg string, fields map[string]any) {
	r.record(level, prefix, msg, fields)
}

var errDial = &dialErr{"refused"}

type dialErr struct{ msg string }

func (e *dialErr) Error() string { return e.msg }

// TestConnectionExecRoundTrip drives Connection end to end over a
// net.Pipe fake server, the same way supervisor_test.go exercises
// connectAndServe, but through the public Exec/Run surface.
func TestConnectionExecRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		buf := make([]byte, 4096)
		if _, err := server.Read(buf); err != nil {
			return
		}
		server.Write([]byte("%1\r\n$6\r\nserver\r\n$5\r\nredis\r\n"))

		if _, err := server.Read(buf); err != nil {
			return
		}
		server.Write([]byte("+PONG\r\n"))
	}()

	dialer := &fakeDialer{dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
		return client, nil
	}}

	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	conn := newConnection(cfg, nil, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	req := NewDefaultRequest()
	req.Push("PING")

	var reply string
	adapter := &ScalarAdapter{Dest: &reply}

	execCtx, execCancel := context.WithTimeout(ctx, time.Second)
	defer execCancel()

	_, err := conn.Exec(execCtx, req, adapter)
	require.NoError(t, err)
	require.Equal(t, "PONG", reply)

	cancel()
	<-runDone
}

// TestConnectionCancelOpExec drives Cancel(OpExec) against a genuinely
// Waiting request: the fake server answers the handshake but then never
// reads again, so the writer's blocking Write for the first PING never
// returns and a second PING queued right behind it never gets staged.
// Cancel(OpExec) must complete that second request with ErrCancelled
// rather than leaving it to hang, which is what the unconditional fix to
// mux.CancelWaiting guarantees.
func TestConnectionCancelOpExec(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		buf := make([]byte, 4096)
		if _, err := server.Read(buf); err != nil {
			return
		}
		server.Write([]byte("%1\r\n$6\r\nserver\r\n$5\r\nredis\r\n"))
		// Deliberately stop reading: the writer's next Write blocks.
	}()

	dialer := &fakeDialer{dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
		return client, nil
	}}

	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	conn := newConnection(cfg, nil, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	var reply string
	adapter := &ScalarAdapter{Dest: &reply}

	blocked := make(chan error, 1)
	go func() {
		req := NewDefaultRequest()
		req.Push("PING")
		_, err := conn.Exec(ctx, req, adapter)
		blocked <- err
	}()

	// Give the writer time to stage and block on the first PING's Write
	// before a second request is queued behind it.
	time.Sleep(20 * time.Millisecond)

	waiting := make(chan error, 1)
	go func() {
		req := NewDefaultRequest()
		req.Push("PING")
		_, err := conn.Exec(ctx, req, adapter)
		waiting <- err
	}()

	require.Eventually(t, func() bool {
		return conn.Cancel(OpExec) == 1
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, <-waiting, ErrCancelled)

	select {
	case err := <-blocked:
		t.Fatalf("first exec should still be blocked on the stalled write, got %v", err)
	default:
	}

	cancel()
	<-runDone
}

func TestConnectionCancelOpReceive(t *testing.T) {
	cfg := DefaultConfig()
	conn := newConnection(cfg, nil, &fakeDialer{dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errDial
	}})

	results := make(chan error, 1)
	go func() {
		_, err := conn.Receive(context.Background())
		results <- err
	}()

	require.Eventually(t, func() bool {
		conn.hub.mu.Lock()
		defer conn.hub.mu.Unlock()
		return len(conn.hub.waiters) == 1
	}, time.Second, time.Millisecond)

	n := conn.Cancel(OpReceive)
	require.Equal(t, 1, n)
	require.ErrorIs(t, <-results, ErrCancelled)
}
