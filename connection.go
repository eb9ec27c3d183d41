package redis

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/redis3/internal/ioloop"
	"github.com/xenking/redis3/internal/mux"
	"github.com/xenking/redis3/internal/supervisor"
	"github.com/xenking/redis3/resp3"
)

// CancelOp selects which class of in-flight work Connection.Cancel
// targets, matching spec.md §5's cancel(op: {Exec|Run|Receive|All}).
type CancelOp int

const (
	OpExec CancelOp = iota
	OpRun
	OpReceive
	OpAll
)

// Connection is the public façade over components C4-C6: it owns one
// reconnecting supervisor, translates Config/Request/Logger into the
// internal packages' own narrower types (so those packages stay free of
// an import cycle on this one), and exposes the exec/receive/cancel
// client API spec.md §6 names.
type Connection struct {
	cfg    Config
	logger Logger
	sup    *supervisor.Supervisor
	hub    *pushHub
}

// New builds a Connection. It does not dial; call Run to start the
// connect/handshake/reconnect loop. A nil logger uses NopLogger. An
// empty Config.ClientName defaults to a random UUID, so HELLO's SETNAME
// always gives the server something to show in CLIENT LIST.
func New(cfg Config, logger Logger) *Connection {
	return newConnection(cfg, logger, nil)
}

// newConnection is New's implementation, with an extra seam for a test
// double to sit in place of the real net.Dialer — connection_test.go is
// in this package and can reach internal/supervisor's Dialer type
// directly, the same way supervisor_test.go substitutes one at its own
// layer with fakeDialer.
func newConnection(cfg Config, logger Logger, dialer supervisor.Dialer) *Connection {
	if logger == nil {
		logger = NopLogger{}
	}
	hub := newPushHub()

	clientName := cfg.ClientName
	if clientName == "" {
		clientName = uuid.New().String()
	}

	opts := supervisor.Options{
		Network:               "tcp",
		Addr:                  supervisor.Address{Host: cfg.Addr.Host, Port: cfg.Addr.Port},
		UnixPath:              cfg.UnixSocket,
		ConnectTimeout:        cfg.ConnectTimeout,
		HealthCheckInterval:   cfg.HealthCheckInterval,
		ReconnectWaitInterval: cfg.ReconnectWaitInterval,
		MaxReadBuffer:         cfg.MaxReadBuffer,
		Handshake: supervisor.HandshakeConfig{
			Username:      cfg.Username,
			Password:      cfg.Password,
			ClientName:    clientName,
			DatabaseIndex: cfg.DatabaseIndex,
		},
		ReceiveAdapter: hub,
		Logger:         supervisorLoggerAdapter{l: logger, prefix: cfg.LogPrefix},
	}
	if dialer != nil {
		opts.Dialer = dialer
	}
	if cfg.UseSSL {
		tc := cfg.TLSConfig
		if tc == nil {
			tc = &tls.Config{}
		}
		opts.TLS = tc
	}
	if cfg.Setup != nil {
		opts.Handshake.SetupPayload = cfg.Setup.Payload()
		opts.Handshake.SetupCommands = cfg.Setup.CommandCount()
	}
	if len(cfg.Sentinel.Addresses) > 0 {
		addrs := make([]supervisor.Address, len(cfg.Sentinel.Addresses))
		for i, a := range cfg.Sentinel.Addresses {
			addrs[i] = supervisor.Address{Host: a.Host, Port: a.Port}
		}
		var setupPayload []byte
		var setupCount int
		if cfg.Sentinel.Setup != nil {
			setupPayload = cfg.Sentinel.Setup.Payload()
			setupCount = cfg.Sentinel.Setup.CommandCount()
		}
		opts.Sentinel = supervisor.SentinelConfig{
			Addresses:    addrs,
			MasterName:   cfg.Sentinel.MasterName,
			ServerRole:   supervisor.Role(cfg.Sentinel.ServerRole),
			SetupPayload: setupPayload,
			SetupCount:   setupCount,
		}
	}

	return &Connection{
		cfg:    cfg,
		logger: logger,
		sup:    supervisor.New(opts),
		hub:    hub,
	}
}

// Run drives the connect/handshake/reconnect loop until ctx is cancelled
// or the supervisor reaches a terminal, non-reconnecting failure
// (handshake rejection, or any failure with ReconnectWaitInterval == 0).
func (c *Connection) Run(ctx context.Context) error {
	return toError(c.sup.Run(ctx))
}

// Exec sends req and routes its replies to resp, blocking until every
// expected response has arrived, ctx is cancelled, or the request's own
// cancellation policy completes it early. It returns the number of wire
// bytes this request's responses consumed, matching spec.md's
// exec(...) -> Future<Result<usize, Error>>.
func (c *Connection) Exec(ctx context.Context, req *Request, resp resp3.Adapter) (int, error) {
	cfg := *req.Config()

	m, wake, ok := c.sup.Current()
	if !ok {
		if cfg.CancelIfNotConnected {
			return 0, ErrNotConnected
		}
		var err error
		m, wake, err = c.waitForConnection(ctx)
		if err != nil {
			return 0, toError(err)
		}
	}

	entry := mux.NewPendingEntry(req.Payload(), resp, req.ExpectedResponses(), mux.Config{
		CancelOnConnectionLost: cfg.CancelOnConnectionLost,
		CancelIfNotConnected:   cfg.CancelIfNotConnected,
		CancelIfUnresponded:    cfg.CancelIfUnresponded,
		HelloWithPriority:      req.HasHelloPriority(),
	})
	m.Add(entry)
	wake.Signal()

	select {
	case res := <-entry.ResultChan():
		return res.BytesRouted, toError(res.Err)
	case <-ctx.Done():
		m.Remove(entry)
		return 0, ctx.Err()
	}
}

// waitForConnection blocks until the supervisor has a live connection or
// ctx is cancelled. A short poll rather than a dedicated condition
// variable: Exec calls made while reconnecting are rare enough on a
// healthy deployment that the extra cross-package signaling plumbing
// isn't worth it; see DESIGN.md.
func (c *Connection) waitForConnection(ctx context.Context) (*mux.Multiplexer, ioloop.Wakeup, error) {
	if m, wake, ok := c.sup.Current(); ok {
		return m, wake, nil
	}
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-t.C:
			if m, wake, ok := c.sup.Current(); ok {
				return m, wake, nil
			}
		}
	}
}

// Receive waits for the next complete push frame (a pub/sub message, a
// client-side caching invalidation push, ...) and returns its nodes.
// Matching spec.md's receive(&mut Response).
func (c *Connection) Receive(ctx context.Context) ([]resp3.Node, error) {
	return c.hub.wait(ctx)
}

// Cancel implements spec.md §5's cancel(op), returning how many
// in-flight operations it affected. OpAll applies Run, then Receive,
// then Exec, in that order, matching the spec's stated precedence.
func (c *Connection) Cancel(op CancelOp) int {
	m, _, ok := c.sup.Current()

	switch op {
	case OpExec:
		if !ok {
			return 0
		}
		return m.CancelWaiting()
	case OpRun:
		if !ok {
			return 0
		}
		m.CancelRun()
		c.sup.CloseCurrent()
		return 1
	case OpReceive:
		return c.hub.cancelAll()
	case OpAll:
		n := 0
		if ok {
			m.CancelRun()
			c.sup.CloseCurrent()
			n++
		}
		n += c.hub.cancelAll()
		if ok {
			n += m.CancelWaiting()
		}
		return n
	default:
		return 0
	}
}

// Reserve grows the live connection's read and write buffers ahead of
// time. A no-op while disconnected.
func (c *Connection) Reserve(read, write int) {
	if m, _, ok := c.sup.Current(); ok {
		m.Reserve(read, write)
	}
}

// SetMaxBufferReadSize updates the live connection's maximum read buffer
// size. A no-op while disconnected; the next reconnect will pick up
// cfg.MaxReadBuffer instead, since a fresh Multiplexer is built per
// attempt.
func (c *Connection) SetMaxBufferReadSize(n int) {
	if m, _, ok := c.sup.Current(); ok {
		m.SetMaxReadBuffer(n)
	}
}

// supervisorLoggerAdapter adapts the root package's richer Logger to
// internal/supervisor's narrower Logger interface.
type supervisorLoggerAdapter struct {
	l      Logger
	prefix string
}

func (a supervisorLoggerAdapter) Log(event string, err error, fields map[string]any) {
	level := LevelInfo
	if err != nil {
		level = LevelErr
		if fields == nil {
			fields = map[string]any{}
		}
		fields["error"] = err.Error()
	}
	a.l.Log(level, a.prefix, event, fields)
}

// pushResult is what one waiter registered with pushHub.wait eventually
// receives: either a complete push frame's nodes, or a cancellation.
type pushResult struct {
	nodes []resp3.Node
	err   error
}

// pushHub is the receive() side of the client API. It implements
// resp3.Adapter (collecting one push frame's nodes) and
// mux.PushDoneNotifier (learning when that frame is complete), handing
// it off to whichever goroutine is currently parked in wait. Unlike
// spec.md §4.5's single-slot, back-pressured push_signal channel (reader
// blocks until the consumer acknowledges), pushHub drops a frame that
// arrives with no registered waiter rather than blocking the reader —
// blocking here would stall the Multiplexer's mutex for every other
// caller, not just the receive side; see DESIGN.md.
type pushHub struct {
	mu       sync.Mutex
	waiters  []chan pushResult
	building []resp3.Node
}

func newPushHub() *pushHub {
	return &pushHub{}
}

// OnNode implements resp3.Adapter.
func (h *pushHub) OnNode(_ int, n resp3.Node) error {
	cp := make([]byte, len(n.Value))
	copy(cp, n.Value)
	n.Value = cp
	h.mu.Lock()
	h.building = append(h.building, n)
	h.mu.Unlock()
	return nil
}

// OnPushDone implements mux.PushDoneNotifier.
func (h *pushHub) OnPushDone() {
	h.mu.Lock()
	frame := h.building
	h.building = nil
	var w chan pushResult
	if len(h.waiters) > 0 {
		w = h.waiters[0]
		h.waiters = h.waiters[1:]
	}
	h.mu.Unlock()
	if w != nil {
		w <- pushResult{nodes: frame}
	}
}

func (h *pushHub) wait(ctx context.Context) ([]resp3.Node, error) {
	ch := make(chan pushResult, 1)
	h.mu.Lock()
	h.waiters = append(h.waiters, ch)
	h.mu.Unlock()

	select {
	case res := <-ch:
		return res.nodes, res.err
	case <-ctx.Done():
		h.removeWaiter(ch)
		return nil, ctx.Err()
	}
}

func (h *pushHub) removeWaiter(target chan pushResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, w := range h.waiters {
		if w == target {
			h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
			return
		}
	}
}

// cancelAll completes every currently registered Receive call with
// ErrCancelled, returning how many it affected.
func (h *pushHub) cancelAll() int {
	h.mu.Lock()
	waiters := h.waiters
	h.waiters = nil
	h.mu.Unlock()
	for _, w := range waiters {
		w <- pushResult{err: ErrCancelled}
	}
	return len(waiters)
}
