// Package supervisor implements component C6 from spec.md: the
// connect/handshake/reconnect state machine (fsm.go), the Sentinel
// discovery sub-protocol (sentinel.go), and the handshake request
// composition (handshake.go) that together keep one redis.Connection's
// live socket up.
package supervisor

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/tls"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/xenking/redis3/internal/ioloop"
	"github.com/xenking/redis3/internal/mux"
	"github.com/xenking/redis3/resp3"
)

// Logger is the supervisor's narrow logging need — deliberately not the
// root package's richer Logger interface, so this package doesn't import
// the root package (which imports this one). redis.Connection adapts its
// own injected Logger to this shape.
type Logger interface {
	Log(event string, err error, fields map[string]any)
}

// NopLogger discards everything.
type NopLogger struct{}

// Log implements Logger.
func (NopLogger) Log(string, error, map[string]any) {}

// Options configures a Supervisor. It's the supervisor-package mirror of
// redis.Config, translated by connection.go so this package stays free
// of a dependency on the root package.
type Options struct {
	Network  string // "tcp" or "unix"
	Addr     Address
	UnixPath string
	TLS      *tls.Config

	ConnectTimeout        time.Duration
	HealthCheckInterval   time.Duration
	ReconnectWaitInterval time.Duration
	MaxReadBuffer         int

	Handshake HandshakeConfig
	Sentinel  SentinelConfig // Sentinel.Addresses == nil disables discovery

	// ReceiveAdapter, if non-nil, is installed on every freshly dialed
	// Multiplexer before its handshake is sent, so push frames (pub/sub
	// messages, invalidation notices) have somewhere to go from the very
	// first byte read on a new connection. It's static across
	// reconnects; only the Multiplexer it's attached to changes.
	ReceiveAdapter resp3.Adapter

	Dialer Dialer
	Logger Logger
}

// liveConn is the (multiplexer, write-wakeup, socket) triple backing the
// currently-connected socket, if any.
type liveConn struct {
	mux  *mux.Multiplexer
	wake ioloop.Wakeup
	conn net.Conn
}

// Supervisor owns the reconnect loop. Run blocks until ctx is cancelled
// or the FSM reaches a terminal, non-reconnecting failure (spec.md
// §4.6). While connected, Exec/Receive-style callers reach the live
// multiplexer via Current.
type Supervisor struct {
	opts Options
	topo Topology
	rng  *rand.Rand

	mu      sync.RWMutex
	current *liveConn
	addr    Address // resolved connect target; may be updated by Sentinel

	closed bool
}

// New creates a Supervisor. It does not dial; call Run to start the
// reconnect loop.
func New(opts Options) *Supervisor {
	if opts.Dialer == nil {
		opts.Dialer = NewNetDialer()
	}
	if opts.Logger == nil {
		opts.Logger = NopLogger{}
	}
	return &Supervisor{
		opts: opts,
		topo: Topology{
			UseUnix:               opts.UnixPath != "",
			UseTLS:                opts.TLS != nil,
			UseSentinel:           len(opts.Sentinel.Addresses) > 0,
			ReconnectWaitInterval: opts.ReconnectWaitInterval,
		},
		rng:  rand.New(rand.NewSource(seed())),
		addr: opts.Addr,
	}
}

func seed() int64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err == nil {
		return int64(b[0])<<56 | int64(b[1])<<48 | int64(b[2])<<40 | int64(b[3])<<32 |
			int64(b[4])<<24 | int64(b[5])<<16 | int64(b[6])<<8 | int64(b[7])
	}
	return time.Now().UnixNano()
}

// Current returns the live multiplexer and its write-wakeup, or ok=false
// if no connection is currently established.
func (s *Supervisor) Current() (m *mux.Multiplexer, wake ioloop.Wakeup, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, nil, false
	}
	return s.current.mux, s.current.wake, true
}

func (s *Supervisor) setCurrent(c *liveConn) {
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
}

func (s *Supervisor) clearCurrent() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// CloseCurrent closes the live socket, if any, unblocking whichever of
// RunReader/RunWriter/RunHealth is parked in a network call on it. It
// reports whether a connection was actually present to close. This is
// the other half of Multiplexer.CancelRun: setting cancelRunCalled alone
// only stops routing once the reader reaches its next ConsumeNext — a
// reader blocked in conn.Read (e.g. waiting on a BLPOP reply that never
// arrives) needs the socket itself torn down to be woken at all.
func (s *Supervisor) CloseCurrent() bool {
	s.mu.RLock()
	c := s.current
	s.mu.RUnlock()
	if c == nil || c.conn == nil {
		return false
	}
	_ = c.conn.Close()
	return true
}

// Run drives the reconnect FSM until ctx is cancelled or a terminal
// non-reconnecting failure occurs (handshake rejection, or any failure
// with reconnect_wait_interval == 0).
func (s *Supervisor) Run(ctx context.Context) error {
	state := StartState(s.topo)
	var lastErr error

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch state {
		case StateSentinelResolve:
			res, err := ResolveSentinel(ctx, s.opts.Dialer, s.opts.ConnectTimeout, s.opts.Sentinel, s.rng)
			if err != nil {
				lastErr = err
				s.opts.Logger.Log("sentinel_resolve_failed", err, nil)
				state = Next(state, s.topo, classify(ctx, err))
				continue
			}
			s.addr = res.Target
			s.opts.Sentinel.Addresses = res.NewAddresses
			s.opts.Logger.Log("sentinel_resolved", nil, map[string]any{"target": res.Target.String()})
			state = Next(state, s.topo, OutcomeOK)

		case StateResolve:
			// Plain TCP resolution happens inside net.Dialer.DialContext
			// itself in Go (it resolves the host as part of dialing), so
			// this state is a pass-through: spec.md's diagram keeps it
			// distinct because the original's resolver is a separate
			// async step, but Go's standard dialer folds the two.
			state = Next(state, s.topo, OutcomeOK)

		case StateConnect, StateConnectUnix, StateTLSHandshake, StateHandshake, StateRun:
			err := s.connectAndServe(ctx)
			if err == nil {
				state = Next(StateRun, s.topo, OutcomeOK)
				continue
			}
			lastErr = err
			if errors.Is(err, ErrHandshakeFailed) {
				state = Next(StateHandshake, s.topo, OutcomeError)
			} else {
				state = Next(StateRun, s.topo, classify(ctx, err))
			}
			s.opts.Logger.Log("connection_lost", err, nil)

		case StateWaitReconnect:
			s.opts.Logger.Log("reconnecting", nil, map[string]any{"wait": s.opts.ReconnectWaitInterval.String()})
			t := time.NewTimer(s.opts.ReconnectWaitInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			state = Next(state, s.topo, OutcomeOK)

		case StateTerminal:
			if lastErr != nil {
				return errors.Wrap(lastErr, "supervisor: terminal")
			}
			return nil

		default:
			return errors.Errorf("supervisor: unreachable state %s", state)
		}
	}
}

// classify maps a Go error from a dial/handshake/run attempt onto the
// Outcome values fsm.go's Next understands.
func classify(ctx context.Context, err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return OutcomeCancelled
	}
	return OutcomeError
}

// connectAndServe dials (with TLS if configured), runs the handshake,
// then serves the connection's reader/writer/health loop until it exits.
// Handshake and Run are necessarily concurrent in this implementation
// (HELLO is just another exec riding the same read/write loop), the Go
// analogue of runner_op's parallel_group over {hello, health_check,
// run_lean} in include/boost/redis/detail/runner.hpp; see DESIGN.md.
func (s *Supervisor) connectAndServe(ctx context.Context) error {
	network := s.opts.Network
	addr := s.addr.String()
	if s.topo.UseUnix {
		network = "unix"
		addr = s.opts.UnixPath
	}

	dialCtx := ctx
	var cancelDial context.CancelFunc
	if s.opts.ConnectTimeout > 0 {
		dialCtx, cancelDial = context.WithTimeout(ctx, s.opts.ConnectTimeout)
	}
	conn, err := dialTransport(dialCtx, s.opts.Dialer, network, addr, s.opts.TLS)
	if cancelDial != nil {
		cancelDial()
	}
	if err != nil {
		return err
	}

	m := mux.New(s.opts.MaxReadBuffer)
	if s.opts.ReceiveAdapter != nil {
		m.SetReceiveAdapter(s.opts.ReceiveAdapter)
	}
	wake := ioloop.NewWakeup()

	hello := buildHandshake(s.opts.Handshake)
	m.Add(hello)
	wake.Signal()

	runCtx, cancelRun := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() {
		runErr <- ioloop.Run(runCtx, conn, m, wake, s.opts.HealthCheckInterval)
	}()

	if err := s.awaitHandshake(runCtx, hello, runErr); err != nil {
		cancelRun()
		<-runErr
		return err
	}

	s.opts.Logger.Log("connected", nil, map[string]any{"addr": addr})
	s.setCurrent(&liveConn{mux: m, wake: wake, conn: conn})
	defer s.clearCurrent()

	select {
	case err := <-runErr:
		cancelRun()
		return err
	case <-ctx.Done():
		cancelRun()
		<-runErr
		return ctx.Err()
	}
}

// awaitHandshake races the handshake entry's completion against the run
// loop dying before a reply ever arrives — a connection that drops mid
// handshake must fail the attempt, not hang forever.
func (s *Supervisor) awaitHandshake(ctx context.Context, hello *mux.PendingEntry, runErr chan error) error {
	var timeout <-chan time.Time
	if s.opts.ConnectTimeout > 0 {
		t := time.NewTimer(s.opts.ConnectTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-hello.ResultChan():
		return res.Err
	case err := <-runErr:
		if err == nil {
			err = errors.New("supervisor: connection closed during handshake")
		}
		return err
	case <-timeout:
		return errors.New("supervisor: handshake timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
