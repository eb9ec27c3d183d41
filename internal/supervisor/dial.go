package supervisor

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
)

// ErrConnectTimeout and ErrSslHandshakeTimeout wrap a dial or TLS
// handshake failure that happened because the attempt's own deadline
// (derived from Options.ConnectTimeout) expired, as opposed to an
// ordinary refused/unreachable connection.
var (
	ErrConnectTimeout      = errors.New("supervisor: connect timed out")
	ErrSslHandshakeTimeout = errors.New("supervisor: TLS handshake timed out")
)

// Dialer is the supervisor's injection point for opening the underlying
// transport, the same role xenking-redis's package-level net.Dial calls
// would play if they were made swappable — here made explicit so tests
// can substitute an in-memory pipe instead of a real socket, per
// spec.md §9's design note that FSMs should be testable without a live
// executor.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// netDialer adapts *net.Dialer to Dialer.
type netDialer struct {
	d net.Dialer
}

// NewNetDialer returns the default Dialer: a zero-value net.Dialer. Any
// connect timeout comes from the context passed to DialContext.
func NewNetDialer() Dialer {
	return &netDialer{}
}

func (n *netDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, addr)
}

// dialTransport opens network (e.g. "tcp" or "unix") to addr via dialer,
// then wraps it in a TLS client handshake when tlsConfig is non-nil.
// TLS streams are single-use: spec.md §4.6 notes one must be recreated
// on every reconnect, which callers get for free since this always
// builds a fresh *tls.Conn.
func dialTransport(ctx context.Context, dialer Dialer, network, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ErrConnectTimeout, err.Error())
		}
		return nil, err
	}
	if tlsConfig == nil {
		return conn, nil
	}
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, errors.Wrap(ErrSslHandshakeTimeout, err.Error())
		}
		return nil, err
	}
	return tlsConn, nil
}
