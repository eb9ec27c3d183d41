// Package ioloop implements component C5 from spec.md: the reader, writer
// and health-check tasks that drive one live connection's multiplexer,
// and Run, which composes the three with wait-for-one-error semantics.
package ioloop

import "time"

// Conn is the subset of net.Conn the ioloop tasks need. It's an
// interface, not net.Conn itself, so tests can drive the loop with an
// in-memory pipe instead of a real socket — the same reason
// redispipe's oneconn and xenking-redis's redisConn both wrap net.Conn
// behind their own narrower type.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetDeadline(t time.Time) error
	Close() error
}

// Wakeup is a single-slot notification channel: Signal never blocks and
// coalesces repeated notifications, matching spec.md §4.5's
// writer_wakeup condvar.
type Wakeup chan struct{}

// NewWakeup creates a ready-to-use Wakeup.
func NewWakeup() Wakeup { return make(Wakeup, 1) }

// Signal wakes the writer if it's waiting, or leaves a pending wakeup if
// it's busy.
func (w Wakeup) Signal() {
	select {
	case w <- struct{}{}:
	default:
	}
}
