// Package mux implements the multiplexer (spec.md §4.4, component C4): the
// queue of pending requests, the coalescing write buffer, push routing, and
// cancellation bookkeeping that let one connection serve many concurrent
// logical requests.
package mux

import (
	"github.com/xenking/redis3/resp3"
)

// Status is a PendingEntry's place in the write pipeline.
type Status int

const (
	StatusWaiting Status = iota
	StatusStaged
	StatusWritten
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "Waiting"
	case StatusStaged:
		return "Staged"
	case StatusWritten:
		return "Written"
	case StatusDone:
		return "Done"
	default:
		return "?"
	}
}

// Config mirrors the per-request cancellation knobs from spec.md's
// Request.config. The mux package doesn't know about redis.Request; callers
// translate.
type Config struct {
	CancelOnConnectionLost bool
	CancelIfNotConnected   bool
	CancelIfUnresponded    bool
	HelloWithPriority      bool
}

// Result is delivered to the entry's Done channel exactly once.
type Result struct {
	BytesRouted int
	Err         error
}

// PendingEntry is one outstanding exec or receive call. The multiplexer
// owns it from Add until it transitions to Done.
type PendingEntry struct {
	Payload           []byte
	Adapter           resp3.Adapter
	ExpectedResponses int
	Config            Config

	status      Status
	remaining   int
	nextIndex   int
	bytesRouted int
	firstErr    error
	done        chan Result
	doneOnce    bool
}

// stickyErr records the first adapter error seen across a multi-response
// entry (e.g. a pipeline of several commands); only the first is reported,
// matching spec.md's "first error wins" exec semantics.
func (e *PendingEntry) stickyErr(err error) {
	if e.firstErr == nil {
		e.firstErr = err
	}
}

// NewPendingEntry builds a PendingEntry ready to Add to a Multiplexer.
func NewPendingEntry(payload []byte, adapter resp3.Adapter, expected int, cfg Config) *PendingEntry {
	return &PendingEntry{
		Payload:           payload,
		Adapter:           adapter,
		ExpectedResponses: expected,
		Config:            cfg,
		status:            StatusWaiting,
		remaining:         expected,
		done:              make(chan Result, 1),
	}
}

// Status reports the entry's current place in the pipeline.
func (e *PendingEntry) Status() Status { return e.status }

// Wait receives from the entry's buffered completion channel, blocking until
// the entry completes (successfully, with a server/adapter error, or
// cancelled).
func (e *PendingEntry) Wait() Result { return <-e.done }

// ResultChan exposes the completion channel for callers that need to
// select on it alongside a timer or ctx.Done().
func (e *PendingEntry) ResultChan() <-chan Result { return e.done }

func (e *PendingEntry) complete(res Result) {
	if e.doneOnce {
		return
	}
	e.doneOnce = true
	e.status = StatusDone
	e.done <- res
}
