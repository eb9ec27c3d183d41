package mux

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/xenking/redis3/resp3"
)

// Sentinel errors. The redis package wraps these into its own Kind
// taxonomy (see errors.go); mux stays free of an import cycle by not
// depending on the root package.
var (
	ErrClosed                   = errors.New("mux: closed")
	ErrCancelled                = errors.New("mux: cancelled")
	ErrNotConnected             = errors.New("mux: not connected")
	ErrExceedsMaximumReadBuffer = errors.New("mux: read would exceed maximum buffer size")
)

const defaultReadChunk = 4096

// Counters tracks the usage statistics spec.md's Multiplexer.usage_counters
// names. The redis package exposes these as Prometheus metrics.
type Counters struct {
	CommandsWritten uint64
	ResponsesRouted uint64
	PushesRouted    uint64
	BytesWritten    uint64
	BytesRead       uint64
}

// Multiplexer is the component C4 described in spec.md §4.4: it owns the
// pending-request queue, the coalescing write buffer, the growable read
// buffer, and the resumable parser, and routes each parsed top-level reply
// to the request that's waiting for it (or to the out-of-band push
// adapter).
//
// A Multiplexer is shared between the writer, reader and health tasks of
// one connection attempt (internal/ioloop). Unlike the cooperative,
// single-strand scheduling the design this is ported from assumes, Go runs
// those tasks as separate goroutines, so access is serialized with a
// mutex rather than left lock-free; see DESIGN.md.
type Multiplexer struct {
	mu sync.Mutex

	parser resp3.Parser

	readBuf       []byte
	readFilled    int
	maxReadBuffer int

	writeBuf []byte

	pending        []*PendingEntry // Waiting and Staged entries, FIFO
	written        []*PendingEntry // Written entries awaiting responses, FIFO
	receiveAdapter resp3.Adapter   // out-of-band push sink; nil discards pushes

	currentlyParsingPush bool
	parsingFrame         bool         // true once we've committed to a frame's push/non-push routing
	currentFront         *PendingEntry // the entry the in-progress non-push frame belongs to
	cancelRunCalled      bool

	counters Counters
}

// New creates an empty Multiplexer. maxReadBuffer bounds how large the
// read buffer may grow (spec.md Config.max_buffer_read_size); zero means
// unbounded.
func New(maxReadBuffer int) *Multiplexer {
	return &Multiplexer{maxReadBuffer: maxReadBuffer}
}

// SetReceiveAdapter installs the adapter pushes are routed to. Passing nil
// makes pushes silently discarded, matching a Connection with no
// outstanding Receive call.
func (m *Multiplexer) SetReceiveAdapter(a resp3.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiveAdapter = a
}

// Add enqueues a new request. It starts in StatusWaiting.
func (m *Multiplexer) Add(e *PendingEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Config.HelloWithPriority {
		m.insertWithHelloPriority(e)
		return
	}
	m.pending = append(m.pending, e)
}

// insertWithHelloPriority rotates e ahead of every other Waiting entry:
// scanning from the back of the queue, it finds the first position at
// which every following entry is still Waiting, and inserts there. Staged
// entries (already copied into the write buffer) are never displaced.
// Grounded on boost.redis's handling of request::has_hello_priority in
// detail/connection_base.hpp's write-queue insertion.
func (m *Multiplexer) insertWithHelloPriority(e *PendingEntry) {
	i := len(m.pending)
	for i > 0 && m.pending[i-1].status == StatusWaiting {
		i--
	}
	m.pending = append(m.pending, nil)
	copy(m.pending[i+1:], m.pending[i:])
	m.pending[i] = e
}

// PrepareWrite copies every Waiting entry's payload into the write buffer
// and marks them Staged, returning how many bytes were newly staged.
func (m *Multiplexer) PrepareWrite() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := 0
	for _, e := range m.pending {
		if e.status != StatusWaiting {
			continue
		}
		m.writeBuf = append(m.writeBuf, e.Payload...)
		e.status = StatusStaged
		staged += len(e.Payload)
	}
	return staged
}

// GetWriteBuffer returns the bytes ready to be written to the wire.
func (m *Multiplexer) GetWriteBuffer() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuf
}

// CommitWrite reports that n leading bytes of the write buffer were
// written successfully, advancing every Staged entry whose payload lies
// entirely within those n bytes to Written and moving it onto the
// written-awaiting-response queue.
func (m *Multiplexer) CommitWrite(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offset := 0
	kept := m.pending[:0]
	for _, e := range m.pending {
		if e.status != StatusStaged {
			kept = append(kept, e)
			continue
		}
		end := offset + len(e.Payload)
		if end > n {
			kept = append(kept, e)
			offset = end
			continue
		}
		offset = end
		e.status = StatusWritten
		m.counters.CommandsWritten += uint64(e.ExpectedResponses)
		if e.remaining <= 0 {
			// Nothing but push frames will ever answer this entry (e.g.
			// a bare SUBSCRIBE): it's done the moment it's on the wire.
			e.complete(Result{})
			continue
		}
		m.written = append(m.written, e)
	}
	m.pending = kept
	m.writeBuf = shiftLeft(m.writeBuf, n)
	m.counters.BytesWritten += uint64(n)
}

func shiftLeft(buf []byte, n int) []byte {
	if n <= 0 {
		return buf
	}
	if n >= len(buf) {
		return buf[:0]
	}
	copy(buf, buf[n:])
	return buf[:len(buf)-n]
}

// PrepareRead ensures the read buffer has room for at least one more
// network read, growing it (up to maxReadBuffer) if needed.
func (m *Multiplexer) PrepareRead() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.readBuf)-m.readFilled >= defaultReadChunk {
		return nil
	}
	want := m.readFilled + defaultReadChunk
	if m.maxReadBuffer > 0 && want > m.maxReadBuffer {
		if m.readFilled >= m.maxReadBuffer {
			return ErrExceedsMaximumReadBuffer
		}
		want = m.maxReadBuffer
	}
	grown := make([]byte, want)
	copy(grown, m.readBuf[:m.readFilled])
	m.readBuf = grown
	return nil
}

// GetReadBuffer returns the writable tail of the read buffer: read()
// should write into this slice and report how many bytes it filled via
// CommitRead.
func (m *Multiplexer) GetReadBuffer() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBuf[m.readFilled:]
}

// CommitRead reports that n bytes were read into the slice GetReadBuffer
// returned.
func (m *Multiplexer) CommitRead(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readFilled += n
	m.counters.BytesRead += uint64(n)
}

// ConsumeNext decodes and routes exactly one top-level reply from the
// read buffer. ok is false when the buffer doesn't yet hold a complete
// reply; the caller should PrepareRead/read more/CommitRead and retry.
// Grounded on spec.md §4.4's consume_next algorithm and is_next_push
// dispatch rule.
func (m *Multiplexer) ConsumeNext() (ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelRunCalled {
		return false, ErrCancelled
	}

	if !m.parsingFrame {
		if len(m.readBuf[m.parser.Consumed():m.readFilled]) == 0 {
			return false, nil
		}
		lead := m.readBuf[m.parser.Consumed()]
		m.currentlyParsingPush = m.isNextPush(lead)
		if !m.currentlyParsingPush {
			m.currentFront = m.written[0]
		}
		m.parsingFrame = true
	}

	for {
		node, ok, perr := m.parser.Consume(m.readBuf[:m.readFilled])
		if perr != nil {
			return false, perr
		}
		if !ok {
			return false, nil
		}
		m.route(node)
		if m.parser.Done() {
			consumed := m.parser.Consumed()
			m.advanceReadBuf(consumed)
			m.parser.Reset()
			m.parsingFrame = false
			m.finishFrame(consumed)
			return true, nil
		}
	}
}

// isNextPush implements spec.md §4.4's is_next_push() dispatch, evaluated
// in order: a RESP3 push lead byte; no outstanding request at all (a
// spurious frame, e.g. late pubsub or -MISCONF); the front entry expecting
// zero responses (a malformed fire-and-forget command); or the front entry
// not yet Written. The last rule is what makes a reply that beats the
// writer's CommitWrite call safe to treat as a push instead of killing the
// connection with an unsolicited-response error — front, in that case, is
// still sitting in m.pending as Waiting or Staged.
func (m *Multiplexer) isNextPush(lead byte) bool {
	if lead == '>' {
		return true
	}
	front := m.front()
	if front == nil {
		return true
	}
	if front.ExpectedResponses == 0 {
		return true
	}
	return front.status != StatusWritten
}

// front returns the oldest entry still awaiting a response, or nil if
// none is outstanding.
func (m *Multiplexer) front() *PendingEntry {
	if len(m.written) > 0 {
		return m.written[0]
	}
	if len(m.pending) > 0 {
		return m.pending[0]
	}
	return nil
}

// route delivers one node to whichever adapter owns the frame being
// parsed. Adapter errors (a bad server reply, an incompatible shape) are
// never terminal for the connection — spec.md §7 delivers them to the
// owning exec — so they're only recorded as the entry's sticky error,
// not propagated out of ConsumeNext.
func (m *Multiplexer) route(node resp3.Node) {
	if m.currentlyParsingPush {
		m.counters.PushesRouted++
		if m.receiveAdapter != nil {
			m.receiveAdapter.OnNode(0, node)
		}
		return
	}
	front := m.currentFront
	if err := front.Adapter.OnNode(front.nextIndex, node); err != nil {
		front.stickyErr(err)
	}
}

// PushDoneNotifier is an optional interface a receive adapter can
// implement to learn when one complete push frame (not just one node)
// has been routed to it — the multiplexer calls OnPushDone once
// parser.Done() fires for a push, mirroring the way io.Closer-style
// optional interfaces are type-asserted elsewhere in Go, rather than
// widening resp3.Adapter itself for every adapter's sake.
type PushDoneNotifier interface {
	OnPushDone()
}

// finishFrame runs once a full top-level reply has been parsed: it
// advances the owning entry past this command and completes it once
// every expected response has arrived. consumedBytes is how many wire
// bytes this one frame occupied, accumulated into the entry's result.
func (m *Multiplexer) finishFrame(consumedBytes int) {
	if m.currentlyParsingPush {
		m.counters.PushesRouted++
		if n, ok := m.receiveAdapter.(PushDoneNotifier); ok {
			n.OnPushDone()
		}
		return
	}
	front := m.currentFront
	m.currentFront = nil
	front.nextIndex++
	front.remaining--
	front.bytesRouted += consumedBytes
	m.counters.ResponsesRouted++
	if front.remaining <= 0 {
		m.written = m.written[1:]
		front.complete(Result{BytesRouted: front.bytesRouted, Err: front.firstErr})
	}
}

func (m *Multiplexer) advanceReadBuf(n int) {
	m.readFilled = copyTail(m.readBuf, m.readFilled, n)
}

func copyTail(buf []byte, filled, n int) int {
	if n <= 0 {
		return filled
	}
	if n >= filled {
		return 0
	}
	copy(buf, buf[n:filled])
	return filled - n
}

// Remove cancels a single Waiting entry (it has not yet been copied into
// the write buffer, so the server will never reply to it). It is a no-op
// once the entry has reached Staged or Written.
func (m *Multiplexer) Remove(e *PendingEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.pending {
		if p == e {
			if p.status != StatusWaiting {
				return false
			}
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			e.complete(Result{Err: ErrCancelled})
			return true
		}
	}
	return false
}

// CancelWaiting cancels every still-Waiting entry unconditionally — spec.md
// §4.4's "Terminal op-cancel during Waiting" row and §5's cancel(Exec)
// apply with no per-entry config check, unlike CancelOnConnLost's
// cancel_on_connection_lost/cancel_if_unresponded policy.
func (m *Multiplexer) CancelWaiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	kept := m.pending[:0]
	for _, e := range m.pending {
		if e.status == StatusWaiting {
			e.complete(Result{Err: ErrCancelled})
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.pending = kept
	return n
}

// CancelOnConnLost fails every not-yet-written (Waiting or Staged) entry
// whose config sets CancelOnConnectionLost, and every Written entry whose
// config sets CancelIfUnresponded or CancelOnConnectionLost. Every other
// entry is reset to Waiting, kept in the pending queue, and returned so
// the caller can re-Add it.
//
// The failure error is ErrNotConnected for an ordinary network failure,
// but ErrCancelled when the connection was torn down by an explicit
// CancelRun (spec.md §8 scenario 5's "Cancel during Written" is terminal
// op-cancel, not connection loss, and must report Cancelled even though
// it's implemented the same way — closing the socket).
func (m *Multiplexer) CancelOnConnLost() (survivors []*PendingEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lossErr := ErrNotConnected
	if m.cancelRunCalled {
		lossErr = ErrCancelled
	}

	fail := func(e *PendingEntry) bool {
		if e.Config.CancelOnConnectionLost {
			e.complete(Result{Err: lossErr})
			return true
		}
		return false
	}

	kept := m.pending[:0]
	for _, e := range m.pending {
		if fail(e) {
			continue
		}
		e.status = StatusWaiting
		kept = append(kept, e)
	}
	m.pending = kept

	for _, e := range m.written {
		if e.Config.CancelIfUnresponded || fail(e) {
			e.complete(Result{Err: lossErr})
			continue
		}
		e.status = StatusWaiting
		m.pending = append(m.pending, e)
	}
	m.written = m.written[:0]

	survivors = append(survivors, m.pending...)
	return survivors
}

// Reset clears all buffers and parser state, leaving the pending queues
// untouched, in preparation for a fresh connection. Call CancelOnConnLost
// first to settle in-flight entries.
func (m *Multiplexer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuf = m.readBuf[:0]
	m.readFilled = 0
	m.writeBuf = m.writeBuf[:0]
	m.parser.Reset()
	m.currentlyParsingPush = false
	m.parsingFrame = false
}

// Counters returns a snapshot of the usage counters.
func (m *Multiplexer) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

// CancelRun marks the multiplexer's connection as explicitly cancelled
// (spec.md's cancel_run_called), distinct from an ordinary network
// failure: once set, ConsumeNext stops routing and reports ErrCancelled,
// so a caller that initiated the cancellation (Connection.Cancel with
// operation=All) doesn't race the reader over the pending queue.
func (m *Multiplexer) CancelRun() {
	m.mu.Lock()
	m.cancelRunCalled = true
	m.mu.Unlock()
}

// RunCancelled reports whether CancelRun was called.
func (m *Multiplexer) RunCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelRunCalled
}

// HasWork reports whether any entry is still Waiting to be staged and
// written. Staged entries are not counted.
func (m *Multiplexer) HasWork() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.pending {
		if e.status == StatusWaiting {
			return true
		}
	}
	return false
}

// Reserve grows the read and write buffers' capacity to at least the
// given sizes, matching spec.md's Connection::reserve(read, write) — a
// caller that knows its workload's typical frame sizes can avoid the
// buffers growing incrementally during the first few round trips.
func (m *Multiplexer) Reserve(read, write int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if read > 0 && len(m.readBuf) < read {
		grown := make([]byte, read)
		copy(grown, m.readBuf[:m.readFilled])
		m.readBuf = grown
	}
	if write > 0 && cap(m.writeBuf) < write {
		grown := make([]byte, len(m.writeBuf), write)
		copy(grown, m.writeBuf)
		m.writeBuf = grown
	}
}

// SetMaxReadBuffer updates the read buffer's maximum size, matching
// spec.md's Connection::set_max_buffer_read_size(n). Zero means
// unbounded.
func (m *Multiplexer) SetMaxReadBuffer(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxReadBuffer = n
}
