package mux

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xenking/redis3/resp3"
)

type recordingAdapter struct {
	nodes []resp3.Node
}

func (r *recordingAdapter) OnNode(index int, node resp3.Node) error {
	r.nodes = append(r.nodes, node)
	return nil
}

func feed(t *testing.T, m *Multiplexer, wire string) {
	t.Helper()
	require.NoError(t, m.PrepareRead())
	buf := m.GetReadBuffer()
	n := copy(buf, wire)
	require.Equal(t, len(wire), n, "read chunk too small for test fixture")
	m.CommitRead(n)
}

// A single command pipelined and replied to with a simple string.
func TestMultiplexerSimpleRoundTrip(t *testing.T) {
	m := New(0)
	adapter := &recordingAdapter{}
	e := NewPendingEntry([]byte("*1\r\n$4\r\nPING\r\n"), adapter, 1, Config{})
	m.Add(e)

	require.Equal(t, 14, m.PrepareWrite())
	require.Equal(t, []byte("*1\r\n$4\r\nPING\r\n"), m.GetWriteBuffer())
	m.CommitWrite(14)

	feed(t, m, "+PONG\r\n")
	ok, err := m.ConsumeNext()
	require.NoError(t, err)
	require.True(t, ok)

	res := e.Wait()
	require.NoError(t, res.Err)
	require.Len(t, adapter.nodes, 1)
	require.Equal(t, resp3.KindSimpleString, adapter.nodes[0].Kind)
	require.Equal(t, "PONG", string(adapter.nodes[0].Value))
}

// A mixed pipeline: a push frame arrives before the reply it's
// interleaved with is due, and must be routed to the receive adapter
// without disturbing the pending command's position.
func TestMultiplexerPushInterleaving(t *testing.T) {
	m := New(0)
	cmdAdapter := &recordingAdapter{}
	pushAdapter := &recordingAdapter{}
	m.SetReceiveAdapter(pushAdapter)

	e := NewPendingEntry([]byte("*1\r\n$4\r\nPING\r\n"), cmdAdapter, 1, Config{})
	m.Add(e)
	m.PrepareWrite()
	m.CommitWrite(len(m.GetWriteBuffer()))

	// A pub/sub push for an unrelated channel shows up first, then the
	// PING reply.
	feed(t, m, ">3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$2\r\nhi\r\n+PONG\r\n")

	ok, err := m.ConsumeNext()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, pushAdapter.nodes, 4) // push array + 3 elements
	require.Empty(t, cmdAdapter.nodes)

	ok, err = m.ConsumeNext()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, cmdAdapter.nodes, 1)

	res := e.Wait()
	require.NoError(t, res.Err)
}

// The reply to a pipelined command arrives split across two reads; the
// multiplexer must hold the partial node until more bytes land.
func TestMultiplexerSplitReply(t *testing.T) {
	m := New(0)
	adapter := &recordingAdapter{}
	e := NewPendingEntry([]byte("*1\r\n$3\r\nGET\r\n"), adapter, 1, Config{})
	m.Add(e)
	m.PrepareWrite()
	m.CommitWrite(len(m.GetWriteBuffer()))

	feed(t, m, "$5\r\nhel")
	ok, err := m.ConsumeNext()
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, adapter.nodes)

	feed(t, m, "lo\r\n")
	ok, err = m.ConsumeNext()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, adapter.nodes, 1)
	require.Equal(t, "hello", string(adapter.nodes[0].Value))
}

// SUBSCRIBE doesn't count toward expected_responses: its confirmation
// arrives as a push, not a normal reply, so a *following* pipelined
// command's reply must not be mistaken for the subscribe confirmation.
func TestMultiplexerSubscribeThenCommand(t *testing.T) {
	m := New(0)
	subAdapter := &recordingAdapter{}
	pingAdapter := &recordingAdapter{}
	pushAdapter := &recordingAdapter{}
	m.SetReceiveAdapter(pushAdapter)

	sub := NewPendingEntry([]byte("*2\r\n$9\r\nSUBSCRIBE\r\n$2\r\nch\r\n"), subAdapter, 0, Config{})
	ping := NewPendingEntry([]byte("*1\r\n$4\r\nPING\r\n"), pingAdapter, 1, Config{})
	m.Add(sub)
	m.Add(ping)
	m.PrepareWrite()
	m.CommitWrite(len(m.GetWriteBuffer()))

	feed(t, m, ">3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n+PONG\r\n")

	ok, err := m.ConsumeNext()
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, pushAdapter.nodes)

	ok, err = m.ConsumeNext()
	require.NoError(t, err)
	require.True(t, ok)
	res := ping.Wait()
	require.NoError(t, res.Err)
	require.Len(t, pingAdapter.nodes, 1)
}

func TestMultiplexerHelloPriorityRotation(t *testing.T) {
	m := New(0)
	a := NewPendingEntry([]byte("A"), &recordingAdapter{}, 1, Config{})
	b := NewPendingEntry([]byte("B"), &recordingAdapter{}, 1, Config{})
	m.Add(a)
	m.Add(b)

	hello := NewPendingEntry([]byte("H"), &recordingAdapter{}, 1, Config{HelloWithPriority: true})
	m.Add(hello)

	require.Equal(t, []*PendingEntry{hello, a, b}, m.pending)
}

func TestMultiplexerCancelOnConnLost(t *testing.T) {
	m := New(0)
	keep := NewPendingEntry([]byte("A"), &recordingAdapter{}, 1, Config{CancelOnConnectionLost: false})
	drop := NewPendingEntry([]byte("B"), &recordingAdapter{}, 1, Config{CancelOnConnectionLost: true})
	m.Add(keep)
	m.Add(drop)
	m.PrepareWrite()
	m.CommitWrite(len(m.GetWriteBuffer()))

	survivors := m.CancelOnConnLost()
	require.Len(t, survivors, 1)
	require.Same(t, keep, survivors[0])

	res := drop.Wait()
	require.ErrorIs(t, res.Err, ErrNotConnected)
}

// CancelWaiting must cancel every still-Waiting entry regardless of its
// CancelIfNotConnected setting (spec.md §4.4's "Terminal op-cancel during
// Waiting" row has no config gate, unlike CancelOnConnLost's "connection
// lost" rows).
func TestMultiplexerCancelWaitingIgnoresConfig(t *testing.T) {
	m := New(0)
	a := NewPendingEntry([]byte("A"), &recordingAdapter{}, 1, Config{CancelIfNotConnected: false})
	b := NewPendingEntry([]byte("B"), &recordingAdapter{}, 1, Config{CancelIfNotConnected: true})
	m.Add(a)
	m.Add(b)

	n := m.CancelWaiting()
	require.Equal(t, 2, n)

	require.ErrorIs(t, a.Wait().Err, ErrCancelled)
	require.ErrorIs(t, b.Wait().Err, ErrCancelled)
	require.Empty(t, m.pending)
}

// CancelWaiting must leave Staged entries alone: only entries that never
// reached the write buffer are cancelled.
func TestMultiplexerCancelWaitingLeavesStagedAlone(t *testing.T) {
	m := New(0)
	staged := NewPendingEntry([]byte("A"), &recordingAdapter{}, 1, Config{})
	m.Add(staged)
	m.PrepareWrite() // flips staged to Staged, ahead of anything added next

	freshlyWaiting := NewPendingEntry([]byte("B"), &recordingAdapter{}, 1, Config{})
	m.Add(freshlyWaiting)

	n := m.CancelWaiting()
	require.Equal(t, 1, n)
	require.ErrorIs(t, freshlyWaiting.Wait().Err, ErrCancelled)
	require.Equal(t, StatusStaged, staged.Status())
}

// A reply can land before the writer's CommitWrite call runs (RunReader
// and RunWriter are concurrent goroutines): ConsumeNext must treat it as
// a push (is_next_push rule 4) instead of failing the connection.
func TestMultiplexerConsumeNextTreatsReplyBeforeCommitWriteAsPush(t *testing.T) {
	m := New(0)
	cmdAdapter := &recordingAdapter{}
	pushAdapter := &recordingAdapter{}
	m.SetReceiveAdapter(pushAdapter)

	e := NewPendingEntry([]byte("*1\r\n$4\r\nPING\r\n"), cmdAdapter, 1, Config{})
	m.Add(e)
	m.PrepareWrite() // Staged, but CommitWrite never runs in this test

	feed(t, m, "+PONG\r\n")
	ok, err := m.ConsumeNext()
	require.NoError(t, err)
	require.True(t, ok)

	require.Empty(t, cmdAdapter.nodes)
	require.NotEmpty(t, pushAdapter.nodes)
}

func TestMultiplexerCancelOnConnLostAfterCancelRunReportsCancelled(t *testing.T) {
	m := New(0)
	entry := NewPendingEntry([]byte("A"), &recordingAdapter{}, 1, Config{CancelIfUnresponded: true})
	m.Add(entry)
	m.PrepareWrite()
	m.CommitWrite(len(m.GetWriteBuffer()))

	m.CancelRun()
	m.CancelOnConnLost()

	res := entry.Wait()
	require.ErrorIs(t, res.Err, ErrCancelled)
}
