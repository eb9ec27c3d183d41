package ioloop

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xenking/redis3/internal/mux"
	"github.com/xenking/redis3/resp3"
)

type captureAdapter struct {
	nodes []resp3.Node
}

func (c *captureAdapter) OnNode(_ int, n resp3.Node) error {
	c.nodes = append(c.nodes, n)
	return nil
}

func TestRunRoundTripThenCleanEOF(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	m := mux.New(0)
	wake := NewWakeup()

	adapter := &captureAdapter{}
	entry := mux.NewPendingEntry([]byte("*1\r\n$4\r\nPING\r\n"), adapter, 1, mux.Config{})
	m.Add(entry)
	wake.Signal()

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), client, m, wake, 0)
	}()

	req := make([]byte, len("*1\r\n$4\r\nPING\r\n"))
	_, err := server.Read(req)
	require.NoError(t, err)
	require.Equal(t, "*1\r\n$4\r\nPING\r\n", string(req))

	_, err = server.Write([]byte("+PONG\r\n"))
	require.NoError(t, err)

	res := entry.Wait()
	require.NoError(t, res.Err)
	require.Len(t, adapter.nodes, 1)
	require.Equal(t, "PONG", string(adapter.nodes[0].Value))

	require.NoError(t, server.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after server closed the connection")
	}
}

// TestRunCancelDuringWritten exercises spec.md §8 scenario 5: a request
// (standing in for BLPOP) has been flushed to the wire and the server is
// still computing its reply when the caller cancels. CancelRun alone
// can't wake a reader blocked in conn.Read, so the test closes the
// socket the same way Connection.Cancel(OpRun) does via
// Supervisor.CloseCurrent, and expects the Written entry to complete
// with ErrCancelled rather than hang or surface a raw network error.
func TestRunCancelDuringWritten(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	m := mux.New(0)
	wake := NewWakeup()

	adapter := &captureAdapter{}
	entry := mux.NewPendingEntry([]byte("*3\r\n$5\r\nBLPOP\r\n$3\r\nkey\r\n$1\r\n0\r\n"), adapter, 1, mux.Config{
		CancelIfUnresponded: true,
	})
	m.Add(entry)
	wake.Signal()

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), client, m, wake, 0)
	}()

	req := make([]byte, len("*3\r\n$5\r\nBLPOP\r\n$3\r\nkey\r\n$1\r\n0\r\n"))
	_, err := server.Read(req)
	require.NoError(t, err)

	// The entry is now Written; the server never replies. The caller
	// cancels the run.
	m.CancelRun()
	require.NoError(t, client.Close())

	res := entry.Wait()
	require.ErrorIs(t, res.Err, mux.ErrCancelled)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after the connection was cancelled")
	}
}

func TestRunHealthPongTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	m := mux.New(0)
	wake := NewWakeup()

	// Drain whatever the writer sends so it never blocks, but never
	// reply: the health task should time out waiting for the pong.
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	err := Run(context.Background(), client, m, wake, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrPongTimeout)
}
