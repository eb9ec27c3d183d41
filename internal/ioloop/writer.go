package ioloop

import (
	"context"

	"github.com/xenking/redis3/internal/mux"
)

// RunWriter implements spec.md §4.5's writer task: wait to be woken (a
// new request was added), stage everything Waiting into the write
// buffer, and write it in one call. Never more than one write is
// outstanding at a time, matching "write_buffer.empty() ⇔ writer idle."
func RunWriter(ctx context.Context, conn Conn, m *mux.Multiplexer, wake Wakeup) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
		if !m.HasWork() {
			continue
		}
		m.PrepareWrite()
		buf := m.GetWriteBuffer()
		if len(buf) == 0 {
			continue
		}
		n, err := writeAll(conn, buf)
		if n > 0 {
			m.CommitWrite(n)
		}
		if err != nil {
			return err
		}
	}
}

func writeAll(w interface{ Write([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
