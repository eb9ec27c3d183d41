package ioloop

import (
	"context"
	"io"

	"github.com/xenking/redis3/internal/mux"
)

// RunReader implements spec.md §4.5's reader task: grow the read buffer,
// read whatever the socket has, commit it, then drain every complete
// top-level reply the multiplexer can now decode. A clean EOF ends the
// loop without error — the caller (Run) still tears the connection down
// and lets the supervisor decide whether to reconnect.
func RunReader(ctx context.Context, conn Conn, m *mux.Multiplexer) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.PrepareRead(); err != nil {
			return err
		}
		buf := m.GetReadBuffer()
		n, err := conn.Read(buf)
		if n > 0 {
			m.CommitRead(n)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		for {
			ok, cerr := m.ConsumeNext()
			if cerr != nil {
				return cerr
			}
			if !ok {
				break
			}
		}
	}
}
