package ioloop

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/redis3/internal/mux"
)

// Run composes the reader, writer and health tasks in a parallel group
// with wait-for-one-error semantics (spec.md §4.5 "Run composition"),
// the Go analogue of the original's
// `asio::experimental::make_parallel_group(...).async_wait(wait_for_one_error(), ...)`
// (`include/boost/redis/detail/runner.hpp`). Whichever task finishes
// first causes conn to be closed, which unblocks the other two out of
// their pending reads/writes; their exit errors are aggregated rather
// than discarded so a caller can log the whole picture, not just the
// first symptom.
//
// Run always leaves the multiplexer's in-flight entries settled
// (CancelOnConnLost) and the connection closed before returning.
func Run(ctx context.Context, conn Conn, m *mux.Multiplexer, wake Wakeup, healthInterval time.Duration) error {
	parentCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }

	g, gctx := errgroup.WithContext(parentCtx)

	var mu sync.Mutex
	var errs *multierror.Error
	record := func(name string, err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		mu.Lock()
		errs = multierror.Append(errs, errors.Wrap(err, name))
		mu.Unlock()
	}

	// Any task finishing — with or without error — ends the run: spec.md
	// §4.5 "the first task to complete ... causes the others to be
	// cancelled." errgroup only auto-cancels gctx on a non-nil return, so
	// a clean reader exit (EOF) needs its own explicit cancel to unblock
	// the writer and health tasks waiting on gctx.Done().
	g.Go(func() error {
		err := RunReader(gctx, conn, m)
		record("reader", err)
		cancel()
		closeConn()
		return err
	})
	g.Go(func() error {
		err := RunWriter(gctx, conn, m, wake)
		record("writer", err)
		cancel()
		closeConn()
		return err
	})
	g.Go(func() error {
		err := RunHealth(gctx, m, wake, healthInterval)
		record("health", err)
		cancel()
		closeConn()
		return err
	})

	go func() {
		<-gctx.Done()
		closeConn()
	}()

	_ = g.Wait()
	closeConn()

	m.CancelOnConnLost()

	return errs.ErrorOrNil()
}
