package ioloop

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/xenking/redis3/internal/mux"
	"github.com/xenking/redis3/resp3"
)

// ErrPongTimeout is returned by RunHealth when a PING isn't answered
// within 2x the configured interval.
var ErrPongTimeout = errors.New("ioloop: pong timeout")

type pongAdapter struct{}

func (pongAdapter) OnNode(int, resp3.Node) error { return nil }

// RunHealth implements spec.md §4.5's health checker task: every
// interval, exec a `PING <checker-id>` and fail the run if the reply
// doesn't arrive within 2x interval. interval <= 0 disables the task, the
// same "optional" semantics spec.md assigns to health_check_interval==0.
func RunHealth(ctx context.Context, m *mux.Multiplexer, wake Wakeup, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ping(ctx, m, wake, interval); err != nil {
				return err
			}
		}
	}
}

func ping(ctx context.Context, m *mux.Multiplexer, wake Wakeup, interval time.Duration) error {
	id := uuid.New().String()
	payload := buildPing(id)
	entry := mux.NewPendingEntry(payload, pongAdapter{}, 1, mux.Config{
		CancelOnConnectionLost: true,
		CancelIfUnresponded:    true,
	})
	m.Add(entry)
	wake.Signal()

	timer := time.NewTimer(2 * interval)
	defer timer.Stop()

	select {
	case res := <-entry.ResultChan():
		return res.Err
	case <-timer.C:
		m.Remove(entry)
		return ErrPongTimeout
	case <-ctx.Done():
		m.Remove(entry)
		return nil
	}
}

func buildPing(id string) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, "*2\r\n$4\r\nPING\r\n$"...)
	buf = strconv.AppendInt(buf, int64(len(id)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, id...)
	buf = append(buf, '\r', '\n')
	return buf
}
