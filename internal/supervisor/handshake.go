package supervisor

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/xenking/redis3/internal/mux"
	"github.com/xenking/redis3/resp3"
)

// ErrHandshakeFailed wraps any simple-error or blob-error reply the setup
// request receives — HELLO rejected, AUTH failed, SELECT out of range, or
// a user-supplied Setup request failing. It's always terminal for the
// connection attempt (spec.md §4.6: "these are usually fatal
// configuration errors").
var ErrHandshakeFailed = errors.New("supervisor: handshake rejected")

// HandshakeConfig carries everything buildHandshake needs from
// redis.Config without the supervisor package importing the root
// package (which imports supervisor, so that would cycle).
type HandshakeConfig struct {
	Username      string
	Password      string
	ClientName    string
	DatabaseIndex int
	SetupPayload  []byte // pre-serialized user Setup request, or nil
	SetupCommands int    // command count represented by SetupPayload
}

// errCheckAdapter discards every node except errors: the handshake
// doesn't need HELLO's server-info map for anything the core cares about,
// it only needs to know whether the setup was accepted. The multiplexer
// keeps only the first error a multi-node entry returns (PendingEntry's
// "sticky" rule), so returning one per offending node is safe.
type errCheckAdapter struct{}

func (errCheckAdapter) OnNode(_ int, n resp3.Node) error {
	if n.Kind.IsError() {
		return errors.Wrapf(ErrHandshakeFailed, "%s", string(n.Value))
	}
	return nil
}

// buildHandshake composes the setup request in the exact order spec.md
// §4.6 requires: one combined HELLO [AUTH] [SETNAME], then SELECT if
// database_index != 0, then the user's own Setup request if present.
// Grounded on include/boost/redis/detail/runner.hpp's push_hello, which
// folds AUTH/SETNAME into the HELLO command itself rather than issuing
// them as separate commands.
func buildHandshake(cfg HandshakeConfig) *mux.PendingEntry {
	var payload []byte
	commands := 0

	payload, commands = appendHello(payload, commands, cfg)
	if cfg.DatabaseIndex != 0 {
		payload, commands = appendSelect(payload, commands, cfg.DatabaseIndex)
	}
	if len(cfg.SetupPayload) > 0 {
		payload = append(payload, cfg.SetupPayload...)
		commands += cfg.SetupCommands
	}

	return mux.NewPendingEntry(payload, errCheckAdapter{}, commands, mux.Config{
		CancelOnConnectionLost: true,
		CancelIfUnresponded:    true,
		HelloWithPriority:      true,
	})
}

func appendHello(buf []byte, commands int, cfg HandshakeConfig) ([]byte, int) {
	args := []string{"3"}
	if cfg.Username != "" || cfg.Password != "" {
		args = append(args, "AUTH", cfg.Username, cfg.Password)
	}
	if cfg.ClientName != "" {
		args = append(args, "SETNAME", cfg.ClientName)
	}
	buf = appendArray(buf, append([]string{"HELLO"}, args...))
	return buf, commands + 1
}

func appendSelect(buf []byte, commands, index int) ([]byte, int) {
	buf = appendArray(buf, []string{"SELECT", strconv.Itoa(index)})
	return buf, commands + 1
}

func appendArray(buf []byte, parts []string) []byte {
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(parts)), 10)
	buf = append(buf, '\r', '\n')
	for _, p := range parts {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(p)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, p...)
		buf = append(buf, '\r', '\n')
	}
	return buf
}
