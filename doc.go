// Package redis is a full-duplex, pipelined RESP3 client core for Redis
// and Redis-compatible servers.
//
// A Connection owns one reconnecting socket. Commands are built with
// Request and sent with Connection.Exec; out-of-band push frames
// (pub/sub messages, client-side caching invalidations) are read with
// Connection.Receive. Connection.Run drives the connect/handshake/
// reconnect loop and blocks until its context is cancelled or the
// connection reaches an unrecoverable state.
//
// The wire decoder (package resp3) is resumable and allocation-free:
// it can be fed partial reads and never copies a value out of the
// caller's buffer on its own, so adapters that need to retain a value
// past the next read must copy it themselves.
package redis
