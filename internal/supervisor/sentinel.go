package supervisor

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/xenking/redis3/resp3"
)

// ErrSentinelUnknownMaster is returned when a Sentinel replies with a nil
// GET-MASTER-ADDR-BY-NAME — that Sentinel doesn't know the master, so the
// next one in the list should be tried.
var ErrSentinelUnknownMaster = errors.New("supervisor: sentinel does not know the master")

// ErrInvalidSentinelReply marks a malformed SENTINEL reply: a server list
// entry missing ip or port, or a GET-MASTER-ADDR-BY-NAME reply that's
// neither nil nor a 2-element array.
var ErrInvalidSentinelReply = errors.New("supervisor: invalid sentinel reply")

// ErrResolveTimeout wraps a Sentinel dial failure that happened because
// connectTimeout expired while dialing one Sentinel, as opposed to a
// refused or unreachable Sentinel.
var ErrResolveTimeout = errors.New("supervisor: sentinel resolve timed out")

// Address is a resolved host/port pair. Distinct from any public Config
// type so this package doesn't need to import the root package (which
// imports this one).
type Address struct {
	Host string
	Port string
}

func (a Address) String() string { return a.Host + ":" + a.Port }

// Role selects which kind of node Sentinel should resolve to.
type Role int

const (
	RoleMaster Role = iota
	RoleReplica
)

// SentinelConfig is everything ResolveSentinel needs.
type SentinelConfig struct {
	Addresses    []Address
	MasterName   string
	ServerRole   Role
	SetupPayload []byte // optional pre-serialized request (e.g. AUTH) run before the SENTINEL commands
	SetupCount   int
}

// SentinelResult is what a successful discovery round produces.
type SentinelResult struct {
	Target        Address   // the master, or a randomly chosen replica
	NewAddresses  []Address // the rotated+unioned sentinel address list to remember for next time
}

// ResolveSentinel runs spec.md §4.6's Sentinel discovery sub-protocol:
// try each configured Sentinel in turn (starting from a randomized
// rotation — spec.md leaves the exact RNG choice free, see DESIGN.md)
// until one resolves the master (and, for RoleReplica, its replica list).
// Grounded on impl/sentinel_utils.hpp's compose_sentinel_request /
// parse_sentinel_response / update_sentinel_list.
func ResolveSentinel(ctx context.Context, dialer Dialer, connectTimeout time.Duration, cfg SentinelConfig, rng *rand.Rand) (SentinelResult, error) {
	if len(cfg.Addresses) == 0 {
		return SentinelResult{}, errors.New("supervisor: no sentinel addresses configured")
	}

	order := rotate(cfg.Addresses, rng.Intn(len(cfg.Addresses)))

	var lastErr error
	for _, sentinelAddr := range order {
		target, gossip, err := tryOneSentinel(ctx, dialer, connectTimeout, sentinelAddr, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		return SentinelResult{
			Target:       target,
			NewAddresses: updateSentinelList(sentinelAddr, gossip, cfg.Addresses),
		}, nil
	}
	return SentinelResult{}, errors.Wrap(lastErr, "supervisor: all sentinels failed")
}

func rotate(addrs []Address, by int) []Address {
	if len(addrs) == 0 {
		return addrs
	}
	out := make([]Address, len(addrs))
	for i := range addrs {
		out[i] = addrs[(i+by)%len(addrs)]
	}
	return out
}

func tryOneSentinel(ctx context.Context, dialer Dialer, connectTimeout time.Duration, sentinelAddr Address, cfg SentinelConfig) (target Address, gossip []Address, err error) {
	dialCtx := ctx
	var cancel context.CancelFunc
	if connectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	conn, err := dialer.DialContext(dialCtx, "tcp", sentinelAddr.String())
	if err != nil {
		if dialCtx.Err() != nil {
			return Address{}, nil, errors.Wrap(ErrResolveTimeout, err.Error())
		}
		return Address{}, nil, err
	}
	defer conn.Close()

	req := make([]byte, 0, 256)
	req = append(req, cfg.SetupPayload...)
	req = appendArray(req, []string{"SENTINEL", "GET-MASTER-ADDR-BY-NAME", cfg.MasterName})
	wantReplicas := cfg.ServerRole == RoleReplica
	if wantReplicas {
		req = appendArray(req, []string{"SENTINEL", "REPLICAS", cfg.MasterName})
	}
	req = appendArray(req, []string{"SENTINEL", "SENTINELS", cfg.MasterName})

	if _, err := conn.Write(req); err != nil {
		return Address{}, nil, err
	}

	fr := newFrameReader(conn)

	for i := 0; i < cfg.SetupCount; i++ {
		if _, err := fr.next(); err != nil {
			return Address{}, nil, err
		}
	}

	masterNodes, err := fr.next()
	if err != nil {
		return Address{}, nil, err
	}
	master, unknown, err := parseMasterAddr(masterNodes)
	if err != nil {
		return Address{}, nil, err
	}
	if unknown {
		return Address{}, nil, ErrSentinelUnknownMaster
	}

	var replicas []Address
	if wantReplicas {
		replicaNodes, err := fr.next()
		if err != nil {
			return Address{}, nil, err
		}
		replicas, err = parseServerList(replicaNodes)
		if err != nil {
			return Address{}, nil, err
		}
	}

	sentinelNodes, err := fr.next()
	if err != nil {
		return Address{}, nil, err
	}
	sentinels, err := parseServerList(sentinelNodes)
	if err != nil {
		return Address{}, nil, err
	}

	if cfg.ServerRole == RoleReplica {
		if len(replicas) == 0 {
			return Address{}, nil, errors.Wrap(ErrInvalidSentinelReply, "no replicas available")
		}
		return replicas[mathRandIndex(len(replicas))], sentinels, nil
	}
	return master, sentinels, nil
}

// mathRandIndex picks a replica index. spec.md explicitly leaves the RNG
// choice free; package-level math/rand is the minimal idiomatic choice
// (no repo in the corpus brings in a third-party RNG). It draws from
// math/rand's global source, not from the *rand.Rand passed to
// ResolveSentinel.
func mathRandIndex(n int) int { return rand.Intn(n) }

// updateSentinelList implements impl/sentinel_utils.hpp's
// update_sentinel_list: the working sentinel moves to the front, then
// the gossiped SENTINEL SENTINELS list is unioned in (skipping
// duplicates), then any bootstrap address missing from the union is
// re-appended so a sentinel that's temporarily absent from gossip isn't
// forgotten.
func updateSentinelList(working Address, gossip []Address, bootstrap []Address) []Address {
	seen := map[Address]bool{working: true}
	out := []Address{working}
	for _, a := range gossip {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	for _, a := range bootstrap {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// frameReader reads successive complete RESP3 top-level replies off conn,
// synchronously. It's the simple, single-consumer cousin of
// internal/mux.Multiplexer's read buffer: sentinel discovery is a
// request/response exchange on a transient connection, not a pipelined,
// multiplexed one, so it doesn't need the full mux machinery.
type frameReader struct {
	conn   interface{ Read([]byte) (int, error) }
	parser resp3.Parser
	buf    []byte
	filled int
}

func newFrameReader(conn interface{ Read([]byte) (int, error) }) *frameReader {
	return &frameReader{conn: conn, buf: make([]byte, 4096)}
}

func (r *frameReader) next() ([]resp3.Node, error) {
	var nodes []resp3.Node
	for {
		node, ok, err := r.parser.Consume(r.buf[:r.filled])
		if err != nil {
			return nil, err
		}
		if ok {
			nodes = append(nodes, node)
			if r.parser.Done() {
				consumed := r.parser.Consumed()
				copy(r.buf, r.buf[consumed:r.filled])
				r.filled -= consumed
				r.parser.Reset()
				return nodes, nil
			}
			continue
		}
		if r.filled == len(r.buf) {
			grown := make([]byte, len(r.buf)*2)
			copy(grown, r.buf[:r.filled])
			r.buf = grown
		}
		n, rerr := r.conn.Read(r.buf[r.filled:])
		if n > 0 {
			r.filled += n
		}
		if rerr != nil {
			return nil, rerr
		}
	}
}

// parseMasterAddr reads a GET-MASTER-ADDR-BY-NAME reply: either a null
// (sentinel doesn't know the master) or a 2-element array of [ip, port].
func parseMasterAddr(nodes []resp3.Node) (addr Address, unknown bool, err error) {
	if len(nodes) == 1 && nodes[0].Kind == resp3.KindNull {
		return Address{}, true, nil
	}
	if len(nodes) != 3 || nodes[0].Kind != resp3.KindArray || nodes[0].AggregateSize != 2 {
		return Address{}, false, errors.Wrap(ErrInvalidSentinelReply, "expected a 2-element array")
	}
	return Address{Host: string(nodes[1].Value), Port: string(nodes[2].Value)}, false, nil
}

// parseServerList reads a SENTINEL SENTINELS or SENTINEL REPLICAS reply:
// an array of maps (RESP3) or arrays (RESP2-shaped) of alternating
// field-name/field-value bulk strings. Every entry must carry both an
// "ip" and a "port" field.
func parseServerList(nodes []resp3.Node) ([]Address, error) {
	var out []Address
	var fields []string
	flush := func() error {
		if fields == nil {
			return nil
		}
		addr, err := fieldsToAddress(fields)
		if err != nil {
			return err
		}
		out = append(out, addr)
		fields = nil
		return nil
	}
	for _, n := range nodes {
		switch n.Depth {
		case 0:
			continue
		case 1:
			if err := flush(); err != nil {
				return nil, err
			}
			fields = []string{}
		case 2:
			fields = append(fields, string(n.Value))
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func fieldsToAddress(fields []string) (Address, error) {
	var ip, port string
	for i := 0; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "ip":
			ip = fields[i+1]
		case "port":
			port = fields[i+1]
		}
	}
	if ip == "" || port == "" {
		return Address{}, errors.Wrap(ErrInvalidSentinelReply, "missing ip or port field")
	}
	return Address{Host: ip, Port: port}, nil
}
