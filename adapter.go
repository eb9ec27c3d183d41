package redis

import (
	"fmt"
	"strconv"

	"github.com/xenking/redis3/resp3"
)

// IgnoreAdapter drops every node it sees. Grounded on
// aedis::resp3::adapter::detail::ignore.
type IgnoreAdapter struct{}

// OnNode implements resp3.Adapter.
func (IgnoreAdapter) OnNode(int, resp3.Node) error { return nil }

// GenericAdapter collects an entire reply (scalar or aggregate) into a
// flat, pre-order slice of nodes, copying each Value out of the caller's
// read buffer so it survives past the next Consume call. The Go analogue
// of aedis::resp3::adapter::detail::general<Container>, which has no
// notion of a destination type and just records the wire shape as-is.
type GenericAdapter struct {
	Nodes []resp3.Node
}

// OnNode implements resp3.Adapter.
func (a *GenericAdapter) OnNode(_ int, n resp3.Node) error {
	cp := make([]byte, len(n.Value))
	copy(cp, n.Value)
	n.Value = cp
	a.Nodes = append(a.Nodes, n)
	return nil
}

// ScalarAdapter fills one scalar Go destination from a single, non-
// aggregate reply node. Dest must be one of *string, *[]byte, *int64,
// *float64, or *bool. Grounded on aedis::resp3::adapter::detail::simple<T>,
// collapsed from a C++ template into a runtime type switch since Go has
// no generics-free equivalent here (the corpus predates generics
// everywhere it touches RESP parsing).
type ScalarAdapter struct {
	Dest any

	// Optional means a null reply assigns the zero value rather than
	// erroring with ExpectsResp3NonNull.
	Optional bool

	// Set reports, after OnNode ran, whether the destination was
	// actually assigned (true for an Optional null reply, which assigns
	// the zero value).
	Set bool
}

// OnNode implements resp3.Adapter.
func (a *ScalarAdapter) OnNode(_ int, n resp3.Node) error {
	if n.Kind.IsAggregate() || n.Depth != 0 {
		return newErr(KindNestedAggregateNotSupported, "scalar adapter cannot accept an aggregate reply")
	}
	switch n.Kind {
	case resp3.KindSimpleError:
		return newServerError(KindResp3SimpleError, n)
	case resp3.KindBlobError:
		return newServerError(KindResp3BlobError, n)
	case resp3.KindNull:
		if a.Optional {
			switch d := a.Dest.(type) {
			case *string:
				*d = ""
			case *[]byte:
				*d = nil
			case *int64:
				*d = 0
			case *float64:
				*d = 0
			case *bool:
				*d = false
			}
			a.Set = true
			return nil
		}
		return newErr(KindExpectsResp3NonNull, "")
	}
	if err := assignScalar(a.Dest, n); err != nil {
		return err
	}
	a.Set = true
	return nil
}

func assignScalar(dest any, n resp3.Node) error {
	switch d := dest.(type) {
	case *string:
		*d = string(n.Value)
	case *[]byte:
		cp := make([]byte, len(n.Value))
		copy(cp, n.Value)
		*d = cp
	case *int64:
		v, err := strconv.ParseInt(string(n.Value), 10, 64)
		if err != nil {
			return wrapErr(KindNotANumber, err, "")
		}
		*d = v
	case *float64:
		v, err := strconv.ParseFloat(string(n.Value), 64)
		if err != nil {
			return wrapErr(KindNotANumber, err, "")
		}
		*d = v
	case *bool:
		*d = n.Kind == resp3.KindBoolean && len(n.Value) == 1 && n.Value[0] == 't'
	default:
		return newErr(KindUnknown, fmt.Sprintf("unsupported scalar destination %T", dest))
	}
	return nil
}

// TupleAdapter dispatches nodes to one sub-adapter per pipelined command,
// chosen by index. Grounded on spec.md §4.3's "tuple adapter" and
// aedis::detail::responses.hpp's per-command response_base list; the
// runtime size check it calls mandatory is NewTupleAdapter's job, not
// OnNode's, so a caller can't build a mismatched tuple adapter at all.
type TupleAdapter struct {
	adapters []resp3.Adapter
}

// NewTupleAdapter builds a TupleAdapter. len(adapters) must equal the
// request's ExpectedResponses(); a mismatch is reported immediately
// rather than discovered later as a misrouted reply.
func NewTupleAdapter(expectedResponses int, adapters ...resp3.Adapter) (*TupleAdapter, error) {
	if len(adapters) != expectedResponses {
		return nil, newErr(KindIncompatibleSize, fmt.Sprintf(
			"tuple adapter has %d sub-adapters, request expects %d responses", len(adapters), expectedResponses))
	}
	return &TupleAdapter{adapters: adapters}, nil
}

// OnNode implements resp3.Adapter.
func (a *TupleAdapter) OnNode(index int, n resp3.Node) error {
	if index < 0 || index >= len(a.adapters) {
		return newErr(KindIncompatibleSize, fmt.Sprintf("response index %d out of range for %d sub-adapters", index, len(a.adapters)))
	}
	return a.adapters[index].OnNode(index, n)
}
