// Package resp3 implements a resumable, allocation-free decoder for the
// RESP3 wire protocol used by Redis (and Redis-compatible) servers.
package resp3

// Kind identifies the type of a Node as declared by its leading byte on
// the wire.
type Kind byte

const (
	KindInvalid Kind = iota
	KindSimpleString
	KindSimpleError
	KindNumber
	KindDouble
	KindBoolean
	KindBigNumber
	KindBlobString
	KindBlobError
	KindVerbatimString
	KindNull
	KindArray
	KindSet
	KindMap
	KindAttribute
	KindPush
	KindStreamedString
	KindStreamedStringPart
)

// String names a Kind for diagnostics and log lines.
func (k Kind) String() string {
	switch k {
	case KindSimpleString:
		return "SimpleString"
	case KindSimpleError:
		return "SimpleError"
	case KindNumber:
		return "Number"
	case KindDouble:
		return "Double"
	case KindBoolean:
		return "Boolean"
	case KindBigNumber:
		return "BigNumber"
	case KindBlobString:
		return "BlobString"
	case KindBlobError:
		return "BlobError"
	case KindVerbatimString:
		return "VerbatimString"
	case KindNull:
		return "Null"
	case KindArray:
		return "Array"
	case KindSet:
		return "Set"
	case KindMap:
		return "Map"
	case KindAttribute:
		return "Attribute"
	case KindPush:
		return "Push"
	case KindStreamedString:
		return "StreamedString"
	case KindStreamedStringPart:
		return "StreamedStringPart"
	default:
		return "Invalid"
	}
}

// IsError reports whether the node carries a server-side error.
func (k Kind) IsError() bool {
	return k == KindSimpleError || k == KindBlobError
}

// IsAggregate reports whether the node is a container whose children follow
// it in the pre-order stream (Array, Set, Map, Attribute, Push, or the
// opener of a streamed string).
func (k Kind) IsAggregate() bool {
	switch k {
	case KindArray, KindSet, KindMap, KindAttribute, KindPush, KindStreamedString:
		return true
	default:
		return false
	}
}

// Node is one value emitted by the parser in pre-order. Value is a view
// borrowed from the caller's read buffer: it is valid only until the buffer
// is advanced past the bytes it references. Callers that need to retain a
// Node's Value beyond the next Consume call must copy it.
type Node struct {
	Kind          Kind
	AggregateSize uint64 // declared child count; 1 for leaves
	Depth         int    // nesting level, 0 == root
	Value         []byte // raw payload bytes, excluding the trailing CRLF
}

// Adapter receives parser nodes belonging to one command within a pipeline.
// Index is the ordinal of the command inside the request that produced the
// node. Implementations that hit a server error or an unexpected shape
// return a non-nil error; the error is attached to the owning exec and does
// not by itself terminate the connection.
type Adapter interface {
	OnNode(index int, node Node) error
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(index int, node Node) error

// OnNode implements Adapter.
func (f AdapterFunc) OnNode(index int, node Node) error { return f(index, node) }
