package redis

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xenking/redis3/resp3"
)

func TestIgnoreAdapterDropsEverything(t *testing.T) {
	var a IgnoreAdapter
	require.NoError(t, a.OnNode(0, resp3.Node{Kind: resp3.KindSimpleString, Value: []byte("OK")}))
}

func TestGenericAdapterCollectsAndCopies(t *testing.T) {
	a := &GenericAdapter{}
	buf := []byte("hello")
	require.NoError(t, a.OnNode(0, resp3.Node{Kind: resp3.KindBlobString, Value: buf}))
	buf[0] = 'X' // mutate the source buffer as a real read loop would reuse it
	require.Len(t, a.Nodes, 1)
	require.Equal(t, "hello", string(a.Nodes[0].Value))
}

func TestScalarAdapterString(t *testing.T) {
	var dest string
	a := &ScalarAdapter{Dest: &dest}
	require.NoError(t, a.OnNode(0, resp3.Node{Kind: resp3.KindSimpleString, Value: []byte("PONG")}))
	require.Equal(t, "PONG", dest)
	require.True(t, a.Set)
}

func TestScalarAdapterInt64(t *testing.T) {
	var dest int64
	a := &ScalarAdapter{Dest: &dest}
	require.NoError(t, a.OnNode(0, resp3.Node{Kind: resp3.KindNumber, Value: []byte("42")}))
	require.Equal(t, int64(42), dest)
}

func TestScalarAdapterNotANumber(t *testing.T) {
	var dest int64
	a := &ScalarAdapter{Dest: &dest}
	err := a.OnNode(0, resp3.Node{Kind: resp3.KindNumber, Value: []byte("nope")})
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, KindNotANumber, e.Kind)
}

func TestScalarAdapterOptionalNull(t *testing.T) {
	var dest string
	a := &ScalarAdapter{Dest: &dest, Optional: true}
	require.NoError(t, a.OnNode(0, resp3.Node{Kind: resp3.KindNull}))
	require.True(t, a.Set)
	require.Equal(t, "", dest)
}

func TestScalarAdapterNonOptionalNullErrors(t *testing.T) {
	var dest string
	a := &ScalarAdapter{Dest: &dest}
	err := a.OnNode(0, resp3.Node{Kind: resp3.KindNull})
	require.Error(t, err)
	require.False(t, a.Set)
}

func TestScalarAdapterRejectsAggregate(t *testing.T) {
	var dest string
	a := &ScalarAdapter{Dest: &dest}
	err := a.OnNode(0, resp3.Node{Kind: resp3.KindArray, AggregateSize: 2})
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, KindNestedAggregateNotSupported, e.Kind)
}

func TestScalarAdapterServerErrors(t *testing.T) {
	var dest string
	a := &ScalarAdapter{Dest: &dest}
	err := a.OnNode(0, resp3.Node{Kind: resp3.KindSimpleError, Value: []byte("ERR bad")})
	require.Error(t, err)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, KindResp3SimpleError, se.Kind())
}

func TestNewTupleAdapterSizeMismatch(t *testing.T) {
	_, err := NewTupleAdapter(2, &ScalarAdapter{Dest: new(string)})
	require.Error(t, err)
}

func TestTupleAdapterDispatchesByIndex(t *testing.T) {
	var a, b string
	tup, err := NewTupleAdapter(2, &ScalarAdapter{Dest: &a}, &ScalarAdapter{Dest: &b})
	require.NoError(t, err)

	require.NoError(t, tup.OnNode(0, resp3.Node{Kind: resp3.KindSimpleString, Value: []byte("first")}))
	require.NoError(t, tup.OnNode(1, resp3.Node{Kind: resp3.KindSimpleString, Value: []byte("second")}))
	require.Equal(t, "first", a)
	require.Equal(t, "second", b)
}

func TestTupleAdapterOutOfRangeIndex(t *testing.T) {
	tup, err := NewTupleAdapter(1, &ScalarAdapter{Dest: new(string)})
	require.NoError(t, err)
	err = tup.OnNode(5, resp3.Node{Kind: resp3.KindSimpleString, Value: []byte("x")})
	require.Error(t, err)
}
