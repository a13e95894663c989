package page

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutFindRoundTrip(t *testing.T) {
	p := New(4096, TypeDataLeaf, 1)

	keys := [][]byte{
		[]byte("apple"),
		[]byte("applesauce"),
		[]byte("banana"),
		[]byte("band"),
		[]byte("bandana"),
	}
	for _, k := range keys {
		pos := p.FindKey(k)
		res := p.PutValue(k, []byte("v-"+string(k)), pos, false)
		require.True(t, res.OK)
	}

	require.NoError(t, p.ValidateLayout())

	for _, k := range keys {
		pos := p.FindKey(k)
		require.Equal(t, PosExact, pos.Kind, "key %s", k)
		require.Equal(t, "v-"+string(k), string(p.Value(pos.Index)))
	}
}

func TestPutValueReplace(t *testing.T) {
	p := New(4096, TypeDataLeaf, 1)
	pos := p.FindKey([]byte("k"))
	p.PutValue([]byte("k"), []byte("v1"), pos, false)

	pos = p.FindKey([]byte("k"))
	require.Equal(t, PosExact, pos.Kind)
	res := p.PutValue([]byte("k"), []byte("v2-longer"), pos, true)
	require.True(t, res.OK)

	pos = p.FindKey([]byte("k"))
	require.Equal(t, "v2-longer", string(p.Value(pos.Index)))
	require.Equal(t, 1, p.Count())
}

func TestRemoveKeysRange(t *testing.T) {
	p := New(4096, TypeDataLeaf, 1)
	for i := 0; i < 20; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		pos := p.FindKey(k)
		p.PutValue(k, []byte("v"), pos, false)
	}
	require.Equal(t, 20, p.Count())

	ok := p.RemoveKeys(5, 10)
	require.True(t, ok)
	require.Equal(t, 15, p.Count())
	require.NoError(t, p.ValidateLayout())

	for i := 0; i < 15; i++ {
		_ = p.Key(i)
	}
}

func TestSplitBalancesPages(t *testing.T) {
	left := New(512, TypeDataLeaf, 1)
	right := New(512, TypeDataLeaf, 2)

	var lastKey []byte
	for i := 0; i < 12; i++ {
		k := []byte(fmt.Sprintf("key-%02d", i))
		lastKey = k
		pos := left.FindKey(k)
		res := left.PutValue(k, make([]byte, 16), pos, false)
		if res.PageFull {
			break
		}
	}
	_ = lastKey

	insertKey := []byte("key-99")
	pos := left.FindKey(insertKey)
	sp := Split(left, right, insertKey, make([]byte, 16), pos, SplitNone)

	require.NoError(t, left.ValidateLayout())
	require.NoError(t, right.ValidateLayout())
	require.NotEmpty(t, sp.Key)
	require.True(t, left.Count() > 0)
	require.True(t, right.Count() > 0)
	require.Equal(t, right.Addr(), left.Right())
}

func TestJoinCoalescesSmallPages(t *testing.T) {
	left := New(4096, TypeDataLeaf, 1)
	right := New(4096, TypeDataLeaf, 2)
	left.PutValue([]byte("a"), []byte("1"), left.FindKey([]byte("a")), false)
	right.PutValue([]byte("b"), []byte("2"), right.FindKey([]byte("b")), false)
	right.SetRight(99)

	res := Join(left, right, SplitNone)
	require.False(t, res.Rebalanced)
	require.Equal(t, 2, left.Count())
	require.Equal(t, uint64(99), left.Right())
}

func TestJoinRedistributesLargePages(t *testing.T) {
	left := New(256, TypeDataLeaf, 1)
	right := New(256, TypeDataLeaf, 2)
	for i := 0; i < 6; i++ {
		k := []byte(fmt.Sprintf("l-%02d", i))
		left.PutValue(k, make([]byte, 16), left.FindKey(k), false)
	}
	for i := 0; i < 6; i++ {
		k := []byte(fmt.Sprintf("r-%02d", i))
		right.PutValue(k, make([]byte, 16), right.FindKey(k), false)
	}
	res := Join(left, right, SplitNone)
	require.True(t, res.Rebalanced)
	require.NotEmpty(t, res.NewRightFirstKey)
	require.NoError(t, left.ValidateLayout())
	require.NoError(t, right.ValidateLayout())
}

func TestTraverseDirections(t *testing.T) {
	p := New(4096, TypeDataLeaf, 1)
	for i := 0; i < 5; i++ {
		k := []byte(fmt.Sprintf("k%d", i))
		p.PutValue(k, []byte("v"), p.FindKey(k), false)
	}

	pos := p.FindKey([]byte("k2"))
	require.Equal(t, PosExact, pos.Kind)

	next := Traverse(p, []byte("k2"), GT, pos)
	require.Equal(t, 3, next)

	prev := Traverse(p, []byte("k2"), LT, pos)
	require.Equal(t, 1, prev)

	eq := Traverse(p, []byte("k2"), EQ, pos)
	require.Equal(t, 2, eq)

	atEnd := p.FindKey([]byte("k4"))
	require.Equal(t, AfterRightEdge, Traverse(p, []byte("k4"), GT, atEnd))
}
