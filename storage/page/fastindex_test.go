package page

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFastIndexMatchesLinearSearch(t *testing.T) {
	p := New(8192, TypeDataLeaf, 1)
	var fi FastIndex

	keys := make([][]byte, 0, 64)
	for i := 0; i < 64; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		keys = append(keys, k)
		p.PutValue(k, []byte("v"), p.FindKey(k), false)
	}

	require.Equal(t, "invalid", fi.State())
	for _, k := range keys {
		want := p.FindKey(k)
		got := fi.Lookup(p, k)
		require.Equal(t, want, got, "key %s", k)
	}
	require.Equal(t, "valid", fi.State())

	miss := fi.Lookup(p, []byte("zzz"))
	require.Equal(t, PosAfterRight, miss.Kind)
}

func TestFastIndexInvalidateForcesRebuild(t *testing.T) {
	p := New(4096, TypeDataLeaf, 1)
	var fi FastIndex
	p.PutValue([]byte("a"), []byte("1"), p.FindKey([]byte("a")), false)
	fi.Lookup(p, []byte("a"))
	require.Equal(t, "valid", fi.State())

	fi.Invalidate()
	require.Equal(t, "invalid", fi.State())

	p.PutValue([]byte("b"), []byte("2"), p.FindKey([]byte("b")), false)
	got := fi.Lookup(p, []byte("b"))
	require.Equal(t, PosExact, got.Kind)
}
