package btree

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blinklayer/blinkstore/storage/buffer"
	"github.com/blinklayer/blinkstore/storage/journal"
	"github.com/blinklayer/blinkstore/storage/page"
)

type memVolume struct {
	mu          sync.Mutex
	pageSize    int
	pages       map[uint64][]byte
	next        uint64
	garbageRoot uint64
}

func newMemVolume(pageSize int) *memVolume {
	return &memVolume{pageSize: pageSize, pages: make(map[uint64][]byte), next: 1}
}

func (v *memVolume) PageSize() int { return v.pageSize }

func (v *memVolume) AllocatePage() (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	addr := v.next
	v.next++
	v.pages[addr] = make([]byte, v.pageSize)
	return addr, nil
}

func (v *memVolume) ReadPage(addr uint64, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.pages[addr]
	if !ok {
		p = make([]byte, v.pageSize)
		v.pages[addr] = p
	}
	copy(buf, p)
	return nil
}

func (v *memVolume) WritePage(addr uint64, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	v.pages[addr] = cp
	return nil
}

func (v *memVolume) GarbageRoot() uint64 { return v.garbageRoot }

func (v *memVolume) SetGarbageRoot(addr uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.garbageRoot = addr
	return nil
}

type fakeJournal struct {
	mu  sync.Mutex
	seq uint32
}

func (j *fakeJournal) AppendPA(volumeID, pageAddr uint64, data []byte, timestamp uint64) (journal.Address, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	return journal.MakeAddress(0, j.seq), nil
}

const testTreeID = 1

func newTestTree(t *testing.T, pageSize, frames int) (*Tree, *memVolume) {
	vol := newMemVolume(pageSize)
	volumes := func(volumeID uint64) (buffer.PageIO, bool) {
		if volumeID == uint64(testTreeID) {
			return vol, true
		}
		return nil, false
	}
	pool := buffer.New(frames, pageSize, volumes, &fakeJournal{})
	tr, err := Create(testTreeID, vol, pool)
	require.NoError(t, err)
	return tr, vol
}

const owner = int64(1)
const timeout = time.Second

func TestPutGetRoundTrip(t *testing.T) {
	tr, _ := newTestTree(t, 512, 32)

	require.NoError(t, tr.Put(owner, []byte("alpha"), []byte("one"), timeout))
	require.NoError(t, tr.Put(owner, []byte("beta"), []byte("two"), timeout))

	v, ok, err := tr.Get(owner, []byte("alpha"), timeout)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("one"), v)

	v, ok, err = tr.Get(owner, []byte("beta"), timeout)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("two"), v)

	_, ok, err = tr.Get(owner, []byte("gamma"), timeout)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutReplacesExistingValue(t *testing.T) {
	tr, _ := newTestTree(t, 512, 32)
	require.NoError(t, tr.Put(owner, []byte("k"), []byte("first"), timeout))
	require.NoError(t, tr.Put(owner, []byte("k"), []byte("second"), timeout))

	v, ok, err := tr.Get(owner, []byte("k"), timeout)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("second"), v)
}

func TestPutTriggersLeafSplitAndRootGrowth(t *testing.T) {
	tr, _ := newTestTree(t, 256, 64)
	rootBefore := tr.RootAddr()

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		require.NoError(t, tr.Put(owner, key, val, timeout))
	}
	require.NotEqual(t, rootBefore, tr.RootAddr(), "root should have grown above the original leaf")

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := []byte(fmt.Sprintf("value-%04d", i))
		got, ok, err := tr.Get(owner, key, timeout)
		require.NoError(t, err)
		require.True(t, ok, "missing key %s", key)
		require.Equal(t, want, got)
	}
}

func TestPutStoresLongRecordAboveInlineCeiling(t *testing.T) {
	tr, _ := newTestTree(t, 512, 32)

	value := make([]byte, InlineValueCeiling*3)
	for i := range value {
		value[i] = byte(i % 256)
	}
	require.NoError(t, tr.Put(owner, []byte("bigkey"), value, timeout))

	got, ok, err := tr.Get(owner, []byte("bigkey"), timeout)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, value, got)
}

func TestDeleteRemovesKeyAndFreesLongRecord(t *testing.T) {
	tr, vol := newTestTree(t, 512, 32)
	value := make([]byte, InlineValueCeiling*2)
	require.NoError(t, tr.Put(owner, []byte("k"), value, timeout))

	ok, err := tr.Delete(owner, []byte("k"), timeout)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, uint64(0), vol.GarbageRoot(), "long-record chain pages should be on the garbage chain")

	_, found, err := tr.Get(owner, []byte("k"), timeout)
	require.NoError(t, err)
	require.False(t, found)

	ok, err = tr.Delete(owner, []byte("k"), timeout)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveRangeWithinSingleLeaf(t *testing.T) {
	tr, _ := newTestTree(t, 512, 32)
	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Put(owner, []byte(fmt.Sprintf("k%d", i)), []byte("v"), timeout))
	}

	n, err := tr.RemoveRange(owner, []byte("k1"), []byte("k3"), timeout)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, ok, _ := tr.Get(owner, []byte("k1"), timeout)
	require.False(t, ok)
	_, ok, _ = tr.Get(owner, []byte("k2"), timeout)
	require.False(t, ok)
	_, ok, _ = tr.Get(owner, []byte("k3"), timeout)
	require.True(t, ok)
}

func TestRemoveRangeAcrossLeafBoundaries(t *testing.T) {
	tr, _ := newTestTree(t, 256, 64)
	const n = 100
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		require.NoError(t, tr.Put(owner, key, []byte("v"), timeout))
	}

	removed, err := tr.RemoveRange(owner, []byte("k-0010"), []byte("k-0090"), timeout)
	require.NoError(t, err)
	require.Equal(t, 80, removed)

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		_, ok, err := tr.Get(owner, key, timeout)
		require.NoError(t, err)
		if i >= 10 && i < 90 {
			require.False(t, ok, "key %s should have been removed", key)
		} else {
			require.True(t, ok, "key %s should remain", key)
		}
	}
}

// TestRemoveRangeReclaimsEmptiedLeaves exercises spec.md §8 testable
// property 6 directly: a spanning remove that fully empties one or
// more interior leaves must coalesce them away and push their pages
// onto the volume's garbage chain, rather than leaving them allocated
// and linked but empty.
func TestRemoveRangeReclaimsEmptiedLeaves(t *testing.T) {
	tr, vol := newTestTree(t, 256, 64)
	const n = 100
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		require.NoError(t, tr.Put(owner, key, []byte("v"), timeout))
	}

	pagesBefore := len(vol.pages)
	require.Equal(t, uint64(0), vol.GarbageRoot())

	removed, err := tr.RemoveRange(owner, []byte("k-0010"), []byte("k-0090"), timeout)
	require.NoError(t, err)
	require.Equal(t, 80, removed)

	require.NotEqual(t, uint64(0), vol.GarbageRoot(), "garbage chain should hold at least one reclaimed leaf")
	require.LessOrEqual(t, len(vol.pages), pagesBefore, "page count must not grow from a remove")

	// The garbage chain must be walkable and every page on it must
	// carry the garbage page type.
	count := 0
	for addr := vol.GarbageRoot(); addr != 0; {
		buf := make([]byte, vol.PageSize())
		require.NoError(t, vol.ReadPage(addr, buf))
		p := &page.Page{Buf: buf}
		require.Equal(t, page.TypeGarbage, p.Type())
		count++
		require.Less(t, count, n, "garbage chain walk should terminate well within page count")
		addr = p.Right()
	}
	require.Greater(t, count, 0)
}

func TestCursorForwardTraversal(t *testing.T) {
	tr, _ := newTestTree(t, 256, 64)
	const n = 50
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		require.NoError(t, tr.Put(owner, key, []byte(fmt.Sprintf("v%d", i)), timeout))
	}

	cur, err := tr.Seek(owner, []byte("k-0000"), page.GTEQ, timeout)
	require.NoError(t, err)

	count := 0
	var last string
	for {
		k, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.True(t, string(k) > last)
		last = string(k)
		count++
	}
	require.Equal(t, n, count)
}

func TestCursorEqIsOneShot(t *testing.T) {
	tr, _ := newTestTree(t, 512, 32)
	require.NoError(t, tr.Put(owner, []byte("only"), []byte("v"), timeout))

	cur, err := tr.Seek(owner, []byte("only"), page.EQ, timeout)
	require.NoError(t, err)

	_, v, ok, err := cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	_, _, ok, err = cur.Next()
	require.NoError(t, err)
	require.False(t, ok)
}
