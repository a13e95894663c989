package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func poolHasFrame(p *Pool, key Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookupLocked(key) != nil
}

func TestPrefetcherDisabledWithZeroWorkersIsNoop(t *testing.T) {
	pool := New(4, 32, nil, nil)
	pf := NewPrefetcher(pool, 0, 4)
	pf.Hint(1, []uint64{2, 3, 4}, 1, time.Second)

	require.False(t, poolHasFrame(pool, Key{VolumeID: 1, PageAddr: 2}))
}

func TestPrefetcherWarmsPagesWithinRadius(t *testing.T) {
	vol := newFakeVolume()
	vol.pages[2] = []byte("page two content................")
	pool := New(4, 32, func(uint64) (PageIO, bool) { return vol, true }, nil)

	pf := NewPrefetcher(pool, 2, 1)
	pf.Hint(1, []uint64{2, 3}, 1, time.Second)

	require.Eventually(t, func() bool {
		return poolHasFrame(pool, Key{VolumeID: 1, PageAddr: 2})
	}, time.Second, 5*time.Millisecond)

	// radius 1 means page 3 (the second hinted address) is never warmed.
	time.Sleep(20 * time.Millisecond)
	require.False(t, poolHasFrame(pool, Key{VolumeID: 1, PageAddr: 3}))
}
