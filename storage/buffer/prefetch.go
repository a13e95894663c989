package buffer

import (
	"sync"
	"time"
)

// Prefetcher issues bounded read-ahead requests for sequential leaf
// traversal: a small, concrete slice of the teacher's prefetch concept
// (zhukovaskychina-xmysql-server server/innodb/buffer_pool/prefetch.go:
// a priority queue of page-range requests drained by worker
// goroutines calling GetPageBlock) rather than its full heuristic
// engine, since this engine has no InnoDB page-type classification to
// drive prefetch decisions from. Gated off by default
// (NewPrefetcher's workers=0 disables dispatch entirely). Nothing in
// the btree package calls Hint; read-ahead happens only for callers
// that invoke it directly.
type Prefetcher struct {
	pool    *Pool
	workers int
	ahead   int

	mu      sync.Mutex
	pending map[Key]struct{}
}

// NewPrefetcher creates a prefetcher that reads ahead radius pages
// past a hinted key, starting one goroutine per page it reads ahead;
// workers does not bound that number. workers
// <= 0 disables prefetch: Hint becomes a no-op, matching spec.md's
// silence on read-ahead being optional.
func NewPrefetcher(pool *Pool, workers, radius int) *Prefetcher {
	return &Prefetcher{pool: pool, workers: workers, ahead: radius, pending: make(map[Key]struct{})}
}

// Hint notifies the prefetcher that a sequential scan just read key
// in volumeID and is likely to continue forward; addrs lists the next
// radius page addresses the caller already knows (e.g. from a leaf's
// right-sibling chain) to warm before they are claimed for real.
func (pf *Prefetcher) Hint(volumeID uint64, addrs []uint64, owner int64, timeout time.Duration) {
	if pf == nil || pf.workers <= 0 {
		return
	}
	n := len(addrs)
	if n > pf.ahead {
		n = pf.ahead
	}
	for _, addr := range addrs[:n] {
		key := Key{VolumeID: volumeID, PageAddr: addr}
		if !pf.claimPending(key) {
			continue
		}
		go pf.warm(key, owner, timeout)
	}
}

func (pf *Prefetcher) claimPending(key Key) bool {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if _, busy := pf.pending[key]; busy {
		return false
	}
	pf.pending[key] = struct{}{}
	return true
}

func (pf *Prefetcher) releasePending(key Key) {
	pf.mu.Lock()
	delete(pf.pending, key)
	pf.mu.Unlock()
}

// warm claims and immediately releases key, populating the frame
// cache without handing ownership to any caller.
func (pf *Prefetcher) warm(key Key, owner int64, timeout time.Duration) {
	defer pf.releasePending(key)
	f, err := pf.pool.Get(key, owner, false, true, timeout)
	if err != nil {
		return
	}
	f.ReleaseReader(owner)
}
