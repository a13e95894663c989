package page

import "sync"

// fastState is the lifecycle of a FastIndex.
type fastState int

const (
	fastInvalid fastState = iota
	fastBuilding
	fastValid
)

// fastEntry caches one keyblock's discriminator byte and ebc, plus a
// run count: at the head of a run of consecutive keyblocks with equal
// ebc, the run's length; 0 everywhere else. No cross counts are kept.
type fastEntry struct {
	db    byte
	ebc   uint8
	count int // run length at a run's head, 0 elsewhere
}

// FastIndex is a per-frame accelerator over a page's keyblock vector,
// built lazily on first search after a modification. It lets a search
// skip whole runs of equal-ebc keyblocks (a common case for
// dictionary-ordered keys sharing long prefixes) without touching the
// tailblock region. Grounded on spec.md §4.2; state machine mirrors
// the buffer pool's {invalid, valid} frame model (§4.4) applied at
// per-page granularity.
type FastIndex struct {
	mu      sync.Mutex
	state   fastState
	entries []fastEntry
	built   int // page generation this index was built against
}

// Invalidate marks the index stale; the next Lookup rebuilds it.
func (f *FastIndex) Invalidate() {
	f.mu.Lock()
	f.state = fastInvalid
	f.mu.Unlock()
}

// ensure rebuilds the index from p if it is stale relative to p's
// current generation.
func (f *FastIndex) ensure(p *Page) {
	if f.state == fastValid && f.built == int(p.Generation()) {
		return
	}
	f.state = fastBuilding
	n := p.Count()
	entries := make([]fastEntry, n)
	for i := 0; i < n; i++ {
		entries[i] = fastEntry{db: p.db(i), ebc: p.ebc(i)}
	}
	// Compute run counts: a maximal run of consecutive keyblocks
	// sharing the same ebc starts a run; record run length at its
	// head and zero elsewhere (no cross counts are computed; the
	// skip-scan below needs only the run lengths).
	i := 0
	for i < n {
		j := i + 1
		for j < n && entries[j].ebc == entries[i].ebc {
			j++
		}
		entries[i].count = j - i
		i = j
	}
	f.entries = entries
	f.built = int(p.Generation())
	f.state = fastValid
}

// Lookup scans p for key using the cached run counts to skip over
// whole runs of keyblocks: a run whose last key sorts below key is
// skipped after one comparison, and the first run that can hold key
// is binary-searched. The result equals p.FindKey(key).
func (f *FastIndex) Lookup(p *Page, key []byte) Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure(p)

	n := len(f.entries)
	if n == 0 {
		return Position{Index: 0, Kind: PosBeforeLeft}
	}

	i := 0
	for i < n {
		e := f.entries[i]
		runLen := e.count
		if runLen <= 0 {
			runLen = 1
		}
		if cmpBytes(key, p.Key(i+runLen-1)) <= 0 {
			// key sorts at or before this run's last key; binary search
			// the actual keys within [i, i+runLen) for the exact slot.
			lo, hi := i, i+runLen-1
			for lo <= hi {
				mid := (lo + hi) / 2
				c := cmpBytes(key, p.Key(mid))
				switch {
				case c == 0:
					return Position{Index: mid, Kind: PosExact}
				case c < 0:
					hi = mid - 1
				default:
					lo = mid + 1
				}
			}
			return Position{Index: lo, Kind: PosBeforeLeft}
		}
		i += runLen
	}
	return Position{Index: n, Kind: PosAfterRight}
}

// PatchInsert updates the cached entries in place after a single
// insert at idx, following the rules of spec.md §4.2: extend a run at
// its head or tail, or split a run in two around a newly inserted
// single-element run.
func (f *FastIndex) PatchInsert(p *Page, idx int, ebc uint8, db byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != fastValid {
		return // next Lookup rebuilds from scratch
	}
	entries := f.entries
	n := len(entries)

	newEntry := fastEntry{db: db, ebc: ebc, count: 1}
	grown := make([]fastEntry, 0, n+1)
	grown = append(grown, entries[:idx]...)
	grown = append(grown, newEntry)
	grown = append(grown, entries[idx:]...)
	f.entries = grown
	f.built = int(p.Generation())

	// Recompute every run length over the patched entries; the page
	// itself is not re-read.
	i := 0
	for i < len(f.entries) {
		j := i + 1
		for j < len(f.entries) && f.entries[j].ebc == f.entries[i].ebc {
			j++
		}
		f.entries[i].count = j - i
		for k := i + 1; k < j; k++ {
			f.entries[k].count = 0
		}
		i = j
	}
}

// State reports whether the index is currently usable without a
// rebuild, for diagnostics and tests.
func (f *FastIndex) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case fastValid:
		return "valid"
	case fastBuilding:
		return "being-built"
	default:
		return "invalid"
	}
}
