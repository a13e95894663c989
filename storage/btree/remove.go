package btree

import (
	"time"

	"github.com/blinklayer/blinkstore/storage/page"
)

// Delete removes key if present. Removing the last key from a page
// leaves it in place rather than merging it into a sibling: a single
// point delete only ever claims the one leaf it descends to, so there
// is no adjacent frame on hand to page.Join it into the way
// RemoveRange's slow path does for a leaf it empties in passing (see
// DESIGN.md). Emptied leaves are reclaimed only by a later
// RemoveRange pass that happens to walk across them.
func (t *Tree) Delete(owner int64, key []byte, timeout time.Duration) (bool, error) {
	t.claim.RLock()
	defer t.claim.RUnlock()

	leafAddr, _, err := t.descend(owner, key, timeout)
	if err != nil {
		return false, err
	}
	fr, err := t.fetchWriterAt(owner, leafAddr, key, timeout)
	if err != nil {
		return false, err
	}
	defer t.release(fr, true)

	pos := fr.page.FindKey(key)
	if pos.Kind != page.PosExact {
		return false, nil
	}

	tag, payload := untagValue(fr.page.Value(pos.Index))
	fr.page.RemoveKeys(pos.Index, pos.Index+1)
	if err := t.markDirty(fr); err != nil {
		return false, err
	}
	if tag == tagLongRecord {
		if err := t.freeLongRecord(payload); err != nil {
			return true, err
		}
	}
	return true, nil
}

// RemoveRange deletes every key in [start, end) and returns the count
// removed. When both endpoints fall on the same leaf this is a single
// page rewrite (the fast path); otherwise it walks right-sibling
// pointers leaf by leaf, removing the matching suffix/prefix of keys
// on each page it touches (the slow path). Unlike the full two-descent
// algorithm, it never rebalances an underfull *index* page (documented
// simplification in DESIGN.md), but every leaf the walk fully empties
// is coalesced into the last retained leaf via the page codec's Join
// and its physical page is returned to the garbage chain, per spec.md
// §4.5's slow path ("return the range of physical pages between them
// to the garbage chain") and §8 testable property 6.
func (t *Tree) RemoveRange(owner int64, start, end []byte, timeout time.Duration) (int, error) {
	t.claim.RLock()
	defer t.claim.RUnlock()

	leafAddr, _, err := t.descend(owner, start, timeout)
	if err != nil {
		return 0, err
	}

	removed := 0
	addr := leafAddr
	first := true
	var prev *frame // last retained (non-reclaimed) leaf frame, held across iterations so an emptied successor can be joined into it
	for {
		var fr *frame
		if first {
			fr, err = t.fetchWriterAt(owner, addr, start, timeout)
		} else {
			fr, err = t.fetch(owner, addr, true, timeout)
		}
		if err != nil {
			if prev != nil {
				t.release(prev, true)
			}
			return removed, err
		}

		originalCount := fr.page.Count()
		fromIdx := fr.page.FindKey(start).Index
		toIdx := fr.page.FindKey(end).Index

		if toIdx > fromIdx {
			for i := fromIdx; i < toIdx; i++ {
				tag, payload := untagValue(fr.page.Value(i))
				if tag == tagLongRecord {
					if err := t.freeLongRecord(payload); err != nil {
						t.release(fr, true)
						if prev != nil {
							t.release(prev, true)
						}
						return removed, err
					}
				}
			}
			fr.page.RemoveKeys(fromIdx, toIdx)
			removed += toIdx - fromIdx
		}

		right := fr.page.Right()
		continueRight := toIdx >= originalCount && right != 0
		reclaimable := prev != nil && fr.page.Count() == 0

		if reclaimable {
			// fr was entirely within [start, end): coalesce it away
			// rather than leaving a linked-but-empty leaf. Join's
			// coalesce branch always applies here since an empty right
			// page trivially fits in left's free space, so prev simply
			// absorbs fr's (now vacuous) content and right pointer.
			page.Join(prev.page, fr.page, page.SplitNone)
			prev.sync()
			if err := t.markDirty(prev); err != nil {
				t.release(fr, true)
				t.release(prev, true)
				return removed, err
			}
			reclaimedAddr := addr
			if err := t.garbage.Push([]uint64{reclaimedAddr}); err != nil {
				t.release(fr, true)
				t.release(prev, true)
				return removed, err
			}
			t.pool.Invalidate(t.key(reclaimedAddr))
			t.release(fr, true)
		} else {
			if toIdx > fromIdx {
				if err := t.markDirty(fr); err != nil {
					t.release(fr, true)
					if prev != nil {
						t.release(prev, true)
					}
					return removed, err
				}
			}
			if prev != nil {
				t.release(prev, true)
			}
			prev = fr
		}

		if !continueRight {
			if prev != nil {
				t.release(prev, true)
			}
			return removed, nil
		}
		addr = right
		first = false
	}
}

// Clear removes every key the tree holds, one seek-and-delete pass at
// a time. It backs the journal's DT (delete tree) inner record and
// the transactional overlay's DeleteTree op; it is not a bulk
// truncate (no page reclamation the way RemoveRange's slow path
// gets), a documented simplification for an operation that
// is rare relative to point/range mutation (see DESIGN.md).
func (t *Tree) Clear(owner int64, timeout time.Duration) error {
	for {
		cur, err := t.Seek(owner, nil, page.GTEQ, timeout)
		if err != nil {
			return err
		}
		k, _, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if _, err := t.Delete(owner, k, timeout); err != nil {
			return err
		}
	}
}
