package btree

import (
	"encoding/binary"
	"time"

	"github.com/blinklayer/blinkstore/storage/page"
	"github.com/blinklayer/blinkstore/xerrors"
)

func encodeChildAddr(addr uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, addr)
	return buf
}

func decodeChildAddr(v []byte) uint64 {
	return binary.BigEndian.Uint64(v)
}

// childIndex maps a FindKey result on an index page to the slot whose
// child pointer should be followed for key: the largest separator
// that is <= key.
func childIndex(pos page.Position, count int) int {
	switch pos.Kind {
	case page.PosExact:
		return pos.Index
	case page.PosBeforeLeft:
		if pos.Index == 0 {
			return 0
		}
		return pos.Index - 1
	default: // PosAfterRight
		return count - 1
	}
}

// descend walks from the root to the leaf that should contain key,
// taking only reader claims and releasing each level before claiming
// the next (spec.md §5: "a cursor holds at most one level's frame
// claim at a time for reads"). It returns the leaf's address and the
// addresses of its ancestors, root-first, for use by callers that may
// need to promote a split back up the path.
func (t *Tree) descend(owner int64, key []byte, timeout time.Duration) (leafAddr uint64, path []uint64, err error) {
	addr := t.RootAddr()
	for {
		fr, err := t.fetch(owner, addr, false, timeout)
		if err != nil {
			return 0, nil, err
		}
		typ := fr.page.Type()
		if typ == page.TypeDataLeaf {
			leafAddr, werr := t.rightWalkLeaf(owner, fr, key, timeout)
			if werr != nil {
				return 0, nil, werr
			}
			return leafAddr, path, nil
		}
		if typ != page.TypeIndex {
			t.release(fr, false)
			return 0, nil, xerrors.Corrupt("page %d has unexpected type %s during descent", addr, typ)
		}

		next, finalAddr, werr := t.resolveChild(owner, fr, key, timeout)
		t.release(fr, false)
		if werr != nil {
			return 0, nil, werr
		}
		path = append(path, finalAddr)
		addr = next
	}
}

// resolveChild finds the child pointer to follow from an index page,
// walking right first if the search key overshoots the page's known
// range. finalAddr is the address of the index page the child pointer
// was actually read from (addr itself, or a right sibling reached by
// the walk), which is what callers must record as the ancestor to
// revisit for split promotion.
func (t *Tree) resolveChild(owner int64, fr *frame, key []byte, timeout time.Duration) (next uint64, finalAddr uint64, err error) {
	cur := fr
	owned := false
	defer func() {
		if owned {
			t.release(cur, false)
		}
	}()
	for i := 0; i < MaxWalkRight; i++ {
		pos := cur.page.FindKey(key)
		if pos.Kind == page.PosAfterRight && cur.page.Right() != 0 {
			rightAddr := cur.page.Right()
			if owned {
				t.release(cur, false)
			}
			cur, err = t.fetch(owner, rightAddr, false, timeout)
			if err != nil {
				return 0, 0, err
			}
			owned = true
			continue
		}
		if cur.page.Count() == 0 {
			return 0, 0, xerrors.Corrupt("index page %d has no entries", cur.page.Addr())
		}
		idx := childIndex(pos, cur.page.Count())
		return decodeChildAddr(cur.page.Value(idx)), cur.page.Addr(), nil
	}
	return 0, 0, xerrors.Corrupt("right-walk exceeded %d steps searching for key", MaxWalkRight)
}

// rightWalkLeaf returns the address of the leaf that should hold key,
// walking right from fr (already claimed) if its high key has been
// exceeded by a concurrent split not yet reflected in the parent.
func (t *Tree) rightWalkLeaf(owner int64, fr *frame, key []byte, timeout time.Duration) (uint64, error) {
	cur := fr
	for i := 0; i < MaxWalkRight; i++ {
		pos := cur.page.FindKey(key)
		if pos.Kind == page.PosAfterRight && cur.page.Right() != 0 {
			rightAddr := cur.page.Right()
			t.release(cur, false)
			next, err := t.fetch(owner, rightAddr, false, timeout)
			if err != nil {
				return 0, err
			}
			cur = next
			continue
		}
		addr := cur.page.Addr()
		t.release(cur, false)
		return addr, nil
	}
	t.release(cur, false)
	return 0, xerrors.Corrupt("right-walk exceeded %d steps searching for key", MaxWalkRight)
}

// Get performs a point lookup, resolving long-record descriptors
// transparently.
func (t *Tree) Get(owner int64, key []byte, timeout time.Duration) ([]byte, bool, error) {
	t.claim.RLock()
	defer t.claim.RUnlock()

	leafAddr, _, err := t.descend(owner, key, timeout)
	if err != nil {
		return nil, false, err
	}
	fr, err := t.fetch(owner, leafAddr, false, timeout)
	if err != nil {
		return nil, false, err
	}
	defer t.release(fr, false)

	pos := fr.page.FindKey(key)
	if pos.Kind != page.PosExact {
		return nil, false, nil
	}
	tag, payload := untagValue(fr.page.Value(pos.Index))
	if tag == tagLongRecord {
		value, err := t.readLongRecord(payload)
		return value, true, err
	}
	return payload, true, nil
}
