package btree

import (
	"time"

	"github.com/blinklayer/blinkstore/storage/page"
)

// Put inserts or replaces the value stored for key. Values larger than
// InlineValueCeiling are written as a long-record chain and the leaf
// stores a descriptor in its place.
//
// Put takes the tree's exclusive claim for the whole operation rather
// than the finer-grained "try with the shared claim, upgrade only if a
// root split turns out to be needed" protocol: a split discovered only
// after the leaf (and possibly several parents) have already been
// rewritten cannot safely be undone to retry under a stronger claim,
// so upgrading after the fact is unsound. Serializing every insert
// against every other insert is the chosen simplification;
// concurrent point reads and range removals still only
// take the shared claim.
func (t *Tree) Put(owner int64, key, value []byte, timeout time.Duration) error {
	tagged, err := t.prepareValue(value)
	if err != nil {
		return err
	}

	t.claim.Lock()
	defer t.claim.Unlock()
	return t.putOnce(owner, key, tagged, timeout)
}

func (t *Tree) prepareValue(value []byte) ([]byte, error) {
	if len(value) <= InlineValueCeiling {
		return tagValue(tagInline, value), nil
	}
	descriptor, err := t.writeLongRecord(value)
	if err != nil {
		return nil, err
	}
	return tagValue(tagLongRecord, descriptor), nil
}

// putOnce descends to the target leaf, inserts, and propagates any
// splits up the recorded ancestor path, possibly as far as replacing
// the root. Called with the tree's exclusive claim already held.
func (t *Tree) putOnce(owner int64, key, taggedValue []byte, timeout time.Duration) error {
	oldRootAddr := t.RootAddr()
	leafAddr, path, err := t.descend(owner, key, timeout)
	if err != nil {
		return err
	}

	leaf, err := t.fetchWriterAt(owner, leafAddr, key, timeout)
	if err != nil {
		return err
	}

	pos := leaf.page.FindKey(key)

	// If key already existed with a long-record value being replaced,
	// free the old chain once the new value is safely written.
	var staleDescriptor []byte
	if pos.Kind == page.PosExact {
		if tag, payload := untagValue(leaf.page.Value(pos.Index)); tag == tagLongRecord {
			staleDescriptor = append([]byte(nil), payload...)
		}
	}

	res := leaf.page.PutValue(key, taggedValue, pos, true)
	if res.OK {
		if err := t.markDirty(leaf); err != nil {
			t.release(leaf, true)
			return err
		}
		t.release(leaf, true)
		if staleDescriptor != nil {
			return t.freeLongRecord(staleDescriptor)
		}
		return nil
	}

	// Leaf is full: split it and promote the separator.
	rightAddr, err := t.alloc.AllocatePage()
	if err != nil {
		t.release(leaf, true)
		return err
	}
	right, err := t.fetch(owner, rightAddr, true, timeout)
	if err != nil {
		t.release(leaf, true)
		return err
	}
	split := page.Split(leaf.page, right.page, key, taggedValue, pos, page.SplitNone)
	leaf.sync()
	right.sync()

	if err := t.markDirty(leaf); err != nil {
		t.release(leaf, true)
		t.release(right, true)
		return err
	}
	if err := t.markDirty(right); err != nil {
		t.release(leaf, true)
		t.release(right, true)
		return err
	}
	t.release(leaf, true)
	t.release(right, true)

	err = t.promote(owner, path, split.Key, rightAddr, oldRootAddr, timeout)
	if err != nil {
		return err
	}
	if staleDescriptor != nil {
		return t.freeLongRecord(staleDescriptor)
	}
	return nil
}

// promote inserts (splitKey -> rightAddr) into the parent named by the
// last element of path, splitting further index pages up the path as
// necessary, and finally allocating a new root if the path is
// exhausted and the former root itself split.
func (t *Tree) promote(owner int64, path []uint64, splitKey []byte, rightAddr uint64, oldRootAddr uint64, timeout time.Duration) error {
	for len(path) > 0 {
		parentAddr := path[len(path)-1]
		path = path[:len(path)-1]

		parent, err := t.fetchWriterAt(owner, parentAddr, splitKey, timeout)
		if err != nil {
			return err
		}
		pos := parent.page.FindKey(splitKey)
		childValue := encodeChildAddr(rightAddr)
		res := parent.page.PutValue(splitKey, childValue, pos, false)
		if res.OK {
			err := t.markDirty(parent)
			t.release(parent, true)
			return err
		}

		newRightAddr, err := t.alloc.AllocatePage()
		if err != nil {
			t.release(parent, true)
			return err
		}
		newRight, err := t.fetch(owner, newRightAddr, true, timeout)
		if err != nil {
			t.release(parent, true)
			return err
		}
		split := page.Split(parent.page, newRight.page, splitKey, childValue, pos, page.SplitNone)
		parent.sync()
		newRight.sync()

		if err := t.markDirty(parent); err != nil {
			t.release(parent, true)
			t.release(newRight, true)
			return err
		}
		if err := t.markDirty(newRight); err != nil {
			t.release(parent, true)
			t.release(newRight, true)
			return err
		}
		t.release(parent, true)
		t.release(newRight, true)

		splitKey = split.Key
		rightAddr = newRightAddr
	}

	// Path exhausted: the root itself split and needs a new parent.
	return t.growRoot(owner, oldRootAddr, splitKey, rightAddr, timeout)
}

// growRoot allocates a new index root with two children: the former
// root (now the left half of its split) under the guard key, and the
// freshly split-off right page under splitKey.
func (t *Tree) growRoot(owner int64, oldRootAddr uint64, splitKey []byte, rightAddr uint64, timeout time.Duration) error {
	newRootAddr, err := t.alloc.AllocatePage()
	if err != nil {
		return err
	}
	fr, err := t.fetch(owner, newRootAddr, true, timeout)
	if err != nil {
		return err
	}
	*fr.page = *page.New(t.pageSize, page.TypeIndex, newRootAddr)
	fr.sync()

	fr.page.PutValue(page.LeftGuardKey, encodeChildAddr(oldRootAddr), page.Position{Index: 0, Kind: page.PosAfterRight}, false)
	fr.page.PutValue(splitKey, encodeChildAddr(rightAddr), page.Position{Index: 1, Kind: page.PosAfterRight}, false)
	fr.sync()

	if err := t.markDirty(fr); err != nil {
		t.release(fr, true)
		return err
	}
	t.release(fr, true)
	t.setRootAddr(newRootAddr)
	return nil
}
