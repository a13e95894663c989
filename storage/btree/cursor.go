package btree

import (
	"time"

	"github.com/blinklayer/blinkstore/storage/page"
)

// Cursor iterates keys in one direction from a seek point (spec.md
// §4.5's traverse protocol). It holds no frame claim between calls,
// the same discipline search/insert use: a page is claimed, read, and
// released within a single Next call.
//
// Backward iteration (LT/LTEQ) is confined to the leaf it started on:
// this page layout links only to the right sibling, so there is no
// way to cross to a predecessor page without re-descending from the
// root for a new boundary key. A caller that needs to walk backward
// across a leaf boundary must re-seek with the last key returned.
// This is a documented simplification relative to a doubly-linked
// layout (see DESIGN.md).
type Cursor struct {
	t       *Tree
	owner   int64
	timeout time.Duration

	dir     page.Direction
	seekKey []byte

	addr      uint64
	pos       page.Position
	freshPage bool
	seeked    bool
	oneShot   bool
	done      bool
}

// Seek positions a cursor at key without materializing an entry yet;
// the first Next call performs the initial search.
func (t *Tree) Seek(owner int64, key []byte, dir page.Direction, timeout time.Duration) (*Cursor, error) {
	t.claim.RLock()
	leafAddr, _, err := t.descend(owner, key, timeout)
	t.claim.RUnlock()
	if err != nil {
		return nil, err
	}
	return &Cursor{
		t:       t,
		owner:   owner,
		timeout: timeout,
		dir:     dir,
		seekKey: append([]byte(nil), key...),
		addr:    leafAddr,
		oneShot: dir == page.EQ,
	}, nil
}

// Next returns the next key/value pair, resolving long-record
// descriptors transparently, or ok=false once the traversal is
// exhausted.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	if c.done {
		return nil, nil, false, nil
	}
	c.t.claim.RLock()
	defer c.t.claim.RUnlock()

	for {
		fr, err := c.t.fetch(c.owner, c.addr, false, c.timeout)
		if err != nil {
			return nil, nil, false, err
		}

		dir := c.dir
		pos := c.pos
		if !c.seeked {
			pos = fr.page.FindKey(c.seekKey)
		} else if c.freshPage {
			dir = page.GT
			pos = page.Position{Index: 0, Kind: page.PosBeforeLeft}
		} else {
			dir = stepDirection(c.dir)
		}

		idx := page.Traverse(fr.page, c.seekKey, dir, pos)
		if idx == page.AfterRightEdge {
			right := fr.page.Right()
			c.t.release(fr, false)
			c.seeked = true
			if dir == page.LT || dir == page.LTEQ || dir == page.EQ || right == 0 {
				c.done = true
				return nil, nil, false, nil
			}
			c.addr = right
			c.freshPage = true
			continue
		}

		k := fr.page.Key(idx)
		rawValue := fr.page.Value(idx)
		c.t.release(fr, false)

		c.seeked = true
		c.freshPage = false
		c.pos = page.Position{Index: idx, Kind: page.PosExact}
		if c.oneShot {
			c.done = true
		}

		tag, payload := untagValue(rawValue)
		if tag == tagLongRecord {
			value, err = c.t.readLongRecord(payload)
			if err != nil {
				return nil, nil, false, err
			}
		} else {
			value = payload
		}
		return k, value, true, nil
	}
}

// stepDirection returns the direction used for every call after the
// first: GTEQ/EQ degrade to GT, LTEQ degrades to LT, since the seek
// key itself has already been yielded (or skipped) by then.
func stepDirection(dir page.Direction) page.Direction {
	switch dir {
	case page.GTEQ, page.EQ:
		return page.GT
	case page.LTEQ:
		return page.LT
	default:
		return dir
	}
}
