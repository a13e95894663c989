// Package btree implements the B-link tree described in spec.md §4.5:
// right-linked pages searched top-down with bounded right-walks,
// split/promote on insert, and a two-speed remove-range that takes a
// fast path when both endpoints share a leaf.
//
// Grounded on the descent/split/delete shape of
// other_examples/55fb7989_hmarui66-blink-tree-go__bltree.go.go
// (FindKey/InsertKey/DeletePage, right-sibling walk on a stale high
// key) adapted from that file's fixed-slot page format to the
// ebc/db-compressed storage/page codec built for this spec, and from
// the teacher's buffer pool for frame claims instead of bltree.go's
// latch table.
package btree

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklayer/blinkstore/storage/buffer"
	"github.com/blinklayer/blinkstore/storage/longrec"
	"github.com/blinklayer/blinkstore/storage/page"
	"github.com/blinklayer/blinkstore/xerrors"
)

// MaxWalkRight bounds right-sibling walking during search before the
// caller must retry from the parent (spec.md §4.5).
const MaxWalkRight = 50

// InlineValueCeiling is the largest value stored inline in a leaf
// keyblock; anything larger becomes a long-record descriptor.
const InlineValueCeiling = 512

const chainHeaderSize = 8

// Tree is one named B-link tree within a volume: a root page address,
// a tree-level claim, and the shared buffer pool / allocator / long
// record plumbing it drives pages through.
type Tree struct {
	ID       uint32
	pageSize int

	claim sync.RWMutex // tree claim: Lock for every Put, RLock for Get/Seek/Delete/RemoveRange

	pool    *buffer.Pool
	volume  PageVolume
	alloc   *Allocator
	garbage *GarbageChain

	rootAddr uint64 // atomic

	clock uint64 // atomic monotonic logical timestamp for journaling/dirty-marking
}

// PageVolume is the subset of *volume.Volume the tree needs directly
// (outside the buffer pool): allocating and reading/writing pages
// that bypass the cache, namely long-record and garbage-chain pages.
type PageVolume interface {
	PageSize() int
	AllocatePage() (uint64, error)
	ReadPage(addr uint64, buf []byte) error
	WritePage(addr uint64, buf []byte) error
	GarbageRoot() uint64
	SetGarbageRoot(uint64) error
}

// Open wraps an existing root page as a Tree.
func Open(id uint32, rootAddr uint64, vol PageVolume, pool *buffer.Pool) *Tree {
	t := &Tree{
		ID:       id,
		pageSize: vol.PageSize(),
		pool:     pool,
		volume:   vol,
		rootAddr: rootAddr,
	}
	t.garbage = NewGarbageChain(vol)
	t.alloc = NewAllocator(vol, t.garbage)
	return t
}

// Create allocates a fresh empty leaf page and returns a Tree rooted
// on it.
func Create(id uint32, vol PageVolume, pool *buffer.Pool) (*Tree, error) {
	addr, err := vol.AllocatePage()
	if err != nil {
		return nil, err
	}
	leaf := page.New(vol.PageSize(), page.TypeDataLeaf, addr)
	if err := vol.WritePage(addr, leaf.Buf); err != nil {
		return nil, err
	}
	return Open(id, addr, vol, pool), nil
}

func (t *Tree) RootAddr() uint64 { return atomic.LoadUint64(&t.rootAddr) }

func (t *Tree) setRootAddr(addr uint64) { atomic.StoreUint64(&t.rootAddr, addr) }

func (t *Tree) tick() uint64 { return atomic.AddUint64(&t.clock, 1) }

// longPayloadPerPage is the payloadPerPage argument longrec.Write/Read
// need so that, once longrec subtracts its own bookkeeping allowance,
// the remaining capacity matches exactly what a page buffer can hold
// after the page-codec header.
func (t *Tree) longPayloadPerPage() int {
	return t.pageSize - page.HeaderSize + chainHeaderSize
}

// frame wraps a claimed buffer frame together with the page.Page view
// over its bytes, and the owner token used to release it.
type frame struct {
	f     *buffer.Frame
	page  *page.Page
	owner int64
}

func (t *Tree) key(addr uint64) buffer.Key { return buffer.Key{VolumeID: uint64(t.ID), PageAddr: addr} }

// fetch claims the frame for addr, loading it from the volume on a
// miss, and wraps it as a page.Page.
func (t *Tree) fetch(owner int64, addr uint64, exclusive bool, timeout time.Duration) (*frame, error) {
	f, err := t.pool.Get(t.key(addr), owner, exclusive, true, timeout)
	if err != nil {
		return nil, err
	}
	return &frame{f: f, page: &page.Page{Buf: f.Buf}, owner: owner}, nil
}

func (t *Tree) release(fr *frame, exclusive bool) {
	if exclusive {
		fr.f.ReleaseWriter(fr.owner)
	} else {
		fr.f.ReleaseReader(fr.owner)
	}
}

// sync copies fr's decoded page view back into the frame's backing
// buffer. page.Split and page.Join both reallocate the Page's Buf
// field (they rebuild pages from scratch via page.New), so a frame
// whose page was passed through either must be synced back before the
// frame is marked dirty and released, or the buffer pool would flush
// the pre-split bytes.
func (fr *frame) sync() {
	copy(fr.f.Buf, fr.page.Buf)
}

// fetchWriterAt claims addr for write and, if its high key has been
// exceeded by a split not yet reflected in the caller's chosen address
// (another writer got there first), walks right under write claims
// until it finds the page that should hold key.
func (t *Tree) fetchWriterAt(owner int64, addr uint64, key []byte, timeout time.Duration) (*frame, error) {
	fr, err := t.fetch(owner, addr, true, timeout)
	if err != nil {
		return nil, err
	}
	for i := 0; i < MaxWalkRight; i++ {
		pos := fr.page.FindKey(key)
		if pos.Kind == page.PosAfterRight && fr.page.Right() != 0 {
			rightAddr := fr.page.Right()
			t.release(fr, true)
			fr, err = t.fetch(owner, rightAddr, true, timeout)
			if err != nil {
				return nil, err
			}
			continue
		}
		return fr, nil
	}
	t.release(fr, true)
	return nil, xerrors.Corrupt("right-walk exceeded %d steps searching for key", MaxWalkRight)
}

// markDirty records a structural mutation against fr's frame and
// arranges for it to be journaled, honoring the checkpoint boundary.
func (t *Tree) markDirty(fr *frame) error {
	return t.pool.MarkDirty(fr.f, t.tick())
}

// writeLongRecord allocates a long-record chain for value and writes
// its pages directly to the volume (not through the journal),
// returning the descriptor bytes to store inline in the leaf.
func (t *Tree) writeLongRecord(value []byte) ([]byte, error) {
	d, err := longrec.Write(t.alloc, longRecWriter{t.volume}, t.longPayloadPerPage(), value)
	if err != nil {
		return nil, err
	}
	return longrec.EncodeDescriptor(d), nil
}

func (t *Tree) readLongRecord(descriptor []byte) ([]byte, error) {
	d, err := longrec.DecodeDescriptor(descriptor)
	if err != nil {
		return nil, err
	}
	return longrec.Read(longRecReader{t.volume}, d)
}

func (t *Tree) freeLongRecord(descriptor []byte) error {
	d, err := longrec.DecodeDescriptor(descriptor)
	if err != nil {
		return err
	}
	return longrec.Free(longRecReader{t.volume}, t.garbage, d)
}

// Every stored value carries a one-byte tag ahead of its payload,
// added by tagValue and stripped by untagValue, that says whether the
// payload is an inline value or a long-record descriptor: 0 = inline,
// 1 = descriptor. The payload's length plays no part in the decision.
const (
	tagInline     = 0
	tagLongRecord = 1
)

func tagValue(tag byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = tag
	copy(out[1:], payload)
	return out
}

func untagValue(v []byte) (byte, []byte) {
	if len(v) == 0 {
		return tagInline, v
	}
	return v[0], v[1:]
}

// errRetry is the shared retry signal. No operation in this package
// returns it or restarts on it: Put takes the exclusive tree claim up
// front, so no claim upgrade is ever requested.
var errRetry = xerrors.Retry()
