package btree

import (
	"github.com/blinklayer/blinkstore/storage/page"
)

// GarbageChain is the per-volume linked list of pages freed by join
// operations and long-record removal but not yet physically reclaimed
// (spec.md §3's lifecycle summary, §5's garbage-chain note). It reuses
// a page's right-sibling field as its free-list "next" pointer and is
// written directly through the volume, bypassing the buffer pool, the
// same way the volume head page bypasses it.
type GarbageChain struct {
	vol PageVolume
}

func NewGarbageChain(vol PageVolume) *GarbageChain { return &GarbageChain{vol: vol} }

// Push links pages (a chain of one or more pages already linked
// start-to-end internally if len>1, as longrec.Free assembles them)
// onto the head of the garbage chain.
func (g *GarbageChain) Push(pages []uint64) error {
	if len(pages) == 0 {
		return nil
	}
	head := g.vol.GarbageRoot()
	for i, addr := range pages {
		var next uint64
		if i+1 < len(pages) {
			next = pages[i+1]
		} else {
			next = head
		}
		p := page.New(g.vol.PageSize(), page.TypeGarbage, addr)
		p.SetRight(next)
		if err := g.vol.WritePage(addr, p.Buf); err != nil {
			return err
		}
	}
	return g.vol.SetGarbageRoot(pages[0])
}

// Pop removes and returns the head of the garbage chain, or ok=false
// if it is empty.
func (g *GarbageChain) Pop() (addr uint64, ok bool, err error) {
	head := g.vol.GarbageRoot()
	if head == 0 {
		return 0, false, nil
	}
	buf := make([]byte, g.vol.PageSize())
	if err := g.vol.ReadPage(head, buf); err != nil {
		return 0, false, err
	}
	p := &page.Page{Buf: buf}
	if err := g.vol.SetGarbageRoot(p.Right()); err != nil {
		return 0, false, err
	}
	return head, true, nil
}

// Allocator hands out page numbers, preferring the garbage chain over
// extending the volume.
type Allocator struct {
	vol     PageVolume
	garbage *GarbageChain
}

func NewAllocator(vol PageVolume, garbage *GarbageChain) *Allocator {
	return &Allocator{vol: vol, garbage: garbage}
}

func (a *Allocator) AllocatePage() (uint64, error) {
	if addr, ok, err := a.garbage.Pop(); err != nil {
		return 0, err
	} else if ok {
		return addr, nil
	}
	return a.vol.AllocatePage()
}

// longRecWriter adapts PageVolume to longrec.PageWriter.
type longRecWriter struct{ vol PageVolume }

func (w longRecWriter) WritePage(addr uint64, typ byte, payload []byte, next uint64) error {
	buf := make([]byte, w.vol.PageSize())
	p := page.New(len(buf), page.Type(typ), addr)
	p.SetRight(next)
	copy(buf[page.HeaderSize:], payload)
	return w.vol.WritePage(addr, buf)
}

// longRecReader adapts PageVolume to longrec.PageReader.
type longRecReader struct{ vol PageVolume }

func (r longRecReader) ReadPage(addr uint64) ([]byte, uint64, error) {
	buf := make([]byte, r.vol.PageSize())
	if err := r.vol.ReadPage(addr, buf); err != nil {
		return nil, 0, err
	}
	p := &page.Page{Buf: buf}
	payload := make([]byte, len(buf)-page.HeaderSize)
	copy(payload, buf[page.HeaderSize:])
	return payload, p.Right(), nil
}
