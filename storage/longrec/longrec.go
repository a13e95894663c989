// Package longrec implements the overflow-value chain protocol for
// values too large to fit inline in a B-link leaf: pre-allocated,
// back-to-front written, forward-read singly linked page chains.
//
// Grounded on the teacher's extent/page allocation style
// (zhukovaskychina-xmysql-server server/innodb/manager
// extent_manager.go) generalized from InnoDB's BLOB-page chain to
// spec.md §4.6's descriptor/chain layout, and on the garbage-chain
// reuse idiom of the same manager package (free-list head/tail
// pointers) adapted to a per-volume garbage chain here.
package longrec

import (
	"encoding/binary"

	"github.com/blinklayer/blinkstore/xerrors"
)

// MaxChainPages bounds a chain's length; exceeding it is corruption
// (spec.md §4.6).
const MaxChainPages = 5000

// DescriptorSize is the fixed size of a long-record descriptor stored
// in place of an inline value (spec.md §3: "a fixed 26-byte record"):
// an 8-byte total size, a 10-byte prefix, and an 8-byte head page.
const DescriptorSize = 26

const prefixLen = 10

// Descriptor is the in-leaf placeholder for an overflow value.
type Descriptor struct {
	TotalSize uint64
	Prefix    [prefixLen]byte
	HeadPage  uint64
}

// EncodeDescriptor serializes a descriptor to its fixed 26-byte form.
func EncodeDescriptor(d Descriptor) []byte {
	buf := make([]byte, DescriptorSize)
	binary.BigEndian.PutUint64(buf[0:], d.TotalSize)
	copy(buf[8:8+prefixLen], d.Prefix[:])
	binary.BigEndian.PutUint64(buf[8+prefixLen:], d.HeadPage)
	return buf
}

// DecodeDescriptor parses a 26-byte descriptor.
func DecodeDescriptor(buf []byte) (Descriptor, error) {
	if len(buf) != DescriptorSize {
		return Descriptor{}, xerrors.Corrupt("long-record descriptor has wrong length %d", len(buf))
	}
	var d Descriptor
	d.TotalSize = binary.BigEndian.Uint64(buf[0:])
	copy(d.Prefix[:], buf[8:8+prefixLen])
	d.HeadPage = binary.BigEndian.Uint64(buf[8+prefixLen:])
	return d, nil
}

// chainHeaderSize is {next:u64} prefixing each chain page's payload.
const chainHeaderSize = 8

// PageAllocator hands out page numbers, from the garbage chain first
// then the volume tail, matching the general allocator contract used
// by the B-link tree (spec.md §3's lifecycle summary).
type PageAllocator interface {
	AllocatePage() (uint64, error)
}

// PageWriter writes a raw page image at addr within the current
// volume. The B-link tree's implementation writes chain pages straight
// to the volume file; they are not journaled, so the journal holds no
// record of a chain page ahead of the leaf that points at it.
type PageWriter interface {
	WritePage(addr uint64, typ byte, payload []byte, next uint64) error
}

// GarbageChain returns freed chain pages to a volume's reclaim list.
type GarbageChain interface {
	Push(pages []uint64) error
}

// Write allocates and fills a chain holding value, returning the
// descriptor to store inline. Pages are filled back-to-front: the
// tail page is written first, the head page last, so a reader walking
// forward from HeadPage never observes a partially-written successor.
func Write(alloc PageAllocator, pw PageWriter, payloadPerPage int, value []byte) (Descriptor, error) {
	if payloadPerPage <= chainHeaderSize {
		return Descriptor{}, xerrors.Invalid("page too small to hold a long-record chain header")
	}
	capacity := payloadPerPage - chainHeaderSize
	pageCount := (len(value) + capacity - 1) / capacity
	if pageCount == 0 {
		pageCount = 1
	}
	if pageCount > MaxChainPages {
		return Descriptor{}, xerrors.Invalid("value requires %d pages, exceeds max chain length %d", pageCount, MaxChainPages)
	}

	addrs := make([]uint64, pageCount)
	for i := range addrs {
		addr, err := alloc.AllocatePage()
		if err != nil {
			return Descriptor{}, err
		}
		addrs[i] = addr
	}

	var next uint64
	var hasNext bool
	for i := pageCount - 1; i >= 0; i-- {
		start := i * capacity
		end := start + capacity
		if end > len(value) {
			end = len(value)
		}
		segment := value[start:end]
		var nextAddr uint64
		if hasNext {
			nextAddr = next
		} else {
			nextAddr = 0 // sentinel: no successor
		}
		if err := pw.WritePage(addrs[i], byte(typeLongRecord), segment, nextAddr); err != nil {
			return Descriptor{}, err
		}
		next = addrs[i]
		hasNext = true
	}

	var prefix [prefixLen]byte
	copy(prefix[:], value)

	return Descriptor{
		TotalSize: uint64(len(value)),
		Prefix:    prefix,
		HeadPage:  addrs[0],
	}, nil
}

// typeLongRecord mirrors page.TypeLongRecord's wire value without an
// import, since the page type tag is a single byte the caller writes
// into the page header alongside payload and next-pointer.
const typeLongRecord = 3

// PageReader reads a chain page's payload and next pointer back out.
type PageReader interface {
	ReadPage(addr uint64) (payload []byte, next uint64, err error)
}

// Read walks the chain starting at d.HeadPage and reassembles the
// full value. Reports corruption if the walk exceeds MaxChainPages
// without reaching TotalSize bytes, or if the chain ends before
// TotalSize bytes. A page's declared type is not checked.
func Read(pr PageReader, d Descriptor) ([]byte, error) {
	out := make([]byte, 0, d.TotalSize)
	addr := d.HeadPage
	for pages := 0; uint64(len(out)) < d.TotalSize; pages++ {
		if pages >= MaxChainPages {
			return nil, xerrors.Corrupt("long-record chain exceeds max length %d", MaxChainPages)
		}
		payload, next, err := pr.ReadPage(addr)
		if err != nil {
			return nil, err
		}
		remaining := d.TotalSize - uint64(len(out))
		if uint64(len(payload)) > remaining {
			payload = payload[:remaining]
		}
		out = append(out, payload...)
		if uint64(len(out)) >= d.TotalSize {
			break
		}
		if next == 0 {
			return nil, xerrors.Corrupt("long-record chain truncated before reaching declared size")
		}
		addr = next
	}
	return out, nil
}

// Free returns every page address in a descriptor's chain to the
// garbage chain, walking forward from HeadPage. Used when the tree
// removes or replaces a value stored as a long record.
func Free(pr PageReader, gc GarbageChain, d Descriptor) error {
	var pages []uint64
	addr := d.HeadPage
	for i := 0; i < MaxChainPages; i++ {
		pages = append(pages, addr)
		_, next, err := pr.ReadPage(addr)
		if err != nil {
			return err
		}
		if next == 0 {
			break
		}
		addr = next
	}
	return gc.Push(pages)
}
