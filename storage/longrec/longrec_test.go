package longrec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blinklayer/blinkstore/xerrors"
)

type memAllocator struct{ next uint64 }

func (a *memAllocator) AllocatePage() (uint64, error) {
	a.next++
	return a.next, nil
}

type memPages struct {
	pages map[uint64]struct {
		payload []byte
		next    uint64
	}
}

func newMemPages() *memPages {
	return &memPages{pages: make(map[uint64]struct {
		payload []byte
		next    uint64
	})}
}

func (m *memPages) WritePage(addr uint64, typ byte, payload []byte, next uint64) error {
	m.pages[addr] = struct {
		payload []byte
		next    uint64
	}{append([]byte(nil), payload...), next}
	return nil
}

func (m *memPages) ReadPage(addr uint64) ([]byte, uint64, error) {
	p, ok := m.pages[addr]
	if !ok {
		return nil, 0, xerrors.Corrupt("no such page %d", addr)
	}
	return p.payload, p.next, nil
}

type memGarbage struct{ pushed []uint64 }

func (g *memGarbage) Push(pages []uint64) error {
	g.pushed = append(g.pushed, pages...)
	return nil
}

func TestWriteReadRoundTrip(t *testing.T) {
	alloc := &memAllocator{}
	pages := newMemPages()

	value := make([]byte, 1<<20)
	for i := range value {
		value[i] = byte(i % 251)
	}

	d, err := Write(alloc, pages, 4096, value)
	require.NoError(t, err)

	got, err := Read(pages, d)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestWriteRejectsChainTooLong(t *testing.T) {
	alloc := &memAllocator{}
	pages := newMemPages()

	value := make([]byte, (4096-8)*(MaxChainPages+1))
	_, err := Write(alloc, pages, 4096, value)
	require.Error(t, err)
	require.True(t, xerrors.Is(err, xerrors.KindValidation))
}

func TestFreeWalksChainToGarbage(t *testing.T) {
	alloc := &memAllocator{}
	pages := newMemPages()
	value := make([]byte, 4096*3)
	d, err := Write(alloc, pages, 4096, value)
	require.NoError(t, err)

	gc := &memGarbage{}
	require.NoError(t, Free(pages, gc, d))
	// 12288 bytes at 4088 bytes per page (4096 less the chain header) take 4 pages.
	require.Len(t, gc.pushed, 4)
}

func TestDescriptorRoundTrip(t *testing.T) {
	d := Descriptor{TotalSize: 12345, HeadPage: 77}
	copy(d.Prefix[:], []byte("abcdefghij"))
	buf := EncodeDescriptor(d)
	require.Len(t, buf, DescriptorSize)

	got, err := DecodeDescriptor(buf)
	require.NoError(t, err)
	require.Equal(t, d, got)
}
