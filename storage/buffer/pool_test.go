package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blinklayer/blinkstore/storage/journal"
)

type fakeVolume struct {
	pages map[uint64][]byte
}

func newFakeVolume() *fakeVolume { return &fakeVolume{pages: make(map[uint64][]byte)} }

func (v *fakeVolume) ReadPage(addr uint64, buf []byte) error {
	if data, ok := v.pages[addr]; ok {
		copy(buf, data)
	}
	return nil
}

func (v *fakeVolume) WritePage(addr uint64, buf []byte) error {
	v.pages[addr] = append([]byte(nil), buf...)
	return nil
}

type fakeJournal struct {
	appended []Key
}

func (j *fakeJournal) AppendPA(volumeID, pageAddr uint64, data []byte, timestamp uint64) (journal.Address, error) {
	j.appended = append(j.appended, Key{VolumeID: volumeID, PageAddr: pageAddr})
	return journal.MakeAddress(0, uint32(len(j.appended))), nil
}

func TestPoolGetMissLoadsFromVolume(t *testing.T) {
	vol := newFakeVolume()
	vol.pages[5] = []byte("existing page content.....")
	pool := New(4, 32, func(uint64) (PageIO, bool) { return vol, true }, nil)

	f, err := pool.Get(Key{VolumeID: 1, PageAddr: 5}, 100, false, true, time.Second)
	require.NoError(t, err)
	require.True(t, f.Valid())
	f.ReleaseReader(100)
}

func TestPoolGetHitReusesFrame(t *testing.T) {
	pool := New(2, 32, nil, nil)
	f1, err := pool.Get(Key{VolumeID: 1, PageAddr: 1}, 1, true, false, time.Second)
	require.NoError(t, err)
	f1.ReleaseWriter(1)

	f2, err := pool.Get(Key{VolumeID: 1, PageAddr: 1}, 2, false, false, time.Second)
	require.NoError(t, err)
	require.Same(t, f1, f2)
	f2.ReleaseReader(2)

	hits, misses := pool.Stats()
	require.Equal(t, uint64(1), hits)
	require.Equal(t, uint64(1), misses)
}

func TestPoolEvictionJournalsDirtyVictim(t *testing.T) {
	jw := &fakeJournal{}
	pool := New(1, 32, nil, jw)

	f, err := pool.Get(Key{VolumeID: 1, PageAddr: 1}, 1, true, false, time.Second)
	require.NoError(t, err)
	require.NoError(t, pool.MarkDirty(f, 10))
	f.ReleaseWriter(1)

	f2, err := pool.Get(Key{VolumeID: 1, PageAddr: 2}, 2, true, false, time.Second)
	require.NoError(t, err)
	f2.ReleaseWriter(2)

	require.Len(t, jw.appended, 1)
	require.Equal(t, Key{VolumeID: 1, PageAddr: 1}, jw.appended[0])
}

func TestPoolExhaustedWhenAllFramesPinned(t *testing.T) {
	pool := New(1, 32, nil, nil)
	f, err := pool.Get(Key{VolumeID: 1, PageAddr: 1}, 1, true, false, time.Second)
	require.NoError(t, err)
	pool.Pin(f)

	_, err = pool.Get(Key{VolumeID: 1, PageAddr: 2}, 2, true, false, time.Second)
	require.Error(t, err)
}

func TestClaimReaderWriterMutualExclusion(t *testing.T) {
	pool := New(1, 32, nil, nil)
	f, err := pool.Get(Key{VolumeID: 1, PageAddr: 1}, 1, false, false, time.Second)
	require.NoError(t, err)

	ok := f.AcquireWriter(2, 50*time.Millisecond)
	require.False(t, ok)

	f.ReleaseReader(1)
	ok = f.AcquireWriter(2, 50*time.Millisecond)
	require.True(t, ok)
	f.ReleaseWriter(2)
}

func TestClaimReentrantForSameOwner(t *testing.T) {
	pool := New(1, 32, nil, nil)
	f, err := pool.Get(Key{VolumeID: 1, PageAddr: 1}, 1, true, false, time.Second)
	require.NoError(t, err)

	ok := f.AcquireWriter(1, 50*time.Millisecond)
	require.True(t, ok)
	ok = f.AcquireReader(1, 50*time.Millisecond)
	require.True(t, ok)

	f.ReleaseReader(1)
	f.ReleaseWriter(1)
	f.ReleaseWriter(1)
}
