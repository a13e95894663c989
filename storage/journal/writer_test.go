package journal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memVolume struct {
	mu    sync.Mutex
	pages map[uint64][]byte
}

func newMemVolume() *memVolume { return &memVolume{pages: make(map[uint64][]byte)} }

func (m *memVolume) WritePage(addr uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), buf...)
	m.pages[addr] = cp
	return nil
}

func (m *memVolume) get(addr uint64) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.pages[addr]
	return b, ok
}

func openTestWriter(t *testing.T, source PageSource) *Writer {
	w, err := Open(Options{
		Dir:        t.TempDir(),
		Prefix:     "jnl",
		BlockSize:  MinBlockSize,
		PageSource: source,
	}, 1, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestAppendPARecordsPageMap(t *testing.T) {
	w := openTestWriter(t, nil)
	data := []byte("hello page")
	addr, err := w.AppendPA(1, 42, data, 100)
	require.NoError(t, err)

	head, ok := w.PageMap.Head(PageKey{VolumeID: 1, PageAddr: 42})
	require.True(t, ok)
	require.Equal(t, addr, head)

	img, err := readPageImage(w, addr)
	require.NoError(t, err)
	require.Equal(t, data, img.Data)
	require.Equal(t, uint64(1), img.VolumeID)
	require.Equal(t, uint64(42), img.PageAddr)
}

func TestAppendTXRecordsTransactionMap(t *testing.T) {
	w := openTestWriter(t, nil)
	w.TxMap.Begin(10, w.CurrentAddress())

	inner := EncodeInner(InnerRecord{Type: InnerSR, TreeID: 1, Key: []byte("k"), Value: []byte("v")})
	addr, err := w.AppendTX(10, 20, 0, [][]byte{inner})
	require.NoError(t, err)

	entry, ok := w.TxMap.Get(10)
	require.True(t, ok)
	require.Equal(t, uint64(20), entry.CommitTS)
	require.Equal(t, addr, entry.LastRecAddr)

	typ, body, ts, err := ReadFrame(w, addr)
	require.NoError(t, err)
	require.Equal(t, RecTX, typ)
	require.Equal(t, uint64(20), ts)
	backchain, startTS, innerStart := DecodeTXHeader(body)
	require.Equal(t, Address(0), backchain)
	require.Equal(t, uint64(10), startTS)
	decoded, _ := DecodeInner(body[innerStart:])
	require.Equal(t, []byte("k"), decoded.Key)
	require.Equal(t, []byte("v"), decoded.Value)
}

func TestRolloverStartsNewGenerationOnOverflow(t *testing.T) {
	w := openTestWriter(t, nil)
	big := make([]byte, MinBlockSize/2)
	_, err := w.AppendPA(1, 1, big, 1)
	require.NoError(t, err)
	genBefore := w.generation

	_, err = w.AppendPA(1, 2, big, 2)
	require.NoError(t, err)
	require.Greater(t, w.generation, genBefore)
}

func TestCopierDrainProjectsPageHome(t *testing.T) {
	vol := newMemVolume()
	source := func(volumeID uint64) (VolumeReadWriter, bool) {
		if volumeID != 7 {
			return nil, false
		}
		return vol, true
	}
	w := openTestWriter(t, source)
	data := []byte("projected")
	_, err := w.AppendPA(7, 99, data, 5)
	require.NoError(t, err)

	w.Copier().Drain(10)

	got, ok := vol.get(99)
	require.True(t, ok)
	require.Equal(t, data, got)

	_, stillTracked := w.PageMap.Head(PageKey{VolumeID: 7, PageAddr: 99})
	require.False(t, stillTracked)
}

func TestCheckpointForcesAndRecordsTimestamp(t *testing.T) {
	w := openTestWriter(t, nil)
	_, err := w.Checkpoint(123)
	require.NoError(t, err)
	require.Equal(t, uint64(123), w.checkpointTS)
}

func TestPageMapSnapshotRoundTrip(t *testing.T) {
	pm := NewPageMap()
	pm.Record(PageKey{VolumeID: 1, PageAddr: 2}, 5, MakeAddress(0, 10))
	snap := pm.Snapshot()
	encoded := encodePMSnapshot(snap)
	decoded := decodePMSnapshot(encoded)
	require.Equal(t, snap, decoded)
}

func TestTransactionMapSnapshotRoundTrip(t *testing.T) {
	tm := NewTransactionMap()
	tm.Begin(1, MakeAddress(0, 0))
	tm.Commit(1, 2, MakeAddress(0, 50))
	snap := tm.Snapshot()
	encoded := encodeTMSnapshot(snap)
	decoded := decodeTMSnapshot(encoded)
	require.Equal(t, snap, decoded)
}
