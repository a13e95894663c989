package volume

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blinklayer/blinkstore/xerrors"
)

func tempOpts(t *testing.T) Options {
	dir := t.TempDir()
	return Options{
		Path:         filepath.Join(dir, "test.vol"),
		PageSize:     4096,
		InitialPages: 4,
		ExtentPages:  4,
		MaxPages:     100,
	}
}

func TestOpenCreatesAndReopens(t *testing.T) {
	opts := tempOpts(t)

	v, err := Open(opts)
	require.NoError(t, err)
	id := v.ID()
	require.NoError(t, v.Close())

	v2, err := Open(opts)
	require.NoError(t, err)
	defer v2.Close()
	require.Equal(t, id, v2.ID())
}

func TestAllocatePageExtends(t *testing.T) {
	opts := tempOpts(t)
	v, err := Open(opts)
	require.NoError(t, err)
	defer v.Close()

	before := v.ExtendedPageCount()
	var last uint64
	for i := 0; i < 10; i++ {
		addr, err := v.AllocatePage()
		require.NoError(t, err)
		last = addr
	}
	require.True(t, v.ExtendedPageCount() >= before)
	require.Equal(t, v.NextAvailablePage(), last+1)
}

func TestAllocatePageFullSurfacesResourceExhaustion(t *testing.T) {
	opts := tempOpts(t)
	opts.MaxPages = 3
	v, err := Open(opts)
	require.NoError(t, err)
	defer v.Close()

	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = v.AllocatePage()
		if lastErr != nil {
			break
		}
	}
	require.Error(t, lastErr)
	require.True(t, xerrors.Is(lastErr, xerrors.KindResourceExhaustion))
}

func TestReadWritePageRoundTrip(t *testing.T) {
	opts := tempOpts(t)
	v, err := Open(opts)
	require.NoError(t, err)
	defer v.Close()

	addr, err := v.AllocatePage()
	require.NoError(t, err)

	buf := make([]byte, opts.PageSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	require.NoError(t, v.WritePage(addr, buf))

	got := make([]byte, opts.PageSize)
	require.NoError(t, v.ReadPage(addr, got))
	require.Equal(t, buf, got)
}

func TestHeadSnapshotReflectsPersistedIdentity(t *testing.T) {
	opts := tempOpts(t)
	v, err := Open(opts)
	require.NoError(t, err)
	id := v.ID()

	snap := v.HeadSnapshot()
	require.Len(t, snap, opts.PageSize)
	require.Equal(t, id[:], snap[offVolumeID:offVolumeID+16])
	require.NoError(t, v.Close())
}

func TestReadOnlyRefusesWrites(t *testing.T) {
	opts := tempOpts(t)
	v, err := Open(opts)
	require.NoError(t, err)
	addr, err := v.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, v.Close())

	roOpts := opts
	roOpts.ReadOnly = true
	ro, err := Open(roOpts)
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.AllocatePage()
	require.True(t, xerrors.Is(err, xerrors.KindValidation))

	err = ro.WritePage(addr, make([]byte, opts.PageSize))
	require.True(t, xerrors.Is(err, xerrors.KindValidation))
}
