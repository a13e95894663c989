package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blinklayer/blinkstore/storage/journal"
)

// fakeTree is a minimal in-memory Tree for asserting replayed state.
type fakeTree struct {
	data map[string][]byte
}

func newFakeTree() *fakeTree { return &fakeTree{data: make(map[string][]byte)} }

func (f *fakeTree) Put(owner int64, key, value []byte, timeout time.Duration) error {
	f.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (f *fakeTree) RemoveRange(owner int64, start, end []byte, timeout time.Duration) (int, error) {
	n := 0
	for k := range f.data {
		if k >= string(start) && k < string(end) {
			delete(f.data, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeTree) Clear(owner int64, timeout time.Duration) error {
	f.data = make(map[string][]byte)
	return nil
}

func writeJournalFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	w, err := journal.Open(journal.Options{
		Dir:       dir,
		Prefix:    "jnl",
		BlockSize: journal.MinBlockSize,
	}, 1, nil, nil)
	require.NoError(t, err)

	_, err = w.AppendIV(1, "/volumes/v1.dat", 1)
	require.NoError(t, err)
	_, err = w.AppendIT(100, 1, "widgets", 1)
	require.NoError(t, err)

	w.TxMap.Begin(10, w.CurrentAddress())
	inner := [][]byte{
		journal.EncodeInner(journal.InnerRecord{Type: journal.InnerSR, TreeID: 100, Key: []byte("a"), Value: []byte("1")}),
		journal.EncodeInner(journal.InnerRecord{Type: journal.InnerSR, TreeID: 100, Key: []byte("b"), Value: []byte("2")}),
	}
	_, err = w.AppendTX(10, 20, 0, inner)
	require.NoError(t, err)

	_, err = w.Checkpoint(20)
	require.NoError(t, err)

	w.TxMap.Begin(30, w.CurrentAddress())
	inner2 := [][]byte{
		journal.EncodeInner(journal.InnerRecord{Type: journal.InnerDT, TreeID: 100}),
		journal.EncodeInner(journal.InnerRecord{Type: journal.InnerSR, TreeID: 100, Key: []byte("c"), Value: []byte("3")}),
	}
	_, err = w.AppendTX(30, 40, 0, inner2)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	return dir
}

func TestBuildFindsKeystoneAndCommittedTransactions(t *testing.T) {
	dir := writeJournalFixture(t)

	plan, err := Build(dir, "jnl")
	require.NoError(t, err)
	require.True(t, plan.HasKeystone)
	require.True(t, plan.HasCheckpoint)
	require.Equal(t, uint64(20), plan.CheckpointTS)
	require.False(t, plan.Truncated)
	require.Len(t, plan.Committed, 2)
	require.Equal(t, uint64(20), plan.Committed[0].CommitTS)
	require.Equal(t, uint64(40), plan.Committed[1].CommitTS)

	require.Equal(t, "/volumes/v1.dat", plan.Volumes[1].Path)
	require.Equal(t, "widgets", plan.Trees[100].Name)
}

func TestApplyReplaysCommittedTransactionsInOrder(t *testing.T) {
	dir := writeJournalFixture(t)
	plan, err := Build(dir, "jnl")
	require.NoError(t, err)

	tree := newFakeTree()
	resolver := func(identity journal.TreeIdentity) (Tree, error) {
		require.Equal(t, "widgets", identity.Name)
		return tree, nil
	}

	applied, err := Apply(plan, resolver, time.Second, nil)
	require.NoError(t, err)
	// Four inner records: SR a and SR b, then DT and SR c.
	require.Equal(t, 4, applied)

	// "a" and "b" were wiped by the second transaction's DeleteTree,
	// leaving only "c" from the same transaction's later Store.
	require.Equal(t, map[string][]byte{"c": []byte("3")}, tree.data)
}

func TestApplyReportsUnknownTreeWithoutAbortingOtherTransactions(t *testing.T) {
	dir := t.TempDir()
	w, err := journal.Open(journal.Options{Dir: dir, Prefix: "jnl", BlockSize: journal.MinBlockSize}, 1, nil, nil)
	require.NoError(t, err)

	// No IT record for tree 7: its inner record is unresolvable.
	inner := journal.EncodeInner(journal.InnerRecord{Type: journal.InnerSR, TreeID: 7, Key: []byte("x"), Value: []byte("y")})
	_, err = w.AppendTX(1, 2, 0, [][]byte{inner})
	require.NoError(t, err)
	// A later transaction against a known tree must still be replayed.
	_, err = w.AppendIT(5, 1, "known", 1)
	require.NoError(t, err)
	known := journal.EncodeInner(journal.InnerRecord{Type: journal.InnerSR, TreeID: 5, Key: []byte("p"), Value: []byte("q")})
	_, err = w.AppendTX(3, 4, 0, [][]byte{known})
	require.NoError(t, err)
	_, err = w.Checkpoint(4)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	plan, err := Build(dir, "jnl")
	require.NoError(t, err)

	resolver := func(identity journal.TreeIdentity) (Tree, error) { return newFakeTree(), nil }
	applied, err := Apply(plan, resolver, time.Second, nil)
	require.Error(t, err)
	require.Equal(t, 1, applied)
}

func TestBuildOnEmptyDirectoryHasNoKeystone(t *testing.T) {
	plan, err := Build(t.TempDir(), "jnl")
	require.NoError(t, err)
	require.False(t, plan.HasKeystone)
	require.Empty(t, plan.Committed)
}
