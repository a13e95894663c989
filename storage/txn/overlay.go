// Package txn implements the transactional overlay of spec.md §4.8:
// a per-transaction pending-update buffer, MVCC-flavored visibility
// between a transaction's own writes and its own later reads, and the
// commit/abort protocol that turns a buffer into a journaled TX
// envelope or discards it.
//
// Grounded on the teacher's transaction manager
// (zhukovaskychina-xmysql-server server/innodb/manager
// transaction_manager.go: Begin/Commit/Rollback around an
// active-transaction map and a redo log manager) adapted from
// InnoDB's undo/redo-log pair to this engine's single pending-update
// buffer plus journal.Writer, and on erigon's use of
// github.com/google/btree as an in-memory ordered map
// (core/state/history_reader_v3.go) for the buffer itself, since
// spec.md calls for "a small in-memory sorted structure keyed by
// (tree-handle, key)".
package txn

import (
	"bytes"

	"github.com/google/btree"
)

// opKind distinguishes the three pending mutation shapes a
// transaction can buffer, mirroring journal.InnerType without
// depending on the journal package from this file (kept local to
// overlay.go; txn.go bridges to journal.InnerRecord at commit time).
type opKind uint8

const (
	opStore opKind = iota + 1
	opDeleteRange
	opDeleteTree
)

// storeItem is one buffered key -> value mapping, ordered by
// (treeID, key) so range queries over one tree's overlay are cheap
// even though this implementation does not yet thread them into
// cursor traversal (see DESIGN.md).
type storeItem struct {
	treeID uint32
	key    []byte
	value  []byte
	step   int
}

func (a *storeItem) Less(than btree.Item) bool {
	b := than.(*storeItem)
	if a.treeID != b.treeID {
		return a.treeID < b.treeID
	}
	return bytes.Compare(a.key, b.key) < 0
}

// deleteRangeOp is one buffered DR op: every key in [Low, High) is
// tombstoned as of Step, superseding any earlier storeItem in range.
type deleteRangeOp struct {
	treeID   uint32
	low, high []byte
	step     int
}

func (d deleteRangeOp) covers(treeID uint32, key []byte) bool {
	if d.treeID != treeID {
		return false
	}
	return bytes.Compare(key, d.low) >= 0 && bytes.Compare(key, d.high) < 0
}

// overlay is the per-transaction update buffer. It is not
// thread-safe on its own; Transaction serializes access with its own
// mutex (spec.md §4.8: "a small in-memory sorted structure").
type overlay struct {
	stores         *btree.BTree
	deleteRanges   []deleteRangeOp
	deleteTreeStep map[uint32]int
	nextStep       int
	ops            []op // insertion order, replayed at commit
}

func newOverlay() *overlay {
	return &overlay{
		stores:         btree.New(16),
		deleteTreeStep: make(map[uint32]int),
	}
}

// op is one buffered mutation in the order it was issued, used at
// commit time to (a) replay mutations against the live tree and (b)
// build the TX envelope's inner record list.
type op struct {
	kind   opKind
	treeID uint32
	key    []byte // store key, or DR low
	toKey  []byte // DR high
	value  []byte // store value
}

func (o *overlay) store(treeID uint32, key, value []byte) {
	o.nextStep++
	item := &storeItem{treeID: treeID, key: append([]byte(nil), key...), value: append([]byte(nil), value...), step: o.nextStep}
	o.stores.ReplaceOrInsert(item)
	o.ops = append(o.ops, op{kind: opStore, treeID: treeID, key: item.key, value: item.value})
}

func (o *overlay) deleteRange(treeID uint32, low, high []byte) {
	o.nextStep++
	dr := deleteRangeOp{treeID: treeID, low: append([]byte(nil), low...), high: append([]byte(nil), high...), step: o.nextStep}
	o.deleteRanges = append(o.deleteRanges, dr)
	o.ops = append(o.ops, op{kind: opDeleteRange, treeID: treeID, key: dr.low, toKey: dr.high})
}

func (o *overlay) deleteTree(treeID uint32) {
	o.nextStep++
	o.deleteTreeStep[treeID] = o.nextStep
	o.ops = append(o.ops, op{kind: opDeleteTree, treeID: treeID})
}

// lookup answers a point read against the overlay: found reports
// whether a pending write covers key at all (a store, or a tombstone
// from a range/tree delete); value is meaningful only when found is
// true and tombstoned is false. When found is false the caller must
// fall back to the underlying tree (spec.md §4.8).
func (o *overlay) lookup(treeID uint32, key []byte) (value []byte, found bool, tombstoned bool) {
	baseStep := -1
	if it := o.stores.Get(&storeItem{treeID: treeID, key: key}); it != nil {
		si := it.(*storeItem)
		value = si.value
		found = true
		baseStep = si.step
	}

	if step, ok := o.deleteTreeStep[treeID]; ok && step > baseStep {
		return nil, true, true
	}
	for _, dr := range o.deleteRanges {
		if dr.step > baseStep && dr.covers(treeID, key) {
			return nil, true, true
		}
	}
	return value, found, false
}
