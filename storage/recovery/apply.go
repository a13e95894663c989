package recovery

import (
	"time"

	"github.com/blinklayer/blinkstore/storage/journal"
	"github.com/blinklayer/blinkstore/xerrors"
)

// Tree is the subset of *btree.Tree phase 2 replay needs to reapply a
// committed transaction's inner records. It is a subset of txn.Tree's
// methods (both describe the same underlying *btree.Tree) but is declared
// independently since recovery must not import txn: recovery runs
// before any transaction manager exists.
type Tree interface {
	Put(owner int64, key, value []byte, timeout time.Duration) error
	RemoveRange(owner int64, start, end []byte, timeout time.Duration) (int, error)
	Clear(owner int64, timeout time.Duration) error
}

// TreeResolver opens or looks up the live tree for a recovered tree
// handle, given the identity catalog the plan scan recovered.
type TreeResolver func(identity journal.TreeIdentity) (Tree, error)

// Listener observes phase 2 replay as it happens, for progress
// reporting or integrity auditing (spec.md §4.9's "replay" step has no
// required observer, but the teacher's redo log manager reports scan
// progress through its logger the same way).
type Listener interface {
	OnTransaction(tx CommittedTx)
	OnInner(tx CommittedTx, rec journal.InnerRecord)
	OnDone(applied int)
}

// defaultListener discards every notification; used when Apply is
// called with a nil Listener.
type defaultListener struct{}

func (defaultListener) OnTransaction(CommittedTx)                 {}
func (defaultListener) OnInner(CommittedTx, journal.InnerRecord) {}
func (defaultListener) OnDone(int)                                 {}

// Apply replays plan.Committed in commit-timestamp order against the
// trees resolver yields, the phase 2 step of spec.md §4.9. Trees
// unknown to the plan's identity catalog (an IT record was itself lost
// to corruption past the keystone) are skipped with a corruption-kind
// error rather than aborting the whole replay, since every other
// committed transaction is still independently recoverable.
func Apply(plan *Plan, resolve TreeResolver, timeout time.Duration, listener Listener) (applied int, err error) {
	if listener == nil {
		listener = defaultListener{}
	}
	trees := make(map[uint32]Tree, len(plan.Trees))
	var firstErr error

	for _, tx := range plan.Committed {
		listener.OnTransaction(tx)
		for _, rec := range tx.Inner {
			tree, ok := trees[rec.TreeID]
			if !ok {
				identity, known := plan.Trees[rec.TreeID]
				if !known {
					if firstErr == nil {
						firstErr = xerrors.Corrupt("recovery: inner record references unknown tree %d", rec.TreeID)
					}
					continue
				}
				t, openErr := resolve(identity)
				if openErr != nil {
					if firstErr == nil {
						firstErr = openErr
					}
					continue
				}
				trees[rec.TreeID] = t
				tree = t
			}
			if err := applyInner(tree, rec, timeout); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			listener.OnInner(tx, rec)
			applied++
		}
	}
	listener.OnDone(applied)
	return applied, firstErr
}

// applyInner dispatches one committed transaction's inner record to
// the matching Tree method, using owner 0 since recovery replay is not
// itself transactional: every recovered write is applied directly.
func applyInner(tree Tree, rec journal.InnerRecord, timeout time.Duration) error {
	switch rec.Type {
	case journal.InnerSR:
		return tree.Put(0, rec.Key, rec.Value, timeout)
	case journal.InnerDR:
		_, err := tree.RemoveRange(0, rec.Key, rec.ToKey, timeout)
		return err
	case journal.InnerDT:
		return tree.Clear(0, timeout)
	case journal.InnerCU:
		return nil
	default:
		return xerrors.Corrupt("recovery: unknown inner record type %d", rec.Type)
	}
}
