package recovery

import (
	"sort"

	"github.com/blinklayer/blinkstore/storage/journal"
	"github.com/blinklayer/blinkstore/xerrors"
)

// CommittedTx is one fully-assembled transaction envelope found
// during the plan scan, ready to replay in Phase 2.
type CommittedTx struct {
	StartTS  uint64
	CommitTS uint64
	Addr     journal.Address
	Inner    []journal.InnerRecord
}

// Plan is the result of spec.md §4.9 phase 1: the selected keystone
// and base generation, the reconstructed page/transaction maps, the
// volume/tree identity catalogs, and every committed transaction
// found, sorted by commit timestamp ascending and ready for Phase 2.
type Plan struct {
	Dir    string
	Prefix string

	BaseGeneration     uint32
	KeystoneGeneration uint32
	HasKeystone        bool

	CheckpointTS  uint64
	HasCheckpoint bool

	// Truncated reports that the keystone's tail was discarded after a
	// corrupt record following its last valid checkpoint (spec.md
	// §4.9 phase 1 step 1's failure-boundary rule).
	Truncated   bool
	TruncatedAt journal.Address

	PageMap *journal.PageMap
	TxMap   *journal.TransactionMap

	Volumes map[uint64]journal.VolumeIdentity
	Trees   map[uint32]journal.TreeIdentity

	Committed []CommittedTx
}

// Build scans the journal generation files for prefix in dir and
// produces a recovery Plan. An empty or absent journal directory is
// not an error: it yields a Plan with no keystone, the bootstrap case
// for a brand-new installation.
func Build(dir, prefix string) (*Plan, error) {
	gens, err := listGenerations(dir, prefix)
	if err != nil {
		return nil, err
	}
	plan := &Plan{
		Dir:     dir,
		Prefix:  prefix,
		PageMap: journal.NewPageMap(),
		TxMap:   journal.NewTransactionMap(),
		Volumes: make(map[uint64]journal.VolumeIdentity),
		Trees:   make(map[uint32]journal.TreeIdentity),
	}
	if len(gens) == 0 {
		return plan, nil
	}
	plan.BaseGeneration = gens[0]

	keystoneIdx, keystoneFrames, truncated, truncatedAt, hasCP, cpTS, err := selectKeystone(dir, prefix, gens)
	if err != nil {
		return nil, err
	}
	if keystoneIdx < 0 {
		// No generation in the directory ever recorded a checkpoint.
		// Per spec.md §9's open question on checkpoint-less recovery,
		// this implementation treats that as "replay the whole
		// journal" rather than a failure: a database that crashes
		// before its first checkpoint still has a fully valid,
		// linearly-ordered TX history to recover from.
		keystoneIdx = len(gens) - 1
		frames, scanErr := scanGeneration(dir, prefix, gens[keystoneIdx])
		keystoneFrames = frames
		if scanErr != nil {
			truncated = true
			truncatedAt = frames[len(frames)-1].addr
		}
	} else {
		plan.HasCheckpoint = hasCP
		plan.CheckpointTS = cpTS
	}
	plan.KeystoneGeneration = gens[keystoneIdx]
	plan.HasKeystone = true
	plan.Truncated = truncated
	plan.TruncatedAt = truncatedAt

	// Predecessor files down to the base must be fully readable.
	for i := 0; i < keystoneIdx; i++ {
		frames, scanErr := scanGeneration(dir, prefix, gens[i])
		if scanErr != nil {
			return nil, xerrors.Corrupt("recovery: predecessor journal generation %d unreadable: %v", gens[i], scanErr)
		}
		applyFrames(plan, frames)
	}
	applyFrames(plan, keystoneFrames)

	sort.Slice(plan.Committed, func(i, j int) bool { return plan.Committed[i].CommitTS < plan.Committed[j].CommitTS })
	return plan, nil
}

// selectKeystone walks generations from newest to oldest looking for
// one that both starts with a valid JH header and contains at least
// one CP record before any corruption in that file (spec.md §4.9
// phase 1 step 1). Returns keystoneIdx == -1 if no generation
// qualifies.
func selectKeystone(dir, prefix string, gens []uint32) (keystoneIdx int, frames []frame, truncated bool, truncatedAt journal.Address, hasCP bool, cpTS uint64, err error) {
	for i := len(gens) - 1; i >= 0; i-- {
		candidate, scanErr := scanGeneration(dir, prefix, gens[i])
		if len(candidate) == 0 || candidate[0].typ != journal.RecJH {
			continue
		}
		ts, ok := hasValidCheckpoint(candidate)
		if !ok {
			continue
		}
		if scanErr != nil {
			return i, candidate, true, candidate[len(candidate)-1].addr, true, ts, nil
		}
		return i, candidate, false, 0, true, ts, nil
	}
	return -1, nil, false, 0, false, 0, nil
}

// applyFrames folds one generation's frames into the plan's
// in-progress page map, transaction map, identity catalogs, and
// committed-transaction list.
func applyFrames(plan *Plan, frames []frame) {
	for _, fr := range frames {
		switch fr.typ {
		case journal.RecIV:
			iv := journal.DecodeIV(fr.body)
			plan.Volumes[iv.VolumeID] = iv
		case journal.RecIT:
			it := journal.DecodeIT(fr.body)
			plan.Trees[it.TreeID] = it
		case journal.RecPA:
			img := journal.DecodePA(fr.body, fr.timestamp)
			plan.PageMap.Record(journal.PageKey{VolumeID: img.VolumeID, PageAddr: img.PageAddr}, fr.timestamp, fr.addr)
		case journal.RecPM:
			plan.PageMap.Load(journal.DecodePMSnapshot(fr.body))
		case journal.RecTM:
			plan.TxMap.Load(journal.DecodeTMSnapshot(fr.body))
		case journal.RecCP:
			plan.CheckpointTS = journal.DecodeCP(fr.body)
			plan.HasCheckpoint = true
		case journal.RecTX:
			backchain, startTS, innerStart := journal.DecodeTXHeader(fr.body)
			_ = backchain // single-shot envelopes never span records; see DESIGN.md
			var inner []journal.InnerRecord
			off := innerStart
			for off < len(fr.body) {
				rec, n := journal.DecodeInner(fr.body[off:])
				inner = append(inner, rec)
				off += n
			}
			commitTS := fr.timestamp
			plan.TxMap.Commit(startTS, commitTS, fr.addr)
			plan.Committed = append(plan.Committed, CommittedTx{
				StartTS:  startTS,
				CommitTS: commitTS,
				Addr:     fr.addr,
				Inner:    inner,
			})
		case journal.RecJH, journal.RecJE:
			// structural markers only
		}
	}
}
