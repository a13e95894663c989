package buffer

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/blinklayer/blinkstore/logger"
	"github.com/blinklayer/blinkstore/storage/journal"
	"github.com/blinklayer/blinkstore/xerrors"
)

// PageIO is the subset of *volume.Volume the pool needs to service a
// miss or evict a dirty frame; kept as an interface so buffer never
// imports volume directly, matching the layering note in spec.md §9.
type PageIO interface {
	ReadPage(addr uint64, buf []byte) error
	WritePage(addr uint64, buf []byte) error
}

// JournalWriter is the subset of *journal.Writer the pool needs to
// satisfy the journal-before-overwrite discipline of spec.md §4.4.
type JournalWriter interface {
	AppendPA(volumeID, pageAddr uint64, data []byte, timestamp uint64) (journal.Address, error)
}

// VolumeSet resolves a volume ID to the PageIO it should be read from
// or written to on a miss / eviction.
type VolumeSet func(volumeID uint64) (PageIO, bool)

func hashKey(k Key) uint64 {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:], k.VolumeID)
	binary.BigEndian.PutUint64(b[8:], k.PageAddr)
	h := xxhash.New64()
	h.Write(b[:])
	return h.Sum64()
}

// Pool is the fixed-count frame array described in spec.md §4.4: hash
// lookup by (volume, page address), LRU-clock eviction among unpinned
// frames, and a journal-before-overwrite write path for dirty
// victims.
type Pool struct {
	mu sync.Mutex

	pageSize int
	frames   []*Frame
	index    map[uint64][]*Frame // hash bucket, chained on xxhash collision
	clockPos int

	volumes VolumeSet
	journal JournalWriter

	checkpointBoundary uint64

	hits   uint64
	misses uint64
}

// New allocates a pool of frameCount frames, each pageSize bytes.
func New(frameCount, pageSize int, volumes VolumeSet, journal JournalWriter) *Pool {
	p := &Pool{
		pageSize: pageSize,
		frames:   make([]*Frame, frameCount),
		index:    make(map[uint64][]*Frame),
		volumes:  volumes,
		journal:  journal,
	}
	for i := range p.frames {
		p.frames[i] = newFrame(pageSize)
	}
	return p
}

// SetCheckpointBoundary updates the timestamp below which every dirty
// frame must already be journaled before further mutation, per
// spec.md §4.4's write_page_on_checkpoint contract.
func (p *Pool) SetCheckpointBoundary(ts uint64) {
	atomic.StoreUint64(&p.checkpointBoundary, ts)
}

func (p *Pool) checkpointBoundaryValue() uint64 {
	return atomic.LoadUint64(&p.checkpointBoundary)
}

// Get returns the frame for key, claiming it for owner in the
// requested mode. If the frame is not resident, a victim is chosen by
// LRU-clock among unpinned frames; if the victim is dirty it is
// journaled first. If readIfMiss is set, the page content is read
// from the volume's PageIO. The journal's page map is not consulted,
// neither here nor by the B-link tree, which always calls Get with
// readIfMiss set; Prime installs page bytes obtained elsewhere.
func (p *Pool) Get(key Key, owner int64, exclusive bool, readIfMiss bool, timeout time.Duration) (*Frame, error) {
	p.mu.Lock()
	if f := p.lookupLocked(key); f != nil {
		atomic.AddUint64(&p.hits, 1)
		f.touch()
		p.mu.Unlock()
		if !p.claimFrame(f, owner, exclusive, timeout) {
			return nil, xerrors.Exhausted("claim timeout on volume %d page %d", key.VolumeID, key.PageAddr)
		}
		return f, nil
	}
	atomic.AddUint64(&p.misses, 1)
	victim, err := p.evictLocked(key)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !p.claimFrame(victim, owner, exclusive, timeout) {
		return nil, xerrors.Exhausted("claim timeout on volume %d page %d", key.VolumeID, key.PageAddr)
	}
	if readIfMiss {
		if vol, ok := p.volumeFor(key); ok {
			if err := vol.ReadPage(key.PageAddr, victim.Buf); err != nil {
				victim.ReleaseWriter(owner)
				victim.ReleaseReader(owner)
				return nil, err
			}
		}
	}
	victim.SetValid(true)
	return victim, nil
}

// Prime installs already-resolved bytes (e.g. from a journal page-map
// hit) into a freshly-claimed frame instead of reading the volume.
func (p *Pool) Prime(f *Frame, data []byte) {
	copy(f.Buf, data)
	f.SetValid(true)
}

func (p *Pool) claimFrame(f *Frame, owner int64, exclusive bool, timeout time.Duration) bool {
	if exclusive {
		return f.AcquireWriter(owner, timeout)
	}
	return f.AcquireReader(owner, timeout)
}

func (p *Pool) volumeFor(key Key) (PageIO, bool) {
	if p.volumes == nil {
		return nil, false
	}
	return p.volumes(key.VolumeID)
}

func (p *Pool) lookupLocked(key Key) *Frame {
	h := hashKey(key)
	for _, f := range p.index[h] {
		if f.Key == key && f.Valid() {
			return f
		}
	}
	return nil
}

func (p *Pool) insertLocked(key Key, f *Frame) {
	h := hashKey(key)
	p.index[h] = append(p.index[h], f)
	f.Key = key
}

func (p *Pool) removeLocked(key Key, f *Frame) {
	h := hashKey(key)
	bucket := p.index[h]
	for i, cand := range bucket {
		if cand == f {
			p.index[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
}

// evictLocked picks a victim by clock-second-chance among unpinned,
// unfixed frames, journals it if dirty, and reassigns it to key.
func (p *Pool) evictLocked(key Key) (*Frame, error) {
	n := len(p.frames)
	for scanned := 0; scanned < 2*n; scanned++ {
		idx := p.clockPos
		p.clockPos = (p.clockPos + 1) % n
		f := p.frames[idx]
		if f.Fixed() {
			continue
		}
		if f.clockRef() {
			f.clearRef()
			continue
		}
		if !f.Valid() {
			p.adopt(key, f)
			return f, nil
		}
		if err := p.flushVictim(f); err != nil {
			return nil, err
		}
		p.removeLocked(f.Key, f)
		p.adopt(key, f)
		return f, nil
	}
	return nil, xerrors.Exhausted("buffer pool exhausted: all %d frames pinned", n)
}

func (p *Pool) adopt(key Key, f *Frame) {
	f.SetValid(false)
	f.MarkClean()
	f.BumpGeneration()
	p.insertLocked(key, f)
}

// flushVictim journals a dirty frame's content before it is reused,
// per spec.md §4.4's write-before-release invariant.
func (p *Pool) flushVictim(f *Frame) error {
	if !f.Dirty() || p.journal == nil {
		return nil
	}
	ts := f.DirtyAtTimestamp()
	addr, err := p.journal.AppendPA(f.Key.VolumeID, f.Key.PageAddr, f.Buf, ts)
	if err != nil {
		return err
	}
	f.recordJournaled(ts, uint64(addr))
	f.MarkClean()
	return nil
}

// MarkDirty records that the frame's owning transaction has modified
// it at ts, first satisfying write_page_on_checkpoint: if ts crosses
// the pending checkpoint boundary and the frame's last journal
// timestamp predates it, the pre-modification image is journaled now.
func (p *Pool) MarkDirty(f *Frame, ts uint64) error {
	boundary := p.checkpointBoundaryValue()
	if boundary > 0 && ts > boundary && f.LastJournalTimestamp() < boundary && p.journal != nil {
		addr, err := p.journal.AppendPA(f.Key.VolumeID, f.Key.PageAddr, f.Buf, f.LastJournalTimestamp())
		if err != nil {
			return err
		}
		f.recordJournaled(boundary, uint64(addr))
	}
	f.MarkDirty(ts)
	return nil
}

// Pin fixes a frame so it is never chosen as an eviction victim (head
// pages, root pages).
func (p *Pool) Pin(f *Frame)   { f.SetFixed(true) }
func (p *Pool) Unpin(f *Frame) { f.SetFixed(false) }

// Invalidate drops a frame from the index without flushing it, used
// when RemoveRange reclaims an emptied leaf onto the garbage chain.
func (p *Pool) Invalidate(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f := p.lookupLocked(key); f != nil {
		p.removeLocked(key, f)
		f.SetValid(false)
		f.MarkClean()
	}
}

// FlushAll journals every dirty frame immediately, used by Checkpoint
// and by orderly shutdown.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.frames {
		if f.Valid() && f.Dirty() {
			if err := p.flushVictim(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats reports hit/miss counters for diagnostics.
func (p *Pool) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&p.hits), atomic.LoadUint64(&p.misses)
}

func (p *Pool) logStats() {
	h, m := p.Stats()
	logger.With(nil).Debugf("buffer pool: hits=%d misses=%d", h, m)
}
