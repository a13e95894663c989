package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/blinklayer/blinkstore/logger"
	"github.com/blinklayer/blinkstore/xerrors"
)

// VolumeReadWriter is the subset of *volume.Volume the journal needs
// for its background copier to project pages home; kept as an
// interface here so journal never imports volume (volume is the
// lower layer; journal sits above it per spec.md's component list).
type VolumeReadWriter interface {
	WritePage(addr uint64, buf []byte) error
}

// PageSource resolves a volume handle to its VolumeReadWriter, so the
// copier can route a PageKey.VolumeID to the right open volume.
type PageSource func(volumeID uint64) (VolumeReadWriter, bool)

// FileName renders a journal file name from a prefix and
// generation, per spec.md §6: "<prefix>.NNNNNNNNNNNNNNNN".
func FileName(prefix string, generation uint32) string {
	return fmt.Sprintf("%s.%016d", prefix, generation)
}

// Writer is the append-only journal: current file, rollover across
// generations, and the page/transaction maps it keeps current as
// records are appended.
type Writer struct {
	mu sync.Mutex

	dir       string
	prefix    string
	blockSize int64

	generation uint32
	file       *os.File
	offset     int64

	baseAddress Address // earliest offset still needed for recovery
	checkpointTS uint64

	PageMap *PageMap
	TxMap   *TransactionMap

	copier *Copier
}

// Options configures a new journal Writer.
type Options struct {
	Dir        string
	Prefix     string
	BlockSize  int64 // spec.md §6 "journalsize"; minimum ~128KiB, max ~64GiB
	PageSource PageSource
}

const (
	MinBlockSize = 128 * 1024
	MaxBlockSize = 64 * 1024 * 1024 * 1024
)

// Open starts (or resumes) a journal in dir, beginning a new
// generation file whose header carries PM/TM snapshots of the
// supplied maps, per spec.md §4.7 rollover semantics.
func Open(opts Options, initialGeneration uint32, pm *PageMap, tm *TransactionMap) (*Writer, error) {
	if opts.BlockSize < MinBlockSize || opts.BlockSize > MaxBlockSize {
		return nil, xerrors.Invalid("journal block size %d out of range [%d,%d]", opts.BlockSize, MinBlockSize, MaxBlockSize)
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, xerrors.IOFail(err, "create journal dir")
	}
	if pm == nil {
		pm = NewPageMap()
	}
	if tm == nil {
		tm = NewTransactionMap()
	}
	w := &Writer{
		dir:       opts.Dir,
		prefix:    opts.Prefix,
		blockSize: opts.BlockSize,
		PageMap:   pm,
		TxMap:     tm,
	}
	if err := w.rollover(initialGeneration); err != nil {
		return nil, err
	}
	w.copier = newCopier(w, opts.PageSource)
	return w, nil
}

func (w *Writer) rollover(generation uint32) error {
	if w.file != nil {
		w.file.Close()
	}
	path := filepath.Join(w.dir, FileName(w.prefix, generation))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return xerrors.IOFail(err, "create journal file")
	}
	w.generation = generation
	w.file = f
	w.offset = 0

	header := EncodeFrame(RecJH, FrameHeaderSize, 0)
	if _, err := w.file.WriteAt(header, 0); err != nil {
		return xerrors.IOFail(err, "write journal header")
	}
	w.offset = FrameHeaderSize

	if err := w.writeSnapshotsLocked(); err != nil {
		return err
	}
	logger.With(nil).Infof("journal rolled over to generation %d", generation)
	return nil
}

// writeSnapshotsLocked appends PM and TM records reflecting current
// in-memory state, so recovery from this file never needs to rescan
// predecessor files to reconstruct those maps.
func (w *Writer) writeSnapshotsLocked() error {
	pmPayload := encodePMSnapshot(w.PageMap.Snapshot())
	if err := w.appendLocked(RecPM, pmPayload, w.checkpointTS); err != nil {
		return err
	}
	tmPayload := encodeTMSnapshot(w.TxMap.Snapshot())
	return w.appendLocked(RecTM, tmPayload, w.checkpointTS)
}

// Append writes a record body of type typ to the current journal
// file, adding the frame header itself, rolling over first if the
// framed record would not fit in the remaining block.
func (w *Writer) Append(typ RecordType, body []byte, timestamp uint64) (Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := FrameHeaderSize + len(body)
	return w.appendFramedLocked(typ, body, timestamp, total)
}

func (w *Writer) appendLocked(typ RecordType, body []byte, timestamp uint64) error {
	_, err := w.appendFramedLocked(typ, body, timestamp, FrameHeaderSize+len(body))
	return err
}

func (w *Writer) appendFramedLocked(typ RecordType, body []byte, timestamp uint64, total int) (Address, error) {
	if w.offset+int64(total) > w.blockSize {
		next := w.generation + 1
		if err := w.rollover(next); err != nil {
			return 0, err
		}
	}
	addr := MakeAddress(w.generation, uint32(w.offset))
	frame := EncodeFrame(typ, uint16(total), timestamp)
	buf := make([]byte, total)
	copy(buf, frame)
	copy(buf[FrameHeaderSize:], body)
	if _, err := w.file.WriteAt(buf, w.offset); err != nil {
		return 0, xerrors.IOFail(err, "append journal record")
	}
	w.offset += int64(total)
	return addr, nil
}

// AppendPA journals a page image, updating the page map's head entry.
// Per spec.md §4.7's ordering rule, callers must append every PA a
// forthcoming TX depends on before appending that TX.
func (w *Writer) AppendPA(volumeID, pageAddr uint64, data []byte, timestamp uint64) (Address, error) {
	body := EncodePA(PageImage{VolumeID: volumeID, PageAddr: pageAddr, Timestamp: timestamp, Data: data})
	w.mu.Lock()
	addr, err := w.appendFramedLocked(RecPA, body[FrameHeaderSize:], timestamp, len(body))
	w.mu.Unlock()
	if err != nil {
		return 0, err
	}
	w.PageMap.Record(PageKey{VolumeID: volumeID, PageAddr: pageAddr}, timestamp, addr)
	return addr, nil
}

// AppendTX journals a transaction envelope and advances the
// transaction map to committed.
func (w *Writer) AppendTX(startTS, commitTS uint64, backchain Address, inner [][]byte) (Address, error) {
	body := EncodeTX(startTS, commitTS, backchain, inner)
	addr, err := w.Append(RecTX, body[FrameHeaderSize:], commitTS)
	if err != nil {
		return 0, err
	}
	w.TxMap.Commit(startTS, commitTS, addr)
	return addr, nil
}

// Checkpoint records that every page update with timestamp <= ts has
// been durably journaled, and forces the underlying file.
func (w *Writer) Checkpoint(ts uint64) (Address, error) {
	w.mu.Lock()
	w.checkpointTS = ts
	addr, err := w.appendFramedLocked(RecCP, EncodeCP(ts), ts, FrameHeaderSize+8)
	w.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return addr, w.Force()
}

// Force flushes the current journal file to stable storage. Commit
// calls this before returning success, per spec.md §4.8.
func (w *Writer) Force() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return xerrors.IOFail(err, "force journal")
	}
	return nil
}

// CurrentAddress returns the address the next record would be
// written at.
func (w *Writer) CurrentAddress() Address {
	w.mu.Lock()
	defer w.mu.Unlock()
	return MakeAddress(w.generation, uint32(w.offset))
}

// BaseAddress returns the earliest offset still needed for recovery.
func (w *Writer) BaseAddress() Address { return Address(atomic.LoadUint64((*uint64)(&w.baseAddress))) }

// AdvanceBase moves the base address forward once the copier retires
// page-map entries before it, allowing predecessor journal files to
// be reclaimed.
func (w *Writer) AdvanceBase(addr Address) {
	atomic.StoreUint64((*uint64)(&w.baseAddress), uint64(addr))
}

// AppendIV records that volumeID is identified by path, so recovery
// can reopen it without an external catalog (spec.md §4.9 phase 1).
func (w *Writer) AppendIV(volumeID uint64, path string, timestamp uint64) (Address, error) {
	return w.Append(RecIV, EncodeIV(VolumeIdentity{VolumeID: volumeID, Path: path}), timestamp)
}

// AppendIT records that treeID is the tree named name inside volumeID.
func (w *Writer) AppendIT(treeID uint32, volumeID uint64, name string, timestamp uint64) (Address, error) {
	return w.Append(RecIT, EncodeIT(TreeIdentity{TreeID: treeID, VolumeID: volumeID, Name: name}), timestamp)
}

// Copier exposes the background copier for manual Drain() (tests,
// CLI backup verb) and shutdown.
func (w *Writer) Copier() *Copier { return w.copier }

// Close stops the copier and closes the current file.
func (w *Writer) Close() error {
	if w.copier != nil {
		w.copier.Stop()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
