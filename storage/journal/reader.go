package journal

import (
	"os"
	"path/filepath"

	"github.com/blinklayer/blinkstore/xerrors"
)

// openGeneration opens a generation file for reading, whether or not
// it is the journal's current file.
func (w *Writer) openGeneration(generation uint32) (*os.File, bool, error) {
	w.mu.Lock()
	current := generation == w.generation
	file := w.file
	w.mu.Unlock()
	if current {
		return file, false, nil
	}
	path := filepath.Join(w.dir, FileName(w.prefix, generation))
	f, err := os.Open(path)
	if err != nil {
		return nil, false, xerrors.IOFail(err, "open journal generation")
	}
	return f, true, nil
}

// readPageImage reads the frame at addr and decodes it as a PA
// record. Used by the background Copier.
func readPageImage(w *Writer, addr Address) (PageImage, error) {
	f, owned, err := w.openGeneration(addr.Generation())
	if err != nil {
		return PageImage{}, err
	}
	if owned {
		defer f.Close()
	}
	header := make([]byte, FrameHeaderSize)
	if _, err := f.ReadAt(header, int64(addr.Offset())); err != nil {
		return PageImage{}, xerrors.IOFail(err, "read journal frame header")
	}
	typ, length, timestamp, ok := DecodeFrame(header)
	if !ok || typ != RecPA {
		return PageImage{}, xerrors.Corrupt("journal record at gen %d off %d is not a PA frame", addr.Generation(), addr.Offset())
	}
	body := make([]byte, int(length)-FrameHeaderSize)
	if _, err := f.ReadAt(body, int64(addr.Offset())+FrameHeaderSize); err != nil {
		return PageImage{}, xerrors.IOFail(err, "read journal PA body")
	}
	return DecodePA(body, timestamp), nil
}

// ReadFrame reads and decodes the outer frame header at addr, without
// interpreting its body. Recovery does not use it; it scans each
// generation file with its own sequential reader.
func ReadFrame(w *Writer, addr Address) (typ RecordType, body []byte, timestamp uint64, err error) {
	f, owned, err := w.openGeneration(addr.Generation())
	if err != nil {
		return 0, nil, 0, err
	}
	if owned {
		defer f.Close()
	}
	header := make([]byte, FrameHeaderSize)
	if _, err := f.ReadAt(header, int64(addr.Offset())); err != nil {
		return 0, nil, 0, xerrors.IOFail(err, "read journal frame header")
	}
	var length uint16
	var ok bool
	typ, length, timestamp, ok = DecodeFrame(header)
	if !ok {
		return 0, nil, 0, xerrors.Corrupt("invalid journal frame at gen %d off %d", addr.Generation(), addr.Offset())
	}
	body = make([]byte, int(length)-FrameHeaderSize)
	if len(body) > 0 {
		if _, err := f.ReadAt(body, int64(addr.Offset())+FrameHeaderSize); err != nil {
			return 0, nil, 0, xerrors.IOFail(err, "read journal frame body")
		}
	}
	return typ, body, timestamp, nil
}
