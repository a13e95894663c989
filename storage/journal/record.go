// Package journal implements the append-only write-ahead record
// stream: record framing, rollover across generation-numbered files,
// the in-memory page map and transaction map, and a background copier
// that lazily projects journaled pages back to their home volume
// positions.
//
// Grounded on the redo-log record-type enumeration style of the
// teacher (zhukovaskychina-xmysql-server
// server/innodb/storage/store/logs/redo_log_type.go) adapted to the
// JH/JE/CP/IV/IT/PA/PM/TM/TX record set of spec.md §3/§7, and on the
// background-flush pattern of the teacher's buffer pool
// (flushList/flushBlockList) generalized into the page-map copier.
package journal

import (
	"encoding/binary"
)

// RecordType is one of the journal's outer record kinds (spec.md §3).
type RecordType uint8

const (
	RecJH RecordType = iota + 1 // journal header
	RecJE                       // journal end
	RecCP                       // checkpoint
	RecIV                       // identify volume
	RecIT                       // identify tree
	RecPA                       // page image
	RecPM                       // page map snapshot
	RecTM                       // transaction map snapshot
	RecTX                       // transaction envelope
)

// InnerType is one of the record kinds carried inside a TX envelope.
type InnerType uint8

const (
	InnerSR InnerType = iota + 1 // store
	InnerDR                      // delete range
	InnerDT                      // delete tree
	InnerCU                      // cache update
)

// FrameHeaderSize is the fixed 12-byte prefix of every journal
// record: {length:u16, type:u8, reserved:u8, timestamp:u64}.
const FrameHeaderSize = 12

// Address is a 64-bit journal offset; the high 32 bits index the
// generation file, the low 32 bits index within it (spec.md §3).
type Address uint64

func MakeAddress(generation uint32, offset uint32) Address {
	return Address(uint64(generation)<<32 | uint64(offset))
}

func (a Address) Generation() uint32 { return uint32(a >> 32) }
func (a Address) Offset() uint32     { return uint32(a) }

// EncodeFrame writes the 12-byte record frame header for a record of
// the given type, total length (including this header) and
// timestamp.
func EncodeFrame(typ RecordType, length uint16, timestamp uint64) []byte {
	buf := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint16(buf[0:], length)
	buf[2] = byte(typ)
	buf[3] = 0
	binary.BigEndian.PutUint64(buf[4:], timestamp)
	return buf
}

// DecodeFrame parses the 12-byte record frame header.
func DecodeFrame(buf []byte) (typ RecordType, length uint16, timestamp uint64, ok bool) {
	if len(buf) < FrameHeaderSize {
		return 0, 0, 0, false
	}
	length = binary.BigEndian.Uint16(buf[0:])
	typ = RecordType(buf[2])
	timestamp = binary.BigEndian.Uint64(buf[4:])
	return typ, length, timestamp, true
}

// PageImage is the payload of a PA record: the full content of one
// page at a point in time.
type PageImage struct {
	VolumeID  uint64
	PageAddr  uint64
	Timestamp uint64
	Data      []byte
}

// EncodePA serializes a page image record (frame header + payload).
func EncodePA(img PageImage) []byte {
	payload := make([]byte, 16+len(img.Data))
	binary.BigEndian.PutUint64(payload[0:], img.VolumeID)
	binary.BigEndian.PutUint64(payload[8:], img.PageAddr)
	copy(payload[16:], img.Data)

	total := FrameHeaderSize + len(payload)
	buf := make([]byte, total)
	copy(buf, EncodeFrame(RecPA, uint16(total), img.Timestamp))
	copy(buf[FrameHeaderSize:], payload)
	return buf
}

// DecodePA parses a PA record payload (buf excludes the frame header).
func DecodePA(buf []byte, timestamp uint64) PageImage {
	return PageImage{
		VolumeID:  binary.BigEndian.Uint64(buf[0:]),
		PageAddr:  binary.BigEndian.Uint64(buf[8:]),
		Timestamp: timestamp,
		Data:      append([]byte(nil), buf[16:]...),
	}
}

// InnerRecord is one SR/DR/DT/CU record carried inside a TX envelope.
type InnerRecord struct {
	Type     InnerType
	TreeID   uint32
	Key      []byte
	ToKey    []byte // DR only
	Value    []byte // SR only
}

// EncodeInner serializes one inner record to its on-wire form (type
// byte, tree id, then type-specific fields length-prefixed).
func EncodeInner(r InnerRecord) []byte {
	switch r.Type {
	case InnerSR:
		buf := make([]byte, 1+4+2+len(r.Key)+4+len(r.Value))
		off := 0
		buf[off] = byte(r.Type)
		off++
		binary.BigEndian.PutUint32(buf[off:], r.TreeID)
		off += 4
		binary.BigEndian.PutUint16(buf[off:], uint16(len(r.Key)))
		off += 2
		off += copy(buf[off:], r.Key)
		binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Value)))
		off += 4
		copy(buf[off:], r.Value)
		return buf
	case InnerDR:
		buf := make([]byte, 1+4+2+len(r.Key)+2+len(r.ToKey))
		off := 0
		buf[off] = byte(r.Type)
		off++
		binary.BigEndian.PutUint32(buf[off:], r.TreeID)
		off += 4
		binary.BigEndian.PutUint16(buf[off:], uint16(len(r.Key)))
		off += 2
		off += copy(buf[off:], r.Key)
		binary.BigEndian.PutUint16(buf[off:], uint16(len(r.ToKey)))
		off += 2
		copy(buf[off:], r.ToKey)
		return buf
	case InnerDT:
		buf := make([]byte, 1+4)
		buf[0] = byte(r.Type)
		binary.BigEndian.PutUint32(buf[1:], r.TreeID)
		return buf
	case InnerCU:
		buf := make([]byte, 1+4+2+len(r.Key))
		off := 0
		buf[off] = byte(r.Type)
		off++
		binary.BigEndian.PutUint32(buf[off:], r.TreeID)
		off += 4
		binary.BigEndian.PutUint16(buf[off:], uint16(len(r.Key)))
		off += 2
		copy(buf[off:], r.Key)
		return buf
	default:
		return nil
	}
}

// DecodeInner parses one inner record and returns its total encoded length.
func DecodeInner(buf []byte) (InnerRecord, int) {
	typ := InnerType(buf[0])
	off := 1
	var r InnerRecord
	r.Type = typ
	switch typ {
	case InnerSR:
		r.TreeID = binary.BigEndian.Uint32(buf[off:])
		off += 4
		kl := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		r.Key = append([]byte(nil), buf[off:off+kl]...)
		off += kl
		vl := int(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		r.Value = append([]byte(nil), buf[off:off+vl]...)
		off += vl
	case InnerDR:
		r.TreeID = binary.BigEndian.Uint32(buf[off:])
		off += 4
		kl := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		r.Key = append([]byte(nil), buf[off:off+kl]...)
		off += kl
		tl := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		r.ToKey = append([]byte(nil), buf[off:off+tl]...)
		off += tl
	case InnerDT:
		r.TreeID = binary.BigEndian.Uint32(buf[off:])
		off += 4
	case InnerCU:
		r.TreeID = binary.BigEndian.Uint32(buf[off:])
		off += 4
		kl := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		r.Key = append([]byte(nil), buf[off:off+kl]...)
		off += kl
	}
	return r, off
}

// EncodeTX serializes a full TX envelope (frame header + backchain
// pointer to the transaction's previous record + start timestamp +
// concatenated inner records).
func EncodeTX(startTS, commitTS uint64, backchain Address, inner [][]byte) []byte {
	body := 8 + 8
	for _, b := range inner {
		body += len(b)
	}
	total := FrameHeaderSize + body
	buf := make([]byte, total)
	copy(buf, EncodeFrame(RecTX, uint16(total), commitTS))
	off := FrameHeaderSize
	binary.BigEndian.PutUint64(buf[off:], uint64(backchain))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], startTS)
	off += 8
	for _, b := range inner {
		off += copy(buf[off:], b)
	}
	return buf
}

// DecodeTXHeader parses the backchain and start timestamp out of a TX
// envelope's body (buf excludes the frame header).
func DecodeTXHeader(buf []byte) (backchain Address, startTS uint64, innerStart int) {
	backchain = Address(binary.BigEndian.Uint64(buf[0:]))
	startTS = binary.BigEndian.Uint64(buf[8:])
	return backchain, startTS, 16
}

// EncodeCP renders a checkpoint record body: the checkpoint
// timestamp. The frame header's own timestamp field carries the same
// value; the body repeats it so a CP record is self-describing when
// read outside of frame context (recovery's keystone scan).
func EncodeCP(ts uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, ts)
	return buf
}

// DecodeCP parses a checkpoint record body.
func DecodeCP(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}

// VolumeIdentity is the payload of an IV record: binds a volume
// handle (the id stamped in its head page) to the path recovery
// should use to reopen it.
type VolumeIdentity struct {
	VolumeID uint64
	Path     string
}

// EncodeIV serializes a volume-identity record body.
func EncodeIV(v VolumeIdentity) []byte {
	buf := make([]byte, 8+2+len(v.Path))
	binary.BigEndian.PutUint64(buf[0:], v.VolumeID)
	binary.BigEndian.PutUint16(buf[8:], uint16(len(v.Path)))
	copy(buf[10:], v.Path)
	return buf
}

// DecodeIV parses a volume-identity record body.
func DecodeIV(buf []byte) VolumeIdentity {
	n := int(binary.BigEndian.Uint16(buf[8:]))
	return VolumeIdentity{
		VolumeID: binary.BigEndian.Uint64(buf[0:]),
		Path:     string(buf[10 : 10+n]),
	}
}

// TreeIdentity is the payload of an IT record: binds a tree handle to
// the volume it lives in and the name it was created under.
type TreeIdentity struct {
	TreeID   uint32
	VolumeID uint64
	Name     string
}

// EncodeIT serializes a tree-identity record body.
func EncodeIT(t TreeIdentity) []byte {
	buf := make([]byte, 4+8+2+len(t.Name))
	binary.BigEndian.PutUint32(buf[0:], t.TreeID)
	binary.BigEndian.PutUint64(buf[4:], t.VolumeID)
	binary.BigEndian.PutUint16(buf[12:], uint16(len(t.Name)))
	copy(buf[14:], t.Name)
	return buf
}

// DecodeIT parses a tree-identity record body.
func DecodeIT(buf []byte) TreeIdentity {
	n := int(binary.BigEndian.Uint16(buf[12:]))
	return TreeIdentity{
		TreeID:   binary.BigEndian.Uint32(buf[0:]),
		VolumeID: binary.BigEndian.Uint64(buf[4:]),
		Name:     string(buf[14 : 14+n]),
	}
}
