package journal

import (
	"encoding/binary"
	"sync"
)

// PageKey identifies a page within a volume for page-map lookups.
type PageKey struct {
	VolumeID uint64
	PageAddr uint64
}

// PageNode is one entry in a page's address chain: the journal
// address holding its image as of Timestamp, newest first.
type PageNode struct {
	Timestamp uint64
	Address   Address
}

// PageMap is the authoritative index from (volume, page) to the
// journal address of its most recent image; volume files are a lazy
// projection maintained by the background Copier. Grounded on
// spec.md §4.7.
type PageMap struct {
	mu      sync.RWMutex
	entries map[PageKey][]PageNode // newest first
}

func NewPageMap() *PageMap {
	return &PageMap{entries: make(map[PageKey][]PageNode)}
}

// Record adds a new head entry for key, newest-first.
func (m *PageMap) Record(key PageKey, ts uint64, addr Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append([]PageNode{{Timestamp: ts, Address: addr}}, m.entries[key]...)
}

// Head returns the newest known address for key, if any.
func (m *PageMap) Head(key PageKey) (Address, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := m.entries[key]
	if len(nodes) == 0 {
		return 0, false
	}
	return nodes[0].Address, true
}

// OldestBefore returns the keys whose oldest node falls at or before
// timestamp, for the background copier to project and retire.
func (m *PageMap) OldestBefore(timestamp uint64) []PageKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PageKey
	for k, nodes := range m.entries {
		if len(nodes) == 0 {
			continue
		}
		last := nodes[len(nodes)-1]
		if last.Timestamp <= timestamp {
			out = append(out, k)
		}
	}
	return out
}

// Retire drops every node for key at or before timestamp (the
// copier calls this once it has durably written the projection).
func (m *PageMap) Retire(key PageKey, timestamp uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := m.entries[key]
	kept := nodes[:0]
	for _, n := range nodes {
		if n.Timestamp > timestamp {
			kept = append(kept, n)
		}
	}
	if len(kept) == 0 {
		delete(m.entries, key)
	} else {
		m.entries[key] = kept
	}
}

// Len reports the number of distinct pages tracked, for diagnostics.
func (m *PageMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot returns a flattened copy of the map's head entries, used
// to build a PM rollover record.
func (m *PageMap) Snapshot() map[PageKey]PageNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[PageKey]PageNode, len(m.entries))
	for k, nodes := range m.entries {
		if len(nodes) > 0 {
			out[k] = nodes[0]
		}
	}
	return out
}

// Load bulk-populates the map from a PM snapshot record read during recovery.
func (m *PageMap) Load(snapshot map[PageKey]PageNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, n := range snapshot {
		m.entries[k] = []PageNode{n}
	}
}

// TxKey identifies a transaction by its start timestamp.
type TxKey uint64

// TxEntry is one transaction map row: start/commit timestamps and the
// address of the transaction's most recent record. Recovery does not
// walk backchains; it reads each TX record as a whole.
type TxEntry struct {
	StartTS      uint64
	StartAddr    Address
	CommitTS     uint64 // 0 while uncommitted
	LastRecAddr  Address
}

// TransactionMap tracks one entry per live or recently-committed
// transaction (spec.md §4.7).
type TransactionMap struct {
	mu      sync.RWMutex
	entries map[TxKey]*TxEntry
}

func NewTransactionMap() *TransactionMap {
	return &TransactionMap{entries: make(map[TxKey]*TxEntry)}
}

func (m *TransactionMap) Begin(startTS uint64, addr Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[TxKey(startTS)] = &TxEntry{StartTS: startTS, StartAddr: addr, LastRecAddr: addr}
}

func (m *TransactionMap) AdvanceLastRecord(startTS uint64, addr Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[TxKey(startTS)]; ok {
		e.LastRecAddr = addr
	}
}

func (m *TransactionMap) Commit(startTS, commitTS uint64, addr Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[TxKey(startTS)]; ok {
		e.CommitTS = commitTS
		e.LastRecAddr = addr
	}
}

func (m *TransactionMap) Remove(startTS uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, TxKey(startTS))
}

func (m *TransactionMap) Get(startTS uint64) (TxEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[TxKey(startTS)]
	if !ok {
		return TxEntry{}, false
	}
	return *e, true
}

// Snapshot returns every entry, for PM/TM rollover persistence or for
// Phase 2 recovery's commit-timestamp sort.
func (m *TransactionMap) Snapshot() []TxEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TxEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}

func (m *TransactionMap) Load(entries []TxEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		cp := e
		m.entries[TxKey(e.StartTS)] = &cp
	}
}

// encodePMSnapshot renders a page-map snapshot as a flat record: a
// count followed by fixed-width (volumeID, pageAddr, timestamp,
// address) rows, for the PM record written at each rollover.
func encodePMSnapshot(snap map[PageKey]PageNode) []byte {
	buf := make([]byte, 4+len(snap)*32)
	binary.BigEndian.PutUint32(buf[0:], uint32(len(snap)))
	off := 4
	for k, n := range snap {
		binary.BigEndian.PutUint64(buf[off:], k.VolumeID)
		binary.BigEndian.PutUint64(buf[off+8:], k.PageAddr)
		binary.BigEndian.PutUint64(buf[off+16:], n.Timestamp)
		binary.BigEndian.PutUint64(buf[off+24:], uint64(n.Address))
		off += 32
	}
	return buf
}

// DecodePMSnapshot parses a PM record body back into a snapshot map,
// for recovery's plan-building scan.
func DecodePMSnapshot(buf []byte) map[PageKey]PageNode { return decodePMSnapshot(buf) }

// decodePMSnapshot parses a PM record body back into a snapshot map.
func decodePMSnapshot(buf []byte) map[PageKey]PageNode {
	if len(buf) < 4 {
		return nil
	}
	count := int(binary.BigEndian.Uint32(buf[0:]))
	out := make(map[PageKey]PageNode, count)
	off := 4
	for i := 0; i < count; i++ {
		k := PageKey{
			VolumeID: binary.BigEndian.Uint64(buf[off:]),
			PageAddr: binary.BigEndian.Uint64(buf[off+8:]),
		}
		out[k] = PageNode{
			Timestamp: binary.BigEndian.Uint64(buf[off+16:]),
			Address:   Address(binary.BigEndian.Uint64(buf[off+24:])),
		}
		off += 32
	}
	return out
}

// encodeTMSnapshot renders a transaction-map snapshot as a flat
// record: a count followed by fixed-width rows, for the TM record
// written at each rollover.
func encodeTMSnapshot(entries []TxEntry) []byte {
	buf := make([]byte, 4+len(entries)*32)
	binary.BigEndian.PutUint32(buf[0:], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.BigEndian.PutUint64(buf[off:], e.StartTS)
		binary.BigEndian.PutUint64(buf[off+8:], uint64(e.StartAddr))
		binary.BigEndian.PutUint64(buf[off+16:], e.CommitTS)
		binary.BigEndian.PutUint64(buf[off+24:], uint64(e.LastRecAddr))
		off += 32
	}
	return buf
}

// DecodeTMSnapshot parses a TM record body back into entries, for
// recovery's plan-building scan.
func DecodeTMSnapshot(buf []byte) []TxEntry { return decodeTMSnapshot(buf) }

// decodeTMSnapshot parses a TM record body back into entries.
func decodeTMSnapshot(buf []byte) []TxEntry {
	if len(buf) < 4 {
		return nil
	}
	count := int(binary.BigEndian.Uint32(buf[0:]))
	out := make([]TxEntry, 0, count)
	off := 4
	for i := 0; i < count; i++ {
		out = append(out, TxEntry{
			StartTS:     binary.BigEndian.Uint64(buf[off:]),
			StartAddr:   Address(binary.BigEndian.Uint64(buf[off+8:])),
			CommitTS:    binary.BigEndian.Uint64(buf[off+16:]),
			LastRecAddr: Address(binary.BigEndian.Uint64(buf[off+24:])),
		})
		off += 32
	}
	return out
}
