// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package index holds the persisted, random-access map from compressed
// bit offsets to decompressed byte offsets (BlockMap) and the sliding
// 32 KiB windows needed to resolve chunks decoded without their true
// preceding history (WindowMap), plus the binary codec that serialises
// both to and from disk.
//
// Grounded on the teacher's chunk bookkeeping in circular.go (an
// append-only, ordered slice of records with offsets recomputed on
// load, see persistence.go's load()) generalised from a single rolling
// buffer to a permanent, growing index.
package index

import (
	"errors"
	"sort"
	"sync"
)

// Record is one confirmed correspondence between a compressed bit offset
// and the decompressed byte offset it produces, one per chunk start.
type Record struct {
	CompressedBit    uint64
	DecompressedByte uint64
}

// ErrNotMonotonic is returned when an appended record would violate the
// block map's strict monotonicity in both coordinates.
var ErrNotMonotonic = errors.New("index: block map record is not strictly monotonic")

// ErrFinalized is returned by Append once the block map has been finalized.
var ErrFinalized = errors.New("index: block map is finalized, cannot append further records")

// BlockMap is the ordered, append-only sequence of confirmed
// (compressed_bit_offset, decompressed_byte_offset) pairs described by
// spec.md §3: strictly monotone in both coordinates, finalized once the
// whole stream has been walked.
type BlockMap struct {
	mu        sync.RWMutex
	records   []Record
	finalized bool
}

// NewBlockMap creates an empty BlockMap.
func NewBlockMap() *BlockMap {
	return &BlockMap{}
}

// Append adds a new record, which must strictly exceed the previous
// record's coordinates in both dimensions.
func (m *BlockMap) Append(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return ErrFinalized
	}

	if n := len(m.records); n > 0 {
		prev := m.records[n-1]
		if r.CompressedBit <= prev.CompressedBit || r.DecompressedByte <= prev.DecompressedByte {
			return ErrNotMonotonic
		}
	}

	m.records = append(m.records, r)

	return nil
}

// Finalize marks the block map as complete: the stream has been walked in
// full and no further records will be appended.
func (m *BlockMap) Finalize() {
	m.mu.Lock()
	m.finalized = true
	m.mu.Unlock()
}

// Finalized reports whether Finalize has been called.
func (m *BlockMap) Finalized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.finalized
}

// Len returns the number of records.
func (m *BlockMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.records)
}

// At returns the i-th record.
func (m *BlockMap) At(i int) Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.records[i]
}

// All returns a copy of every record, in order.
func (m *BlockMap) All() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, len(m.records))
	copy(out, m.records)

	return out
}

// FindByBit returns the record with the largest CompressedBit that is <=
// bit, i.e. the chunk whose decode covers that compressed bit offset.
func (m *BlockMap) FindByBit(bit uint64) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.records), func(i int) bool { return m.records[i].CompressedBit > bit })
	if i == 0 {
		return Record{}, false
	}

	return m.records[i-1], true
}

// FindByByte returns the record with the largest DecompressedByte that is
// <= byteOffset, i.e. the chunk to start decoding from to reach that
// decompressed byte.
func (m *BlockMap) FindByByte(byteOffset uint64) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.records), func(i int) bool { return m.records[i].DecompressedByte > byteOffset })
	if i == 0 {
		return Record{}, false
	}

	return m.records[i-1], true
}

// Reset discards all records and clears the finalized flag, used when
// importing a fresh index over an existing BlockMap instance.
func (m *BlockMap) Reset() {
	m.mu.Lock()
	m.records = nil
	m.finalized = false
	m.mu.Unlock()
}
