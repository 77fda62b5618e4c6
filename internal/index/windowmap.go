// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package index

import (
	"fmt"
	"sync"

	"github.com/Vadiml1024/pragzip/internal/windowcodec"
)

// WindowMap stores, per chunk start bit offset, the up-to-32 KiB window of
// decompressed bytes that immediately precede that chunk. It is consulted
// whenever a chunk needs to be resolved out of marker form, and whenever a
// chunk is decoded without its true predecessor already known, per
// spec.md §4.6.
//
// Storage is optionally DEFLATE-compressed (raw, no wrapper) via
// internal/windowcodec, matching the "windows may be stored compressed"
// index option.
type WindowMap struct {
	mu         sync.RWMutex
	compressed bool
	codec      *windowcodec.Codec
	windows    map[uint64][]byte
}

// NewWindowMap creates a WindowMap. When compressed is true, windows are
// held DEFLATE-compressed in memory and inflated on Get.
func NewWindowMap(compressed bool, level int) *WindowMap {
	wm := &WindowMap{
		compressed: compressed,
		windows:    make(map[uint64][]byte),
	}

	if compressed {
		wm.codec = windowcodec.New(level)
	}

	return wm
}

// Put stores window as the preceding history for the chunk starting at
// chunkStartBit. window at a member boundary must be empty, per the index
// format's "windows at member boundaries must be zero-length" rule.
func (wm *WindowMap) Put(chunkStartBit uint64, window []byte) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	if !wm.compressed {
		stored := make([]byte, len(window))
		copy(stored, window)
		wm.windows[chunkStartBit] = stored

		return nil
	}

	compressed, err := wm.codec.Compress(window, nil)
	if err != nil {
		return fmt.Errorf("index: compress window: %w", err)
	}

	wm.windows[chunkStartBit] = compressed

	return nil
}

// Get returns the window preceding the chunk starting at chunkStartBit.
func (wm *WindowMap) Get(chunkStartBit uint64) ([]byte, bool, error) {
	wm.mu.RLock()
	stored, ok := wm.windows[chunkStartBit]
	wm.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	if !wm.compressed {
		return stored, true, nil
	}

	window, err := wm.codec.Decompress(stored, nil)
	if err != nil {
		return nil, false, fmt.Errorf("index: decompress window: %w", err)
	}

	return window, true, nil
}

// Has reports whether a window is stored for chunkStartBit.
func (wm *WindowMap) Has(chunkStartBit uint64) bool {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	_, ok := wm.windows[chunkStartBit]

	return ok
}

// Len returns the number of stored windows.
func (wm *WindowMap) Len() int {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	return len(wm.windows)
}

// Compressed reports whether windows are stored DEFLATE-compressed.
func (wm *WindowMap) Compressed() bool {
	return wm.compressed
}

// RawEntry returns the on-disk representation of the window at
// chunkStartBit (compressed if the map is compressed, raw otherwise), for
// use by the codec when serialising the index without a redundant
// decompress/recompress round trip.
func (wm *WindowMap) RawEntry(chunkStartBit uint64) ([]byte, bool) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	b, ok := wm.windows[chunkStartBit]

	return b, ok
}

// PutRaw stores the already-encoded bytes for chunkStartBit as read
// verbatim from an index file, without a redundant compress/decompress
// round trip.
func (wm *WindowMap) PutRaw(chunkStartBit uint64, raw []byte) {
	wm.mu.Lock()
	wm.windows[chunkStartBit] = raw
	wm.mu.Unlock()
}

// Reset discards every stored window.
func (wm *WindowMap) Reset() {
	wm.mu.Lock()
	wm.windows = make(map[uint64][]byte)
	wm.mu.Unlock()
}
