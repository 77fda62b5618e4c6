// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package blockfind

import (
	"errors"
	"io"
)

// bgzfScanner walks a BGZF file member by member, using each member's
// exact BSIZE (from its "BC" extra subfield) to jump straight to the next
// member without touching the DEFLATE payload, following
// blockfinder/Bgzf.hpp's find() in the reference sources.
type bgzfScanner struct {
	src    io.ReaderAt
	cursor int64
	done   bool
}

func newBGZFScanner(src io.ReaderAt, startByte int64) *bgzfScanner {
	return &bgzfScanner{src: src, cursor: startByte}
}

// next returns the bit offset of the next member's DEFLATE payload and
// advances past it, or ok=false once a non-BGZF member or EOF is reached.
func (s *bgzfScanner) next() (offsetBits uint64, ok bool, err error) {
	if s.done {
		return 0, false, nil
	}

	info, err := readGzipHeader(s.src, s.cursor)
	if errors.Is(err, io.EOF) || errors.Is(err, ErrNotGzip) {
		s.done = true

		return 0, false, nil
	}

	if err != nil {
		s.done = true

		return 0, false, err
	}

	if !info.hasBC {
		s.done = true

		return 0, false, nil
	}

	offsetBits = uint64(s.cursor+info.headerLen) * 8
	totalSize := int64(info.bsize) + 1
	s.cursor += totalSize

	return offsetBits, true, nil
}
