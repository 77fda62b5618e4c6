// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package windowcodec compresses and decompresses the 32 KiB sliding
// windows stored in a persisted index, adapted from the teacher's zstd
// wrapper (github.com/siderolabs/go-circular/zstd) but using raw,
// unwrapped DEFLATE via klauspost/compress/flate, per spec.md §4.6/§6
// ("windows may be stored compressed (DEFLATE, no wrapper)").
package windowcodec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Codec compresses and decompresses window bytes. It mirrors the shape of
// the teacher's Compressor interface (Compress/Decompress append to a
// destination slice) but drops DecompressedSize, since window records
// carry an explicit window_length field in the index format instead of
// depending on the codec to recover it from the compressed bytes.
type Codec struct {
	level int
}

// New creates a Codec at the given DEFLATE compression level (see
// compress/flate levels; flate.DefaultCompression is a reasonable choice
// for the small, already low-entropy 32 KiB windows this codec handles).
func New(level int) *Codec {
	return &Codec{level: level}
}

// Compress returns the raw-DEFLATE compressed form of src, appended to dst.
func (c *Codec) Compress(src, dst []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)

	w, err := flate.NewWriter(buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("windowcodec: new writer: %w", err)
	}

	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("windowcodec: write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("windowcodec: close: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress inflates src (raw DEFLATE, no wrapper) into dst.
func (c *Codec) Decompress(src, dst []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()

	buf := bytes.NewBuffer(dst)

	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("windowcodec: read: %w", err)
	}

	return buf.Bytes(), nil
}
