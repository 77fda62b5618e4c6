// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package index

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
)

// Magic identifies a pragzip index file: "GZIDX" followed by a null byte,
// a reserved byte, and the format's major version.
var Magic = [8]byte{'G', 'Z', 'I', 'D', 'X', 0, 0, 1}

const formatVersion = 1

// FlagWindowsCompressed marks that window_bytes records are DEFLATE
// compressed rather than raw.
const FlagWindowsCompressed = 1 << 0

var (
	ErrInvalidMagic       = errors.New("index: invalid magic bytes")
	ErrUnsupportedVersion = errors.New("index: unsupported format version")
	ErrTruncated          = errors.New("index: truncated or malformed index file")
	ErrChecksumMismatch   = errors.New("index: trailer checksum mismatch")
	ErrNotMonotonicOnLoad = errors.New("index: imported records are not monotonic")
)

// ExportOptions controls how Export serialises a block map and window map.
type ExportOptions struct {
	WindowCompression bool
	StreamSize        uint64
	StreamCRC32       uint32
}

// Export writes bm and wm to w in the format described by spec.md §6: an
// 8-byte magic, version, flags, record counts, then one record per block
// map entry carrying its window, followed by a trailer with the whole
// stream's decompressed size and CRC-32 plus a running CRC-32 over
// everything written before the trailer for corruption detection on
// import.
func Export(w io.Writer, bm *BlockMap, wm *WindowMap, opts ExportOptions) error {
	bw := bufio.NewWriter(w)
	cw := newCRCWriter(bw)

	if _, err := cw.Write(Magic[:]); err != nil {
		return err
	}

	if err := writeUint8(cw, formatVersion); err != nil {
		return err
	}

	var flags uint8
	if opts.WindowCompression {
		flags |= FlagWindowsCompressed
	}

	if err := writeUint8(cw, flags); err != nil {
		return err
	}

	records := bm.All()

	// chunk_count is the number of DEFLATE chunks the block map has
	// confirmed; record_count is how many of those follow below with a
	// window attached. This implementation always records every confirmed
	// chunk, so the two coincide, but they are tracked as separate
	// quantities since a future sparse export (recording offsets without
	// carrying every window) would not keep them equal.
	chunkCount := uint64(bm.Len())
	recordCount := uint64(len(records))

	if err := writeUint64(cw, chunkCount); err != nil {
		return err
	}

	if err := writeUint64(cw, recordCount); err != nil {
		return err
	}

	for _, r := range records {
		window, _ := wm.RawEntry(r.CompressedBit)

		if err := writeUint64(cw, r.CompressedBit); err != nil {
			return err
		}

		if err := writeUint64(cw, r.DecompressedByte); err != nil {
			return err
		}

		if err := writeUint32(cw, uint32(len(window))); err != nil {
			return err
		}

		if len(window) > 0 {
			if _, err := cw.Write(window); err != nil {
				return err
			}
		}
	}

	if err := writeUint64(cw, opts.StreamSize); err != nil {
		return err
	}

	if err := writeUint32(cw, opts.StreamCRC32); err != nil {
		return err
	}

	if err := writeUint32(bw, cw.crc.Sum32()); err != nil {
		return err
	}

	return bw.Flush()
}

// Imported holds the result of a successful Import.
type Imported struct {
	BlockMap    *BlockMap
	WindowMap   *WindowMap
	StreamSize  uint64
	StreamCRC32 uint32
}

// Import reads and validates an index file written by Export. It verifies
// magic, version, the trailer checksum, and that every record is strictly
// monotonic in both coordinates.
func Import(r io.Reader) (*Imported, error) {
	br := bufio.NewReader(r)
	cr := newCRCReader(br)

	var magic [8]byte
	if _, err := io.ReadFull(cr, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	if magic != Magic {
		return nil, ErrInvalidMagic
	}

	version, err := readUint8(cr)
	if err != nil {
		return nil, err
	}

	if version != formatVersion {
		return nil, ErrUnsupportedVersion
	}

	flags, err := readUint8(cr)
	if err != nil {
		return nil, err
	}

	compressed := flags&FlagWindowsCompressed != 0

	chunkCount, err := readUint64(cr)
	if err != nil {
		return nil, err
	}

	recordCount, err := readUint64(cr)
	if err != nil {
		return nil, err
	}

	if chunkCount != recordCount {
		return nil, fmt.Errorf("%w: chunk_count %d != record_count %d", ErrTruncated, chunkCount, recordCount)
	}

	bm := NewBlockMap()
	wm := NewWindowMap(compressed, 0)

	for i := uint64(0); i < recordCount; i++ {
		compressedBit, err := readUint64(cr)
		if err != nil {
			return nil, err
		}

		decompressedByte, err := readUint64(cr)
		if err != nil {
			return nil, err
		}

		windowLen, err := readUint32(cr)
		if err != nil {
			return nil, err
		}

		window := make([]byte, windowLen)
		if windowLen > 0 {
			if _, err := io.ReadFull(cr, window); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
			}
		}

		if err := bm.Append(Record{CompressedBit: compressedBit, DecompressedByte: decompressedByte}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotMonotonicOnLoad, err)
		}

		wm.PutRaw(compressedBit, window)
	}

	streamSize, err := readUint64(cr)
	if err != nil {
		return nil, err
	}

	streamCRC32, err := readUint32(cr)
	if err != nil {
		return nil, err
	}

	// The trailer's own checksum field must not feed the running checksum
	// it verifies, so it is read directly from the underlying reader.
	computed := cr.crc.Sum32()

	storedTrailerCRC, err := readUint32(br)
	if err != nil {
		return nil, err
	}

	if storedTrailerCRC != computed {
		return nil, ErrChecksumMismatch
	}

	bm.Finalize()

	return &Imported{BlockMap: bm, WindowMap: wm, StreamSize: streamSize, StreamCRC32: streamCRC32}, nil
}

// SaveFile writes the index to path atomically: build the full file
// contents, write to path+".tmp", then rename over path, following the
// teacher's atomicWriteFile pattern from persistence.go.
func SaveFile(path string, bm *BlockMap, wm *WindowMap, opts ExportOptions) error {
	var buf bytes.Buffer

	if err := Export(&buf, bm, wm, opts); err != nil {
		return fmt.Errorf("index: export: %w", err)
	}

	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("index: write temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck

		return fmt.Errorf("index: rename temporary file: %w", err)
	}

	return nil
}

// LoadFile reads and validates the index at path.
func LoadFile(path string) (*Imported, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}
	defer f.Close()

	return Import(f)
}

// crcWriter wraps an io.Writer, accumulating an IEEE CRC-32 over every
// byte written, feeding the trailer's "record_crc32_of_preceding_bytes".
type crcWriter struct {
	w   io.Writer
	crc hash.Hash32
}

func newCRCWriter(w io.Writer) *crcWriter {
	return &crcWriter{w: w, crc: crc32.NewIEEE()}
}

func (cw *crcWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.crc.Write(p[:n]) //nolint:errcheck
	}

	return n, err
}

// crcReader wraps an io.Reader, accumulating an IEEE CRC-32 over every
// byte read through it, so Import can verify the trailer checksum without
// a second pass over the file.
type crcReader struct {
	r   io.Reader
	crc hash.Hash32
}

func newCRCReader(r io.Reader) *crcReader {
	return &crcReader{r: r, crc: crc32.NewIEEE()}
}

func (cr *crcReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.crc.Write(p[:n]) //nolint:errcheck
	}

	return n, err
}

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})

	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])

	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])

	return err
}

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	return b[0], nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}
