// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pragzip

import (
	"fmt"

	"go.uber.org/zap"
)

// WindowCompression selects how index windows are stored.
type WindowCompression int

const (
	// WindowCompressionNone stores each 32 KiB window uncompressed.
	WindowCompressionNone WindowCompression = iota
	// WindowCompressionDeflate stores each window as raw (unwrapped) DEFLATE.
	WindowCompressionDeflate
)

// Options defines settings for a Reader.
type Options struct {
	Logger *zap.Logger

	Parallelization int
	ChunkSize       int
	SpacingBits     int64

	VerifyChecksums bool

	WindowCompression WindowCompression

	// AutoIndexPath, if set, causes the Reader to export its index to this
	// path on Close, and to import from it on construction if the file
	// already exists, saving repeat callers from re-running the block
	// finder and re-decoding speculatively.
	AutoIndexPath string
}

const (
	defaultChunkSize   = 4 * 1024 * 1024
	defaultSpacingBits = 512 * 1024 * 8
)

// defaultOptions returns default initial values.
func defaultOptions() Options {
	return Options{
		Logger:      zap.NewNop(),
		ChunkSize:   defaultChunkSize,
		SpacingBits: defaultSpacingBits,
	}
}

// OptionFunc allows setting Reader options.
type OptionFunc func(*Options) error

// WithParallelization sets the number of worker goroutines used to decode
// chunks. 0 means use hardware concurrency.
func WithParallelization(n int) OptionFunc {
	return func(opt *Options) error {
		if n < 0 {
			return fmt.Errorf("parallelization should be non-negative: %d", n)
		}

		opt.Parallelization = n

		return nil
	}
}

// WithChunkSize sets the soft lower bound, in bytes, on decoded chunk size.
func WithChunkSize(bytes int) OptionFunc {
	return func(opt *Options) error {
		if bytes <= 0 {
			return fmt.Errorf("chunk size should be positive: %d", bytes)
		}

		opt.ChunkSize = bytes

		return nil
	}
}

// WithSpacing sets the block finder's partition stride, in bits. It must
// be at least the window size (32 KiB) in bits.
func WithSpacing(bits int64) OptionFunc {
	return func(opt *Options) error {
		if bits < 32*1024*8 {
			return fmt.Errorf("spacing smaller than the window size makes no sense: %d bits", bits)
		}

		opt.SpacingBits = bits

		return nil
	}
}

// WithVerifyChecksums makes CRC-32 and ISIZE mismatches surface as errors
// instead of being silently tolerated.
func WithVerifyChecksums(verify bool) OptionFunc {
	return func(opt *Options) error {
		opt.VerifyChecksums = verify

		return nil
	}
}

// WithWindowCompression sets how persisted index windows are stored.
func WithWindowCompression(c WindowCompression) OptionFunc {
	return func(opt *Options) error {
		if c != WindowCompressionNone && c != WindowCompressionDeflate {
			return fmt.Errorf("unknown window compression mode: %d", c)
		}

		opt.WindowCompression = c

		return nil
	}
}

// WithAutoIndex sets a path the Reader imports its index from at open (if
// present) and exports it to at Close.
func WithAutoIndex(path string) OptionFunc {
	return func(opt *Options) error {
		if path == "" {
			return fmt.Errorf("auto index path should be set")
		}

		opt.AutoIndexPath = path

		return nil
	}
}

// WithLogger sets the logger used by the Reader and its background workers.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opt *Options) error {
		opt.Logger = logger

		return nil
	}
}
