// Package compression provides the streaming codecs used to compress send
// streams on their way to the remote and decompress them on the way back.
//
// Recognized codec names match the classic CLI tools they replace: gzip,
// pigz (parallel gzip) and zstd. All codecs run in-process; no external
// binary is required.
package compression

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// ErrUnsupportedCodec is returned for unknown codec names or extensions.
// Config validation surfaces it at load time, never mid-pipeline.
var ErrUnsupportedCodec = errors.New("unsupported compression codec")

// DefaultName is the codec used when the config does not pick one.
const DefaultName = "pigz"

// Codec is a streaming compressor/decompressor. The zero value is not usable;
// obtain instances via ForName or ForExtension.
type Codec struct {
	name      string
	extension string
	// concurrency is the number of parallel compression workers.
	concurrency int
}

// pgzip blocks are compressed independently; 1MB is pgzip's default and
// keeps memory bounded at concurrency * blockSize.
const pgzipBlockSize = 1 << 20

var codecs = []Codec{
	{name: "gzip", extension: "gz", concurrency: 1},
	{name: "pigz", extension: "gz", concurrency: runtime.GOMAXPROCS(0)},
	{name: "zstd", extension: "zst", concurrency: runtime.GOMAXPROCS(0)},
}

// ForName returns the codec registered under the given name.
func ForName(name string) (Codec, error) {
	for _, c := range codecs {
		if c.name == name {
			return c, nil
		}
	}
	return Codec{}, fmt.Errorf("%w: %q (supported: gzip, pigz, zstd)", ErrUnsupportedCodec, name)
}

// ForExtension returns a codec able to decode artifacts with the given file
// extension. Used on the restore path, where only the artifact name is known.
func ForExtension(ext string) (Codec, error) {
	for _, c := range codecs {
		if c.extension == ext {
			return c, nil
		}
	}
	return Codec{}, fmt.Errorf("%w: no codec for extension %q", ErrUnsupportedCodec, ext)
}

// Name returns the codec's registered name.
func (c Codec) Name() string { return c.name }

// Extension returns the artifact file extension, e.g. "gz".
func (c Codec) Extension() string { return c.extension }

// Compress reads src to EOF, writes the compressed stream to dst and flushes.
func (c Codec) Compress(dst io.Writer, src io.Reader) error {
	switch c.extension {
	case "gz":
		w := pgzip.NewWriter(dst)
		if err := w.SetConcurrency(pgzipBlockSize, max(c.concurrency, 1)); err != nil {
			return fmt.Errorf("%s: invalid concurrency: %w", c.name, err)
		}
		if _, err := io.Copy(w, src); err != nil {
			w.Close()
			return fmt.Errorf("%s compression failed: %w", c.name, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("%s failed to flush: %w", c.name, err)
		}
		return nil
	case "zst":
		w, err := zstd.NewWriter(dst, zstd.WithEncoderConcurrency(max(c.concurrency, 1)))
		if err != nil {
			return fmt.Errorf("zstd encoder setup failed: %w", err)
		}
		if _, err := io.Copy(w, src); err != nil {
			w.Close()
			return fmt.Errorf("zstd compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("zstd failed to flush: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCodec, c.name)
	}
}

// Decompress reads a compressed stream from src and writes the plain bytes
// to dst.
func (c Codec) Decompress(dst io.Writer, src io.Reader) error {
	switch c.extension {
	case "gz":
		r, err := pgzip.NewReader(src)
		if err != nil {
			return fmt.Errorf("%s: invalid stream: %w", c.name, err)
		}
		defer r.Close()
		if _, err := io.Copy(dst, r); err != nil {
			return fmt.Errorf("%s decompression failed: %w", c.name, err)
		}
		return nil
	case "zst":
		r, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(max(c.concurrency, 1)))
		if err != nil {
			return fmt.Errorf("zstd decoder setup failed: %w", err)
		}
		defer r.Close()
		if _, err := io.Copy(dst, r.IOReadCloser()); err != nil {
			return fmt.Errorf("zstd decompression failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCodec, c.name)
	}
}
