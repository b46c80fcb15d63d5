package bundle

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/flate"

	"github.com/polarexpress/polarexpress/pkg/model"
)

// Compressor is the capability set every payload compressor implements:
// init via the constructor, then Step per chunk and one Finalize.
type Compressor interface {
	// Step feeds one chunk's raw bytes in, returning the bytes to append to
	// the current payload stream (may be empty if the compressor is still
	// buffering).
	Step(raw []byte) ([]byte, error)
	// Finalize flushes any buffered state, returning the final bytes to
	// append.
	Finalize() ([]byte, error)
	// Type names the compression algorithm for the manifest.
	Type() model.CompressionType
}

// NoneCompressor passes bytes through unchanged.
type NoneCompressor struct{}

func (NoneCompressor) Step(raw []byte) ([]byte, error)  { return raw, nil }
func (NoneCompressor) Finalize() ([]byte, error)        { return nil, nil }
func (NoneCompressor) Type() model.CompressionType      { return model.CompressionNone }

// DeflateCompressor wraps klauspost/compress/flate, a faster,
// allocation-lighter drop-in for the stdlib compress/flate.
type DeflateCompressor struct {
	level int
	buf   *bytes.Buffer
	w     *flate.Writer
}

// NewDeflateCompressor constructs a DeflateCompressor at the given zlib
// compression level, per the CLI's --zlib_compression_level convention:
// -1 selects flate.DefaultCompression, 0 disables compression
// (flate.NoCompression), and 1-9 select an explicit DEFLATE level.
func NewDeflateCompressor(level int) (*DeflateCompressor, error) {
	buf := &bytes.Buffer{}
	w, err := flate.NewWriter(buf, level)
	if err != nil {
		return nil, fmt.Errorf("bundle: init deflate writer: %w", err)
	}
	return &DeflateCompressor{level: level, buf: buf, w: w}, nil
}

func (d *DeflateCompressor) Step(raw []byte) ([]byte, error) {
	d.buf.Reset()
	if _, err := d.w.Write(raw); err != nil {
		return nil, err
	}
	if err := d.w.Flush(); err != nil {
		return nil, err
	}
	out := make([]byte, d.buf.Len())
	copy(out, d.buf.Bytes())
	return out, nil
}

func (d *DeflateCompressor) Finalize() ([]byte, error) {
	d.buf.Reset()
	if err := d.w.Close(); err != nil {
		return nil, err
	}
	out := make([]byte, d.buf.Len())
	copy(out, d.buf.Bytes())
	return out, nil
}

func (d *DeflateCompressor) Type() model.CompressionType { return model.CompressionDeflate }

// NewCompressor constructs the compressor named by kind.
func NewCompressor(kind model.CompressionType, level int) (Compressor, error) {
	switch kind {
	case model.CompressionNone, "":
		return NoneCompressor{}, nil
	case model.CompressionDeflate:
		return NewDeflateCompressor(level)
	default:
		return nil, fmt.Errorf("bundle: unknown compression type %q", kind)
	}
}
