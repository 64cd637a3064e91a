// Package compress implements the compressor/decompressor registry the
// binary cache and transfer layers use to stream narinfo/NAR bodies
// through one of several wire compression formats (spec.md §4.3).
//
// Grounded on the teacher's layered io.Writer/io.Reader composition
// style (registry/storage/blobwriter.go chains a digester in front of
// the storage driver's FileWriter); here a Method chains a codec's
// writer/reader in front of the caller's stream instead of a digester.
package compress

import (
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Method names a wire compression format, matching the Compression
// field of a narinfo record (spec.md §6.2).
type Method string

const (
	None Method = "none"
	XZ   Method = "xz"
	Bzip2 Method = "bzip2"
	Gzip Method = "gzip"
	Zstd Method = "zstd"
	Brotli Method = "br"
)

// ErrUnsupportedMethod is returned for a Method this build was not
// compiled to handle, or for a write-direction request against a
// decode-only format (bzip2).
type ErrUnsupportedMethod struct {
	Method Method
	Reason string
}

func (e *ErrUnsupportedMethod) Error() string {
	return fmt.Sprintf("compression method %q: %s", e.Method, e.Reason)
}

// NewWriter wraps w with an encoder for method, returning w unwrapped
// for None. The returned io.WriteCloser's Close must be called to flush
// trailing compressor state before w is itself closed.
func NewWriter(method Method, w io.Writer) (io.WriteCloser, error) {
	switch method {
	case "", None:
		return nopWriteCloser{w}, nil
	case XZ:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return xw, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return zw, nil
	case Brotli:
		return brotli.NewWriter(w), nil
	case Bzip2:
		return nil, &ErrUnsupportedMethod{Method: method, Reason: "bzip2 is decode-only in this store"}
	default:
		return nil, &ErrUnsupportedMethod{Method: method, Reason: "unknown method"}
	}
}

// NewReader wraps r with a decoder for method, returning r unwrapped
// for None.
func NewReader(method Method, r io.Reader) (io.ReadCloser, error) {
	switch method {
	case "", None:
		return io.NopCloser(r), nil
	case XZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case Gzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return gr, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{zr}, nil
	case Brotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	case Bzip2:
		br, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, err
		}
		return br, nil
	default:
		return nil, &ErrUnsupportedMethod{Method: method, Reason: "unknown method"}
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// zstdReadCloser adapts *zstd.Decoder's Close (which returns nothing)
// to io.ReadCloser.
type zstdReadCloser struct{ d *zstd.Decoder }

func (z zstdReadCloser) Read(p []byte) (int, error) { return z.d.Read(p) }
func (z zstdReadCloser) Close() error {
	z.d.Close()
	return nil
}
