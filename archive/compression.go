// Package archive reads and writes the tarballs served in download tests,
// raw or compressed with gzip or lz4.
package archive

import (
	"bytes"
	"compress/gzip"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/pierrec/lz4"
)

// Magic byte sequences prepended to the start of every gzip or lz4
// compressed bundle. Checking for them tells us whether a stream needs
// decompressing and with which schema.
const (
	gzipMagicNumber = "1f8b"
	lz4MagicNumber  = "04224d18"
)

type Compression int

const (
	// Auto infers the compression from magic bytes, then file extension.
	Auto Compression = iota
	Tar
	Gzip
	Lz4
)

func (c Compression) String() string {
	switch c {
	case Auto:
		return "auto"
	case Tar:
		return "tar"
	case Gzip:
		return "gzip"
	case Lz4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", int(c))
	}
}

// ParseCompression maps a flag value ("tar", "gzip", "lz4" or "") to a
// Compression. The empty string means Auto.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "auto":
		return Auto, nil
	case "tar":
		return Tar, nil
	case "gzip", "gz":
		return Gzip, nil
	case "lz4":
		return Lz4, nil
	}
	return Auto, fmt.Errorf("unknown compression %q", s)
}

// Extension returns the usual file suffix for a tarball compressed with c.
func (c Compression) Extension() string {
	switch c {
	case Gzip:
		return ".tar.gz"
	case Lz4:
		return ".tar.lz4"
	default:
		return ".tar"
	}
}

// Detect works out the compression of stream. Preference order:
//  1. magic number at the start of the stream
//  2. extension of filename
//  3. raw tar
//
// The returned reader replays the bytes consumed while sniffing.
func Detect(filename string, stream io.Reader) (Compression, io.Reader, error) {
	magicNumber, spliced, err := readMagicNumber(stream)
	if err != nil {
		return Auto, nil, err
	}
	switch {
	case strings.HasPrefix(magicNumber, gzipMagicNumber):
		return Gzip, spliced, nil
	case strings.HasPrefix(magicNumber, lz4MagicNumber):
		return Lz4, spliced, nil
	case strings.HasSuffix(filename, "lz4"):
		return Lz4, spliced, nil
	case strings.HasSuffix(filename, "gz"):
		return Gzip, spliced, nil
	default:
		return Tar, spliced, nil
	}
}

// Reads the first few bytes of the stream to get any possible magic number.
// Returns a spliced-together reader since the original has already been
// read from.
func readMagicNumber(reader io.Reader) (string, io.Reader, error) {
	buf := make([]byte, 4)
	n, err := io.ReadFull(reader, buf)
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		// Shorter than a magic number, nothing left to splice.
		return hex.EncodeToString(buf[:n]), bytes.NewReader(buf[:n]), nil
	default:
		return "", nil, fmt.Errorf("failed to read magic number: %w", err)
	}
	return hex.EncodeToString(buf), io.MultiReader(bytes.NewReader(buf), reader), nil
}

// NewReader wraps stream in a decompressor for c. Auto detects the
// compression from the stream contents and filename.
func NewReader(filename string, stream io.Reader, c Compression) (io.Reader, error) {
	if c == Auto {
		var err error
		if c, stream, err = Detect(filename, stream); err != nil {
			return nil, err
		}
	}
	switch c {
	case Tar:
		return stream, nil
	case Gzip:
		zr, err := gzip.NewReader(stream)
		if err != nil {
			return nil, fmt.Errorf("error creating gzip stream: %w", err)
		}
		return zr, nil
	case Lz4:
		return lz4.NewReader(stream), nil
	}
	return nil, fmt.Errorf("unsupported compression %s", c)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w in a compressor for c. Closing the result flushes the
// compressor but leaves w open.
func NewWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case Tar, Auto:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Lz4:
		return lz4.NewWriter(w), nil
	}
	return nil, fmt.Errorf("unsupported compression %s", c)
}
