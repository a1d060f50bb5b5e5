package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

var testFiles = []File{
	{Name: "bundle/"},
	{Name: "bundle/readme.txt", Data: []byte("read me")},
	{Name: "bundle/data/blob.bin", Data: bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 1024)},
	{Name: "bundle/empty", Data: nil},
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, c := range []Compression{Tar, Gzip, Lz4} {
		t.Run(c.String(), func(t *testing.T) {
			qc := qt.New(t)
			var buf bytes.Buffer
			qc.Assert(Write(&buf, testFiles, c), qt.IsNil)

			// Auto detection has to pick the right decompressor from the
			// stream alone, the name carries no hint.
			stream, err := NewReader("download", &buf, Auto)
			qc.Assert(err, qt.IsNil)

			dir := t.TempDir()
			qc.Assert(Extract(stream, dir, 4), qt.IsNil)

			for _, f := range testFiles {
				if f.isDir() {
					continue
				}
				got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f.Name)))
				qc.Assert(err, qt.IsNil)
				qc.Assert(len(got), qt.Equals, len(f.Data))
				qc.Assert(bytes.Equal(got, f.Data), qt.IsTrue)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     []byte
		want     Compression
	}{
		{"gzip magic", "file", []byte{0x1f, 0x8b, 0x08, 0x00, 0x01}, Gzip},
		{"lz4 magic", "file.tar", []byte{0x04, 0x22, 0x4d, 0x18, 0x01}, Lz4},
		{"lz4 extension", "file.tar.lz4", []byte("plain text"), Lz4},
		{"gz extension", "file.tgz", []byte("plain text"), Gzip},
		{"tar extension", "file.tar", []byte("plain text"), Tar},
		{"unknown", "file.bin", []byte("plain text"), Tar},
		{"short stream", "file", []byte{0x1f}, Tar},
		{"empty stream", "file", nil, Tar},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, spliced, err := Detect(tt.filename, bytes.NewReader(tt.data))
			if err != nil {
				t.Fatalf("Unexpected error %v", err)
			}
			if c != tt.want {
				t.Fatalf("Got %s, wanted %s", c, tt.want)
			}
			// Sniffing must not lose any bytes.
			replayed, err := io.ReadAll(spliced)
			if err != nil {
				t.Fatalf("Unexpected error %v", err)
			}
			if !bytes.Equal(replayed, tt.data) {
				t.Fatalf("Got %x, wanted %x", replayed, tt.data)
			}
		})
	}
}

func TestParseCompression(t *testing.T) {
	c := qt.New(t)
	for in, want := range map[string]Compression{"": Auto, "tar": Tar, "gzip": Gzip, "gz": Gzip, "lz4": Lz4} {
		got, err := ParseCompression(in)
		c.Assert(err, qt.IsNil)
		c.Assert(got, qt.Equals, want)
	}
	_, err := ParseCompression("zstd")
	c.Assert(err, qt.ErrorMatches, `unknown compression "zstd"`)
}

func TestExtractRejectsEscapes(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer
	c.Assert(Write(&buf, []File{{Name: "../outside.txt", Data: []byte("nope")}}, Tar), qt.IsNil)

	parent := t.TempDir()
	dir := filepath.Join(parent, "target")
	c.Assert(os.Mkdir(dir, 0o755), qt.IsNil)

	err := Extract(&buf, dir, 1)
	c.Assert(errors.Is(err, ErrUnsafePath), qt.IsTrue)
	_, err = os.Stat(filepath.Join(parent, "outside.txt"))
	c.Assert(os.IsNotExist(err), qt.IsTrue)
}

// entry is a raw tar entry, for the link types File can't describe.
type entry struct {
	name, link string
	typ        byte
	data       string
}

func rawTar(c *qt.C, entries ...entry) *bytes.Buffer {
	c.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Linkname: e.link, Typeflag: e.typ, Mode: 0o755, Size: int64(len(e.data))}
		c.Assert(tw.WriteHeader(hdr), qt.IsNil)
		_, err := tw.Write([]byte(e.data))
		c.Assert(err, qt.IsNil)
	}
	c.Assert(tw.Close(), qt.IsNil)
	return &buf
}

func TestExtractRejectsSymlinkEscapes(t *testing.T) {
	c := qt.New(t)
	pwned := entry{name: "link/pwned.txt", typ: tar.TypeReg, data: "pwned"}

	tests := []struct {
		name    string
		entries func(outside string) []entry
	}{{
		name: "absolute target",
		entries: func(outside string) []entry {
			return []entry{{name: "link", link: outside, typ: tar.TypeSymlink}, pwned}
		},
	}, {
		name: "relative target",
		entries: func(string) []entry {
			return []entry{{name: "link", link: "../outside", typ: tar.TypeSymlink}, pwned}
		},
	}, {
		name: "nested relative target",
		entries: func(string) []entry {
			return []entry{
				{name: "a/", typ: tar.TypeDir},
				{name: "a/link", link: "../../outside", typ: tar.TypeSymlink},
				{name: "a/link/pwned.txt", typ: tar.TypeReg, data: "pwned"},
			}
		},
	}, {
		name: "through a chained link",
		entries: func(string) []entry {
			return []entry{
				{name: "self", link: ".", typ: tar.TypeSymlink},
				{name: "self/link", link: "../outside", typ: tar.TypeSymlink},
				{name: "self/link/pwned.txt", typ: tar.TypeReg, data: "pwned"},
			}
		},
	}, {
		name: "hardlink through a link",
		entries: func(string) []entry {
			return []entry{
				{name: "self", link: ".", typ: tar.TypeSymlink},
				{name: "up", link: "self/..", typ: tar.TypeSymlink},
				{name: "stolen", link: "up/outside/secret", typ: tar.TypeLink},
			}
		},
	}}
	for _, test := range tests {
		c.Run(test.name, func(c *qt.C) {
			parent := c.TempDir()
			outside := filepath.Join(parent, "outside")
			c.Assert(os.Mkdir(outside, 0o755), qt.IsNil)
			c.Assert(os.WriteFile(filepath.Join(outside, "secret"), []byte("secret"), 0o644), qt.IsNil)
			dir := filepath.Join(parent, "target")
			c.Assert(os.Mkdir(dir, 0o755), qt.IsNil)

			err := Extract(rawTar(c, test.entries(outside)...), dir, 2)
			c.Assert(errors.Is(err, ErrUnsafePath), qt.IsTrue, qt.Commentf("error: %v", err))
			_, err = os.Stat(filepath.Join(outside, "pwned.txt"))
			c.Assert(os.IsNotExist(err), qt.IsTrue)
			_, err = os.Lstat(filepath.Join(dir, "stolen"))
			c.Assert(os.IsNotExist(err), qt.IsTrue)
		})
	}
}

func TestExtractKeepsInternalSymlinks(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	err := Extract(rawTar(c,
		entry{name: "bundle/", typ: tar.TypeDir},
		entry{name: "bundle/v1/data.txt", typ: tar.TypeReg, data: "v1"},
		entry{name: "bundle/latest", link: "v1", typ: tar.TypeSymlink},
		entry{name: "current", link: "bundle/latest/data.txt", typ: tar.TypeSymlink},
	), dir, 2)
	c.Assert(err, qt.IsNil)

	link, err := os.Readlink(filepath.Join(dir, "bundle", "latest"))
	c.Assert(err, qt.IsNil)
	c.Assert(link, qt.Equals, "v1")
	data, err := os.ReadFile(filepath.Join(dir, "current"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, "v1")
}

func TestExtractTruncatedStream(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer
	c.Assert(Write(&buf, testFiles, Tar), qt.IsNil)

	truncated := strings.NewReader(buf.String()[:700])
	c.Assert(Extract(truncated, t.TempDir(), 2), qt.Not(qt.IsNil))
}
