package fixture

import (
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"

	"staticdirserver/archive"
)

func TestRandomBytes(t *testing.T) {
	c := qt.New(t)
	for _, n := range []int{0, 1, 63, 4096} {
		b := RandomBytes(n)
		c.Assert(b, qt.HasLen, n)
		for _, ch := range b {
			c.Assert((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z'), qt.IsTrue)
		}
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	path, err := WriteFile(dir, "a/b/c.txt", []byte("abc"))
	c.Assert(err, qt.IsNil)
	c.Assert(path, qt.Equals, filepath.Join(dir, "a", "b", "c.txt"))

	got, err := os.ReadFile(path)
	c.Assert(err, qt.IsNil)
	c.Assert(string(got), qt.Equals, "abc")
}

func TestWriteArchive(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	files := []archive.File{{Name: "x.txt", Data: []byte("x")}}

	for _, tc := range []struct {
		compression archive.Compression
		want        string
	}{
		{archive.Tar, "bundle.tar"},
		{archive.Gzip, "bundle.tar.gz"},
		{archive.Lz4, "bundle.tar.lz4"},
	} {
		rel, err := WriteArchive(dir, "bundle", files, tc.compression)
		c.Assert(err, qt.IsNil)
		c.Assert(rel, qt.Equals, tc.want)

		f, err := os.Open(filepath.Join(dir, rel))
		c.Assert(err, qt.IsNil)
		got, _, err := archive.Detect(rel, f)
		f.Close()
		c.Assert(err, qt.IsNil)
		c.Assert(got, qt.Equals, tc.compression)
	}
}
