// Package fixture populates directories with files for download tests.
package fixture

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"staticdirserver/archive"
)

const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandomBytes returns n random letters.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
	return b
}

// WriteFile writes data to dir/name, creating parent directories, and
// returns the full path.
func WriteFile(dir, name string, data []byte) (string, error) {
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent of %s: %w", name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

// WriteArchive writes files as a tarball named name+c.Extension() in dir
// and returns the name of the archive relative to dir.
func WriteArchive(dir, name string, files []archive.File, c archive.Compression) (string, error) {
	var buf bytes.Buffer
	if err := archive.Write(&buf, files, c); err != nil {
		return "", fmt.Errorf("build %s archive: %w", c, err)
	}
	rel := name + c.Extension()
	if _, err := WriteFile(dir, rel, buf.Bytes()); err != nil {
		return "", err
	}
	return rel, nil
}
