package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// File is an entry in a tarball. Names ending in "/" are directories.
type File struct {
	Name    string
	Data    []byte
	Mode    fs.FileMode
	ModTime time.Time
}

func (f File) isDir() bool {
	return strings.HasSuffix(f.Name, "/")
}

// Write builds a tarball of files into w, compressed with c.
func Write(w io.Writer, files []File, c Compression) error {
	zw, err := NewWriter(w, c)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.Name,
			Mode:    int64(f.Mode.Perm()),
			ModTime: f.ModTime,
		}
		if f.isDir() {
			hdr.Typeflag = tar.TypeDir
			if hdr.Mode == 0 {
				hdr.Mode = 0o755
			}
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(f.Data))
			if hdr.Mode == 0 {
				hdr.Mode = 0o644
			}
		}
		if hdr.ModTime.IsZero() {
			hdr.ModTime = time.Now()
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header for %s: %w", f.Name, err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

// ErrUnsafePath is returned by Extract for entries that would land outside
// the target directory, symlinks pointing outside it and entries placed
// under an extracted symlink.
var ErrUnsafePath = errors.New("entry escapes target directory")

// Extract unpacks an uncompressed tar stream into target. Regular files are
// written by up to writeWorkers goroutines while the stream keeps being
// read. Directories, symlinks and hardlinks are created inline. Symlinks must
// be relative and stay inside target, and nothing is extracted through one.
func Extract(stream io.Reader, target string, writeWorkers int) error {
	if writeWorkers < 1 {
		writeWorkers = 1
	}
	tarReader := tar.NewReader(stream)

	var g errgroup.Group
	g.SetLimit(writeWorkers)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			g.Wait()
			return fmt.Errorf("next tar entry: %w", err)
		}

		path, err := targetPath(target, header.Name)
		if err == nil {
			err = checkParents(target, path)
		}
		if err != nil {
			g.Wait()
			return err
		}
		info := header.FileInfo()

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, info.Mode().Perm()|0o700); err != nil {
				g.Wait()
				return fmt.Errorf("mkdir %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			// Read the whole entry off the stream before handing it to a
			// writer, the tar reader can't be shared between goroutines.
			buf := make([]byte, info.Size())
			if _, err := io.ReadFull(tarReader, buf); err != nil {
				g.Wait()
				return fmt.Errorf("read %s: %w", header.Name, err)
			}
			g.Go(func() error {
				return writeFile(path, buf, info)
			})
		case tar.TypeSymlink:
			if err := checkSymlink(target, path, header.Linkname); err != nil {
				g.Wait()
				return fmt.Errorf("symlink %s: %w", header.Name, err)
			}
			// Pending writes may still be creating the link's parent.
			if err := g.Wait(); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, path); err != nil {
				return fmt.Errorf("symlink %s: %w", header.Name, err)
			}
		case tar.TypeLink:
			oldPath, err := targetPath(target, header.Linkname)
			if err == nil {
				err = checkParents(target, oldPath)
			}
			if err != nil {
				g.Wait()
				return err
			}
			// The link target may still be in flight.
			if err := g.Wait(); err != nil {
				return err
			}
			if err := os.Link(oldPath, path); err != nil {
				return fmt.Errorf("hardlink %s: %w", header.Name, err)
			}
		default:
			g.Wait()
			return fmt.Errorf("unknown type %q for %s", header.Typeflag, header.Name)
		}
	}
	return g.Wait()
}

func targetPath(target, name string) (string, error) {
	path := filepath.Join(target, filepath.FromSlash(name))
	if !within(target, path) {
		return "", fmt.Errorf("%s: %w", name, ErrUnsafePath)
	}
	return path, nil
}

func within(target, path string) bool {
	rel, err := filepath.Rel(target, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// checkSymlink rejects link targets that are absolute or resolve outside
// target when followed from path.
func checkSymlink(target, path, linkname string) error {
	if linkname == "" || filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return fmt.Errorf("-> %q: %w", linkname, ErrUnsafePath)
	}
	if !within(target, filepath.Join(filepath.Dir(path), filepath.FromSlash(linkname))) {
		return fmt.Errorf("-> %q: %w", linkname, ErrUnsafePath)
	}
	return nil
}

// checkParents rejects paths with an existing symlink between target and
// path, since writing there would follow the link.
func checkParents(target, path string) error {
	rel, err := filepath.Rel(target, filepath.Dir(path))
	if err != nil || rel == "." {
		return err
	}
	dir := target
	for _, elem := range strings.Split(rel, string(filepath.Separator)) {
		dir = filepath.Join(dir, elem)
		info, err := os.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%s: %w", path, ErrUnsafePath)
		}
	}
	return nil
}

func writeFile(path string, buf []byte, info fs.FileInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create file failed: %w", err)
	}
	if _, err := io.Copy(file, bytes.NewReader(buf)); err != nil {
		file.Close()
		return fmt.Errorf("copy file failed: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Chtimes(path, info.ModTime(), info.ModTime())
}
