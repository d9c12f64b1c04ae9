// Package ramdisk builds compressed cpio ramdisks from a root
// filesystem tree.
package ramdisk

import (
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cavaliergopher/cpio"
	"github.com/google/renameio/v2"
)

// SourceNotFoundError reports a root filesystem tree that cannot feed
// a ramdisk build. An empty tree is included: it almost always means
// the wrong partition is mounted, and silently packing it would yield
// an unbootable ramdisk.
type SourceNotFoundError struct {
	Path   string
	Reason string
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("ramdisk source %s: %s", e.Path, e.Reason)
}

// Build walks rootfs and writes a gzip-compressed cpio archive in
// newc format to out. The walk is in lexical order and the archive
// carries no host-specific identifiers, so identical trees produce
// identical archives. The artifact is written atomically: on failure
// no out file appears.
func Build(rootfs, out string) (string, error) {
	fi, err := os.Stat(rootfs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &SourceNotFoundError{Path: rootfs, Reason: "does not exist"}
		}
		return "", err
	}
	if !fi.IsDir() {
		return "", &SourceNotFoundError{Path: rootfs, Reason: "not a directory"}
	}

	pending, err := renameio.TempFile("", out)
	if err != nil {
		return "", err
	}
	defer pending.Cleanup()

	gz := gzip.NewWriter(pending)
	cw := cpio.NewWriter(gz)

	entries := 0
	err = filepath.WalkDir(rootfs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == rootfs {
			return nil
		}
		rel, err := filepath.Rel(rootfs, path)
		if err != nil {
			return err
		}
		if err := writeEntry(cw, filepath.ToSlash(rel), path, d); err != nil {
			return fmt.Errorf("archiving %s: %w", rel, err)
		}
		entries++
		return nil
	})
	if err != nil {
		return "", err
	}
	if entries == 0 {
		return "", &SourceNotFoundError{Path: rootfs, Reason: "directory is empty (is the right partition mounted?)"}
	}

	if err := cw.Close(); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", err
	}
	return out, nil
}

func writeEntry(cw *cpio.Writer, name, path string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	// Headers are built by hand rather than from the inode: inode
	// numbers and owners differ between hosts, and they would leak
	// into the archive bytes.
	switch {
	case d.IsDir():
		return cw.WriteHeader(&cpio.Header{
			Name:    name,
			Mode:    cpio.TypeDir | cpio.FileMode(info.Mode().Perm()),
			ModTime: info.ModTime(),
			Links:   2,
		})

	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		if err := cw.WriteHeader(&cpio.Header{
			Name:    name,
			Mode:    cpio.TypeSymlink | cpio.FileMode(info.Mode().Perm()),
			ModTime: info.ModTime(),
			Size:    int64(len(target)),
			Links:   1,
		}); err != nil {
			return err
		}
		_, err = cw.Write([]byte(target))
		return err

	case info.Mode().IsRegular():
		if err := cw.WriteHeader(&cpio.Header{
			Name:    name,
			Mode:    cpio.TypeReg | cpio.FileMode(info.Mode().Perm()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
			Links:   1,
		}); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(cw, f); err != nil {
			return err
		}
		return nil

	default:
		// Sockets, fifos and device nodes carry no body.
		hdr, err := cpio.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		return cw.WriteHeader(hdr)
	}
}
