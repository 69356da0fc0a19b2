// Package pack turns a directory tree into a tar stream and back.
// Packing is deterministic: the same tree always produces the same
// bytes, so unchanged files chunk to unchanged chunks.
package pack

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var epoch = time.Unix(0, 0)

// Pack streams a tar of dir.  Reading from the returned stream drives
// the walk; closing it early stops the walk.
func Pack(ctx context.Context, dir string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(Write(ctx, dir, pw))
	}()
	return pr
}

// Write writes a tar of dir to w.  Entries are in lexical order, with
// zero timestamps and no owner information; permission bits are kept.
func Write(ctx context.Context, dir string, w io.Writer) (err error) {
	tw := tar.NewWriter(w)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return errors.Wrapf(err, "header %s", rel)
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		normalize(hdr)
		err = tw.WriteHeader(hdr)
		if err != nil {
			return errors.Wrapf(err, "write header %s", rel)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return errors.Wrapf(err, "copy %s", rel)
	})
	if err != nil {
		return
	}
	return tw.Close()
}

func normalize(hdr *tar.Header) {
	hdr.ModTime = epoch
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}
	hdr.Uid = 0
	hdr.Gid = 0
	hdr.Uname = ""
	hdr.Gname = ""
	hdr.Devmajor = 0
	hdr.Devminor = 0
}

// UnsafePathError means an archive entry would land outside the
// extraction directory.
type UnsafePathError struct {
	Name string
}

func (e *UnsafePathError) Error() string {
	return fmt.Sprintf("unsafe path in archive: %s", e.Name)
}

// Extract unpacks the tar stream r into dst, creating dst if needed.
// Extracted files get the current time as their modification time.
// ctx is checked between entries.
func Extract(ctx context.Context, r io.Reader, dst string) (err error) {
	err = os.MkdirAll(dst, 0755)
	if err != nil {
		return
	}
	tr := tar.NewReader(r)
	for {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := within(dst, hdr.Name)
		if err != nil {
			return err
		}
		mode := os.FileMode(hdr.Mode).Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, mode|0700)
			if err == nil {
				err = os.Chmod(target, mode|0700)
			}
		case tar.TypeReg:
			err = writeFile(target, mode, tr)
		case tar.TypeSymlink:
			err = symlink(dst, target, hdr.Linkname)
		default:
			log.Debugf("skipping %s: type %c", hdr.Name, hdr.Typeflag)
		}
		if err != nil {
			return err
		}
	}
}

func within(dst, name string) (target string, err error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &UnsafePathError{Name: name}
	}
	return filepath.Join(dst, clean), nil
}

func writeFile(target string, mode os.FileMode, r io.Reader) (err error) {
	err = os.MkdirAll(filepath.Dir(target), 0755)
	if err != nil {
		return
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return
	}
	_, err = io.Copy(f, r)
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		return
	}
	// OpenFile's mode is filtered through the umask
	return os.Chmod(target, mode)
}

// symlinks may only point inside dst
func symlink(dst, target, linkname string) (err error) {
	resolved := linkname
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(target), linkname)
	}
	rel, err := filepath.Rel(dst, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &UnsafePathError{Name: linkname}
	}
	err = os.MkdirAll(filepath.Dir(target), 0755)
	if err != nil {
		return
	}
	return os.Symlink(linkname, target)
}
