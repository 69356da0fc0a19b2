package pack

import (
	"archive/tar"
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/hlubek/readercomp"
	"github.com/pkg/fileutils"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func mktree(t *testing.T) (dir string) {
	dir = t.TempDir()
	files := map[string]string{
		"app":                "#!/bin/sh\necho hello\n",
		"lib/one.txt":        "one",
		"lib/two.txt":        "two",
		"lib/deep/three.txt": "three",
		"README":             "readme",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		err := os.MkdirAll(filepath.Dir(path), 0755)
		tassert(t, err == nil, "%v", err)
		err = ioutil.WriteFile(path, []byte(content), 0644)
		tassert(t, err == nil, "%v", err)
	}
	err := os.Chmod(filepath.Join(dir, "app"), 0755)
	tassert(t, err == nil, "%v", err)
	err = os.MkdirAll(filepath.Join(dir, "empty"), 0755)
	tassert(t, err == nil, "%v", err)
	if runtime.GOOS != "windows" {
		err = os.Symlink("lib/one.txt", filepath.Join(dir, "link"))
		tassert(t, err == nil, "%v", err)
	}
	return
}

func packBytes(t *testing.T, dir string) []byte {
	var buf bytes.Buffer
	err := Write(context.Background(), dir, &buf)
	tassert(t, err == nil, "%v", err)
	return buf.Bytes()
}

func TestDeterministic(t *testing.T) {
	dir := mktree(t)
	a := packBytes(t, dir)

	// copying the tree changes mtimes and inode order but not the tar
	copied := t.TempDir()
	err := Extract(context.Background(), bytes.NewReader(a), copied)
	tassert(t, err == nil, "%v", err)
	b := packBytes(t, copied)
	tassert(t, bytes.Equal(a, b), "pack of copied tree differs")

	// and so does the streaming form
	rd := Pack(context.Background(), dir)
	defer rd.Close()
	ok, err := readercomp.Equal(rd, bytes.NewReader(a), 4096)
	tassert(t, err == nil, "%v", err)
	tassert(t, ok, "Pack and Write differ")
}

func TestRoundTrip(t *testing.T) {
	dir := mktree(t)
	dst := filepath.Join(t.TempDir(), "out")
	rd := Pack(context.Background(), dir)
	err := Extract(context.Background(), rd, dst)
	tassert(t, err == nil, "%v", err)
	rd.Close()

	for _, name := range []string{"app", "lib/one.txt", "lib/two.txt", "lib/deep/three.txt", "README"} {
		a, err := os.Open(filepath.Join(dir, name))
		tassert(t, err == nil, "%v", err)
		b, err := os.Open(filepath.Join(dst, name))
		tassert(t, err == nil, "%v", err)
		ok, err := readercomp.Equal(a, b, 4096)
		tassert(t, err == nil, "%v", err)
		tassert(t, ok, "%s differs", name)
		a.Close()
		b.Close()
	}
	info, err := os.Stat(filepath.Join(dst, "empty"))
	tassert(t, err == nil && info.IsDir(), "empty dir missing: %v", err)

	if runtime.GOOS != "windows" {
		info, err = os.Stat(filepath.Join(dst, "app"))
		tassert(t, err == nil, "%v", err)
		tassert(t, info.Mode().Perm()&0100 != 0, "exec bit lost: %v", info.Mode())
		link, err := os.Readlink(filepath.Join(dst, "link"))
		tassert(t, err == nil, "%v", err)
		tassert(t, link == "lib/one.txt", "link %q", link)
	}
}

func TestSingleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "blob")
	err := ioutil.WriteFile(src, []byte("blob"), 0644)
	tassert(t, err == nil, "%v", err)
	dir := t.TempDir()
	err = fileutils.CopyFile(filepath.Join(dir, "blob"), src)
	tassert(t, err == nil, "%v", err)
	dst := t.TempDir()
	err = Extract(context.Background(), bytes.NewReader(packBytes(t, dir)), dst)
	tassert(t, err == nil, "%v", err)
	got, err := ioutil.ReadFile(filepath.Join(dst, "blob"))
	tassert(t, err == nil && string(got) == "blob", "got %q err %v", got, err)
}

func mktar(t *testing.T, hdrs ...*tar.Header) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, hdr := range hdrs {
		err := tw.WriteHeader(hdr)
		tassert(t, err == nil, "%v", err)
		if hdr.Size > 0 {
			tw.Write(bytes.Repeat([]byte("x"), int(hdr.Size)))
		}
	}
	tw.Close()
	return buf.Bytes()
}

func TestUnsafePath(t *testing.T) {
	for _, hdr := range []*tar.Header{
		{Name: "../evil", Typeflag: tar.TypeReg, Mode: 0644, Size: 1},
		{Name: "a/../../evil", Typeflag: tar.TypeReg, Mode: 0644, Size: 1},
		{Name: "evil", Typeflag: tar.TypeSymlink, Linkname: "../../etc/passwd"},
	} {
		dst := t.TempDir()
		err := Extract(context.Background(), bytes.NewReader(mktar(t, hdr)), dst)
		_, ok := err.(*UnsafePathError)
		tassert(t, ok, "%s: expected UnsafePathError, got %v", hdr.Name, err)
	}
}

func TestExtractCancel(t *testing.T) {
	dir := mktree(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Extract(ctx, bytes.NewReader(packBytes(t, dir)), t.TempDir())
	tassert(t, err == context.Canceled, "expected Canceled, got %v", err)

	rd := Pack(ctx, dir)
	_, err = ioutil.ReadAll(rd)
	tassert(t, err == context.Canceled, "expected Canceled, got %v", err)
}
