package swap

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/t7a/pitupdate/internal/flock"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

type layout struct {
	lock, unpacked, installed string
}

func mklayout(t *testing.T) (l layout) {
	dir := t.TempDir()
	l = layout{
		lock:      filepath.Join(dir, "upgrading"),
		unpacked:  filepath.Join(dir, "latest-unpacked"),
		installed: filepath.Join(dir, "app"),
	}
	writeTree(t, l.installed, "1.0.0")
	writeTree(t, l.unpacked, "1.0.1")
	err := ioutil.WriteFile(filepath.Join(l.unpacked, VersionMarker), []byte("1.0.1"), 0644)
	tassert(t, err == nil, "%v", err)
	return
}

func writeTree(t *testing.T, dir, version string) {
	err := os.MkdirAll(filepath.Join(dir, "lib"), 0755)
	tassert(t, err == nil, "%v", err)
	err = ioutil.WriteFile(filepath.Join(dir, "VERSION"), []byte(version), 0644)
	tassert(t, err == nil, "%v", err)
	err = ioutil.WriteFile(filepath.Join(dir, "lib", "data"), []byte("data "+version), 0644)
	tassert(t, err == nil, "%v", err)
}

func version(t *testing.T, dir string) string {
	buf, err := ioutil.ReadFile(filepath.Join(dir, "VERSION"))
	tassert(t, err == nil, "%v", err)
	return string(buf)
}

func TestParse(t *testing.T) {
	p := &Plan{Lock: "l", Unpacked: "u", Installed: "i", Exec: "e", Args: []string{"--flag", "x y"}}
	got, err := Parse(p.Argv())
	tassert(t, err == nil, "%v", err)
	tassert(t, got.Lock == "l" && got.Unpacked == "u" && got.Installed == "i" && got.Exec == "e", "got %+v", got)
	tassert(t, len(got.Args) == 2 && got.Args[1] == "x y", "args %q", got.Args)

	_, err = Parse([]string{"l", "u", "i"})
	tassert(t, err != nil, "expected error for short argv")
}

func TestSwap(t *testing.T) {
	l := mklayout(t)
	err := Swap(l.installed, l.unpacked)
	tassert(t, err == nil, "%v", err)
	tassert(t, version(t, l.installed) == "1.0.1", "installed %s", version(t, l.installed))
	tassert(t, !exists(l.unpacked), "unpacked still exists")
	tassert(t, !exists(l.installed+OldSuffix), "old tree left behind")
	tassert(t, !exists(filepath.Join(l.installed, VersionMarker)), "version marker left in installed tree")
}

func TestSwapMissingUnpacked(t *testing.T) {
	l := mklayout(t)
	os.RemoveAll(l.unpacked)
	err := Swap(l.installed, l.unpacked)
	tassert(t, err != nil, "expected error")
	// rolled back
	tassert(t, version(t, l.installed) == "1.0.0", "installed %s", version(t, l.installed))
	tassert(t, !exists(l.installed+OldSuffix), "old tree left behind")
}

func TestRecoverNothing(t *testing.T) {
	l := mklayout(t)
	recovered, err := Recover(l.installed, l.unpacked)
	tassert(t, err == nil && !recovered, "recovered %v err %v", recovered, err)
	tassert(t, version(t, l.installed) == "1.0.0", "installed changed")
}

// crash after the swap but before the old tree was removed
func TestRecoverFinished(t *testing.T) {
	l := mklayout(t)
	os.Rename(l.installed, l.installed+OldSuffix)
	os.Rename(l.unpacked, l.installed)
	recovered, err := Recover(l.installed, l.unpacked)
	tassert(t, err == nil && recovered, "recovered %v err %v", recovered, err)
	tassert(t, version(t, l.installed) == "1.0.1", "installed %s", version(t, l.installed))
	tassert(t, !exists(l.installed+OldSuffix), "old tree left behind")
}

// crash between the two renames with a complete release
func TestRecoverForward(t *testing.T) {
	l := mklayout(t)
	os.Rename(l.installed, l.installed+OldSuffix)
	recovered, err := Recover(l.installed, l.unpacked)
	tassert(t, err == nil && recovered, "recovered %v err %v", recovered, err)
	tassert(t, version(t, l.installed) == "1.0.1", "installed %s", version(t, l.installed))
	tassert(t, !exists(l.installed+OldSuffix), "old tree left behind")
	tassert(t, !exists(l.unpacked), "unpacked still exists")
}

// crash between the two renames without a complete release
func TestRecoverBack(t *testing.T) {
	l := mklayout(t)
	os.Rename(l.installed, l.installed+OldSuffix)
	os.Remove(filepath.Join(l.unpacked, VersionMarker))
	recovered, err := Recover(l.installed, l.unpacked)
	tassert(t, err == nil && recovered, "recovered %v err %v", recovered, err)
	tassert(t, version(t, l.installed) == "1.0.0", "installed %s", version(t, l.installed))
	tassert(t, !exists(l.installed+OldSuffix), "old tree left behind")
}

type recorder struct {
	mu   sync.Mutex
	name string
	args []string
}

func (r *recorder) Launch(name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
	r.args = args
	return nil
}

func TestRunWaitsForLock(t *testing.T) {
	l := mklayout(t)
	held, err := flock.Acquire(l.lock)
	tassert(t, err == nil, "%v", err)

	p := &Plan{Lock: l.lock, Unpacked: l.unpacked, Installed: l.installed, Exec: "/bin/app", Args: []string{"--restarted"}}
	rec := &recorder{}
	done := make(chan error)
	go func() {
		done <- Run(context.Background(), p, rec, backoff.NewConstantBackOff(20*time.Millisecond))
	}()

	time.Sleep(100 * time.Millisecond)
	tassert(t, version(t, l.installed) == "1.0.0", "swapped while lock held")
	held.Release()

	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
	}
	tassert(t, err == nil, "%v", err)
	tassert(t, version(t, l.installed) == "1.0.1", "installed %s", version(t, l.installed))
	tassert(t, rec.name == "/bin/app", "launched %q", rec.name)
	tassert(t, len(rec.args) == 1 && rec.args[0] == "--restarted", "args %q", rec.args)
}
