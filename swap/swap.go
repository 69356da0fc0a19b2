// Package swap replaces an installed application directory with a
// freshly unpacked release.  It runs in a helper process detached from
// the application, after the application has exited and released the
// upgrade lock.
package swap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitupdate/internal/flock"
)

const (
	// OldSuffix names the installed directory while it is being
	// replaced.
	OldSuffix = ".pitupdate-old"
	// VersionMarker is written into an unpacked release once it is
	// complete.
	VersionMarker = ".pitupdate-version"
)

// Plan is one swap: the helper's command line.
type Plan struct {
	Lock      string   // upgrade lock marker, held by the app until it exits
	Unpacked  string   // complete unpacked release
	Installed string   // directory to replace
	Exec      string   // executable to relaunch
	Args      []string // its arguments
}

// Argv returns the helper arguments for p.
func (p *Plan) Argv() []string {
	return append([]string{p.Lock, p.Unpacked, p.Installed, p.Exec}, p.Args...)
}

// Parse reads a Plan from helper arguments.
func Parse(args []string) (p *Plan, err error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("need lock, unpacked, installed and exec paths, got %d args", len(args))
	}
	p = &Plan{
		Lock:      args[0],
		Unpacked:  args[1],
		Installed: args[2],
		Exec:      args[3],
		Args:      append([]string(nil), args[4:]...),
	}
	return
}

// Run waits for the upgrade lock, swaps the release into place, and
// relaunches the application.  A nil b polls with exponential backoff
// until ctx is done.
func Run(ctx context.Context, p *Plan, launcher Launcher, b backoff.BackOff) (err error) {
	log.Infof("waiting for %s", p.Lock)
	l, err := flock.Wait(ctx, p.Lock, b)
	if err != nil {
		return
	}
	defer l.Release()

	_, err = Recover(p.Installed, p.Unpacked)
	if err != nil {
		return
	}
	err = Swap(p.Installed, p.Unpacked)
	if err != nil {
		return
	}
	log.Infof("relaunching %s", p.Exec)
	return launcher.Launch(p.Exec, p.Args...)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Swap moves installed aside, moves unpacked into its place, and then
// deletes the old tree.  If the second rename fails the first one is
// undone.
func Swap(installed, unpacked string) (err error) {
	old := installed + OldSuffix
	if exists(old) {
		err = os.RemoveAll(old)
		if err != nil {
			return
		}
	}

	err = os.Rename(installed, old)
	if err != nil && !os.IsNotExist(err) {
		return
	}
	err = os.Rename(unpacked, installed)
	if err != nil {
		if exists(old) {
			if rerr := os.Rename(old, installed); rerr != nil {
				log.Errorf("rollback of %s failed: %v", installed, rerr)
			}
		}
		return
	}
	log.Infof("swapped %s into %s", unpacked, installed)

	finish(installed, old)
	return nil
}

// drop the marker and the old tree; the swap is already complete, so
// failures here only leave garbage behind
func finish(installed, old string) {
	err := os.Remove(filepath.Join(installed, VersionMarker))
	if err != nil && !os.IsNotExist(err) {
		log.Warnf("removing version marker: %v", err)
	}
	err = os.RemoveAll(old)
	if err != nil {
		log.Warnf("removing %s: %v", old, err)
	}
}

// Recover repairs the result of a swap that was interrupted.  It must
// only run while the upgrade lock is held or free, never while a swap
// is in progress.
//
//   - installed and old both exist: the swap completed; drop old
//   - installed is missing and unpacked is complete: finish the swap
//   - installed is missing otherwise: move old back
func Recover(installed, unpacked string) (recovered bool, err error) {
	old := installed + OldSuffix
	if !exists(old) {
		return false, nil
	}
	log.Warnf("found interrupted swap of %s", installed)

	if exists(installed) {
		return true, os.RemoveAll(old)
	}

	if exists(filepath.Join(unpacked, VersionMarker)) {
		err = os.Rename(unpacked, installed)
		if err != nil {
			return
		}
		finish(installed, old)
		log.Infof("finished swap of %s", installed)
		return true, nil
	}

	err = os.Rename(old, installed)
	if err != nil {
		return
	}
	log.Infof("rolled back %s", installed)
	return true, nil
}
