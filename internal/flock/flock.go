// Package flock provides an exclusive advisory lock on a marker file.
// The operating system drops the lock when the holding process exits,
// so a crashed holder never leaves a stale lock behind.
package flock

import (
	"context"
	"errors"
	"os"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// ErrLocked is returned when another holder has the lock.
var ErrLocked = errors.New("lock is held by another holder")

// Lock is a held lock on a marker file.
type Lock struct {
	Path string
	f    *os.File
}

// Acquire takes the lock at path without blocking, creating the marker
// file if needed.  It returns ErrLocked when the lock is contended.
func Acquire(path string) (l *Lock, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return
	}
	err = tryLock(f)
	if err != nil {
		f.Close()
		if isContended(err) {
			return nil, ErrLocked
		}
		return nil, &os.PathError{Op: "lock", Path: path, Err: err}
	}
	log.Debugf("locked %s", path)
	return &Lock{Path: path, f: f}, nil
}

// Wait polls for the lock at path until it is acquired, a
// non-contention error occurs, or ctx is done.  A nil b means an
// exponential backoff with no elapsed time limit.
func Wait(ctx context.Context, path string, b backoff.BackOff) (l *Lock, err error) {
	if b == nil {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = 0
		b = eb
	}
	op := func() error {
		var err error
		l, err = Acquire(path)
		if errors.Is(err, ErrLocked) {
			log.Debugf("waiting for %s", path)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	err = backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return
}

// Held reports whether some other holder has the lock at path.  A
// missing marker file is never held.
func Held(path string) (held bool, err error) {
	if _, err = os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	l, err := Acquire(path)
	if errors.Is(err, ErrLocked) {
		return true, nil
	}
	if err != nil {
		return
	}
	return false, l.Release()
}

// Release drops the lock and closes the marker file.  The marker file
// itself is left in place.
func (l *Lock) Release() (err error) {
	if l == nil || l.f == nil {
		return
	}
	err = unlock(l.f)
	cerr := l.f.Close()
	if err == nil {
		err = cerr
	}
	l.f = nil
	log.Debugf("unlocked %s", l.Path)
	return
}
