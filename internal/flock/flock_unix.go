//go:build !windows

package flock

import (
	"os"

	"golang.org/x/sys/unix"
)

// flock(2) locks belong to the open file description, so two handles
// in one process conflict the same way two processes do.
func tryLock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func isContended(err error) bool {
	errno, ok := err.(unix.Errno)
	if !ok {
		return false
	}
	switch errno {
	case unix.EWOULDBLOCK, unix.EACCES:
		return true
	default:
		return false
	}
}
