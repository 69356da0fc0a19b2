package swap

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	log "github.com/sirupsen/logrus"
)

// HelperName is the file name of the helper executable.
const HelperName = "pitupdate-helper"

// Launcher starts a program without waiting for it.
type Launcher interface {
	Launch(name string, args ...string) error
}

// ExecLauncher starts programs detached from the current process, with
// no inherited stdio, so they outlive it.
type ExecLauncher struct{}

func (ExecLauncher) Launch(name string, args ...string) (err error) {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = detached()
	err = cmd.Start()
	if err != nil {
		return
	}
	log.Debugf("launched %s pid %d", name, cmd.Process.Pid)
	return cmd.Process.Release()
}

// DefaultHelper returns the helper installed next to the running
// executable.
func DefaultHelper() (path string, err error) {
	exe, err := os.Executable()
	if err != nil {
		return
	}
	name := HelperName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(filepath.Dir(exe), name), nil
}
