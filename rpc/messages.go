package rpc

import (
	"errors"
	"fmt"

	"github.com/t7a/pitupdate/releaser"
)

const (
	MethodStatus            = "status"
	MethodUpdateAndRelaunch = "updateAndRelaunch"
	MethodDownloadUpdate    = "downloadUpdate"
	MethodNextUpdate        = "nextUpdate"
	// MethodOnUpdateStatus is pushed by the server with ID 0.
	MethodOnUpdateStatus = "onUpdateStatus"
)

// Error codes carried across the socket.
const (
	CodePrecondition = "precondition"
	CodeClosing      = "closing"
	CodeCancelled    = "cancelled"
	CodeInProgress   = "in-progress"
	CodeUnknown      = "unknown-method"
	CodeInternal     = "internal"
)

// Status is the updater state shown to sibling processes.
type Status struct {
	_msgpack          struct{}          `msgpack:",asArray"`
	Version           string            `json:"version"`
	LatestRelease     *releaser.Release `json:"latestRelease"`
	UpdateAvailable   bool              `json:"updateAvailable"`
	UpdateDownloading bool              `json:"updateDownloading"`
	UpdateDownloaded  bool              `json:"updateDownloaded"`
}

type Request struct {
	_msgpack struct{} `msgpack:",asArray"`
	ID       uint64
	Method   string
}

type Response struct {
	_msgpack struct{} `msgpack:",asArray"`
	ID       uint64
	Method   string
	Status   *Status
	Release  *releaser.Release
	Error    *Error
}

// Error is a failure reported by the other end.
type Error struct {
	_msgpack struct{} `msgpack:",asArray"`
	Code     string
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// coder is implemented by errors that know their wire code.
type coder interface {
	Code() string
}

func toError(err error) *Error {
	if err == nil {
		return nil
	}
	code := CodeInternal
	var c coder
	var re *Error
	switch {
	case errors.As(err, &re):
		return re
	case errors.As(err, &c):
		code = c.Code()
	case errors.Is(err, releaser.ErrUpgradeInProgress):
		code = CodeInProgress
	}
	return &Error{Code: code, Message: err.Error()}
}

// IsCode reports whether err is a remote error with code.
func IsCode(err error, code string) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == code
}
