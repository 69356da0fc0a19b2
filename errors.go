package pitupdate

import (
	"errors"
	"fmt"

	"github.com/t7a/pitupdate/rpc"
)

// codedError is a sentinel that carries its control plane code.
type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() string  { return e.code }

var (
	// ErrClosing is returned by operations on an Upgrader that is
	// closing or closed.
	ErrClosing error = &codedError{rpc.CodeClosing, "upgrader is closing"}
	// ErrDownloadCancelled is returned to the caller of a download
	// that a later DownloadUpdate call superseded.
	ErrDownloadCancelled error = &codedError{rpc.CodeCancelled, "download was cancelled"}
)

// Reasons for a PreconditionError.
const (
	ReasonNoUpdate      = "no update available"
	ReasonNotDownloaded = "update not downloaded"
	ReasonNotPackaged   = "app is not packaged"
)

// PreconditionError means an operation was called in a state that
// does not allow it.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return e.Reason }
func (e *PreconditionError) Code() string  { return rpc.CodePrecondition }

// IsPrecondition reports whether err is a PreconditionError with the
// given reason, or any PreconditionError if reason is empty.
func IsPrecondition(err error, reason string) bool {
	var pe *PreconditionError
	return errors.As(err, &pe) && (reason == "" || pe.Reason == reason)
}

// ConfigurationError means the Config cannot be used.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}
