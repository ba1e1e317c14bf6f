package syncer

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies a failed commit cycle.
type Kind int

const (
	// KindCapacity: the generation does not fit MaxSecrets chunks.
	KindCapacity Kind = iota + 1
	// KindProtocol: the archiver failed.
	KindProtocol
	// KindCommunication: any other store or orchestration failure.
	KindCommunication
)

func (k Kind) String() string {
	switch k {
	case KindCapacity:
		return "capacity"
	case KindProtocol:
		return "protocol"
	case KindCommunication:
		return "communication"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var ErrCapacity = errors.New("filesystem exceeds chunk capacity")

// Error is the normalized failure of a recovery pass or commit cycle. The
// previously committed generation stays authoritative after any of them.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Errno() syscall.Errno {
	switch e.Kind {
	case KindCapacity:
		return syscall.ENOSPC
	case KindProtocol:
		return syscall.EPROTO
	default:
		return syscall.ECOMM
	}
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errno maps a cycle outcome to the result code handed back to callers.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Errno()
	}

	return syscall.ECOMM
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
