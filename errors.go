package ublk

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/miniublk/internal/ctrl"
	"github.com/ehrlich-b/miniublk/internal/queue"
	"github.com/ehrlich-b/miniublk/target"
)

// Error is a failed device operation with enough context to report it to
// an operator: the step that failed, the device and queue involved, and the
// kernel errno when there is one.
type Error struct {
	Op    string        // step that failed, e.g. "ADD_DEV", "START_DEV", "validate"
	DevID int64         // -1 when no device is involved
	Queue int           // -1 when no queue is involved
	Code  ErrorCode     // taxonomy class
	Errno syscall.Errno // 0 when not a kernel error
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("ublk: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	b.WriteString(msg)

	var ctx []string
	if e.DevID >= 0 {
		ctx = append(ctx, fmt.Sprintf("dev=%d", e.DevID))
	}
	if e.Queue >= 0 {
		ctx = append(ctx, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Errno != 0 {
		ctx = append(ctx, fmt.Sprintf("errno=%d", int(e.Errno)))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error by code, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && te.Code == e.Code
}

// ErrorCode is the class of a failure.
type ErrorCode string

const (
	// configuration
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeNoTarget           ErrorCode = "no such target"
	ErrCodeMissingBackingFile ErrorCode = "backing file required"

	// control channel
	ErrCodeControl            ErrorCode = "control command failed"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeDeviceExists       ErrorCode = "device exists"
	ErrCodeDeviceBusy         ErrorCode = "device busy"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeKernelNotSupported ErrorCode = "kernel does not support ublk"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeTimeout            ErrorCode = "timeout"

	// queue fatal
	ErrCodeQueueSetup ErrorCode = "queue setup failed"
	ErrCodeMmapFailed ErrorCode = "descriptor mmap failed"
	ErrCodeRingSetup  ErrorCode = "ring setup failed"

	// target
	ErrCodeTargetInit ErrorCode = "target init failed"

	// deletion
	ErrCodeDaemonAlive ErrorCode = "daemon still running"

	ErrCodeIOError ErrorCode = "I/O error"
)

// Sentinels for errors.Is.
var (
	ErrInvalidParameters  = &Error{Code: ErrCodeInvalidParameters, DevID: -1, Queue: -1}
	ErrNoTarget           = &Error{Code: ErrCodeNoTarget, DevID: -1, Queue: -1}
	ErrMissingBackingFile = &Error{Code: ErrCodeMissingBackingFile, DevID: -1, Queue: -1}
	ErrDeviceNotFound     = &Error{Code: ErrCodeDeviceNotFound, DevID: -1, Queue: -1}
	ErrDaemonAlive        = &Error{Code: ErrCodeDaemonAlive, DevID: -1, Queue: -1}
)

func configError(code ErrorCode, format string, args ...any) *Error {
	errno := syscall.EINVAL
	if code == ErrCodeNoTarget {
		errno = syscall.ENODEV
	}
	return &Error{
		Op:    "validate",
		DevID: -1,
		Queue: -1,
		Code:  code,
		Errno: errno,
		Msg:   fmt.Sprintf(format, args...),
	}
}

// WrapError attaches op and devID to err and classifies it. Control
// command failures keep their errno; queue failures keep their queue.
func WrapError(op string, devID int64, err error) *Error {
	if err == nil {
		return nil
	}

	var ue *Error
	if errors.As(err, &ue) {
		w := *ue
		w.Op = op
		if w.DevID < 0 {
			w.DevID = devID
		}
		return &w
	}

	e := &Error{Op: op, DevID: devID, Queue: -1, Code: ErrCodeIOError, Msg: err.Error(), Inner: err}

	var ce *ctrl.CmdError
	if errors.As(err, &ce) {
		e.Errno = syscall.Errno(-ce.Result)
		e.Code = mapErrnoToCode(e.Errno)
		if e.Code == ErrCodeIOError {
			e.Code = ErrCodeControl
		}
		return e
	}

	switch {
	case errors.Is(err, target.ErrUnknown):
		e.Code = ErrCodeNoTarget
	case errors.Is(err, target.ErrNoBackingFile):
		e.Code = ErrCodeMissingBackingFile
	case errors.Is(err, queue.ErrMmap):
		e.Code = ErrCodeMmapFailed
	case errors.Is(err, queue.ErrRingSetup):
		e.Code = ErrCodeRingSetup
	case errors.Is(err, queue.ErrArena):
		e.Code = ErrCodeQueueSetup
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
		if e.Code == ErrCodeIOError {
			e.Code = mapErrnoToCode(errno)
		}
	}
	return e
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeDeviceNotFound
	case syscall.EEXIST:
		return ErrCodeDeviceExists
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeKernelNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err carries code.
func IsCode(err error, code ErrorCode) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code == code
	}
	return false
}

// IsErrno reports whether err carries errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Errno == errno
	}
	return errors.Is(err, errno)
}

// Errno returns the errno carried by err, or EIO.
func Errno(err error) syscall.Errno {
	var ue *Error
	if errors.As(err, &ue) && ue.Errno != 0 {
		return ue.Errno
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
