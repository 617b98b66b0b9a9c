package transfer

import (
	"errors"
	"fmt"
)

// Error codes reported to the coordinator.
const (
	CodeAbortedBeforeUse = "connection_aborted_before_use"
	CodeDenied           = "transfer_denied"
	CodeFailed           = "transfer_failed"
	CodeTooSlow          = "transfer_too_slow"
	CodeAborted          = "transfer_aborted"
	CodeFileExists       = "file_exists"
)

type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() string  { return e.code }

var (
	// ErrAbortedBeforeUse is returned by Connect when Abort ran first.
	ErrAbortedBeforeUse error = &codedError{CodeAbortedBeforeUse, "connection aborted before use"}
	// ErrConnectionAborted is returned by a Connect that Abort interrupted.
	ErrConnectionAborted error = &codedError{CodeAborted, "connection aborted"}
	// ErrConnectionSpent is returned by a second Connect on the same Connection.
	ErrConnectionSpent error = &codedError{CodeFailed, "connection already handed off"}
	// ErrFileExists is returned when an upload targets an existing file.
	ErrFileExists error = &codedError{CodeFileExists, "destination file already exists"}
)

// DeniedError reports a peer whose address does not match the source mask.
type DeniedError struct {
	Remote string
	Mask   string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("transfers from %s are not allowed (mask %q)", e.Remote, e.Mask)
}

func (e *DeniedError) Code() string { return CodeDenied }

// FailedError wraps an I/O failure during a transfer.
type FailedError struct {
	Err error
}

func (e *FailedError) Error() string { return "transfer failed: " + e.Err.Error() }
func (e *FailedError) Unwrap() error { return e.Err }
func (e *FailedError) Code() string  { return CodeFailed }

// TooSlowError reports a transfer that stayed under its minimum speed.
type TooSlowError struct {
	Speed    int64
	MinSpeed int64
}

func (e *TooSlowError) Error() string {
	return fmt.Sprintf("transfer too slow: %d B/s below minimum %d B/s", e.Speed, e.MinSpeed)
}

func (e *TooSlowError) Code() string { return CodeTooSlow }

// AbortedError carries the reason given to Transfer.Abort.
type AbortedError struct {
	Reason string
}

func (e *AbortedError) Error() string { return "transfer aborted: " + e.Reason }
func (e *AbortedError) Code() string  { return CodeAborted }

// IsAborted reports whether err ends a transfer by abort.
func IsAborted(err error) bool {
	var ae *AbortedError
	return errors.As(err, &ae) || errors.Is(err, ErrConnectionAborted) || errors.Is(err, ErrAbortedBeforeUse)
}
