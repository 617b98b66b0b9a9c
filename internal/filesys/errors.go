package filesys

import "errors"

const (
	CodeNotFound     = "object_not_found"
	CodeInvalidPath  = "invalid_argument"
	CodeTargetExists = "file_exists"
)

type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() string  { return e.code }

var (
	ErrNotFound     error = &codedError{CodeNotFound, "path not found in any root"}
	ErrInvalidPath  error = &codedError{CodeInvalidPath, "invalid path"}
	ErrTargetExists error = &codedError{CodeTargetExists, "target already exists"}
	ErrNoRoots      error = &codedError{CodeNotFound, "no local roots configured"}
)

// IsBusy reports whether err is the OS refusing an operation because the
// file is in use. Such failures are deferred instead of reported.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range busyErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
