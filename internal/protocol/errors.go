package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/The-Promised-Neverland/storage-agent/internal/models"
)

const (
	CodeUnsupported       = "unsupported_operation"
	CodeNotFound          = "object_not_found"
	CodeInvalidArgument   = "invalid_argument"
	CodeHandshakeRequired = "handshake_required"
	CodeMissingExtension  = "missing_extension"
	CodeInternal          = "internal_error"
)

// Coded is implemented by errors that map onto a wire error code.
type Coded interface {
	error
	Code() string
}

type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() string  { return e.code }

// NewError builds an error reported to the coordinator under code.
func NewError(code, format string, args ...any) error {
	return &codedError{code: code, msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return NewError(CodeNotFound, format, args...)
}

func InvalidArgument(format string, args ...any) error {
	return NewError(CodeInvalidArgument, format, args...)
}

var ErrHandshakeRequired error = &codedError{CodeHandshakeRequired, "handshake required before commands"}

// ErrNoResponse tells the dispatcher to send nothing for this command.
var ErrNoResponse = errors.New("no response")

// MissingExtensionError rejects a session requiring extensions the agent lacks.
type MissingExtensionError struct {
	Missing []string
}

func (e *MissingExtensionError) Error() string {
	return "missing protocol extensions: " + strings.Join(e.Missing, ", ")
}

func (e *MissingExtensionError) Code() string { return CodeMissingExtension }

// UnsupportedError is returned for verbs with no registered handler.
type UnsupportedError struct {
	Name string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported operation %q", e.Name)
}

func (e *UnsupportedError) Code() string { return CodeUnsupported }

// ErrorInfo converts err into its wire form. Uncoded errors are internal.
func ErrorInfo(err error) *models.ErrorInfo {
	if err == nil {
		return nil
	}
	var c Coded
	if errors.As(err, &c) {
		return &models.ErrorInfo{Code: c.Code(), Message: err.Error()}
	}
	return &models.ErrorInfo{Code: CodeInternal, Message: err.Error()}
}
