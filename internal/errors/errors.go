package errors

import "errors"

// Code identifies the failure class of an update operation.
type Code string

const (
	CodeUnknown    Code = "unknown"
	CodeNetwork    Code = "network"
	CodeFilesystem Code = "filesystem"
	CodeConfig     Code = "config"
)

// Error carries a machine-readable code alongside the wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e Error) Unwrap() error {
	return e.Err
}

func New(code Code, msg string, err error) Error {
	return Error{Code: code, Message: msg, Err: err}
}

// Network marks a failed fetch. Callers decide whether to retry on a later cycle.
func Network(msg string, err error) Error {
	return New(CodeNetwork, msg, err)
}

// Filesystem marks a failed filesystem primitive.
func Filesystem(msg string, err error) Error {
	return New(CodeFilesystem, msg, err)
}

func Config(msg string, err error) Error {
	return New(CodeConfig, msg, err)
}

// CodeOf walks the error chain and returns the first structured code found.
func CodeOf(err error) Code {
	var structured Error
	if errors.As(err, &structured) {
		return structured.Code
	}
	return CodeUnknown
}

func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
