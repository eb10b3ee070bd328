package league

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to command callers. Match them with errors.Is.
var (
	ErrInvalidState        = errors.New("invalid state")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrNotFound            = errors.New("not found")
	ErrParse               = errors.New("parse error")
	ErrMissingTimezone     = errors.New("missing timezone")
	ErrPastTime            = errors.New("time is in the past")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrAlreadyRegistered   = errors.New("already registered")
)

// CommandError carries the user-facing reply for a rejected command.
type CommandError struct {
	Kind error
	Msg  string
}

func (e *CommandError) Error() string { return e.Msg }

func (e *CommandError) Unwrap() error { return e.Kind }

func userErr(kind error, format string, args ...any) error {
	return &CommandError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
