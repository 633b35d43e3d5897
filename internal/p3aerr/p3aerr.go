// Package p3aerr defines the sentinel error kinds shared by every scheduler
// component, so callers can branch with errors.Is instead of string matching.
package p3aerr

import "errors"

// ErrKind identifies the category of a scheduler error.
type ErrKind int

const (
	KindUnknown ErrKind = iota
	KindInvalidArg
	KindInvalidState
	KindNotFound
	KindNotSupported
	KindNoMem
	KindInvalidSize
	KindInvalidCRC
	KindInvalidVersion
	KindIOFail
	KindTimeout
	KindCancelled
	KindNotFinished
)

var (
	ErrInvalidArg     = &kindError{KindInvalidArg, "invalid argument"}
	ErrInvalidState   = &kindError{KindInvalidState, "invalid state"}
	ErrNotFound       = &kindError{KindNotFound, "not found"}
	ErrNotSupported   = &kindError{KindNotSupported, "not supported"}
	ErrNoMem          = &kindError{KindNoMem, "out of memory"}
	ErrInvalidSize    = &kindError{KindInvalidSize, "invalid size"}
	ErrInvalidCRC     = &kindError{KindInvalidCRC, "invalid checksum"}
	ErrInvalidVersion = &kindError{KindInvalidVersion, "invalid version"}
	ErrIOFail         = &kindError{KindIOFail, "i/o failure"}
	ErrTimeout        = &kindError{KindTimeout, "timeout"}
	ErrCancelled      = &kindError{KindCancelled, "cancelled"}
	ErrNotFinished    = &kindError{KindNotFinished, "not finished"}
)

type kindError struct {
	kind ErrKind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// Kind returns the ErrKind of err, walking wrapped errors, or KindUnknown
// if err does not wrap one of the sentinels in this package.
func Kind(err error) ErrKind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}
