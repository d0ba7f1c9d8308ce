// Package faults defines the error taxonomy shared by the sync core.
// Every fault carries a stable code so callers can route it: decryption
// and profile faults are rendered as placeholders, send faults surface
// inline, subscription faults drive a retryable banner state, and
// read-receipt faults are logged only.
package faults

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeDecryption   Code = "DECRYPTION"
	CodeSend         Code = "SEND"
	CodeSubscription Code = "SUBSCRIPTION"
	CodeReadReceipt  Code = "READ_RECEIPT"
	CodeProfileFetch Code = "PROFILE_FETCH"
)

// Fault is an error with a routing code and an optional cause.
type Fault struct {
	Code    Code
	Message string
	Cause   error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.Cause)
	}
	return f.Message
}

func (f *Fault) Unwrap() error { return f.Cause }

// New returns a Fault without a cause.
func New(code Code, message string) error {
	return &Fault{Code: code, Message: message}
}

// Wrap returns a Fault wrapping cause.
func Wrap(code Code, message string, cause error) error {
	return &Fault{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the code from err, or the empty code when err carries
// no Fault.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
