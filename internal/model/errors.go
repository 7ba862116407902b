package model

import (
	"errors"
	"fmt"
)

// Kind groups errors by how a boundary must react to them.
type Kind string

const (
	KindInput          Kind = "input"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindTransientStore Kind = "transient_store"
	KindIntegrity      Kind = "integrity"
	KindInternal       Kind = "internal"
)

// Error is a classified failure. Two Errors match under errors.Is when
// their codes are equal, so sentinels can be wrapped with call detail.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of e carrying a more specific message.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a copy of e that wraps cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

var (
	ErrInvalidInput = &Error{Kind: KindInput, Code: "invalid_input", Message: "invalid input"}

	// ErrAuthentication is deliberately undifferentiated: unknown principal,
	// inactive principal and bad code all surface as this one error.
	ErrAuthentication = &Error{Kind: KindAuthentication, Code: "authentication_failed", Message: "authentication failed"}
	ErrInvalidToken   = &Error{Kind: KindAuthentication, Code: "invalid_token", Message: "invalid token"}
	ErrInvalidOTP     = &Error{Kind: KindAuthentication, Code: "invalid_otp", Message: "invalid one-time code"}

	ErrInvalidDecision = &Error{Kind: KindInput, Code: "invalid_decision", Message: "invalid target decision"}

	ErrNotFound = &Error{Kind: KindNotFound, Code: "not_found", Message: "not found"}

	ErrScopeDenied            = &Error{Kind: KindAuthorization, Code: "scope_denied", Message: "vertical outside principal scope"}
	ErrIllegalStateTransition = &Error{Kind: KindAuthorization, Code: "illegal_state_transition", Message: "illegal state transition"}
	ErrForbidden              = &Error{Kind: KindAuthorization, Code: "forbidden", Message: "forbidden"}

	// ErrBadSignature rejects an inbound gateway delivery whose signature
	// does not verify.
	ErrBadSignature = &Error{Kind: KindAuthorization, Code: "bad_signature", Message: "bad signature"}

	ErrTransientStore = &Error{Kind: KindTransientStore, Code: "transient_store", Message: "store temporarily unavailable"}

	ErrIntegrityViolation = &Error{Kind: KindIntegrity, Code: "integrity_violation", Message: "integrity violation"}

	ErrInternal = &Error{Kind: KindInternal, Code: "internal", Message: "internal error"}
)

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first classified error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
