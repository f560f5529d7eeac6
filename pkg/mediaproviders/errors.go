package mediaproviders

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure so callers can tell retryable from terminal errors.
type ErrorKind string

const (
	KindUnknownProvider         ErrorKind = "unknown_provider"
	KindMissingCredential       ErrorKind = "missing_credential"
	KindInvalidOption           ErrorKind = "invalid_option"
	KindInvalidRequest          ErrorKind = "invalid_request"
	KindTransientNetworkFailure ErrorKind = "transient_network_failure"
	KindProviderRejected        ErrorKind = "provider_rejected"
	KindDownloadFailure         ErrorKind = "download_failure"
	KindPersistenceFailure      ErrorKind = "persistence_failure"
)

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrUnknownProvider   = &Error{Kind: KindUnknownProvider}
	ErrMissingCredential = &Error{Kind: KindMissingCredential}
	ErrInvalidOption     = &Error{Kind: KindInvalidOption}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
	ErrTransient         = &Error{Kind: KindTransientNetworkFailure}
	ErrProviderRejected  = &Error{Kind: KindProviderRejected}
	ErrDownloadFailure   = &Error{Kind: KindDownloadFailure}
	ErrPersistence       = &Error{Kind: KindPersistenceFailure}
)

// Error is the descriptor carried by failed results and returned by constructors.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int
	Code     string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(": ")
		b.WriteString(e.Provider)
	}
	b.WriteString(":")
	if e.Status != 0 {
		fmt.Fprintf(&b, " [status %d]", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [code %s]", e.Code)
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg != "" {
		b.WriteString(" ")
		b.WriteString(msg)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the same request may succeed if sent again.
func (e *Error) Retryable() bool {
	return e != nil && e.Kind == KindTransientNetworkFailure
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind ErrorKind, provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, provider string, cause error) *Error {
	if e, ok := cause.(*Error); ok {
		return e
	}
	return &Error{Kind: kind, Provider: provider, Cause: cause}
}
