package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Kind is the taxonomy bucket an error falls into. It decides the HTTP status and
// whether a caller may retry.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindUnsupportedMethod   Kind = "unsupported_method"
	KindDuplicateAlias      Kind = "duplicate_alias"
	KindNotFound            Kind = "not_found"
	KindResolutionTransport Kind = "resolution_transport"
	KindResolutionMalformed Kind = "resolution_malformed"
	KindResolutionRegistry  Kind = "resolution_registry"
	KindSigningEngine       Kind = "signing_engine"
)

// Error is the structured error surfaced across package boundaries.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	// Hint is a human readable suggestion attached to registry failures.
	Hint string
	// Supported lists accepted variants for KindUnsupportedMethod.
	Supported []string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so that errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == ""
}

// Retryable reports whether the caller may retry the failed operation.
func (e *Error) Retryable() bool {
	return e.Kind == KindResolutionTransport
}

// E builds an *Error.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an *Error around cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Validation is shorthand for a KindValidation error.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Unsupported is shorthand for a KindUnsupportedMethod error.
func Unsupported(op, method string, supported []string) *Error {
	return &Error{
		Kind:      KindUnsupportedMethod,
		Op:        op,
		Msg:       fmt.Sprintf("unsupported DID method %q", method),
		Supported: append([]string(nil), supported...),
	}
}

// NotFound is shorthand for a KindNotFound error.
func NotFound(op, what string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: what + " not found"}
}

// KindOf extracts the Kind of err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify maps a failure returned by the identity agent or the chain into the
// nearest taxonomy bucket. Already-classified errors pass through untouched and the
// original message is always preserved verbatim in the wrapped cause.
func Classify(op string, err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: classifyKind(err, fallback), Op: op, Err: err}
}

func classifyKind(err error, fallback Kind) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindResolutionTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindResolutionTransport
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindResolutionTransport
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindResolutionTransport
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"):
		return KindResolutionTransport
	case strings.Contains(msg, "invalid did"),
		strings.Contains(msg, "malformed"):
		return KindResolutionMalformed
	case strings.Contains(msg, "no contract code"),
		strings.Contains(msg, "execution reverted"):
		return KindResolutionRegistry
	}
	return fallback
}
