// Package payerr defines the closed set of failure kinds produced by the
// payment core. Callers branch on Kind, never on message text.
package payerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
	KindGatewayRejected
	KindNetwork
	KindAuthenticity
	KindStateConflict
	KindFatalInconsistency
)

var kindNames = map[Kind]string{
	KindInternal:           "internal",
	KindValidation:         "validation",
	KindNotFound:           "not_found",
	KindForbidden:          "forbidden",
	KindGatewayRejected:    "gateway_rejected",
	KindNetwork:            "network",
	KindAuthenticity:       "authenticity",
	KindStateConflict:      "state_conflict",
	KindFatalInconsistency: "fatal_inconsistency",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is the typed error carried across component boundaries.
// Code holds the gateway error code for KindGatewayRejected.
type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error without a cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause.
func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// Rejected builds a KindGatewayRejected error with the gateway's own code.
func Rejected(op, code, message string) *Error {
	return &Error{Kind: KindGatewayRejected, Op: op, Code: code, Message: message}
}

// KindOf reports the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
