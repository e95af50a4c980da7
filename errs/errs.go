// Package errs implements the error taxonomy from spec.md §7: a small set of
// named Kinds plus a Pack that combines a primary Kind with a chain of
// underlying errors for diagnostic rendering.
//
// No example repo in the reference corpus carries an error type shaped like
// this (kind enum + wrapped chain); it is built directly on stdlib errors.Is/
// errors.As/fmt.Errorf("%w", ...) rather than a third-party wrapping library —
// see DESIGN.md for why.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the taxonomy named by spec.md §7. It is not itself an error value —
// Pack carries both a Kind and the chain that produced it.
type Kind int

const (
	Transport Kind = iota
	Timeout
	ProtocolHeader
	ProtocolFrame
	XmlrpcCodec
	Registry
	Usage
	Cancelled
	ServiceFailed
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "Transport"
	case Timeout:
		return "Timeout"
	case ProtocolHeader:
		return "ProtocolHeader"
	case ProtocolFrame:
		return "ProtocolFrame"
	case XmlrpcCodec:
		return "XmlrpcCodec"
	case Registry:
		return "Registry"
	case Usage:
		return "Usage"
	case Cancelled:
		return "Cancelled"
	case ServiceFailed:
		return "ServiceFailed"
	default:
		return "Unknown"
	}
}

// Pack is the primary-kind-plus-chain error type spec.md §7 calls for.
type Pack struct {
	kind    Kind
	message string
	cause   error
}

// New creates a Pack with no underlying cause.
func New(kind Kind, message string) *Pack {
	return &Pack{kind: kind, message: message}
}

// Wrap creates a Pack that chains an underlying error for diagnostic
// rendering, while the Pack itself still reports kind as its primary Kind.
func Wrap(kind Kind, message string, cause error) *Pack {
	return &Pack{kind: kind, message: message, cause: cause}
}

func (p *Pack) Error() string {
	if p.cause == nil {
		return fmt.Sprintf("%s: %s", p.kind, p.message)
	}
	return fmt.Sprintf("%s: %s: %v", p.kind, p.message, p.cause)
}

// Unwrap exposes the underlying chain to errors.Is/errors.As.
func (p *Pack) Unwrap() error {
	return p.cause
}

// Kind reports the primary kind carried by this Pack.
func (p *Pack) Kind() Kind {
	return p.kind
}

// KindOf extracts the primary Kind from err if it is (or wraps) a *Pack, and
// reports ok=false otherwise — used at engine boundaries that only know how
// to react to a Kind, not the full chain (e.g. "close the session on any
// Transport or Timeout error").
func KindOf(err error) (Kind, bool) {
	var p *Pack
	if errors.As(err, &p) {
		return p.kind, true
	}
	return 0, false
}

// Is reports whether err is a *Pack whose primary Kind equals kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
