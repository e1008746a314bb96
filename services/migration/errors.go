package migration

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is malformed or missing input; fatal for the call.
	KindValidation
	// KindExternal is a lineage, export or import upstream failure.
	KindExternal
	// KindPermission is an authorization denial; treated as a soft pass.
	KindPermission
	// KindNotFound and KindDuplicate are expected import outcomes.
	KindNotFound
	KindDuplicate
	// KindIO is a staging read or write failure.
	KindIO
	// KindParse is undecodable content.
	KindParse
	// KindPersistence is a ledger write failure; always fatal.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindExternal:
		return "external"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	case KindIO:
		return "io"
	case KindParse:
		return "parse"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error carries a Kind together with the asset it concerns.
type Error struct {
	Kind  Kind
	Op    string
	Asset AssetRef
	Err   error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Asset.Type != "" {
		msg += " " + e.Asset.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind Kind, op string, asset AssetRef, err error) *Error {
	return &Error{Kind: kind, Op: op, Asset: asset, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsPermission reports whether err is a soft authorization denial.
func IsPermission(err error) bool { return KindOf(err) == KindPermission }

// IsExpected reports whether err is a duplicate or not-found import outcome.
func IsExpected(err error) bool {
	k := KindOf(err)
	return k == KindDuplicate || k == KindNotFound
}

// classify wraps err with kind unless it already carries one.
func classify(kind Kind, op string, asset AssetRef, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return NewError(kind, op, asset, err)
}
