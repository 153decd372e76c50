// Package ragerr defines the error kinds surfaced by the retrieval pipeline.
package ragerr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure so callers can react without string matching.
type Kind string

const (
	KindLoad              Kind = "load"
	KindConfig            Kind = "config"
	KindProvider          Kind = "provider"
	KindIndexNotReady     Kind = "index_not_ready"
	KindDimensionMismatch Kind = "dimension_mismatch"
	KindNoContext         Kind = "no_context"
	KindInvalid           Kind = "invalid"
	KindNotFound          Kind = "not_found"
)

// Sentinels usable with errors.Is.
var (
	ErrLoad              = &Error{Kind: KindLoad}
	ErrConfig            = &Error{Kind: KindConfig}
	ErrProvider          = &Error{Kind: KindProvider}
	ErrIndexNotReady     = &Error{Kind: KindIndexNotReady}
	ErrDimensionMismatch = &Error{Kind: KindDimensionMismatch}
	ErrNoContext         = &Error{Kind: KindNoContext}
	ErrInvalid           = &Error{Kind: KindInvalid}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	default:
		return string(e.Kind) + " error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels compare by kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Provider tags err as a provider failure unless it already carries a kind.
func Provider(op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Kind: KindProvider, Op: op, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain, or "" when none.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return ""
}
