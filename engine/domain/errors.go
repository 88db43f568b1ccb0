package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for recoverable parse failures.
var (
	ErrMalformedCoordinate = errors.New("malformed coordinate")
	ErrInvalidComponent    = errors.New("invalid coordinate component")
	ErrInvalidMeasure      = errors.New("invalid measure")
)

// Kind classifies an error by the pipeline stage that produced it.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformedCoordinate
	KindInvalidComponent
	KindSourceConnection
	KindSourceQuery
	KindCollectionCreate
	KindUpsert
	KindSearch
	KindPresentationBind
)

func (k Kind) String() string {
	switch k {
	case KindMalformedCoordinate:
		return "malformed_coordinate"
	case KindInvalidComponent:
		return "invalid_component"
	case KindSourceConnection:
		return "source_connection"
	case KindSourceQuery:
		return "source_query"
	case KindCollectionCreate:
		return "collection_create"
	case KindUpsert:
		return "upsert"
	case KindSearch:
		return "search"
	case KindPresentationBind:
		return "presentation_bind"
	default:
		return "unknown"
	}
}

// Recoverable reports whether errors of this kind are handled locally by
// substituting a documented default instead of aborting the run.
func (k Kind) Recoverable() bool {
	return k == KindMalformedCoordinate || k == KindInvalidComponent
}

// ParseError wraps a parse sentinel with the offending input.
type ParseError struct {
	Input     string
	Component string // "latitude" or "longitude" for ErrInvalidComponent
	Wrapped   error
}

func (e *ParseError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("parse: %s: %s (value=%q)", e.Wrapped, e.Component, e.Input)
	}
	return fmt.Sprintf("parse: %s (value=%q)", e.Wrapped, e.Input)
}

func (e *ParseError) Unwrap() error { return e.Wrapped }

// Kind maps the wrapped sentinel onto the error taxonomy.
func (e *ParseError) Kind() Kind {
	switch {
	case errors.Is(e.Wrapped, ErrMalformedCoordinate):
		return KindMalformedCoordinate
	case errors.Is(e.Wrapped, ErrInvalidComponent):
		return KindInvalidComponent
	default:
		return KindUnknown
	}
}

// Error is a fatal stage error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError creates an Error. It returns nil when err is nil.
func NewError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind()
	}
	return KindUnknown
}
