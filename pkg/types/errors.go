package types

import "errors"

// ErrorKind classifies failures at component boundaries.
type ErrorKind string

const (
	ErrorProvider   ErrorKind = "provider"
	ErrorAnalyzer   ErrorKind = "analyzer"
	ErrorExecution  ErrorKind = "execution"
	ErrorValidation ErrorKind = "validation"
	ErrorUnknown    ErrorKind = "unknown"
)

// ClassifiedError wraps an error with its taxonomy kind.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// WrapError attaches a kind to err. A nil err returns nil.
func WrapError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// Classify returns the kind carried by err, or ErrorUnknown.
func Classify(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrorUnknown
}
