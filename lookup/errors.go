package lookup

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the directory and token API.
type ErrorKind int

const (
	// KindOther is any failure that is not classified otherwise.
	KindOther ErrorKind = iota
	// KindValidation means the service rejected the request parameters.
	KindValidation
	// KindNotFound means the addressed domain or repository does not exist.
	KindNotFound
	// KindUnavailable means the service could not be reached (DNS, connect refused).
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	default:
		return "other"
	}
}

// UpstreamError is returned by lookups that failed in the directory or token API.
type UpstreamError struct {
	Kind ErrorKind
	// Op is a human readable description of the attempted operation,
	// e.g. "get repository endpoint".
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("failed to %s from AWS CodeArtifact: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError wraps err as an UpstreamError of the given kind.
func NewUpstreamError(kind ErrorKind, err error) *UpstreamError {
	return &UpstreamError{Kind: kind, Err: err}
}

// WithOp attaches an operation description to an upstream failure. Errors that
// are not UpstreamErrors are wrapped with KindOther.
func WithOp(err error, op string) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return &UpstreamError{Kind: ue.Kind, Op: op, Err: ue.Err}
	}
	return &UpstreamError{Kind: KindOther, Op: op, Err: err}
}
