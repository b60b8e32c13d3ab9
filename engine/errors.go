package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/franksops/panshift/provider"
	"golang.org/x/oauth2"
)

var (
	// ErrSessionExpired means the upload session is gone and the file has to
	// start over with a new one.
	ErrSessionExpired = errors.New("upload session expired")

	// ErrRangeMismatch is returned when a range does not line up with the
	// offset the destination expects.
	ErrRangeMismatch = errors.New("range does not match expected offset")

	// ErrOffsetRegression guards the monotonic task offset.
	ErrOffsetRegression = errors.New("offset regression")
)

// Kind classifies failures by how the pipeline reacts to them.
type Kind int

const (
	// KindTransient covers timeouts, 5xx and short bodies. Retry later.
	KindTransient Kind = iota
	// KindAuth is a token the provider keeps rejecting after a refresh.
	KindAuth
	// KindSessionExpired restarts the file with a new upload session.
	KindSessionExpired
	// KindPermanent is a failure specific to this file. Requeue or skip it.
	KindPermanent
	// KindFatal ends the run.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindSessionExpired:
		return "session_expired"
	case KindPermanent:
		return "permanent"
	case KindFatal:
		return "fatal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// TransferError carries the operation and file a failure belongs to.
type TransferError struct {
	Kind   Kind
	Op     string
	FileID string
	Err    error
}

func (e *TransferError) Error() string {
	if e.FileID == "" {
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Op, e.FileID, e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same operation may succeed later.
func (e *TransferError) Retryable() bool {
	return e.Kind == KindTransient
}

// wrap classifies err and attaches op and file. A TransferError passes
// through unchanged.
func wrap(op, fileID string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransferError
	if errors.As(err, &te) {
		return err
	}
	return &TransferError{Kind: classify(err), Op: op, FileID: fileID, Err: err}
}

// KindOf returns the kind of err, classifying unwrapped errors on the fly.
func KindOf(err error) Kind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindFatal
	case errors.Is(err, ErrSessionExpired):
		return KindSessionExpired
	case errors.Is(err, provider.ErrMalformedResponse),
		errors.Is(err, provider.ErrNotFound),
		errors.Is(err, ErrRangeMismatch),
		errors.Is(err, ErrOffsetRegression):
		return KindPermanent
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return KindTransient
	}

	if code := provider.StatusCode(err); code != 0 {
		switch {
		case code == http.StatusUnauthorized:
			return KindAuth
		case code == http.StatusRequestTimeout,
			code == http.StatusTooManyRequests,
			code >= 500:
			return KindTransient
		default:
			return KindPermanent
		}
	}

	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) && retrieve.Response != nil && retrieve.Response.StatusCode < 500 {
		return KindAuth
	}
	// network errors and anything unrecognised are worth another attempt
	return KindTransient
}
