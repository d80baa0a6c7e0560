package article

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors matched with errors.Is against a *FetchError.
var (
	ErrNotFound     = errors.New("article not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrTransient    = errors.New("transient failure")
	ErrInvalidID    = errors.New("invalid article number")
)

// Kind classifies a fetch failure.
type Kind int

const (
	KindTransient Kind = iota
	KindNotFound
	KindUnauthorized
	KindForbidden
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindUnauthorized:
		return ErrUnauthorized
	case KindForbidden:
		return ErrForbidden
	default:
		return ErrTransient
	}
}

func (k Kind) String() string {
	return k.sentinel().Error()
}

// Permanent reports whether retrying a failure of this kind is pointless.
func (k Kind) Permanent() bool {
	return k != KindTransient
}

// FetchError describes a failed article fetch.
type FetchError struct {
	ID         string
	Kind       Kind
	StatusCode int   // HTTP status, 0 when no response was received
	Err        error // underlying cause, may be nil
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.ID, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// ClassifyStatus maps an HTTP response status to a failure kind. Only 401,
// 403 and 404 are permanent; everything else is worth another attempt.
func ClassifyStatus(code int) Kind {
	switch code {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	default:
		return KindTransient
	}
}

// IsPermanent reports whether err is a failure that must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || IsAuth(err) || errors.Is(err, ErrInvalidID)
}

// IsAuth reports whether err means the session token was rejected.
func IsAuth(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

// asFetchError makes sure err carries a classification, treating anything
// unclassified as transient.
func asFetchError(id string, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) || errors.Is(err, ErrInvalidID) {
		return err
	}
	return &FetchError{ID: id, Kind: KindTransient, Err: err}
}
