package linkresolution

import (
	"errors"
	"fmt"
)

// ErrResolution matches every ResolutionError via errors.Is.
var ErrResolution = errors.New("link resolution failed")

var errUnsupportedScheme = errors.New("unsupported redirect scheme")

// ErrorKind classifies why a resolution failed.
type ErrorKind string

const (
	KindInvalidURL        ErrorKind = "invalid_url"        // the requested URL is not an absolute http(s) URL
	KindNetwork           ErrorKind = "network"            // a fetch in the chain failed
	KindMissingLocation   ErrorKind = "missing_location"   // a redirect status without a Location header
	KindMalformedLocation ErrorKind = "malformed_location" // a Location header that is not a URL
	KindCycle             ErrorKind = "cycle"              // the chain revisited one of its own URLs
	KindTooManyHops       ErrorKind = "too_many_hops"      // the chain exceeded the hop limit
	KindCanceled          ErrorKind = "canceled"           // the caller's context ended first
	KindClosed            ErrorKind = "closed"             // the resolver was closed
)

// ResolutionError reports a failed Resolve call.
type ResolutionError struct {
	Kind ErrorKind

	// URL is the URL the caller asked to resolve.
	URL string

	// FailedURL is the chain URL at which resolution failed.
	FailedURL string

	Err error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("resolve %s: %s", e.URL, e.Kind)
	if e.FailedURL != "" && e.FailedURL != e.URL {
		msg += fmt.Sprintf(" at %s", e.FailedURL)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrResolution) true for every ResolutionError.
func (e *ResolutionError) Is(target error) bool {
	return target == ErrResolution
}

// KindOf returns the ErrorKind of err, or "" if err is not a ResolutionError.
func KindOf(err error) ErrorKind {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
