package channel

import (
	"errors"
	"strconv"
)

// TransportError reports a failed round trip: the request could not be sent,
// timed out, or the service answered with a non-2xx status.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	msg := "transport " + e.Op + " " + e.URL
	if e.StatusCode != 0 {
		msg += " (status " + strconv.Itoa(e.StatusCode) + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr)
}

// IsRetryable reports whether a fresh attempt may succeed: network failures
// and 5xx/429 answers are, 4xx answers are not.
func IsRetryable(err error) bool {
	var terr *TransportError
	if !errors.As(err, &terr) {
		return false
	}
	if terr.StatusCode == 0 {
		return true
	}
	return terr.StatusCode >= 500 || terr.StatusCode == 429
}
