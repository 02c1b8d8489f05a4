package sync

import (
	"errors"
	"fmt"
	"net/http"
)

// UnknownModelError reports a model with no registered sync endpoint.
// It is a configuration error: the group's entries stay queued.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("no sync endpoint defined for model %q", e.Model)
}

// NetworkError wraps a transport-level failure (timeout, DNS, offline).
// Always transient.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusError reports a non-2xx reply from a sync endpoint.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
	}
	return fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
}

// IsClientError reports whether the status is in the 4xx range.
func (e *StatusError) IsClientError() bool {
	return e.Status >= 400 && e.Status < 500
}

// RejectedError reports a 2xx reply whose success flag was not true.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "server rejected batch"
	}
	return fmt.Sprintf("server rejected batch: %s", e.Message)
}

// IsTransient reports whether err is worth retrying on the next drain
// without operator action.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return !statusErr.IsClientError()
	}
	var unknown *UnknownModelError
	var rejected *RejectedError
	if errors.As(err, &unknown) || errors.As(err, &rejected) {
		return false
	}
	// storage failures and anything unclassified are retried
	return true
}
