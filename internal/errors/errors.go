package errors

import (
	"context"
	"errors"
)

// Storage errors.
var (
	ErrStorageUnavailable = errors.New("local storage unavailable")
	ErrRecordNotFound     = errors.New("record not found")
)

// Remote authority errors. ErrTimeout wraps ErrNetworkUnreachable so a
// timed-out request is handled exactly like a dropped connection.
var (
	ErrNetworkUnreachable = errors.New("remote authority unreachable")
	ErrTimeout            = &timeoutError{}
	ErrRemoteRejected     = errors.New("remote authority rejected the record")
	ErrRemoteServerError  = errors.New("remote authority server error")
)

// Record lifecycle errors.
var (
	ErrInvalidTransition = errors.New("invalid sync status transition")
	ErrServerIDAssigned  = errors.New("server id already assigned")
	ErrNotPlantOwner     = errors.New("offline chat is only allowed on your own plants")
	ErrUnsupportedKind   = errors.New("unsupported record kind")
	ErrInvalidPayload    = errors.New("invalid record payload")
)

type timeoutError struct{}

func (*timeoutError) Error() string { return "request to remote authority timed out" }
func (*timeoutError) Unwrap() error { return ErrNetworkUnreachable }

// IsTransient reports whether err should leave a record queued for the
// next drain. A rejection by the remote authority, or a payload that
// cannot even be sent, is permanent until the user edits the record;
// anything unrecognised is retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	return !errors.Is(err, ErrRemoteRejected) && !errors.Is(err, ErrInvalidPayload)
}

// FromContext maps a context error to the taxonomy. A deadline becomes
// ErrTimeout; cancellation is returned unchanged.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	return err
}
