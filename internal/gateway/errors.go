package gateway

import (
	"errors"
	"fmt"
)

// TransientNetworkError is a transport-level failure (connection refused,
// timeout, 5xx without an envelope). The cache retries these with backoff.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// MalformedResponseError means the gateway answered but the envelope was
// missing, unparsable, or carried a non-200 code.
type MalformedResponseError struct {
	Op      string
	Status  int // HTTP status
	Code    int // envelope code, 0 when absent
	Message string
	Err     error
}

func (e *MalformedResponseError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: malformed response (HTTP %d): %v", e.Op, e.Status, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: gateway code %d: %s", e.Op, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: gateway code %d", e.Op, e.Code)
	}
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}

// IsMalformed reports whether err came from an invalid gateway response.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}
