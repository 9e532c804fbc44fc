package coachsync

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrStorageFull is returned when a local write fails because the device is
// out of space. It is fatal to the failing write only; the engine keeps
// running and previously queued operations are untouched.
var ErrStorageFull = errors.New("local storage full")

// ErrNotFound is returned by store and engine lookups for absent entities.
var ErrNotFound = errors.New("entity not found")

// FailureClass classifies a remote service failure for retry purposes.
type FailureClass int

const (
	// FailureTransient covers network errors and 5xx responses. The
	// operation stays queued and is retried on the next cycle.
	FailureTransient FailureClass = iota
	// FailurePermanent covers 4xx rejections. The operation is removed from
	// the active queue and the entity becomes conflicted.
	FailurePermanent
	// FailureUnauthorized covers 401/403. Treated as permanent and surfaced
	// so the app can trigger re-authentication; never retried automatically.
	FailureUnauthorized
)

func (c FailureClass) String() string {
	switch c {
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	case FailureUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("failure(%d)", int(c))
	}
}

// RemoteError is a classified failure from the remote service client.
type RemoteError struct {
	StatusCode int // 0 when the request never reached the service
	Class      FailureClass
	Body       string
}

func (e *RemoteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("remote unreachable: %s", e.Body)
	}
	return fmt.Sprintf("remote returned status %d (%s): %s", e.StatusCode, e.Class, e.Body)
}

// Classify maps an error from the remote client to a failure class.
// Anything that is not a RemoteError (timeouts, DNS failures, connection
// resets) never reached the service and is transient.
func Classify(err error) FailureClass {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Class
	}
	return FailureTransient
}

// classifyStatus maps an HTTP status code to a failure class.
func classifyStatus(code int) FailureClass {
	switch {
	case code == 401 || code == 403:
		return FailureUnauthorized
	case code >= 500:
		return FailureTransient
	default:
		return FailurePermanent
	}
}

// isStorageFull reports whether a SQLite error indicates disk exhaustion.
func isStorageFull(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrFull || serr.Code == sqlite3.ErrIoErr
	}
	return false
}

// storageErr wraps a local write failure, tagging disk exhaustion with
// ErrStorageFull so callers can distinguish it from programming errors.
func storageErr(op string, err error) error {
	if isStorageFull(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrStorageFull, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
