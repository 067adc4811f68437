package gateway

import (
	"errors"
	"fmt"
)

// ErrRemoteUnavailable is returned when the gateway cannot be reached:
// transport failures, timeouts and 5xx responses. Background loops
// recover from it locally; it is never surfaced to the user.
var ErrRemoteUnavailable = errors.New("gateway unavailable")

// RemoteError is a business rejection from the gateway (4xx with an
// error payload). It is surfaced inline for user-initiated actions.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway rejected request (%d): %s", e.Status, e.Message)
}

// IsRejected reports whether err is a business rejection rather than a
// transient transport problem.
func IsRejected(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
