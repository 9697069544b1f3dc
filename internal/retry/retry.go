// Package retry classifies errors worth another attempt.
package retry

import (
	"context"
	"errors"
)

// IsTransient reports whether err is a deadline, a timeout or a temporary
// failure. Callers still check their own context before retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
