package printers

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ConnectionError is a transient failure to reach a printer. Monitors retry
// it with backoff.
type ConnectionError struct {
	PrinterID string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("printer %s: connection failed: %v", e.PrinterID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError is a credential failure. It is never retried; the printer stays
// offline until reconfigured.
type AuthError struct {
	PrinterID string
	Reason    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("printer %s: authentication failed: %s", e.PrinterID, e.Reason)
}

// ErrNotConnected is returned by operations that require an established
// connection.
var ErrNotConnected = errors.New("printer not connected")

// ErrNoCamera is returned by Snapshot on camera-less printers.
var ErrNoCamera = errors.New("printer has no camera")

// IsRetryable reports whether err should count against monitor backoff and be
// retried. Auth failures and cancellations are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || !errors.Is(err, context.Canceled)
	}
	return true
}
