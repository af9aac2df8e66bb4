package runtime

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// ErrTransient marks failures worth retrying.
var ErrTransient = errors.New("transient failure")

type temporary interface{ Temporary() bool }

type retryable interface{ Retryable() bool }

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"temporary failure",
}

// IsRetryable classifies an error returned by a transform. Reported
// failures are retryable only when built with TransientFailure. For other
// errors, network, timeout and transient I/O failures are retryable and
// everything else is treated as a logic error that propagates on first
// occurrence.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// A failure the transform reported decides for itself.
	var reported *domain.DomainError
	if errors.As(err, &reported) && reported.Code == CodeTransformError {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var tmp temporary
	if errors.As(err, &tmp) && tmp.Temporary() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
