package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"os"
)

// Weights of failed origin requests. Timeouts weigh most because each one
// held a connection for the full timeout.
const (
	weightThrottled = 0.5
	weightFailure   = 1.0
	weightTimeout   = 1.5
)

// ClassifyError returns the breaker weight of a transport error.
//
// Weights:
//   - timeout (deadline exceeded) -> 1.5
//   - any other transport error (refused, reset, DNS) -> 1.0
//   - nil -> 0.0
func ClassifyError(err error) float64 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return weightTimeout
	default:
		return weightFailure
	}
}

// ClassifyStatus returns the breaker weight of an origin response status.
// Client errors are the client's fault and weigh nothing.
func ClassifyStatus(code int) float64 {
	switch {
	case code == http.StatusTooManyRequests:
		return weightThrottled
	case code >= 500 && code <= 504:
		return weightFailure
	default:
		return 0
	}
}
