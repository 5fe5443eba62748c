package bulkapi

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// HTTPError is a non-2xx answer from the bulk service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// notProcessed reports failures where the server certainly did not apply the
// request, so sending it again cannot duplicate a job, batch or close.
func notProcessed(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode == http.StatusServiceUnavailable
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// serverFault reports failures that should count against the circuit breaker.
// Client errors say nothing about the health of the service.
func serverFault(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500 || he.StatusCode == http.StatusTooManyRequests
	}
	return true
}
