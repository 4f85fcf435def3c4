package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrAuth is returned when a provider still rejects the call after one token refresh
var ErrAuth = errors.New("provider authorization failed")

// ProviderError is a non-2xx provider response or a transport failure (Status 0)
type ProviderError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("%s: bad status %d: %s", e.Op, e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("%s: bad status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": provider error"
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// StatusOf returns the HTTP status carried by err, or 0
func StatusOf(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}

// IsAuthFailure reports a 401 or 403 provider response
func IsAuthFailure(err error) bool {
	status := StatusOf(err)
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// IsTransient reports failures worth retrying: 5xx, 429, timeouts and network errors
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Status >= 500 || pe.Status == http.StatusTooManyRequests {
			return true
		}
		if pe.Status != 0 {
			return false
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
