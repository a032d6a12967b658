package common

import (
	"fmt"
	"net/http"
)

// ClassifyHTTPStatus maps a non-2xx status from an outbound call to the error taxonomy:
// 408, 429 and 5xx are transient, 404 is not-found, every other status is permanent.
func ClassifyHTTPStatus(status int) error {
	err := fmt.Errorf("non-2xx status: %d", status)
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Transient(err)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, Permanent(err))
	default:
		return Permanent(err)
	}
}
