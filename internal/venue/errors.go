package venue

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported marks an operation the venue has no primitive for.
	ErrUnsupported = errors.New("venue: operation not supported")
	// ErrNoCredentials means the user has no usable credentials for the venue.
	ErrNoCredentials = errors.New("venue: no credentials configured")
	// ErrUnknownVenue means the venue name is not registered.
	ErrUnknownVenue = errors.New("venue: unknown venue")
	// ErrOrderNotFound is returned by cancel paths when the venue reports
	// the order id does not exist (already filled or already cancelled).
	ErrOrderNotFound = errors.New("venue: order not found")
	// ErrNoPosition is returned by close paths when the venue holds no
	// position in the symbol.
	ErrNoPosition = errors.New("venue: no open position")
)

func opUnsupported(op string) error {
	return fmt.Errorf("%s: %w", op, ErrUnsupported)
}

// APIError is a non-2xx venue response that survived retries. Body is the
// raw response payload, truncated by the transport; it never contains
// credential material because credentials travel in headers or the signed
// query, which are not echoed.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue API status %d: %s", e.Status, e.Body)
}

// StatusOf extracts the HTTP status from an APIError chain, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
