package school

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrParticipantNotFound reports a nickname the school API has no
	// record of. Permanent for the looked-up value.
	ErrParticipantNotFound = errors.New("school: participant not found")

	// ErrUnauthorized reports credentials the token endpoint rejected, or
	// a lookup still rejected after one forced token refresh. Permanent
	// until an operator fixes the credentials.
	ErrUnauthorized = errors.New("school: unauthorized")

	// ErrUnavailable wraps 5xx responses and network failures that
	// survived the in-client retry ladder. Callers may try again later.
	ErrUnavailable = errors.New("school: temporarily unavailable")
)

// RateLimitedError reports a 429 whose Retry-After exceeds what the client
// is willing to absorb in-request.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("school: rate limited, retry after %s", e.RetryAfter)
}
