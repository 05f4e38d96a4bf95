package telegram

import (
	"fmt"
	"net/http"
	"time"
)

// APIError is a Bot API response with ok=false, carrying the optional
// parameters Telegram attaches to throttling and migration failures.
type APIError struct {
	Code            int
	Description     string
	RetryAfter      time.Duration
	MigrateToChatID int64
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram: %d %s (retry after %s)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram: %d %s", e.Code, e.Description)
}

// Transient reports whether the call may succeed if repeated: server-side
// failures and flood control qualify, client errors do not.
func (e *APIError) Transient() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}
