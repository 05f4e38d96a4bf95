package school

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Participant is the identity record the school API keeps per student.
// Status is one of ACTIVE, TEMPORARY_BLOCKING, EXPELLED, BLOCKED, FROZEN,
// STUDY_COMPLETED.
type Participant struct {
	Login  string `json:"login"`
	Status string `json:"status"`
}

// GetParticipant resolves a school nickname. It owns the full request
// ladder: one forced token refresh on 401, bounded Retry-After waits on 429,
// and an exponential backoff over network failures and 5xx responses.
func (c *Client) GetParticipant(ctx context.Context, nickname string) (*Participant, error) {
	if nickname == "" {
		return nil, fmt.Errorf("school: nickname must not be empty")
	}

	endpoint := c.baseURL + "/v1/participants/" + url.PathEscape(nickname)

	refreshed := false
	delay := lookupInitialDelay
	for attempt := 0; ; attempt++ {
		token, err := c.token(ctx)
		if err != nil {
			if errors.Is(err, ErrUnavailable) && attempt < lookupMaxRetries {
				if err := c.sleep(ctx, delay); err != nil {
					return nil, err
				}
				delay *= 2
				continue
			}
			return nil, fmt.Errorf("lookup '%s': %w", nickname, err)
		}

		participant, retryAfter, err := c.fetchParticipant(ctx, endpoint, token)
		switch {
		case err == nil:
			return participant, nil

		case errors.Is(err, errStaleToken):
			if refreshed {
				return nil, fmt.Errorf("lookup '%s' rejected after token refresh: %w", nickname, ErrUnauthorized)
			}
			refreshed = true
			if _, err := c.invalidateAndRefresh(ctx, token); err != nil {
				return nil, fmt.Errorf("lookup '%s': %w", nickname, err)
			}

		case errors.Is(err, errThrottled):
			if retryAfter > maxHonoredRetryAfter {
				return nil, &RateLimitedError{RetryAfter: retryAfter}
			}
			if attempt >= lookupMaxRetries {
				return nil, &RateLimitedError{RetryAfter: retryAfter}
			}
			c.logger.Debug().Dur("retry_after", retryAfter).Str("nickname", nickname).
				Msg("school API throttled the lookup, waiting")
			if err := c.sleep(ctx, retryAfter); err != nil {
				return nil, err
			}

		case errors.Is(err, ErrUnavailable):
			if attempt >= lookupMaxRetries {
				return nil, fmt.Errorf("lookup '%s' failed after %d attempts: %w", nickname, attempt+1, err)
			}
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2

		default:
			return nil, fmt.Errorf("lookup '%s': %w", nickname, err)
		}
	}
}

// Internal ladder signals; never escape GetParticipant.
var (
	errStaleToken = errors.New("school: access token rejected")
	errThrottled  = errors.New("school: throttled")
)

func (c *Client) fetchParticipant(ctx context.Context, endpoint, token string) (*Participant, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build participant request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("participant request: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read participant response: %w: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var participant Participant
		if err := json.Unmarshal(body, &participant); err != nil {
			return nil, 0, fmt.Errorf("decode participant response: %w", err)
		}
		if participant.Login == "" || participant.Status == "" {
			return nil, 0, fmt.Errorf("participant response missing login or status")
		}
		return &participant, 0, nil

	case resp.StatusCode == http.StatusNotFound:
		return nil, 0, ErrParticipantNotFound

	case resp.StatusCode == http.StatusUnauthorized:
		return nil, 0, errStaleToken

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retryAfterHint(resp.Header, c.clock.Now()), errThrottled

	case resp.StatusCode >= 500:
		return nil, 0, fmt.Errorf("participant endpoint returned status %d: %w", resp.StatusCode, ErrUnavailable)

	default:
		return nil, 0, fmt.Errorf("participant endpoint returned unexpected status %d", resp.StatusCode)
	}
}

// retryAfterHint parses the Retry-After header, seconds or HTTP-date form.
// A missing or unparsable header yields a one-second default.
func retryAfterHint(header http.Header, now time.Time) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return time.Second
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return time.Second
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}
