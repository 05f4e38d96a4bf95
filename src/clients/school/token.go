package school

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/util"
)

// tokenCache holds the current OAuth material. The mutex covers both reads
// and refreshes, so a stampede of lookups produces exactly one token request.
type tokenCache struct {
	mu           sync.Mutex
	accessToken  util.Secret
	refreshToken util.Secret
	expiresAt    time.Time
}

func (tc *tokenCache) clear() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.accessToken = ""
	tc.refreshToken = ""
	tc.expiresAt = time.Time{}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// token returns a bearer token valid for at least the safety margin,
// acquiring or refreshing one when needed.
func (c *Client) token(ctx context.Context) (string, error) {
	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()

	if c.tokens.accessToken != "" && c.clock.Now().Before(c.tokens.expiresAt.Add(-tokenSafetyMargin)) {
		return string(c.tokens.accessToken), nil
	}
	return c.acquireTokenLocked(ctx)
}

// invalidateAndRefresh drops whatever token a 401 proved stale and acquires
// a fresh one.
func (c *Client) invalidateAndRefresh(ctx context.Context, staleToken string) (string, error) {
	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if string(c.tokens.accessToken) != staleToken && c.tokens.accessToken != "" {
		return string(c.tokens.accessToken), nil
	}
	c.tokens.accessToken = ""
	return c.acquireTokenLocked(ctx)
}

func (c *Client) acquireTokenLocked(ctx context.Context) (string, error) {
	if c.tokens.refreshToken != "" {
		token, err := c.requestToken(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"client_id":     {c.clientID},
			"refresh_token": {string(c.tokens.refreshToken)},
		})
		if err == nil {
			return token, nil
		}
		c.logger.Warn().Err(err).Msg("school API refresh grant failed, falling back to password grant")
		c.tokens.refreshToken = ""
	}

	return c.requestToken(ctx, url.Values{
		"grant_type": {"password"},
		"client_id":  {c.clientID},
		"username":   {string(c.username)},
		"password":   {string(c.password)},
	})
}

func (c *Client) requestToken(ctx context.Context, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read token response: %w: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("token endpoint rejected grant %s (status %d): %w",
			form.Get("grant_type"), resp.StatusCode, ErrUnauthorized)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("token endpoint returned status %d: %w", resp.StatusCode, ErrUnavailable)
	default:
		return "", fmt.Errorf("token endpoint returned unexpected status %d", resp.StatusCode)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" || parsed.ExpiresIn <= 0 {
		return "", fmt.Errorf("token response missing access_token or expires_in")
	}

	c.tokens.accessToken = util.Secret(parsed.AccessToken)
	c.tokens.expiresAt = c.clock.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	if parsed.RefreshToken != "" {
		c.tokens.refreshToken = util.Secret(parsed.RefreshToken)
	}

	c.logger.Debug().Time("expires_at", c.tokens.expiresAt).Msg("school API token acquired")
	return parsed.AccessToken, nil
}

// hasFreshToken reports whether a token valid past the safety margin is
// cached right now. Health checks read it; lookups go through token().
func (c *Client) hasFreshToken() bool {
	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()
	return c.tokens.accessToken != "" && c.clock.Now().Before(c.tokens.expiresAt.Add(-tokenSafetyMargin))
}
