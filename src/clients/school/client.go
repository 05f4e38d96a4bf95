package school

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/util"
)

const (
	credentialsLoginSuffix    = "_LOGIN"
	credentialsPasswordSuffix = "_PASSWORD"

	// One backoff ladder per lookup: transient failures get this many
	// extra attempts before ErrUnavailable escapes.
	lookupMaxRetries   = 3
	lookupInitialDelay = 500 * time.Millisecond

	// Retry-After waits up to this bound are absorbed in-request; longer
	// hints surface as RateLimitedError.
	maxHonoredRetryAfter = 10 * time.Second

	tokenSafetyMargin = 5 * time.Minute
)

// Client talks to the school identity API. Safe for concurrent use; the
// token cache serializes refreshes so at most one token request is in
// flight per process.
type Client struct {
	logger zerolog.Logger
	httpc  *http.Client
	clock  clockwork.Clock

	baseURL  string
	authURL  string
	clientID string

	credentialsEnv string
	username       util.Secret
	password       util.Secret

	tokens tokenCache
}

type ClientOptions struct {
	BaseURL  string `validate:"required,url"`
	AuthURL  string `validate:"required,url"`
	ClientID string `validate:"required"`
	// CredentialsEnv names the environment variable prefix holding the
	// API account: <prefix>_LOGIN and <prefix>_PASSWORD.
	CredentialsEnv string `validate:"required"`
	Timeout        time.Duration
	TLSConfig      *tls.Config
	Clock          clockwork.Clock
	Logger         zerolog.Logger
}

func NewClient(options ClientOptions) (*Client, error) {
	if err := validation.Instance.Struct(&options); err != nil {
		return nil, fmt.Errorf("can't create school client: invalid options: %w", err)
	}
	if options.Timeout <= 0 {
		options.Timeout = 10 * time.Second
	}
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if options.TLSConfig != nil {
		transport.TLSClientConfig = options.TLSConfig
	}

	return &Client{
		logger: options.Logger,
		httpc: &http.Client{
			Timeout:   options.Timeout,
			Transport: transport,
		},
		clock:          options.Clock,
		baseURL:        options.BaseURL,
		authURL:        options.AuthURL,
		clientID:       options.ClientID,
		credentialsEnv: options.CredentialsEnv,
	}, nil
}

// Start loads the API credentials from the environment and primes the token
// cache. Missing credentials fail the start; the identity API being down
// does not, since tokens are re-acquired lazily on first use.
func (c *Client) Start(ctx context.Context) error {
	login := os.Getenv(c.credentialsEnv + credentialsLoginSuffix)
	password := os.Getenv(c.credentialsEnv + credentialsPasswordSuffix)
	if login == "" || password == "" {
		return fmt.Errorf("school client credentials missing: set %s%s and %s%s",
			c.credentialsEnv, credentialsLoginSuffix, c.credentialsEnv, credentialsPasswordSuffix)
	}
	c.username = util.Secret(login)
	c.password = util.Secret(password)

	if _, err := c.token(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("could not prime school API token, will acquire lazily")
	}
	return nil
}

func (c *Client) Stop(_ context.Context) {
	c.httpc.CloseIdleConnections()
	c.tokens.clear()
}
