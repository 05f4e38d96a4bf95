package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/util"
)

const (
	defaultBaseURL        = "https://api.telegram.org"
	defaultRequestTimeout = 10 * time.Second

	maxResponseBytes = 8 << 20
)

// Client is the Bot API wire client. Safe for concurrent use.
type Client struct {
	logger         zerolog.Logger
	httpc          *http.Client
	baseURL        string
	token          util.Secret
	requestTimeout time.Duration

	me atomic.Pointer[User]
}

type ClientOptions struct {
	Token util.Secret `validate:"required"`
	// BaseURL overrides the production API host, for tests and local
	// Bot API servers.
	BaseURL        string
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

func NewClient(options ClientOptions) (*Client, error) {
	if err := validation.Instance.Struct(&options); err != nil {
		return nil, fmt.Errorf("can't create telegram client: invalid options: %w", err)
	}
	if options.BaseURL == "" {
		options.BaseURL = defaultBaseURL
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = defaultRequestTimeout
	}

	return &Client{
		logger:         options.Logger,
		httpc:          &http.Client{},
		baseURL:        strings.TrimSuffix(options.BaseURL, "/"),
		token:          options.Token,
		requestTimeout: options.RequestTimeout,
	}, nil
}

// Start validates the token against getMe and remembers the bot identity;
// the router later needs the username to strip /command@botname suffixes.
func (c *Client) Start(ctx context.Context) error {
	me, err := c.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to start telegram client: %w", err)
	}

	c.me.Store(me)
	c.logger.Info().Str("username", me.Username).Int64("id", me.ID).Msg("telegram bot identity confirmed")
	return nil
}

func (c *Client) Stop(_ context.Context) {
	c.httpc.CloseIdleConnections()
}

// Me returns the identity cached at start, nil before Start.
func (c *Client) Me() *User {
	return c.me.Load()
}

func (c *Client) GetMe(ctx context.Context) (*User, error) {
	return call[*User](ctx, c, "getMe", nil)
}

// GetUpdates long-polls for at most timeout. The HTTP deadline gets slack on
// top of the poll window so a full window is never mistaken for a dead
// connection.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration, allowedUpdates []string) ([]Update, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+c.requestTimeout)
		defer cancel()
	}

	return call[[]Update](ctx, c, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": allowedUpdates,
	})
}

func (c *Client) SendMessage(ctx context.Context, request SendMessageRequest) (*Message, error) {
	return call[*Message](ctx, c, "sendMessage", request)
}

func (c *Client) SetMessageReaction(ctx context.Context, request SetMessageReactionRequest) error {
	_, err := call[bool](ctx, c, "setMessageReaction", request)
	return err
}

func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error) {
	return call[*ChatMember](ctx, c, "getChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	})
}

func (c *Client) SetWebhook(ctx context.Context, request SetWebhookRequest) error {
	_, err := call[bool](ctx, c, "setWebhook", request)
	return err
}

func (c *Client) DeleteWebhook(ctx context.Context, dropPendingUpdates bool) error {
	_, err := call[bool](ctx, c, "deleteWebhook", map[string]any{
		"drop_pending_updates": dropPendingUpdates,
	})
	return err
}

func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	return call[*WebhookInfo](ctx, c, "getWebhookInfo", nil)
}

type apiEnvelope struct {
	Ok          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result"`
	ErrorCode   int                 `json:"error_code"`
	Description string              `json:"description"`
	Parameters  *responseParameters `json:"parameters"`
}

type responseParameters struct {
	MigrateToChatID int64 `json:"migrate_to_chat_id"`
	RetryAfter      int   `json:"retry_after"`
}

func call[T any](ctx context.Context, c *Client, method string, payload any) (T, error) {
	var zero T

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return zero, fmt.Errorf("telegram %s: encode request: %w", method, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+string(c.token)+"/"+method, body)
	if err != nil {
		return zero, fmt.Errorf("telegram %s: build request: %w", method, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		// Context errors stay matchable; everything else is flattened so
		// the bot token inside the request URL never reaches a log line.
		if ctx.Err() != nil {
			return zero, fmt.Errorf("telegram %s: %w", method, ctx.Err())
		}
		return zero, fmt.Errorf("telegram %s: %s", method, c.redact(err.Error()))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return zero, fmt.Errorf("telegram %s: read response: %s", method, c.redact(err.Error()))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return zero, fmt.Errorf("telegram %s: decode envelope (status %d): %w", method, resp.StatusCode, err)
	}

	if !envelope.Ok {
		apiErr := &APIError{
			Code:        envelope.ErrorCode,
			Description: envelope.Description,
		}
		if envelope.Parameters != nil {
			apiErr.RetryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
			apiErr.MigrateToChatID = envelope.Parameters.MigrateToChatID
		}
		return zero, fmt.Errorf("telegram %s: %w", method, apiErr)
	}

	var result T
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return zero, fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return result, nil
}

func (c *Client) redact(message string) string {
	return strings.ReplaceAll(message, string(c.token), util.SecretMarker)
}
