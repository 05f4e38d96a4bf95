package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"
)

// UpdateHandler receives every delivered update. Implementations must not
// block: the transport owns a single delivery goroutine.
type UpdateHandler func(update Update)

const (
	longPollInitialBackoff = time.Second
	longPollMaxBackoff     = 30 * time.Second
)

// LongPoller pulls updates over getUpdates on one goroutine, keeping the
// confirm-offset so Telegram drops what the bot has already seen.
type LongPoller struct {
	logger         zerolog.Logger
	client         *Client
	handler        UpdateHandler
	pollTimeout    time.Duration
	allowedUpdates []string
	clock          clockwork.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

type LongPollerOptions struct {
	Client         *Client       `validate:"required"`
	Handler        UpdateHandler `validate:"required"`
	PollTimeout    time.Duration `default:"50s" validate:"min=1000000000,max=60000000000"` // 1s to 60s
	AllowedUpdates []string
	Clock          clockwork.Clock
	Logger         zerolog.Logger
}

func NewLongPoller(options LongPollerOptions) (*LongPoller, error) {
	errorPrefix := "can't create telegram long poller"

	if err := defaults.Set(&options); err != nil {
		return nil, fmt.Errorf("%s: failed to set defaults: %w", errorPrefix, err)
	}
	if err := validation.Instance.Struct(&options); err != nil {
		return nil, fmt.Errorf("%s: invalid options: %w", errorPrefix, err)
	}
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}

	return &LongPoller{
		logger:         options.Logger,
		client:         options.Client,
		handler:        options.Handler,
		pollTimeout:    options.PollTimeout,
		allowedUpdates: options.AllowedUpdates,
		clock:          options.Clock,
	}, nil
}

func (p *LongPoller) Start(_ context.Context) error {
	if p.cancel != nil {
		return errors.New("telegram long poller already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(ctx)
	return nil
}

func (p *LongPoller) Stop(ctx context.Context) {
	if p.cancel == nil {
		p.logger.Warn().Msg("telegram long poller already stopped")
		return
	}

	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn().Msg("timed out waiting for telegram long poller to drain")
	}
	p.cancel = nil
}

func (p *LongPoller) run(ctx context.Context) {
	defer close(p.done)

	var offset int64
	backoff := longPollInitialBackoff

	for ctx.Err() == nil {
		updates, err := p.client.GetUpdates(ctx, offset, p.pollTimeout, p.allowedUpdates)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			wait := backoff
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			p.logger.Warn().Err(err).Dur("backoff", wait).Msg("getUpdates failed, backing off")

			select {
			case <-ctx.Done():
				return
			case <-p.clock.After(wait):
			}

			backoff = min(backoff*2, longPollMaxBackoff)
			continue
		}
		backoff = longPollInitialBackoff

		for _, update := range updates {
			offset = update.UpdateID + 1
			p.handler(update)
		}
	}
}
