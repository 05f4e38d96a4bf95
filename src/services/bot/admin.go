package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/telegram"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/perr"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"
)

// AdminChecker answers "does this user administer this chat" with a short
// cache in front of the Bot API. A demoted admin keeps privileges for at
// most the TTL; that window is accepted.
type AdminChecker struct {
	logger  zerolog.Logger
	gateway Gateway
	cache   *ttlcache.Cache[string, bool]
}

type AdminCheckerOptions struct {
	Gateway Gateway       `validate:"required"`
	TTL     time.Duration `default:"5m"`
	Logger  zerolog.Logger
}

func NewAdminChecker(options AdminCheckerOptions) (*AdminChecker, error) {
	errorb := oops.
		In("admin checker").
		Code(perr.ECONFIG)

	if err := defaults.Set(&options); err != nil {
		return nil, errorb.Wrapf(err, "failed to set defaults")
	}
	if err := validation.Instance.Struct(&options); err != nil {
		return nil, errorb.Wrapf(err, "failed to validate")
	}

	return &AdminChecker{
		logger:  options.Logger,
		gateway: options.Gateway,
		cache: ttlcache.New[string, bool](
			ttlcache.WithTTL[string, bool](options.TTL),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		),
	}, nil
}

func (c *AdminChecker) start() {
	go c.cache.Start()
}

func (c *AdminChecker) stop() {
	c.cache.Stop()
}

func (c *AdminChecker) IsAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	key := fmt.Sprintf("%d:%d", chatID, userID)
	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	member, err := c.gateway.GetChatMember(ctx, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch chat member %d of chat %d: %w", userID, chatID, err)
	}

	isAdmin := member.Status == telegram.MemberStatusCreator || member.Status == telegram.MemberStatusAdministrator
	c.cache.Set(key, isAdmin, ttlcache.DefaultTTL)
	return isAdmin, nil
}
