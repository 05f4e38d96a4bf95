package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creasty/defaults"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/telegram"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/perr"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/repository"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/command"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/dlq"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/match"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/verify"
)

// Gateway is the slice of the chat platform the update pipeline talks back through.
// *telegram.Client satisfies it; tests use fakes.
type Gateway interface {
	SendMessage(ctx context.Context, request telegram.SendMessageRequest) (*telegram.Message, error)
	SetMessageReaction(ctx context.Context, request telegram.SetMessageReactionRequest) error
	GetChatMember(ctx context.Context, chatID, userID int64) (*telegram.ChatMember, error)
}

type MatchEngine interface {
	Register(ctx context.Context, input match.RegisterInput) (*match.Result, error)
	Undo(ctx context.Context, input match.UndoInput) (*match.UndoResult, error)
	Rankings(ctx context.Context, platformChatID int64, limit int) ([]model.RankingEntry, error)
}

type CommandRouter interface {
	Route(ctx context.Context, groupID int64, msg command.Message) (*command.Command, error)
}

type Verifier interface {
	VerifyPlayer(ctx context.Context, player *model.Player, nickname string) (*verify.Outcome, error)
}

type GroupStore interface {
	CreateOrGet(ctx context.Context, platformChatID int64, name *string) (*model.Group, error)
	GetByChatID(ctx context.Context, platformChatID int64) (*model.Group, error)
	SetActive(ctx context.Context, platformChatID int64, active bool) error
	MigrateChatID(ctx context.Context, oldChatID, newChatID int64) error
	ConfigureTopic(ctx context.Context, topic *model.GroupTopic) (*model.GroupTopic, error)
}

type PlayerStore interface {
	CreateOrGet(ctx context.Context, platformUserID int64, nickname *string) (*model.Player, error)
	ByPlatformID(ctx context.Context, platformUserID int64) (*model.Player, error)
	ByID(ctx context.Context, id int64) (*model.Player, error)
	Update(ctx context.Context, player *model.Player) error
	SoftDelete(ctx context.Context, id int64) error
	CountActiveMemberships(ctx context.Context, playerID, excludeGroupID int64) (int, error)
}

// MatchFinder resolves the /undo reply target: the replied-to /match command
// message shares its chat:message key with the stored match.
type MatchFinder interface {
	ByIdempotencyKey(ctx context.Context, key string) (*model.Match, error)
}

type DeadLetters interface {
	Enqueue(ctx context.Context, letter dlq.Letter, cause error) (string, error)
}

// Service is the per-event orchestrator between the chat platform and the
// domain services. Updates are queued and processed by a bounded worker
// pool; each event gets its own deadline. The service itself keeps no
// per-chat state, so any worker can take any event.
type Service struct {
	logger   zerolog.Logger
	gateway  Gateway
	router   CommandRouter
	engine   MatchEngine
	verifier Verifier
	groups   GroupStore
	players  PlayerStore
	matches  MatchFinder
	letters  DeadLetters
	admins   *AdminChecker
	self     func() *telegram.User

	queue     chan telegram.Update
	running   atomic.Bool
	runningWg sync.WaitGroup

	// dedup drops redelivered messages. Best effort: it is in-memory and
	// empties on restart, the engine's idempotency key is the durable net.
	dedup *ttlcache.Cache[string, struct{}]

	numWorkers   uint8
	eventTimeout time.Duration
	rankingSize  int
}

type Options struct {
	Gateway  Gateway       `validate:"required"`
	Router   CommandRouter `validate:"required"`
	Engine   MatchEngine   `validate:"required"`
	Verifier Verifier      `validate:"required"`
	Groups   GroupStore    `validate:"required"`
	Players  PlayerStore   `validate:"required"`
	Matches  MatchFinder   `validate:"required"`
	Letters  DeadLetters   `validate:"required"`
	Admins   *AdminChecker `validate:"required"`
	// Self reports the bot's own identity once the wire client learned it.
	// Needed to tell "a member left" from "we were removed".
	Self func() *telegram.User `validate:"required"`

	NumWorkers uint8  `default:"8" validate:"min=1"`
	QueueSize  uint16 `default:"256" validate:"min=1"`
	// EventTimeout is the per-event processing deadline. Expiry aborts the
	// event's transaction and surfaces as a non-transient failure.
	EventTimeout time.Duration `default:"30s"`
	RankingSize  int           `default:"20" validate:"min=1,max=100"`
	DedupTTL     time.Duration `default:"24h"`
	Logger       zerolog.Logger
}

func NewService(options Options) (*Service, error) {
	errorb := oops.
		In("bot service").
		Code(perr.ECONFIG)

	if err := defaults.Set(&options); err != nil {
		return nil, errorb.Wrapf(err, "failed to set defaults")
	}
	if err := validation.Instance.Struct(&options); err != nil {
		return nil, errorb.Wrapf(err, "failed to validate")
	}

	return &Service{
		logger:   options.Logger,
		gateway:  options.Gateway,
		router:   options.Router,
		engine:   options.Engine,
		verifier: options.Verifier,
		groups:   options.Groups,
		players:  options.Players,
		matches:  options.Matches,
		letters:  options.Letters,
		admins:   options.Admins,
		self:     options.Self,
		queue:    make(chan telegram.Update, options.QueueSize),
		dedup: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](options.DedupTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		numWorkers:   options.NumWorkers,
		eventTimeout: options.EventTimeout,
		rankingSize:  options.RankingSize,
	}, nil
}

func (s *Service) Start(_ context.Context) error {
	if s.running.Load() {
		s.logger.Warn().Msg("bot service is already started")
		return nil
	}

	go s.dedup.Start()
	s.admins.start()

	for range s.numWorkers {
		s.runningWg.Go(func() {
			s.drainQueue()
		})
	}

	s.running.Store(true)
	return nil
}

// Stop drains the queue and waits for in-flight events. The transports must
// be stopped first so no HandleUpdate call races the queue close.
func (s *Service) Stop(_ context.Context) {
	if !s.running.Swap(false) {
		s.logger.Warn().Msg("bot service is already stopped")
		return
	}

	close(s.queue)
	s.runningWg.Wait()
	s.admins.stop()
	s.dedup.Stop()
}

// HandleUpdate enqueues one update for processing. It blocks when the queue
// is full, which pushes backpressure into the poller or webhook handler.
func (s *Service) HandleUpdate(update telegram.Update) {
	if !s.running.Load() {
		s.logger.Warn().Int64("update_id", update.UpdateID).Msg("dropping update, bot service is not running")
		return
	}

	if msg := update.Message; msg != nil {
		key := fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID)
		if s.dedup.Has(key) {
			s.logger.Debug().Str("message_key", key).Msg("duplicate delivery dropped")
			return
		}
		s.dedup.Set(key, struct{}{}, ttlcache.DefaultTTL)
	}

	s.queue <- update
}

func (s *Service) drainQueue() {
	for update := range s.queue {
		s.process(update)
	}
}

func (s *Service) process(update telegram.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), s.eventTimeout)
	defer cancel()

	switch {
	case update.MyChatMember != nil:
		s.onMembershipChange(ctx, update.MyChatMember)
	case update.Message != nil:
		s.onMessage(ctx, update.Message)
	}
}

func (s *Service) onMessage(ctx context.Context, msg *telegram.Message) {
	// Service messages carry no text and may have no sender; pick them off
	// before the sender filter.
	switch {
	case msg.MigrateToChatID != 0:
		s.onMigration(ctx, msg.Chat.ID, msg.MigrateToChatID)
		return
	case msg.MigrateFromChatID != 0:
		s.onMigration(ctx, msg.MigrateFromChatID, msg.Chat.ID)
		return
	case msg.LeftChatMember != nil:
		s.onMemberLeft(ctx, msg.Chat, *msg.LeftChatMember)
		return
	case len(msg.NewChatMembers) > 0:
		s.onMembersJoined(ctx, msg.Chat, msg.NewChatMembers)
		return
	}

	if msg.From == nil || msg.From.IsBot {
		return
	}

	switch msg.Chat.Type {
	case telegram.ChatTypePrivate:
		s.onPrivateMessage(ctx, msg)
	case telegram.ChatTypeGroup, telegram.ChatTypeSupergroup:
		s.onGroupMessage(ctx, msg)
	}
}

func (s *Service) onGroupMessage(ctx context.Context, msg *telegram.Message) {
	// Plain chatter still goes through the router so the username cache
	// learns, but only command-looking text is worth a group row.
	var group *model.Group
	if strings.HasPrefix(msg.Text, "/") {
		resolved, err := s.groups.CreateOrGet(ctx, msg.Chat.ID, chatTitle(msg.Chat))
		if err != nil {
			s.logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("failed to resolve group")
			s.reply(ctx, msg, messageTryLater)
			return
		}
		group = resolved
	}

	var groupID int64
	if group != nil {
		groupID = group.ID
	}

	cmd, err := s.router.Route(ctx, groupID, toRouterMessage(msg))
	if err != nil {
		var reject *command.Reject
		if errors.As(err, &reject) {
			s.reply(ctx, msg, reject.Reason)
			return
		}
		s.logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("failed to route command")
		s.reply(ctx, msg, userMessage(err))
		return
	}
	if cmd == nil {
		return
	}

	if err := s.dispatch(ctx, group, msg, cmd); err != nil {
		s.failCommand(ctx, msg, cmd, err)
	}
}

func (s *Service) onPrivateMessage(ctx context.Context, msg *telegram.Message) {
	if !strings.HasPrefix(msg.Text, "/") {
		return
	}

	word := strings.Fields(msg.Text)[0]
	word, _, _ = strings.Cut(word, "@")
	switch word {
	case "/start":
		s.reply(ctx, msg, startText)
	case "/help":
		s.reply(ctx, msg, helpText)
	default:
		s.reply(ctx, msg, "I work inside group chats. Add me to your table-tennis group and send /help there.")
	}
}

// onMembershipChange reacts to the bot's own membership transitions: being
// added creates or reactivates the group, being removed deactivates it.
func (s *Service) onMembershipChange(ctx context.Context, upd *telegram.ChatMemberUpdated) {
	if upd.Chat.Type != telegram.ChatTypeGroup && upd.Chat.Type != telegram.ChatTypeSupergroup {
		return
	}

	switch upd.NewChatMember.Status {
	case telegram.MemberStatusMember, telegram.MemberStatusAdministrator, telegram.MemberStatusRestricted:
		group, err := s.groups.CreateOrGet(ctx, upd.Chat.ID, chatTitle(upd.Chat))
		if err != nil {
			s.logger.Error().Err(err).Int64("chat_id", upd.Chat.ID).Msg("failed to register group after being added")
			return
		}
		s.logger.Info().Int64("chat_id", upd.Chat.ID).Int64("group_id", group.ID).Msg("active in group")

	case telegram.MemberStatusLeft, telegram.MemberStatusKicked:
		if err := s.groups.SetActive(ctx, upd.Chat.ID, false); err != nil {
			s.logger.Error().Err(err).Int64("chat_id", upd.Chat.ID).Msg("failed to deactivate group after removal")
			return
		}
		s.logger.Info().Int64("chat_id", upd.Chat.ID).Msg("removed from group, deactivated")
	}
}

func (s *Service) onMembersJoined(ctx context.Context, chat telegram.Chat, members []telegram.User) {
	for _, member := range members {
		if !s.isSelf(member.ID) {
			continue
		}
		// Pre-dates my_chat_member updates; kept as the fallback signal.
		if _, err := s.groups.CreateOrGet(ctx, chat.ID, chatTitle(chat)); err != nil {
			s.logger.Error().Err(err).Int64("chat_id", chat.ID).Msg("failed to register group after join message")
		}
		return
	}
}

// onMemberLeft soft-deletes a departing player once no active group claims
// them. Their rating rows and history stay; a comeback starts fresh.
func (s *Service) onMemberLeft(ctx context.Context, chat telegram.Chat, user telegram.User) {
	if s.isSelf(user.ID) {
		if err := s.groups.SetActive(ctx, chat.ID, false); err != nil {
			s.logger.Error().Err(err).Int64("chat_id", chat.ID).Msg("failed to deactivate group after leave message")
		}
		return
	}
	if user.IsBot {
		return
	}

	player, err := s.players.ByPlatformID(ctx, user.ID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error().Err(err).Int64("user_id", user.ID).Msg("failed to look up departing player")
		}
		return
	}

	group, err := s.groups.GetByChatID(ctx, chat.ID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error().Err(err).Int64("chat_id", chat.ID).Msg("failed to resolve group of departing player")
		}
		return
	}

	remaining, err := s.players.CountActiveMemberships(ctx, player.ID, group.ID)
	if err != nil {
		s.logger.Error().Err(err).Int64("player_id", player.ID).Msg("failed to count remaining memberships")
		return
	}
	if remaining > 0 {
		s.logger.Debug().Int64("player_id", player.ID).Int("remaining", remaining).
			Msg("player left one group, still active elsewhere")
		return
	}

	if err := s.players.SoftDelete(ctx, player.ID); err != nil {
		s.logger.Error().Err(err).Int64("player_id", player.ID).Msg("failed to soft delete departed player")
		return
	}
	s.logger.Info().Int64("player_id", player.ID).Int64("chat_id", chat.ID).Msg("departed player soft-deleted")
}

func (s *Service) onMigration(ctx context.Context, oldChatID, newChatID int64) {
	err := s.groups.MigrateChatID(ctx, oldChatID, newChatID)
	switch {
	case err == nil:
		s.logger.Info().Int64("old_chat_id", oldChatID).Int64("new_chat_id", newChatID).
			Msg("group chat id migrated")
	case errors.Is(err, repository.ErrNotFound):
		// Both the old and the new chat emit a migration service message;
		// whichever lands second finds the work done.
		s.logger.Debug().Int64("old_chat_id", oldChatID).Msg("migration already applied")
	default:
		s.logger.Error().Err(err).Int64("old_chat_id", oldChatID).Int64("new_chat_id", newChatID).
			Msg("failed to migrate group chat id")
	}
}

func (s *Service) isSelf(userID int64) bool {
	me := s.self()
	return me != nil && me.ID == userID
}

// toRouterMessage flattens a wire message into the router's neutral shape.
func toRouterMessage(msg *telegram.Message) command.Message {
	out := command.Message{
		ChatID:         msg.Chat.ID,
		MessageID:      msg.MessageID,
		SenderID:       msg.From.ID,
		SenderUsername: msg.From.Username,
		Text:           msg.Text,
	}
	if msg.IsTopicMessage {
		out.TopicID = msg.MessageThreadID
	}
	if reply := msg.ReplyToMessage; reply != nil {
		// Every message in a forum topic is threaded under the topic's
		// opening message; only explicit replies to other messages count.
		if !msg.IsTopicMessage || reply.MessageID != msg.MessageThreadID {
			out.ReplyToMessageID = reply.MessageID
		}
	}
	for _, entity := range msg.Entities {
		e := command.Entity{Type: entity.Type, Offset: entity.Offset, Length: entity.Length}
		if entity.User != nil {
			e.UserID = entity.User.ID
			e.Username = entity.User.Username
		}
		out.Entities = append(out.Entities, e)
	}
	return out
}

func chatTitle(chat telegram.Chat) *string {
	if chat.Title == "" {
		return nil
	}
	title := chat.Title
	return &title
}
