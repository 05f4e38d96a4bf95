package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/telegram"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/repository"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/command"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/match"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/verify"
)

const (
	reactionLooking  = "👀"
	reactionApproved = "👍"
	reactionRejected = "👎"
)

func (s *Service) dispatch(ctx context.Context, group *model.Group, msg *telegram.Message, cmd *command.Command) error {
	switch cmd.Kind {
	case command.KindStart:
		s.reply(ctx, msg, startText)
	case command.KindHelp:
		s.reply(ctx, msg, helpText)
	case command.KindUsage:
		s.reply(ctx, msg, cmd.Usage)
	case command.KindMatch:
		return s.handleMatch(ctx, msg, cmd.Match)
	case command.KindRanking:
		return s.handleRanking(ctx, msg)
	case command.KindID:
		return s.handleID(ctx, msg, cmd.ID)
	case command.KindIDGuest:
		return s.handleIDGuest(ctx, msg)
	case command.KindUndo:
		return s.handleUndo(ctx, msg, cmd.Undo)
	case command.KindConfigTopic:
		return s.handleConfigTopic(ctx, group, msg, cmd.ConfigTopic)
	default:
		s.logger.Warn().Str("kind", string(cmd.Kind)).Msg("router produced a command the dispatcher does not know")
	}
	return nil
}

func (s *Service) handleMatch(ctx context.Context, msg *telegram.Message, args command.MatchArgs) error {
	result, err := s.engine.Register(ctx, match.RegisterInput{
		PlatformChatID:      msg.Chat.ID,
		GroupName:           chatTitle(msg.Chat),
		Player1PlatformID:   args.Player1.PlatformID,
		Player2PlatformID:   args.Player2.PlatformID,
		Score1:              args.Score1,
		Score2:              args.Score2,
		IdempotencyKey:      idempotencyKey(msg.Chat.ID, msg.MessageID),
		CreatedByPlatformID: msg.From.ID,
	})
	if err != nil {
		return err
	}

	if result.Duplicate {
		s.logger.Debug().
			Int64("match_id", result.Match.ID).
			Int64("chat_id", msg.Chat.ID).
			Msg("redelivered match command, acknowledging the original")
	}

	s.reply(ctx, msg, renderMatch(args, result.Match))
	return nil
}

func (s *Service) handleRanking(ctx context.Context, msg *telegram.Message) error {
	entries, err := s.engine.Rankings(ctx, msg.Chat.ID, s.rankingSize)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.reply(ctx, msg, renderRanking(nil))
			return nil
		}
		return err
	}
	s.reply(ctx, msg, renderRanking(entries))
	return nil
}

func (s *Service) handleID(ctx context.Context, msg *telegram.Message, args command.IDArgs) error {
	// The roster lookup can take a while; the reaction tells the sender
	// the command was seen. Every exit settles it to a verdict.
	s.react(ctx, msg, reactionLooking)

	player, err := s.players.CreateOrGet(ctx, msg.From.ID, nil)
	if err != nil {
		s.react(ctx, msg, reactionRejected)
		return fmt.Errorf("failed to resolve player %d: %w", msg.From.ID, err)
	}

	outcome, err := s.verifier.VerifyPlayer(ctx, player, args.Nickname)
	if err != nil {
		s.react(ctx, msg, reactionRejected)
		return err
	}

	switch {
	case outcome.NotFound:
		s.react(ctx, msg, reactionRejected)
		s.reply(ctx, msg, fmt.Sprintf("Login %q is not in the school roster. Check the spelling, or use /id_guest.", args.Nickname))
	case outcome.Active():
		s.react(ctx, msg, reactionApproved)
		s.reply(ctx, msg, fmt.Sprintf("Verified: %s is an active student. Welcome!", outcome.Login))
	default:
		s.react(ctx, msg, reactionRejected)
		s.reply(ctx, msg, fmt.Sprintf("Login %s is in the roster with status %s, so you're linked but not marked as a student.", outcome.Login, outcome.Status))
	}
	return nil
}

func (s *Service) handleIDGuest(ctx context.Context, msg *telegram.Message) error {
	player, err := s.players.CreateOrGet(ctx, msg.From.ID, nil)
	if err != nil {
		return fmt.Errorf("failed to resolve player %d: %w", msg.From.ID, err)
	}

	player.Nickname = nil
	player.IsStudent = false
	player.AllowedNonStudent = true
	if err := s.players.Update(ctx, player); err != nil {
		return fmt.Errorf("failed to update player %d: %w", player.ID, err)
	}

	s.react(ctx, msg, reactionApproved)
	s.reply(ctx, msg, "Done, you're registered as a guest. Your games count toward the ratings as usual.")
	return nil
}

func (s *Service) handleUndo(ctx context.Context, msg *telegram.Message, args command.UndoArgs) error {
	input := match.UndoInput{
		PlatformChatID:    msg.Chat.ID,
		InvokerPlatformID: msg.From.ID,
	}

	if args.ReplyToMessageID != 0 {
		target, err := s.matches.ByIdempotencyKey(ctx, idempotencyKey(msg.Chat.ID, args.ReplyToMessageID))
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				s.reply(ctx, msg, "That message isn't a recorded match. Reply to the original /match message, or send /undo alone for the latest one.")
				return nil
			}
			return fmt.Errorf("failed to resolve replied-to match: %w", err)
		}
		input.MatchID = target.ID
	}

	isAdmin, err := s.admins.IsAdmin(ctx, msg.Chat.ID, msg.From.ID)
	if err != nil {
		// Participants can still undo their own match; only the admin
		// override degrades.
		s.logger.Warn().Err(err).Int64("chat_id", msg.Chat.ID).Msg("admin check failed, treating invoker as a regular member")
	}
	input.InvokerIsAdmin = isAdmin

	result, err := s.engine.Undo(ctx, input)
	if err != nil {
		return err
	}

	label1 := s.labelByID(ctx, result.Match.Player1ID)
	label2 := s.labelByID(ctx, result.Match.Player2ID)
	s.reply(ctx, msg, renderUndo(result.Match, label1, label2, result.Player1Rating, result.Player2Rating))
	return nil
}

func (s *Service) handleConfigTopic(ctx context.Context, group *model.Group, msg *telegram.Message, args command.ConfigTopicArgs) error {
	if group == nil {
		return fmt.Errorf("%w: config_topic outside a group", repository.ErrInvalidArgument)
	}

	stored, err := s.groups.ConfigureTopic(ctx, &model.GroupTopic{
		GroupID:         group.ID,
		PlatformTopicID: args.TopicID,
		Type:            args.Type,
	})
	if err != nil {
		return err
	}

	s.reply(ctx, msg, renderTopicBound(stored.Type, stored.PlatformTopicID))
	return nil
}

func (s *Service) labelByID(ctx context.Context, playerID int64) string {
	player, err := s.players.ByID(ctx, playerID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("player_id", playerID).Msg("failed to label player")
		return "unknown player"
	}
	return playerLabel(player)
}

// failCommand is the single exit for handler errors: user mistakes get the
// reject reason back, real failures get logged, dead-lettered and answered
// with a generic apology. Cleanup runs on its own deadline because the
// event's may already be spent.
func (s *Service) failCommand(ctx context.Context, msg *telegram.Message, cmd *command.Command, err error) {
	var reject *command.Reject
	if errors.As(err, &reject) {
		s.reply(ctx, msg, reject.Reason)
		return
	}

	s.logger.Error().Err(err).
		Str("command", string(cmd.Kind)).
		Int64("chat_id", msg.Chat.ID).
		Int64("message_id", msg.MessageID).
		Msg("command failed")

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if deadLetterWorthy(err) {
		if _, dlqErr := s.letters.Enqueue(cleanupCtx, newCommandLetter(msg, cmd.Kind), err); dlqErr != nil {
			s.logger.Error().Err(dlqErr).Msg("failed to dead-letter command")
		}
	}

	s.reply(cleanupCtx, msg, userMessage(err))
}

// userMessage maps a handler error to what the chat sees. Anything not
// recognized gets the generic apology.
func userMessage(err error) string {
	switch {
	case errors.Is(err, verify.ErrTemporary):
		return "The school roster service is unavailable right now. Please try again later."
	case errors.Is(err, match.ErrUnauthorized):
		return "Only the match participants or a group admin can undo a match."
	case errors.Is(err, match.ErrUndoExpired):
		return "The undo window for that match has passed. Ask a group admin to undo it."
	case errors.Is(err, match.ErrAlreadyUndone):
		return "That match was already undone."
	case errors.Is(err, repository.ErrNotFound):
		return "I couldn't find that match. Nothing to undo."
	case errors.Is(err, repository.ErrInvalidArgument):
		return "I couldn't make sense of that. Check /help for the command format."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long to process. Please try again in a minute."
	default:
		return messageTryLater
	}
}

// deadLetterWorthy filters user mistakes out of the dead-letter table; those
// were answered in chat and carry nothing to replay.
func deadLetterWorthy(err error) bool {
	var reject *command.Reject
	switch {
	case errors.As(err, &reject),
		errors.Is(err, repository.ErrInvalidArgument),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, match.ErrUnauthorized),
		errors.Is(err, match.ErrUndoExpired),
		errors.Is(err, match.ErrAlreadyUndone):
		return false
	default:
		return true
	}
}

func idempotencyKey(chatID, messageID int64) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func (s *Service) reply(ctx context.Context, msg *telegram.Message, text string) {
	request := telegram.SendMessageRequest{
		ChatID: msg.Chat.ID,
		Text:   text,
		ReplyParameters: &telegram.ReplyParameters{
			MessageID: msg.MessageID,
		},
	}
	if msg.IsTopicMessage {
		request.MessageThreadID = msg.MessageThreadID
	}
	if _, err := s.gateway.SendMessage(ctx, request); err != nil {
		s.logger.Error().Err(err).
			Int64("chat_id", msg.Chat.ID).
			Int64("message_id", msg.MessageID).
			Msg("failed to send reply")
	}
}

// react is best effort: reactions are decoration, their failure never fails
// the command.
func (s *Service) react(ctx context.Context, msg *telegram.Message, emoji string) {
	err := s.gateway.SetMessageReaction(ctx, telegram.SetMessageReactionRequest{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Reaction:  telegram.EmojiReaction(emoji),
	})
	if err != nil {
		s.logger.Debug().Err(err).
			Int64("chat_id", msg.Chat.ID).
			Int64("message_id", msg.MessageID).
			Str("emoji", emoji).
			Msg("failed to set reaction")
	}
}
