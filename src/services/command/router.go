package command

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"
)

const maxNicknameLength = 64

// Anchored argument grammars. The optional @\w+ after the command word is
// the bot-address suffix chat clients append when autocompleting.
var (
	commandWordPattern = regexp.MustCompile(`^(/[a-z0-9_]+)(?:@(\w+))?(?:\s|$)`)
	matchArgsPattern   = regexp.MustCompile(`^/match(?:@\w+)?\s+@(\w+)\s+@(\w+)\s+(\d+)\s+(\d+)$`)
	idArgsPattern      = regexp.MustCompile(`^/id(?:@\w+)?\s+(\S+)$`)
	configArgsPattern  = regexp.MustCompile(`^/config_topic(?:@\w+)?\s+([a-z_]+)$`)
)

var kindByWord = map[string]Kind{
	"/start":        KindStart,
	"/help":         KindHelp,
	"/match":        KindMatch,
	"/ranking":      KindRanking,
	"/rank":         KindRanking,
	"/id":           KindID,
	"/id_guest":     KindIDGuest,
	"/undo":         KindUndo,
	"/config_topic": KindConfigTopic,
}

var usageText = map[Kind]string{
	KindStart:       "/start - greet the bot and see what it can do",
	KindHelp:        "/help - list available commands",
	KindMatch:       "/match @player1 @player2 <score1> <score2> - record a finished match",
	KindRanking:     "/ranking - show the group rating table",
	KindID:          "/id <nickname> - link your school identity",
	KindIDGuest:     "/id_guest - register as a guest, no school identity",
	KindUndo:        "/undo - revert the replied-to match, or the latest one",
	KindConfigTopic: "/config_topic <id|ranking|matches|logs> - bind this topic to a purpose (admins only)",
}

// requiredTopicType scopes commands to configured forum topics. Kinds
// missing from the map are accepted anywhere.
var requiredTopicType = map[Kind]model.TopicType{
	KindMatch:   model.TopicTypeMatches,
	KindID:      model.TopicTypeID,
	KindIDGuest: model.TopicTypeID,
}

// wrongTopicLabel names the command family in wrong-topic rejections.
var wrongTopicLabel = map[model.TopicType]string{
	model.TopicTypeMatches: "Match",
	model.TopicTypeID:      "Identity",
}

// TopicStore supplies the configured forum topics of a group.
type TopicStore interface {
	TopicsByType(ctx context.Context, groupID int64, topicType model.TopicType) ([]model.GroupTopic, error)
}

// AdminChecker reports whether a user administers a chat.
type AdminChecker interface {
	IsAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// Router turns raw messages into Commands. Every message it sees, command
// or not, teaches the username cache, so mention resolution improves the
// longer the process runs.
type Router struct {
	logger        zerolog.Logger
	topics        TopicStore
	admins        AdminChecker
	botUsername   func() string
	topicsEnabled bool
	usernames     *usernameCache
}

type RouterOptions struct {
	Topics TopicStore   `validate:"required"`
	Admins AdminChecker `validate:"required"`
	// BotUsername reports the bot's own username once known. Commands
	// addressed to a different bot are ignored; with no username to
	// compare against, any addressed command is treated as ours.
	BotUsername   func() string
	TopicsEnabled bool
	Logger        zerolog.Logger
}

func NewRouter(options RouterOptions) (*Router, error) {
	if err := validation.Instance.Struct(&options); err != nil {
		return nil, fmt.Errorf("can't create command router: invalid options: %w", err)
	}

	return &Router{
		logger:        options.Logger,
		topics:        options.Topics,
		admins:        options.Admins,
		botUsername:   options.BotUsername,
		topicsEnabled: options.TopicsEnabled,
		usernames:     newUsernameCache(),
	}, nil
}

// Route parses one message. It returns (nil, nil) for messages the bot
// should silently ignore: plain chatter, commands addressed to other bots
// and command words it never heard of. Parse and authorization failures
// come back as *Reject; anything else is an infrastructure error.
func (r *Router) Route(ctx context.Context, groupID int64, msg Message) (*Command, error) {
	r.learn(msg)

	text := strings.TrimRight(msg.Text, " \t\r\n")
	if !strings.HasPrefix(text, "/") {
		return nil, nil
	}

	word, target := splitCommandWord(text)
	if word == "" {
		return nil, nil
	}
	if target != "" && !r.addressedToMe(target) {
		return nil, nil
	}

	kind, known := kindByWord[word]
	if !known {
		if target == "" {
			// Could belong to another bot in the chat, stay quiet.
			r.logger.Debug().Str("word", word).Int64("chat_id", msg.ChatID).Msg("ignoring unknown command")
			return nil, nil
		}
		return nil, rejectf(ErrUnknownCommand, "Unknown command %s. Try /help.", word)
	}

	if wantsUsage(text) {
		return &Command{Kind: KindUsage, Usage: usageText[kind]}, nil
	}

	if err := r.checkTopic(ctx, groupID, kind, msg.TopicID); err != nil {
		return nil, err
	}

	switch kind {
	case KindStart, KindHelp, KindRanking, KindIDGuest:
		if hasArguments(text) {
			return nil, rejectf(ErrBadFormat, "%s takes no arguments.", word)
		}
		return &Command{Kind: kind}, nil
	case KindUndo:
		if hasArguments(text) {
			return nil, rejectf(ErrBadFormat, "%s takes no arguments. Reply to a match to pick which one to revert.", word)
		}
		return &Command{Kind: KindUndo, Undo: UndoArgs{ReplyToMessageID: msg.ReplyToMessageID}}, nil
	case KindMatch:
		return r.parseMatch(msg, text)
	case KindID:
		return parseID(text)
	case KindConfigTopic:
		return r.parseConfigTopic(ctx, msg, text)
	default:
		return nil, nil
	}
}

func (r *Router) learn(msg Message) {
	r.usernames.learn(msg.SenderUsername, msg.SenderID)
	for _, entity := range msg.Entities {
		r.usernames.learn(entity.Username, entity.UserID)
	}
}

func (r *Router) addressedToMe(target string) bool {
	if r.botUsername == nil {
		return true
	}
	own := r.botUsername()
	if own == "" {
		return true
	}
	return strings.EqualFold(target, own)
}

func (r *Router) checkTopic(ctx context.Context, groupID int64, kind Kind, topicID int64) error {
	if !r.topicsEnabled {
		return nil
	}
	required, scoped := requiredTopicType[kind]
	if !scoped {
		return nil
	}

	topics, err := r.topics.TopicsByType(ctx, groupID, required)
	if err != nil {
		return fmt.Errorf("failed to load %s topics of group %d: %w", required, groupID, err)
	}
	if len(topics) == 0 {
		return nil
	}
	for _, topic := range topics {
		if topic.PlatformTopicID == topicID {
			return nil
		}
	}
	return rejectf(ErrWrongTopic, "%s commands must be used in the %s topic.", wrongTopicLabel[required], required)
}

func (r *Router) parseMatch(msg Message, text string) (*Command, error) {
	spans := matchArgsPattern.FindStringSubmatchIndex(text)
	if spans == nil {
		return nil, rejectf(ErrBadFormat, "That doesn't look right. Usage: %s", usageText[KindMatch])
	}

	player1, err := r.resolvePlayer(msg, text, spans[2], spans[3])
	if err != nil {
		return nil, err
	}
	player2, err := r.resolvePlayer(msg, text, spans[4], spans[5])
	if err != nil {
		return nil, err
	}
	score1, err := strconv.Atoi(text[spans[6]:spans[7]])
	if err != nil {
		return nil, rejectf(ErrBadFormat, "Scores must be small whole numbers.")
	}
	score2, err := strconv.Atoi(text[spans[8]:spans[9]])
	if err != nil {
		return nil, rejectf(ErrBadFormat, "Scores must be small whole numbers.")
	}

	if player1.PlatformID == player2.PlatformID {
		return nil, rejectf(ErrBadFormat, "A match needs two different players.")
	}
	if score1 == 0 && score2 == 0 {
		return nil, rejectf(ErrBadFormat, "A 0:0 match can't be recorded.")
	}

	return &Command{Kind: KindMatch, Match: MatchArgs{
		Player1: player1,
		Player2: player2,
		Score1:  score1,
		Score2:  score2,
	}}, nil
}

// resolvePlayer turns the @username at text[start:end] (end exclusive, the
// leading @ not included) into a platform user id. A text mention entity
// covering the span wins outright since it carries the id; otherwise the
// username cache decides.
func (r *Router) resolvePlayer(msg Message, text string, start, end int) (PlayerRef, error) {
	username := text[start:end]
	offset := utf16Length(text[:start])
	length := utf16Length(username)

	for _, entity := range msg.Entities {
		if entity.UserID == 0 {
			continue
		}
		if entity.Offset <= offset && offset+length <= entity.Offset+entity.Length {
			ref := PlayerRef{PlatformID: entity.UserID, Username: entity.Username}
			if ref.Username == "" {
				ref.Username = username
			}
			return ref, nil
		}
	}

	if id, ok := r.usernames.resolve(username); ok {
		return PlayerRef{PlatformID: id, Username: username}, nil
	}
	return PlayerRef{}, rejectf(ErrUnresolvedMention,
		"I don't know who @%s is yet. They need to write a message here first.", username)
}

func parseID(text string) (*Command, error) {
	groups := idArgsPattern.FindStringSubmatch(text)
	if groups == nil {
		return nil, rejectf(ErrBadFormat, "That doesn't look right. Usage: %s", usageText[KindID])
	}
	nickname := groups[1]
	if len(nickname) > maxNicknameLength {
		return nil, rejectf(ErrBadFormat, "That nickname is too long, %d characters is the limit.", maxNicknameLength)
	}
	return &Command{Kind: KindID, ID: IDArgs{Nickname: nickname}}, nil
}

func (r *Router) parseConfigTopic(ctx context.Context, msg Message, text string) (*Command, error) {
	groups := configArgsPattern.FindStringSubmatch(text)
	if groups == nil {
		return nil, rejectf(ErrBadFormat, "That doesn't look right. Usage: %s", usageText[KindConfigTopic])
	}
	topicType := model.TopicType(groups[1])
	if !topicType.Valid() {
		return nil, rejectf(ErrBadFormat, "Unknown topic type %q. One of: id, ranking, matches, logs.", groups[1])
	}

	isAdmin, err := r.admins.IsAdmin(ctx, msg.ChatID, msg.SenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check admin rights of user %d in chat %d: %w", msg.SenderID, msg.ChatID, err)
	}
	if !isAdmin {
		return nil, rejectf(ErrNotAdmin, "Only group admins can configure topics.")
	}

	return &Command{Kind: KindConfigTopic, ConfigTopic: ConfigTopicArgs{
		Type:    topicType,
		TopicID: msg.TopicID,
	}}, nil
}

func splitCommandWord(text string) (word, target string) {
	groups := commandWordPattern.FindStringSubmatch(text)
	if groups == nil {
		return "", ""
	}
	return groups[1], groups[2]
}

func wantsUsage(text string) bool {
	fields := strings.Fields(text)
	return len(fields) == 2 && fields[1] == "help"
}

func hasArguments(text string) bool {
	return len(strings.Fields(text)) > 1
}

// utf16Length counts UTF-16 code units, the unit entity offsets use.
func utf16Length(s string) int {
	n := 0
	for _, r := range s {
		if r > 0xFFFF {
			n += 2
		} else {
			n++
		}
	}
	return n
}
