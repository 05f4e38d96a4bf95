package command

import "github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"

// Message is the transport-neutral shape of one incoming chat message.
// Offsets inside Entities count UTF-16 code units, matching what chat
// platforms emit.
type Message struct {
	ChatID           int64
	MessageID        int64
	SenderID         int64
	SenderUsername   string
	Text             string
	TopicID          int64
	ReplyToMessageID int64
	Entities         []Entity
}

type Entity struct {
	Type     string
	Offset   int
	Length   int
	UserID   int64
	Username string
}

const (
	EntityMention     = "mention"
	EntityTextMention = "text_mention"
)

type Kind string

const (
	KindStart       Kind = "start"
	KindHelp        Kind = "help"
	KindMatch       Kind = "match"
	KindRanking     Kind = "ranking"
	KindID          Kind = "id"
	KindIDGuest     Kind = "id_guest"
	KindUndo        Kind = "undo"
	KindConfigTopic Kind = "config_topic"
	// KindUsage is produced by the "<command> help" suffix: the caller
	// replies with Usage and does nothing else.
	KindUsage Kind = "usage"
)

// PlayerRef is a mention resolved to a platform user id. Username is empty
// when the mention arrived as a text mention without one.
type PlayerRef struct {
	PlatformID int64
	Username   string
}

type MatchArgs struct {
	Player1 PlayerRef
	Player2 PlayerRef
	Score1  int
	Score2  int
}

type IDArgs struct {
	Nickname string
}

type UndoArgs struct {
	// ReplyToMessageID selects the match being undone when the command
	// was sent as a reply; zero targets the latest match.
	ReplyToMessageID int64
}

type ConfigTopicArgs struct {
	Type model.TopicType
	// TopicID is the platform topic the command arrived in; zero means
	// the group's general space.
	TopicID int64
}

// Command is one fully parsed and authorized instruction.
type Command struct {
	Kind        Kind
	Usage       string
	Match       MatchArgs
	ID          IDArgs
	Undo        UndoArgs
	ConfigTopic ConfigTopicArgs
}
