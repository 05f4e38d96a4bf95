package model

import (
	"time"

	"github.com/google/uuid"
)

// TopicType names the purpose a forum topic is bound to inside a group.
type TopicType string

const (
	TopicTypeID      TopicType = "id"
	TopicTypeRanking TopicType = "ranking"
	TopicTypeMatches TopicType = "matches"
	TopicTypeLogs    TopicType = "logs"
)

func (t TopicType) Valid() bool {
	switch t {
	case TopicTypeID, TopicTypeRanking, TopicTypeMatches, TopicTypeLogs:
		return true
	default:
		return false
	}
}

// ParticipantStatus is the roster status the school identity API reports.
type ParticipantStatus string

const (
	ParticipantStatusActive            ParticipantStatus = "ACTIVE"
	ParticipantStatusTemporaryBlocking ParticipantStatus = "TEMPORARY_BLOCKING"
	ParticipantStatusExpelled          ParticipantStatus = "EXPELLED"
	ParticipantStatusBlocked           ParticipantStatus = "BLOCKED"
	ParticipantStatusFrozen            ParticipantStatus = "FROZEN"
	ParticipantStatusStudyCompleted    ParticipantStatus = "STUDY_COMPLETED"
)

// Group is one chat the bot is active in. Rows are never hard-deleted;
// removal flips IsActive and a re-add flips it back.
type Group struct {
	ID             int64
	PlatformChatID int64
	Name           *string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Player is one chat-platform user. Soft-deleted rows keep their history and
// are never mutated again; a returning user gets a fresh row.
type Player struct {
	ID                int64
	PlatformUserID    int64
	Nickname          *string
	IsStudent         bool
	AllowedNonStudent bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

// GroupPlayer carries the per-(group, player) rating and counters. Version
// increments by exactly one on every engine mutation and backs the
// optimistic locking protocol.
type GroupPlayer struct {
	ID            int64
	GroupID       int64
	PlayerID      int64
	CurrentRating int
	MatchesPlayed int
	MatchesWon    int
	MatchesLost   int
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Match is immutable after insert except for a single is-undone transition.
type Match struct {
	ID                  int64
	GroupID             int64
	Player1ID           int64
	Player2ID           int64
	Player1Score        int
	Player2Score        int
	Player1RatingBefore int
	Player1RatingAfter  int
	Player2RatingBefore int
	Player2RatingAfter  int
	IdempotencyKey      string
	CreatedBy           int64
	IsUndone            bool
	UndoneAt            *time.Time
	UndoneBy            *int64
	CreatedAt           time.Time
}

func (m *Match) IsTie() bool {
	return m.Player1Score == m.Player2Score
}

// Winner returns the winning player's internal id; ok is false on a tie.
func (m *Match) Winner() (int64, bool) {
	switch {
	case m.Player1Score > m.Player2Score:
		return m.Player1ID, true
	case m.Player2Score > m.Player1Score:
		return m.Player2ID, true
	default:
		return 0, false
	}
}

// EloHistory rows are append-only. Per player the non-undone rows chain:
// each after equals the next row's before, up to the current rating.
type EloHistory struct {
	ID           int64
	MatchID      *int64
	GroupID      int64
	PlayerID     int64
	RatingBefore int
	RatingAfter  int
	RatingChange int
	IsUndone     bool
	CreatedAt    time.Time
}

// GroupTopic maps a platform forum topic to the command family it hosts.
type GroupTopic struct {
	ID              int64
	GroupID         int64
	PlatformTopicID int64
	Type            TopicType
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PlayerVerification is one audit row per identity lookup.
type PlayerVerification struct {
	ID        uuid.UUID
	PlayerID  int64
	Login     string
	Status    string
	CheckedAt time.Time
}

// FailedOperation is a dead-letter row for a command that failed after
// retries or with a permanent error.
type FailedOperation struct {
	ID        string
	Kind      string
	ChatID    int64
	MessageID int64
	Payload   []byte
	LastError string
	CreatedAt time.Time
}

// RankingEntry is a GroupPlayer joined with player identity for rendering.
type RankingEntry struct {
	PlayerID       int64
	PlatformUserID int64
	Nickname       *string
	Rating         int
	MatchesPlayed  int
	MatchesWon     int
	MatchesLost    int
}
