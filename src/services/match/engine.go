package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/perr"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/repository"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/rating"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/util/retry"
)

const maxIdempotencyKeyLength = 128

// GroupStore is the slice of the group repository the engine needs.
type GroupStore interface {
	CreateOrGet(ctx context.Context, platformChatID int64, name *string) (*model.Group, error)
	GetByChatID(ctx context.Context, platformChatID int64) (*model.Group, error)
	GetOrCreateGroupPlayer(ctx context.Context, groupID, playerID int64) (*model.GroupPlayer, error)
	GroupPlayerForUpdate(ctx context.Context, id int64) (*model.GroupPlayer, error)
	UpdateGroupPlayer(ctx context.Context, gp *model.GroupPlayer) (bool, error)
	Rankings(ctx context.Context, groupID int64, limit int) ([]model.RankingEntry, error)
}

type PlayerStore interface {
	CreateOrGet(ctx context.Context, platformUserID int64, nickname *string) (*model.Player, error)
	ByPlatformID(ctx context.Context, platformUserID int64) (*model.Player, error)
}

type MatchStore interface {
	Create(ctx context.Context, m *model.Match) (*model.Match, error)
	ByIdempotencyKey(ctx context.Context, key string) (*model.Match, error)
	ByIDForUpdate(ctx context.Context, id int64) (*model.Match, error)
	LatestActiveForUpdate(ctx context.Context, groupID int64) (*model.Match, error)
	MarkUndone(ctx context.Context, id, undoneBy int64, undoneAt time.Time) (bool, error)
}

type HistoryStore interface {
	Append(ctx context.Context, entry *model.EloHistory) (*model.EloHistory, error)
}

// TxRunner opens one transaction around fn; repository calls made with the
// context fn receives join it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Engine owns every rating mutation. All writes happen in single
// transactions under row locks taken in ascending group-player id order,
// with version-checked updates retried on conflict. Safe for concurrent use.
type Engine struct {
	logger     zerolog.Logger
	groups     GroupStore
	players    PlayerStore
	matches    MatchStore
	history    HistoryStore
	tx         TxRunner
	calculator *rating.Calculator
	retry      retry.Config
	undoWindow time.Duration
	clock      clockwork.Clock
}

type Options struct {
	Groups     GroupStore         `validate:"required"`
	Players    PlayerStore        `validate:"required"`
	Matches    MatchStore         `validate:"required"`
	History    HistoryStore       `validate:"required"`
	Tx         TxRunner           `validate:"required"`
	Calculator *rating.Calculator `validate:"required"`
	// UndoWindow bounds how long non-admins may revert a match. Zero or
	// negative disables the limit. Admins are never limited.
	UndoWindow time.Duration `default:"24h"`
	Retry      retry.Config
	Clock      clockwork.Clock
	Logger     zerolog.Logger
}

func NewEngine(options Options) (*Engine, error) {
	errorb := oops.
		In("match engine").
		Code(perr.ECONFIG)

	if err := defaults.Set(&options); err != nil {
		return nil, errorb.Wrapf(err, "failed to set defaults")
	}
	if err := validation.Instance.Struct(&options); err != nil {
		return nil, errorb.Wrapf(err, "failed to validate")
	}

	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}
	if options.Retry.Clock == nil {
		options.Retry.Clock = options.Clock
	}
	if options.Retry.Classify == nil {
		// Version conflicts restart the transaction alongside the usual
		// transient infrastructure failures.
		options.Retry.Classify = func(err error) bool {
			return errors.Is(err, repository.ErrOptimisticConflict) || retry.Transient(err)
		}
	}

	return &Engine{
		logger:     options.Logger,
		groups:     options.Groups,
		players:    options.Players,
		matches:    options.Matches,
		history:    options.History,
		tx:         options.Tx,
		calculator: options.Calculator,
		retry:      options.Retry,
		undoWindow: options.UndoWindow,
		clock:      options.Clock,
	}, nil
}

type RegisterInput struct {
	PlatformChatID int64
	// GroupName refreshes the stored group name when present.
	GroupName           *string
	Player1PlatformID   int64
	Player2PlatformID   int64
	Score1              int
	Score2              int
	IdempotencyKey      string
	CreatedByPlatformID int64
}

func (in *RegisterInput) validate() error {
	switch {
	case in.PlatformChatID == 0:
		return fmt.Errorf("%w: chat id must be set", repository.ErrInvalidArgument)
	case in.Player1PlatformID <= 0 || in.Player2PlatformID <= 0:
		return fmt.Errorf("%w: player platform ids must be positive", repository.ErrInvalidArgument)
	case in.Player1PlatformID == in.Player2PlatformID:
		return fmt.Errorf("%w: a match needs two different players", repository.ErrInvalidArgument)
	case in.Score1 < 0 || in.Score2 < 0:
		return fmt.Errorf("%w: scores must be non-negative", repository.ErrInvalidArgument)
	case in.Score1 == 0 && in.Score2 == 0:
		return fmt.Errorf("%w: a 0:0 match has no content", repository.ErrInvalidArgument)
	case in.IdempotencyKey == "" || len(in.IdempotencyKey) > maxIdempotencyKeyLength:
		return fmt.Errorf("%w: idempotency key must be 1..%d characters", repository.ErrInvalidArgument, maxIdempotencyKeyLength)
	case in.CreatedByPlatformID <= 0:
		return fmt.Errorf("%w: creator platform id must be positive", repository.ErrInvalidArgument)
	default:
		return nil
	}
}

// Result is the terminal state of a registration. Duplicate reports that
// the idempotency key had already been used; Match then carries the
// original row, whose snapshots render exactly like a fresh registration.
type Result struct {
	Match     *model.Match
	Duplicate bool
}

// Register records one finished match and moves both ratings. Reads of
// rows being mutated happen under FOR UPDATE inside the transaction, never
// from pre-transaction state, so retried attempts always compute from
// fresh ratings.
func (e *Engine) Register(ctx context.Context, input RegisterInput) (*Result, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	// Resolve phase. These upserts are idempotent and converge under
	// races, so they stay outside the transaction to keep the locked
	// section short.
	group, err := e.groups.CreateOrGet(ctx, input.PlatformChatID, input.GroupName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve group %d: %w", input.PlatformChatID, err)
	}
	player1, err := e.players.CreateOrGet(ctx, input.Player1PlatformID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve player %d: %w", input.Player1PlatformID, err)
	}
	player2, err := e.players.CreateOrGet(ctx, input.Player2PlatformID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve player %d: %w", input.Player2PlatformID, err)
	}
	gp1, err := e.groups.GetOrCreateGroupPlayer(ctx, group.ID, player1.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve rating row of player %d: %w", player1.ID, err)
	}
	gp2, err := e.groups.GetOrCreateGroupPlayer(ctx, group.ID, player2.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve rating row of player %d: %w", player2.ID, err)
	}

	// Non-locking duplicate check. A racer slipping past it is caught by
	// the unique constraint on insert below.
	existing, err := e.matches.ByIdempotencyKey(ctx, input.IdempotencyKey)
	if err == nil {
		return &Result{Match: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	return retry.Do(ctx, e.retry, func(ctx context.Context) (*Result, error) {
		return e.registerOnce(ctx, input, group.ID, player1.ID, player2.ID, gp1.ID, gp2.ID)
	})
}

func (e *Engine) registerOnce(ctx context.Context, input RegisterInput, groupID, player1ID, player2ID, gpID1, gpID2 int64) (*Result, error) {
	var stored *model.Match

	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		gp1, gp2, err := e.lockPair(ctx, gpID1, gpID2)
		if err != nil {
			return err
		}

		before1, before2 := gp1.CurrentRating, gp2.CurrentRating
		after1, after2 := e.calculator.Compute(before1, before2, input.Score1, input.Score2)

		gp1.CurrentRating = after1
		gp2.CurrentRating = after2
		gp1.MatchesPlayed++
		gp2.MatchesPlayed++
		switch {
		case input.Score1 > input.Score2:
			gp1.MatchesWon++
			gp2.MatchesLost++
		case input.Score2 > input.Score1:
			gp2.MatchesWon++
			gp1.MatchesLost++
		}

		if err := e.updatePair(ctx, gp1, gp2); err != nil {
			return err
		}

		stored, err = e.matches.Create(ctx, &model.Match{
			GroupID:             groupID,
			Player1ID:           player1ID,
			Player2ID:           player2ID,
			Player1Score:        input.Score1,
			Player2Score:        input.Score2,
			Player1RatingBefore: before1,
			Player1RatingAfter:  after1,
			Player2RatingBefore: before2,
			Player2RatingAfter:  after2,
			IdempotencyKey:      input.IdempotencyKey,
			CreatedBy:           input.CreatedByPlatformID,
		})
		if err != nil {
			return err
		}

		return e.appendHistoryPair(ctx, &stored.ID, groupID,
			historyEntry{playerID: player1ID, before: before1, after: after1},
			historyEntry{playerID: player2ID, before: before2, after: after2},
			false)
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateIdempotency) {
			// Lost the insert race. Everything rolled back; the
			// winner's row is the canonical answer.
			winner, readErr := e.matches.ByIdempotencyKey(ctx, input.IdempotencyKey)
			if readErr != nil {
				return nil, fmt.Errorf("duplicate key %q, failed to read the original: %w", input.IdempotencyKey, readErr)
			}
			return &Result{Match: winner, Duplicate: true}, nil
		}
		return nil, err
	}

	e.logger.Info().
		Int64("match_id", stored.ID).
		Int64("group_id", groupID).
		Str("score", fmt.Sprintf("%d:%d", input.Score1, input.Score2)).
		Str("ratings", fmt.Sprintf("%d→%d, %d→%d",
			stored.Player1RatingBefore, stored.Player1RatingAfter,
			stored.Player2RatingBefore, stored.Player2RatingAfter)).
		Msg("match registered")

	return &Result{Match: stored}, nil
}

type UndoInput struct {
	PlatformChatID int64
	// MatchID selects the match to revert; zero targets the group's most
	// recent non-undone match.
	MatchID           int64
	InvokerPlatformID int64
	InvokerIsAdmin    bool
}

func (in *UndoInput) validate() error {
	switch {
	case in.PlatformChatID == 0:
		return fmt.Errorf("%w: chat id must be set", repository.ErrInvalidArgument)
	case in.MatchID < 0:
		return fmt.Errorf("%w: match id must be non-negative", repository.ErrInvalidArgument)
	case in.InvokerPlatformID <= 0:
		return fmt.Errorf("%w: invoker platform id must be positive", repository.ErrInvalidArgument)
	default:
		return nil
	}
}

// UndoResult carries the reverted match plus both players' ratings as they
// stand after the reversal. Later matches' deltas are preserved, so these
// are generally not the match's before snapshots.
type UndoResult struct {
	Match         *model.Match
	Player1Rating int
	Player2Rating int
}

// Undo reverts one match: subtracts its rating deltas from the current
// ratings, decrements counters and flips the row to undone. Participants
// may undo within the window, admins at any time, each match at most once.
func (e *Engine) Undo(ctx context.Context, input UndoInput) (*UndoResult, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	group, err := e.groups.GetByChatID(ctx, input.PlatformChatID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve group %d: %w", input.PlatformChatID, err)
	}

	result, err := retry.Do(ctx, e.retry, func(ctx context.Context) (*UndoResult, error) {
		return e.undoOnce(ctx, group.ID, input)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Int64("match_id", result.Match.ID).
		Int64("group_id", group.ID).
		Int64("undone_by", input.InvokerPlatformID).
		Msg("match undone")

	return result, nil
}

func (e *Engine) undoOnce(ctx context.Context, groupID int64, input UndoInput) (*UndoResult, error) {
	var result *UndoResult

	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := e.lockTarget(ctx, groupID, input.MatchID)
		if err != nil {
			return err
		}

		if err := e.authorizeUndo(ctx, m, input); err != nil {
			return err
		}

		gpRow1, err := e.groups.GetOrCreateGroupPlayer(ctx, groupID, m.Player1ID)
		if err != nil {
			return err
		}
		gpRow2, err := e.groups.GetOrCreateGroupPlayer(ctx, groupID, m.Player2ID)
		if err != nil {
			return err
		}
		gp1, gp2, err := e.lockPair(ctx, gpRow1.ID, gpRow2.ID)
		if err != nil {
			return err
		}

		// Reverse this match's delta against the current rating so any
		// later matches' effects survive.
		gp1.CurrentRating = e.calculator.ClampRating(gp1.CurrentRating - (m.Player1RatingAfter - m.Player1RatingBefore))
		gp2.CurrentRating = e.calculator.ClampRating(gp2.CurrentRating - (m.Player2RatingAfter - m.Player2RatingBefore))
		gp1.MatchesPlayed = decrement(gp1.MatchesPlayed)
		gp2.MatchesPlayed = decrement(gp2.MatchesPlayed)
		if winnerID, ok := m.Winner(); ok {
			if winnerID == m.Player1ID {
				gp1.MatchesWon = decrement(gp1.MatchesWon)
				gp2.MatchesLost = decrement(gp2.MatchesLost)
			} else {
				gp2.MatchesWon = decrement(gp2.MatchesWon)
				gp1.MatchesLost = decrement(gp1.MatchesLost)
			}
		}

		if err := e.updatePair(ctx, gp1, gp2); err != nil {
			return err
		}

		now := e.clock.Now()
		flipped, err := e.matches.MarkUndone(ctx, m.ID, input.InvokerPlatformID, now)
		if err != nil {
			return err
		}
		if !flipped {
			return ErrAlreadyUndone
		}

		if err := e.appendHistoryPair(ctx, &m.ID, groupID,
			historyEntry{playerID: m.Player1ID, before: m.Player1RatingAfter, after: m.Player1RatingBefore},
			historyEntry{playerID: m.Player2ID, before: m.Player2RatingAfter, after: m.Player2RatingBefore},
			true); err != nil {
			return err
		}

		m.IsUndone = true
		m.UndoneAt = &now
		undoneBy := input.InvokerPlatformID
		m.UndoneBy = &undoneBy
		result = &UndoResult{Match: m, Player1Rating: gp1.CurrentRating, Player2Rating: gp2.CurrentRating}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) lockTarget(ctx context.Context, groupID, matchID int64) (*model.Match, error) {
	if matchID == 0 {
		m, err := e.matches.LatestActiveForUpdate(ctx, groupID)
		if err != nil {
			return nil, fmt.Errorf("failed to find a match to undo in group %d: %w", groupID, err)
		}
		return m, nil
	}

	m, err := e.matches.ByIDForUpdate(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.GroupID != groupID {
		return nil, fmt.Errorf("match %d belongs to another group: %w", matchID, repository.ErrNotFound)
	}
	if m.IsUndone {
		return nil, ErrAlreadyUndone
	}
	return m, nil
}

func (e *Engine) authorizeUndo(ctx context.Context, m *model.Match, input UndoInput) error {
	if input.InvokerIsAdmin {
		return nil
	}

	invoker, err := e.players.ByPlatformID(ctx, input.InvokerPlatformID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUnauthorized
		}
		return err
	}
	if invoker.ID != m.Player1ID && invoker.ID != m.Player2ID {
		return ErrUnauthorized
	}

	if e.undoWindow > 0 && e.clock.Now().Sub(m.CreatedAt) > e.undoWindow {
		return ErrUndoExpired
	}
	return nil
}

// Rankings returns the group's top rows by rating. Plain read, no locks.
func (e *Engine) Rankings(ctx context.Context, platformChatID int64, limit int) ([]model.RankingEntry, error) {
	group, err := e.groups.GetByChatID(ctx, platformChatID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve group %d: %w", platformChatID, err)
	}
	return e.groups.Rankings(ctx, group.ID, limit)
}

// lockPair takes both row locks in ascending internal-id order regardless
// of the caller's argument order, so concurrent registrations over the same
// pair can't deadlock. Returned rows match the argument order.
func (e *Engine) lockPair(ctx context.Context, gpID1, gpID2 int64) (*model.GroupPlayer, *model.GroupPlayer, error) {
	first, second := gpID1, gpID2
	if second < first {
		first, second = second, first
	}

	lockedFirst, err := e.groups.GroupPlayerForUpdate(ctx, first)
	if err != nil {
		return nil, nil, err
	}
	lockedSecond, err := e.groups.GroupPlayerForUpdate(ctx, second)
	if err != nil {
		return nil, nil, err
	}

	if lockedFirst.ID == gpID1 {
		return lockedFirst, lockedSecond, nil
	}
	return lockedSecond, lockedFirst, nil
}

func (e *Engine) updatePair(ctx context.Context, gp1, gp2 *model.GroupPlayer) error {
	for _, gp := range []*model.GroupPlayer{gp1, gp2} {
		ok, err := e.groups.UpdateGroupPlayer(ctx, gp)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("group player %d version moved: %w", gp.ID, repository.ErrOptimisticConflict)
		}
	}
	return nil
}

type historyEntry struct {
	playerID      int64
	before, after int
}

func (e *Engine) appendHistoryPair(ctx context.Context, matchID *int64, groupID int64, first, second historyEntry, undone bool) error {
	for _, entry := range []historyEntry{first, second} {
		if _, err := e.history.Append(ctx, &model.EloHistory{
			MatchID:      matchID,
			GroupID:      groupID,
			PlayerID:     entry.playerID,
			RatingBefore: entry.before,
			RatingAfter:  entry.after,
			IsUndone:     undone,
		}); err != nil {
			return err
		}
	}
	return nil
}

func decrement(counter int) int {
	if counter <= 0 {
		return 0
	}
	return counter - 1
}
