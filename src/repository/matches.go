package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/postgresql"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
)

// MatchRepo persists recorded matches. Rows are immutable except for the
// undo flags.
type MatchRepo struct {
	db     *postgresql.Client
	logger zerolog.Logger
}

const matchColumns = `id, group_id, player1_id, player2_id,
	player1_score, player2_score,
	player1_rating_before, player1_rating_after,
	player2_rating_before, player2_rating_after,
	idempotency_key, created_by, is_undone, undone_at, undone_by, created_at`

func scanMatch(row pgx.Row) (*model.Match, error) {
	var m model.Match
	err := row.Scan(&m.ID, &m.GroupID, &m.Player1ID, &m.Player2ID,
		&m.Player1Score, &m.Player2Score,
		&m.Player1RatingBefore, &m.Player1RatingAfter,
		&m.Player2RatingBefore, &m.Player2RatingAfter,
		&m.IdempotencyKey, &m.CreatedBy, &m.IsUndone, &m.UndoneAt, &m.UndoneBy, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func validateMatch(m *model.Match) error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: match is nil", ErrInvalidArgument)
	case m.GroupID <= 0:
		return fmt.Errorf("%w: group id must be positive", ErrInvalidArgument)
	case m.Player1ID <= 0 || m.Player2ID <= 0:
		return fmt.Errorf("%w: player ids must be positive", ErrInvalidArgument)
	case m.Player1ID == m.Player2ID:
		return fmt.Errorf("%w: a match needs two distinct players", ErrInvalidArgument)
	case m.Player1Score < 0 || m.Player2Score < 0:
		return fmt.Errorf("%w: scores must be non-negative", ErrInvalidArgument)
	case m.Player1Score == 0 && m.Player2Score == 0:
		return fmt.Errorf("%w: at least one score must be positive", ErrInvalidArgument)
	case m.IdempotencyKey == "" || len(m.IdempotencyKey) > maxIdempotencyKeyLength:
		return fmt.Errorf("%w: idempotency key must be 1..%d bytes", ErrInvalidArgument, maxIdempotencyKeyLength)
	case m.CreatedBy <= 0:
		return fmt.Errorf("%w: created_by must be positive", ErrInvalidArgument)
	}
	for _, rating := range []int{m.Player1RatingBefore, m.Player1RatingAfter, m.Player2RatingBefore, m.Player2RatingAfter} {
		if rating < minRating || rating > maxRating {
			return fmt.Errorf("%w: rating %d outside [%d, %d]", ErrInvalidArgument, rating, minRating, maxRating)
		}
	}
	return nil
}

// Create inserts a finished match. A replayed idempotency key surfaces as
// ErrDuplicateIdempotency so callers can acknowledge without re-applying.
func (r *MatchRepo) Create(ctx context.Context, m *model.Match) (*model.Match, error) {
	if err := validateMatch(m); err != nil {
		return nil, err
	}

	stored, err := scanMatch(r.db.Querier(ctx).QueryRow(ctx, `
		INSERT INTO matches (
			group_id, player1_id, player2_id,
			player1_score, player2_score,
			player1_rating_before, player1_rating_after,
			player2_rating_before, player2_rating_after,
			idempotency_key, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+matchColumns,
		m.GroupID, m.Player1ID, m.Player2ID,
		m.Player1Score, m.Player2Score,
		m.Player1RatingBefore, m.Player1RatingAfter,
		m.Player2RatingBefore, m.Player2RatingAfter,
		m.IdempotencyKey, m.CreatedBy))
	if err != nil {
		if isUniqueViolation(err, "idempotency_key") {
			return nil, fmt.Errorf("insert match '%s': %w", m.IdempotencyKey, ErrDuplicateIdempotency)
		}
		return nil, fmt.Errorf("insert match '%s': %w", m.IdempotencyKey, err)
	}
	return stored, nil
}

// ByIdempotencyKey returns the match previously recorded under a key.
func (r *MatchRepo) ByIdempotencyKey(ctx context.Context, key string) (*model.Match, error) {
	if key == "" || len(key) > maxIdempotencyKeyLength {
		return nil, fmt.Errorf("%w: idempotency key must be 1..%d bytes", ErrInvalidArgument, maxIdempotencyKeyLength)
	}

	match, err := scanMatch(r.db.Querier(ctx).QueryRow(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE idempotency_key = $1`,
		key))
	if err != nil {
		return nil, fmt.Errorf("get match by key '%s': %w", key, noRowsAsNotFound(err))
	}
	return match, nil
}

// ByID returns one match by internal id.
func (r *MatchRepo) ByID(ctx context.Context, id int64) (*model.Match, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: match id must be positive", ErrInvalidArgument)
	}

	match, err := scanMatch(r.db.Querier(ctx).QueryRow(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE id = $1`,
		id))
	if err != nil {
		return nil, fmt.Errorf("get match %d: %w", id, noRowsAsNotFound(err))
	}
	return match, nil
}

// ByIDForUpdate locks one match row for the duration of the surrounding
// transaction. Undo uses it to serialize against a concurrent undo of the
// same match.
func (r *MatchRepo) ByIDForUpdate(ctx context.Context, id int64) (*model.Match, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: match id must be positive", ErrInvalidArgument)
	}

	match, err := scanMatch(r.db.Querier(ctx).QueryRow(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE id = $1
		FOR UPDATE`,
		id))
	if err != nil {
		return nil, fmt.Errorf("lock match %d: %w", id, noRowsAsNotFound(err))
	}
	return match, nil
}

// LatestActiveForUpdate locks the most recent not-undone match of a group.
// Bare /undo targets this row.
func (r *MatchRepo) LatestActiveForUpdate(ctx context.Context, groupID int64) (*model.Match, error) {
	if groupID <= 0 {
		return nil, fmt.Errorf("%w: group id must be positive", ErrInvalidArgument)
	}

	match, err := scanMatch(r.db.Querier(ctx).QueryRow(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE group_id = $1 AND NOT is_undone
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE`,
		groupID))
	if err != nil {
		return nil, fmt.Errorf("lock latest match of group %d: %w", groupID, noRowsAsNotFound(err))
	}
	return match, nil
}

// ByGroup lists the most recent matches of a group, newest first, undone
// rows included so chat history lines up with stored history.
func (r *MatchRepo) ByGroup(ctx context.Context, groupID int64, limit, offset int) ([]model.Match, error) {
	if groupID <= 0 {
		return nil, fmt.Errorf("%w: group id must be positive", ErrInvalidArgument)
	}
	if limit <= 0 || limit > 100 {
		return nil, fmt.Errorf("%w: match listing limit %d outside [1, 100]", ErrInvalidArgument, limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: match listing offset must be non-negative", ErrInvalidArgument)
	}

	rows, err := r.db.Querier(ctx).Query(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE group_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`,
		groupID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query matches of group %d: %w", groupID, err)
	}
	defer rows.Close()

	matches := make([]model.Match, 0, limit)
	for rows.Next() {
		match, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan match row of group %d: %w", groupID, err)
		}
		matches = append(matches, *match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches of group %d: %w", groupID, err)
	}
	return matches, nil
}

// MarkUndone flips the undo flags of a not-yet-undone match. Zero rows means
// somebody else undid it first; callers translate that to their own error.
func (r *MatchRepo) MarkUndone(ctx context.Context, id, undoneBy int64, undoneAt time.Time) (bool, error) {
	if id <= 0 {
		return false, fmt.Errorf("%w: match id must be positive", ErrInvalidArgument)
	}
	if undoneBy <= 0 {
		return false, fmt.Errorf("%w: undone_by must be positive", ErrInvalidArgument)
	}
	if undoneAt.IsZero() {
		return false, fmt.Errorf("%w: undone_at must be set", ErrInvalidArgument)
	}

	tag, err := r.db.Querier(ctx).Exec(ctx, `
		UPDATE matches
		SET is_undone = TRUE, undone_at = $2, undone_by = $3
		WHERE id = $1 AND NOT is_undone`,
		id, undoneAt, undoneBy)
	if err != nil {
		return false, fmt.Errorf("mark match %d undone: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}
