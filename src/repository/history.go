package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/postgresql"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
)

// EloHistoryRepo persists the append-only rating ledger. Rows are never
// updated or deleted; undo appends reversal rows flagged is_undone.
type EloHistoryRepo struct {
	db     *postgresql.Client
	logger zerolog.Logger
}

const historyColumns = `id, match_id, group_id, player_id,
	rating_before, rating_after, rating_change, is_undone, created_at`

func scanHistory(row pgx.Row) (*model.EloHistory, error) {
	var h model.EloHistory
	err := row.Scan(&h.ID, &h.MatchID, &h.GroupID, &h.PlayerID,
		&h.RatingBefore, &h.RatingAfter, &h.RatingChange, &h.IsUndone, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Append inserts one ledger entry. The change column is derived here so the
// after - before identity cannot drift from what callers pass in.
func (r *EloHistoryRepo) Append(ctx context.Context, entry *model.EloHistory) (*model.EloHistory, error) {
	switch {
	case entry == nil:
		return nil, fmt.Errorf("%w: history entry is nil", ErrInvalidArgument)
	case entry.GroupID <= 0:
		return nil, fmt.Errorf("%w: group id must be positive", ErrInvalidArgument)
	case entry.PlayerID <= 0:
		return nil, fmt.Errorf("%w: player id must be positive", ErrInvalidArgument)
	case entry.MatchID != nil && *entry.MatchID <= 0:
		return nil, fmt.Errorf("%w: match id must be positive when set", ErrInvalidArgument)
	}
	for _, rating := range []int{entry.RatingBefore, entry.RatingAfter} {
		if rating < minRating || rating > maxRating {
			return nil, fmt.Errorf("%w: rating %d outside [%d, %d]", ErrInvalidArgument, rating, minRating, maxRating)
		}
	}

	stored, err := scanHistory(r.db.Querier(ctx).QueryRow(ctx, `
		INSERT INTO elo_history (
			match_id, group_id, player_id,
			rating_before, rating_after, rating_change, is_undone
		) VALUES ($1, $2, $3, $4, $5, $5 - $4, $6)
		RETURNING `+historyColumns,
		entry.MatchID, entry.GroupID, entry.PlayerID,
		entry.RatingBefore, entry.RatingAfter, entry.IsUndone))
	if err != nil {
		return nil, fmt.Errorf("append history for player %d: %w", entry.PlayerID, err)
	}
	return stored, nil
}

// ByPlayer lists a player's ledger entries within a group, newest first.
func (r *EloHistoryRepo) ByPlayer(ctx context.Context, groupID, playerID int64, limit int) ([]model.EloHistory, error) {
	if groupID <= 0 || playerID <= 0 {
		return nil, fmt.Errorf("%w: group id and player id must be positive", ErrInvalidArgument)
	}
	if limit <= 0 || limit > 100 {
		return nil, fmt.Errorf("%w: history limit %d outside [1, 100]", ErrInvalidArgument, limit)
	}

	rows, err := r.db.Querier(ctx).Query(ctx, `
		SELECT `+historyColumns+` FROM elo_history
		WHERE group_id = $1 AND player_id = $2
		ORDER BY id DESC
		LIMIT $3`,
		groupID, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history of player %d in group %d: %w", playerID, groupID, err)
	}
	defer rows.Close()

	entries := make([]model.EloHistory, 0, limit)
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row of player %d: %w", playerID, err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history of player %d: %w", playerID, err)
	}
	return entries, nil
}
