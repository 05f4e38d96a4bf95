package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/postgresql"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
)

// PlayerRepo persists the global player identities shared by all groups.
type PlayerRepo struct {
	db     *postgresql.Client
	logger zerolog.Logger
}

const playerColumns = `id, platform_user_id, nickname, is_student,
	allowed_non_student, created_at, updated_at, deleted_at`

func scanPlayer(row pgx.Row) (*model.Player, error) {
	var p model.Player
	err := row.Scan(&p.ID, &p.PlatformUserID, &p.Nickname, &p.IsStudent,
		&p.AllowedNonStudent, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateOrGet returns the live player for a platform user id, creating one on
// first sight. Nickname is refreshed when the caller knows a newer one.
func (r *PlayerRepo) CreateOrGet(ctx context.Context, platformUserID int64, nickname *string) (*model.Player, error) {
	if platformUserID <= 0 {
		return nil, fmt.Errorf("%w: platform user id must be positive", ErrInvalidArgument)
	}
	if nickname != nil && len(*nickname) > maxNicknameLength {
		return nil, fmt.Errorf("%w: nickname exceeds %d bytes", ErrInvalidArgument, maxNicknameLength)
	}

	q := r.db.Querier(ctx)

	player, err := scanPlayer(q.QueryRow(ctx, `
		UPDATE players
		SET nickname = COALESCE($2, nickname), updated_at = now()
		WHERE platform_user_id = $1 AND deleted_at IS NULL
		RETURNING `+playerColumns,
		platformUserID, nickname))
	if err == nil {
		return player, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("refresh player %d: %w", platformUserID, err)
	}

	player, err = scanPlayer(q.QueryRow(ctx, `
		INSERT INTO players (platform_user_id, nickname)
		VALUES ($1, $2)
		RETURNING `+playerColumns,
		platformUserID, nickname))
	if err == nil {
		return player, nil
	}
	if !isUniqueViolation(err, "platform_user_id") {
		return nil, fmt.Errorf("insert player %d: %w", platformUserID, err)
	}

	player, err = scanPlayer(q.QueryRow(ctx, `
		SELECT `+playerColumns+` FROM players
		WHERE platform_user_id = $1 AND deleted_at IS NULL`,
		platformUserID))
	if err != nil {
		return nil, fmt.Errorf("fetch player %d after insert race: %w", platformUserID, err)
	}
	return player, nil
}

// ByPlatformID returns the live player for a platform user id.
func (r *PlayerRepo) ByPlatformID(ctx context.Context, platformUserID int64) (*model.Player, error) {
	if platformUserID <= 0 {
		return nil, fmt.Errorf("%w: platform user id must be positive", ErrInvalidArgument)
	}

	player, err := scanPlayer(r.db.Querier(ctx).QueryRow(ctx, `
		SELECT `+playerColumns+` FROM players
		WHERE platform_user_id = $1 AND deleted_at IS NULL`,
		platformUserID))
	if err != nil {
		return nil, fmt.Errorf("get player by platform id %d: %w", platformUserID, noRowsAsNotFound(err))
	}
	return player, nil
}

// ByID returns a player by internal id, soft-deleted rows included: history
// rendering still needs names of players who have left.
func (r *PlayerRepo) ByID(ctx context.Context, id int64) (*model.Player, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: player id must be positive", ErrInvalidArgument)
	}

	player, err := scanPlayer(r.db.Querier(ctx).QueryRow(ctx, `
		SELECT `+playerColumns+` FROM players
		WHERE id = $1`,
		id))
	if err != nil {
		return nil, fmt.Errorf("get player %d: %w", id, noRowsAsNotFound(err))
	}
	return player, nil
}

// Update rewrites the mutable identity fields of a live player.
func (r *PlayerRepo) Update(ctx context.Context, player *model.Player) error {
	if player == nil {
		return fmt.Errorf("%w: player is nil", ErrInvalidArgument)
	}
	if player.ID <= 0 {
		return fmt.Errorf("%w: player id must be positive", ErrInvalidArgument)
	}
	if player.Nickname != nil && len(*player.Nickname) > maxNicknameLength {
		return fmt.Errorf("%w: nickname exceeds %d bytes", ErrInvalidArgument, maxNicknameLength)
	}

	tag, err := r.db.Querier(ctx).Exec(ctx, `
		UPDATE players
		SET nickname = $2, is_student = $3, allowed_non_student = $4, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`,
		player.ID, player.Nickname, player.IsStudent, player.AllowedNonStudent)
	if err != nil {
		return fmt.Errorf("update player %d: %w", player.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update player %d: %w", player.ID, ErrNotFound)
	}
	return nil
}

// SoftDelete marks a player deleted without touching history. The partial
// unique index ignores deleted rows, so the same platform user can re-register
// later under a fresh internal id.
func (r *PlayerRepo) SoftDelete(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: player id must be positive", ErrInvalidArgument)
	}

	tag, err := r.db.Querier(ctx).Exec(ctx, `
		UPDATE players
		SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`,
		id)
	if err != nil {
		return fmt.Errorf("soft delete player %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug().Int64("player_id", id).Msg("player already deleted")
	}
	return nil
}

// CountActiveMemberships counts active groups the player still has a rating
// row in, excluding one group (usually the one being left right now).
func (r *PlayerRepo) CountActiveMemberships(ctx context.Context, playerID, excludeGroupID int64) (int, error) {
	if playerID <= 0 {
		return 0, fmt.Errorf("%w: player id must be positive", ErrInvalidArgument)
	}

	var count int
	err := r.db.Querier(ctx).QueryRow(ctx, `
		SELECT count(*)
		FROM group_players gp
		JOIN groups g ON g.id = gp.group_id
		WHERE gp.player_id = $1 AND gp.group_id <> $2 AND g.is_active`,
		playerID, excludeGroupID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count memberships of player %d: %w", playerID, err)
	}
	return count, nil
}
