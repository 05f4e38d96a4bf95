package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/postgresql"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
)

// VerificationRepo persists the append-only audit of identity lookups.
type VerificationRepo struct {
	db     *postgresql.Client
	logger zerolog.Logger
}

// Record inserts one audit row, assigning it a fresh uuid.
func (r *VerificationRepo) Record(ctx context.Context, v *model.PlayerVerification) (*model.PlayerVerification, error) {
	switch {
	case v == nil:
		return nil, fmt.Errorf("%w: verification is nil", ErrInvalidArgument)
	case v.PlayerID <= 0:
		return nil, fmt.Errorf("%w: player id must be positive", ErrInvalidArgument)
	case v.Login == "" || len(v.Login) > maxNicknameLength:
		return nil, fmt.Errorf("%w: login must be 1..%d bytes", ErrInvalidArgument, maxNicknameLength)
	case v.Status == "":
		return nil, fmt.Errorf("%w: status must be set", ErrInvalidArgument)
	}

	stored := *v
	stored.ID = uuid.New()
	err := r.db.Querier(ctx).QueryRow(ctx, `
		INSERT INTO player_verifications (id, player_id, login, status)
		VALUES ($1, $2, $3, $4)
		RETURNING checked_at`,
		stored.ID, stored.PlayerID, stored.Login, stored.Status).Scan(&stored.CheckedAt)
	if err != nil {
		return nil, fmt.Errorf("record verification of player %d: %w", v.PlayerID, err)
	}
	return &stored, nil
}
