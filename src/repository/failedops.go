package repository

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/postgresql"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
)

// FailedOpRepo persists dead-lettered commands for operator inspection.
type FailedOpRepo struct {
	db     *postgresql.Client
	logger zerolog.Logger
}

// Record inserts one dead letter. The caller supplies the ULID id so log
// lines and the stored row share it.
func (r *FailedOpRepo) Record(ctx context.Context, op *model.FailedOperation) error {
	switch {
	case op == nil:
		return fmt.Errorf("%w: failed operation is nil", ErrInvalidArgument)
	case op.ID == "":
		return fmt.Errorf("%w: id must be set", ErrInvalidArgument)
	case op.Kind == "" || len(op.Kind) > maxKindLength:
		return fmt.Errorf("%w: kind must be 1..%d bytes", ErrInvalidArgument, maxKindLength)
	case len(op.LastError) > maxErrorTextLength:
		return fmt.Errorf("%w: error text exceeds %d bytes", ErrInvalidArgument, maxErrorTextLength)
	}

	_, err := r.db.Querier(ctx).Exec(ctx, `
		INSERT INTO failed_operations (id, kind, chat_id, message_id, payload, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		op.ID, op.Kind, op.ChatID, op.MessageID, op.Payload, op.LastError)
	if err != nil {
		return fmt.Errorf("record failed operation %s: %w", op.ID, err)
	}
	return nil
}

// List returns the most recent dead letters, newest first.
func (r *FailedOpRepo) List(ctx context.Context, limit int) ([]model.FailedOperation, error) {
	if limit <= 0 || limit > 500 {
		return nil, fmt.Errorf("%w: dead letter limit %d outside [1, 500]", ErrInvalidArgument, limit)
	}

	rows, err := r.db.Querier(ctx).Query(ctx, `
		SELECT id, kind, chat_id, message_id, payload, last_error, created_at
		FROM failed_operations
		ORDER BY id DESC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("query failed operations: %w", err)
	}
	defer rows.Close()

	ops := make([]model.FailedOperation, 0, limit)
	for rows.Next() {
		var op model.FailedOperation
		if err := rows.Scan(&op.ID, &op.Kind, &op.ChatID, &op.MessageID,
			&op.Payload, &op.LastError, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed operation row: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed operations: %w", err)
	}
	return ops, nil
}
