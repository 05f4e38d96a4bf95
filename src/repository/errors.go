package repository

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Error taxonomy emitted by every repository. Callers match with errors.Is;
// anything not covered by a sentinel is wrapped with query context and keeps
// the driver error in the chain for the retry classifier.
var (
	// ErrInvalidArgument reports a contract violation detected before any
	// database round trip. Never retried.
	ErrInvalidArgument = errors.New("repository: invalid argument")

	// ErrNotFound reports a required row that does not exist. Never retried.
	ErrNotFound = errors.New("repository: not found")

	// ErrDuplicateIdempotency reports a unique violation on the match
	// idempotency key. The engine converts it to a duplicate ack.
	ErrDuplicateIdempotency = errors.New("repository: duplicate idempotency key")

	// ErrOptimisticConflict reports a version-checked update that matched
	// zero rows: another writer committed first. Classified transient.
	ErrOptimisticConflict = errors.New("repository: optimistic lock conflict")
)

const (
	pgUniqueViolation = "23505"

	maxNameLength           = 255
	maxNicknameLength       = 64
	maxIdempotencyKeyLength = 128
	maxKindLength           = 64
	maxErrorTextLength      = 4096

	minRating = 0
	maxRating = 10000
)

// noRowsAsNotFound maps the driver's empty-result error to the taxonomy.
func noRowsAsNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation reports whether err is a 23505 on a constraint whose name
// contains the given fragment.
func isUniqueViolation(err error, constraintFragment string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation && strings.Contains(pgErr.ConstraintName, constraintFragment)
}
