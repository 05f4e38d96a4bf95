package dlq

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/creasty/defaults"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/perr"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"
)

// Letter is one command that failed for good: retries exhausted or the error
// was permanent. The payload must reproduce enough of the original input for
// an operator to replay it by hand.
type Letter interface {
	Kind() string
	Marshal() ([]byte, error)
}

// Addressed is implemented by letters that know which chat message produced
// them. Letters without it are stored with zero ids.
type Addressed interface {
	Address() (chatID, messageID int64)
}

// OpStore is the slice of the failed-operations repository the recorder uses.
type OpStore interface {
	Record(ctx context.Context, op *model.FailedOperation) error
	List(ctx context.Context, limit int) ([]model.FailedOperation, error)
}

// Service files dead letters into the failed_operations table. Recording is
// best-effort bookkeeping for operators; it must never make a bad situation
// worse, so Enqueue failures are worth logging but not propagating into user
// flows. Safe for concurrent use.
type Service struct {
	logger zerolog.Logger
	ops    OpStore
	clock  clockwork.Clock
}

type Options struct {
	Ops    OpStore `validate:"required"`
	Clock  clockwork.Clock
	Logger zerolog.Logger
}

func NewService(options Options) (*Service, error) {
	errorb := oops.
		In("dlq service").
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

	return &Service{
		logger: options.Logger,
		ops:    options.Ops,
		clock:  options.Clock,
	}, nil
}

// Enqueue records one dead letter and returns its ULID. The id is logged
// alongside the cause so the log line and the stored row can be joined.
func (s *Service) Enqueue(ctx context.Context, letter Letter, cause error) (string, error) {
	if letter == nil {
		return "", fmt.Errorf("dlq: letter is nil")
	}

	payload, err := letter.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal '%s' letter: %w", letter.Kind(), err)
	}

	id, err := ulid.New(ulid.Timestamp(s.clock.Now()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to mint dead letter id: %w", err)
	}

	op := &model.FailedOperation{
		ID:      id.String(),
		Kind:    letter.Kind(),
		Payload: payload,
	}
	if addressed, ok := letter.(Addressed); ok {
		op.ChatID, op.MessageID = addressed.Address()
	}
	if cause != nil {
		op.LastError = cause.Error()
	}

	if err := s.ops.Record(ctx, op); err != nil {
		return "", fmt.Errorf("failed to record '%s' letter: %w", letter.Kind(), err)
	}

	s.logger.Warn().
		Str("dead_letter_id", op.ID).
		Str("kind", op.Kind).
		Int64("chat_id", op.ChatID).
		Int64("message_id", op.MessageID).
		Str("cause", op.LastError).
		Msg("command dead-lettered")

	return op.ID, nil
}

// Unprocessed returns the most recent dead letters, newest first.
func (s *Service) Unprocessed(ctx context.Context, limit int) ([]model.FailedOperation, error) {
	return s.ops.List(ctx, limit)
}
