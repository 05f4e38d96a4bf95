package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/school"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/perr"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/repository"
)

const maxNicknameLength = 64

// ErrTemporary reports a lookup that failed for reasons expected to clear on
// their own: identity API outage, throttling, timeouts. Nothing was cached
// and no state was written; the caller should ask the user to retry.
var ErrTemporary = errors.New("verify: identity check temporarily unavailable")

// auditStatusNotFound is recorded when the school API has no such nickname.
const auditStatusNotFound = "NOT_FOUND"

// Lookup is the slice of the school API client the verifier needs.
type Lookup interface {
	GetParticipant(ctx context.Context, nickname string) (*school.Participant, error)
}

type PlayerStore interface {
	Update(ctx context.Context, player *model.Player) error
}

type AuditStore interface {
	Record(ctx context.Context, v *model.PlayerVerification) (*model.PlayerVerification, error)
}

// Outcome is the definite answer for one nickname. NotFound true means the
// school roster has no such login; otherwise Login carries the canonical
// spelling and Status the roster state.
type Outcome struct {
	Login    string
	Status   model.ParticipantStatus
	NotFound bool
}

// Active reports a found participant in good standing.
func (o *Outcome) Active() bool {
	return !o.NotFound && o.Status == model.ParticipantStatusActive
}

// Service answers "is this nickname a real student" questions and keeps the
// player rows in sync with the answers. Definite outcomes are cached per
// nickname so repeated /id attempts don't hammer the identity API; temporary
// failures are never cached. Safe for concurrent use.
type Service struct {
	logger  zerolog.Logger
	school  Lookup
	players PlayerStore
	audit   AuditStore
	results *ttlcache.Cache[string, Outcome]

	successTTL time.Duration
	failureTTL time.Duration
}

type Options struct {
	School  Lookup      `validate:"required"`
	Players PlayerStore `validate:"required"`
	Audit   AuditStore  `validate:"required"`
	// SuccessTTL bounds how long a found participant is believed without a
	// fresh lookup; FailureTTL does the same for not-found answers, shorter
	// because new accounts appear mid-cohort.
	SuccessTTL    time.Duration `default:"24h"`
	FailureTTL    time.Duration `default:"1h"`
	CacheCapacity uint64        `default:"4096"`
	Logger        zerolog.Logger
}

func NewService(options Options) (*Service, error) {
	errorb := oops.
		In("verify service").
		Code(perr.ECONFIG)

	if err := defaults.Set(&options); err != nil {
		return nil, errorb.Wrapf(err, "failed to set defaults")
	}
	if err := validation.Instance.Struct(&options); err != nil {
		return nil, errorb.Wrapf(err, "failed to validate")
	}

	return &Service{
		logger:  options.Logger,
		school:  options.School,
		players: options.Players,
		audit:   options.Audit,
		results: ttlcache.New[string, Outcome](
			ttlcache.WithCapacity[string, Outcome](options.CacheCapacity),
			ttlcache.WithTTL[string, Outcome](options.SuccessTTL),
			ttlcache.WithDisableTouchOnHit[string, Outcome](),
		),
		successTTL: options.SuccessTTL,
		failureTTL: options.FailureTTL,
	}, nil
}

func (s *Service) Start(_ context.Context) error {
	go s.results.Start()
	return nil
}

func (s *Service) Stop(_ context.Context) {
	s.results.Stop()
}

// VerifyPlayer resolves the nickname and applies the answer to the player:
// ACTIVE marks a verified student, any other roster status records the login
// but leaves the student flag down, not-found changes nothing. Every definite
// answer appends one audit row. Temporary lookup failures surface as
// ErrTemporary and write no state at all.
func (s *Service) VerifyPlayer(ctx context.Context, player *model.Player, nickname string) (*Outcome, error) {
	switch {
	case player == nil || player.ID <= 0:
		return nil, fmt.Errorf("%w: player must be persisted first", repository.ErrInvalidArgument)
	case nickname == "" || len(nickname) > maxNicknameLength:
		return nil, fmt.Errorf("%w: nickname must be 1..%d characters", repository.ErrInvalidArgument, maxNicknameLength)
	}

	outcome, err := s.lookup(ctx, nickname)
	if err != nil {
		return nil, err
	}

	if outcome.NotFound {
		if _, err := s.audit.Record(ctx, &model.PlayerVerification{
			PlayerID: player.ID,
			Login:    nickname,
			Status:   auditStatusNotFound,
		}); err != nil {
			return nil, fmt.Errorf("failed to record not-found verification of player %d: %w", player.ID, err)
		}
		s.logger.Info().
			Int64("player_id", player.ID).
			Str("nickname", nickname).
			Msg("nickname not on the school roster")
		return outcome, nil
	}

	if _, err := s.audit.Record(ctx, &model.PlayerVerification{
		PlayerID: player.ID,
		Login:    outcome.Login,
		Status:   string(outcome.Status),
	}); err != nil {
		return nil, fmt.Errorf("failed to record verification of player %d: %w", player.ID, err)
	}

	login := outcome.Login
	player.Nickname = &login
	player.IsStudent = outcome.Active()
	if err := s.players.Update(ctx, player); err != nil {
		return nil, fmt.Errorf("failed to store verification of player %d: %w", player.ID, err)
	}

	s.logger.Info().
		Int64("player_id", player.ID).
		Str("login", outcome.Login).
		Str("status", string(outcome.Status)).
		Msg("player verified")

	return outcome, nil
}

// lookup is a read-through over the identity API. Concurrent misses on the
// same nickname may each fetch; the later Set simply refreshes the entry.
func (s *Service) lookup(ctx context.Context, nickname string) (*Outcome, error) {
	if item := s.results.Get(nickname); item != nil {
		outcome := item.Value()
		return &outcome, nil
	}

	participant, err := s.school.GetParticipant(ctx, nickname)
	switch {
	case err == nil:
		outcome := Outcome{Login: participant.Login, Status: model.ParticipantStatus(participant.Status)}
		s.results.Set(nickname, outcome, s.successTTL)
		return &outcome, nil

	case errors.Is(err, school.ErrParticipantNotFound):
		outcome := Outcome{NotFound: true}
		s.results.Set(nickname, outcome, s.failureTTL)
		return &outcome, nil

	case temporary(err):
		s.logger.Warn().Err(err).Str("nickname", nickname).Msg("identity lookup failed, will not cache")
		return nil, fmt.Errorf("%w: %w", ErrTemporary, err)

	default:
		return nil, fmt.Errorf("identity lookup of '%s' failed: %w", nickname, err)
	}
}

// temporary classifies lookup errors worth a user-initiated retry. Auth
// failures are deliberately excluded: retyping /id won't fix an operator
// problem.
func temporary(err error) bool {
	var rateLimited *school.RateLimitedError
	return errors.Is(err, school.ErrUnavailable) ||
		errors.As(err, &rateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}
