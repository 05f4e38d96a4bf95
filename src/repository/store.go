package repository

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/postgresql"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/perr"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"
)

// Store bundles one repository per entity family over a shared PostgreSQL
// client. Every repository routes its queries through the client's
// context-bound Querier, so the same Store value works inside and outside
// transactions opened with InTx.
type Store struct {
	Groups        *GroupRepo
	Players       *PlayerRepo
	Matches       *MatchRepo
	History       *EloHistoryRepo
	Verifications *VerificationRepo
	FailedOps     *FailedOpRepo

	client *postgresql.Client
}

type StoreOptions struct {
	Client        *postgresql.Client `validate:"required"`
	InitialRating int                `validate:"min=0,max=10000"`
	Logger        zerolog.Logger
}

func NewStore(options StoreOptions) (*Store, error) {
	if err := validation.Instance.Struct(&options); err != nil {
		return nil, oops.
			In("repository store").
			Code(perr.ECONFIG).
			Wrapf(err, "invalid store options")
	}

	return &Store{
		Groups:        &GroupRepo{db: options.Client, initialRating: options.InitialRating, logger: options.Logger},
		Players:       &PlayerRepo{db: options.Client, logger: options.Logger},
		Matches:       &MatchRepo{db: options.Client, logger: options.Logger},
		History:       &EloHistoryRepo{db: options.Client, logger: options.Logger},
		Verifications: &VerificationRepo{db: options.Client, logger: options.Logger},
		FailedOps:     &FailedOpRepo{db: options.Client, logger: options.Logger},
	}, nil
}

// InTx runs fn inside a single read-committed transaction. Repository calls
// made with the context fn receives join that transaction; fn returning an
// error rolls everything back.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.client.WithTx(ctx, fn)
}
