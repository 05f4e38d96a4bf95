package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/school"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/repository"
)

type fakeLookup struct {
	participants map[string]school.Participant
	err          error
	calls        int
}

func (f *fakeLookup) GetParticipant(_ context.Context, nickname string) (*school.Participant, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	participant, ok := f.participants[nickname]
	if !ok {
		return nil, school.ErrParticipantNotFound
	}
	return &participant, nil
}

type fakePlayers struct {
	updated []model.Player
	err     error
}

func (f *fakePlayers) Update(_ context.Context, player *model.Player) error {
	if f.err != nil {
		return f.err
	}
	f.updated = append(f.updated, *player)
	return nil
}

type fakeAudit struct {
	rows []model.PlayerVerification
	err  error
}

func (f *fakeAudit) Record(_ context.Context, v *model.PlayerVerification) (*model.PlayerVerification, error) {
	if f.err != nil {
		return nil, f.err
	}
	stored := *v
	stored.ID = uuid.New()
	stored.CheckedAt = time.Now()
	f.rows = append(f.rows, stored)
	return &stored, nil
}

func newTestService(t *testing.T, options Options) *Service {
	t.Helper()

	if options.School == nil {
		options.School = &fakeLookup{}
	}
	if options.Players == nil {
		options.Players = &fakePlayers{}
	}
	if options.Audit == nil {
		options.Audit = &fakeAudit{}
	}

	service, err := NewService(options)
	require.NoError(t, err)
	return service
}

func testPlayer() *model.Player {
	return &model.Player{ID: 7, PlatformUserID: 1007}
}

func TestNewServiceRejectsInvalidOptions(t *testing.T) {
	_, err := NewService(Options{Players: &fakePlayers{}, Audit: &fakeAudit{}})
	require.Error(t, err)

	_, err = NewService(Options{School: &fakeLookup{}, Audit: &fakeAudit{}})
	require.Error(t, err)

	_, err = NewService(Options{School: &fakeLookup{}, Players: &fakePlayers{}})
	require.Error(t, err)
}

func TestVerifyPlayerActiveStudent(t *testing.T) {
	lookup := &fakeLookup{participants: map[string]school.Participant{
		"alice": {Login: "alice", Status: "ACTIVE"},
	}}
	players := &fakePlayers{}
	audit := &fakeAudit{}
	service := newTestService(t, Options{School: lookup, Players: players, Audit: audit})

	outcome, err := service.VerifyPlayer(context.Background(), testPlayer(), "alice")
	require.NoError(t, err)

	assert.False(t, outcome.NotFound)
	assert.True(t, outcome.Active())
	assert.Equal(t, "alice", outcome.Login)

	require.Len(t, players.updated, 1)
	updated := players.updated[0]
	assert.True(t, updated.IsStudent)
	require.NotNil(t, updated.Nickname)
	assert.Equal(t, "alice", *updated.Nickname)

	require.Len(t, audit.rows, 1)
	assert.Equal(t, int64(7), audit.rows[0].PlayerID)
	assert.Equal(t, "ACTIVE", audit.rows[0].Status)
}

func TestVerifyPlayerNonActiveStatus(t *testing.T) {
	lookup := &fakeLookup{participants: map[string]school.Participant{
		"bob": {Login: "bob", Status: "EXPELLED"},
	}}
	players := &fakePlayers{}
	audit := &fakeAudit{}
	service := newTestService(t, Options{School: lookup, Players: players, Audit: audit})

	outcome, err := service.VerifyPlayer(context.Background(), testPlayer(), "bob")
	require.NoError(t, err)

	assert.False(t, outcome.NotFound)
	assert.False(t, outcome.Active())
	assert.Equal(t, model.ParticipantStatusExpelled, outcome.Status)

	// Login is remembered, the student flag stays down.
	require.Len(t, players.updated, 1)
	assert.False(t, players.updated[0].IsStudent)
	require.NotNil(t, players.updated[0].Nickname)
	assert.Equal(t, "bob", *players.updated[0].Nickname)

	require.Len(t, audit.rows, 1)
	assert.Equal(t, "EXPELLED", audit.rows[0].Status)
}

func TestVerifyPlayerNotFound(t *testing.T) {
	lookup := &fakeLookup{}
	players := &fakePlayers{}
	audit := &fakeAudit{}
	service := newTestService(t, Options{School: lookup, Players: players, Audit: audit})

	outcome, err := service.VerifyPlayer(context.Background(), testPlayer(), "nobody")
	require.NoError(t, err)

	assert.True(t, outcome.NotFound)
	assert.Empty(t, players.updated, "not-found must not touch the player")

	require.Len(t, audit.rows, 1)
	assert.Equal(t, "NOT_FOUND", audit.rows[0].Status)
	assert.Equal(t, "nobody", audit.rows[0].Login)
}

func TestVerifyPlayerCanonicalisesLogin(t *testing.T) {
	lookup := &fakeLookup{participants: map[string]school.Participant{
		"Alice": {Login: "alice", Status: "ACTIVE"},
	}}
	players := &fakePlayers{}
	audit := &fakeAudit{}
	service := newTestService(t, Options{School: lookup, Players: players, Audit: audit})

	outcome, err := service.VerifyPlayer(context.Background(), testPlayer(), "Alice")
	require.NoError(t, err)

	// The roster's spelling wins over what the user typed.
	assert.Equal(t, "alice", outcome.Login)
	require.Len(t, players.updated, 1)
	assert.Equal(t, "alice", *players.updated[0].Nickname)
	assert.Equal(t, "alice", audit.rows[0].Login)
}

func TestVerifyPlayerCachesDefiniteOutcomes(t *testing.T) {
	lookup := &fakeLookup{participants: map[string]school.Participant{
		"alice": {Login: "alice", Status: "ACTIVE"},
	}}
	audit := &fakeAudit{}
	service := newTestService(t, Options{School: lookup, Players: &fakePlayers{}, Audit: audit})

	for range 3 {
		_, err := service.VerifyPlayer(context.Background(), testPlayer(), "alice")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, lookup.calls, "repeat verifications must hit the cache")
	assert.Len(t, audit.rows, 3, "every verification is audited, cached or not")

	// Not-found answers are cached too.
	for range 2 {
		outcome, err := service.VerifyPlayer(context.Background(), testPlayer(), "nobody")
		require.NoError(t, err)
		assert.True(t, outcome.NotFound)
	}
	assert.Equal(t, 2, lookup.calls)
}

func TestVerifyPlayerTemporaryFailureNotCached(t *testing.T) {
	lookup := &fakeLookup{err: school.ErrUnavailable}
	players := &fakePlayers{}
	audit := &fakeAudit{}
	service := newTestService(t, Options{School: lookup, Players: players, Audit: audit})

	_, err := service.VerifyPlayer(context.Background(), testPlayer(), "alice")
	require.ErrorIs(t, err, ErrTemporary)
	assert.Empty(t, audit.rows, "failed lookups write no audit rows")
	assert.Empty(t, players.updated)

	// The API recovers; the next attempt must reach it, not a cached error.
	lookup.err = nil
	lookup.participants = map[string]school.Participant{"alice": {Login: "alice", Status: "ACTIVE"}}

	outcome, err := service.VerifyPlayer(context.Background(), testPlayer(), "alice")
	require.NoError(t, err)
	assert.True(t, outcome.Active())
	assert.Equal(t, 2, lookup.calls)
}

func TestVerifyPlayerRateLimitedIsTemporary(t *testing.T) {
	lookup := &fakeLookup{err: &school.RateLimitedError{RetryAfter: time.Minute}}
	service := newTestService(t, Options{School: lookup})

	_, err := service.VerifyPlayer(context.Background(), testPlayer(), "alice")
	require.ErrorIs(t, err, ErrTemporary)
}

func TestVerifyPlayerAuthFailureIsNotTemporary(t *testing.T) {
	lookup := &fakeLookup{err: school.ErrUnauthorized}
	service := newTestService(t, Options{School: lookup})

	_, err := service.VerifyPlayer(context.Background(), testPlayer(), "alice")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTemporary), "credential problems aren't fixed by retyping /id")
	assert.ErrorIs(t, err, school.ErrUnauthorized)
}

func TestVerifyPlayerValidatesArguments(t *testing.T) {
	service := newTestService(t, Options{})

	_, err := service.VerifyPlayer(context.Background(), nil, "alice")
	require.ErrorIs(t, err, repository.ErrInvalidArgument)

	_, err = service.VerifyPlayer(context.Background(), &model.Player{}, "alice")
	require.ErrorIs(t, err, repository.ErrInvalidArgument)

	_, err = service.VerifyPlayer(context.Background(), testPlayer(), "")
	require.ErrorIs(t, err, repository.ErrInvalidArgument)

	_, err = service.VerifyPlayer(context.Background(), testPlayer(), string(make([]byte, 65)))
	require.ErrorIs(t, err, repository.ErrInvalidArgument)
}
