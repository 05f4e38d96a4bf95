package match

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/repository"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/rating"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/util/retry"
)

const (
	testChatID = int64(-1001230000)
	aliceTG    = int64(2001)
	bobTG      = int64(2002)
	charlieTG  = int64(2003)
)

// memStore is an in-memory double for every store interface the engine
// takes, plus TxRunner. InTx snapshots the mutable state and restores it on
// error, so rollback behaves like the real database. Transactions are fully
// serialized: txMu is held from snapshot to commit.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	groupSeq  int64
	groups    map[int64]*model.Group // platform chat id -> group
	playerSeq int64
	players   map[int64]*model.Player // platform user id -> player
	gpSeq     int64
	gpByID    map[int64]*model.GroupPlayer
	gpByPair  map[[2]int64]int64
	matchSeq  int64
	matches   map[int64]*model.Match
	keyToID   map[string]int64
	history   []model.EloHistory

	now func() time.Time

	// conflictsLeft makes the next N UpdateGroupPlayer calls report a
	// version mismatch.
	conflictsLeft int
	// hideKeyOnce makes the next ByIdempotencyKey miss, opening the
	// insert-race window.
	hideKeyOnce bool
	txCount     int
}

func newMemStore() *memStore {
	return &memStore{
		groups:   map[int64]*model.Group{},
		players:  map[int64]*model.Player{},
		gpByID:   map[int64]*model.GroupPlayer{},
		gpByPair: map[[2]int64]int64{},
		matches:  map[int64]*model.Match{},
		keyToID:  map[string]int64{},
		now:      time.Now,
	}
}

type storeSnapshot struct {
	gpByID  map[int64]*model.GroupPlayer
	matches map[int64]*model.Match
	keyToID map[string]int64
	history []model.EloHistory
	gpSeq   int64
	mSeq    int64
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snap := storeSnapshot{
		gpByID:  map[int64]*model.GroupPlayer{},
		matches: map[int64]*model.Match{},
		keyToID: map[string]int64{},
		history: append([]model.EloHistory(nil), s.history...),
		gpSeq:   s.gpSeq,
		mSeq:    s.matchSeq,
	}
	for id, gp := range s.gpByID {
		cp := *gp
		snap.gpByID[id] = &cp
	}
	for id, m := range s.matches {
		cp := *m
		snap.matches[id] = &cp
	}
	for k, id := range s.keyToID {
		snap.keyToID[k] = id
	}
	s.txCount++
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.gpByID = snap.gpByID
		s.matches = snap.matches
		s.keyToID = snap.keyToID
		s.history = snap.history
		s.gpSeq = snap.gpSeq
		s.matchSeq = snap.mSeq
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) CreateOrGet(_ context.Context, platformChatID int64, name *string) (*model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if group, ok := s.groups[platformChatID]; ok {
		return group, nil
	}
	s.groupSeq++
	group := &model.Group{ID: s.groupSeq, PlatformChatID: platformChatID, Name: name, IsActive: true}
	s.groups[platformChatID] = group
	return group, nil
}

func (s *memStore) GetByChatID(_ context.Context, platformChatID int64) (*model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if group, ok := s.groups[platformChatID]; ok {
		return group, nil
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) GetOrCreateGroupPlayer(_ context.Context, groupID, playerID int64) (*model.GroupPlayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair := [2]int64{groupID, playerID}
	if id, ok := s.gpByPair[pair]; ok {
		cp := *s.gpByID[id]
		return &cp, nil
	}
	s.gpSeq++
	gp := &model.GroupPlayer{ID: s.gpSeq, GroupID: groupID, PlayerID: playerID, CurrentRating: 1500}
	s.gpByID[gp.ID] = gp
	s.gpByPair[pair] = gp.ID
	cp := *gp
	return &cp, nil
}

func (s *memStore) GroupPlayerForUpdate(_ context.Context, id int64) (*model.GroupPlayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gp, ok := s.gpByID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *gp
	return &cp, nil
}

func (s *memStore) UpdateGroupPlayer(_ context.Context, gp *model.GroupPlayer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflictsLeft > 0 {
		s.conflictsLeft--
		return false, nil
	}
	stored, ok := s.gpByID[gp.ID]
	if !ok || stored.Version != gp.Version {
		return false, nil
	}
	cp := *gp
	cp.Version = gp.Version + 1
	s.gpByID[gp.ID] = &cp
	return true, nil
}

func (s *memStore) Rankings(_ context.Context, groupID int64, limit int) ([]model.RankingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []model.RankingEntry
	for _, gp := range s.gpByID {
		if gp.GroupID != groupID {
			continue
		}
		entry := model.RankingEntry{
			PlayerID:      gp.PlayerID,
			Rating:        gp.CurrentRating,
			MatchesPlayed: gp.MatchesPlayed,
			MatchesWon:    gp.MatchesWon,
			MatchesLost:   gp.MatchesLost,
		}
		for _, player := range s.players {
			if player.ID == gp.PlayerID {
				entry.PlatformUserID = player.PlatformUserID
				entry.Nickname = player.Nickname
			}
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Rating != entries[j].Rating {
			return entries[i].Rating > entries[j].Rating
		}
		return entries[i].PlayerID < entries[j].PlayerID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *memStore) CreateOrGetPlayer(_ context.Context, platformUserID int64, nickname *string) (*model.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createOrGetPlayerLocked(platformUserID, nickname), nil
}

func (s *memStore) createOrGetPlayerLocked(platformUserID int64, nickname *string) *model.Player {
	if player, ok := s.players[platformUserID]; ok {
		return player
	}
	s.playerSeq++
	player := &model.Player{ID: s.playerSeq, PlatformUserID: platformUserID, Nickname: nickname}
	s.players[platformUserID] = player
	return player
}

func (s *memStore) ByPlatformID(_ context.Context, platformUserID int64) (*model.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if player, ok := s.players[platformUserID]; ok {
		cp := *player
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) Create(_ context.Context, m *model.Match) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.keyToID[m.IdempotencyKey]; taken {
		return nil, repository.ErrDuplicateIdempotency
	}
	s.matchSeq++
	cp := *m
	cp.ID = s.matchSeq
	cp.CreatedAt = s.now()
	s.matches[cp.ID] = &cp
	s.keyToID[cp.IdempotencyKey] = cp.ID
	out := cp
	return &out, nil
}

func (s *memStore) ByIdempotencyKey(_ context.Context, key string) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hideKeyOnce {
		s.hideKeyOnce = false
		return nil, repository.ErrNotFound
	}
	id, ok := s.keyToID[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s.matches[id]
	return &cp, nil
}

func (s *memStore) ByIDForUpdate(_ context.Context, id int64) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) LatestActiveForUpdate(_ context.Context, groupID int64) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.Match
	for _, m := range s.matches {
		if m.GroupID != groupID || m.IsUndone {
			continue
		}
		if latest == nil || m.ID > latest.ID {
			latest = m
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *memStore) MarkUndone(_ context.Context, id, undoneBy int64, undoneAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok || m.IsUndone {
		return false, nil
	}
	m.IsUndone = true
	m.UndoneBy = &undoneBy
	m.UndoneAt = &undoneAt
	return true, nil
}

func (s *memStore) Append(_ context.Context, entry *model.EloHistory) (*model.EloHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	cp.ID = int64(len(s.history) + 1)
	cp.RatingChange = cp.RatingAfter - cp.RatingBefore
	cp.CreatedAt = s.now()
	s.history = append(s.history, cp)
	out := cp
	return &out, nil
}

func (s *memStore) groupPlayer(t *testing.T, groupID, platformUserID int64) model.GroupPlayer {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, player := range s.players {
		if player.PlatformUserID != platformUserID {
			continue
		}
		if id, ok := s.gpByPair[[2]int64{groupID, player.ID}]; ok {
			return *s.gpByID[id]
		}
	}
	t.Fatalf("no group player for platform user %d in group %d", platformUserID, groupID)
	return model.GroupPlayer{}
}

// playerStoreAdapter renames CreateOrGetPlayer to the interface's CreateOrGet:
// memStore already uses that name for groups.
type playerStoreAdapter struct {
	*memStore
}

func (a playerStoreAdapter) CreateOrGet(ctx context.Context, platformUserID int64, nickname *string) (*model.Player, error) {
	return a.CreateOrGetPlayer(ctx, platformUserID, nickname)
}

func newTestEngine(t *testing.T, store *memStore, mutate func(*Options)) *Engine {
	t.Helper()

	calculator, err := rating.NewCalculator(rating.Options{})
	require.NoError(t, err)

	options := Options{
		Groups:     store,
		Players:    playerStoreAdapter{store},
		Matches:    store,
		History:    store,
		Tx:         store,
		Calculator: calculator,
		Retry: retry.Config{
			InitialDelay: time.Millisecond,
			Clock:        clockwork.NewRealClock(),
		},
	}
	if mutate != nil {
		mutate(&options)
	}

	engine, err := NewEngine(options)
	require.NoError(t, err)
	return engine
}

func registerInput(key string) RegisterInput {
	return RegisterInput{
		PlatformChatID:      testChatID,
		Player1PlatformID:   aliceTG,
		Player2PlatformID:   bobTG,
		Score1:              11,
		Score2:              9,
		IdempotencyKey:      key,
		CreatedByPlatformID: aliceTG,
	}
}

func TestRegisterMovesRatingsByExpectedDelta(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	result, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)
	require.False(t, result.Duplicate)

	m := result.Match
	assert.Equal(t, 1500, m.Player1RatingBefore)
	assert.Equal(t, 1516, m.Player1RatingAfter)
	assert.Equal(t, 1500, m.Player2RatingBefore)
	assert.Equal(t, 1484, m.Player2RatingAfter)

	gp1 := store.groupPlayer(t, m.GroupID, aliceTG)
	gp2 := store.groupPlayer(t, m.GroupID, bobTG)
	assert.Equal(t, 1516, gp1.CurrentRating)
	assert.Equal(t, 1484, gp2.CurrentRating)
	assert.Equal(t, 1, gp1.MatchesPlayed)
	assert.Equal(t, 1, gp1.MatchesWon)
	assert.Equal(t, 0, gp1.MatchesLost)
	assert.Equal(t, 1, gp2.MatchesLost)
	assert.EqualValues(t, 1, gp1.Version)
	assert.EqualValues(t, 1, gp2.Version)

	require.Len(t, store.history, 2)
	for _, entry := range store.history {
		assert.False(t, entry.IsUndone)
		require.NotNil(t, entry.MatchID)
		assert.Equal(t, m.ID, *entry.MatchID)
	}
	assert.Equal(t, 16, store.history[0].RatingChange)
	assert.Equal(t, -16, store.history[1].RatingChange)
}

func TestRegisterTieBetweenEqualRatingsChangesNothing(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	input := registerInput("k-tie")
	input.Score1, input.Score2 = 7, 7
	result, err := engine.Register(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, 1500, result.Match.Player1RatingAfter)
	assert.Equal(t, 1500, result.Match.Player2RatingAfter)

	gp1 := store.groupPlayer(t, result.Match.GroupID, aliceTG)
	assert.Equal(t, 1, gp1.MatchesPlayed)
	assert.Equal(t, 0, gp1.MatchesWon)
	assert.Equal(t, 0, gp1.MatchesLost)
}

func TestRegisterIsIdempotent(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	first, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)
	second, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Match.ID, second.Match.ID)
	assert.Equal(t, first.Match.Player1RatingAfter, second.Match.Player1RatingAfter)
	assert.Len(t, store.matches, 1)

	// Ratings moved exactly once.
	gp1 := store.groupPlayer(t, first.Match.GroupID, aliceTG)
	assert.Equal(t, 1516, gp1.CurrentRating)
	assert.Equal(t, 1, gp1.MatchesPlayed)
}

func TestRegisterInsertRaceRollsBackAndReturnsOriginal(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	first, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)

	// Hide the existing row from the pre-transaction duplicate check so
	// the insert itself trips the unique constraint.
	store.hideKeyOnce = true
	second, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Match.ID, second.Match.ID)

	// The losing attempt's rating moves were rolled back.
	gp1 := store.groupPlayer(t, first.Match.GroupID, aliceTG)
	assert.Equal(t, 1516, gp1.CurrentRating)
	assert.Equal(t, 1, gp1.MatchesPlayed)
	assert.Len(t, store.history, 2)
}

func TestRegisterValidatesInput(t *testing.T) {
	engine := newTestEngine(t, newMemStore(), nil)

	cases := map[string]func(*RegisterInput){
		"zero chat":      func(in *RegisterInput) { in.PlatformChatID = 0 },
		"same players":   func(in *RegisterInput) { in.Player2PlatformID = in.Player1PlatformID },
		"negative score": func(in *RegisterInput) { in.Score1 = -1 },
		"goalless":       func(in *RegisterInput) { in.Score1, in.Score2 = 0, 0 },
		"no key":         func(in *RegisterInput) { in.IdempotencyKey = "" },
		"no creator":     func(in *RegisterInput) { in.CreatedByPlatformID = 0 },
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			input := registerInput("k-" + name)
			corrupt(&input)
			_, err := engine.Register(context.Background(), input)
			assert.ErrorIs(t, err, repository.ErrInvalidArgument)
		})
	}
}

func TestRegisterRetriesOptimisticConflict(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	store.conflictsLeft = 1
	result, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)

	assert.Equal(t, 2, store.txCount)
	gp1 := store.groupPlayer(t, result.Match.GroupID, aliceTG)
	assert.Equal(t, 1516, gp1.CurrentRating)
	assert.Equal(t, 1, gp1.MatchesPlayed)
}

func TestRegisterGivesUpWhenConflictsPersist(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	store.conflictsLeft = 100
	_, err := engine.Register(context.Background(), registerInput("k1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrOptimisticConflict)

	// One attempt plus three retries, no more.
	assert.Equal(t, 4, store.txCount)

	gp1 := store.groupPlayer(t, 1, aliceTG)
	assert.Equal(t, 1500, gp1.CurrentRating)
	assert.Zero(t, gp1.MatchesPlayed)
	assert.Empty(t, store.matches)
}

func TestUndoRevertsRatingsAndCounters(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	registered, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)

	result, err := engine.Undo(context.Background(), UndoInput{
		PlatformChatID:    testChatID,
		MatchID:           registered.Match.ID,
		InvokerPlatformID: aliceTG,
	})
	require.NoError(t, err)

	assert.Equal(t, 1500, result.Player1Rating)
	assert.Equal(t, 1500, result.Player2Rating)
	assert.True(t, result.Match.IsUndone)
	require.NotNil(t, result.Match.UndoneBy)
	assert.Equal(t, aliceTG, *result.Match.UndoneBy)

	gp1 := store.groupPlayer(t, registered.Match.GroupID, aliceTG)
	gp2 := store.groupPlayer(t, registered.Match.GroupID, bobTG)
	assert.Equal(t, 1500, gp1.CurrentRating)
	assert.Equal(t, 1500, gp2.CurrentRating)
	assert.Zero(t, gp1.MatchesPlayed)
	assert.Zero(t, gp1.MatchesWon)
	assert.Zero(t, gp2.MatchesLost)

	// One version bump per mutation: register then undo.
	assert.EqualValues(t, 2, gp1.Version)
	assert.EqualValues(t, 2, gp2.Version)

	require.Len(t, store.history, 4)
	reversal := store.history[2]
	assert.True(t, reversal.IsUndone)
	assert.Equal(t, 1516, reversal.RatingBefore)
	assert.Equal(t, 1500, reversal.RatingAfter)
}

func TestUndoPreservesLaterMatchDeltas(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	first, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)

	rematch := registerInput("k2")
	rematch.Score1, rematch.Score2 = 5, 11
	second, err := engine.Register(context.Background(), rematch)
	require.NoError(t, err)

	// 1516 vs 1484, lower-rated bob wins: 17 points change hands.
	assert.Equal(t, 1499, second.Match.Player1RatingAfter)
	assert.Equal(t, 1501, second.Match.Player2RatingAfter)

	result, err := engine.Undo(context.Background(), UndoInput{
		PlatformChatID:    testChatID,
		MatchID:           first.Match.ID,
		InvokerPlatformID: bobTG,
	})
	require.NoError(t, err)

	// Only the first match's +16/-16 is reversed; the rematch stands.
	assert.Equal(t, 1483, result.Player1Rating)
	assert.Equal(t, 1517, result.Player2Rating)

	untouched, err := store.ByIDForUpdate(context.Background(), second.Match.ID)
	require.NoError(t, err)
	assert.False(t, untouched.IsUndone)
	assert.Equal(t, 1499, untouched.Player1RatingAfter)
}

func TestUndoWithoutTargetRevertsLatest(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	_, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)
	second, err := engine.Register(context.Background(), registerInput("k2"))
	require.NoError(t, err)

	result, err := engine.Undo(context.Background(), UndoInput{
		PlatformChatID:    testChatID,
		InvokerPlatformID: aliceTG,
	})
	require.NoError(t, err)
	assert.Equal(t, second.Match.ID, result.Match.ID)
}

func TestUndoTwiceFails(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	registered, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)

	input := UndoInput{PlatformChatID: testChatID, MatchID: registered.Match.ID, InvokerPlatformID: aliceTG}
	_, err = engine.Undo(context.Background(), input)
	require.NoError(t, err)

	_, err = engine.Undo(context.Background(), input)
	assert.ErrorIs(t, err, ErrAlreadyUndone)

	// The failed second undo must not have moved anything.
	gp1 := store.groupPlayer(t, registered.Match.GroupID, aliceTG)
	assert.Equal(t, 1500, gp1.CurrentRating)
}

func TestUndoByOutsiderRejected(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	registered, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)

	// Unknown to the bot entirely.
	_, err = engine.Undo(context.Background(), UndoInput{
		PlatformChatID:    testChatID,
		MatchID:           registered.Match.ID,
		InvokerPlatformID: charlieTG,
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Known player, but not a participant of this match.
	_, err = store.CreateOrGetPlayer(context.Background(), charlieTG, nil)
	require.NoError(t, err)
	_, err = engine.Undo(context.Background(), UndoInput{
		PlatformChatID:    testChatID,
		MatchID:           registered.Match.ID,
		InvokerPlatformID: charlieTG,
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestUndoWindowExpiresForParticipantsOnly(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	store := newMemStore()
	store.now = clock.Now
	engine := newTestEngine(t, store, func(options *Options) {
		options.Clock = clock
	})

	registered, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)

	_, err = engine.Undo(context.Background(), UndoInput{
		PlatformChatID:    testChatID,
		MatchID:           registered.Match.ID,
		InvokerPlatformID: aliceTG,
	})
	assert.ErrorIs(t, err, ErrUndoExpired)

	result, err := engine.Undo(context.Background(), UndoInput{
		PlatformChatID:    testChatID,
		MatchID:           registered.Match.ID,
		InvokerPlatformID: charlieTG,
		InvokerIsAdmin:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1500, result.Player1Rating)
}

func TestUndoUnknownMatchNotFound(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	_, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)

	_, err = engine.Undo(context.Background(), UndoInput{
		PlatformChatID:    testChatID,
		MatchID:           999,
		InvokerPlatformID: aliceTG,
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUndoCannotReachAnotherGroupsMatch(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	registered, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)

	otherChat := testChatID - 1
	_, err = store.CreateOrGet(context.Background(), otherChat, nil)
	require.NoError(t, err)

	_, err = engine.Undo(context.Background(), UndoInput{
		PlatformChatID:    otherChat,
		MatchID:           registered.Match.ID,
		InvokerPlatformID: aliceTG,
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRankingsOrderedByRating(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	_, err := engine.Register(context.Background(), registerInput("k1"))
	require.NoError(t, err)

	entries, err := engine.Rankings(context.Background(), testChatID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, aliceTG, entries[0].PlatformUserID)
	assert.Equal(t, 1516, entries[0].Rating)
	assert.Equal(t, bobTG, entries[1].PlatformUserID)
	assert.Equal(t, 1484, entries[1].Rating)
}

func TestRegisterConcurrentDistinctMatches(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range 8 {
		wg.Go(func() {
			input := registerInput(fmt.Sprintf("k%d", i))
			_, errs[i] = engine.Register(context.Background(), input)
		})
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "registration %d", i)
	}

	gp1 := store.groupPlayer(t, 1, aliceTG)
	assert.Equal(t, 8, gp1.MatchesPlayed)
	assert.Equal(t, 8, gp1.MatchesWon)
	assert.Len(t, store.matches, 8)
	assert.Len(t, store.history, 16)
}
