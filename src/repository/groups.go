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

// GroupRepo persists groups, per-group player rows, and topic bindings.
type GroupRepo struct {
	db            *postgresql.Client
	initialRating int
	logger        zerolog.Logger
}

const groupColumns = "id, platform_chat_id, name, is_active, created_at, updated_at"

func scanGroup(row pgx.Row) (*model.Group, error) {
	var g model.Group
	err := row.Scan(&g.ID, &g.PlatformChatID, &g.Name, &g.IsActive, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateOrGet returns the active group for a platform chat id, creating it on
// first contact. A chat the bot was removed from keeps its old row; re-adding
// reactivates that row so ratings keyed to the internal id survive.
func (r *GroupRepo) CreateOrGet(ctx context.Context, platformChatID int64, name *string) (*model.Group, error) {
	if platformChatID == 0 {
		return nil, fmt.Errorf("%w: platform chat id must be non-zero", ErrInvalidArgument)
	}
	if name != nil && len(*name) > maxNameLength {
		return nil, fmt.Errorf("%w: group name exceeds %d bytes", ErrInvalidArgument, maxNameLength)
	}

	q := r.db.Querier(ctx)

	// Fast path: active row exists, refresh its name.
	group, err := scanGroup(q.QueryRow(ctx, `
		UPDATE groups
		SET name = COALESCE($2, name), updated_at = now()
		WHERE platform_chat_id = $1 AND is_active
		RETURNING `+groupColumns,
		platformChatID, name))
	if err == nil {
		return group, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("refresh active group %d: %w", platformChatID, err)
	}

	// Re-add: flip the latest inactive row back instead of inserting a twin.
	group, err = scanGroup(q.QueryRow(ctx, `
		UPDATE groups
		SET is_active = TRUE, name = COALESCE($2, name), updated_at = now()
		WHERE id = (
			SELECT id FROM groups
			WHERE platform_chat_id = $1 AND NOT is_active
			ORDER BY updated_at DESC
			LIMIT 1
		)
		RETURNING `+groupColumns,
		platformChatID, name))
	if err == nil {
		return group, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reactivate group %d: %w", platformChatID, err)
	}

	group, err = scanGroup(q.QueryRow(ctx, `
		INSERT INTO groups (platform_chat_id, name)
		VALUES ($1, $2)
		RETURNING `+groupColumns,
		platformChatID, name))
	if err == nil {
		return group, nil
	}
	if !isUniqueViolation(err, "platform_chat_id") {
		return nil, fmt.Errorf("insert group %d: %w", platformChatID, err)
	}

	// Lost the insert race; the winner's row is what we want.
	group, err = scanGroup(q.QueryRow(ctx, `
		SELECT `+groupColumns+` FROM groups
		WHERE platform_chat_id = $1 AND is_active`,
		platformChatID))
	if err != nil {
		return nil, fmt.Errorf("fetch group %d after insert race: %w", platformChatID, err)
	}
	return group, nil
}

// GetByChatID returns the active group for a platform chat id.
func (r *GroupRepo) GetByChatID(ctx context.Context, platformChatID int64) (*model.Group, error) {
	if platformChatID == 0 {
		return nil, fmt.Errorf("%w: platform chat id must be non-zero", ErrInvalidArgument)
	}

	group, err := scanGroup(r.db.Querier(ctx).QueryRow(ctx, `
		SELECT `+groupColumns+` FROM groups
		WHERE platform_chat_id = $1 AND is_active`,
		platformChatID))
	if err != nil {
		return nil, fmt.Errorf("get group by chat id %d: %w", platformChatID, noRowsAsNotFound(err))
	}
	return group, nil
}

// SetActive flips the active flag of the group currently holding the platform
// chat id. Deactivation is idempotent: a missing row is not an error.
func (r *GroupRepo) SetActive(ctx context.Context, platformChatID int64, active bool) error {
	if platformChatID == 0 {
		return fmt.Errorf("%w: platform chat id must be non-zero", ErrInvalidArgument)
	}

	tag, err := r.db.Querier(ctx).Exec(ctx, `
		UPDATE groups
		SET is_active = $2, updated_at = now()
		WHERE platform_chat_id = $1 AND is_active <> $2`,
		platformChatID, active)
	if err != nil {
		return fmt.Errorf("set group %d active=%t: %w", platformChatID, active, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug().Int64("chat_id", platformChatID).Bool("active", active).
			Msg("group activity flag already in requested state")
	}
	return nil
}

// MigrateChatID rewrites the platform chat id in place after a
// group-to-supergroup upgrade. Ratings stay attached to the internal id.
func (r *GroupRepo) MigrateChatID(ctx context.Context, oldChatID, newChatID int64) error {
	if oldChatID == 0 || newChatID == 0 || oldChatID == newChatID {
		return fmt.Errorf("%w: migration requires two distinct non-zero chat ids", ErrInvalidArgument)
	}

	tag, err := r.db.Querier(ctx).Exec(ctx, `
		UPDATE groups
		SET platform_chat_id = $2, updated_at = now()
		WHERE platform_chat_id = $1 AND is_active`,
		oldChatID, newChatID)
	if err != nil {
		return fmt.Errorf("migrate group chat id %d -> %d: %w", oldChatID, newChatID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("migrate group chat id %d -> %d: %w", oldChatID, newChatID, ErrNotFound)
	}
	return nil
}

const groupPlayerColumns = `id, group_id, player_id, current_rating,
	matches_played, matches_won, matches_lost, version, created_at, updated_at`

func scanGroupPlayer(row pgx.Row) (*model.GroupPlayer, error) {
	var gp model.GroupPlayer
	err := row.Scan(&gp.ID, &gp.GroupID, &gp.PlayerID, &gp.CurrentRating,
		&gp.MatchesPlayed, &gp.MatchesWon, &gp.MatchesLost, &gp.Version, &gp.CreatedAt, &gp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &gp, nil
}

// GetOrCreateGroupPlayer returns the per-(group, player) rating row, creating
// it lazily with the configured initial rating and version 0.
func (r *GroupRepo) GetOrCreateGroupPlayer(ctx context.Context, groupID, playerID int64) (*model.GroupPlayer, error) {
	if groupID <= 0 || playerID <= 0 {
		return nil, fmt.Errorf("%w: group id and player id must be positive", ErrInvalidArgument)
	}

	q := r.db.Querier(ctx)

	gp, err := scanGroupPlayer(q.QueryRow(ctx, `
		INSERT INTO group_players (group_id, player_id, current_rating)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, player_id) DO NOTHING
		RETURNING `+groupPlayerColumns,
		groupID, playerID, r.initialRating))
	if err == nil {
		return gp, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("insert group player (%d, %d): %w", groupID, playerID, err)
	}

	gp, err = scanGroupPlayer(q.QueryRow(ctx, `
		SELECT `+groupPlayerColumns+` FROM group_players
		WHERE group_id = $1 AND player_id = $2`,
		groupID, playerID))
	if err != nil {
		return nil, fmt.Errorf("get group player (%d, %d): %w", groupID, playerID, err)
	}
	return gp, nil
}

// GroupPlayerForUpdate reads one rating row under a row lock. Must run inside
// a transaction; callers lock rows in ascending internal-id order.
func (r *GroupRepo) GroupPlayerForUpdate(ctx context.Context, id int64) (*model.GroupPlayer, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: group player id must be positive", ErrInvalidArgument)
	}

	gp, err := scanGroupPlayer(r.db.Querier(ctx).QueryRow(ctx, `
		SELECT `+groupPlayerColumns+` FROM group_players
		WHERE id = $1
		FOR UPDATE`,
		id))
	if err != nil {
		return nil, fmt.Errorf("lock group player %d: %w", id, noRowsAsNotFound(err))
	}
	return gp, nil
}

// UpdateGroupPlayer writes rating and counters guarded by the version the
// caller read. It reports whether exactly one row changed; false means
// another writer bumped the version first and the caller must restart its
// transaction.
func (r *GroupRepo) UpdateGroupPlayer(ctx context.Context, gp *model.GroupPlayer) (bool, error) {
	if gp == nil {
		return false, fmt.Errorf("%w: group player is nil", ErrInvalidArgument)
	}
	if gp.ID <= 0 {
		return false, fmt.Errorf("%w: group player id must be positive", ErrInvalidArgument)
	}
	if gp.CurrentRating < minRating || gp.CurrentRating > maxRating {
		return false, fmt.Errorf("%w: rating %d outside [%d, %d]", ErrInvalidArgument, gp.CurrentRating, minRating, maxRating)
	}
	if gp.MatchesPlayed < 0 || gp.MatchesWon < 0 || gp.MatchesLost < 0 {
		return false, fmt.Errorf("%w: match counters must be non-negative", ErrInvalidArgument)
	}
	if gp.MatchesWon+gp.MatchesLost > gp.MatchesPlayed {
		return false, fmt.Errorf("%w: won+lost exceeds played", ErrInvalidArgument)
	}

	tag, err := r.db.Querier(ctx).Exec(ctx, `
		UPDATE group_players
		SET current_rating = $3,
		    matches_played = $4,
		    matches_won    = $5,
		    matches_lost   = $6,
		    version        = version + 1,
		    updated_at     = now()
		WHERE id = $1 AND version = $2`,
		gp.ID, gp.Version, gp.CurrentRating, gp.MatchesPlayed, gp.MatchesWon, gp.MatchesLost)
	if err != nil {
		return false, fmt.Errorf("update group player %d: %w", gp.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Rankings returns the top-N rows of a group by rating, ties broken by
// ascending internal id, joined with player identity for rendering.
func (r *GroupRepo) Rankings(ctx context.Context, groupID int64, limit int) ([]model.RankingEntry, error) {
	if groupID <= 0 {
		return nil, fmt.Errorf("%w: group id must be positive", ErrInvalidArgument)
	}
	if limit <= 0 || limit > 100 {
		return nil, fmt.Errorf("%w: ranking limit %d outside [1, 100]", ErrInvalidArgument, limit)
	}

	rows, err := r.db.Querier(ctx).Query(ctx, `
		SELECT gp.player_id, p.platform_user_id, p.nickname,
		       gp.current_rating, gp.matches_played, gp.matches_won, gp.matches_lost
		FROM group_players gp
		JOIN players p ON p.id = gp.player_id
		WHERE gp.group_id = $1
		ORDER BY gp.current_rating DESC, gp.id ASC
		LIMIT $2`,
		groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("query rankings for group %d: %w", groupID, err)
	}
	defer rows.Close()

	entries := make([]model.RankingEntry, 0, limit)
	for rows.Next() {
		var e model.RankingEntry
		if err := rows.Scan(&e.PlayerID, &e.PlatformUserID, &e.Nickname,
			&e.Rating, &e.MatchesPlayed, &e.MatchesWon, &e.MatchesLost); err != nil {
			return nil, fmt.Errorf("scan ranking row for group %d: %w", groupID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rankings for group %d: %w", groupID, err)
	}
	return entries, nil
}

const topicColumns = "id, group_id, platform_topic_id, topic_type, created_at, updated_at"

func scanTopic(row pgx.Row) (*model.GroupTopic, error) {
	var t model.GroupTopic
	err := row.Scan(&t.ID, &t.GroupID, &t.PlatformTopicID, &t.Type, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ConfigureTopic binds (group, platform topic) to a topic type, refreshing
// the binding when it already exists.
func (r *GroupRepo) ConfigureTopic(ctx context.Context, topic *model.GroupTopic) (*model.GroupTopic, error) {
	if topic == nil {
		return nil, fmt.Errorf("%w: topic is nil", ErrInvalidArgument)
	}
	if topic.GroupID <= 0 {
		return nil, fmt.Errorf("%w: group id must be positive", ErrInvalidArgument)
	}
	if topic.PlatformTopicID < 0 {
		return nil, fmt.Errorf("%w: platform topic id must be non-negative", ErrInvalidArgument)
	}
	if !topic.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown topic type '%s'", ErrInvalidArgument, topic.Type)
	}

	stored, err := scanTopic(r.db.Querier(ctx).QueryRow(ctx, `
		INSERT INTO group_topics (group_id, platform_topic_id, topic_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, platform_topic_id, topic_type)
		DO UPDATE SET updated_at = now()
		RETURNING `+topicColumns,
		topic.GroupID, topic.PlatformTopicID, topic.Type))
	if err != nil {
		return nil, fmt.Errorf("configure topic (%d, %d, %s): %w", topic.GroupID, topic.PlatformTopicID, topic.Type, err)
	}
	return stored, nil
}

// Topic returns one exact (group, platform topic, type) binding.
func (r *GroupRepo) Topic(ctx context.Context, groupID, platformTopicID int64, topicType model.TopicType) (*model.GroupTopic, error) {
	if groupID <= 0 {
		return nil, fmt.Errorf("%w: group id must be positive", ErrInvalidArgument)
	}
	if !topicType.Valid() {
		return nil, fmt.Errorf("%w: unknown topic type '%s'", ErrInvalidArgument, topicType)
	}

	topic, err := scanTopic(r.db.Querier(ctx).QueryRow(ctx, `
		SELECT `+topicColumns+` FROM group_topics
		WHERE group_id = $1 AND platform_topic_id = $2 AND topic_type = $3`,
		groupID, platformTopicID, topicType))
	if err != nil {
		return nil, fmt.Errorf("get topic (%d, %d, %s): %w", groupID, platformTopicID, topicType, noRowsAsNotFound(err))
	}
	return topic, nil
}

// TopicsByType lists every topic of a type configured for a group. An empty
// result means commands of that family are accepted anywhere.
func (r *GroupRepo) TopicsByType(ctx context.Context, groupID int64, topicType model.TopicType) ([]model.GroupTopic, error) {
	if groupID <= 0 {
		return nil, fmt.Errorf("%w: group id must be positive", ErrInvalidArgument)
	}
	if !topicType.Valid() {
		return nil, fmt.Errorf("%w: unknown topic type '%s'", ErrInvalidArgument, topicType)
	}

	rows, err := r.db.Querier(ctx).Query(ctx, `
		SELECT `+topicColumns+` FROM group_topics
		WHERE group_id = $1 AND topic_type = $2
		ORDER BY id`,
		groupID, topicType)
	if err != nil {
		return nil, fmt.Errorf("query topics (%d, %s): %w", groupID, topicType, err)
	}
	defer rows.Close()

	var topics []model.GroupTopic
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan topic row (%d, %s): %w", groupID, topicType, err)
		}
		topics = append(topics, *topic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics (%d, %s): %w", groupID, topicType, err)
	}
	return topics, nil
}
