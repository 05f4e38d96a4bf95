package command

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/model"
)

type fakeTopics struct {
	byType map[model.TopicType][]model.GroupTopic
	err    error
}

func (f *fakeTopics) TopicsByType(_ context.Context, _ int64, topicType model.TopicType) ([]model.GroupTopic, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byType[topicType], nil
}

type fakeAdmins struct {
	admins map[int64]bool
	err    error
	calls  int
}

func (f *fakeAdmins) IsAdmin(_ context.Context, _ int64, userID int64) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.admins[userID], nil
}

func newTestRouter(t *testing.T, options RouterOptions) *Router {
	t.Helper()

	if options.Topics == nil {
		options.Topics = &fakeTopics{}
	}
	if options.Admins == nil {
		options.Admins = &fakeAdmins{}
	}

	router, err := NewRouter(options)
	require.NoError(t, err)
	return router
}

// teach routes a plain chatter message so the router learns the
// username/id pair from the sender.
func teach(t *testing.T, router *Router, id int64, username string) {
	t.Helper()

	cmd, err := router.Route(context.Background(), 1, Message{
		ChatID:         1,
		SenderID:       id,
		SenderUsername: username,
		Text:           "morning everyone",
	})
	require.NoError(t, err)
	require.Nil(t, cmd)
}

func TestNewRouterRejectsInvalidOptions(t *testing.T) {
	_, err := NewRouter(RouterOptions{Admins: &fakeAdmins{}})
	require.Error(t, err)

	_, err = NewRouter(RouterOptions{Topics: &fakeTopics{}})
	require.Error(t, err)
}

func TestRouteIgnoresChatter(t *testing.T) {
	router := newTestRouter(t, RouterOptions{})

	for _, text := range []string{
		"",
		"nice game yesterday",
		"ping me at /match time", // command word not at the start
		"/",
		"/MATCH @a @b 3 1", // commands are lowercase
	} {
		cmd, err := router.Route(context.Background(), 1, Message{ChatID: 1, SenderID: 5, Text: text})
		require.NoError(t, err, text)
		assert.Nil(t, cmd, text)
	}
}

func TestRouteCommandGrammar(t *testing.T) {
	router := newTestRouter(t, RouterOptions{
		BotUsername: func() string { return "PongBot" },
	})
	teach(t, router, 11, "alice")
	teach(t, router, 22, "bob")

	tests := []struct {
		name    string
		text    string
		reply   int64
		want    *Command
		wantErr error
	}{
		{name: "start", text: "/start", want: &Command{Kind: KindStart}},
		{name: "start with noise", text: "/start now please", wantErr: ErrBadFormat},
		{name: "help", text: "/help", want: &Command{Kind: KindHelp}},
		{name: "ranking", text: "/ranking", want: &Command{Kind: KindRanking}},
		{name: "rank alias", text: "/rank", want: &Command{Kind: KindRanking}},
		{name: "ranking with noise", text: "/ranking all", wantErr: ErrBadFormat},
		{name: "id", text: "/id alice42", want: &Command{Kind: KindID, ID: IDArgs{Nickname: "alice42"}}},
		{name: "id missing nickname", text: "/id", wantErr: ErrBadFormat},
		{name: "id two tokens", text: "/id alice 42", wantErr: ErrBadFormat},
		{name: "id nickname too long", text: "/id " + strings.Repeat("x", 65), wantErr: ErrBadFormat},
		{name: "id guest", text: "/id_guest", want: &Command{Kind: KindIDGuest}},
		{name: "id guest with noise", text: "/id_guest someone", wantErr: ErrBadFormat},
		{
			name:  "undo as reply",
			text:  "/undo",
			reply: 9001,
			want:  &Command{Kind: KindUndo, Undo: UndoArgs{ReplyToMessageID: 9001}},
		},
		{name: "undo bare", text: "/undo", want: &Command{Kind: KindUndo}},
		{name: "undo with noise", text: "/undo that one", wantErr: ErrBadFormat},
		{
			name: "match",
			text: "/match @alice @bob 3 1",
			want: &Command{Kind: KindMatch, Match: MatchArgs{
				Player1: PlayerRef{PlatformID: 11, Username: "alice"},
				Player2: PlayerRef{PlatformID: 22, Username: "bob"},
				Score1:  3,
				Score2:  1,
			}},
		},
		{
			name: "match addressed to us",
			text: "/match@PongBot @alice @bob 2 3",
			want: &Command{Kind: KindMatch, Match: MatchArgs{
				Player1: PlayerRef{PlatformID: 11, Username: "alice"},
				Player2: PlayerRef{PlatformID: 22, Username: "bob"},
				Score1:  2,
				Score2:  3,
			}},
		},
		{
			name: "trailing whitespace tolerated",
			text: "/match @alice @bob 3 1  \n",
			want: &Command{Kind: KindMatch, Match: MatchArgs{
				Player1: PlayerRef{PlatformID: 11, Username: "alice"},
				Player2: PlayerRef{PlatformID: 22, Username: "bob"},
				Score1:  3,
				Score2:  1,
			}},
		},
		{name: "match missing score", text: "/match @alice @bob 3", wantErr: ErrBadFormat},
		{name: "match plain names", text: "/match alice bob 3 1", wantErr: ErrBadFormat},
		{name: "match negative score", text: "/match @alice @bob 3 -1", wantErr: ErrBadFormat},
		{name: "match trailing noise", text: "/match @alice @bob 3 1 gg", wantErr: ErrBadFormat},
		{name: "match huge score", text: "/match @alice @bob 3 99999999999999999999", wantErr: ErrBadFormat},
		{name: "match same player", text: "/match @alice @alice 3 1", wantErr: ErrBadFormat},
		{name: "match goalless", text: "/match @alice @bob 0 0", wantErr: ErrBadFormat},
		{name: "config topic bad type", text: "/config_topic everything", wantErr: ErrBadFormat},
		{name: "unknown addressed to us", text: "/frobnicate@PongBot", wantErr: ErrUnknownCommand},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := router.Route(context.Background(), 1, Message{
				ChatID:           1,
				SenderID:         5,
				SenderUsername:   "carol",
				MessageID:        77,
				Text:             tc.text,
				ReplyToMessageID: tc.reply,
			})
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				var reject *Reject
				require.ErrorAs(t, err, &reject)
				assert.NotEmpty(t, reject.Reason)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, cmd)
		})
	}
}

func TestRouteIgnoresOtherBots(t *testing.T) {
	router := newTestRouter(t, RouterOptions{
		BotUsername: func() string { return "PongBot" },
	})
	teach(t, router, 11, "alice")
	teach(t, router, 22, "bob")

	for _, text := range []string{
		"/match@ScoreKeeperBot @alice @bob 3 1",
		"/start@ScoreKeeperBot",
		"/frobnicate", // unknown and unaddressed, could be anyone's
	} {
		cmd, err := router.Route(context.Background(), 1, Message{ChatID: 1, SenderID: 5, Text: text})
		require.NoError(t, err, text)
		assert.Nil(t, cmd, text)
	}

	// Address matching is case-insensitive, like the platform's.
	cmd, err := router.Route(context.Background(), 1, Message{ChatID: 1, SenderID: 5, Text: "/start@pongbot"})
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, KindStart, cmd.Kind)
}

func TestRouteWithoutOwnUsernameClaimsAddressedCommands(t *testing.T) {
	for name, fn := range map[string]func() string{
		"nil source":   nil,
		"empty source": func() string { return "" },
	} {
		t.Run(name, func(t *testing.T) {
			router := newTestRouter(t, RouterOptions{BotUsername: fn})

			cmd, err := router.Route(context.Background(), 1, Message{ChatID: 1, SenderID: 5, Text: "/start@SomeBot"})
			require.NoError(t, err)
			require.NotNil(t, cmd)
			assert.Equal(t, KindStart, cmd.Kind)
		})
	}
}

func TestRouteUsageSuffix(t *testing.T) {
	router := newTestRouter(t, RouterOptions{})

	tests := []struct {
		text     string
		contains string
	}{
		{text: "/match help", contains: "/match @player1 @player2"},
		{text: "/id help", contains: "/id <nickname>"},
		{text: "/undo help", contains: "/undo"},
		{text: "/config_topic help", contains: "/config_topic"},
	}
	for _, tc := range tests {
		cmd, err := router.Route(context.Background(), 1, Message{ChatID: 1, SenderID: 5, Text: tc.text})
		require.NoError(t, err, tc.text)
		require.NotNil(t, cmd, tc.text)
		assert.Equal(t, KindUsage, cmd.Kind, tc.text)
		assert.Contains(t, cmd.Usage, tc.contains, tc.text)
	}
}

func TestRouteMentionResolution(t *testing.T) {
	t.Run("text mention entity wins", func(t *testing.T) {
		router := newTestRouter(t, RouterOptions{})
		teach(t, router, 22, "bob")

		// @ghost has no cache entry; the covering text mention entity
		// supplies the id. "/match @" is 8 UTF-16 units, the entity
		// covers "@ghost".
		cmd, err := router.Route(context.Background(), 1, Message{
			ChatID:   1,
			SenderID: 5,
			Text:     "/match @ghost @bob 2 3",
			Entities: []Entity{{Type: EntityTextMention, Offset: 7, Length: 6, UserID: 77}},
		})
		require.NoError(t, err)
		require.NotNil(t, cmd)
		assert.Equal(t, PlayerRef{PlatformID: 77, Username: "ghost"}, cmd.Match.Player1)
		assert.Equal(t, PlayerRef{PlatformID: 22, Username: "bob"}, cmd.Match.Player2)
	})

	t.Run("entity teaches the cache for later", func(t *testing.T) {
		router := newTestRouter(t, RouterOptions{})
		teach(t, router, 22, "bob")

		_, err := router.Route(context.Background(), 1, Message{
			ChatID:   1,
			SenderID: 5,
			Text:     "have you met dave?",
			Entities: []Entity{{Type: EntityTextMention, Offset: 13, Length: 4, UserID: 44, Username: "dave"}},
		})
		require.NoError(t, err)

		cmd, err := router.Route(context.Background(), 1, Message{
			ChatID:   1,
			SenderID: 5,
			Text:     "/match @dave @bob 3 2",
		})
		require.NoError(t, err)
		require.NotNil(t, cmd)
		assert.Equal(t, int64(44), cmd.Match.Player1.PlatformID)
	})

	t.Run("sender resolves themselves in the same message", func(t *testing.T) {
		router := newTestRouter(t, RouterOptions{})
		teach(t, router, 22, "bob")

		cmd, err := router.Route(context.Background(), 1, Message{
			ChatID:         1,
			SenderID:       11,
			SenderUsername: "alice",
			Text:           "/match @alice @bob 3 0",
		})
		require.NoError(t, err)
		require.NotNil(t, cmd)
		assert.Equal(t, int64(11), cmd.Match.Player1.PlatformID)
	})

	t.Run("lookup is case-insensitive", func(t *testing.T) {
		router := newTestRouter(t, RouterOptions{})
		teach(t, router, 11, "Alice")
		teach(t, router, 22, "bob")

		cmd, err := router.Route(context.Background(), 1, Message{
			ChatID:   1,
			SenderID: 5,
			Text:     "/match @aLiCe @bob 1 2",
		})
		require.NoError(t, err)
		require.NotNil(t, cmd)
		assert.Equal(t, int64(11), cmd.Match.Player1.PlatformID)
	})

	t.Run("stranger stays unresolved", func(t *testing.T) {
		router := newTestRouter(t, RouterOptions{})
		teach(t, router, 22, "bob")

		_, err := router.Route(context.Background(), 1, Message{
			ChatID:   1,
			SenderID: 5,
			Text:     "/match @stranger @bob 3 1",
		})
		require.ErrorIs(t, err, ErrUnresolvedMention)
		var reject *Reject
		require.ErrorAs(t, err, &reject)
		assert.Contains(t, reject.Reason, "stranger")
	})
}

func TestRouteTopicScoping(t *testing.T) {
	topics := &fakeTopics{byType: map[model.TopicType][]model.GroupTopic{
		model.TopicTypeMatches: {{PlatformTopicID: 42}},
		model.TopicTypeID:      {{PlatformTopicID: 7}, {PlatformTopicID: 8}},
	}}
	router := newTestRouter(t, RouterOptions{Topics: topics, TopicsEnabled: true})
	teach(t, router, 11, "alice")
	teach(t, router, 22, "bob")

	tests := []struct {
		name       string
		text       string
		topicID    int64
		wantErr    error
		wantReason string
	}{
		{name: "match in its topic", text: "/match @alice @bob 3 1", topicID: 42},
		{name: "match in another topic", text: "/match @alice @bob 3 1", topicID: 13, wantErr: ErrWrongTopic,
			wantReason: "Match commands must be used in the matches topic"},
		{name: "match in general space", text: "/match @alice @bob 3 1", wantErr: ErrWrongTopic},
		{name: "id in first id topic", text: "/id alice42", topicID: 7},
		{name: "id in second id topic", text: "/id alice42", topicID: 8},
		{name: "id in matches topic", text: "/id alice42", topicID: 42, wantErr: ErrWrongTopic,
			wantReason: "Identity commands must be used in the id topic"},
		{name: "guest id scoped like id", text: "/id_guest", topicID: 42, wantErr: ErrWrongTopic},
		{name: "ranking is unscoped", text: "/ranking", topicID: 13},
		{name: "undo is unscoped", text: "/undo", topicID: 13},
		{name: "usage bypasses scoping", text: "/match help", topicID: 13},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := router.Route(context.Background(), 1, Message{
				ChatID:   1,
				SenderID: 5,
				Text:     tc.text,
				TopicID:  tc.topicID,
			})
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				if tc.wantReason != "" {
					var reject *Reject
					require.ErrorAs(t, err, &reject)
					assert.Contains(t, reject.Reason, tc.wantReason)
				}
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cmd)
		})
	}

	t.Run("no configured topics means anywhere", func(t *testing.T) {
		open := newTestRouter(t, RouterOptions{Topics: &fakeTopics{}, TopicsEnabled: true})
		teach(t, open, 11, "alice")
		teach(t, open, 22, "bob")

		cmd, err := open.Route(context.Background(), 1, Message{
			ChatID: 1, SenderID: 5, Text: "/match @alice @bob 3 1", TopicID: 555,
		})
		require.NoError(t, err)
		require.NotNil(t, cmd)
	})

	t.Run("disabled scoping accepts any topic", func(t *testing.T) {
		relaxed := newTestRouter(t, RouterOptions{Topics: topics, TopicsEnabled: false})
		teach(t, relaxed, 11, "alice")
		teach(t, relaxed, 22, "bob")

		cmd, err := relaxed.Route(context.Background(), 1, Message{
			ChatID: 1, SenderID: 5, Text: "/match @alice @bob 3 1", TopicID: 13,
		})
		require.NoError(t, err)
		require.NotNil(t, cmd)
	})

	t.Run("store failure is not a reject", func(t *testing.T) {
		broken := newTestRouter(t, RouterOptions{
			Topics:        &fakeTopics{err: errors.New("connection refused")},
			TopicsEnabled: true,
		})
		teach(t, broken, 11, "alice")
		teach(t, broken, 22, "bob")

		_, err := broken.Route(context.Background(), 1, Message{
			ChatID: 1, SenderID: 5, Text: "/match @alice @bob 3 1", TopicID: 42,
		})
		require.Error(t, err)
		var reject *Reject
		assert.False(t, errors.As(err, &reject))
	})
}

func TestRouteConfigTopic(t *testing.T) {
	t.Run("admin binds the current topic", func(t *testing.T) {
		admins := &fakeAdmins{admins: map[int64]bool{5: true}}
		router := newTestRouter(t, RouterOptions{Admins: admins})

		cmd, err := router.Route(context.Background(), 1, Message{
			ChatID:   -100444,
			SenderID: 5,
			Text:     "/config_topic matches",
			TopicID:  9,
		})
		require.NoError(t, err)
		require.NotNil(t, cmd)
		assert.Equal(t, KindConfigTopic, cmd.Kind)
		assert.Equal(t, model.TopicTypeMatches, cmd.ConfigTopic.Type)
		assert.Equal(t, int64(9), cmd.ConfigTopic.TopicID)
		assert.Equal(t, 1, admins.calls)
	})

	t.Run("non-admin is refused", func(t *testing.T) {
		router := newTestRouter(t, RouterOptions{Admins: &fakeAdmins{}})

		_, err := router.Route(context.Background(), 1, Message{
			ChatID:   -100444,
			SenderID: 5,
			Text:     "/config_topic ranking",
		})
		require.ErrorIs(t, err, ErrNotAdmin)
	})

	t.Run("bad type skips the admin check", func(t *testing.T) {
		admins := &fakeAdmins{admins: map[int64]bool{5: true}}
		router := newTestRouter(t, RouterOptions{Admins: admins})

		_, err := router.Route(context.Background(), 1, Message{
			ChatID:   -100444,
			SenderID: 5,
			Text:     "/config_topic lounge",
		})
		require.ErrorIs(t, err, ErrBadFormat)
		assert.Zero(t, admins.calls)
	})

	t.Run("admin check failure is not a reject", func(t *testing.T) {
		router := newTestRouter(t, RouterOptions{
			Admins: &fakeAdmins{err: errors.New("api timeout")},
		})

		_, err := router.Route(context.Background(), 1, Message{
			ChatID:   -100444,
			SenderID: 5,
			Text:     "/config_topic logs",
		})
		require.Error(t, err)
		var reject *Reject
		assert.False(t, errors.As(err, &reject))
	})
}

func TestUTF16Length(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{in: "", want: 0},
		{in: "abc", want: 3},
		{in: "цуркан", want: 6},
		{in: "🏓", want: 2},
		{in: "a🏓b", want: 4},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, utf16Length(tc.in), tc.in)
	}
}
