package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/util"
)

const testToken = "123456:TEST-TOKEN-VALUE"

type fakeBotAPI struct {
	mu    sync.Mutex
	calls map[string][]json.RawMessage

	respond map[string]any
	fail    map[string]*apiEnvelope
}

func newFakeBotAPI() *fakeBotAPI {
	return &fakeBotAPI{
		calls:   map[string][]json.RawMessage{},
		respond: map[string]any{},
		fail:    map[string]*apiEnvelope{},
	}
}

func (f *fakeBotAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, len(r.URL.Path) > len("/bot"+testToken), "unexpected path %s", r.URL.Path)
		method := r.URL.Path[len("/bot"+testToken)+1:]

		var body json.RawMessage
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		f.mu.Lock()
		f.calls[method] = append(f.calls[method], body)
		failure := f.fail[method]
		result := f.respond[method]
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if failure != nil {
			_ = json.NewEncoder(w).Encode(failure)
			return
		}
		if result == nil {
			result = true
		}
		raw, err := json.Marshal(result)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(apiEnvelope{Ok: true, Result: raw})
	})
}

func (f *fakeBotAPI) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[method])
}

func (f *fakeBotAPI) lastCall(t *testing.T, method string, into any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := f.calls[method]
	require.NotEmpty(t, calls, "no calls to %s recorded", method)
	require.NoError(t, json.Unmarshal(calls[len(calls)-1], into))
}

func newTestWireClient(t *testing.T, api *fakeBotAPI) *Client {
	t.Helper()

	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)

	client, err := NewClient(ClientOptions{
		Token:          testToken,
		BaseURL:        server.URL,
		RequestTimeout: time.Second,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return client
}

func TestClientStartConfirmsIdentity(t *testing.T) {
	api := newFakeBotAPI()
	api.respond["getMe"] = User{ID: 42, IsBot: true, Username: "tt_bot"}
	client := newTestWireClient(t, api)

	require.Nil(t, client.Me())
	require.NoError(t, client.Start(context.Background()))

	me := client.Me()
	require.NotNil(t, me)
	assert.Equal(t, int64(42), me.ID)
	assert.Equal(t, "tt_bot", me.Username)
}

func TestSendMessageEncodesRequest(t *testing.T) {
	api := newFakeBotAPI()
	api.respond["sendMessage"] = Message{MessageID: 99, Chat: Chat{ID: -100}}
	client := newTestWireClient(t, api)

	sent, err := client.SendMessage(context.Background(), SendMessageRequest{
		ChatID:          -100,
		Text:            "rankings below",
		MessageThreadID: 7,
		ReplyParameters: &ReplyParameters{MessageID: 55},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(99), sent.MessageID)

	var request map[string]any
	api.lastCall(t, "sendMessage", &request)
	assert.Equal(t, float64(-100), request["chat_id"])
	assert.Equal(t, "rankings below", request["text"])
	assert.Equal(t, float64(7), request["message_thread_id"])
	assert.Equal(t, float64(55), request["reply_parameters"].(map[string]any)["message_id"])
}

func TestAPIErrorCarriesParameters(t *testing.T) {
	api := newFakeBotAPI()
	api.fail["sendMessage"] = &apiEnvelope{
		Ok:          false,
		ErrorCode:   429,
		Description: "Too Many Requests: retry after 17",
		Parameters:  &responseParameters{RetryAfter: 17},
	}
	client := newTestWireClient(t, api)

	_, err := client.SendMessage(context.Background(), SendMessageRequest{ChatID: 1, Text: "x"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.Code)
	assert.Equal(t, 17*time.Second, apiErr.RetryAfter)
	assert.True(t, apiErr.Transient())
}

func TestAPIErrorMigration(t *testing.T) {
	api := newFakeBotAPI()
	api.fail["sendMessage"] = &apiEnvelope{
		Ok:          false,
		ErrorCode:   400,
		Description: "Bad Request: group chat was upgraded to a supergroup chat",
		Parameters:  &responseParameters{MigrateToChatID: -100987},
	}
	client := newTestWireClient(t, api)

	_, err := client.SendMessage(context.Background(), SendMessageRequest{ChatID: -987, Text: "x"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, int64(-100987), apiErr.MigrateToChatID)
	assert.False(t, apiErr.Transient())
}

func TestTransportErrorsNeverLeakToken(t *testing.T) {
	client, err := NewClient(ClientOptions{
		Token:   testToken,
		BaseURL: "http://127.0.0.1:1",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = client.GetMe(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testToken)
	assert.Contains(t, err.Error(), util.SecretMarker)
}

func TestGetChatMember(t *testing.T) {
	api := newFakeBotAPI()
	api.respond["getChatMember"] = ChatMember{Status: MemberStatusAdministrator, User: User{ID: 5}}
	client := newTestWireClient(t, api)

	member, err := client.GetChatMember(context.Background(), -100, 5)
	require.NoError(t, err)
	assert.Equal(t, MemberStatusAdministrator, member.Status)

	var request map[string]any
	api.lastCall(t, "getChatMember", &request)
	assert.Equal(t, float64(-100), request["chat_id"])
	assert.Equal(t, float64(5), request["user_id"])
}

func TestSetMessageReaction(t *testing.T) {
	api := newFakeBotAPI()
	client := newTestWireClient(t, api)

	err := client.SetMessageReaction(context.Background(), SetMessageReactionRequest{
		ChatID:    -100,
		MessageID: 12,
		Reaction:  EmojiReaction("👀"),
	})
	require.NoError(t, err)

	var request map[string]any
	api.lastCall(t, "setMessageReaction", &request)
	reactions := request["reaction"].([]any)
	require.Len(t, reactions, 1)
	assert.Equal(t, "👀", reactions[0].(map[string]any)["emoji"])
}
