package suggestbot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPISecret = "test-api-secret"

func newTestAPIBot(t *testing.T, secret string) *SuggestBot {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.API.Enabled = true
	cfg.API.Secret = secret
	bot := newTestBot(t, cfg)
	require.NotNil(t, bot.api)
	return bot
}

func apiRequest(
	t *testing.T,
	bot *SuggestBot,
	method string,
	path string,
	token string,
) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", bearerPrefix+token)
	}
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	bot := newTestAPIBot(t, testAPISecret)

	w := apiRequest(t, bot, http.MethodGet, apiHealthCheck, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[healthCheckResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.DiscordGatewayConnected)

	_, err := uuid.Parse(w.Header().Get(xRequestIDHeader))
	assert.NoError(t, err)

	// valid client request IDs are kept
	requestID := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, apiHealthCheck, nil)
	req.Header.Set(xRequestIDHeader, requestID)
	w = httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	assert.Equal(t, requestID, w.Header().Get(xRequestIDHeader))
}

func TestAPI_Unauthorized(t *testing.T) {
	bot := newTestAPIBot(t, testAPISecret)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathStatus, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathStatus, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathStatus, testAPISecret)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_HashedSecret(t *testing.T) {
	hashed, err := HashSecret(testAPISecret)
	require.NoError(t, err)
	bot := newTestAPIBot(t, hashed)

	// the hash itself isn't accepted as a token
	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathMutes, hashed)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for n := 0; n < 2; n++ {
		w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathMutes, testAPISecret)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathMutes, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_Status(t *testing.T) {
	bot := newTestAPIBot(t, testAPISecret)
	ctx := context.Background()
	bot.messages.ObserveMessage(ctx, "alice")
	_, err := bot.votes.CastVote(ctx, "s1", "alice", VoteUp)
	require.NoError(t, err)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathStatus, testAPISecret)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[statusResponse](t, w)
	assert.Equal(t, Version, resp.Version)
	assert.Equal(t, int64(1), resp.MessagesObserved)
	assert.Equal(t, 1, resp.Users)
	assert.Equal(t, int64(1), resp.Votes.VotesCast)
	assert.Equal(t, int64(1), resp.Persistence.Flushes)
	assert.NotEmpty(t, resp.Started)

	metrics := bot.api.RequestMetrics()
	assert.Equal(t, 1, metrics[http.MethodGet+" "+apiPrefix+apiPathStatus])
}

func TestAPI_Suggestion(t *testing.T) {
	bot := newTestAPIBot(t, testAPISecret)
	ctx := context.Background()
	_, err := bot.votes.CastVote(ctx, "s1", "alice", VoteUp)
	require.NoError(t, err)
	_, err = bot.votes.CastVote(ctx, "s1", "bob", VoteUp)
	require.NoError(t, err)
	_, err = bot.votes.CastVote(ctx, "s1", "carol", VoteDown)
	require.NoError(t, err)

	w := apiRequest(t, bot, http.MethodGet, "/api/suggestions/s1?user_id=carol", testAPISecret)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[suggestionResponse](t, w)
	assert.Equal(t, "s1", resp.SuggestionID)
	assert.Equal(t, Tally{Up: 2, Down: 1}, resp.Tally)
	assert.Equal(t, int64(3), resp.Total)
	assert.Equal(t, 66.67, resp.View.UpPercent)
	require.NotNil(t, resp.UserVote)
	assert.Equal(t, VoteDown, *resp.UserVote)

	// unknown suggestions have an empty tally
	w = apiRequest(t, bot, http.MethodGet, "/api/suggestions/nope?user_id=carol", testAPISecret)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeJSON[suggestionResponse](t, w)
	assert.Equal(t, Tally{}, resp.Tally)
	assert.Nil(t, resp.UserVote)
}

func TestAPI_UserStats(t *testing.T) {
	bot := newTestAPIBot(t, testAPISecret)
	ctx := context.Background()
	for n := 0; n < 1234; n++ {
		bot.messages.ObserveMessage(ctx, "alice")
	}
	bot.mutes.Mute("alice")

	w := apiRequest(t, bot, http.MethodGet, "/api/users/alice/stats", testAPISecret)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[userStatsResponse](t, w)
	assert.Equal(t, "alice", resp.UserID)
	assert.Equal(t, int64(1234), resp.TotalMessages)
	assert.Equal(t, "1,234", resp.TotalMessagesDisplay)
	assert.True(t, resp.Muted)
}

func TestAPI_Flush(t *testing.T) {
	bot := newTestAPIBot(t, testAPISecret)
	ctx := context.Background()
	bot.messages.ObserveMessage(ctx, "alice")

	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathFlush, testAPISecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "flushed", decodeJSON[httpReply](t, w).Message)

	data, err := bot.store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, MessageCounts{"alice": 1}, data.MessageCounts)
}

func TestAPI_FlushFailure(t *testing.T) {
	bot := newTestAPIBot(t, testAPISecret)
	store := &failingStore{Store: bot.store}
	store.setFail(true)
	bot.persister.store = store

	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathFlush, testAPISecret)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decodeJSON[httpError](t, w).Error, errStoreUnavailable.Error())
}

func TestAPI_Mutes(t *testing.T) {
	bot := newTestAPIBot(t, testAPISecret)

	w := apiRequest(t, bot, http.MethodPut, "/api/mutes/bob", testAPISecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"bob"}, decodeJSON[mutesResponse](t, w).Muted)

	w = apiRequest(t, bot, http.MethodPut, "/api/mutes/alice", testAPISecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"alice", "bob"}, decodeJSON[mutesResponse](t, w).Muted)

	w = apiRequest(t, bot, http.MethodDelete, "/api/mutes/bob", testAPISecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"alice"}, decodeJSON[mutesResponse](t, w).Muted)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathMutes, testAPISecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"alice"}, decodeJSON[mutesResponse](t, w).Muted)
	assert.True(t, bot.mutes.IsMuted("alice"))
}

func TestAPI_RegisterCommands(t *testing.T) {
	bot := newTestAPIBot(t, testAPISecret)
	session, ok := bot.discord.session.(mockDiscordSession)
	require.True(t, ok)

	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathRegisterCommands, testAPISecret)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case commands := <-session.commands:
		require.Len(t, commands, 2)
		assert.Equal(t, DiscordSlashCommandStats, commands[0].Name)
		assert.Equal(t, DiscordSlashCommandSuggest, commands[1].Name)
	default:
		t.Fatal("expected commands to be registered")
	}
}

func TestAPI_QuitNotRunning(t *testing.T) {
	bot := newTestAPIBot(t, testAPISecret)
	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathQuit, testAPISecret)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
