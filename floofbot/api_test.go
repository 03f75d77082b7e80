package floofbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newAPITestBot(t *testing.T) (*FloofBot, *mockDiscordSession) {
	t.Helper()
	bot, mock := newTestBot(t, nil)
	bot.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 0)
	return bot, mock
}

func apiRequest(
	t testing.TB,
	bot *FloofBot,
	method string,
	path string,
	body any,
	cookie *http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoErrorf(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

// login signs in as the test admin and returns the session cookie
func login(t testing.TB, bot *FloofBot) *http.Cookie {
	t.Helper()
	w := apiRequest(
		t, bot, http.MethodPost, apiPathLogin,
		userLogin{Username: "admin", Password: "hunter22"},
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestAPI_HealthCheck(t *testing.T) {
	bot, _ := newAPITestBot(t)
	bot.paused.Store(true)

	w := apiRequest(t, bot, http.MethodGet, apiHealthCheck, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	health := decodeJSON[healthCheckResponse](t, w)
	assert.True(t, health.Paused)
	assert.False(t, health.DiscordGatewayConnected)
	assert.Equal(t, Version, health.Version)
}

func TestAPI_LoggedIn(t *testing.T) {
	bot, _ := newAPITestBot(t)
	bot.config.API.Development = false

	cookie := login(t, bot)
	assert.Equal(t, sessionVarName, cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, int(bot.config.API.SessionMaxAge.Seconds()), cookie.MaxAge)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin", decodeJSON[loggedInResponse](t, w).Username)

	t.Run(
		"logout", func(t *testing.T) {
			w := apiRequest(t, bot, http.MethodPost, apiPathLogout, nil, cookie)
			require.Equal(t, http.StatusOK, w.Code)
			cookies := w.Result().Cookies()
			require.Len(t, cookies, 1)
			assert.Less(t, cookies[0].MaxAge, 0)
		},
	)
}

func TestAPI_LoginRejected(t *testing.T) {
	bot, _ := newAPITestBot(t)

	testCases := []struct {
		name     string
		body     any
		expected int
	}{
		{"wrong password", userLogin{Username: "admin", Password: "hunter23"}, http.StatusUnauthorized},
		{"wrong username", userLogin{Username: "root", Password: "hunter22"}, http.StatusUnauthorized},
		{"missing password", map[string]string{"username": "admin"}, http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				w := apiRequest(t, bot, http.MethodPost, apiPathLogin, tc.body, nil)
				assert.Equal(t, tc.expected, w.Code)
				assert.Empty(t, w.Result().Cookies())
			},
		)
	}
}

func TestAPI_LoginRateLimit(t *testing.T) {
	bot, _ := newTestBot(t, nil)
	bot.api.loginRequestLimiter = rate.NewLimiter(rate.Limit(0.001), 1)

	body := userLogin{Username: "admin", Password: "nope"}
	assert.Equal(
		t,
		http.StatusUnauthorized,
		apiRequest(t, bot, http.MethodPost, apiPathLogin, body, nil).Code,
	)
	assert.Equal(
		t,
		http.StatusTooManyRequests,
		apiRequest(t, bot, http.MethodPost, apiPathLogin, body, nil).Code,
	)
}

func TestAPI_NotLoggedIn(t *testing.T) {
	bot, _ := newAPITestBot(t)
	for _, path := range []string{apiPathLoggedIn, apiPathConfig, apiPathLeaderboard, apiPathTickets} {
		w := apiRequest(t, bot, http.MethodGet, apiPrefix+path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	bogus := &http.Cookie{Name: sessionVarName, Value: "not-a-session"}
	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, bogus)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_AdminSetup(t *testing.T) {
	bot, _ := newAPITestBot(t)

	w := apiRequest(t, bot, http.MethodGet, apiPathSetupStatus, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeJSON[setupResponse](t, w).Required)

	payload := adminSetupPayload{
		Username:        "floofadmin",
		Password:        "correct horse",
		ConfirmPassword: "correct horse",
	}
	w = apiRequest(t, bot, http.MethodPost, apiPathSetup, payload, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	bot.pendingSetup.Store(true)
	w = apiRequest(t, bot, http.MethodGet, apiPathSetupStatus, nil, nil)
	assert.True(t, decodeJSON[setupResponse](t, w).Required)

	// protected routes stay closed while setup is pending
	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathConfig, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	t.Run(
		"mismatched passwords", func(t *testing.T) {
			bad := payload
			bad.ConfirmPassword = "correct horses"
			w := apiRequest(t, bot, http.MethodPost, apiPathSetup, bad, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.True(t, bot.pendingSetup.Load())
		},
	)

	w = apiRequest(t, bot, http.MethodPost, apiPathSetup, payload, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.False(t, bot.pendingSetup.Load())

	rc := bot.RuntimeConfig()
	assert.Equal(t, "floofadmin", rc.AdminUsername)
	assert.NotEqual(t, "correct horse", rc.AdminPassword)

	w = apiRequest(
		t, bot, http.MethodPost, apiPathLogin,
		userLogin{Username: "floofadmin", Password: "correct horse"},
		nil,
	)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_GetConfig(t *testing.T) {
	bot, _ := newAPITestBot(t)
	cookie := login(t, bot)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathConfig, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	rc := decodeJSON[RuntimeConfig](t, w)
	assert.Equal(t, DefaultDiscordStatus, rc.DiscordCustomStatus)
	assert.Equal(t, "admin", rc.AdminUsername)
}

func TestAPI_UpdateConfig(t *testing.T) {
	bot, mock := newAPITestBot(t)
	cookie := login(t, bot)
	path := apiPrefix + apiPathConfig

	w := apiRequest(
		t, bot, http.MethodPatch, path,
		map[string]any{
			"discord_custom_status": "Howling at the moon",
			"paused":                true,
			"cog_log_level":         "DEBUG",
		},
		cookie,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rc := bot.RuntimeConfig()
	assert.Equal(t, "Howling at the moon", rc.DiscordCustomStatus)
	assert.True(t, rc.Paused)
	assert.True(t, bot.paused.Load())
	assert.Equal(t, DBLogLevelDebug, rc.CogLogLevel)
	assert.Equal(t, DBLogLevelDebug.Level(), bot.config.CogLogLevel.Level())

	var stored RuntimeConfig
	require.NoError(t, bot.db.Last(&stored).Error)
	assert.Equal(t, "Howling at the moon", stored.DiscordCustomStatus)
	assert.True(t, stored.Paused)

	mock.mu.Lock()
	require.NotEmpty(t, mock.statusUpdates)
	last := mock.statusUpdates[len(mock.statusUpdates)-1]
	mock.mu.Unlock()
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), last.Status)
	require.Len(t, last.Activities, 1)
	assert.Equal(t, "Howling at the moon", last.Activities[0].Name)

	testCases := []struct {
		name    string
		body    any
		errText string
	}{
		{"no changes", map[string]any{}, "no changes given"},
		{"bad log level", map[string]any{"log_level": "LOUD"}, "unknown log level: LOUD"},
		{"blank status", map[string]any{"discord_custom_status": "   "}, "notblank"},
		{"empty error message", map[string]any{"discord_error_message": ""}, "DiscordErrorMessage"},
		{"bad channel id", map[string]any{"discord_notification_channel_id": "general"}, "numeric"},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				w := apiRequest(t, bot, http.MethodPatch, path, tc.body, cookie)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				assert.Contains(t, decodeJSON[httpError](t, w).Error, tc.errText)
				assert.Equal(t, "Howling at the moon", bot.RuntimeConfig().DiscordCustomStatus)
			},
		)
	}
}

func TestAPI_UpdateConfig_NotificationChannel(t *testing.T) {
	bot, _ := newAPITestBot(t)
	cookie := login(t, bot)
	path := apiPrefix + apiPathConfig

	w := apiRequest(
		t, bot, http.MethodPatch, path,
		map[string]any{"discord_notification_channel_id": "123456"},
		cookie,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "123456", bot.RuntimeConfig().DiscordNotificationChannelID)

	w = apiRequest(
		t, bot, http.MethodPatch, path,
		map[string]any{"discord_notification_channel_id": ""},
		cookie,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, bot.RuntimeConfig().DiscordNotificationChannelID)

	var stored RuntimeConfig
	require.NoError(t, bot.db.Last(&stored).Error)
	assert.Empty(t, stored.DiscordNotificationChannelID)
}

func TestAPI_PauseResume(t *testing.T) {
	bot, _ := newAPITestBot(t)
	cookie := login(t, bot)

	pause := func() int {
		return apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathPause, nil, cookie).Code
	}
	resume := func() int {
		return apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathResume, nil, cookie).Code
	}

	assert.Equal(t, http.StatusConflict, resume())
	assert.Equal(t, http.StatusOK, pause())
	assert.True(t, bot.paused.Load())
	assert.True(t, bot.RuntimeConfig().Paused)
	assert.Equal(t, http.StatusConflict, pause())

	assert.Equal(t, http.StatusOK, resume())
	assert.False(t, bot.paused.Load())
	assert.False(t, bot.RuntimeConfig().Paused)
}

func TestAPI_Quit(t *testing.T) {
	bot, _ := newAPITestBot(t)
	cookie := login(t, bot)

	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathQuit, nil, cookie)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	bot.signalStop = make(chan struct{}, 1)
	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathQuit, nil, cookie)
	assert.Equal(t, http.StatusOK, w.Code)
	select {
	case <-bot.signalStop:
	default:
		t.Fatal("expected stop signal")
	}
}

func TestAPI_RegisterCommands(t *testing.T) {
	bot, mock := newAPITestBot(t)
	cookie := login(t, bot)

	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathRegisterCommands, nil, cookie)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	registered := decodeJSON[[]*discordgo.ApplicationCommand](t, w)
	assert.Len(t, registered, len(bot.router.applicationCommands()))

	mock.mu.Lock()
	assert.Len(t, mock.commands, len(registered))
	mock.mu.Unlock()

	mock.setErr("ApplicationCommandBulkOverwrite", errStub)
	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathRegisterCommands, nil, cookie)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAPI_Leaderboard(t *testing.T) {
	bot, _ := newAPITestBot(t)
	cookie := login(t, bot)
	seedLevels(t, bot, 30)

	get := func(query string) []leaderboardEntry {
		w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathLeaderboard+query, nil, cookie)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		return decodeJSON[[]leaderboardEntry](t, w)
	}

	entries := get("")
	require.Len(t, entries, defaultPageLimit)
	assert.Equal(t, leaderboardEntry{Rank: 1, UserID: "1029", Level: 30, XP: 29}, entries[0])

	entries = get("?limit=5&offset=2")
	require.Len(t, entries, 5)
	assert.Equal(t, 3, entries[0].Rank)
	assert.Equal(t, "1027", entries[0].UserID)

	entries = get("?limit=2&order=asc")
	require.Len(t, entries, 2)
	assert.Equal(t, 30, entries[0].Rank)
	assert.Equal(t, "1000", entries[0].UserID)

	assert.Empty(t, get("?offset=40"))

	for _, query := range []string{"?limit=101", "?limit=0&order=sideways", "?offset=-1"} {
		w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathLeaderboard+query, nil, cookie)
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}

func TestAPI_Activity(t *testing.T) {
	bot, _ := newAPITestBot(t)
	cookie := login(t, bot)
	ctx := context.Background()

	for idx, userID := range []string{"10", "11", "10"} {
		m := testMessage(fmt.Sprintf("m%d", idx), testUser(userID, "u"+userID))
		require.NoError(t, bot.activity.logMessage(ctx, m))
	}

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathActivity, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(
		t,
		[]activityEntry{
			{Rank: 1, UserID: "10", Messages: 2},
			{Rank: 2, UserID: "11", Messages: 1},
		},
		decodeJSON[[]activityEntry](t, w),
	)
}

func TestAPI_ListEndpoints(t *testing.T) {
	bot, _ := newAPITestBot(t)
	cookie := login(t, bot)
	ctx := context.Background()

	for _, ticket := range []*Ticket{
		{UserID: "10", ChannelID: "801", Open: true},
		{UserID: "11", ChannelID: "802", Open: false},
	} {
		_, err := bot.writeDB.Create(ctx, ticket)
		require.NoError(t, err)
	}
	for _, app := range []*Application{
		{UserID: "10", Status: ApplicationPending},
		{UserID: "12", Status: ApplicationDenied},
	} {
		_, err := bot.writeDB.Create(ctx, app)
		require.NoError(t, err)
	}
	require.NoError(t, bot.birthdays.set(ctx, "10", 7, 4))
	require.NoError(t, bot.birthdays.set(ctx, "11", 1, 2))
	_, err := bot.writeDB.Create(
		ctx,
		&ModerationAction{Action: moderationActionBan, ModeratorID: "1", TargetID: "13"},
	)
	require.NoError(t, err)

	t.Run(
		"tickets", func(t *testing.T) {
			w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathTickets+"?open=true", nil, cookie)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			tickets := decodeJSON[[]Ticket](t, w)
			require.Len(t, tickets, 1)
			assert.Equal(t, "801", tickets[0].ChannelID)

			w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathTickets+"?user_id=abc", nil, cookie)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		},
	)

	t.Run(
		"applications", func(t *testing.T) {
			w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathApplications+"?status=denied", nil, cookie)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			apps := decodeJSON[[]Application](t, w)
			require.Len(t, apps, 1)
			assert.Equal(t, "12", apps[0].UserID)

			w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathApplications+"?status=maybe", nil, cookie)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		},
	)

	t.Run(
		"birthdays", func(t *testing.T) {
			w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathBirthdays, nil, cookie)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			bdays := decodeJSON[[]Birthday](t, w)
			require.Len(t, bdays, 2)
			assert.Equal(t, "11", bdays[0].UserID)

			w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathBirthdays+"?month=7", nil, cookie)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Len(t, decodeJSON[[]Birthday](t, w), 1)

			w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathBirthdays+"?month=13", nil, cookie)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		},
	)

	t.Run(
		"moderation", func(t *testing.T) {
			w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathModeration+"?action=ban", nil, cookie)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			actions := decodeJSON[[]ModerationAction](t, w)
			require.Len(t, actions, 1)
			assert.Equal(t, "13", actions[0].TargetID)

			w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathModeration+"?action=yeet", nil, cookie)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		},
	)

	t.Run(
		"music queue", func(t *testing.T) {
			w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathMusicQueue, nil, cookie)
			require.Equal(t, http.StatusOK, w.Code)
			q := decodeJSON[queueSnapshot](t, w)
			assert.Nil(t, q.NowPlaying)
			assert.Empty(t, q.Upcoming)
		},
	)
}

func TestAPI_MetricsDisabled(t *testing.T) {
	bot, _ := newAPITestBot(t)
	w := apiRequest(t, bot, http.MethodGet, apiPathMetrics, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPaginateSlice(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, paginateSlice(items, Pagination{}))
	assert.Equal(t, []int{2, 3}, paginateSlice(items, Pagination{Limit: 2, Offset: 1}))
	assert.Equal(t, []int{5, 4}, paginateSlice(items, Pagination{Limit: 2, Order: Ascending}))
	assert.Equal(t, []int{}, paginateSlice(items, Pagination{Offset: 5}))
	// the input isn't reordered
	assert.Equal(t, 1, items[0])
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(requestIDMiddleware())

	var seen any
	r.GET(
		"/", func(c *gin.Context) {
			seen, _ = c.Get(xRequestIDHeader)
			c.Status(http.StatusNoContent)
		},
	)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
	assert.Equal(t, w.Header().Get(xRequestIDHeader), seen)
}

func TestGinContextLogger_ExistingLogger(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	first := ginContextLogger(c)
	assert.Same(t, first, ginContextLogger(c))
}
