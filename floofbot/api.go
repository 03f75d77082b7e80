package floofbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiPathMetrics          = "/metrics"
	apiPathConfig           = "/config"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiPathLeaderboard      = "/leaderboard"
	apiPathActivity         = "/activity"
	apiPathTickets          = "/tickets"
	apiPathApplications     = "/applications"
	apiPathBirthdays        = "/birthdays"
	apiPathModeration       = "/moderation"
	apiPathMusicQueue       = "/music/queue"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	defaultPageLimit = 25
)

var structValidator = validator.New()

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server. It serves runtime config changes,
// read-only views of the cogs' data, and prometheus metrics.
type API struct {
	config              *APIConfig
	bot                 *FloofBot
	httpServer          *http.Server
	listener            net.Listener
	listenerMu          sync.Mutex
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(bot *FloofBot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:              config,
		bot:                 bot,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger: slog.New(newLogHandler(os.Stdout, config.LogLevel)).With(
			loggerNameKey, "api",
		),
	}
	apiHandlers := NewAPIHandlers(bot, api)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return api, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.GET(apiPathMetrics, gin.WrapH(bot.metrics.handler()))
	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)
	protected.GET(apiPathLeaderboard, apiHandlers.getLeaderboard)
	protected.GET(apiPathActivity, apiHandlers.getActivity)
	protected.GET(apiPathTickets, apiHandlers.getTickets)
	protected.GET(apiPathApplications, apiHandlers.getApplications)
	protected.GET(apiPathBirthdays, apiHandlers.getBirthdays)
	protected.GET(apiPathModeration, apiHandlers.getModerationActions)
	protected.GET(apiPathMusicQueue, apiHandlers.getMusicQueue)

	return api, nil
}

// Serve listens on the configured address, with TLS if a cert is set,
// and serves until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	a.listenerMu.Lock()
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.listenerMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenerMu.Unlock()
	return a.httpServer.Serve(ln)
}

// addr is the base URL the API can be reached at
func (a *API) addr() string {
	scheme := "http"
	if a.httpServer.TLSConfig != nil {
		scheme = "https"
	}
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	if a.listener != nil {
		return fmt.Sprintf("%s://%s", scheme, a.listener.Addr().String())
	}
	return fmt.Sprintf("%s://%s", scheme, a.config.Listen)
}

// closeListener stops the server from accepting connections, used when
// startup fails after the API started serving
func (a *API) closeListener(ctx context.Context) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	if a.listener == nil {
		return
	}
	if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		a.logger.ErrorContext(ctx, "error closing listener", tint.Err(err))
	}
}

// close immediately closes the server and any active connections
func (a *API) close() {
	if a.httpServer == nil {
		return
	}
	if err := a.httpServer.Close(); err != nil {
		a.logger.Error("error closing http server", tint.Err(err))
	}
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not set in session")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers implements the API's endpoints
type APIHandlers struct {
	bot    *FloofBot
	api    *API
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the handlers and their session store. Without a
// configured secret, a random key is used, and sessions don't survive a
// restart.
func NewAPIHandlers(bot *FloofBot, api *API) *APIHandlers {
	logger := api.logger

	var secretKey []byte
	switch sk := bot.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(bot.config.API))
	return &APIHandlers{bot: bot, api: api, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// setupStatus reports whether admin credentials still need to be set
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.bot.pendingSetup.Load()})
}

// adminSetup sets the admin credentials. It's only allowed while setup
// is pending.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.bot.cfgMu.Lock()
	defer h.bot.cfgMu.Unlock()

	if !h.bot.pendingSetup.Load() || h.bot.runtimeConfig == nil {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")

	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	password, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}

	current := h.bot.runtimeConfig
	if _, err = h.bot.writeDB.Updates(
		c.Request.Context(),
		current,
		map[string]any{
			columnRuntimeConfigAdminUsername: payload.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	h.bot.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the admin credentials and starts a session. Login
// attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	rc := h.bot.RuntimeConfig()
	if rc.AdminUsername == "" || rc.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != rc.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := verifyPassword(rc.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil && session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	opts := sessionOptions(h.bot.config.API)
	session.Options = opts.ToGorillaOptions()
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.bot.paused.Load(),
			DiscordGatewayConnected: h.bot.discord.connected.Load(),
			Uptime:                  time.Since(h.bot.startedAt).Round(time.Second).String(),
			Version:                 Version,
		},
	)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	session.Options.MaxAge = -1
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// discordRegisterCommands overwrites the guild's slash commands
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	if h.bot.discord.session == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "discord session not ready"})
		return
	}
	created, err := h.bot.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.bot.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config,
// persists it, and applies the new log levels, paused state and status.
// If the result doesn't validate, nothing is changed.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	bot := h.bot
	logger := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := update.validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	changes := update.changes()
	if len(changes) == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "no changes given"})
		return
	}

	bot.cfgMu.Lock()
	if bot.runtimeConfig == nil {
		bot.cfgMu.Unlock()
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "bot not initialized"})
		return
	}
	previous := *bot.runtimeConfig
	updated := previous

	statusCode := http.StatusInternalServerError
	err := bot.writeDB.Transaction(
		c.Request.Context(),
		func(tx *gorm.DB) error {
			if err := tx.Model(&updated).Updates(changes).Error; err != nil {
				return err
			}
			if err := structValidator.Struct(updated); err != nil {
				statusCode = http.StatusBadRequest
				return err
			}
			return nil
		},
	)
	if err != nil {
		bot.cfgMu.Unlock()
		logger.Error("error updating config", tint.Err(err))
		c.JSON(statusCode, httpError{Error: fmt.Sprintf("error updating config: %s", err)})
		return
	}
	bot.runtimeConfig = &updated
	bot.cfgMu.Unlock()

	logger.Info("updated runtime config", "changes", changes)
	setRuntimeLevels(bot.config, updated)

	wasPaused := bot.paused.Swap(updated.Paused)
	switch {
	case wasPaused && !updated.Paused:
		logger.Info("unpaused bot")
	case updated.Paused && !wasPaused:
		logger.Warn("paused bot")
	}
	if previous.Paused != updated.Paused ||
		previous.DiscordCustomStatus != updated.DiscordCustomStatus {
		bot.updatePresence(c.Request.Context(), updated)
	}

	c.JSON(http.StatusOK, updated)
}

// botQuit triggers a graceful shutdown
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	if h.bot.signalStop == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "bot not running"})
		return
	}
	select {
	case h.bot.signalStop <- struct{}{}:
		ginReplyMessage(c, "quitting")
	case <-time.After(10 * time.Second):
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

func (h *APIHandlers) botPause(c *gin.Context) {
	if h.bot.Pause(c.Request.Context()) {
		ginReplyMessage(c, "bot paused")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot already paused"})
}

func (h *APIHandlers) botResume(c *gin.Context) {
	if h.bot.Resume(c.Request.Context()) {
		ginReplyMessage(c, "bot resumed")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot not paused"})
}

// getLeaderboard returns the ranked levels
func (h *APIHandlers) getLeaderboard(c *gin.Context) {
	var q Pagination
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	levels, err := h.bot.leveling.all(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting levels")
		return
	}
	ranks := rankLevels(levels)
	out := make([]leaderboardEntry, 0, len(ranks))
	for _, r := range ranks {
		out = append(
			out,
			leaderboardEntry{Rank: r.Rank, UserID: r.Entry.UserID, Level: r.Entry.Level, XP: r.Entry.XP},
		)
	}
	c.JSON(http.StatusOK, paginateSlice(out, q))
}

// getActivity returns ranked message counts within the activity window
func (h *APIHandlers) getActivity(c *gin.Context) {
	var q Pagination
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	counts, err := h.bot.activity.counts(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting activity")
		return
	}
	ranks := rankActivity(counts)
	out := make([]activityEntry, 0, len(ranks))
	for _, r := range ranks {
		out = append(out, activityEntry{Rank: r.Rank, UserID: r.Entry.UserID, Messages: r.Entry.Messages})
	}
	c.JSON(http.StatusOK, paginateSlice(out, q))
}

func (h *APIHandlers) getTickets(c *gin.Context) {
	var q GetTicketsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	db := q.Pagination.apply(h.bot.db.WithContext(c.Request.Context()), "created_at")
	if q.Open != nil {
		db = db.Where("open = ?", *q.Open)
	}
	if q.UserID != "" {
		db = db.Where("user_id = ?", q.UserID)
	}
	var tickets []Ticket
	if err := db.Find(&tickets).Error; err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting tickets")
		return
	}
	c.JSON(http.StatusOK, tickets)
}

func (h *APIHandlers) getApplications(c *gin.Context) {
	var q GetApplicationsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	db := q.Pagination.apply(h.bot.db.WithContext(c.Request.Context()), "created_at")
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.UserID != "" {
		db = db.Where("user_id = ?", q.UserID)
	}
	var apps []Application
	if err := db.Find(&apps).Error; err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting applications")
		return
	}
	c.JSON(http.StatusOK, apps)
}

func (h *APIHandlers) getBirthdays(c *gin.Context) {
	var q GetBirthdaysQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	db := h.bot.db.WithContext(c.Request.Context()).Order("month, day")
	if q.Month != 0 {
		db = db.Where("month = ?", q.Month)
	}
	var bdays []Birthday
	if err := db.Find(&bdays).Error; err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting birthdays")
		return
	}
	c.JSON(http.StatusOK, bdays)
}

func (h *APIHandlers) getModerationActions(c *gin.Context) {
	var q GetModerationQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	db := q.Pagination.apply(h.bot.db.WithContext(c.Request.Context()), "created_at")
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	if q.TargetID != "" {
		db = db.Where("target_id = ?", q.TargetID)
	}
	var actions []ModerationAction
	if err := db.Find(&actions).Error; err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting moderation actions")
		return
	}
	c.JSON(http.StatusOK, actions)
}

func (h *APIHandlers) getMusicQueue(c *gin.Context) {
	c.JSON(http.StatusOK, h.bot.music.snapshot(h.bot.guildID()))
}

// Pagination is the paging query shared by list endpoints
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

func (p Pagination) limit() int {
	if p.Limit == 0 {
		return defaultPageLimit
	}
	return p.Limit
}

// apply adds limit, offset and ordering by column to db
func (p Pagination) apply(db *gorm.DB, column string) *gorm.DB {
	order := Descending
	if p.Order != "" {
		order = p.Order
	}
	return db.Order(fmt.Sprintf("%s %s", column, order)).Limit(p.limit()).Offset(p.Offset)
}

// paginateSlice applies offset and limit to an already sorted slice
func paginateSlice[T any](items []T, p Pagination) []T {
	if p.Order == Ascending {
		items = slices.Clone(items)
		slices.Reverse(items)
	}
	if p.Offset >= len(items) {
		return []T{}
	}
	end := min(p.Offset+p.limit(), len(items))
	return items[p.Offset:end]
}

type GetTicketsQuery struct {
	Pagination
	Open   *bool  `form:"open"`
	UserID string `form:"user_id" binding:"omitempty,numeric"`
}

type GetApplicationsQuery struct {
	Pagination
	Status string `form:"status" binding:"omitempty,oneof=pending accepted denied kicked banned"`
	UserID string `form:"user_id" binding:"omitempty,numeric"`
}

type GetBirthdaysQuery struct {
	Month int `form:"month" binding:"omitempty,min=1,max=12"`
}

type GetModerationQuery struct {
	Pagination
	Action   string `form:"action" binding:"omitempty,oneof=ban kick lock unlock"`
	TargetID string `form:"target_id" binding:"omitempty,numeric"`
}

// Sort is the order results are returned in, "asc" or "desc"
type Sort string

type leaderboardEntry struct {
	Rank   int    `json:"rank"`
	UserID string `json:"user_id"`
	Level  int    `json:"level"`
	XP     int    `json:"xp"`
}

type activityEntry struct {
	Rank     int    `json:"rank"`
	UserID   string `json:"user_id"`
	Messages int64  `json:"messages"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool   `json:"paused"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Uptime                  string `json:"uptime"`
	Version                 string `json:"version"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,min=8,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse tells a client whether admin credentials still need to
// be set
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware rejects requests without a logged-in session. While
// setup is pending, everything is rejected.
func authMiddleware(api *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if api.bot.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, err := api.getSessionUsername(c)
		if err != nil {
			logger.Warn("no session user", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware sets a unique request ID on the context and the
// response headers
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating it with the
// request details the first time
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		loggerNameKey, "api",
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateMusicConfig, MusicConfig{})
	structValidator.RegisterStructValidation(
		validateRuntimeUpdateLimits,
		RuntimeConfigUpdate{},
	)
}
