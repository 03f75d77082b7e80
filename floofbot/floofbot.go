package floofbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/natefinch/lumberjack"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/RainbowTabitha/FloofBot/floofbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	// setupCheckInterval is how often Run checks whether admin credentials
	// have been set while it's waiting on initial setup
	setupCheckInterval = 5 * time.Second

	// shutdownAnnouncementInterval is how often the remaining time is
	// logged while waiting on a graceful shutdown
	shutdownAnnouncementInterval = 10 * time.Second
)

// FloofBot is the bot itself. It owns the database, the discord session,
// the admin API and the state of every cog.
type FloofBot struct {
	config *Config

	// read connection
	db *gorm.DB

	// write connection. With sqlite, writes are serialized through a mutex.
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	// logFile is set when logs are mirrored to a rotating file
	logFile *lumberjack.Logger

	discord *Discord
	api     *API
	metrics *botMetrics
	roles   *roleResolver
	members *memberCache
	router  *router

	moderation   *Moderation
	leveling     *Leveling
	activity     *Activity
	birthdays    *Birthdays
	references   *References
	music        *Music
	stats        *Stats
	applications *Applications
	tickets      *Tickets

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting up
	signalReady chan struct{}

	// eventShutdown has a value sent on it when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// If true, only staff commands are handled
	paused atomic.Bool

	startedAt time.Time

	// pendingSetup is true until admin credentials are set. Run holds
	// after starting the API until they are.
	pendingSetup atomic.Bool

	// getInteractionHandlerFunc returns the InteractionHandler used for
	// each interaction. Tests swap it out.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// timers tracks goroutines that edit a response after a delay, like
	// removing pagination buttons
	timers        sync.WaitGroup
	timersRunning atomic.Int64
}

// New creates a FloofBot from the given config. The database isn't opened
// and discord isn't connected until Run is called.
func New(config *Config) (*FloofBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres, dbTypeMySQL:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite', 'postgres' or 'mysql')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	bot := &FloofBot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	w, logFile := logOutput(config.LogFile)
	bot.logFile = logFile

	bot.logHandler = newLogHandler(w, config.LogLevel)
	bot.logger = slog.New(bot.logHandler)
	slog.SetDefault(bot.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(w, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	config.Discord.httpClient = config.HTTPClient
	disc := newDiscord(config.Discord)
	disc.logger = slog.New(
		newLogHandler(w, config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	disc.bot = bot
	bot.discord = disc

	bot.metrics = newBotMetrics(config.Metrics, bot)
	bot.roles = newRoleResolver(bot)
	bot.members = newMemberCache(bot)

	cogHandler := newLogHandler(w, config.CogLogLevel)
	cogLogger := func(name string) *slog.Logger {
		return slog.New(cogHandler).With(loggerNameKey, name)
	}

	bot.moderation = newModeration(bot, cogLogger("moderation"))
	bot.leveling = newLeveling(bot, config.Leveling, cogLogger("leveling"))
	bot.activity = newActivity(bot, config.Activity, cogLogger("activity"))
	birthdays, err := newBirthdays(bot, config.Birthdays, cogLogger("birthdays"))
	errs = append(errs, err)
	bot.birthdays = birthdays
	bot.stats = newStats(bot, config.Stats, cogLogger("stats"))
	bot.applications = newApplications(bot, config.Applications, cogLogger("applications"))
	bot.tickets = newTickets(bot, config.Tickets, cogLogger("tickets"))

	refs, err := newReferences(bot, config.References, cogLogger("references"))
	errs = append(errs, err)
	bot.references = refs

	bot.music = newMusic(bot, config.Music, cogLogger("music"))

	bot.router = newRouter(
		bot,
		bot.moderation,
		bot.leveling,
		bot.activity,
		bot.birthdays,
		bot.references,
		bot.music,
		bot.stats,
		bot.applications,
		bot.tickets,
	)

	api, err := newAPI(bot, config.API)
	errs = append(errs, err)
	bot.api = api

	return bot, errors.Join(errs...)
}

func (bot *FloofBot) ValidateConfig() error {
	return structValidator.Struct(bot.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (bot *FloofBot) RuntimeConfig() RuntimeConfig {
	bot.cfgMu.RLock()
	defer bot.cfgMu.RUnlock()
	if bot.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *bot.runtimeConfig
}

// RegisterSlashCommands overwrites the guild's commands with every command
// the cogs provide
func (bot *FloofBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return bot.discord.registerCommands(bot.router.applicationCommands(), options...)
}

// Run starts the bot and blocks until ctx is cancelled, or a stop signal
// is received, then shuts down.
func (bot *FloofBot) Run(ctx context.Context) error {
	bot.runMu.Lock()
	defer bot.runMu.Unlock()

	bot.signalStop = make(chan struct{}, 1)
	bot.startedAt = time.Now()
	logger := bot.logger

	if bot.logFile != nil {
		defer func() {
			_ = bot.logFile.Close()
		}()
	}

	if err := bot.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	// everything spawned while running, which shutdown waits on
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", bot.config))
	if bot.signalReady == nil {
		bot.signalReady = make(chan struct{}, 1)
	}

	// the 'runtime' context, which triggers a graceful shutdown when
	// cancelled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-bot.signalStop:
			bot.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			bot.logger.Warn("context canceled, sending stop signal")
			bot.signalStop <- struct{}{}
		}
	}()

	if bot.config.API.Enabled {
		go func() {
			httpErr := bot.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				bot.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, bot.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- bot.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			bot.api.closeListener(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if setupErr := bot.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	if discErr := bot.initDiscordSession(ctx, runtimeWG); discErr != nil {
		bot.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err := bot.discordInit(ctx, logger); err != nil {
		return err
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if err := bot.runPeriodicTasks(ctx); err != nil {
			logger.ErrorContext(ctx, "periodic tasks stopped", tint.Err(err))
		}
	}()

	bot.signalReady <- struct{}{}
	bot.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the runtime context - generally an
	// interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return bot.shutdown(ctx, runtimeWG)
}

// waitOnSetup holds Run until admin credentials exist, when the API is
// enabled and they haven't been set yet
func (bot *FloofBot) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !bot.pendingSetup.Load() || !bot.config.API.Enabled {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf("pending initial setup at: %s%s", bot.api.addr(), apiPathSetup),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var runtimeState RuntimeConfig
			if err := bot.db.WithContext(ctx).Last(&runtimeState).Error; err != nil {
				logger.ErrorContext(ctx, "error getting runtime state", tint.Err(err))
			}
			if runtimeState.AdminUsername != "" && runtimeState.AdminPassword != "" {
				pendingStateCh <- struct{}{}
				return
			}
			select {
			case <-ctx.Done():
			case <-time.After(setupCheckInterval):
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return bot.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		bot.pendingSetup.Store(false)
		bot.refreshRuntimeConfig(ctx)
	}
	return nil
}

// discordInit opens the gateway connection, sets the bot's status and
// registers commands
func (bot *FloofBot) discordInit(ctx context.Context, logger *slog.Logger) error {
	logger.InfoContext(ctx, "connecting to discord")
	if err := bot.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if err := bot.discord.session.UpdateStatusComplex(
		getDiscordPresenceStatusUpdate(bot.RuntimeConfig()),
	); err != nil {
		logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
	}

	if _, err := bot.RegisterSlashCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	return nil
}

func (bot *FloofBot) initRun(ctx context.Context) error {
	bot.logger.Debug("initializing DB...")
	if err := bot.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	bot.logger.Debug("finished initializing DB")

	// load or create the runtime config, so a bot that was paused stays
	// paused across restarts
	var botState RuntimeConfig
	getStateErr := bot.db.WithContext(ctx).Last(&botState).Error
	if getStateErr != nil {
		if !errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
		botState = DefaultRuntimeConfig()
		if _, err := bot.writeDB.Create(ctx, &botState); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		bot.pendingSetup.Store(true)
	}
	bot.paused.Store(botState.Paused)
	setRuntimeLevels(bot.config, botState)

	bot.cfgMu.Lock()
	bot.runtimeConfig = &botState
	bot.cfgMu.Unlock()

	return nil
}

func (bot *FloofBot) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = bot.logger
	}

	w, _ := logOutput(LogFileConfig{})
	if bot.logFile != nil {
		w = io.MultiWriter(w, bot.logFile)
	}
	gormLogger := newGORMLogger(
		newLogHandler(w, bot.config.DatabaseLogLevel),
		bot.config.DatabaseSlowThreshold,
	)

	db, err := getDB(bot.config.DatabaseType, bot.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	bot.db = db
	bot.writeDB = NewDatabase(db, bot.logger, bot.config.DatabaseType != dbTypeSQLite)

	logger.Debug("migrating database...")
	if err = bot.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(allModels()...)
		},
	); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")
	return nil
}

func (bot *FloofBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := bot.logger.With(loggerNameKey, "discord_session")

	if bot.discord.session == nil {
		disc, discErr := bot.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		bot.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range bot.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	presence := getDiscordPresenceStatusUpdate(bot.RuntimeConfig())
	bot.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: bot.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				AFK:    presence.AFK,
				Status: presence.Status,
				Game:   firstActivity(presence.Activities),
			},
		},
	)

	bot.discord.discordgoRemoveHandlerFuncs = []func(){
		bot.discord.session.AddHandler(bot.discord.handlerConnect()),
		bot.discord.session.AddHandler(bot.discord.handlerDisconnect()),
		bot.discord.session.AddHandler(bot.discord.handlerReady()),
		bot.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := bot.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					bot.handleInteraction(ctx, handler)
				}()
			},
		),
		bot.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					bot.handleMessageCreate(ctx, m)
				}()
			},
		),
	}

	if bot.getInteractionHandlerFunc == nil {
		bot.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     bot.discord.session,
				interaction: i,
				config:      bot.RuntimeConfig(),
				mu:          &sync.RWMutex{},
				logger: bot.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

func firstActivity(activities []*discordgo.Activity) discordgo.Activity {
	if len(activities) == 0 {
		return discordgo.Activity{}
	}
	return *activities[0]
}

func (bot *FloofBot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	bot.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if bot.eventShutdown != nil {
			go func() {
				bot.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := bot.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		bot.logger.Warn("immediate shutdown")
		go bot.api.close()
		return errors.New("immediate shutdown requested")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	bot.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// in-flight interactions, message handlers and periodic tasks
		runtimeWG.Wait()
		bot.timers.Wait()
		runtimeStopEnd := time.Now()
		bot.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			bot.music.stopAll(closeCtx)
		}()

		if bot.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				bot.logger.InfoContext(ctx, "stopping http server")
				_ = bot.api.httpServer.Shutdown(closeCtx)
				bot.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if bot.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				bot.logger.InfoContext(ctx, "closing discord session")
				_ = bot.discord.session.Close()
				bot.logger.InfoContext(ctx, "discord session closed")
				for _, h := range bot.discord.discordgoRemoveHandlerFuncs {
					h()
				}
			}()
		}

		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			shutdownEnded := time.Now()
			bot.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			bot.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)),
			)
		case <-closeCtx.Done():
			bot.logger.Warn("graceful shutdown timed out, forcing close")
			go bot.api.close()
			return errors.New("graceful shutdown timed out")
		}
	}
}

// Pause stops the bot from handling anything but staff commands. It
// returns false if the bot was already paused.
func (bot *FloofBot) Pause(ctx context.Context) bool {
	if bot.paused.Swap(true) {
		return false
	}
	bot.logger.InfoContext(ctx, "bot paused")
	bot.setPausedState(ctx, true)
	return true
}

// Resume undoes Pause. It returns false if the bot wasn't paused.
func (bot *FloofBot) Resume(ctx context.Context) bool {
	if !bot.paused.Swap(false) {
		bot.logger.Warn("bot not paused")
		return false
	}
	bot.logger.InfoContext(ctx, "bot resumed")
	bot.setPausedState(ctx, false)
	return true
}

func (bot *FloofBot) setPausedState(ctx context.Context, paused bool) {
	bot.cfgMu.Lock()
	defer bot.cfgMu.Unlock()

	if bot.runtimeConfig == nil {
		return
	}
	if bot.runtimeConfig.Paused != paused {
		if _, err := bot.writeDB.Update(
			ctx,
			bot.runtimeConfig,
			columnRuntimeConfigPaused,
			paused,
		); err != nil {
			bot.logger.ErrorContext(ctx, "unable to persist paused state", tint.Err(err))
		}
	}
	bot.runtimeConfig.Paused = paused
	bot.updatePresence(ctx, *bot.runtimeConfig)
}

func (bot *FloofBot) updatePresence(ctx context.Context, rc RuntimeConfig) {
	if bot.discord.session == nil {
		return
	}
	if err := bot.discord.session.UpdateStatusComplex(
		getDiscordPresenceStatusUpdate(rc),
	); err != nil {
		bot.logger.ErrorContext(ctx, "unable to update discord status", tint.Err(err))
	}
}

// refreshRuntimeConfig reloads the runtime config from the database, and
// applies log levels, paused state and status
func (bot *FloofBot) refreshRuntimeConfig(ctx context.Context) {
	var rc RuntimeConfig
	if err := bot.db.WithContext(ctx).Last(&rc).Error; err != nil {
		bot.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	bot.cfgMu.Lock()
	prev := bot.runtimeConfig
	bot.runtimeConfig = &rc
	bot.cfgMu.Unlock()

	setRuntimeLevels(bot.config, rc)
	bot.paused.Store(rc.Paused)
	if prev == nil ||
		prev.Paused != rc.Paused ||
		prev.DiscordCustomStatus != rc.DiscordCustomStatus {
		bot.updatePresence(ctx, rc)
	}
	bot.logger.InfoContext(ctx, "refreshed runtime config")
}

// handleInteraction logs the interaction, then routes it to the cog
// that handles it
func (bot *FloofBot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}

	logger = logger.With(slog.Group("user", userLogAttrs(discordUser)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "name", interactionName(i))

	if handler.Config().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				bot.handleRecover(ctx, rc)
			}
		}()
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, discordUser, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := bot.writeDB.Create(context.Background(), interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
		return
	}

	bot.router.route(ctx, handler)
}

// handleMessageCreate feeds guild messages to the message listeners
func (bot *FloofBot) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if m.GuildID != bot.config.Discord.GuildID {
		return
	}
	defer func() {
		if rc := recover(); rc != nil {
			bot.handleRecover(ctx, rc)
		}
	}()

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := bot.activity.logMessage(ctx, m); err != nil {
			bot.activity.logger.ErrorContext(ctx, "error logging activity", tint.Err(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := bot.leveling.handleMessage(ctx, m); err != nil {
			bot.leveling.logger.ErrorContext(ctx, "error awarding xp", tint.Err(err))
		}
	}()
	wg.Wait()
}

// handleRecover logs a recovered panic, with its stack trace
func (*FloofBot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

// afterDelay runs fn once delay passes, unless ctx is cancelled first.
// Shutdown waits on these.
func (bot *FloofBot) afterDelay(ctx context.Context, delay time.Duration, fn func()) {
	bot.timers.Add(1)
	bot.timersRunning.Add(1)
	go func() {
		defer bot.timers.Done()
		defer bot.timersRunning.Add(-1)
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			fn()
		}
	}()
}

// guildID is the guild the bot serves
func (bot *FloofBot) guildID() string {
	return bot.config.Discord.GuildID
}

func (bot *FloofBot) session() DiscordSessionHandler {
	return bot.discord.session
}
