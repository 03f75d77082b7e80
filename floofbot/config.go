//nolint:lll // struct tags can't be split
package floofbot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix    = "FLOOFBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "FLOOF"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "floofbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	// the music player can be mid-song when shutdown starts, so this is
	// a bit longer than the API timeouts
	DefaultShutdownTimeout = 30 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordStatus        = "Fursuit Games"
	DefaultDiscordStartupMsg    = "FloofBot is online!"
	DefaultDiscordErrorMsg      = "Sorry, something went wrong!"
	DefaultDiscordGatewayIntent = discordgo.IntentsAll

	DefaultStaffRoleName = "STAFF"
	DefaultDJRoleName    = "DJ"

	DefaultXPPerMessage    = 10
	DefaultXPPerLevel      = 500
	DefaultLevelRoleName   = "Verified Furry"
	DefaultLevelRoleLevel  = 3
	DefaultXPCooldown      = 0 * time.Second
	DefaultActivityWindow  = 30 * 24 * time.Hour
	DefaultActivityCleanup = 2 * time.Hour

	DefaultBirthdayTimezone      = "UTC"
	DefaultBirthdayAnnounceHour  = 0
	DefaultBirthdayCheckInterval = time.Hour

	DefaultStatsInterval = 5 * time.Minute

	DefaultTicketTranscriptDir = "staff-logs/tickets"
	DefaultTicketCloseDelay    = 2 * time.Second

	DefaultImgBBEndpoint         = "https://api.imgbb.com/1/upload"
	DefaultImgBBUploadsPerMinute = 10
	DefaultImgBBMaxImageSize     = 32 * 1024 * 1024

	DefaultMusicYTDLPPath        = "yt-dlp"
	DefaultMusicFFmpegPath       = "ffmpeg"
	DefaultMusicDCAPath          = "dca"
	DefaultMusicSearchResults    = 5
	DefaultMusicSelectionTimeout = 60 * time.Second

	DefaultPaginationTimeout = 60 * time.Second
	DefaultPageSize          = 10

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPICORSAllowCredentials = true

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo
	DefaultCogLogLevel           = slog.LevelInfo

	DefaultLogFileMaxSizeMB  = 50
	DefaultLogFileMaxBackups = 5
	DefaultLogFileMaxAgeDays = 28

	DefaultMetricsNamespace = "floofbot"

	defaultListenNetwork = "tcp"
)

type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string (or file path, for sqlite)
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database: 'sqlite', 'postgres' or 'mysql'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres mysql"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// LogFile optionally mirrors log output to a rotating file
	LogFile LogFileConfig `yaml:"log_file" mapstructure:"log_file" json:"log_file"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Discord      *DiscordConfig     `yaml:"discord" mapstructure:"discord" json:"discord"`
	Guild        *GuildConfig       `yaml:"guild" mapstructure:"guild" json:"guild"`
	Leveling     *LevelingConfig    `yaml:"leveling" mapstructure:"leveling" json:"leveling"`
	Activity     *ActivityConfig    `yaml:"activity" mapstructure:"activity" json:"activity"`
	Birthdays    *BirthdayConfig    `yaml:"birthdays" mapstructure:"birthdays" json:"birthdays"`
	Stats        *StatsConfig       `yaml:"stats" mapstructure:"stats" json:"stats"`
	Tickets      *TicketConfig      `yaml:"tickets" mapstructure:"tickets" json:"tickets"`
	Applications *ApplicationConfig `yaml:"applications" mapstructure:"applications" json:"applications"`
	References   *ReferenceConfig   `yaml:"references" mapstructure:"references" json:"references"`
	Music        *MusicConfig       `yaml:"music" mapstructure:"music" json:"music"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	Metrics *MetricsConfig `yaml:"metrics" mapstructure:"metrics" json:"metrics"`

	// CogLogLevel is the log level shared by the cog loggers
	CogLogLevel *slog.LevelVar `yaml:"cog_log_level" mapstructure:"cog_log_level" json:"cog_log_level"`

	HTTPClient *http.Client `yaml:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// LogFileConfig configures optional rotating log file output.
type LogFileConfig struct {
	// Path of the log file. Leave empty to log to stdout only.
	Path       string `yaml:"path" mapstructure:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb" json:"max_size_mb" binding:"min=0"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" json:"max_backups" binding:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days" json:"max_age_days" binding:"min=0"`
	Compress   bool   `yaml:"compress" mapstructure:"compress" json:"compress"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the guild the bot serves. Commands are registered to this guild.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// StartupMessage is sent to [RuntimeConfig.DiscordNotificationChannelID]
	// (if set) whenever the bot connects to the gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. Leveling and activity need the message content
	// intent, stats needs the guild members intent.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// GuildConfig holds guild-wide role settings shared by several cogs.
type GuildConfig struct {
	// StaffRoleID gates staff-only commands. If empty, StaffRoleName is
	// resolved against the guild's roles instead.
	StaffRoleID string `yaml:"staff_role_id" mapstructure:"staff_role_id" json:"staff_role_id"`

	StaffRoleName string `yaml:"staff_role_name" mapstructure:"staff_role_name" json:"staff_role_name" binding:"required_without=StaffRoleID"`

	// DJRoleName is matched case-insensitively against the member's roles
	DJRoleName string `yaml:"dj_role_name" mapstructure:"dj_role_name" json:"dj_role_name"`
}

type LevelingConfig struct {
	XPPerMessage int `yaml:"xp_per_message" mapstructure:"xp_per_message" json:"xp_per_message" binding:"min=1"`

	// XPPerLevel is the linear threshold factor: reaching level+1 takes
	// level*XPPerLevel XP.
	XPPerLevel int `yaml:"xp_per_level" mapstructure:"xp_per_level" json:"xp_per_level" binding:"min=1"`

	RoleName  string `yaml:"role_name" mapstructure:"role_name" json:"role_name"`
	RoleLevel int    `yaml:"role_level" mapstructure:"role_level" json:"role_level" binding:"min=1"`

	// MessageCooldown limits how often a single user can gain XP. 0 disables it.
	MessageCooldown time.Duration `yaml:"message_cooldown" mapstructure:"message_cooldown" json:"message_cooldown"`
}

type ActivityConfig struct {
	Window          time.Duration `yaml:"window" mapstructure:"window" json:"window" binding:"min=1h"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval" json:"cleanup_interval" binding:"min=1m"`
}

type BirthdayConfig struct {
	// ChannelID is where birthdays are announced. Announcements are
	// disabled if empty.
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id"`

	// Timezone is an IANA name used to decide when a day starts
	Timezone string `yaml:"timezone" mapstructure:"timezone" json:"timezone"`

	// AnnounceHour is the local hour at or after which the day's birthdays
	// are announced
	AnnounceHour int `yaml:"announce_hour" mapstructure:"announce_hour" json:"announce_hour" binding:"min=0,max=23"`

	CheckInterval time.Duration `yaml:"check_interval" mapstructure:"check_interval" json:"check_interval" binding:"min=1m"`
}

type StatsConfig struct {
	MemberCountChannelID string        `yaml:"member_count_channel_id" mapstructure:"member_count_channel_id" json:"member_count_channel_id"`
	BotCountChannelID    string        `yaml:"bot_count_channel_id" mapstructure:"bot_count_channel_id" json:"bot_count_channel_id"`
	BoostCountChannelID  string        `yaml:"boost_count_channel_id" mapstructure:"boost_count_channel_id" json:"boost_count_channel_id"`
	Interval             time.Duration `yaml:"interval" mapstructure:"interval" json:"interval" binding:"min=1m"`
}

type TicketConfig struct {
	// CategoryID is the channel category new ticket channels are created under
	CategoryID string `yaml:"category_id" mapstructure:"category_id" json:"category_id"`

	// LogsChannelID receives transcripts when tickets are closed
	LogsChannelID string `yaml:"logs_channel_id" mapstructure:"logs_channel_id" json:"logs_channel_id"`

	// TranscriptDir is where transcripts are written on disk
	TranscriptDir string `yaml:"transcript_dir" mapstructure:"transcript_dir" json:"transcript_dir"`

	// CloseDelay is how long to wait after announcing a close before the
	// channel is deleted
	CloseDelay time.Duration `yaml:"close_delay" mapstructure:"close_delay" json:"close_delay"`
}

type ApplicationConfig struct {
	// ReviewChannelID receives new applications for staff review
	ReviewChannelID string `yaml:"review_channel_id" mapstructure:"review_channel_id" json:"review_channel_id"`

	// LogChannelID receives a line for every decision
	LogChannelID string `yaml:"log_channel_id" mapstructure:"log_channel_id" json:"log_channel_id"`

	// MemberRoleID is granted when an application is accepted
	MemberRoleID string `yaml:"member_role_id" mapstructure:"member_role_id" json:"member_role_id"`
}

type ReferenceConfig struct {
	// ImgBBKey is the imgbb API key
	ImgBBKey string `yaml:"imgbb_key" mapstructure:"imgbb_key" json:"imgbb_key" log:"[redacted]"`

	ImgBBEndpoint    string `yaml:"imgbb_endpoint" mapstructure:"imgbb_endpoint" json:"imgbb_endpoint" binding:"omitempty,url"`
	UploadsPerMinute int    `yaml:"uploads_per_minute" mapstructure:"uploads_per_minute" json:"uploads_per_minute" binding:"min=1"`
	MaxImageSize     int64  `yaml:"max_image_size" mapstructure:"max_image_size" json:"max_image_size" binding:"min=1"`
}

type MusicConfig struct {
	YTDLPPath  string `yaml:"ytdlp_path" mapstructure:"ytdlp_path" json:"ytdlp_path"`
	FFmpegPath string `yaml:"ffmpeg_path" mapstructure:"ffmpeg_path" json:"ffmpeg_path"`
	DCAPath    string `yaml:"dca_path" mapstructure:"dca_path" json:"dca_path"`

	SearchResults    int           `yaml:"search_results" mapstructure:"search_results" json:"search_results" binding:"min=1,max=25"`
	SelectionTimeout time.Duration `yaml:"selection_timeout" mapstructure:"selection_timeout" json:"selection_timeout" binding:"min=5s"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Enabled starts the admin API server
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. If no cert is set, the server listens
	// without TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"required_if=Enabled true,omitempty,min=10m,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to
	// 'None', and pprof endpoints are registered
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// MetricsConfig controls the prometheus collectors. When enabled, they're
// served on the API's /metrics endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" mapstructure:"namespace" json:"namespace" binding:"required_if=Enabled true"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// validateMusicConfig requires all three media tool paths, since playback
// needs the whole pipeline
func validateMusicConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(MusicConfig)
	if !ok {
		return
	}
	for _, f := range []struct {
		value string
		field string
		tag   string
	}{
		{cfg.YTDLPPath, "YTDLPPath", "ytdlp_path"},
		{cfg.FFmpegPath, "FFmpegPath", "ffmpeg_path"},
		{cfg.DCAPath, "DCAPath", "dca_path"},
	} {
		if f.value == "" {
			sl.ReportError(f.value, f.field, f.tag, "required", "")
		}
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lvl := &slog.LevelVar{}
	lvl.Set(level)
	return lvl
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		CogLogLevel:           newLevelVar(DefaultCogLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		LogFile: LogFileConfig{
			MaxSizeMB:  DefaultLogFileMaxSizeMB,
			MaxBackups: DefaultLogFileMaxBackups,
			MaxAgeDays: DefaultLogFileMaxAgeDays,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMsg,
		},
		Guild: &GuildConfig{
			StaffRoleName: DefaultStaffRoleName,
			DJRoleName:    DefaultDJRoleName,
		},
		Leveling: &LevelingConfig{
			XPPerMessage:    DefaultXPPerMessage,
			XPPerLevel:      DefaultXPPerLevel,
			RoleName:        DefaultLevelRoleName,
			RoleLevel:       DefaultLevelRoleLevel,
			MessageCooldown: DefaultXPCooldown,
		},
		Activity: &ActivityConfig{
			Window:          DefaultActivityWindow,
			CleanupInterval: DefaultActivityCleanup,
		},
		Birthdays: &BirthdayConfig{
			Timezone:      DefaultBirthdayTimezone,
			AnnounceHour:  DefaultBirthdayAnnounceHour,
			CheckInterval: DefaultBirthdayCheckInterval,
		},
		Stats: &StatsConfig{
			Interval: DefaultStatsInterval,
		},
		Tickets: &TicketConfig{
			TranscriptDir: DefaultTicketTranscriptDir,
			CloseDelay:    DefaultTicketCloseDelay,
		},
		Applications: &ApplicationConfig{},
		References: &ReferenceConfig{
			ImgBBEndpoint:    DefaultImgBBEndpoint,
			UploadsPerMinute: DefaultImgBBUploadsPerMinute,
			MaxImageSize:     DefaultImgBBMaxImageSize,
		},
		Music: &MusicConfig{
			YTDLPPath:        DefaultMusicYTDLPPath,
			FFmpegPath:       DefaultMusicFFmpegPath,
			DCAPath:          DefaultMusicDCAPath,
			SearchResults:    DefaultMusicSearchResults,
			SelectionTimeout: DefaultMusicSelectionTimeout,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
		Metrics: &MetricsConfig{
			Enabled:   true,
			Namespace: DefaultMetricsNamespace,
		},
	}
}
