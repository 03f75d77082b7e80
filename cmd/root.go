package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/RainbowTabitha/FloofBot/floofbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = floofbot.DefaultConfig()
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "floofbot [flags]",
	Short:         "A community bot for a single Discord server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(viper.GetViper(), cfg)
	},
}

// loadConfig decodes v's settings into c
func loadConfig(v *viper.Viper, c *floofbot.Config) error {
	return v.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

var levelVarType = reflect.TypeOf(slog.LevelVar{})

// LevelToStringHookFunc decodes level names like "DEBUG" into
// *slog.LevelVar. When the config already holds a *slog.LevelVar,
// mapstructure decodes into the slog.LevelVar it points to, so both
// target types are handled.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != levelVarType && (t.Kind() != reflect.Ptr || t.Elem() != levelVarType) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}

// setDefaults registers every config key with viper, so each can be set
// from the environment
func setDefaults(v *viper.Viper) {
	d := floofbot.DefaultConfig()

	v.SetDefault("database", d.Database)
	v.SetDefault("database_type", d.DatabaseType)
	v.SetDefault("database_slow_threshold", d.DatabaseSlowThreshold)
	v.SetDefault("database_log_level", floofbot.DefaultDatabaseLogLevel.String())
	v.SetDefault("log_level", floofbot.DefaultLogLevel.String())
	v.SetDefault("cog_log_level", floofbot.DefaultCogLogLevel.String())
	v.SetDefault("startup_timeout", d.StartupTimeout)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)

	v.SetDefault("log_file.path", "")
	v.SetDefault("log_file.max_size_mb", d.LogFile.MaxSizeMB)
	v.SetDefault("log_file.max_backups", d.LogFile.MaxBackups)
	v.SetDefault("log_file.max_age_days", d.LogFile.MaxAgeDays)
	v.SetDefault("log_file.compress", false)

	// Discord config
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.application_id", "")
	v.SetDefault("discord.guild_id", "")
	v.SetDefault("discord.log_level", floofbot.DefaultDiscordLogLevel.String())
	v.SetDefault("discord.discordgo_log_level", floofbot.DefaultDiscordgoLogLevel.String())
	v.SetDefault("discord.gateway_intents", int(d.Discord.GatewayIntents))
	v.SetDefault("discord.startup_message", d.Discord.StartupMessage)

	v.SetDefault("guild.staff_role_id", "")
	v.SetDefault("guild.staff_role_name", d.Guild.StaffRoleName)
	v.SetDefault("guild.dj_role_name", d.Guild.DJRoleName)

	// Cogs
	v.SetDefault("leveling.xp_per_message", d.Leveling.XPPerMessage)
	v.SetDefault("leveling.xp_per_level", d.Leveling.XPPerLevel)
	v.SetDefault("leveling.role_name", d.Leveling.RoleName)
	v.SetDefault("leveling.role_level", d.Leveling.RoleLevel)
	v.SetDefault("leveling.message_cooldown", d.Leveling.MessageCooldown)

	v.SetDefault("activity.window", d.Activity.Window)
	v.SetDefault("activity.cleanup_interval", d.Activity.CleanupInterval)

	v.SetDefault("birthdays.channel_id", "")
	v.SetDefault("birthdays.timezone", d.Birthdays.Timezone)
	v.SetDefault("birthdays.announce_hour", d.Birthdays.AnnounceHour)
	v.SetDefault("birthdays.check_interval", d.Birthdays.CheckInterval)

	v.SetDefault("stats.member_count_channel_id", "")
	v.SetDefault("stats.bot_count_channel_id", "")
	v.SetDefault("stats.boost_count_channel_id", "")
	v.SetDefault("stats.interval", d.Stats.Interval)

	v.SetDefault("tickets.category_id", "")
	v.SetDefault("tickets.logs_channel_id", "")
	v.SetDefault("tickets.transcript_dir", d.Tickets.TranscriptDir)
	v.SetDefault("tickets.close_delay", d.Tickets.CloseDelay)

	v.SetDefault("applications.review_channel_id", "")
	v.SetDefault("applications.log_channel_id", "")
	v.SetDefault("applications.member_role_id", "")

	v.SetDefault("references.imgbb_key", "")
	v.SetDefault("references.imgbb_endpoint", d.References.ImgBBEndpoint)
	v.SetDefault("references.uploads_per_minute", d.References.UploadsPerMinute)
	v.SetDefault("references.max_image_size", d.References.MaxImageSize)

	v.SetDefault("music.ytdlp_path", d.Music.YTDLPPath)
	v.SetDefault("music.ffmpeg_path", d.Music.FFmpegPath)
	v.SetDefault("music.dca_path", d.Music.DCAPath)
	v.SetDefault("music.search_results", d.Music.SearchResults)
	v.SetDefault("music.selection_timeout", d.Music.SelectionTimeout)

	// API config
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.listen_network", d.API.ListenNetwork)
	v.SetDefault("api.secret", "")
	v.SetDefault("api.log_level", floofbot.DefaultAPILogLevel.String())
	v.SetDefault("api.development", false)
	v.SetDefault("api.session_max_age", d.API.SessionMaxAge)
	v.SetDefault("api.read_timeout", d.API.ReadTimeout)
	v.SetDefault("api.read_header_timeout", d.API.ReadHeaderTimeout)
	v.SetDefault("api.write_timeout", d.API.WriteTimeout)
	v.SetDefault("api.idle_timeout", d.API.IdleTimeout)
	v.SetDefault("api.ssl.cert", "")
	v.SetDefault("api.ssl.key", "")
	v.SetDefault("api.ssl.tls_min_version", d.API.SSL.TLSMinVersion)

	// API: CORS config
	v.SetDefault("api.cors.allow_headers", floofbot.DefaultCORSAllowHeaders)
	v.SetDefault("api.cors.allow_methods", floofbot.DefaultCORSAllowMethods)
	v.SetDefault("api.cors.expose_headers", floofbot.DefaultCORSExposeHeaders)
	v.SetDefault("api.cors.allow_origins", []string{})
	v.SetDefault("api.cors.max_age", floofbot.DefaultCORSMaxAge)
	v.SetDefault("api.cors.allow_credentials", floofbot.DefaultAPICORSAllowCredentials)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}

// envPrefix is FLOOF, unless overridden by FLOOFBOT_ENV_PREFIX
func envPrefix() string {
	if prefix := os.Getenv(floofbot.EnvvarSetEnvPrefix); prefix != "" {
		return prefix
	}
	return floofbot.DefaultEnvPrefix
}

// configureViper layers the defaults, the optional YAML config file and
// the environment. The bot token can also be set with <PREFIX>_TOKEN.
func configureViper(v *viper.Viper, yamlFile string) error {
	setDefaults(v)

	prefix := envPrefix()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(
		"discord.token",
		prefix+"_DISCORD_TOKEN",
		prefix+"_TOKEN",
	); err != nil {
		return err
	}

	if yamlFile != "" {
		v.SetConfigFile(yamlFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", yamlFile, err)
		}
	}
	return nil
}

func initConfig() {
	if err := godotenv.Load(envFile); err != nil {
		if envFile != defaultEnvFile || !os.IsNotExist(err) {
			log.Printf("error loading %s: %v", envFile, err)
		}
	}
	if err := configureViper(viper.GetViper(), configFile); err != nil {
		log.Fatalf("error: %v", err)
	}
}

const defaultEnvFile = ".env"

//nolint:gochecknoinits // cobra registration
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"YAML config file to use",
	)
	rootCmd.PersistentFlags().StringVar(
		&envFile,
		"env-file",
		defaultEnvFile,
		".env file to load before reading the environment",
	)
}
