package cmd

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/RainbowTabitha/FloofBot/floofbot"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeConfig runs the full viper pipeline against a fresh viper
// instance and returns the resulting config
func decodeConfig(t *testing.T, yamlFile string) *floofbot.Config {
	t.Helper()
	v := viper.New()
	require.NoError(t, configureViper(v, yamlFile))
	c := floofbot.DefaultConfig()
	require.NoError(t, loadConfig(v, c))
	return c
}

func TestLoadConfig_Defaults(t *testing.T) {
	c := decodeConfig(t, "")
	d := floofbot.DefaultConfig()

	assert.Equal(t, d.DatabaseType, c.DatabaseType)
	assert.Equal(t, d.Leveling.XPPerLevel, c.Leveling.XPPerLevel)
	assert.Equal(t, d.Activity.Window, c.Activity.Window)
	assert.Equal(t, d.Music.SelectionTimeout, c.Music.SelectionTimeout)
	assert.Equal(t, d.API.CORS.AllowMethods, c.API.CORS.AllowMethods)
	assert.Equal(t, d.Discord.GatewayIntents, c.Discord.GatewayIntents)
	assert.Equal(t, floofbot.DefaultLogLevel, c.LogLevel.Level())
	assert.Equal(t, floofbot.DefaultDiscordgoLogLevel, c.Discord.DiscordGoLogLevel.Level())
	assert.Empty(t, c.Discord.Token)
}

func TestLoadConfig_Env(t *testing.T) {
	env := map[string]string{
		"FLOOF_DATABASE_TYPE":              "postgres",
		"FLOOF_DATABASE":                   "host=localhost user=floof dbname=floof",
		"FLOOF_LOG_LEVEL":                  "DEBUG",
		"FLOOF_DISCORD_DISCORDGO_LOG_LEVEL": "ERROR",
		"FLOOF_DISCORD_APPLICATION_ID":     "100",
		"FLOOF_DISCORD_GUILD_ID":           "1",
		"FLOOF_GUILD_STAFF_ROLE_ID":        "77",
		"FLOOF_LEVELING_XP_PER_MESSAGE":    "15",
		"FLOOF_ACTIVITY_WINDOW":            "48h",
		"FLOOF_BIRTHDAYS_TIMEZONE":         "America/New_York",
		"FLOOF_TICKETS_CLOSE_DELAY":        "5s",
		"FLOOF_API_ENABLED":                "true",
		"FLOOF_API_CORS_ALLOW_ORIGINS":     "https://floof.example,https://admin.floof.example",
		"FLOOF_METRICS_ENABLED":            "false",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
	t.Setenv("FLOOF_TOKEN", "short-token")

	c := decodeConfig(t, "")
	assert.Equal(t, "postgres", c.DatabaseType)
	assert.Equal(t, "host=localhost user=floof dbname=floof", c.Database)
	assert.Equal(t, slog.LevelDebug, c.LogLevel.Level())
	assert.Equal(t, slog.LevelError, c.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "short-token", c.Discord.Token)
	assert.Equal(t, "100", c.Discord.ApplicationID)
	assert.Equal(t, "1", c.Discord.GuildID)
	assert.Equal(t, "77", c.Guild.StaffRoleID)
	assert.Equal(t, 15, c.Leveling.XPPerMessage)
	assert.Equal(t, 48*time.Hour, c.Activity.Window)
	assert.Equal(t, "America/New_York", c.Birthdays.Timezone)
	assert.Equal(t, 5*time.Second, c.Tickets.CloseDelay)
	assert.True(t, c.API.Enabled)
	assert.Equal(
		t,
		[]string{"https://floof.example", "https://admin.floof.example"},
		c.API.CORS.AllowOrigins,
	)
	assert.False(t, c.Metrics.Enabled)

	t.Run(
		"discord token takes precedence", func(t *testing.T) {
			t.Setenv("FLOOF_DISCORD_TOKEN", "long-token")
			assert.Equal(t, "long-token", decodeConfig(t, "").Discord.Token)
		},
	)
}

func TestLoadConfig_EnvPrefix(t *testing.T) {
	t.Setenv(floofbot.EnvvarSetEnvPrefix, "FURRY")
	t.Setenv("FURRY_DATABASE_TYPE", "mysql")
	t.Setenv("FURRY_TOKEN", "furry-token")
	t.Setenv("FLOOF_DATABASE_TYPE", "postgres")

	c := decodeConfig(t, "")
	assert.Equal(t, "mysql", c.DatabaseType)
	assert.Equal(t, "furry-token", c.Discord.Token)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	content := `
# comment
FLOOF_DISCORD_TOKEN=from-env-file
FLOOF_MUSIC_SEARCH_RESULTS=8
FLOOF_COG_LOG_LEVEL=WARN
`
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))

	// register cleanup, then unset so godotenv.Load doesn't skip them
	for _, k := range []string{"FLOOF_DISCORD_TOKEN", "FLOOF_MUSIC_SEARCH_RESULTS", "FLOOF_COG_LOG_LEVEL"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	require.NoError(t, godotenv.Load(envFile))

	c := decodeConfig(t, "")
	assert.Equal(t, "from-env-file", c.Discord.Token)
	assert.Equal(t, 8, c.Music.SearchResults)
	assert.Equal(t, slog.LevelWarn, c.CogLogLevel.Level())
}

func TestLoadConfig_YAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "floofbot.yaml")
	content := `
database_type: sqlite
database: /var/lib/floofbot/floofbot.sqlite3
log_level: WARN
discord:
  token: yaml-token
  application_id: "100"
  guild_id: "1"
guild:
  staff_role_name: Moderators
leveling:
  xp_per_level: 250
  role_name: Good Floof
birthdays:
  channel_id: "400"
  announce_hour: 9
stats:
  member_count_channel_id: "501"
  interval: 10m
references:
  imgbb_key: yaml-imgbb
music:
  search_results: 3
api:
  session_max_age: 2h
  cors:
    allow_origins:
      - https://floof.example
`
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0o600))

	// the environment wins over the file
	t.Setenv("FLOOF_MUSIC_SEARCH_RESULTS", "9")

	c := decodeConfig(t, configFile)
	assert.Equal(t, "/var/lib/floofbot/floofbot.sqlite3", c.Database)
	assert.Equal(t, slog.LevelWarn, c.LogLevel.Level())
	assert.Equal(t, "yaml-token", c.Discord.Token)
	assert.Equal(t, "Moderators", c.Guild.StaffRoleName)
	assert.Equal(t, 250, c.Leveling.XPPerLevel)
	assert.Equal(t, "Good Floof", c.Leveling.RoleName)
	assert.Equal(t, "400", c.Birthdays.ChannelID)
	assert.Equal(t, 9, c.Birthdays.AnnounceHour)
	assert.Equal(t, "501", c.Stats.MemberCountChannelID)
	assert.Equal(t, 10*time.Minute, c.Stats.Interval)
	assert.Equal(t, "yaml-imgbb", c.References.ImgBBKey)
	assert.Equal(t, 9, c.Music.SearchResults)
	assert.Equal(t, 2*time.Hour, c.API.SessionMaxAge)
	assert.Equal(t, []string{"https://floof.example"}, c.API.CORS.AllowOrigins)

	// untouched keys keep their defaults
	assert.Equal(t, floofbot.DefaultXPPerMessage, c.Leveling.XPPerMessage)
}

func TestLoadConfig_MissingYAML(t *testing.T) {
	v := viper.New()
	err := configureViper(v, filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "error reading config file")
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	t.Setenv("FLOOF_API_LOG_LEVEL", "SHOUTY")
	v := viper.New()
	require.NoError(t, configureViper(v, ""))
	err := loadConfig(v, floofbot.DefaultConfig())
	assert.ErrorContains(t, err, "invalid log level: SHOUTY")
}

func TestLevelToStringHookFunc(t *testing.T) {
	hook := LevelToStringHookFunc()
	levelVarPtr := reflect.TypeOf(&slog.LevelVar{})

	out, err := hook(reflect.TypeOf(""), levelVarPtr, "ERROR")
	require.NoError(t, err)
	lvl, ok := out.(*slog.LevelVar)
	require.True(t, ok)
	assert.Equal(t, slog.LevelError, lvl.Level())

	// a non-nil *slog.LevelVar field is decoded into the value it
	// points to
	out, err = hook(reflect.TypeOf(""), reflect.TypeOf(slog.LevelVar{}), "WARN")
	require.NoError(t, err)
	lvl, ok = out.(*slog.LevelVar)
	require.True(t, ok)
	assert.Equal(t, slog.LevelWarn, lvl.Level())

	// other conversions pass through untouched
	out, err = hook(reflect.TypeOf(""), reflect.TypeOf(""), "ERROR")
	require.NoError(t, err)
	assert.Equal(t, "ERROR", out)

	out, err = hook(reflect.TypeOf(0), levelVarPtr, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, out)

	_, err = hook(reflect.TypeOf(""), levelVarPtr, "LOUD")
	assert.Error(t, err)
}

func TestGetLogLevel(t *testing.T) {
	lvl, err := getLogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	lvl, err = getLogLevel("nope")
	assert.Error(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestRootPersistentPreRunE(t *testing.T) {
	original := cfg
	cfg = floofbot.DefaultConfig()
	t.Cleanup(func() { cfg = original })

	t.Setenv("FLOOF_LOG_LEVEL", "ERROR")
	t.Setenv("FLOOF_DISCORD_DISCORDGO_LOG_LEVEL", "DEBUG")
	t.Setenv("FLOOF_TOKEN", "prerun-token")
	require.NoError(t, configureViper(viper.GetViper(), ""))

	require.NoError(t, rootCmd.PersistentPreRunE(rootCmd, nil))
	assert.Equal(t, slog.LevelError, cfg.LogLevel.Level())
	assert.Equal(t, slog.LevelDebug, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, floofbot.DefaultAPILogLevel, cfg.API.LogLevel.Level())
	assert.Equal(t, "prerun-token", cfg.Discord.Token)
}
