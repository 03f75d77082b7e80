package floofbot

import (
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

// Every RuntimeConfigUpdate json key is used as a column name when
// applying an update, so each one needs a matching RuntimeConfig column
func TestRuntimeConfigUpdateKeys(t *testing.T) {
	s, err := schema.Parse(&RuntimeConfig{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)

	updateType := reflect.TypeOf(RuntimeConfigUpdate{})
	for i := 0; i < updateType.NumField(); i++ {
		field := updateType.Field(i)
		col, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if col == "" || col == "-" {
			continue
		}
		f := s.LookUpField(col)
		if !assert.NotNilf(t, f, "column %q from RuntimeConfigUpdate not in RuntimeConfig", col) {
			continue
		}
		assert.Equal(t, col, f.DBName)
	}
}

func TestValidateDefaultRuntimeConfig(t *testing.T) {
	require.NoError(t, structValidator.Struct(DefaultRuntimeConfig()))

	cfg := DefaultRuntimeConfig()
	cfg.DiscordCustomStatus = strings.Repeat("a", 129)
	assert.Error(t, structValidator.Struct(cfg))
}

func TestRuntimeConfigUpdate_Changes(t *testing.T) {
	assert.Empty(t, RuntimeConfigUpdate{}.changes())

	paused := true
	status := "Zoomies"
	debug := DBLogLevelDebug
	update := RuntimeConfigUpdate{
		Paused:              &paused,
		DiscordCustomStatus: &status,
		APILogLevel:         &debug,
	}
	assert.Equal(
		t,
		map[string]any{
			"paused":                true,
			"discord_custom_status": "Zoomies",
			"api_log_level":         DBLogLevelDebug,
		},
		update.changes(),
	)

	// clearing the status is a change, not a missing field
	empty := ""
	assert.Equal(
		t,
		map[string]any{"discord_custom_status": ""},
		RuntimeConfigUpdate{DiscordCustomStatus: &empty}.changes(),
	)
}

func TestRuntimeConfigUpdate_Validate(t *testing.T) {
	str := func(s string) *string { return &s }
	lvl := func(s string) *DBLogLevel {
		l := DBLogLevel(s)
		return &l
	}

	testCases := []struct {
		name   string
		update RuntimeConfigUpdate
		tag    string
	}{
		{name: "empty", update: RuntimeConfigUpdate{}},
		{name: "clear status", update: RuntimeConfigUpdate{DiscordCustomStatus: str("")}},
		{
			name:   "blank status",
			update: RuntimeConfigUpdate{DiscordCustomStatus: str(" \t ")},
			tag:    "notblank",
		},
		{
			name:   "long status",
			update: RuntimeConfigUpdate{DiscordCustomStatus: str(strings.Repeat("x", 129))},
			tag:    "max",
		},
		{
			name:   "channel id",
			update: RuntimeConfigUpdate{DiscordNotificationChannelID: str("12345")},
		},
		{
			name:   "clear channel id",
			update: RuntimeConfigUpdate{DiscordNotificationChannelID: str("")},
		},
		{
			name:   "bad channel id",
			update: RuntimeConfigUpdate{DiscordNotificationChannelID: str("general")},
			tag:    "numeric",
		},
		{
			name:   "empty error message",
			update: RuntimeConfigUpdate{DiscordErrorMessage: str("")},
			tag:    "min",
		},
		{name: "log level", update: RuntimeConfigUpdate{LogLevel: lvl("WARN")}},
		{
			name:   "unknown log level",
			update: RuntimeConfigUpdate{DatabaseLogLevel: lvl("TRACE")},
			tag:    "oneof",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				err := tc.update.validate()
				if tc.tag == "" {
					assert.NoError(t, err)
					return
				}
				require.Error(t, err)
				assert.Contains(t, err.Error(), "'"+tc.tag+"' tag")
			},
		)
	}
}

func TestGetDiscordPresenceStatusUpdate(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	status := getDiscordPresenceStatusUpdate(cfg)
	assert.Equal(t, string(discordgo.StatusOnline), status.Status)
	assert.False(t, status.AFK)
	require.Len(t, status.Activities, 1)
	assert.Equal(t, DefaultDiscordStatus, status.Activities[0].Name)
	assert.Equal(t, discordgo.ActivityTypeGame, status.Activities[0].Type)

	cfg.Paused = true
	cfg.DiscordCustomStatus = ""
	status = getDiscordPresenceStatusUpdate(cfg)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), status.Status)
	assert.True(t, status.AFK)
	assert.Empty(t, status.Activities)
}

func TestSetRuntimeLevels(t *testing.T) {
	cfg := DefaultConfig()
	rc := DefaultRuntimeConfig()
	rc.LogLevel = DBLogLevelError
	rc.DiscordGoLogLevel = DBLogLevelDebug
	rc.CogLogLevel = DBLogLevelWarn

	setRuntimeLevels(cfg, rc)
	assert.Equal(t, slog.LevelError, cfg.LogLevel.Level())
	assert.Equal(t, slog.LevelDebug, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.CogLogLevel.Level())
	assert.Equal(t, slog.LevelInfo, cfg.API.LogLevel.Level())
}

func TestRuntimeConfig_LogValueRedacts(t *testing.T) {
	rc := DefaultRuntimeConfig()
	rc.AdminUsername = "admin"
	rc.AdminPassword = "hashed-secret"

	v := rc.LogValue()
	require.Equal(t, slog.KindGroup, v.Kind())
	for _, attr := range v.Group() {
		switch attr.Key {
		case "admin_username", "admin_password":
			assert.Equal(t, "[redacted]", attr.Value.String(), attr.Key)
		}
	}
	assert.NotContains(t, v.String(), "hashed-secret")
}
