package floofbot

import (
	"log/slog"
	"reflect"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

var (
	columnRuntimeConfigAdminUsername                = "admin_username"
	columnRuntimeConfigAdminPassword                = "admin_password"
	columnRuntimeConfigDiscordNotificationChannelID = "discord_notification_channel_id"
	columnRuntimeConfigPaused                       = "paused"
)

// RuntimeConfig holds the settings that can be changed while the bot is
// running, through the admin API, and that survive a restart (e.g. being
// paused). There is a single row, the latest one wins.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused stops the bot from handling anything but staff commands
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordCustomStatus is shown as the bot's "Playing ..." activity
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	// DiscordNotificationChannelID receives a message whenever the bot
	// connects to the gateway, if set
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// DiscordErrorMessage is the ephemeral reply sent when a command fails
	// unexpectedly
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string" binding:"max=2000"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// RecoverPanic recovers panics in interaction handlers instead of
	// crashing the bot
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:true"`

	LogLevel          DBLogLevel `gorm:"default:INFO;type:string" json:"log_level"`
	DiscordLogLevel   DBLogLevel `gorm:"default:INFO;type:string" json:"discord_log_level"`
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string" json:"discordgo_log_level"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:INFO;type:string" json:"database_log_level"`
	APILogLevel       DBLogLevel `gorm:"default:INFO;type:string" json:"api_log_level"`
	CogLogLevel       DBLogLevel `gorm:"default:INFO;type:string" json:"cog_log_level"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordCustomStatus: DefaultDiscordStatus,
		DiscordErrorMessage: DefaultDiscordErrorMsg,
		RecoverPanic:        true,
		LogLevel:            DBLogLevelInfo,
		DiscordLogLevel:     DBLogLevelInfo,
		DiscordGoLogLevel:   DBLogLevelWarn,
		DatabaseLogLevel:    DBLogLevelInfo,
		APILogLevel:         DBLogLevelInfo,
		CogLogLevel:         DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is the admin API's PATCH payload. Nil fields are
// left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	CogLogLevel       *DBLogLevel `json:"cog_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// validateRuntimeUpdateLimits rejects a custom status made up only of
// whitespace, which discord refuses, and a notification channel that
// isn't a snowflake. An empty channel ID clears it.
func validateRuntimeUpdateLimits(sl validator.StructLevel) {
	update, ok := sl.Current().Interface().(RuntimeConfigUpdate)
	if !ok {
		return
	}
	if update.DiscordCustomStatus != nil {
		status := *update.DiscordCustomStatus
		if status != "" && strings.TrimSpace(status) == "" {
			sl.ReportError(status, "DiscordCustomStatus", "discord_custom_status", "notblank", "")
		}
	}
	if update.DiscordNotificationChannelID != nil {
		channelID := *update.DiscordNotificationChannelID
		if err := sl.Validator().Var(channelID, "omitempty,numeric"); err != nil {
			sl.ReportError(
				channelID,
				"DiscordNotificationChannelID",
				"discord_notification_channel_id",
				"numeric",
				"",
			)
		}
	}
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

// changes returns the column updates described by b
func (b RuntimeConfigUpdate) changes() map[string]any {
	updates := map[string]any{}
	v := reflect.ValueOf(b)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		fv := v.Field(i)
		if fv.IsNil() {
			continue
		}
		col, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		updates[col] = fv.Elem().Interface()
	}
	return updates
}

// getDiscordPresenceStatusUpdate returns the gateway presence for the
// given config. A paused bot shows as "do not disturb".
func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.UpdateStatusData {
	status := discordgo.UpdateStatusData{
		Status: string(discordgo.StatusOnline),
	}
	if config.Paused {
		status.AFK = true
		status.Status = string(discordgo.StatusDoNotDisturb)
	}
	if config.DiscordCustomStatus != "" {
		status.Activities = []*discordgo.Activity{
			{
				Name: config.DiscordCustomStatus,
				Type: discordgo.ActivityTypeGame,
			},
		}
	}
	return status
}

// setRuntimeLevels applies the log levels stored in the runtime config
// to the live config
func setRuntimeLevels(cfg *Config, rc RuntimeConfig) {
	cfg.LogLevel.Set(rc.LogLevel.Level())
	cfg.Discord.LogLevel.Set(rc.DiscordLogLevel.Level())
	cfg.Discord.DiscordGoLogLevel.Set(rc.DiscordGoLogLevel.Level())
	cfg.DatabaseLogLevel.Set(rc.DatabaseLogLevel.Level())
	cfg.API.LogLevel.Set(rc.APILogLevel.Level())
	cfg.CogLogLevel.Set(rc.CogLogLevel.Level())
}
