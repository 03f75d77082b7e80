package floofbot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
)

var noActivityMessage = "No activity logged yet."

// ActivityEntry is a single message sent by a user, kept for the activity
// window
type ActivityEntry struct {
	ModelUintID
	GuildID string `json:"guild_id" gorm:"not null;index:idx_activity_guild_user"`
	UserID  string `json:"user_id" gorm:"not null;index:idx_activity_guild_user"`

	// Timestamp is when the message was sent, in unix milliseconds
	Timestamp int64 `json:"timestamp" gorm:"not null;index"`
}

// activityCount is a user's message count within the activity window
type activityCount struct {
	UserID   string `json:"user_id"`
	Messages int64  `json:"messages"`
}

// Activity logs guild messages and ranks users by how many they've sent
// recently
type Activity struct {
	bot    *FloofBot
	config *ActivityConfig
	logger *slog.Logger
	now    func() time.Time
}

func newActivity(bot *FloofBot, config *ActivityConfig, logger *slog.Logger) *Activity {
	return &Activity{
		bot:    bot,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

func (a *Activity) commands() []slashCommand {
	return []slashCommand{
		{
			command: &discordgo.ApplicationCommand{
				Name:        "activity",
				Description: "Check the activity of users in the last 30 days.",
			},
			handler: a.activityCommand,
		},
	}
}

func (a *Activity) components() map[string]interactionFunc {
	return map[string]interactionFunc{}
}

func (a *Activity) logMessage(ctx context.Context, m *discordgo.MessageCreate) error {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}
	entry := &ActivityEntry{
		GuildID:   m.GuildID,
		UserID:    m.Author.ID,
		Timestamp: ts.UnixMilli(),
	}
	if _, err := a.bot.writeDB.Create(ctx, entry); err != nil {
		return fmt.Errorf("error saving activity entry: %w", err)
	}
	a.bot.metrics.messagesLogged.Inc()
	return nil
}

func (a *Activity) cutoff() time.Time {
	return a.now().Add(-a.config.Window)
}

// cleanup deletes entries at or before the start of the activity window
func (a *Activity) cleanup(ctx context.Context) error {
	cutoff := a.cutoff()
	rows, err := a.bot.writeDB.Delete(
		ctx,
		&ActivityEntry{},
		"timestamp <= ?", cutoff.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("error cleaning up activity: %w", err)
	}
	a.logger.InfoContext(ctx, "cleaned up activity", "deleted", rows, "cutoff", cutoff)
	return nil
}

// counts returns message counts per user within the activity window
func (a *Activity) counts(ctx context.Context) ([]activityCount, error) {
	var counts []activityCount
	err := a.bot.db.WithContext(ctx).
		Model(&ActivityEntry{}).
		Select("user_id, count(*) as messages").
		Where("guild_id = ? AND timestamp > ?", a.bot.guildID(), a.cutoff().UnixMilli()).
		Group("user_id").
		Order("user_id").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("error counting activity: %w", err)
	}
	return counts, nil
}

func rankActivity(counts []activityCount) []ranked[activityCount] {
	return rankEntries(
		counts, func(c activityCount) []int64 {
			return []int64{c.Messages}
		},
	)
}

func (a *Activity) activityCommand(ctx context.Context, h InteractionHandler) error {
	counts, err := a.counts(ctx)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		return h.Respond(ctx, messageResponse(noActivityMessage))
	}
	return a.bot.sendPaginated(ctx, h, pageKindActivity, "")
}

func (a *Activity) activityPage(ctx context.Context, page int) (*discordgo.MessageEmbed, int, error) {
	counts, err := a.counts(ctx)
	if err != nil {
		return nil, 0, err
	}
	rankings := rankActivity(counts)
	totalPages := paginate(len(rankings), DefaultPageSize)
	page = min(max(page, 1), totalPages)

	embed := &discordgo.MessageEmbed{
		Title:  "Most Active Users in the Last 30 Days",
		Color:  discordColorBlue,
		Footer: pageFooter(page, totalPages),
	}
	for _, r := range pageSlice(rankings, page, DefaultPageSize) {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  fmt.Sprintf("%d. %s", r.Rank, a.bot.members.name(ctx, r.Entry.UserID)),
				Value: fmt.Sprintf("%d messages", r.Entry.Messages),
			},
		)
	}
	return embed, totalPages, nil
}

// legacyActivityLog is the activity_log.json format: guild ID to user ID
// to message timestamps, in unix seconds
type legacyActivityLog map[string]map[string][]float64

// cleanupActivity returns a copy of log keeping only timestamps after
// now-window. Users left without timestamps, and guilds left without
// users, are dropped.
func cleanupActivity(log legacyActivityLog, now time.Time, window time.Duration) legacyActivityLog {
	threshold := float64(now.Add(-window).UnixNano()) / float64(time.Second)
	cleaned := legacyActivityLog{}
	for guildID, users := range log {
		for userID, timestamps := range users {
			var recent []float64
			for _, ts := range timestamps {
				if ts > threshold {
					recent = append(recent, ts)
				}
			}
			if len(recent) == 0 {
				continue
			}
			if cleaned[guildID] == nil {
				cleaned[guildID] = map[string][]float64{}
			}
			cleaned[guildID][userID] = recent
		}
	}
	return cleaned
}
