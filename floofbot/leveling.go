package floofbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	noLevelsMessage     = "No users have gained levels yet."
	noLevelDataMessage  = "No level data exists for this server."
	leaderboardContent  = "Here is the leaderboard:"
	levelCommandOptRole = "role_name"
)

// UserLevel is a user's level and XP progress towards the next level
type UserLevel struct {
	GuildID string `json:"guild_id" gorm:"primaryKey"`
	UserID  string `json:"user_id" gorm:"primaryKey"`
	Level   int    `json:"level" gorm:"not null;default:1;index"`
	XP      int    `json:"xp" gorm:"not null;default:0"`
	ModelTimestamps
}

// xpNeeded returns the XP needed to go from level to level+1
func xpNeeded(level int, xpPerLevel int) int {
	return level * xpPerLevel
}

// applyXP adds gain to lvl. Reaching the threshold increments the level
// and resets XP to zero.
func applyXP(lvl UserLevel, gain int, xpPerLevel int) (UserLevel, bool) {
	lvl.XP += gain
	if lvl.XP >= xpNeeded(lvl.Level, xpPerLevel) {
		lvl.Level++
		lvl.XP = 0
		return lvl, true
	}
	return lvl, false
}

func rankLevels(levels []UserLevel) []ranked[UserLevel] {
	return rankEntries(
		levels, func(l UserLevel) []int64 {
			return []int64{int64(l.Level), int64(l.XP)}
		},
	)
}

// Leveling awards XP for messages, and grants a role once members reach
// a certain level
type Leveling struct {
	bot    *FloofBot
	config *LevelingConfig
	logger *slog.Logger

	// mu serializes the read-modify-write of a user's XP
	mu sync.Mutex

	// limiters holds a per-user rate.Limiter when a message cooldown
	// is configured
	limiters *cache.Cache
}

func newLeveling(bot *FloofBot, config *LevelingConfig, logger *slog.Logger) *Leveling {
	ttl := max(10*time.Minute, 2*config.MessageCooldown)
	return &Leveling{
		bot:      bot,
		config:   config,
		logger:   logger,
		limiters: cache.New(ttl, ttl),
	}
}

func (l *Leveling) commands() []slashCommand {
	return []slashCommand{
		{
			command: &discordgo.ApplicationCommand{
				Name:        "level",
				Description: "Check your current level and XP.",
			},
			handler: l.levelCommand,
		},
		{
			command: &discordgo.ApplicationCommand{
				Name:        "leaderboard",
				Description: "Display the leaderboard of users by level.",
			},
			handler: l.leaderboardCommand,
		},
		{
			command: &discordgo.ApplicationCommand{
				Name:        "retroactive_roles",
				Description: "Assign the level role to everyone who has already reached it.",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        levelCommandOptRole,
						Description: "Role to assign (defaults to the configured level role)",
						Required:    false,
					},
				},
			},
			staffOnly: true,
			handler:   l.retroactiveRolesCommand,
		},
	}
}

func (l *Leveling) components() map[string]interactionFunc {
	return map[string]interactionFunc{}
}

// allowXP reports whether the user is outside their XP cooldown
func (l *Leveling) allowXP(userID string) bool {
	if l.config.MessageCooldown <= 0 {
		return true
	}
	v, ok := l.limiters.Get(userID)
	if !ok {
		v = rate.NewLimiter(rate.Every(l.config.MessageCooldown), 1)
		l.limiters.SetDefault(userID, v)
	}
	return v.(*rate.Limiter).Allow()
}

func (l *Leveling) get(ctx context.Context, userID string) (*UserLevel, error) {
	var lvl UserLevel
	err := l.bot.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", l.bot.guildID(), userID).
		First(&lvl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting level: %w", err)
	}
	return &lvl, nil
}

// awardXP adds XP for a single message and saves the result. New users
// start at level 1.
func (l *Leveling) awardXP(ctx context.Context, userID string) (UserLevel, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.get(ctx, userID)
	if err != nil {
		return UserLevel{}, false, err
	}
	if current == nil {
		current = &UserLevel{GuildID: l.bot.guildID(), UserID: userID, Level: 1}
	}

	next, leveledUp := applyXP(*current, l.config.XPPerMessage, l.config.XPPerLevel)
	if _, err = l.bot.writeDB.Upsert(
		ctx,
		&next,
		[]string{"guild_id", "user_id"},
		[]string{"level", "xp", "updated_at"},
	); err != nil {
		return next, false, fmt.Errorf("error saving level: %w", err)
	}
	return next, leveledUp, nil
}

func (l *Leveling) handleMessage(ctx context.Context, m *discordgo.MessageCreate) error {
	if !l.allowXP(m.Author.ID) {
		return nil
	}

	lvl, leveledUp, err := l.awardXP(ctx, m.Author.ID)
	if err != nil {
		return err
	}
	l.bot.metrics.xpAwarded.Add(float64(l.config.XPPerMessage))
	if !leveledUp {
		return nil
	}

	l.bot.metrics.levelUps.Inc()
	l.logger.InfoContext(
		ctx,
		"level up",
		"user_id", m.Author.ID,
		"level", lvl.Level,
	)

	if _, err = l.bot.session().ChannelMessageSendEmbed(
		m.ChannelID,
		levelUpEmbed(m.Author, lvl.Level),
	); err != nil {
		l.logger.ErrorContext(ctx, "error sending level up message", tint.Err(err))
	}

	if l.config.RoleName == "" || lvl.Level < l.config.RoleLevel {
		return nil
	}
	return l.grantLevelRole(ctx, m)
}

func levelUpEmbed(u *discordgo.User, level int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "Level Up!",
		Description: fmt.Sprintf(
			"Congratulations %s, you've leveled up to level %d!",
			u.Mention(),
			level,
		),
		Color:     discordColorGreen,
		Thumbnail: &discordgo.MessageEmbedThumbnail{URL: u.AvatarURL("")},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Keep being active, %s, to reach the next level!", u.Username),
		},
	}
}

// grantLevelRole gives the author the level role, if they don't have it
// already
func (l *Leveling) grantLevelRole(ctx context.Context, m *discordgo.MessageCreate) error {
	role, err := l.bot.roles.byName(l.config.RoleName)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			l.logger.WarnContext(ctx, "level role does not exist", "role", l.config.RoleName)
			return nil
		}
		return err
	}
	if memberHasRole(m.Member, role.ID) {
		return nil
	}
	if err = l.bot.session().GuildMemberRoleAdd(l.bot.guildID(), m.Author.ID, role.ID); err != nil {
		return fmt.Errorf("error granting level role: %w", err)
	}
	_, err = l.bot.session().ChannelMessageSend(
		m.ChannelID,
		fmt.Sprintf(
			"%s, you have been given the role **%s** for reaching level %d!",
			m.Author.Mention(),
			role.Name,
			l.config.RoleLevel,
		),
	)
	return err
}

func (l *Leveling) levelCommand(ctx context.Context, h InteractionHandler) error {
	u := getDiscordUser(h.GetInteraction())
	lvl, err := l.get(ctx, u.ID)
	if err != nil {
		return err
	}
	if lvl == nil {
		return h.Respond(
			ctx,
			messageResponse(fmt.Sprintf("%s, you have not gained any XP yet.", u.Mention())),
		)
	}
	return h.Respond(
		ctx,
		messageResponse(
			fmt.Sprintf(
				"%s, you are currently level %d with %d XP.",
				u.Mention(),
				lvl.Level,
				lvl.XP,
			),
		),
	)
}

func (l *Leveling) all(ctx context.Context) ([]UserLevel, error) {
	var levels []UserLevel
	if err := l.bot.db.WithContext(ctx).
		Where("guild_id = ?", l.bot.guildID()).
		Order("user_id").
		Find(&levels).Error; err != nil {
		return nil, fmt.Errorf("error getting levels: %w", err)
	}
	return levels, nil
}

func (l *Leveling) leaderboardCommand(ctx context.Context, h InteractionHandler) error {
	var count int64
	if err := l.bot.db.WithContext(ctx).
		Model(&UserLevel{}).
		Where("guild_id = ?", l.bot.guildID()).
		Count(&count).Error; err != nil {
		return fmt.Errorf("error counting levels: %w", err)
	}
	if count == 0 {
		return h.Respond(ctx, messageResponse(noLevelsMessage))
	}
	return l.bot.sendPaginated(ctx, h, pageKindLeaderboard, leaderboardContent)
}

func (l *Leveling) leaderboardPage(ctx context.Context, page int) (*discordgo.MessageEmbed, int, error) {
	levels, err := l.all(ctx)
	if err != nil {
		return nil, 0, err
	}
	rankings := rankLevels(levels)
	totalPages := paginate(len(rankings), DefaultPageSize)
	page = min(max(page, 1), totalPages)

	embed := &discordgo.MessageEmbed{
		Title:  "Leaderboard",
		Color:  discordColorBlue,
		Footer: pageFooter(page, totalPages),
	}
	for _, r := range pageSlice(rankings, page, DefaultPageSize) {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  fmt.Sprintf("%d. %s", r.Rank, l.bot.members.name(ctx, r.Entry.UserID)),
				Value: fmt.Sprintf("Level: %d, XP: %d", r.Entry.Level, r.Entry.XP),
			},
		)
	}
	return embed, totalPages, nil
}

func (l *Leveling) retroactiveRolesCommand(ctx context.Context, h InteractionHandler) error {
	roleName := newCommandOptions(h.GetInteraction()).String(levelCommandOptRole)
	if roleName == "" {
		roleName = l.config.RoleName
	}

	l.bot.roles.invalidate()
	role, err := l.bot.roles.byName(roleName)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			return h.Respond(
				ctx,
				messageResponse(fmt.Sprintf("Error: The role '%s' does not exist.", roleName)),
			)
		}
		return err
	}

	levels, err := l.all(ctx)
	if err != nil {
		return err
	}
	if len(levels) == 0 {
		return h.Respond(ctx, messageResponse(noLevelDataMessage))
	}

	// assigning roles one member at a time can take longer than the
	// interaction response deadline
	if err = h.Respond(ctx, deferredResponse(false)); err != nil {
		return err
	}

	assigned := 0
	for _, lvl := range levels {
		if lvl.Level < l.config.RoleLevel {
			continue
		}
		member, memberErr := l.bot.members.get(lvl.UserID)
		if memberErr != nil {
			l.logger.WarnContext(ctx, "error getting member", tint.Err(memberErr), "user_id", lvl.UserID)
			continue
		}
		if member == nil || memberHasRole(member, role.ID) {
			continue
		}
		if addErr := l.bot.session().GuildMemberRoleAdd(
			l.bot.guildID(),
			lvl.UserID,
			role.ID,
		); addErr != nil {
			l.logger.ErrorContext(ctx, "error assigning role", tint.Err(addErr), "user_id", lvl.UserID)
			continue
		}
		assigned++
	}

	content := fmt.Sprintf(
		"Successfully assigned the %s role to %d members who are level %d or higher.",
		role.Name,
		assigned,
		l.config.RoleLevel,
	)
	_, err = h.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	return err
}

// legacyLevels is the levels.json format: guild ID to user ID to level
type legacyLevels map[string]map[string]struct {
	Level int `json:"level"`
	XP    int `json:"xp"`
}
