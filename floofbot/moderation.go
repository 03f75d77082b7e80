package floofbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	moderationActionBan    = "ban"
	moderationActionKick   = "kick"
	moderationActionLock   = "lock"
	moderationActionUnlock = "unlock"

	moderationOptUser   = "user"
	moderationOptReason = "reason"

	moderationDateFormat = "2006-01-02 15:04:05"
)

var moderationDivider = strings.Repeat("-", 54)

// ModerationAction records a ban, kick, lock or unlock
type ModerationAction struct {
	ModelUintID
	Action      string `json:"action" gorm:"not null;index"`
	ModeratorID string `json:"moderator_id" gorm:"not null;index"`

	// TargetID is the user acted on, or the channel for locks
	TargetID  string `json:"target_id" gorm:"not null;index"`
	ChannelID string `json:"channel_id"`
	Reason    string `json:"reason"`

	// DMSent is false if the target couldn't be messaged before a
	// ban or kick
	DMSent    bool  `json:"dm_sent"`
	CreatedAt int64 `json:"created_at" gorm:"autoCreateTime:milli"`
}

type Moderation struct {
	bot    *FloofBot
	logger *slog.Logger
	now    func() time.Time
}

func newModeration(bot *FloofBot, logger *slog.Logger) *Moderation {
	return &Moderation{bot: bot, logger: logger, now: time.Now}
}

func (m *Moderation) commands() []slashCommand {
	userOptions := func(verb string) []*discordgo.ApplicationCommandOption {
		return []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        moderationOptUser,
				Description: fmt.Sprintf("The member to %s", verb),
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        moderationOptReason,
				Description: "Why",
				Required:    true,
			},
		}
	}
	return []slashCommand{
		{
			command: &discordgo.ApplicationCommand{
				Name:        "ban",
				Description: "Ban a member.",
				Options:     userOptions("ban"),
			},
			staffOnly: true,
			handler:   m.banCommand,
		},
		{
			command: &discordgo.ApplicationCommand{
				Name:        "kick",
				Description: "Kick a member.",
				Options:     userOptions("kick"),
			},
			staffOnly: true,
			handler:   m.kickCommand,
		},
		{
			command: &discordgo.ApplicationCommand{
				Name:        "lock",
				Description: "Locks the current channel to prevent messages.",
			},
			staffOnly: true,
			handler:   m.lockCommand,
		},
		{
			command: &discordgo.ApplicationCommand{
				Name:        "unlock",
				Description: "Unlocks the current channel to allow messages.",
			},
			staffOnly: true,
			handler:   m.unlockCommand,
		},
	}
}

func (m *Moderation) components() map[string]interactionFunc {
	return map[string]interactionFunc{}
}

// removal describes a ban or kick, for the embeds both share
type removal struct {
	action string

	// past is the past tense used in embeds, like "Banned"
	past string
}

var (
	removalBan  = removal{action: moderationActionBan, past: "Banned"}
	removalKick = removal{action: moderationActionKick, past: "Kicked"}
)

// channelEmbed is posted where the command was used
func (r removal) channelEmbed(
	moderator *discordgo.User,
	targetID string,
	reason string,
	at time.Time,
	iconURL string,
) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Author:      &discordgo.MessageEmbedAuthor{Name: fmt.Sprintf("Member %s:", r.past)},
		Description: moderationDivider,
		Color:       0x00ff00,
		Fields: []*discordgo.MessageEmbedField{
			{Name: r.past + " by: ", Value: moderator.Mention()},
			{Name: r.past + ": ", Value: mention(targetID)},
			{Name: "Reason: ", Value: reason + "\n" + moderationDivider},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text:    fmt.Sprintf("Requested by %s \a %s", moderator.String(), at.Format(moderationDateFormat)),
			IconURL: iconURL,
		},
	}
}

// dmEmbed is sent to the member before they're removed
func (r removal) dmEmbed(
	moderator *discordgo.User,
	serverName string,
	reason string,
	at time.Time,
) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Author:      &discordgo.MessageEmbedAuthor{Name: fmt.Sprintf("You've been %s", r.past)},
		Description: moderationDivider,
		Color:       0xff0000,
		Fields: []*discordgo.MessageEmbedField{
			{Name: r.past + " by: ", Value: moderator.Mention()},
			{Name: r.past + " in: ", Value: serverName},
			{Name: "Reason: ", Value: reason + "\n" + moderationDivider},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("%s at %s", r.past, at.Format(moderationDateFormat)),
		},
	}
}

func (m *Moderation) banCommand(ctx context.Context, h InteractionHandler) error {
	return m.remove(ctx, h, removalBan)
}

func (m *Moderation) kickCommand(ctx context.Context, h InteractionHandler) error {
	return m.remove(ctx, h, removalKick)
}

// remove posts the channel embed, DMs the target, then bans or kicks
// them. A failed DM is logged, and doesn't stop the removal.
func (m *Moderation) remove(ctx context.Context, h InteractionHandler, r removal) error {
	i := h.GetInteraction()
	logger := interactionLogger(ctx, h)
	opts := newCommandOptions(i)
	target, _ := opts.User(moderationOptUser)
	if target == nil {
		return fmt.Errorf("missing %s option", moderationOptUser)
	}
	reason := opts.String(moderationOptReason)
	moderator := getDiscordUser(i)
	at := m.now()

	var iconURL string
	if self := m.bot.session().BotUser(); self != nil {
		iconURL = self.AvatarURL("")
	}

	if err := h.Respond(
		ctx,
		embedResponse(r.channelEmbed(moderator, target.ID, reason, at, iconURL)),
	); err != nil {
		return err
	}

	serverName := m.bot.guildID()
	if g, err := m.bot.session().Guild(m.bot.guildID()); err != nil {
		logger.WarnContext(ctx, "unable to get guild", tint.Err(err))
	} else {
		serverName = g.Name
	}

	dmErr := sendDM(m.bot.session(), target.ID, r.dmEmbed(moderator, serverName, reason, at), "")
	if dmErr != nil {
		logger.WarnContext(ctx, "unable to dm member", tint.Err(dmErr), "target_id", target.ID)
	}

	var err error
	switch r.action {
	case moderationActionBan:
		err = m.bot.session().GuildBanCreateWithReason(m.bot.guildID(), target.ID, reason, 0)
	case moderationActionKick:
		err = m.bot.session().GuildMemberDeleteWithReason(m.bot.guildID(), target.ID, reason)
	}
	if err != nil {
		return fmt.Errorf("error removing member (%s): %w", r.action, err)
	}

	m.record(
		ctx, &ModerationAction{
			Action:      r.action,
			ModeratorID: moderator.ID,
			TargetID:    target.ID,
			ChannelID:   i.ChannelID,
			Reason:      reason,
			DMSent:      dmErr == nil,
		},
	)
	return nil
}

func (m *Moderation) lockCommand(ctx context.Context, h InteractionHandler) error {
	return m.setLocked(ctx, h, true)
}

func (m *Moderation) unlockCommand(ctx context.Context, h InteractionHandler) error {
	return m.setLocked(ctx, h, false)
}

// setLocked denies or allows @everyone sending messages in the channel.
// The @everyone role shares the guild's ID.
func (m *Moderation) setLocked(ctx context.Context, h InteractionHandler, locked bool) error {
	i := h.GetInteraction()
	var allow, deny int64
	embed := &discordgo.MessageEmbed{}
	action := moderationActionUnlock
	if locked {
		deny = discordgo.PermissionSendMessages
		action = moderationActionLock
		embed.Title = "Channel Locked"
		embed.Description = "This channel has been locked to prevent further messages."
		embed.Color = 0xff0000
	} else {
		allow = discordgo.PermissionSendMessages
		embed.Title = "Channel Unlocked"
		embed.Description = "This channel has been unlocked and messages can be sent again."
		embed.Color = 0x00ff00
	}

	if err := m.bot.session().ChannelPermissionSet(
		i.ChannelID,
		m.bot.guildID(),
		discordgo.PermissionOverwriteTypeRole,
		allow,
		deny,
	); err != nil {
		return fmt.Errorf("error setting channel permissions: %w", err)
	}

	m.record(
		ctx, &ModerationAction{
			Action:      action,
			ModeratorID: getDiscordUser(i).ID,
			TargetID:    i.ChannelID,
			ChannelID:   i.ChannelID,
		},
	)
	return h.Respond(ctx, embedResponse(embed))
}

// record saves the action. The action already happened by now, so
// failures are only logged.
func (m *Moderation) record(ctx context.Context, action *ModerationAction) {
	m.bot.metrics.moderationActions.WithLabelValues(action.Action).Inc()
	if _, err := m.bot.writeDB.Create(ctx, action); err != nil {
		m.logger.ErrorContext(ctx, "error recording moderation action", tint.Err(err))
		return
	}
	m.logger.InfoContext(
		ctx,
		"moderation action",
		"action", action.Action,
		"moderator_id", action.ModeratorID,
		"target_id", action.TargetID,
	)
}
