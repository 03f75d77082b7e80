package floofbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/patrickmn/go-cache"
)

var statsReloadedMessage = "Stats channels have been force reloaded!"

// guildCounts are the numbers shown in the stats channels
type guildCounts struct {
	Members int `json:"members"`
	Bots    int `json:"bots"`
	Boosts  int `json:"boosts"`
}

func memberCountChannelName(n int) string {
	return fmt.Sprintf("𝗠𝗘𝗠𝗕𝗘𝗥 𝗖𝗢𝗨𝗡𝗧 - %d", n)
}

func botCountChannelName(n int) string {
	return fmt.Sprintf("𝗕𝗢𝗧 𝗖𝗢𝗨𝗡𝗧 - %d", n)
}

func boostCountChannelName(n int) string {
	return fmt.Sprintf("𝗦𝗘𝗥𝗩𝗘𝗥 𝗕𝗢𝗢𝗦𝗧𝗦 - %d", n)
}

// Stats keeps the member, bot and boost count channels up to date
type Stats struct {
	bot    *FloofBot
	config *StatsConfig
	logger *slog.Logger

	// names holds the channel names last applied, keyed by channel ID, so
	// unchanged channels aren't fetched every refresh
	names *cache.Cache
}

func newStats(bot *FloofBot, config *StatsConfig, logger *slog.Logger) *Stats {
	ttl := 3 * config.Interval
	return &Stats{
		bot:    bot,
		config: config,
		logger: logger,
		names:  cache.New(ttl, 2*ttl),
	}
}

func (s *Stats) commands() []slashCommand {
	return []slashCommand{
		{
			command: &discordgo.ApplicationCommand{
				Name:        "force_reload_stats",
				Description: "Force reload all stats channels immediately",
			},
			staffOnly: true,
			handler:   s.forceReloadCommand,
		},
	}
}

func (s *Stats) components() map[string]interactionFunc {
	return map[string]interactionFunc{}
}

// counts pages through the guild's member list to count members and bots
func (s *Stats) counts() (guildCounts, error) {
	var counts guildCounts
	guild, err := s.bot.session().Guild(s.bot.guildID())
	if err != nil {
		return counts, fmt.Errorf("error getting guild: %w", err)
	}
	counts.Boosts = guild.PremiumSubscriptionCount

	after := ""
	for {
		members, err := s.bot.session().GuildMembers(s.bot.guildID(), after, discordMaxMembersPerRequest)
		if err != nil {
			return counts, fmt.Errorf("error listing guild members: %w", err)
		}
		for _, m := range members {
			counts.Members++
			if m.User != nil && m.User.Bot {
				counts.Bots++
			}
		}
		if len(members) < discordMaxMembersPerRequest {
			break
		}
		last := members[len(members)-1]
		if last.User == nil {
			break
		}
		after = last.User.ID
	}
	return counts, nil
}

// rename sets the channel's name, unless it already has it
func (s *Stats) rename(ctx context.Context, channelID string, name string) error {
	if channelID == "" {
		return nil
	}
	if current, ok := s.names.Get(channelID); ok && current.(string) == name {
		return nil
	}

	ch, err := s.bot.session().Channel(channelID)
	if err != nil {
		return fmt.Errorf("error getting channel %s: %w", channelID, err)
	}
	if ch.Name != name {
		if _, err = s.bot.session().ChannelEdit(channelID, &discordgo.ChannelEdit{Name: name}); err != nil {
			return fmt.Errorf("error renaming channel %s: %w", channelID, err)
		}
		s.logger.InfoContext(ctx, "renamed stats channel", "channel_id", channelID, "name", name)
	}
	s.names.SetDefault(channelID, name)
	return nil
}

// refresh recounts the guild and renames any stats channels whose count
// changed
func (s *Stats) refresh(ctx context.Context) error {
	if s.config.MemberCountChannelID == "" &&
		s.config.BotCountChannelID == "" &&
		s.config.BoostCountChannelID == "" {
		return nil
	}
	counts, err := s.counts()
	if err != nil {
		return err
	}
	s.bot.metrics.setGuildCounts(counts)

	return errors.Join(
		s.rename(ctx, s.config.MemberCountChannelID, memberCountChannelName(counts.Members)),
		s.rename(ctx, s.config.BotCountChannelID, botCountChannelName(counts.Bots)),
		s.rename(ctx, s.config.BoostCountChannelID, boostCountChannelName(counts.Boosts)),
	)
}

func (s *Stats) forceReloadCommand(ctx context.Context, h InteractionHandler) error {
	if err := h.Respond(ctx, deferredResponse(true)); err != nil {
		return err
	}
	s.names.Flush()
	if err := s.refresh(ctx); err != nil {
		return err
	}
	_, err := h.Edit(ctx, &discordgo.WebhookEdit{Content: &statsReloadedMessage})
	return err
}
