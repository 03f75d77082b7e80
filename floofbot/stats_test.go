package floofbot

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statsTestConfig(t *testing.T) *Config {
	cfg := DefaultTestConfig(t)
	cfg.Stats.MemberCountChannelID = "501"
	cfg.Stats.BotCountChannelID = "502"
	cfg.Stats.BoostCountChannelID = "503"
	return cfg
}

func TestStats_CountsPagesMembers(t *testing.T) {
	bot, mock := newTestBot(t, statsTestConfig(t))
	mock.guild.PremiumSubscriptionCount = 4

	total := discordMaxMembersPerRequest + 5
	for idx := 0; idx < total; idx++ {
		u := testUser(fmt.Sprintf("%d", 10000+idx), "member")
		u.Bot = idx%100 == 0
		mock.addMember(&discordgo.Member{User: u})
	}

	counts, err := bot.stats.counts()
	require.NoError(t, err)
	assert.Equal(t, total, counts.Members)
	assert.Equal(t, (total+99)/100, counts.Bots)
	assert.Equal(t, 4, counts.Boosts)
}

func TestStats_Refresh(t *testing.T) {
	bot, mock := newTestBot(t, statsTestConfig(t))
	ctx := context.Background()
	mock.guild.PremiumSubscriptionCount = 2
	mock.addMember(testMember("10", "a"))
	mock.addMember(&discordgo.Member{User: &discordgo.User{ID: "11", Username: "beep", Bot: true}})

	mock.addChannel(&discordgo.Channel{ID: "501", Name: "old"})
	mock.addChannel(&discordgo.Channel{ID: "502", Name: botCountChannelName(1)})
	mock.addChannel(&discordgo.Channel{ID: "503", Name: "old"})

	require.NoError(t, bot.stats.refresh(ctx))
	assert.Equal(
		t,
		map[string]string{
			"501": memberCountChannelName(2),
			"503": boostCountChannelName(2),
		},
		mock.channelEdits,
	)

	// cached names skip the channel lookup entirely
	mock.setErr("Channel", errStub)
	require.NoError(t, bot.stats.refresh(ctx))
	mock.setErr("Channel", nil)

	mock.addMember(testMember("12", "b"))
	require.NoError(t, bot.stats.refresh(ctx))
	assert.Equal(t, memberCountChannelName(3), mock.channelEdits["501"])
}

func TestStats_RefreshWithoutChannels(t *testing.T) {
	bot, mock := newTestBot(t, nil)
	mock.setErr("Guild", errStub)
	assert.NoError(t, bot.stats.refresh(context.Background()))
}

func TestStats_MissingChannel(t *testing.T) {
	bot, mock := newTestBot(t, statsTestConfig(t))
	mock.addChannel(&discordgo.Channel{ID: "501"})
	mock.addChannel(&discordgo.Channel{ID: "502"})

	err := bot.stats.refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Len(t, mock.channelEdits, 2)
}

func TestStats_ForceReload(t *testing.T) {
	bot, mock := newTestBot(t, statsTestConfig(t))
	ctx := context.Background()
	for _, id := range []string{"501", "502", "503"} {
		mock.addChannel(&discordgo.Channel{ID: id})
	}
	require.NoError(t, bot.stats.refresh(ctx))

	// renamed by hand in the meantime
	mock.channels["501"].Name = "renamed"

	h := newStubHandler(newSlashInteraction("force_reload_stats", staffMember("1", "mod"), nil, nil))
	require.NoError(t, bot.stats.forceReloadCommand(ctx, h))
	assert.True(t, isEphemeral(h.lastResponse()))
	assert.Equal(t, statsReloadedMessage, h.lastContent())
	assert.Equal(t, memberCountChannelName(0), mock.channels["501"].Name)
}
