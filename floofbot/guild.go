package floofbot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
)

const unknownUserName = "Unknown User"

var (
	roleCacheTTL   = 5 * time.Minute
	memberCacheTTL = 10 * time.Minute

	ErrRoleNotFound = errors.New("role not found")
)

// roleResolver looks up guild roles by name. The role list is cached, as
// it's checked on every staff command.
type roleResolver struct {
	bot   *FloofBot
	cache *cache.Cache
}

func newRoleResolver(bot *FloofBot) *roleResolver {
	return &roleResolver{
		bot:   bot,
		cache: cache.New(roleCacheTTL, 2*roleCacheTTL),
	}
}

func (r *roleResolver) roles() ([]*discordgo.Role, error) {
	if v, ok := r.cache.Get("roles"); ok {
		return v.([]*discordgo.Role), nil
	}
	roles, err := r.bot.session().GuildRoles(r.bot.guildID())
	if err != nil {
		return nil, fmt.Errorf("error getting guild roles: %w", err)
	}
	r.cache.SetDefault("roles", roles)
	return roles, nil
}

// byName returns the role with the given name, case-insensitively
func (r *roleResolver) byName(name string) (*discordgo.Role, error) {
	roles, err := r.roles()
	if err != nil {
		return nil, err
	}
	role := findRoleByName(roles, name)
	if role == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return role, nil
}

// memberHasRoleNamed reports whether m has a role named name
func (r *roleResolver) memberHasRoleNamed(m *discordgo.Member, name string) bool {
	if m == nil || name == "" {
		return false
	}
	role, err := r.byName(name)
	if err != nil {
		return false
	}
	return memberHasRole(m, role.ID)
}

func (r *roleResolver) invalidate() {
	r.cache.Flush()
}

// staffRoleID returns the configured staff role, resolving it by name
// when no ID is configured
func (bot *FloofBot) staffRoleID() (string, error) {
	if id := bot.config.Guild.StaffRoleID; id != "" {
		return id, nil
	}
	role, err := bot.roles.byName(bot.config.Guild.StaffRoleName)
	if err != nil {
		return "", err
	}
	return role.ID, nil
}

func (bot *FloofBot) isStaff(ctx context.Context, m *discordgo.Member) bool {
	if m == nil {
		return false
	}
	roleID, err := bot.staffRoleID()
	if err != nil {
		bot.logger.WarnContext(ctx, "unable to resolve staff role", tint.Err(err))
		return false
	}
	return memberHasRole(m, roleID)
}

func (bot *FloofBot) isDJ(m *discordgo.Member) bool {
	return bot.roles.memberHasRoleNamed(m, bot.config.Guild.DJRoleName)
}

// memberCache caches guild members, for rendering names in leaderboards
// and transcripts
type memberCache struct {
	bot   *FloofBot
	cache *cache.Cache
}

func newMemberCache(bot *FloofBot) *memberCache {
	return &memberCache{
		bot:   bot,
		cache: cache.New(memberCacheTTL, 2*memberCacheTTL),
	}
}

// get returns the guild member with the given ID. Members who have left
// are cached as nil, so they aren't looked up again right away.
func (c *memberCache) get(userID string) (*discordgo.Member, error) {
	if v, ok := c.cache.Get(userID); ok {
		m, _ := v.(*discordgo.Member)
		return m, nil
	}
	m, err := c.bot.session().GuildMember(c.bot.guildID(), userID)
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil &&
			restErr.Response.StatusCode == http.StatusNotFound {
			c.cache.SetDefault(userID, (*discordgo.Member)(nil))
			return nil, nil
		}
		return nil, err
	}
	c.cache.SetDefault(userID, m)
	return m, nil
}

// name returns the member's display name, or "Unknown User" if they
// can't be found
func (c *memberCache) name(ctx context.Context, userID string) string {
	m, err := c.get(userID)
	if err != nil {
		c.bot.logger.WarnContext(ctx, "error looking up member", tint.Err(err), "user_id", userID)
	}
	if m == nil {
		return unknownUserName
	}
	return displayName(m)
}

// put seeds the cache with a member already at hand
func (c *memberCache) put(m *discordgo.Member) {
	if m == nil || m.User == nil {
		return
	}
	c.cache.SetDefault(m.User.ID, m)
}

func mention(userID string) string {
	return "<@" + userID + ">"
}

func channelMention(channelID string) string {
	return "<#" + channelID + ">"
}

// channelSlug lowercases name and keeps only characters discord allows in
// text channel names
func channelSlug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}
