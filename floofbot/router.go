package floofbot

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const customIDSeparator = ":"

var pausedMessage = "FloofBot is taking a nap right now, try again later!"

// interactionFunc handles a single interaction. Handlers respond to the
// interaction themselves, and only return an error for unexpected
// failures, which get the generic error reply.
type interactionFunc func(ctx context.Context, h InteractionHandler) error

type slashCommand struct {
	command   *discordgo.ApplicationCommand
	staffOnly bool
	handler   interactionFunc
}

// cog is a group of related commands, plus the buttons, select menus and
// modals they send
type cog interface {
	commands() []slashCommand

	// components maps custom ID prefixes (the part before the first ':')
	// to their handlers. Buttons, select menus and modals share the
	// namespace.
	components() map[string]interactionFunc
}

type router struct {
	bot        *FloofBot
	commands   map[string]slashCommand
	order      []string
	components map[string]interactionFunc
}

func newRouter(bot *FloofBot, cogs ...cog) *router {
	r := &router{
		bot:        bot,
		commands:   map[string]slashCommand{},
		components: map[string]interactionFunc{},
	}
	for _, c := range cogs {
		for _, cmd := range c.commands() {
			if _, exists := r.commands[cmd.command.Name]; exists {
				panic(fmt.Sprintf("duplicate command: %s", cmd.command.Name))
			}
			r.commands[cmd.command.Name] = cmd
			r.order = append(r.order, cmd.command.Name)
		}
		for prefix, fn := range c.components() {
			if _, exists := r.components[prefix]; exists {
				panic(fmt.Sprintf("duplicate component prefix: %s", prefix))
			}
			r.components[prefix] = fn
		}
	}
	r.components[pageCustomIDPrefix] = bot.handlePageButton
	return r
}

// applicationCommands returns every command, in registration order
func (r *router) applicationCommands() []*discordgo.ApplicationCommand {
	cmds := make([]*discordgo.ApplicationCommand, 0, len(r.order))
	for _, name := range r.order {
		cmds = append(cmds, r.commands[name].command)
	}
	return cmds
}

func (r *router) route(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	logger := h.Logger()

	var fn interactionFunc
	var staffOnly bool

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		cmd, ok := r.commands[i.ApplicationCommandData().Name]
		if !ok {
			logger.WarnContext(ctx, "unknown command", "name", i.ApplicationCommandData().Name)
			return
		}
		fn = cmd.handler
		staffOnly = cmd.staffOnly
	case discordgo.InteractionMessageComponent, discordgo.InteractionModalSubmit:
		name := interactionName(i)
		handler, ok := r.components[customIDPrefix(name)]
		if !ok {
			logger.WarnContext(ctx, "unknown component", "custom_id", name)
			return
		}
		fn = handler
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
		return
	}

	paused := r.bot.paused.Load()
	if staffOnly || paused {
		if !r.bot.isStaff(ctx, i.Member) {
			msg := errNoPermissionMessage
			if !staffOnly {
				msg = pausedMessage
			}
			_ = h.Respond(ctx, ephemeralResponse(msg))
			return
		}
	}

	name := interactionName(i)
	r.bot.metrics.interactionReceived(i.Type, name)

	if err := fn(ctx, h); err != nil {
		logger.ErrorContext(ctx, "error handling interaction", tint.Err(err))
		r.bot.metrics.interactionFailed(i.Type, name)
		respondError(ctx, h)
	}
}

// respondError sends the generic error embed, as a followup if the
// interaction was already acknowledged
func respondError(ctx context.Context, h InteractionHandler) {
	resp := errorEmbedResponse(h.Config().DiscordErrorMessage)
	if err := h.Respond(ctx, resp); err == nil {
		return
	}
	if _, err := h.Followup(
		ctx,
		&discordgo.WebhookParams{
			Embeds: resp.Data.Embeds,
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	); err != nil {
		h.Logger().ErrorContext(ctx, "unable to send error reply", tint.Err(err))
	}
}

// customID joins parts into a component custom ID
func customID(parts ...string) string {
	return strings.Join(parts, customIDSeparator)
}

func customIDPrefix(id string) string {
	prefix, _, _ := strings.Cut(id, customIDSeparator)
	return prefix
}

// customIDParts splits a custom ID into the parts after its prefix
func customIDParts(id string) []string {
	parts := strings.Split(id, customIDSeparator)
	return parts[1:]
}

// commandOptions wraps the top-level options of a slash command
type commandOptions struct {
	options  map[string]*discordgo.ApplicationCommandInteractionDataOption
	resolved *discordgo.ApplicationCommandInteractionDataResolved
}

func newCommandOptions(i *discordgo.InteractionCreate) commandOptions {
	return commandOptions{
		options:  discordInteractionOptions(i),
		resolved: i.ApplicationCommandData().Resolved,
	}
}

func (o commandOptions) has(name string) bool {
	_, ok := o.options[name]
	return ok
}

func (o commandOptions) String(name string) string {
	opt, ok := o.options[name]
	if !ok {
		return ""
	}
	return opt.StringValue()
}

func (o commandOptions) Int(name string) int64 {
	opt, ok := o.options[name]
	if !ok {
		return 0
	}
	return opt.IntValue()
}

// User returns the user passed for option name, along with their member
// if they're in the guild
func (o commandOptions) User(name string) (*discordgo.User, *discordgo.Member) {
	opt, ok := o.options[name]
	if !ok {
		return nil, nil
	}
	id, _ := opt.Value.(string)
	if id == "" {
		return nil, nil
	}
	var user *discordgo.User
	var member *discordgo.Member
	if o.resolved != nil {
		user = o.resolved.Users[id]
		member = o.resolved.Members[id]
	}
	if user == nil {
		user = &discordgo.User{ID: id}
	}
	if member != nil && member.User == nil {
		m := *member
		m.User = user
		member = &m
	}
	return user, member
}

func (o commandOptions) Attachment(name string) *discordgo.MessageAttachment {
	opt, ok := o.options[name]
	if !ok || o.resolved == nil {
		return nil
	}
	id, _ := opt.Value.(string)
	return o.resolved.Attachments[id]
}

// selectedValues returns the values chosen in a select menu interaction
func selectedValues(i *discordgo.InteractionCreate) []string {
	return slices.Clone(i.MessageComponentData().Values)
}

func interactionLogger(ctx context.Context, h InteractionHandler) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok && logger != nil {
		return logger
	}
	return h.Logger()
}
