package floofbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	ticketCreateCustomID = "ticketcreate"
	ticketCloseCustomID  = "ticketclose"
	ticketOptReason      = "reason"

	ticketCreatedReason   = "Created via button"
	ticketMissingReason   = "Ticket channel was deleted"
	ticketFileTimeFormat  = "20060102_150405"
	ticketTranscriptPerms = 0o644
	ticketsPerEmbed       = 20
)

var (
	ErrTicketAlreadyOpen = errors.New("user already has an open ticket")
	ErrNotTicketChannel  = errors.New("not a ticket channel")

	ticketAlreadyOpenMessage = "You already have an open ticket!"
	notTicketChannelMessage  = "This is not a valid ticket channel!"
	ticketClosingMessage     = "Ticket closed! Creating transcript..."
	ticketPanelPosted        = "Ticket panel posted!"
	noOpenTicketsMessage     = "There are no open tickets."
)

// Ticket is a private support channel between a member and staff
type Ticket struct {
	ModelUintID
	UserID      string `json:"user_id" gorm:"not null;index"`
	Username    string `json:"username"`
	ChannelID   string `json:"channel_id" gorm:"not null;index"`
	ChannelName string `json:"channel_name"`
	Open        bool   `json:"open" gorm:"not null;index"`
	Reason      string `json:"reason"`

	ClosedBy       string     `json:"closed_by,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	TranscriptPath string     `json:"transcript_path,omitempty"`
	ModelTimestamps
}

type Tickets struct {
	bot    *FloofBot
	config *TicketConfig
	logger *slog.Logger
	now    func() time.Time

	// createMu serializes ticket creation, so a double click can't open
	// two tickets
	createMu sync.Mutex
}

func newTickets(bot *FloofBot, config *TicketConfig, logger *slog.Logger) *Tickets {
	return &Tickets{bot: bot, config: config, logger: logger, now: time.Now}
}

func (t *Tickets) commands() []slashCommand {
	return []slashCommand{
		{
			command: &discordgo.ApplicationCommand{
				Name:        "setup_tickets",
				Description: "Set up the ticket creation embed",
			},
			staffOnly: true,
			handler:   t.setupCommand,
		},
		{
			command: &discordgo.ApplicationCommand{
				Name:        "close",
				Description: "Close the current ticket",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        ticketOptReason,
						Description: "Why the ticket is being closed",
					},
				},
			},
			handler: t.closeCommand,
		},
		{
			command: &discordgo.ApplicationCommand{
				Name:        "tickets",
				Description: "List open tickets",
			},
			staffOnly: true,
			handler:   t.listCommand,
		},
	}
}

func (t *Tickets) components() map[string]interactionFunc {
	return map[string]interactionFunc{
		ticketCreateCustomID: t.createButton,
		ticketCloseCustomID:  t.closeButton,
	}
}

func (t *Tickets) setupCommand(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	_, err := t.bot.session().ChannelMessageSendComplex(
		i.ChannelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:       "🎫 Support Tickets",
					Description: "Is some fur is ruining your party? Need help with something?\nClick the button below to create a support ticket!",
					Color:       discordColorBlue,
					Fields: []*discordgo.MessageEmbedField{
						{
							Name: "How it works",
							Value: "1. Click the 'Create Ticket' button\n" +
								"2. A private channel will be created for you and staff\n" +
								"3. Describe your issue in the channel\n" +
								"4. Staff will assist you as soon as possible!",
						},
					},
					Footer: &discordgo.MessageEmbedFooter{Text: "We'll get back to you as soon as we can!"},
				},
			},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    "Create Ticket",
							Style:    discordgo.SuccessButton,
							CustomID: ticketCreateCustomID,
							Emoji:    &discordgo.ComponentEmoji{Name: "🎫"},
						},
					},
				},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("error posting ticket panel: %w", err)
	}
	return h.Respond(ctx, ephemeralResponse(ticketPanelPosted))
}

// openTicket returns the user's open ticket, if any
func (t *Tickets) openTicket(ctx context.Context, userID string) (*Ticket, error) {
	var ticket Ticket
	err := t.bot.db.WithContext(ctx).
		Where("user_id = ? AND open = ?", userID, true).
		Last(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting ticket: %w", err)
	}
	return &ticket, nil
}

// ticketForChannel returns the open ticket for channelID, or
// ErrNotTicketChannel
func (t *Tickets) ticketForChannel(ctx context.Context, channelID string) (*Ticket, error) {
	var ticket Ticket
	err := t.bot.db.WithContext(ctx).
		Where("channel_id = ? AND open = ?", channelID, true).
		Last(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotTicketChannel
		}
		return nil, fmt.Errorf("error getting ticket: %w", err)
	}
	return &ticket, nil
}

// channelGone reports whether the channel has been deleted
func (t *Tickets) channelGone(channelID string) (bool, error) {
	_, err := t.bot.session().Channel(channelID)
	if err == nil {
		return false, nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusNotFound {
		return true, nil
	}
	return false, err
}

func (t *Tickets) markClosed(
	ctx context.Context,
	ticket *Ticket,
	closedBy string,
	reason string,
	transcriptPath string,
) (bool, error) {
	rows, err := t.bot.writeDB.UpdatesWhere(
		ctx,
		&Ticket{},
		map[string]any{
			"open":            false,
			"closed_by":       closedBy,
			"close_reason":    reason,
			"closed_at":       t.now(),
			"transcript_path": transcriptPath,
		},
		"id = ? AND open = ?", ticket.ID, true,
	)
	if err != nil {
		return false, fmt.Errorf("error closing ticket: %w", err)
	}
	if rows > 0 {
		t.bot.metrics.ticketsClosed.Inc()
	}
	return rows > 0, nil
}

func ticketOverwrites(guildID string, userID string, staffRoleID string, botID string) []*discordgo.PermissionOverwrite {
	member := int64(discordgo.PermissionViewChannel | discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory | discordgo.PermissionAttachFiles)
	overwrites := []*discordgo.PermissionOverwrite{
		{ID: guildID, Type: discordgo.PermissionOverwriteTypeRole, Deny: discordgo.PermissionViewChannel},
		{ID: userID, Type: discordgo.PermissionOverwriteTypeMember, Allow: member},
		{ID: staffRoleID, Type: discordgo.PermissionOverwriteTypeRole, Allow: member},
	}
	if botID != "" {
		overwrites = append(
			overwrites,
			&discordgo.PermissionOverwrite{ID: botID, Type: discordgo.PermissionOverwriteTypeMember, Allow: member},
		)
	}
	return overwrites
}

// create opens a ticket channel for the user. A user can only have one
// open ticket. If the channel of their open ticket was deleted, that
// ticket is closed and a new one is created.
func (t *Tickets) create(ctx context.Context, user *discordgo.User) (*Ticket, error) {
	t.createMu.Lock()
	defer t.createMu.Unlock()

	existing, err := t.openTicket(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		gone, goneErr := t.channelGone(existing.ChannelID)
		if goneErr != nil {
			return nil, fmt.Errorf("error checking ticket channel: %w", goneErr)
		}
		if !gone {
			return existing, ErrTicketAlreadyOpen
		}
		t.logger.WarnContext(ctx, "closing ticket with deleted channel", "ticket_id", existing.ID)
		if _, err = t.markClosed(ctx, existing, "", ticketMissingReason, ""); err != nil {
			return nil, err
		}
	}

	staffRoleID, err := t.bot.staffRoleID()
	if err != nil {
		return nil, err
	}
	var botID string
	if self := t.bot.session().BotUser(); self != nil {
		botID = self.ID
	}

	ch, err := t.bot.session().GuildChannelCreateComplex(
		t.bot.guildID(),
		discordgo.GuildChannelCreateData{
			Name:                 "ticket-" + channelSlug(user.Username),
			Type:                 discordgo.ChannelTypeGuildText,
			ParentID:             t.config.CategoryID,
			PermissionOverwrites: ticketOverwrites(t.bot.guildID(), user.ID, staffRoleID, botID),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating ticket channel: %w", err)
	}

	ticket := &Ticket{
		UserID:      user.ID,
		Username:    user.Username,
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		Open:        true,
		Reason:      ticketCreatedReason,
	}
	if _, err = t.bot.writeDB.Create(ctx, ticket); err != nil {
		if _, delErr := t.bot.session().ChannelDelete(ch.ID); delErr != nil {
			t.logger.ErrorContext(ctx, "error removing orphaned ticket channel", tint.Err(delErr))
		}
		return nil, fmt.Errorf("error saving ticket: %w", err)
	}
	t.bot.metrics.ticketsOpened.Inc()

	if _, err = t.bot.session().ChannelMessageSendComplex(
		ch.ID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{ticketCreatedEmbed(user, t.now())},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    "Begone, Mods",
							Style:    discordgo.DangerButton,
							CustomID: ticketCloseCustomID,
							Emoji:    &discordgo.ComponentEmoji{Name: "❌"},
						},
					},
				},
			},
		},
	); err != nil {
		t.logger.ErrorContext(ctx, "error sending ticket greeting", tint.Err(err))
	}

	t.logger.InfoContext(ctx, "ticket created", "ticket_id", ticket.ID, "channel_id", ch.ID)
	return ticket, nil
}

func ticketCreatedEmbed(u *discordgo.User, at time.Time) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Ticket Created",
		Description: "Please describe your issue in this channel. Staff will assist you shortly!",
		Color:       discordColorGreen,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "User", Value: u.Mention(), Inline: true},
			{Name: "Created At", Value: at.Format(transcriptTimeFormat), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: "Click the button below to close this ticket"},
	}
}

func (t *Tickets) createButton(ctx context.Context, h InteractionHandler) error {
	if err := h.Respond(ctx, deferredResponse(true)); err != nil {
		return err
	}
	reply := func(content string) error {
		_, err := h.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return err
	}

	ticket, err := t.create(ctx, getDiscordUser(h.GetInteraction()))
	switch {
	case errors.Is(err, ErrTicketAlreadyOpen):
		return reply(ticketAlreadyOpenMessage)
	case err != nil:
		return err
	}
	return reply(fmt.Sprintf("Ticket created! %s", channelMention(ticket.ChannelID)))
}

func (t *Tickets) closeCommand(ctx context.Context, h InteractionHandler) error {
	reason := newCommandOptions(h.GetInteraction()).String(ticketOptReason)
	return t.close(ctx, h, reason)
}

func (t *Tickets) closeButton(ctx context.Context, h InteractionHandler) error {
	return t.close(ctx, h, "")
}

// close writes the transcript, marks the ticket closed, then deletes the
// channel after the close delay. The ticket's owner and staff can close
// it.
func (t *Tickets) close(ctx context.Context, h InteractionHandler, reason string) error {
	i := h.GetInteraction()
	logger := interactionLogger(ctx, h)
	user := getDiscordUser(i)

	ticket, err := t.ticketForChannel(ctx, i.ChannelID)
	if errors.Is(err, ErrNotTicketChannel) {
		return h.Respond(ctx, ephemeralResponse(notTicketChannelMessage))
	}
	if err != nil {
		return err
	}
	if ticket.UserID != user.ID && !t.bot.isStaff(ctx, i.Member) {
		return h.Respond(ctx, ephemeralResponse(errNoPermissionMessage))
	}

	if err = h.Respond(ctx, messageResponse(ticketClosingMessage)); err != nil {
		return err
	}

	transcriptPath, err := t.writeTranscript(ctx, ticket)
	if err != nil {
		logger.ErrorContext(ctx, "error creating transcript", tint.Err(err))
	}

	closed, err := t.markClosed(ctx, ticket, user.ID, reason, transcriptPath)
	if err != nil {
		return err
	}
	if !closed {
		logger.WarnContext(ctx, "ticket was already closed", "ticket_id", ticket.ID)
		return nil
	}

	channelID := ticket.ChannelID
	t.bot.afterDelay(
		context.WithoutCancel(ctx), t.config.CloseDelay, func() {
			if _, delErr := t.bot.session().ChannelDelete(channelID); delErr != nil {
				t.logger.Error("error deleting ticket channel", tint.Err(delErr), "channel_id", channelID)
			}
		},
	)
	return nil
}

// writeTranscript renders the channel's history to the transcript
// directory, and posts a copy to the logs channel. It returns the path
// written.
func (t *Tickets) writeTranscript(ctx context.Context, ticket *Ticket) (string, error) {
	messages, err := channelHistory(t.bot.session(), ticket.ChannelID)
	if err != nil {
		return "", err
	}

	buf := &bytes.Buffer{}
	if err = renderTranscript(
		buf,
		transcript{
			ChannelName: ticket.ChannelName,
			UserID:      ticket.UserID,
			Reason:      ticket.Reason,
			CreatedAt:   time.UnixMilli(ticket.CreatedAt),
			Messages:    transcriptMessages(messages, newBotNameResolver(ctx, t.bot)),
		},
	); err != nil {
		return "", err
	}

	ts := t.now().Format(ticketFileTimeFormat)
	path := filepath.Join(
		t.config.TranscriptDir,
		fmt.Sprintf("ticket_%s_%s.html", ticket.ChannelName, ts),
	)
	var errs []error
	if err = os.MkdirAll(t.config.TranscriptDir, 0o755); err != nil {
		errs = append(errs, fmt.Errorf("error creating transcript dir: %w", err))
		path = ""
	} else if err = os.WriteFile(path, buf.Bytes(), ticketTranscriptPerms); err != nil {
		errs = append(errs, fmt.Errorf("error writing transcript: %w", err))
		path = ""
	}

	if t.config.LogsChannelID != "" {
		if _, err = t.bot.session().ChannelMessageSendComplex(
			t.config.LogsChannelID,
			&discordgo.MessageSend{
				Content: fmt.Sprintf("Transcript for ticket %s", ticket.ChannelName),
				Files: []*discordgo.File{
					{
						Name:        fmt.Sprintf("transcript_%s_%s.html", ticket.ChannelName, ts),
						ContentType: "text/html",
						Reader:      bytes.NewReader(buf.Bytes()),
					},
				},
			},
		); err != nil {
			errs = append(errs, fmt.Errorf("error uploading transcript: %w", err))
		}
	}
	return path, errors.Join(errs...)
}

func (t *Tickets) listOpen(ctx context.Context) ([]Ticket, error) {
	var tickets []Ticket
	if err := t.bot.db.WithContext(ctx).
		Where("open = ?", true).
		Order("created_at").
		Find(&tickets).Error; err != nil {
		return nil, fmt.Errorf("error listing tickets: %w", err)
	}
	return tickets, nil
}

func (t *Tickets) listCommand(ctx context.Context, h InteractionHandler) error {
	tickets, err := t.listOpen(ctx)
	if err != nil {
		return err
	}
	if len(tickets) == 0 {
		return h.Respond(ctx, ephemeralResponse(noOpenTicketsMessage))
	}

	lines := make([]string, 0, len(tickets))
	for _, ticket := range tickets {
		lines = append(
			lines,
			fmt.Sprintf(
				"%s %s, opened <t:%d:R>",
				channelMention(ticket.ChannelID),
				mention(ticket.UserID),
				time.UnixMilli(ticket.CreatedAt).Unix(),
			),
		)
	}
	chunks := chunkItems(ticketsPerEmbed, lines...)
	if len(chunks) > discordMaxEmbeds {
		chunks = chunks[:discordMaxEmbeds]
	}
	embeds := make([]*discordgo.MessageEmbed, 0, len(chunks))
	for n, chunk := range chunks {
		embed := &discordgo.MessageEmbed{
			Color:       discordColorBlue,
			Description: shortenString(strings.Join(chunk, "\n"), 4096),
		}
		if n == 0 {
			embed.Title = "Open Tickets"
		}
		embeds = append(embeds, embed)
	}
	resp := embedResponse(embeds...)
	resp.Data.Flags = discordgo.MessageFlagsEphemeral
	return h.Respond(ctx, resp)
}

// legacyTicket is an entry in tickets.json, keyed by user ID
type legacyTicket struct {
	ChannelID json.Number `json:"channel_id"`
	Open      bool        `json:"open"`
	CreatedAt string      `json:"created_at"`
	Reason    string      `json:"reason"`
}
