package floofbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationAccepted ApplicationStatus = "accepted"
	ApplicationDenied   ApplicationStatus = "denied"
	ApplicationKicked   ApplicationStatus = "kicked"
	ApplicationBanned   ApplicationStatus = "banned"
)

const (
	applyCustomID           = "apply"
	applicationModalID      = "application"
	applicationReviewPrefix = "appreview"
	applicationReasonPrefix = "appreason"
	applicationReasonInput  = "reason"

	applicationInputAbout    = "about"
	applicationInputFandom   = "fandom"
	applicationInputRules    = "rules"
	applicationInputPromise  = "promise"
	applicationInputPassword = "password"
)

var (
	applicationSubmittedMessage = "Your application has been submitted!"
	applicationPendingMessage   = "You already have a pending application!"
	applicationNoPermission     = "You don't have permission to moderate applications!"
	applicantNotFoundMessage    = "Applicant not found!"
	applicationReviewedMessage  = "This application has already been reviewed."
	applicationAcceptedDM       = "Your application has been accepted! Welcome to the server!"
	applicationPanelPosted      = "Application panel posted!"
)

// reviewActions are the review buttons, in the order they're shown
var reviewActions = []struct {
	status ApplicationStatus
	label  string
	style  discordgo.ButtonStyle
}{
	{ApplicationAccepted, "Accept", discordgo.SuccessButton},
	{ApplicationDenied, "Deny", discordgo.DangerButton},
	{ApplicationKicked, "Kick", discordgo.SecondaryButton},
	{ApplicationBanned, "Ban", discordgo.DangerButton},
}

// Application is a membership application submitted through the
// application modal
type Application struct {
	ModelUintID
	UserID   string            `json:"user_id" gorm:"not null;index"`
	Username string            `json:"username"`
	Status   ApplicationStatus `json:"status" gorm:"not null;index;default:pending"`

	About    string `json:"about"`
	Fandom   string `json:"fandom"`
	Rules    string `json:"rules"`
	Promise  string `json:"promise"`
	Password string `json:"password"`

	ReviewChannelID string `json:"review_channel_id"`
	ReviewMessageID string `json:"review_message_id"`

	ModeratorID string     `json:"moderator_id,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	ModelTimestamps
}

// actionName is the capitalized action for a decision, like "Deny"
func (s ApplicationStatus) actionName() string {
	for _, a := range reviewActions {
		if a.status == s {
			return a.label
		}
	}
	return string(s)
}

func parseReviewStatus(s string) (ApplicationStatus, bool) {
	for _, a := range reviewActions {
		if string(a.status) == s {
			return a.status, true
		}
	}
	return "", false
}

// Applications handles onboarding: members apply through a modal, and
// staff accept, deny, kick or ban them from the review channel
type Applications struct {
	bot    *FloofBot
	config *ApplicationConfig
	logger *slog.Logger
	now    func() time.Time
}

func newApplications(bot *FloofBot, config *ApplicationConfig, logger *slog.Logger) *Applications {
	return &Applications{bot: bot, config: config, logger: logger, now: time.Now}
}

func (a *Applications) commands() []slashCommand {
	return []slashCommand{
		{
			command: &discordgo.ApplicationCommand{
				Name:        "apply",
				Description: "Start the application process",
			},
			handler: a.openApplication,
		},
		{
			command: &discordgo.ApplicationCommand{
				Name:        "setup_applications",
				Description: "Post the application panel in this channel.",
			},
			staffOnly: true,
			handler:   a.setupCommand,
		},
	}
}

func (a *Applications) components() map[string]interactionFunc {
	return map[string]interactionFunc{
		applyCustomID:           a.openApplication,
		applicationModalID:      a.submitApplication,
		applicationReviewPrefix: a.reviewButton,
		applicationReasonPrefix: a.submitDecision,
	}
}

func (a *Applications) setupCommand(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	_, err := a.bot.session().ChannelMessageSendComplex(
		i.ChannelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:       "Fluffy Bakery Applications",
					Description: "Click the button below to apply to join the server!",
					Color:       discordColorBlue,
				},
			},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    "Apply",
							Style:    discordgo.PrimaryButton,
							CustomID: applyCustomID,
							Emoji:    &discordgo.ComponentEmoji{Name: "📝"},
						},
					},
				},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("error posting application panel: %w", err)
	}
	return h.Respond(ctx, ephemeralResponse(applicationPanelPosted))
}

func applicationModal() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: applicationModalID,
			Title:    "Fluffy Bakery Application",
			Components: []discordgo.MessageComponent{
				modalTextInput(
					applicationInputAbout,
					"Tell us about yourself",
					"Please tell us a bit about yourself and why you want to join.",
					discordgo.TextInputParagraph,
					discordEmbedFieldValueMaxLength,
				),
				modalTextInput(
					applicationInputFandom,
					"Explain the furry fandom",
					"Explain the furry fandom in your own words.",
					discordgo.TextInputParagraph,
					discordEmbedFieldValueMaxLength,
				),
				modalTextInput(
					applicationInputRules,
					"Describe two rules",
					"Describe two rules in your own words.",
					discordgo.TextInputParagraph,
					discordEmbedFieldValueMaxLength,
				),
				modalTextInput(
					applicationInputPromise,
					"Discrimination Promise",
					"Do you promise not to discriminate against sex, ethnicity, religion, race, or self-identity?",
					discordgo.TextInputShort,
					200,
				),
				modalTextInput(
					applicationInputPassword,
					"Password",
					"What is the password found in the guidelines?",
					discordgo.TextInputShort,
					100,
				),
			},
		},
	}
}

func (a *Applications) pending(ctx context.Context, userID string) (*Application, error) {
	var app Application
	err := a.bot.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, ApplicationPending).
		Last(&app).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting application: %w", err)
	}
	return &app, nil
}

// openApplication shows the application modal, from /apply or the panel's
// "Apply" button
func (a *Applications) openApplication(ctx context.Context, h InteractionHandler) error {
	existing, err := a.pending(ctx, getDiscordUser(h.GetInteraction()).ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return h.Respond(ctx, ephemeralResponse(applicationPendingMessage))
	}
	return h.Respond(ctx, applicationModal())
}

func newApplicationEmbed(u *discordgo.User, app *Application, at time.Time) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "New Application",
		Description: fmt.Sprintf("Application from %s", u.Mention()),
		Color:       discordColorBlue,
		Timestamp:   discordTimestamp(at),
		Author: &discordgo.MessageEmbedAuthor{
			Name:    u.String(),
			IconURL: u.AvatarURL(""),
		},
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Tell us about yourself", Value: app.About},
			{Name: "Explain the furry fandom", Value: app.Fandom},
			{Name: "Describe two rules", Value: app.Rules},
			{Name: "Discrimination Promise", Value: app.Promise},
			{Name: "Password", Value: app.Password},
		},
	}
}

func reviewButtons(applicationID uint, disabled bool) []discordgo.MessageComponent {
	id := strconv.FormatUint(uint64(applicationID), 10)
	buttons := make([]discordgo.MessageComponent, 0, len(reviewActions))
	for _, action := range reviewActions {
		buttons = append(
			buttons,
			discordgo.Button{
				Label:    action.label,
				Style:    action.style,
				CustomID: customID(applicationReviewPrefix, string(action.status), id),
				Disabled: disabled,
			},
		)
	}
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}
}

// submitApplication stores the application and posts it for review. Only
// one application per user can be pending at a time.
func (a *Applications) submitApplication(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	u := getDiscordUser(i)
	values := modalValues(i.ModalSubmitData())

	app := &Application{
		UserID:          u.ID,
		Username:        u.String(),
		Status:          ApplicationPending,
		About:           values[applicationInputAbout],
		Fandom:          values[applicationInputFandom],
		Rules:           values[applicationInputRules],
		Promise:         values[applicationInputPromise],
		Password:        values[applicationInputPassword],
		ReviewChannelID: a.config.ReviewChannelID,
	}

	var alreadyPending bool
	err := a.bot.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&Application{}).
				Where("user_id = ? AND status = ?", u.ID, ApplicationPending).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				alreadyPending = true
				return nil
			}
			return tx.Create(app).Error
		},
	)
	if err != nil {
		return fmt.Errorf("error saving application: %w", err)
	}
	if alreadyPending {
		return h.Respond(ctx, ephemeralResponse(applicationPendingMessage))
	}
	if a.config.ReviewChannelID != "" {
		msg, sendErr := a.bot.session().ChannelMessageSendComplex(
			a.config.ReviewChannelID,
			&discordgo.MessageSend{
				Embeds:     []*discordgo.MessageEmbed{newApplicationEmbed(u, app, a.now())},
				Components: reviewButtons(app.ID, false),
			},
		)
		if sendErr != nil {
			// nobody would ever review it, so don't keep the applicant
			// locked out behind a pending row
			if _, err = a.bot.writeDB.Delete(ctx, app); err != nil {
				a.logger.ErrorContext(
					ctx,
					"error removing unposted application",
					tint.Err(err),
					"application_id", app.ID,
				)
			}
			return fmt.Errorf("error posting application for review: %w", sendErr)
		}
		if _, err = a.bot.writeDB.Update(ctx, app, "review_message_id", msg.ID); err != nil {
			a.logger.ErrorContext(ctx, "error saving review message id", tint.Err(err))
		}
	} else {
		a.logger.WarnContext(ctx, "no review channel configured", "application_id", app.ID)
	}

	a.bot.metrics.applications.WithLabelValues(string(ApplicationPending)).Inc()
	a.logger.InfoContext(ctx, "application submitted", "application_id", app.ID, "user_id", u.ID)
	return h.Respond(ctx, ephemeralResponse(applicationSubmittedMessage))
}

// parseReviewID parses "<status>:<application id>" from a review button
// or reason modal custom ID
func parseReviewID(id string) (ApplicationStatus, uint, error) {
	parts := customIDParts(id)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid review custom id: %s", id)
	}
	status, ok := parseReviewStatus(parts[0])
	if !ok {
		return "", 0, fmt.Errorf("invalid review action: %s", parts[0])
	}
	appID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid application id: %w", err)
	}
	return status, uint(appID), nil
}

// reviewButton opens the reason modal for the chosen decision
func (a *Applications) reviewButton(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if !a.bot.isStaff(ctx, i.Member) {
		return h.Respond(ctx, ephemeralResponse(applicationNoPermission))
	}
	status, appID, err := parseReviewID(i.MessageComponentData().CustomID)
	if err != nil {
		return err
	}

	title := fmt.Sprintf("Reason for %s", status.actionName())
	return h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseModal,
			Data: &discordgo.InteractionResponseData{
				CustomID: customID(
					applicationReasonPrefix,
					string(status),
					strconv.FormatUint(uint64(appID), 10),
				),
				Title: title,
				Components: []discordgo.MessageComponent{
					modalTextInput(applicationReasonInput, title, "", discordgo.TextInputShort, 512),
				},
			},
		},
	)
}

// submitDecision applies a review decision. The application is claimed
// first, so two staff members can't decide on the same one.
func (a *Applications) submitDecision(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if !a.bot.isStaff(ctx, i.Member) {
		return h.Respond(ctx, ephemeralResponse(applicationNoPermission))
	}
	data := i.ModalSubmitData()
	status, appID, err := parseReviewID(data.CustomID)
	if err != nil {
		return err
	}
	reason := strings.TrimSpace(modalValues(data)[applicationReasonInput])
	moderator := getDiscordUser(i)

	var app Application
	if err = a.bot.db.WithContext(ctx).First(&app, appID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return h.Respond(ctx, ephemeralResponse(applicantNotFoundMessage))
		}
		return fmt.Errorf("error getting application: %w", err)
	}

	applicant, err := a.bot.members.get(app.UserID)
	if err != nil {
		return fmt.Errorf("error getting applicant: %w", err)
	}
	if applicant == nil {
		return h.Respond(ctx, ephemeralResponse(applicantNotFoundMessage))
	}

	decidedAt := a.now()
	rows, err := a.bot.writeDB.UpdatesWhere(
		ctx,
		&Application{},
		map[string]any{
			"status":       status,
			"moderator_id": moderator.ID,
			"reason":       reason,
			"decided_at":   decidedAt,
		},
		"id = ? AND status = ?", app.ID, ApplicationPending,
	)
	if err != nil {
		return fmt.Errorf("error updating application: %w", err)
	}
	if rows == 0 {
		return h.Respond(ctx, ephemeralResponse(applicationReviewedMessage))
	}

	if err = h.Respond(ctx, deferredResponse(false)); err != nil {
		return err
	}

	summary, err := a.apply(ctx, status, applicant, reason)
	if err != nil {
		a.release(ctx, app.ID, status, moderator.ID)
		return err
	}
	a.bot.metrics.applications.WithLabelValues(string(status)).Inc()
	if _, err = h.Edit(ctx, &discordgo.WebhookEdit{Content: &summary}); err != nil {
		a.logger.ErrorContext(ctx, "error sending decision summary", tint.Err(err))
	}

	a.disableReview(ctx, app)
	a.logDecision(ctx, app, status, moderator, reason)
	return nil
}

// release returns a claimed application to pending after its decision
// failed, so it can be reviewed again
func (a *Applications) release(
	ctx context.Context,
	appID uint,
	status ApplicationStatus,
	moderatorID string,
) {
	if _, err := a.bot.writeDB.UpdatesWhere(
		ctx,
		&Application{},
		map[string]any{
			"status":       ApplicationPending,
			"moderator_id": "",
			"reason":       "",
			"decided_at":   nil,
		},
		"id = ? AND status = ? AND moderator_id = ?", appID, status, moderatorID,
	); err != nil {
		a.logger.ErrorContext(
			ctx,
			"error releasing application",
			tint.Err(err),
			"application_id", appID,
		)
	}
}

// apply carries out a decision, returning the summary to reply with
func (a *Applications) apply(
	ctx context.Context,
	status ApplicationStatus,
	applicant *discordgo.Member,
	reason string,
) (string, error) {
	session := a.bot.session()
	guildID := a.bot.guildID()
	userID := applicant.User.ID

	switch status {
	case ApplicationAccepted:
		if a.config.MemberRoleID == "" {
			return "Application accepted!", nil
		}
		if err := session.GuildMemberRoleAdd(guildID, userID, a.config.MemberRoleID); err != nil {
			return "", fmt.Errorf("error adding member role: %w", err)
		}
		if err := sendDM(session, userID, nil, applicationAcceptedDM); err != nil {
			a.logger.WarnContext(ctx, "unable to dm applicant", tint.Err(err), "user_id", userID)
		}
		roleName := a.config.MemberRoleID
		if roles, err := a.bot.roles.roles(); err == nil {
			for _, r := range roles {
				if r.ID == a.config.MemberRoleID {
					roleName = r.Name
				}
			}
		}
		return fmt.Sprintf(
			"Application accepted! Added %s role to %s",
			roleName,
			applicant.User.Mention(),
		), nil
	case ApplicationDenied:
		dm := "Your application has been denied."
		if reason != "" {
			dm += "\nReason: " + reason
		}
		if err := sendDM(session, userID, nil, dm); err != nil {
			a.logger.WarnContext(ctx, "unable to dm applicant", tint.Err(err), "user_id", userID)
		}
		return "Application denied!", nil
	case ApplicationKicked:
		if err := session.GuildMemberDeleteWithReason(guildID, userID, reason); err != nil {
			return "", fmt.Errorf("error kicking applicant: %w", err)
		}
		return fmt.Sprintf("Kicked %s\nReason: %s", applicant.User.Mention(), reason), nil
	case ApplicationBanned:
		if err := session.GuildBanCreateWithReason(guildID, userID, reason, 0); err != nil {
			return "", fmt.Errorf("error banning applicant: %w", err)
		}
		return fmt.Sprintf("Banned %s\nReason: %s", applicant.User.Mention(), reason), nil
	default:
		return "", fmt.Errorf("unknown decision: %s", status)
	}
}

// disableReview disables the buttons on the review message
func (a *Applications) disableReview(ctx context.Context, app Application) {
	if app.ReviewChannelID == "" || app.ReviewMessageID == "" {
		return
	}
	components := reviewButtons(app.ID, true)
	if _, err := a.bot.session().ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         app.ReviewMessageID,
			Channel:    app.ReviewChannelID,
			Components: &components,
		},
	); err != nil {
		a.logger.ErrorContext(ctx, "error disabling review buttons", tint.Err(err))
	}
}

func (a *Applications) logDecision(
	ctx context.Context,
	app Application,
	status ApplicationStatus,
	moderator *discordgo.User,
	reason string,
) {
	a.logger.InfoContext(
		ctx,
		"application decided",
		"application_id", app.ID,
		"user_id", app.UserID,
		"status", status,
		"moderator_id", moderator.ID,
	)
	if a.config.LogChannelID == "" {
		return
	}
	line := fmt.Sprintf(
		"Application from %s was %s by %s",
		mention(app.UserID),
		status,
		moderator.Mention(),
	)
	if reason != "" {
		line += fmt.Sprintf("\nReason: %s", reason)
	}
	if _, err := a.bot.session().ChannelMessageSend(a.config.LogChannelID, line); err != nil {
		a.logger.ErrorContext(ctx, "error logging application decision", tint.Err(err))
	}
}

// legacyApplication is an entry in applications.json
type legacyApplication struct {
	MessageID json.Number `json:"message_id"`
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
	Moderator json.Number `json:"moderator,omitempty"`
	Reason    *string     `json:"reason,omitempty"`
}
