package floofbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	defaultCharacterName = "default"

	refOptImage     = "image"
	refOptCharacter = "character_name"
	refOptUser      = "user"

	imageUploadSuccess = "success"
	imageUploadError   = "error"
)

var (
	uploadFailedMessage = "Failed to upload the image to imgbb."
	notAnImageMessage   = "That attachment isn't an image!"
)

// ReferenceImage is a hosted reference image for one of a user's
// characters
type ReferenceImage struct {
	UserID        string `json:"user_id" gorm:"primaryKey"`
	CharacterName string `json:"character_name" gorm:"primaryKey"`
	URL           string `json:"url" gorm:"not null"`
	ModelTimestamps
}

// References stores reference images, hosted on imgbb
type References struct {
	bot    *FloofBot
	config *ReferenceConfig
	logger *slog.Logger
	imgbb  *imgbbClient
}

func newReferences(bot *FloofBot, config *ReferenceConfig, logger *slog.Logger) (*References, error) {
	r := &References{bot: bot, config: config, logger: logger}
	client, err := newImgBBClient(bot.config.HTTPClient, config)
	if err != nil {
		return r, err
	}
	r.imgbb = client
	if config.ImgBBKey == "" {
		logger.Warn("no imgbb key set, /set_ref will fail")
	}
	return r, nil
}

func characterOption(required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        refOptCharacter,
		Description: "The character's name",
		Required:    required,
		MaxLength:   100,
	}
}

func (r *References) commands() []slashCommand {
	return []slashCommand{
		{
			command: &discordgo.ApplicationCommand{
				Name:        "set_ref",
				Description: "Set a reference image for a character.",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionAttachment,
						Name:        refOptImage,
						Description: "The reference image",
						Required:    true,
					},
					characterOption(false),
				},
			},
			handler: r.setRefCommand,
		},
		{
			command: &discordgo.ApplicationCommand{
				Name:        "ref",
				Description: "Retrieve the reference image for a character.",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        refOptUser,
						Description: "Whose character",
						Required:    true,
					},
					characterOption(false),
				},
			},
			handler: r.refCommand,
		},
		{
			command: &discordgo.ApplicationCommand{
				Name:        "refs",
				Description: "List the characters with reference images.",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        refOptUser,
						Description: "Whose characters (defaults to you)",
					},
				},
			},
			handler: r.refsCommand,
		},
		{
			command: &discordgo.ApplicationCommand{
				Name:        "remove_ref",
				Description: "Remove one of your reference images.",
				Options:     []*discordgo.ApplicationCommandOption{characterOption(true)},
			},
			handler: r.removeRefCommand,
		},
	}
}

func (r *References) components() map[string]interactionFunc {
	return map[string]interactionFunc{}
}

func characterName(opts commandOptions) string {
	name := strings.TrimSpace(opts.String(refOptCharacter))
	if name == "" {
		return defaultCharacterName
	}
	return name
}

func (r *References) set(ctx context.Context, userID string, character string, url string) error {
	_, err := r.bot.writeDB.Upsert(
		ctx,
		&ReferenceImage{UserID: userID, CharacterName: character, URL: url},
		[]string{"user_id", "character_name"},
		[]string{"url", "updated_at"},
	)
	if err != nil {
		return fmt.Errorf("error saving reference image: %w", err)
	}
	return nil
}

func (r *References) get(ctx context.Context, userID string, character string) (*ReferenceImage, error) {
	var ref ReferenceImage
	err := r.bot.db.WithContext(ctx).
		Where("user_id = ? AND character_name = ?", userID, character).
		First(&ref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting reference image: %w", err)
	}
	return &ref, nil
}

func (r *References) list(ctx context.Context, userID string) ([]ReferenceImage, error) {
	var refs []ReferenceImage
	if err := r.bot.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("character_name").
		Find(&refs).Error; err != nil {
		return nil, fmt.Errorf("error listing reference images: %w", err)
	}
	return refs, nil
}

// setRefCommand re-hosts the attached image on imgbb. Discord attachment
// URLs expire, so the attachment URL itself isn't stored.
func (r *References) setRefCommand(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	logger := interactionLogger(ctx, h)
	opts := newCommandOptions(i)
	character := characterName(opts)
	attachment := opts.Attachment(refOptImage)
	if attachment == nil {
		return errors.New("missing image attachment")
	}
	if attachment.ContentType != "" && !strings.HasPrefix(attachment.ContentType, "image/") {
		return h.Respond(ctx, ephemeralResponse(notAnImageMessage))
	}

	if err := h.Respond(ctx, deferredResponse(true)); err != nil {
		return err
	}

	reply := func(content string) error {
		_, err := h.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return err
	}

	url, err := r.rehost(ctx, attachment)
	if err != nil {
		logger.ErrorContext(ctx, "error uploading reference image", tint.Err(err))
		r.bot.metrics.imageUploads.WithLabelValues(imageUploadError).Inc()
		return reply(uploadFailedMessage)
	}
	r.bot.metrics.imageUploads.WithLabelValues(imageUploadSuccess).Inc()

	if err = r.set(ctx, getDiscordUser(i).ID, character, url); err != nil {
		return err
	}
	return reply(fmt.Sprintf("Reference image for %s has been set!", character))
}

func (r *References) rehost(ctx context.Context, attachment *discordgo.MessageAttachment) (string, error) {
	if int64(attachment.Size) > r.config.MaxImageSize {
		return "", fmt.Errorf("%w: %d bytes", ErrImageTooLarge, attachment.Size)
	}
	data, err := r.imgbb.download(ctx, attachment.URL)
	if err != nil {
		return "", err
	}
	return r.imgbb.upload(ctx, attachment.Filename, data)
}

func (r *References) refCommand(ctx context.Context, h InteractionHandler) error {
	opts := newCommandOptions(h.GetInteraction())
	user, _ := opts.User(refOptUser)
	if user == nil {
		user = getDiscordUser(h.GetInteraction())
	}
	character := characterName(opts)

	ref, err := r.get(ctx, user.ID, character)
	if err != nil {
		return err
	}
	if ref == nil {
		return h.Respond(ctx, messageResponse(fmt.Sprintf("No reference image found for %s.", character)))
	}
	return h.Respond(
		ctx,
		embedResponse(
			&discordgo.MessageEmbed{
				Title: fmt.Sprintf("Reference for %s", character),
				Color: discordColorBlue,
				Image: &discordgo.MessageEmbedImage{URL: ref.URL},
			},
		),
	)
}

func (r *References) refsCommand(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	user, member := newCommandOptions(i).User(refOptUser)
	if user == nil {
		user, member = getDiscordUser(i), i.Member
	}
	name := userDisplayName(user)
	if member != nil {
		name = displayName(member)
	}

	refs, err := r.list(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return h.Respond(ctx, ephemeralResponse(fmt.Sprintf("%s has no reference images.", name)))
	}

	lines := make([]string, 0, len(refs))
	for _, ref := range refs {
		lines = append(lines, fmt.Sprintf("• [%s](%s)", ref.CharacterName, ref.URL))
	}
	return h.Respond(
		ctx,
		embedResponse(
			&discordgo.MessageEmbed{
				Title:       fmt.Sprintf("%s's References", name),
				Color:       discordColorBlue,
				Description: shortenString(strings.Join(lines, "\n"), 4096),
			},
		),
	)
}

func (r *References) removeRefCommand(ctx context.Context, h InteractionHandler) error {
	opts := newCommandOptions(h.GetInteraction())
	character := characterName(opts)
	userID := getDiscordUser(h.GetInteraction()).ID

	rows, err := r.bot.writeDB.Delete(
		ctx,
		&ReferenceImage{},
		"user_id = ? AND character_name = ?", userID, character,
	)
	if err != nil {
		return fmt.Errorf("error deleting reference image: %w", err)
	}
	if rows == 0 {
		return h.Respond(ctx, ephemeralResponse(fmt.Sprintf("No reference image found for %s.", character)))
	}
	return h.Respond(ctx, ephemeralResponse(fmt.Sprintf("Reference image for %s has been removed.", character)))
}

// legacyReferences is the reference_images.json format: user ID to
// character name to image URL
type legacyReferences map[string]map[string]string
