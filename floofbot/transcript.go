package floofbot

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"regexp"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/microcosm-cc/bluemonday"
	"github.com/patrickmn/go-cache"
)

const transcriptTimeFormat = "2006-01-02 15:04:05"

var (
	userMentionPattern    = regexp.MustCompile(`<@!?(\d+)>`)
	channelMentionPattern = regexp.MustCompile(`<#(\d+)>`)
	roleMentionPattern    = regexp.MustCompile(`<@&(\d+)>`)

	transcriptPolicy = bluemonday.UGCPolicy()

	transcriptTemplate = template.Must(
		template.New("transcript").Parse(
			`<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>Ticket Transcript - {{ .ChannelName }}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .message { margin: 10px 0; padding: 10px; border-radius: 5px; }
        .user { font-weight: bold; }
        .timestamp { color: #666; font-size: 0.8em; }
        .content { margin-top: 5px; white-space: pre-wrap; }
        .embed { background: #2f3136; padding: 10px; border-radius: 5px; margin: 5px 0; }
        .embed-title { color: #fff; font-weight: bold; }
        .embed-description { color: #dcddde; }
        .embed-field { margin: 5px 0; }
        .embed-field-name { color: #fff; font-weight: bold; }
        .embed-field-value { color: #dcddde; }
    </style>
</head>
<body>
    <h1>Ticket Transcript</h1>
    <p><strong>Channel:</strong> {{ .ChannelName }}</p>
    <p><strong>User ID:</strong> {{ .UserID }}</p>
    <p><strong>Reason:</strong> {{ .Reason }}</p>
    <p><strong>Created:</strong> {{ .CreatedAt.Format "2006-01-02 15:04:05" }}</p>
    <hr>
{{- range .Messages }}
    <div class="message">
        <div class="user">{{ .Author }}</div>
        <div class="timestamp">{{ .Timestamp.Format "2006-01-02 15:04:05" }}</div>
        <div class="content">{{ .Content }}</div>
    {{- range .Embeds }}
        <div class="embed">
        {{- if .Title }}
            <div class="embed-title">{{ .Title }}</div>
        {{- end }}
        {{- if .Description }}
            <div class="embed-description">{{ .Description }}</div>
        {{- end }}
        {{- range .Fields }}
            <div class="embed-field">
                <div class="embed-field-name">{{ .Name }}</div>
                <div class="embed-field-value">{{ .Value }}</div>
            </div>
        {{- end }}
        </div>
    {{- end }}
    {{- range .Attachments }}
        <div class="attachment"><a href="{{ .URL }}">{{ .Filename }}</a></div>
    {{- end }}
    </div>
{{- end }}
</body>
</html>
`,
		),
	)
)

type transcript struct {
	ChannelName string
	UserID      string
	Reason      string
	CreatedAt   time.Time
	Messages    []transcriptMessage
}

type transcriptMessage struct {
	Author      string
	Timestamp   time.Time
	Content     string
	Embeds      []transcriptEmbed
	Attachments []transcriptAttachment
}

// transcriptEmbed holds embed text already sanitized, so the template
// doesn't escape it again
type transcriptEmbed struct {
	Title       template.HTML
	Description template.HTML
	Fields      []transcriptEmbedField
}

type transcriptEmbedField struct {
	Name  template.HTML
	Value template.HTML
}

type transcriptAttachment struct {
	URL      string
	Filename string
}

// nameResolver looks up the names mention tokens are replaced with
type nameResolver interface {
	userName(userID string) string
	channelName(channelID string) string
	roleName(roleID string) string
}

// replaceMentions substitutes user, role and channel mention tokens with
// readable names. Users mentioned in the message itself don't need a
// lookup.
func replaceMentions(content string, mentioned []*discordgo.User, names nameResolver) string {
	content = roleMentionPattern.ReplaceAllStringFunc(
		content, func(m string) string {
			return "@" + names.roleName(roleMentionPattern.FindStringSubmatch(m)[1])
		},
	)
	content = userMentionPattern.ReplaceAllStringFunc(
		content, func(m string) string {
			id := userMentionPattern.FindStringSubmatch(m)[1]
			idx := slices.IndexFunc(
				mentioned, func(u *discordgo.User) bool {
					return u != nil && u.ID == id
				},
			)
			if idx >= 0 {
				return "@" + mentioned[idx].Username
			}
			return "@" + names.userName(id)
		},
	)
	return channelMentionPattern.ReplaceAllStringFunc(
		content, func(m string) string {
			return "#" + names.channelName(channelMentionPattern.FindStringSubmatch(m)[1])
		},
	)
}

func sanitizeEmbedText(s string) template.HTML {
	//nolint:gosec // sanitized by bluemonday
	return template.HTML(transcriptPolicy.Sanitize(s))
}

// transcriptMessages converts channel history, oldest first, for the
// transcript template
func transcriptMessages(messages []*discordgo.Message, names nameResolver) []transcriptMessage {
	out := make([]transcriptMessage, 0, len(messages))
	for _, m := range messages {
		tm := transcriptMessage{
			Timestamp: m.Timestamp,
			Content:   replaceMentions(m.Content, m.Mentions, names),
		}
		if m.Author != nil {
			tm.Author = m.Author.Username
		}
		for _, e := range m.Embeds {
			te := transcriptEmbed{
				Title:       sanitizeEmbedText(e.Title),
				Description: sanitizeEmbedText(e.Description),
			}
			for _, f := range e.Fields {
				te.Fields = append(
					te.Fields,
					transcriptEmbedField{
						Name:  sanitizeEmbedText(f.Name),
						Value: sanitizeEmbedText(f.Value),
					},
				)
			}
			tm.Embeds = append(tm.Embeds, te)
		}
		for _, a := range m.Attachments {
			tm.Attachments = append(
				tm.Attachments,
				transcriptAttachment{URL: a.URL, Filename: a.Filename},
			)
		}
		out = append(out, tm)
	}
	return out
}

func renderTranscript(w io.Writer, t transcript) error {
	if err := transcriptTemplate.Execute(w, t); err != nil {
		return fmt.Errorf("error rendering transcript: %w", err)
	}
	return nil
}

// channelHistory returns every message in the channel, oldest first
func channelHistory(session DiscordSessionHandler, channelID string) ([]*discordgo.Message, error) {
	var all []*discordgo.Message
	before := ""
	for {
		batch, err := session.ChannelMessages(channelID, discordMaxMessagesPerRequest, before, "", "")
		if err != nil {
			return nil, fmt.Errorf("error getting channel messages: %w", err)
		}
		all = append(all, batch...)
		if len(batch) < discordMaxMessagesPerRequest {
			break
		}
		before = batch[len(batch)-1].ID
	}
	slices.Reverse(all)
	return all, nil
}

// botNameResolver resolves mention names through discord. Channel names
// are cached, members and roles use the bot's shared caches.
type botNameResolver struct {
	ctx      context.Context
	bot      *FloofBot
	channels *cache.Cache
}

func newBotNameResolver(ctx context.Context, bot *FloofBot) botNameResolver {
	return botNameResolver{
		ctx:      ctx,
		bot:      bot,
		channels: cache.New(memberCacheTTL, 2*memberCacheTTL),
	}
}

func (r botNameResolver) userName(userID string) string {
	return r.bot.members.name(r.ctx, userID)
}

func (r botNameResolver) channelName(channelID string) string {
	if v, ok := r.channels.Get(channelID); ok {
		return v.(string)
	}
	ch, err := r.bot.session().Channel(channelID)
	if err != nil {
		return "deleted-channel"
	}
	r.channels.SetDefault(channelID, ch.Name)
	return ch.Name
}

func (r botNameResolver) roleName(roleID string) string {
	roles, err := r.bot.roles.roles()
	if err != nil {
		return "deleted-role"
	}
	for _, role := range roles {
		if role.ID == roleID {
			return role.Name
		}
	}
	return "deleted-role"
}
