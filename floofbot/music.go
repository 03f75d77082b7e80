package floofbot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
)

const (
	musicSelectPrefix = "musicselect"
	musicOptQuery     = "query"
)

var (
	ErrNoSearchResults = errors.New("no search results")

	notInVoiceMessage    = "You need to be in a voice channel!"
	nothingPlayingMsg    = "Nothing is playing!"
	notYourSearchMessage = "This isn't your search!"
	searchExpiredMessage = "This search has expired."
)

// searchFunc searches for up to n tracks matching query
type searchFunc func(ctx context.Context, query string, n int) ([]track, error)

// musicSelection is a pending search, waiting on the searcher to pick a
// result
type musicSelection struct {
	OwnerID        string
	GuildID        string
	TextChannelID  string
	VoiceChannelID string
	Results        []track
}

// queueSnapshot is a guild's queue at a point in time
type queueSnapshot struct {
	NowPlaying *track  `json:"now_playing"`
	Upcoming   []track `json:"upcoming"`
}

// Music plays songs from yt-dlp searches in voice channels, with a queue
// per guild
type Music struct {
	bot    *FloofBot
	config *MusicConfig
	logger *slog.Logger

	search     searchFunc
	openStream streamOpener

	// selections holds pending searches by session ID until they're
	// picked from or time out
	selections  *cache.Cache
	selectionMu sync.Mutex

	playersMu sync.Mutex
	players   map[string]*player

	// ctx is cancelled by stopAll, ending all playback
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newMusic(bot *FloofBot, config *MusicConfig, logger *slog.Logger) *Music {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Music{
		bot:        bot,
		config:     config,
		logger:     logger,
		selections: cache.New(2*config.SelectionTimeout, 4*config.SelectionTimeout),
		players:    map[string]*player{},
		ctx:        ctx,
		cancel:     cancel,
	}
	m.search = m.ytdlpSearch
	m.openStream = func(ctx context.Context, url string) (io.ReadCloser, error) {
		return openPipeline(ctx, config, url)
	}
	return m
}

func (m *Music) commands() []slashCommand {
	return []slashCommand{
		{
			command: &discordgo.ApplicationCommand{
				Name:        "play",
				Description: "Play a song from YouTube URL or search query",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        musicOptQuery,
						Description: "What to search for",
						Required:    true,
					},
				},
			},
			handler: m.playCommand,
		},
		{
			command: &discordgo.ApplicationCommand{Name: "skip", Description: "Skip the current song"},
			handler: m.skipCommand,
		},
		{
			command: &discordgo.ApplicationCommand{Name: "stop", Description: "Stop playing and clear the queue"},
			handler: m.stopCommand,
		},
		{
			command: &discordgo.ApplicationCommand{Name: "queue", Description: "Show the current queue"},
			handler: m.queueCommand,
		},
		{
			command: &discordgo.ApplicationCommand{Name: "leave", Description: "Make the bot leave the voice channel"},
			handler: m.leaveCommand,
		},
		{
			command: &discordgo.ApplicationCommand{Name: "nowplaying", Description: "Show the current song"},
			handler: m.nowPlayingCommand,
		},
	}
}

func (m *Music) components() map[string]interactionFunc {
	return map[string]interactionFunc{
		musicSelectPrefix: m.selectHandler,
	}
}

func musicEmbed(title string, description string, color int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{Title: title, Description: description, Color: color}
}

func nowPlayingEmbed(t *track) *discordgo.MessageEmbed {
	e := musicEmbed("Now Playing", t.Title, discordColorBlue)
	if t.RequesterID != "" {
		e.Fields = []*discordgo.MessageEmbedField{{Name: "Requested by", Value: mention(t.RequesterID)}}
	}
	return e
}

// formatDuration formats seconds as m:ss
func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return "Unknown"
	}
	s := int(seconds)
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

// searchOptions builds the select menu options for search results
func searchOptions(results []track) []discordgo.SelectMenuOption {
	opts := make([]discordgo.SelectMenuOption, 0, len(results))
	for idx, r := range results {
		opts = append(
			opts,
			discordgo.SelectMenuOption{
				Label:       truncate(fmt.Sprintf("%d. %s", idx+1, r.Title), discordSelectOptionLabelMax),
				Value:       strconv.Itoa(idx),
				Description: fmt.Sprintf("Duration: %s", formatDuration(r.Duration)),
			},
		)
	}
	return opts
}

// ytdlpResult is the part of yt-dlp's --dump-json output used for search
// results
type ytdlpResult struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Duration   *float64 `json:"duration"`
	URL        string   `json:"url"`
	WebpageURL string   `json:"webpage_url"`
}

func parseSearchResults(r io.Reader) ([]track, error) {
	var results []track
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var res ytdlpResult
		if err := json.Unmarshal(line, &res); err != nil {
			return nil, fmt.Errorf("error parsing search result: %w", err)
		}
		t := track{ID: res.ID, Title: res.Title, URL: res.WebpageURL}
		if t.URL == "" {
			t.URL = res.URL
		}
		if t.URL == "" && res.ID != "" {
			t.URL = "https://www.youtube.com/watch?v=" + res.ID
		}
		if res.Duration != nil {
			t.Duration = *res.Duration
		}
		results = append(results, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoSearchResults
	}
	return results, nil
}

func (m *Music) ytdlpSearch(ctx context.Context, query string, n int) ([]track, error) {
	//nolint:gosec // the query is passed as a single argument, not through a shell
	cmd := exec.CommandContext(
		ctx,
		m.config.YTDLPPath,
		"--dump-json",
		"--flat-playlist",
		"--skip-download",
		"--no-warnings",
		fmt.Sprintf("ytsearch%d:%s", n, query),
	)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("error searching: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return parseSearchResults(bytes.NewReader(out))
}

// voiceChannel returns the voice channel the user is in
func (m *Music) voiceChannel(guildID string, userID string) (string, error) {
	vs, err := m.bot.session().VoiceState(guildID, userID)
	if err != nil {
		if errors.Is(err, discordgo.ErrStateNotFound) {
			return "", ErrNotInVoice
		}
		return "", err
	}
	if vs == nil || vs.ChannelID == "" {
		return "", ErrNotInVoice
	}
	return vs.ChannelID, nil
}

func (m *Music) player(guildID string, create bool) *player {
	m.playersMu.Lock()
	defer m.playersMu.Unlock()
	p, ok := m.players[guildID]
	if !ok && create {
		p = newPlayer(m, guildID)
		m.players[guildID] = p
	}
	return p
}

func (m *Music) announce(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) {
	if channelID == "" {
		return
	}
	if _, err := m.bot.session().ChannelMessageSendEmbed(channelID, embed); err != nil {
		m.logger.ErrorContext(ctx, "error sending music message", tint.Err(err))
	}
}

func (m *Music) editEmbed(ctx context.Context, h InteractionHandler, embed *discordgo.MessageEmbed, components []discordgo.MessageComponent) error {
	edit := &discordgo.WebhookEdit{Embeds: &[]*discordgo.MessageEmbed{embed}}
	if components != nil {
		edit.Components = &components
	}
	_, err := h.Edit(ctx, edit)
	return err
}

// takeSelection removes and returns a pending search
func (m *Music) takeSelection(sessionID string) (*musicSelection, bool) {
	m.selectionMu.Lock()
	defer m.selectionMu.Unlock()
	v, ok := m.selections.Get(sessionID)
	if !ok {
		return nil, false
	}
	m.selections.Delete(sessionID)
	return v.(*musicSelection), true
}

func (m *Music) playCommand(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	user := getDiscordUser(i)
	query := newCommandOptions(i).String(musicOptQuery)

	voiceChannelID, err := m.voiceChannel(i.GuildID, user.ID)
	if err != nil {
		if errors.Is(err, ErrNotInVoice) {
			return h.Respond(ctx, embedResponse(musicEmbed("Error", notInVoiceMessage, discordColorRed)))
		}
		return err
	}

	if err = h.Respond(
		ctx,
		embedResponse(musicEmbed("Searching", "Looking for your song...", discordColorBlue)),
	); err != nil {
		return err
	}

	results, err := m.search(ctx, query, m.config.SearchResults)
	if err != nil {
		desc := err.Error()
		if errors.Is(err, ErrNoSearchResults) {
			desc = "No results found!"
		} else {
			interactionLogger(ctx, h).ErrorContext(ctx, "search failed", tint.Err(err))
		}
		return m.editEmbed(ctx, h, musicEmbed("Error", desc, discordColorRed), nil)
	}

	sessionID := uuid.NewString()
	m.selections.SetDefault(
		sessionID,
		&musicSelection{
			OwnerID:        user.ID,
			GuildID:        i.GuildID,
			TextChannelID:  i.ChannelID,
			VoiceChannelID: voiceChannelID,
			Results:        results,
		},
	)

	if err = m.editEmbed(
		ctx,
		h,
		musicEmbed("Search Results", "Please select a song:", discordColorBlue),
		[]discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.SelectMenu{
						CustomID:    customID(musicSelectPrefix, sessionID),
						Placeholder: "Choose a song",
						Options:     searchOptions(results),
					},
				},
			},
		},
	); err != nil {
		return err
	}

	m.bot.afterDelay(
		ctx, m.config.SelectionTimeout, func() {
			if _, pending := m.takeSelection(sessionID); !pending {
				return
			}
			_ = m.editEmbed(
				context.Background(),
				h,
				musicEmbed("Timeout", "You took too long to select a song!", discordColorRed),
				[]discordgo.MessageComponent{},
			)
		},
	)
	return nil
}

// selectHandler queues the chosen search result. Only the user who
// searched can choose.
func (m *Music) selectHandler(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	data := i.MessageComponentData()
	parts := customIDParts(data.CustomID)
	if len(parts) != 1 {
		return fmt.Errorf("invalid music custom id: %s", data.CustomID)
	}
	sessionID := parts[0]
	user := getDiscordUser(i)

	if v, ok := m.selections.Get(sessionID); ok && v.(*musicSelection).OwnerID != user.ID {
		return h.Respond(ctx, ephemeralResponse(notYourSearchMessage))
	}
	sel, ok := m.takeSelection(sessionID)
	if !ok {
		return h.Respond(ctx, ephemeralResponse(searchExpiredMessage))
	}

	values := selectedValues(i)
	if len(values) == 0 {
		return errors.New("no song selected")
	}
	idx, err := strconv.Atoi(values[0])
	if err != nil || idx < 0 || idx >= len(sel.Results) {
		return fmt.Errorf("invalid selection: %q", values[0])
	}
	chosen := sel.Results[idx]
	chosen.RequesterID = user.ID
	chosen.ChannelID = sel.TextChannelID

	p := m.player(sel.GuildID, true)
	if err = p.connect(sel.VoiceChannelID); err != nil {
		return err
	}

	var embed *discordgo.MessageEmbed
	if p.enqueue(&chosen) {
		embed = musicEmbed(
			"Added to Queue",
			fmt.Sprintf("Added %s and starting playback!", chosen.Title),
			discordColorGreen,
		)
	} else {
		embed = musicEmbed("Added to Queue", chosen.Title, discordColorGreen)
	}
	m.logger.InfoContext(ctx, "queued song", "title", chosen.Title, "user_id", user.ID)

	return h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Embeds:     []*discordgo.MessageEmbed{embed},
				Components: []discordgo.MessageComponent{},
			},
		},
	)
}

func (m *Music) skipCommand(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	p := m.player(i.GuildID, false)
	var current *track
	if p != nil {
		current = p.nowPlaying()
	}
	if current == nil {
		return h.Respond(ctx, embedResponse(musicEmbed("Error", nothingPlayingMsg, discordColorRed)))
	}

	if !m.bot.isDJ(i.Member) && current.RequesterID != getDiscordUser(i).ID {
		return h.Respond(
			ctx,
			embedResponse(
				musicEmbed(
					"Permission Denied",
					"You can only skip your own songs unless you have the DJ role!",
					discordColorRed,
				),
			),
		)
	}

	if !p.skip() {
		return h.Respond(ctx, embedResponse(musicEmbed("Error", nothingPlayingMsg, discordColorRed)))
	}
	return h.Respond(
		ctx,
		embedResponse(musicEmbed("Skipped", "Current song has been skipped!", discordColorGreen)),
	)
}

func (m *Music) stopCommand(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if !m.bot.isDJ(i.Member) {
		return h.Respond(
			ctx,
			embedResponse(musicEmbed("Permission Denied", "You need the DJ role to stop playback!", discordColorRed)),
		)
	}
	p := m.player(i.GuildID, false)
	if p == nil || !p.connected() {
		return h.Respond(ctx, embedResponse(musicEmbed("Error", nothingPlayingMsg, discordColorRed)))
	}
	p.stop()
	return h.Respond(
		ctx,
		embedResponse(musicEmbed("Stopped", "Playback stopped and queue cleared!", discordColorGreen)),
	)
}

func (m *Music) snapshot(guildID string) queueSnapshot {
	p := m.player(guildID, false)
	if p == nil {
		return queueSnapshot{Upcoming: []track{}}
	}
	return queueSnapshot{NowPlaying: p.nowPlaying(), Upcoming: p.upcoming()}
}

func (m *Music) queueCommand(ctx context.Context, h InteractionHandler) error {
	q := m.snapshot(h.GetInteraction().GuildID)
	if q.NowPlaying == nil && len(q.Upcoming) == 0 {
		return h.Respond(ctx, embedResponse(musicEmbed("Queue", "The queue is empty!", discordColorBlue)))
	}

	embed := musicEmbed("Music Queue", "", discordColorBlue)
	if q.NowPlaying != nil {
		embed.Description = fmt.Sprintf("Now playing: **%s**", q.NowPlaying.Title)
	}
	for idx, t := range q.Upcoming {
		if idx == 25 {
			break
		}
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: fmt.Sprintf("%d.", idx+1), Value: truncate(t.Title, discordEmbedFieldValueMaxLength)},
		)
	}
	return h.Respond(ctx, embedResponse(embed))
}

func (m *Music) leaveCommand(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	if !m.bot.isDJ(i.Member) {
		return h.Respond(
			ctx,
			embedResponse(
				musicEmbed("Permission Denied", "You need the DJ role to make the bot leave!", discordColorRed),
			),
		)
	}

	m.playersMu.Lock()
	p := m.players[i.GuildID]
	delete(m.players, i.GuildID)
	m.playersMu.Unlock()

	if p == nil {
		return h.Respond(ctx, embedResponse(musicEmbed("Error", "I'm not in a voice channel!", discordColorRed)))
	}
	if err := p.disconnect(); err != nil {
		if errors.Is(err, ErrNotInVoice) {
			return h.Respond(ctx, embedResponse(musicEmbed("Error", "I'm not in a voice channel!", discordColorRed)))
		}
		return fmt.Errorf("error leaving voice channel: %w", err)
	}
	return h.Respond(
		ctx,
		embedResponse(musicEmbed("Left Channel", "I've left the voice channel!", discordColorGreen)),
	)
}

func (m *Music) nowPlayingCommand(ctx context.Context, h InteractionHandler) error {
	p := m.player(h.GetInteraction().GuildID, false)
	if p == nil || p.nowPlaying() == nil {
		return h.Respond(ctx, embedResponse(musicEmbed("Now Playing", nothingPlayingMsg, discordColorBlue)))
	}
	return h.Respond(ctx, embedResponse(nowPlayingEmbed(p.nowPlaying())))
}

// stopAll ends playback in every guild and disconnects from voice, then
// waits for the players to finish, or ctx to be done
func (m *Music) stopAll(ctx context.Context) {
	m.cancel()

	m.playersMu.Lock()
	players := make([]*player, 0, len(m.players))
	for _, p := range m.players {
		players = append(players, p)
	}
	m.players = map[string]*player{}
	m.playersMu.Unlock()

	for _, p := range players {
		if err := p.disconnect(); err != nil && !errors.Is(err, ErrNotInVoice) {
			m.logger.ErrorContext(ctx, "error disconnecting from voice", tint.Err(err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.WarnContext(ctx, "timed out waiting on music players")
	}
}
