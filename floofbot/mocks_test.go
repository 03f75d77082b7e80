package floofbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
)

var errMockNotFound = &discordgo.RESTError{
	Response: &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found"},
	Message:  &discordgo.APIErrorMessage{Code: 10003, Message: "Unknown"},
}

type sentMessage struct {
	ChannelID string
	Content   string
	Embeds    []*discordgo.MessageEmbed
	Files     []*discordgo.File
}

type permissionSet struct {
	ChannelID string
	TargetID  string
	Allow     int64
	Deny      int64
}

type memberRemoval struct {
	UserID string
	Reason string
}

type roleAdd struct {
	UserID string
	RoleID string
}

// mockDiscordSession is an in-memory DiscordSessionHandler. Sends, edits
// and moderation actions are recorded for assertions.
type mockDiscordSession struct {
	mu sync.Mutex

	botUser     *discordgo.User
	guild       *discordgo.Guild
	members     []*discordgo.Member
	roles       []*discordgo.Role
	channels    map[string]*discordgo.Channel
	history     map[string][]*discordgo.Message
	voiceStates map[string]*discordgo.VoiceState

	// errs makes the named method return the given error
	errs map[string]error

	nextID atomic.Int64

	sent             []sentMessage
	messageEdits     []*discordgo.MessageEdit
	channelEdits     map[string]string
	deletedChannels  []string
	createdChannels  []discordgo.GuildChannelCreateData
	permissionSets   []permissionSet
	roleAdds         []roleAdd
	bans             []memberRemoval
	kicks            []memberRemoval
	dmChannels       []string
	statusUpdates    []discordgo.UpdateStatusData
	commands         []*discordgo.ApplicationCommand
	interactionResps []*discordgo.InteractionResponse
	voice            *mockVoiceConn
}

func newMockDiscordSession() *mockDiscordSession {
	m := &mockDiscordSession{
		botUser:      &discordgo.User{ID: "900", Username: "FloofBot", Bot: true},
		guild:        &discordgo.Guild{ID: "1", Name: "Floof Den"},
		channels:     map[string]*discordgo.Channel{},
		history:      map[string][]*discordgo.Message{},
		voiceStates:  map[string]*discordgo.VoiceState{},
		errs:         map[string]error{},
		channelEdits: map[string]string{},
	}
	m.nextID.Store(5000)
	return m
}

func (m *mockDiscordSession) id() string {
	return fmt.Sprintf("%d", m.nextID.Add(1))
}

func (m *mockDiscordSession) err(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs[method]
}

func (m *mockDiscordSession) setErr(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = err
}

func (m *mockDiscordSession) addMember(member *discordgo.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = append(m.members, member)
}

func (m *mockDiscordSession) addChannel(ch *discordgo.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = ch
}

func (m *mockDiscordSession) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

func (m *mockDiscordSession) sentTo(channelID string) []sentMessage {
	var out []sentMessage
	for _, s := range m.sentMessages() {
		if s.ChannelID == channelID {
			out = append(out, s)
		}
	}
	return out
}

func (m *mockDiscordSession) record(s sentMessage) *discordgo.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, s)
	return &discordgo.Message{
		ID:        fmt.Sprintf("%d", m.nextID.Add(1)),
		ChannelID: s.ChannelID,
		Content:   s.Content,
		Embeds:    s.Embeds,
	}
}

func (m *mockDiscordSession) Open() error {
	return m.err("Open")
}

func (m *mockDiscordSession) Close() error {
	return m.err("Close")
}

func (*mockDiscordSession) AddHandler(any) func() {
	return func() {}
}

func (*mockDiscordSession) SetIdentify(discordgo.Identify) {}

func (*mockDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

func (*mockDiscordSession) SetHTTPClient(*http.Client) {}

func (m *mockDiscordSession) BotUser() *discordgo.User {
	return m.botUser
}

func (m *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusUpdates = append(m.statusUpdates, data)
	return m.errs["UpdateStatusComplex"]
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	if err := m.err("ApplicationCommandBulkOverwrite"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = commands
	return commands, nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactionResps = append(m.interactionResps, resp)
	return m.errs["InteractionRespond"]
}

func (m *mockDiscordSession) InteractionResponse(
	_ *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{ID: m.id()}, m.err("InteractionResponse")
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg := &discordgo.Message{ID: m.id()}
	if newresp.Content != nil {
		msg.Content = *newresp.Content
	}
	return msg, m.err("InteractionResponseEdit")
}

func (m *mockDiscordSession) InteractionResponseDelete(
	_ *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) error {
	return m.err("InteractionResponseDelete")
}

func (m *mockDiscordSession) FollowupMessageCreate(
	_ *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{ID: m.id(), Content: data.Content}, m.err("FollowupMessageCreate")
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if err := m.err("ChannelMessageSend"); err != nil {
		return nil, err
	}
	return m.record(sentMessage{ChannelID: channelID, Content: content}), nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if err := m.err("ChannelMessageSendComplex"); err != nil {
		return nil, err
	}
	embeds := data.Embeds
	if data.Embed != nil {
		embeds = append(embeds, data.Embed)
	}
	files := data.Files
	if data.File != nil {
		files = append(files, data.File)
	}
	return m.record(
		sentMessage{
			ChannelID: channelID,
			Content:   data.Content,
			Embeds:    embeds,
			Files:     files,
		},
	), nil
}

func (m *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if err := m.err("ChannelMessageSendEmbed"); err != nil {
		return nil, err
	}
	return m.record(
		sentMessage{ChannelID: channelID, Embeds: []*discordgo.MessageEmbed{embed}},
	), nil
}

func (m *mockDiscordSession) ChannelMessageEditComplex(
	edit *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if err := m.err("ChannelMessageEditComplex"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageEdits = append(m.messageEdits, edit)
	return &discordgo.Message{ID: edit.ID, ChannelID: edit.Channel}, nil
}

// ChannelMessages pages through history, which is stored newest first
func (m *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	if err := m.err("ChannelMessages"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.history[channelID]
	start := 0
	if beforeID != "" {
		start = len(msgs)
		for idx, msg := range msgs {
			if msg.ID == beforeID {
				start = idx + 1
				break
			}
		}
	}
	end := min(start+limit, len(msgs))
	if start >= end {
		return nil, nil
	}
	return slices.Clone(msgs[start:end]), nil
}

func (m *mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if err := m.err("Channel"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, errMockNotFound
	}
	return ch, nil
}

func (m *mockDiscordSession) ChannelEdit(
	channelID string,
	data *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if err := m.err("ChannelEdit"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelEdits[channelID] = data.Name
	ch, ok := m.channels[channelID]
	if !ok {
		ch = &discordgo.Channel{ID: channelID}
		m.channels[channelID] = ch
	}
	ch.Name = data.Name
	return ch, nil
}

func (m *mockDiscordSession) ChannelDelete(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if err := m.err("ChannelDelete"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedChannels = append(m.deletedChannels, channelID)
	ch := m.channels[channelID]
	delete(m.channels, channelID)
	return ch, nil
}

func (m *mockDiscordSession) deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.deletedChannels)
}

func (m *mockDiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	_ discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	if err := m.err("ChannelPermissionSet"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permissionSets = append(
		m.permissionSets,
		permissionSet{ChannelID: channelID, TargetID: targetID, Allow: allow, Deny: deny},
	)
	return nil
}

func (m *mockDiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if err := m.err("GuildChannelCreateComplex"); err != nil {
		return nil, err
	}
	ch := &discordgo.Channel{
		ID:       m.id(),
		GuildID:  guildID,
		Name:     data.Name,
		Type:     data.Type,
		ParentID: data.ParentID,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createdChannels = append(m.createdChannels, data)
	m.channels[ch.ID] = ch
	return ch, nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if err := m.err("UserChannelCreate"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dmChannels = append(m.dmChannels, recipientID)
	return &discordgo.Channel{ID: "dm-" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (m *mockDiscordSession) Guild(
	_ string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	if err := m.err("Guild"); err != nil {
		return nil, err
	}
	return m.guild, nil
}

func (m *mockDiscordSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	if err := m.err("GuildMember"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range m.members {
		if member.User != nil && member.User.ID == userID {
			return member, nil
		}
	}
	return nil, errMockNotFound
}

func (m *mockDiscordSession) GuildMembers(
	_ string,
	after string,
	limit int,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	if err := m.err("GuildMembers"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if after != "" {
		start = len(m.members)
		for idx, member := range m.members {
			if member.User.ID == after {
				start = idx + 1
				break
			}
		}
	}
	end := min(start+limit, len(m.members))
	if start >= end {
		return nil, nil
	}
	return slices.Clone(m.members[start:end]), nil
}

func (m *mockDiscordSession) GuildRoles(
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	if err := m.err("GuildRoles"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.roles), nil
}

func (m *mockDiscordSession) GuildMemberRoleAdd(
	_ string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	if err := m.err("GuildMemberRoleAdd"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roleAdds = append(m.roleAdds, roleAdd{UserID: userID, RoleID: roleID})
	for _, member := range m.members {
		if member.User != nil && member.User.ID == userID {
			member.Roles = append(member.Roles, roleID)
		}
	}
	return nil
}

func (m *mockDiscordSession) addedRoles() []roleAdd {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.roleAdds)
}

func (m *mockDiscordSession) GuildBanCreateWithReason(
	_ string,
	userID string,
	reason string,
	_ int,
	_ ...discordgo.RequestOption,
) error {
	if err := m.err("GuildBanCreateWithReason"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans = append(m.bans, memberRemoval{UserID: userID, Reason: reason})
	return nil
}

func (m *mockDiscordSession) GuildMemberDeleteWithReason(
	_ string,
	userID string,
	reason string,
	_ ...discordgo.RequestOption,
) error {
	if err := m.err("GuildMemberDeleteWithReason"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kicks = append(m.kicks, memberRemoval{UserID: userID, Reason: reason})
	return nil
}

func (m *mockDiscordSession) VoiceState(_ string, userID string) (*discordgo.VoiceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.voiceStates[userID]
	if !ok {
		return nil, discordgo.ErrStateNotFound
	}
	return vs, nil
}

func (m *mockDiscordSession) JoinVoice(_ string, channelID string) (VoiceConn, error) {
	if err := m.err("JoinVoice"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voice = newMockVoiceConn(channelID)
	return m.voice, nil
}

// mockVoiceConn discards opus frames
type mockVoiceConn struct {
	channelID    string
	frames       chan []byte
	done         chan struct{}
	disconnected atomic.Bool
	received     atomic.Int64
}

func newMockVoiceConn(channelID string) *mockVoiceConn {
	v := &mockVoiceConn{
		channelID: channelID,
		frames:    make(chan []byte),
		done:      make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-v.frames:
				v.received.Add(1)
			case <-v.done:
				return
			}
		}
	}()
	return v
}

func (*mockVoiceConn) Speaking(bool) error {
	return nil
}

func (v *mockVoiceConn) OpusSend() chan<- []byte {
	return v.frames
}

func (v *mockVoiceConn) Disconnect() error {
	if v.disconnected.CompareAndSwap(false, true) {
		close(v.done)
	}
	return nil
}

func (v *mockVoiceConn) ChannelID() string {
	return v.channelID
}

// stubInteractionHandler is an InteractionHandler that records what was
// sent back, without a discord session
type stubInteractionHandler struct {
	mu          sync.Mutex
	interaction *discordgo.InteractionCreate
	config      RuntimeConfig
	logger      *slog.Logger

	respondErr error

	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
	followups []*discordgo.WebhookParams
	deleted   bool
}

func newStubHandler(i *discordgo.InteractionCreate) *stubInteractionHandler {
	return &stubInteractionHandler{
		interaction: i,
		config:      DefaultRuntimeConfig(),
		logger:      slog.Default(),
	}
}

func (s *stubInteractionHandler) Respond(_ context.Context, r *discordgo.InteractionResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.respondErr != nil {
		return s.respondErr
	}
	s.responses = append(s.responses, r)
	return nil
}

func (*stubInteractionHandler) GetResponse(context.Context) (*discordgo.Message, error) {
	return &discordgo.Message{ID: "1234"}, nil
}

func (s *stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, e)
	return &discordgo.Message{ID: "1234"}, nil
}

func (s *stubInteractionHandler) Delete(context.Context, ...discordgo.RequestOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = true
}

func (s *stubInteractionHandler) Followup(
	_ context.Context,
	p *discordgo.WebhookParams,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followups = append(s.followups, p)
	return &discordgo.Message{ID: "5678"}, nil
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (*stubInteractionHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (s *stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

func (s *stubInteractionHandler) Config() RuntimeConfig {
	return s.config
}

// lastResponse returns the most recent response, failing if there wasn't one
func (s *stubInteractionHandler) lastResponse() *discordgo.InteractionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return nil
	}
	return s.responses[len(s.responses)-1]
}

func (s *stubInteractionHandler) lastEdit() *discordgo.WebhookEdit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.edits) == 0 {
		return nil
	}
	return s.edits[len(s.edits)-1]
}

// lastContent is the content of the latest edit, or else of the latest
// response
func (s *stubInteractionHandler) lastContent() string {
	if e := s.lastEdit(); e != nil && e.Content != nil {
		return *e.Content
	}
	if r := s.lastResponse(); r != nil && r.Data != nil {
		return r.Data.Content
	}
	return ""
}

var errStub = errors.New("stub error")
