package floofbot

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applicationsTestConfig(t *testing.T) *Config {
	cfg := DefaultTestConfig(t)
	cfg.Applications.ReviewChannelID = "600"
	cfg.Applications.LogChannelID = "601"
	cfg.Applications.MemberRoleID = "42"
	return cfg
}

var testApplicationAnswers = map[string]string{
	applicationInputAbout:    "I like baking",
	applicationInputFandom:   "People who like animal characters",
	applicationInputRules:    "Be kind. No spam.",
	applicationInputPromise:  "Yes",
	applicationInputPassword: "cinnamon",
}

func submitTestApplication(t *testing.T, bot *FloofBot, applicant *discordgo.Member) *stubInteractionHandler {
	t.Helper()
	h := newStubHandler(newModalInteraction(applicationModalID, applicant, testApplicationAnswers))
	require.NoError(t, bot.applications.submitApplication(context.Background(), h))
	return h
}

func TestApplications_Submit(t *testing.T) {
	bot, mock := newTestBot(t, applicationsTestConfig(t))
	ctx := context.Background()
	applicant := testMember("10", "newbie")

	h := newStubHandler(newComponentInteraction(applyCustomID, applicant))
	require.NoError(t, bot.applications.openApplication(ctx, h))
	assert.Equal(t, discordgo.InteractionResponseModal, h.lastResponse().Type)
	assert.Equal(t, applicationModalID, h.lastResponse().Data.CustomID)
	assert.Len(t, h.lastResponse().Data.Components, 5)

	h = submitTestApplication(t, bot, applicant)
	assert.Equal(t, applicationSubmittedMessage, h.lastContent())
	assert.True(t, isEphemeral(h.lastResponse()))

	review := mock.sentTo("600")
	require.Len(t, review, 1)
	require.Len(t, review[0].Embeds, 1)
	embed := review[0].Embeds[0]
	assert.Equal(t, "New Application", embed.Title)
	assert.Equal(t, "Application from <@10>", embed.Description)
	assert.Equal(t, "cinnamon", embed.Fields[4].Value)

	app, err := bot.applications.pending(ctx, "10")
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Equal(t, "I like baking", app.About)
	assert.Equal(t, "600", app.ReviewChannelID)
	assert.NotEmpty(t, app.ReviewMessageID)

	t.Run(
		"only one pending application", func(t *testing.T) {
			h := submitTestApplication(t, bot, applicant)
			assert.Equal(t, applicationPendingMessage, h.lastContent())

			h = newStubHandler(newSlashInteraction("apply", applicant, nil, nil))
			require.NoError(t, bot.applications.openApplication(ctx, h))
			assert.Equal(t, applicationPendingMessage, h.lastContent())

			var n int64
			require.NoError(t, bot.db.Model(&Application{}).Count(&n).Error)
			assert.Equal(t, int64(1), n)
			assert.Len(t, mock.sentTo("600"), 1)
		},
	)
}

func TestApplications_ReviewButton(t *testing.T) {
	bot, _ := newTestBot(t, applicationsTestConfig(t))
	ctx := context.Background()

	h := newStubHandler(newComponentInteraction("appreview:denied:7", testMember("11", "nosy")))
	require.NoError(t, bot.applications.reviewButton(ctx, h))
	assert.Equal(t, applicationNoPermission, h.lastContent())

	h = newStubHandler(newComponentInteraction("appreview:denied:7", staffMember("1", "mod")))
	require.NoError(t, bot.applications.reviewButton(ctx, h))
	resp := h.lastResponse()
	assert.Equal(t, discordgo.InteractionResponseModal, resp.Type)
	assert.Equal(t, "appreason:denied:7", resp.Data.CustomID)
	assert.Equal(t, "Reason for Deny", resp.Data.Title)

	h = newStubHandler(newComponentInteraction("appreview:maybe:7", staffMember("1", "mod")))
	assert.Error(t, bot.applications.reviewButton(ctx, h))
}

func TestParseReviewID(t *testing.T) {
	status, id, err := parseReviewID("appreview:banned:12")
	require.NoError(t, err)
	assert.Equal(t, ApplicationBanned, status)
	assert.Equal(t, uint(12), id)

	for _, bad := range []string{"appreview:banned", "appreview:nope:1", "appreview:kicked:x"} {
		_, _, err := parseReviewID(bad)
		assert.Error(t, err, bad)
	}
}

func decide(
	t *testing.T,
	bot *FloofBot,
	status ApplicationStatus,
	appID uint,
	moderator *discordgo.Member,
	reason string,
) *stubInteractionHandler {
	t.Helper()
	h := newStubHandler(
		newModalInteraction(
			fmt.Sprintf("%s:%s:%d", applicationReasonPrefix, status, appID),
			moderator,
			map[string]string{applicationReasonInput: reason},
		),
	)
	require.NoError(t, bot.applications.submitDecision(context.Background(), h))
	return h
}

func TestApplications_Decisions(t *testing.T) {
	testCases := []struct {
		status   ApplicationStatus
		reason   string
		expected string
		check    func(t *testing.T, mock *mockDiscordSession)
	}{
		{
			status:   ApplicationAccepted,
			expected: "Application accepted! Added Member role to <@10>",
			check: func(t *testing.T, mock *mockDiscordSession) {
				assert.Equal(t, []roleAdd{{UserID: "10", RoleID: "42"}}, mock.addedRoles())
				dms := mock.sentTo("dm-10")
				require.Len(t, dms, 1)
				assert.Equal(t, applicationAcceptedDM, dms[0].Content)
			},
		},
		{
			status:   ApplicationDenied,
			reason:   "wrong password",
			expected: "Application denied!",
			check: func(t *testing.T, mock *mockDiscordSession) {
				dms := mock.sentTo("dm-10")
				require.Len(t, dms, 1)
				assert.Equal(t, "Your application has been denied.\nReason: wrong password", dms[0].Content)
				assert.Empty(t, mock.addedRoles())
			},
		},
		{
			status:   ApplicationKicked,
			reason:   "troll",
			expected: "Kicked <@10>\nReason: troll",
			check: func(t *testing.T, mock *mockDiscordSession) {
				assert.Equal(t, []memberRemoval{{UserID: "10", Reason: "troll"}}, mock.kicks)
			},
		},
		{
			status:   ApplicationBanned,
			reason:   "spam bot",
			expected: "Banned <@10>\nReason: spam bot",
			check: func(t *testing.T, mock *mockDiscordSession) {
				assert.Equal(t, []memberRemoval{{UserID: "10", Reason: "spam bot"}}, mock.bans)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(
			string(tc.status), func(t *testing.T) {
				bot, mock := newTestBot(t, applicationsTestConfig(t))
				mock.roles = []*discordgo.Role{{ID: "42", Name: "Member"}}
				applicant := testMember("10", "newbie")
				mock.addMember(applicant)
				submitTestApplication(t, bot, applicant)

				app, err := bot.applications.pending(context.Background(), "10")
				require.NoError(t, err)
				require.NotNil(t, app)

				h := decide(t, bot, tc.status, app.ID, staffMember("1", "mod"), tc.reason)
				assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, h.lastResponse().Type)
				assert.Equal(t, tc.expected, h.lastContent())
				tc.check(t, mock)

				var decided Application
				require.NoError(t, bot.db.First(&decided, app.ID).Error)
				assert.Equal(t, tc.status, decided.Status)
				assert.Equal(t, "1", decided.ModeratorID)
				assert.Equal(t, tc.reason, decided.Reason)
				assert.NotNil(t, decided.DecidedAt)

				require.Len(t, mock.messageEdits, 1)
				edit := mock.messageEdits[0]
				assert.Equal(t, app.ReviewMessageID, edit.ID)
				row := (*edit.Components)[0].(discordgo.ActionsRow)
				for _, c := range row.Components {
					assert.True(t, c.(discordgo.Button).Disabled)
				}

				logged := mock.sentTo("601")
				require.Len(t, logged, 1)
				assert.Contains(t, logged[0].Content, fmt.Sprintf("was %s by <@1>", tc.status))
			},
		)
	}
}

func TestApplications_AlreadyReviewed(t *testing.T) {
	bot, mock := newTestBot(t, applicationsTestConfig(t))
	applicant := testMember("10", "newbie")
	mock.addMember(applicant)
	submitTestApplication(t, bot, applicant)

	app, err := bot.applications.pending(context.Background(), "10")
	require.NoError(t, err)

	decide(t, bot, ApplicationDenied, app.ID, staffMember("1", "mod"), "")
	h := decide(t, bot, ApplicationAccepted, app.ID, staffMember("2", "other-mod"), "")
	assert.Equal(t, applicationReviewedMessage, h.lastContent())
	assert.Empty(t, mock.addedRoles())

	var decided Application
	require.NoError(t, bot.db.First(&decided, app.ID).Error)
	assert.Equal(t, ApplicationDenied, decided.Status)
}

func TestApplications_DecisionEdgeCases(t *testing.T) {
	bot, mock := newTestBot(t, applicationsTestConfig(t))
	applicant := testMember("10", "newbie")
	submitTestApplication(t, bot, applicant)
	app, err := bot.applications.pending(context.Background(), "10")
	require.NoError(t, err)

	t.Run(
		"not staff", func(t *testing.T) {
			h := decide(t, bot, ApplicationAccepted, app.ID, testMember("11", "nosy"), "")
			assert.Equal(t, applicationNoPermission, h.lastContent())
		},
	)

	t.Run(
		"applicant left", func(t *testing.T) {
			h := decide(t, bot, ApplicationAccepted, app.ID, staffMember("1", "mod"), "")
			assert.Equal(t, applicantNotFoundMessage, h.lastContent())
		},
	)

	t.Run(
		"unknown application", func(t *testing.T) {
			h := decide(t, bot, ApplicationAccepted, app.ID+100, staffMember("1", "mod"), "")
			assert.Equal(t, applicantNotFoundMessage, h.lastContent())
		},
	)

	assert.Empty(t, mock.addedRoles())
	pending, err := bot.applications.pending(context.Background(), "10")
	require.NoError(t, err)
	assert.NotNil(t, pending)
}

func TestApplications_Setup(t *testing.T) {
	bot, mock := newTestBot(t, nil)
	h := newStubHandler(newSlashInteraction("setup_applications", staffMember("1", "mod"), nil, nil))
	require.NoError(t, bot.applications.setupCommand(context.Background(), h))
	assert.Equal(t, applicationPanelPosted, h.lastContent())

	sent := mock.sentTo(testChannelID)
	require.Len(t, sent, 1)
	assert.Equal(t, "Fluffy Bakery Applications", sent[0].Embeds[0].Title)
}

func TestApplications_SubmitReviewPostFails(t *testing.T) {
	bot, mock := newTestBot(t, applicationsTestConfig(t))
	ctx := context.Background()
	applicant := testMember("10", "newbie")

	mock.setErr("ChannelMessageSendComplex", errStub)
	h := newStubHandler(newModalInteraction(applicationModalID, applicant, testApplicationAnswers))
	err := bot.applications.submitApplication(ctx, h)
	assert.ErrorIs(t, err, errStub)

	pending, err := bot.applications.pending(ctx, "10")
	require.NoError(t, err)
	assert.Nil(t, pending)

	var n int64
	require.NoError(t, bot.db.Model(&Application{}).Count(&n).Error)
	assert.Equal(t, int64(0), n)

	// once discord recovers the applicant can submit again
	mock.setErr("ChannelMessageSendComplex", nil)
	h = submitTestApplication(t, bot, applicant)
	assert.Equal(t, applicationSubmittedMessage, h.lastContent())
	assert.Len(t, mock.sentTo("600"), 1)
}

func TestApplications_DecisionFailureReleasesApplication(t *testing.T) {
	bot, mock := newTestBot(t, applicationsTestConfig(t))
	ctx := context.Background()
	mock.roles = []*discordgo.Role{{ID: "42", Name: "Member"}}
	applicant := testMember("10", "newbie")
	mock.addMember(applicant)
	submitTestApplication(t, bot, applicant)

	app, err := bot.applications.pending(ctx, "10")
	require.NoError(t, err)
	require.NotNil(t, app)

	mock.setErr("GuildMemberRoleAdd", errStub)
	h := newStubHandler(
		newModalInteraction(
			fmt.Sprintf("%s:%s:%d", applicationReasonPrefix, ApplicationAccepted, app.ID),
			staffMember("1", "mod"),
			map[string]string{applicationReasonInput: "welcome"},
		),
	)
	err = bot.applications.submitDecision(ctx, h)
	assert.ErrorIs(t, err, errStub)

	var stored Application
	require.NoError(t, bot.db.First(&stored, app.ID).Error)
	assert.Equal(t, ApplicationPending, stored.Status)
	assert.Empty(t, stored.ModeratorID)
	assert.Empty(t, stored.Reason)
	assert.Nil(t, stored.DecidedAt)
	assert.Empty(t, mock.messageEdits)
	assert.Empty(t, mock.sentTo("601"))

	mock.setErr("GuildMemberRoleAdd", nil)
	h = decide(t, bot, ApplicationAccepted, app.ID, staffMember("1", "mod"), "welcome")
	assert.Equal(t, "Application accepted! Added Member role to <@10>", h.lastContent())
	assert.Equal(t, []roleAdd{{UserID: "10", RoleID: "42"}}, mock.addedRoles())

	require.NoError(t, bot.db.First(&stored, app.ID).Error)
	assert.Equal(t, ApplicationAccepted, stored.Status)
	assert.Equal(t, "welcome", stored.Reason)
}
