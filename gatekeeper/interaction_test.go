package gatekeeper

import (
	"context"
	"errors"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strconv"
	"sync"
	"testing"
	"time"
)

func newTestUser(t testing.TB) *discordgo.User {
	t.Helper()
	return &discordgo.User{ID: newID(t), Username: gofakeit.Username()}
}

// componentPress returns a button press in a DM
func componentPress(user *discordgo.User, customID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:      gofakeit.UUID(),
			Type:    discordgo.InteractionMessageComponent,
			User:    user,
			Context: discordgo.InteractionContextBotDM,
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.ButtonComponent,
			},
		},
	}
}

// modalSubmit returns a modal submission in a DM
func modalSubmit(
	user *discordgo.User,
	customID string,
	values map[string]string,
) *discordgo.InteractionCreate {
	rows := make([]discordgo.MessageComponent, 0, len(values))
	for k, v := range values {
		rows = append(
			rows, &discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.TextInput{CustomID: k, Value: v},
				},
			},
		)
	}
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:      gofakeit.UUID(),
			Type:    discordgo.InteractionModalSubmit,
			User:    user,
			Context: discordgo.InteractionContextBotDM,
			Data: discordgo.ModalSubmitInteractionData{
				CustomID:   customID,
				Components: rows,
			},
		},
	}
}

func interactionLogs(t testing.TB, g *Gatekeeper) []InteractionLog {
	t.Helper()
	var logs []InteractionLog
	require.NoError(t, g.db.DB().Order("id asc").Find(&logs).Error)
	return logs
}

// run dispatches the interaction and returns the handler that
// recorded the responses
func run(g *Gatekeeper, i *discordgo.InteractionCreate) *stubInteractionHandler {
	h := newStubHandler(i)
	g.handleInteraction(context.Background(), h)
	return h
}

func TestHandleInteraction_CaptchaFlow(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGatekeeper(t)
	setting := newTestSetting(t, g.store, func(vs *VerificationSetting) { vs.RequireCaptcha = true })
	user := newTestUser(t)

	h := run(g, componentPress(user, customID{Action: actionStart, ID: setting.GuildID}.String()))
	require.Len(t, h.responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, h.responses[0].Type)
	assert.Contains(t, h.lastContent(t), "What is 2 + 2?")

	ids := buttonIDs(t, *h.lastEdit(t).Components)
	require.Len(t, ids, 2)
	answer := ids[0]
	require.Equal(t, actionCaptcha, answer.Action)

	// the answer button opens a modal for the issued challenge
	h = run(g, componentPress(user, answer.String()))
	require.Len(t, h.responses, 1)
	modal := h.responses[0]
	require.Equal(t, discordgo.InteractionResponseModal, modal.Type)
	assert.Empty(t, h.edits)

	h = run(g, modalSubmit(user, modal.Data.CustomID, map[string]string{captchaAnswerInputID: "5"}))
	assert.Contains(t, h.lastContent(t), "incorrect")
	assert.Contains(t, h.lastContent(t), "Attempts remaining: 2")

	// the old answer button no longer matches the issued challenge, so
	// the current step is shown again
	h = run(g, componentPress(user, answer.String()))
	require.Len(t, h.responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, h.responses[0].Type)
	ids = buttonIDs(t, *h.lastEdit(t).Components)
	require.Len(t, ids, 2)
	require.NotEqual(t, answer.ChallengeID, ids[0].ChallengeID)

	h = run(g, componentPress(user, ids[0].String()))
	modal = h.responses[0]
	require.Equal(t, discordgo.InteractionResponseModal, modal.Type)
	h = run(g, modalSubmit(user, modal.Data.CustomID, map[string]string{captchaAnswerInputID: "4"}))
	assert.Equal(t, "You've been verified. Welcome!", h.lastContent(t))
	assert.Empty(t, *h.lastEdit(t).Components)

	logs := interactionLogs(t, g)
	require.Len(t, logs, 6)
	for _, l := range logs {
		assert.Equal(t, user.ID, l.UserID)
		assert.NotEmpty(t, l.CustomID)
		if l.Type == discordgo.InteractionModalSubmit.String() {
			assert.Empty(t, l.Payload, "modal answers aren't logged")
		} else {
			assert.NotEmpty(t, l.Payload)
		}
	}
}

func TestHandleInteraction_QuestionsAndRules(t *testing.T) {
	t.Parallel()
	g, members, _ := newTestGatekeeper(t)
	roleID := newID(t)
	setting := newTestSetting(
		t, g.store, func(vs *VerificationSetting) {
			vs.RequireQuestions = true
			vs.RequireRoleAccept = true
			vs.RulesMessage = "No spam."
			vs.VerifiedRoleID = roleID
			vs.CustomQuestions = []CustomQuestion{
				{Question: "Favorite color?", Answers: []string{"blue"}},
				{Question: "Favorite number?", Answers: []string{"7"}},
			}
		},
	)
	user := newTestUser(t)

	h := run(g, componentPress(user, customID{Action: actionStart, ID: setting.GuildID}.String()))
	assert.Contains(t, h.lastContent(t), "1. Favorite color?")
	ids := buttonIDs(t, *h.lastEdit(t).Components)
	require.Len(t, ids, 1)
	require.Equal(t, actionQuestions, ids[0].Action)

	h = run(g, componentPress(user, ids[0].String()))
	modal := h.responses[0]
	require.Equal(t, discordgo.InteractionResponseModal, modal.Type)
	require.Len(t, modal.Data.Components, 2)

	h = run(
		g, modalSubmit(
			user,
			modal.Data.CustomID,
			map[string]string{questionInputIDPrefix + "0": "Blue", questionInputIDPrefix + "1": "7"},
		),
	)
	assert.Contains(t, h.lastContent(t), "No spam.")
	ids = buttonIDs(t, *h.lastEdit(t).Components)
	require.Len(t, ids, 2)

	h = run(g, componentPress(user, ids[0].String()))
	assert.Equal(t, "You've been verified. Welcome!", h.lastContent(t))
	require.Len(t, members.roles, 1)
	assert.Equal(t, roleID, members.roles[0].RoleID)

	// pressing decline afterward doesn't change anything
	h = run(g, componentPress(user, ids[1].String()))
	assert.Equal(t, "You've already been verified.", h.lastContent(t))
}

func TestHandleInteraction_Decline(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGatekeeper(t)
	setting := newTestSetting(t, g.store, func(vs *VerificationSetting) { vs.RequireRoleAccept = true })
	user := newTestUser(t)

	h := run(g, componentPress(user, customID{Action: actionStart, ID: setting.GuildID}.String()))
	ids := buttonIDs(t, *h.lastEdit(t).Components)
	require.Len(t, ids, 2)
	require.Equal(t, actionDecline, ids[1].Action)

	h = run(g, componentPress(user, ids[1].String()))
	assert.Contains(t, h.lastContent(t), "Verification failed: User declined rules.")

	h = run(g, componentPress(user, customID{Action: actionStart, ID: setting.GuildID}.String()))
	assert.Contains(t, h.lastContent(t), "Your last verification attempt failed. You can try again <t:")
	assert.Empty(t, *h.lastEdit(t).Components)
}

func TestHandleInteraction_ExpiredPrompt(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGatekeeper(t)
	setting := newTestSetting(t, g.store, func(vs *VerificationSetting) { vs.RequireRoleAccept = true })
	user := newTestUser(t)

	p, err := g.engine.StartVerification(
		context.Background(),
		StartRequest{GuildID: setting.GuildID, UserID: user.ID},
	)
	require.NoError(t, err)

	expired := customID{
		Action:  actionAccept,
		ID:      strconv.FormatUint(uint64(p.Log.ID), 10),
		Expires: time.Now().Add(-time.Minute),
	}
	h := run(g, componentPress(user, expired.String()))
	assert.Contains(t, h.lastContent(t), "That prompt expired.")

	// nothing was accepted
	vlog, err := g.store.GetLog(context.Background(), p.Log.ID)
	require.NoError(t, err)
	assert.False(t, vlog.RoleAcceptCompleted)
	assert.False(t, vlog.Terminal())
}

func TestHandleInteraction_WrongUser(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGatekeeper(t)
	setting := newTestSetting(t, g.store, func(vs *VerificationSetting) { vs.RequireRoleAccept = true })

	p, err := g.engine.StartVerification(
		context.Background(),
		StartRequest{GuildID: setting.GuildID, UserID: newID(t)},
	)
	require.NoError(t, err)

	accept := customID{
		Action:  actionAccept,
		ID:      strconv.FormatUint(uint64(p.Log.ID), 10),
		Expires: time.Now().Add(time.Minute),
	}
	h := run(g, componentPress(newTestUser(t), accept.String()))
	assert.Equal(t, "This verification belongs to someone else.", h.lastContent(t))
}

func TestHandleInteraction_InvalidComponents(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGatekeeper(t)
	user := newTestUser(t)

	for _, cid := range []string{"not-ours", "gk:accept:abc:0"} {
		h := run(g, componentPress(user, cid))
		require.Len(t, h.responses, 1, cid)
		assert.Equal(t, DefaultDiscordErrorMessage, h.responses[0].Data.Content)
		assert.Equal(t, discordgo.MessageFlagsEphemeral, h.responses[0].Data.Flags)
	}

	h := run(g, modalSubmit(user, "gk:accept:1:0", map[string]string{}))
	require.Len(t, h.responses, 1)
	assert.Equal(t, DefaultDiscordErrorMessage, h.responses[0].Data.Content)

	// a log that doesn't exist
	h = run(g, componentPress(user, customID{Action: actionAccept, ID: "999"}.String()))
	assert.Contains(t, h.lastContent(t), "no longer exists")
}

func TestHandleInteraction_Ignored(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGatekeeper(t)

	bot := newTestUser(t)
	bot.Bot = true
	h := run(g, componentPress(bot, customID{Action: actionStart, ID: newID(t)}.String()))
	assert.Empty(t, h.responses)
	assert.Len(t, interactionLogs(t, g), 1)

	// no user at all
	h = run(g, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{Type: discordgo.InteractionPing}})
	assert.Empty(t, h.responses)
	assert.Len(t, interactionLogs(t, g), 1)

	h = run(
		g,
		&discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{Type: discordgo.InteractionPing, User: newTestUser(t)},
		},
	)
	require.Len(t, h.responses, 1)
	assert.Equal(t, discordgo.InteractionResponsePong, h.responses[0].Type)
}

func TestHandleInteraction_RespondError(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGatekeeper(t)
	setting := newTestSetting(t, g.store, func(vs *VerificationSetting) { vs.RequireCaptcha = true })
	user := newTestUser(t)

	h := newStubHandler(componentPress(user, customID{Action: actionStart, ID: setting.GuildID}.String()))
	h.respondErr = errors.New("unknown interaction")
	g.handleInteraction(context.Background(), h)

	// the interaction couldn't be acknowledged, so nothing was started
	assert.Empty(t, h.edits)
	_, err := g.store.InProgressLog(context.Background(), setting.GuildID, user.ID)
	assert.ErrorIs(t, err, ErrLogNotFound)
}

func TestGatewayHandler(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	i := componentPress(&discordgo.User{ID: "1"}, "gk:start:1:0")
	h := newGatewayHandler(session, i, session.logger)
	ctx := context.Background()

	require.NoError(t, h.Respond(ctx, deferUpdate()))
	content := "hello"
	_, err := h.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	require.NoError(t, err)
	_, err = h.GetResponse(ctx)
	require.NoError(t, err)
	h.Delete(ctx)

	assert.Equal(t, i, h.GetInteraction())
	assert.NotNil(t, h.Logger())

	session.mu.Lock()
	require.Len(t, session.responses, 1)
	assert.Equal(t, i.Interaction, session.responses[0].Interaction)
	require.Len(t, session.edits, 1)
	assert.Equal(t, "hello", *session.edits[0].Content)
	assert.Equal(t, 1, session.interactionRetrieve)
	assert.Equal(t, 1, session.interactionDeletes)
	session.respondErr = errors.New("unknown interaction")
	session.mu.Unlock()

	assert.Error(t, h.Respond(ctx, deferUpdate()))
}

func TestInitDiscordSession_GatewayDispatch(t *testing.T) {
	t.Parallel()
	g, _, session := newTestGatekeeper(t)
	setting := newTestSetting(t, g.store, func(vs *VerificationSetting) { vs.RequireRoleAccept = true })

	runtimeWG := &sync.WaitGroup{}
	require.NoError(t, g.initDiscordSession(context.Background(), runtimeWG))

	var onInteraction func(*discordgo.Session, *discordgo.InteractionCreate)
	var onMemberAdd func(*discordgo.Session, *discordgo.GuildMemberAdd)
	session.mu.Lock()
	require.Len(t, session.handlers, 5)
	for _, h := range session.handlers {
		switch fn := h.(type) {
		case func(*discordgo.Session, *discordgo.InteractionCreate):
			onInteraction = fn
		case func(*discordgo.Session, *discordgo.GuildMemberAdd):
			onMemberAdd = fn
		}
	}
	session.mu.Unlock()
	require.NotNil(t, onInteraction)
	require.NotNil(t, onMemberAdd)

	user := newTestUser(t)
	onInteraction(nil, componentPress(user, customID{Action: actionStart, ID: setting.GuildID}.String()))
	runtimeWG.Wait()

	session.mu.Lock()
	require.Len(t, session.responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, session.responses[0].Response.Type)
	require.Len(t, session.edits, 1)
	assert.Contains(t, *session.edits[0].Content, "Server rules")
	session.mu.Unlock()

	// a panic in a handler is recovered
	onMemberAdd(nil, nil)
	runtimeWG.Wait()
}

func TestHandleRecover(t *testing.T) {
	t.Parallel()
	g := &Gatekeeper{}
	ctx := context.Background()
	assert.NotPanics(
		t, func() {
			g.handleRecover(ctx, errors.New("boom"))
			g.handleRecover(ctx, "boom")
			g.handleRecover(ctx, 42)
		},
	)
}
