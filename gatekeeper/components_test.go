package gatekeeper

import (
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

func TestCustomID(t *testing.T) {
	t.Parallel()
	expires := time.Unix(1700000000, 0)

	tests := []struct {
		name string
		id   customID
		want string
	}{
		{
			name: "start",
			id:   customID{Action: actionStart, ID: "123456789012345678"},
			want: "gk:start:123456789012345678:0",
		},
		{
			name: "captcha",
			id:   customID{Action: actionCaptcha, ID: "12", Expires: expires, ChallengeID: "abcd"},
			want: "gk:captcha:12:1700000000:abcd",
		},
		{
			name: "accept",
			id:   customID{Action: actionAccept, ID: "12", Expires: expires},
			want: "gk:accept:12:1700000000",
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				s := tt.id.String()
				assert.Equal(t, tt.want, s)
				assert.LessOrEqual(t, len(s), 100)

				parsed, err := parseCustomID(s)
				require.NoError(t, err)
				assert.Equal(t, tt.id.Action, parsed.Action)
				assert.Equal(t, tt.id.ID, parsed.ID)
				assert.Equal(t, tt.id.ChallengeID, parsed.ChallengeID)
				assert.True(t, tt.id.Expires.Equal(parsed.Expires))
			},
		)
	}
}

func TestParseCustomID_Invalid(t *testing.T) {
	t.Parallel()
	for _, s := range []string{
		"",
		"gk",
		"xx:start:1:0",
		"gk:explode:1:0",
		"gk:start::0",
		"gk:accept:1:soon",
		"gk:captcha:1:0",
		"gk:accept:1:0:a:b",
	} {
		_, err := parseCustomID(s)
		assert.ErrorIs(t, err, errInvalidCustomID, s)
	}
}

func TestCustomID_ExpiredAndLogID(t *testing.T) {
	t.Parallel()
	now := time.Now()

	assert.False(t, customID{}.Expired(now))
	assert.False(t, customID{Expires: now.Add(time.Minute)}.Expired(now))
	assert.True(t, customID{Expires: now.Add(-time.Second)}.Expired(now))

	id, err := customID{ID: "42"}.LogID()
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)

	_, err = customID{ID: "0"}.LogID()
	assert.ErrorIs(t, err, errInvalidCustomID)
	_, err = customID{ID: "abc"}.LogID()
	assert.ErrorIs(t, err, errInvalidCustomID)
}

func testRenderer(now time.Time) promptRenderer {
	return promptRenderer{
		captchaTimeout: 5 * time.Minute,
		stepTimeout:    10 * time.Minute,
		now:            func() time.Time { return now },
	}
}

func buttonIDs(t *testing.T, components []discordgo.MessageComponent) []customID {
	t.Helper()
	var ids []customID
	for _, c := range components {
		row, ok := c.(discordgo.ActionsRow)
		require.True(t, ok)
		for _, rc := range row.Components {
			button, isButton := rc.(discordgo.Button)
			require.True(t, isButton)
			cid, err := parseCustomID(button.CustomID)
			require.NoError(t, err)
			ids = append(ids, cid)
		}
	}
	return ids
}

func TestPromptRenderer_Captcha(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	r := testRenderer(now)

	content, components := r.render(
		Prompt{
			Kind:              PromptCaptcha,
			Log:               &VerificationLog{ModelUintID: ModelUintID{ID: 7}},
			Captcha:           &IssuedChallenge{ID: "ch1", Question: "What is 3 + 4?"},
			RemainingAttempts: 2,
			Incorrect:         true,
		},
	)
	assert.Contains(t, content, "incorrect")
	assert.Contains(t, content, "What is 3 + 4?")
	assert.Contains(t, content, "Attempts remaining: 2")

	ids := buttonIDs(t, components)
	require.Len(t, ids, 2)
	assert.Equal(t, actionCaptcha, ids[0].Action)
	assert.Equal(t, "7", ids[0].ID)
	assert.Equal(t, "ch1", ids[0].ChallengeID)
	assert.True(t, now.Add(5*time.Minute).Equal(ids[0].Expires))
	assert.Equal(t, actionCaptchaRefresh, ids[1].Action)
}

func TestPromptRenderer_Steps(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	r := testRenderer(now)
	vlog := &VerificationLog{ModelUintID: ModelUintID{ID: 9}}

	content, components := r.render(
		Prompt{
			Kind:              PromptQuestions,
			Log:               vlog,
			Questions:         []string{"First?", "Second?"},
			RemainingAttempts: 3,
			Message:           "The questions have changed.",
		},
	)
	assert.True(t, strings.HasPrefix(content, "The questions have changed."))
	assert.Contains(t, content, "1. First?\n2. Second?")
	ids := buttonIDs(t, components)
	require.Len(t, ids, 1)
	assert.Equal(t, actionQuestions, ids[0].Action)
	assert.True(t, now.Add(10*time.Minute).Equal(ids[0].Expires))

	content, components = r.render(Prompt{Kind: PromptRoleAccept, Log: vlog, RulesMessage: "No spam."})
	assert.Contains(t, content, "No spam.")
	ids = buttonIDs(t, components)
	require.Len(t, ids, 2)
	assert.Equal(t, actionAccept, ids[0].Action)
	assert.Equal(t, actionDecline, ids[1].Action)

	content, _ = r.render(Prompt{Kind: PromptRoleAccept, Log: vlog})
	assert.Contains(t, content, "follow this server's rules")
}

func TestPromptRenderer_Terminal(t *testing.T) {
	t.Parallel()
	r := testRenderer(time.Now())

	content, components := r.render(Prompt{Kind: PromptCompleted})
	assert.Equal(t, "You've been verified. Welcome!", content)
	assert.Empty(t, components)
	assert.NotNil(t, components, "an empty slice clears the previous buttons")

	content, _ = r.render(Prompt{Kind: PromptCompleted, AlreadyFinal: true})
	assert.Equal(t, "You've already been verified.", content)

	content, components = r.render(Prompt{Kind: PromptFailed, Message: FailureReasonDeclined})
	assert.True(t, strings.HasPrefix(content, "Verification failed: User declined rules."))
	assert.Contains(t, content, "/"+DiscordSlashCommandVerify)
	assert.Empty(t, components)

	content, _ = r.render(Prompt{Kind: PromptRejected, Message: "Too young."})
	assert.Equal(t, "Too young.", content)

	edit := r.webhookEdit(Prompt{Kind: PromptNotRequired, Message: "Not required."})
	require.NotNil(t, edit.Content)
	assert.Equal(t, "Not required.", *edit.Content)
	require.NotNil(t, edit.Components)
	assert.Empty(t, *edit.Components)
	require.NotNil(t, edit.AllowedMentions)
	assert.Empty(t, edit.AllowedMentions.Parse)
}

func TestCaptchaModal(t *testing.T) {
	t.Parallel()
	expires := time.Unix(1700000000, 0)

	modal := captchaModal(3, &IssuedChallenge{ID: "c1", Question: "What is 1 + 1?"}, expires)
	assert.Equal(t, discordgo.InteractionResponseModal, modal.Type)
	cid, err := parseCustomID(modal.Data.CustomID)
	require.NoError(t, err)
	assert.Equal(t, actionCaptchaSubmit, cid.Action)
	assert.Equal(t, "c1", cid.ChallengeID)
	assert.True(t, expires.Equal(cid.Expires))

	input := modal.Data.Components[0].(discordgo.ActionsRow).Components[0].(discordgo.TextInput)
	assert.Equal(t, captchaAnswerInputID, input.CustomID)
	assert.Equal(t, "What is 1 + 1?", input.Label)
	assert.Empty(t, input.Placeholder)

	long := strings.Repeat("x", discordModalInputLabelMaxLength+1)
	modal = captchaModal(3, &IssuedChallenge{ID: "c2", Question: long}, expires)
	input = modal.Data.Components[0].(discordgo.ActionsRow).Components[0].(discordgo.TextInput)
	assert.Equal(t, "Answer", input.Label)
	assert.Equal(t, long, input.Placeholder)
}

func TestQuestionsModal(t *testing.T) {
	t.Parallel()
	questions := []CustomQuestion{
		{Question: "First?", Answers: []string{"a"}},
		{Question: strings.Repeat("q", 80), Answers: []string{"b"}},
	}
	modal := questionsModal(4, questions, time.Now().Add(time.Minute))
	require.Len(t, modal.Data.Components, 2)

	for n, c := range modal.Data.Components {
		input := c.(discordgo.ActionsRow).Components[0].(discordgo.TextInput)
		assert.Equal(t, questionInputIDPrefix+string(rune('0'+n)), input.CustomID)
		assert.LessOrEqual(t, len(input.Label), discordModalInputLabelMaxLength)
	}
}

func TestModalValues(t *testing.T) {
	t.Parallel()
	data := discordgo.ModalSubmitInteractionData{
		CustomID: "gk:questions_submit:1:0",
		Components: []discordgo.MessageComponent{
			&discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.TextInput{CustomID: "q0", Value: "first"},
				},
			},
			&discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.TextInput{CustomID: "q1", Value: "second"},
				},
			},
			&discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.TextInput{CustomID: "q3", Value: "skipped"},
				},
			},
		},
	}
	values := modalValues(data)
	assert.Len(t, values, 3)
	assert.Equal(t, []string{"first", "second"}, questionAnswers(values))
	assert.Empty(t, questionAnswers(map[string]string{}))
}
