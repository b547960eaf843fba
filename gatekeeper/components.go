package gatekeeper

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strconv"
	"strings"
	"time"
)

const (
	customIDPrefix    = "gk"
	customIDSeparator = ":"

	captchaAnswerInputID  = "answer"
	questionInputIDPrefix = "q"
)

// componentAction identifies what a button or modal does
type componentAction string

const (
	actionStart           componentAction = "start"
	actionCaptcha         componentAction = "captcha"
	actionCaptchaSubmit   componentAction = "captcha_submit"
	actionCaptchaRefresh  componentAction = "captcha_refresh"
	actionQuestions       componentAction = "questions"
	actionQuestionsSubmit componentAction = "questions_submit"
	actionAccept          componentAction = "accept"
	actionDecline         componentAction = "decline"
)

var errInvalidCustomID = errors.New("invalid custom ID")

// customID is the state carried in a component's custom ID. ID is the
// guild ID for actionStart, and the verification log ID otherwise.
//
// Format: gk:<action>:<id>:<expires unix>[:<challenge id>]
type customID struct {
	Action      componentAction
	ID          string
	Expires     time.Time
	ChallengeID string
}

func (c customID) String() string {
	var expires int64
	if !c.Expires.IsZero() {
		expires = c.Expires.Unix()
	}
	parts := []string{
		customIDPrefix,
		string(c.Action),
		c.ID,
		strconv.FormatInt(expires, 10),
	}
	if c.ChallengeID != "" {
		parts = append(parts, c.ChallengeID)
	}
	return strings.Join(parts, customIDSeparator)
}

// Expired returns true if the component has an expiry which has passed
func (c customID) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && now.After(c.Expires)
}

// LogID returns ID as a verification log ID
func (c customID) LogID() (uint, error) {
	id, err := strconv.ParseUint(c.ID, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: bad log ID %q", errInvalidCustomID, c.ID)
	}
	return uint(id), nil
}

func parseCustomID(s string) (customID, error) {
	parts := strings.Split(s, customIDSeparator)
	if len(parts) < 4 || len(parts) > 5 || parts[0] != customIDPrefix {
		return customID{}, fmt.Errorf("%w: %q", errInvalidCustomID, s)
	}
	c := customID{Action: componentAction(parts[1]), ID: parts[2]}
	switch c.Action {
	case actionStart, actionCaptcha, actionCaptchaSubmit, actionCaptchaRefresh,
		actionQuestions, actionQuestionsSubmit, actionAccept, actionDecline:
	default:
		return customID{}, fmt.Errorf("%w: unknown action %q", errInvalidCustomID, parts[1])
	}
	if c.ID == "" {
		return customID{}, fmt.Errorf("%w: missing ID", errInvalidCustomID)
	}
	expires, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return customID{}, fmt.Errorf("%w: bad expiry %q", errInvalidCustomID, parts[3])
	}
	if expires > 0 {
		c.Expires = time.Unix(expires, 0)
	}
	if len(parts) == 5 {
		c.ChallengeID = parts[4]
	}
	if (c.Action == actionCaptcha || c.Action == actionCaptchaSubmit) && c.ChallengeID == "" {
		return customID{}, fmt.Errorf("%w: missing challenge ID", errInvalidCustomID)
	}
	return c, nil
}

// startVerificationComponents is the button sent to members that join
// a guild requiring verification. It doesn't expire.
func startVerificationComponents(guildID string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Start verification",
					Style:    discordgo.PrimaryButton,
					CustomID: customID{Action: actionStart, ID: guildID}.String(),
				},
			},
		},
	}
}

// promptRenderer renders a Prompt as message content and components
type promptRenderer struct {
	captchaTimeout time.Duration
	stepTimeout    time.Duration
	now            func() time.Time
}

func newPromptRenderer(config *VerificationConfig) promptRenderer {
	return promptRenderer{
		captchaTimeout: config.CaptchaPromptTimeout,
		stepTimeout:    config.StepPromptTimeout,
		now:            time.Now,
	}
}

func (r promptRenderer) render(p Prompt) (string, []discordgo.MessageComponent) {
	var b strings.Builder
	if p.Message != "" && p.Kind != PromptFailed {
		b.WriteString(p.Message)
		b.WriteString("\n\n")
	}

	switch p.Kind {
	case PromptNotRequired, PromptRejected, PromptCooldown:
		return strings.TrimSpace(b.String()), []discordgo.MessageComponent{}
	case PromptCaptcha:
		expires := r.now().Add(r.captchaTimeout)
		logID := strconv.FormatUint(uint64(p.Log.ID), 10)
		if p.Incorrect {
			b.WriteString("That answer was incorrect.\n")
		}
		fmt.Fprintf(&b, "**Captcha:** %s\n", p.Captcha.Question)
		fmt.Fprintf(
			&b,
			"Attempts remaining: %d. This prompt expires %s.",
			p.RemainingAttempts,
			discordTimestamp(expires),
		)
		return b.String(), actionRow(
			discordgo.Button{
				Label: "Answer",
				Style: discordgo.PrimaryButton,
				CustomID: customID{
					Action:      actionCaptcha,
					ID:          logID,
					Expires:     expires,
					ChallengeID: p.Captcha.ID,
				}.String(),
			},
			discordgo.Button{
				Label: "New question",
				Style: discordgo.SecondaryButton,
				CustomID: customID{
					Action:  actionCaptchaRefresh,
					ID:      logID,
					Expires: expires,
				}.String(),
			},
		)
	case PromptQuestions:
		expires := r.now().Add(r.stepTimeout)
		if p.Incorrect {
			b.WriteString("One or more answers were incorrect.\n")
		}
		b.WriteString("**Please answer the following questions:**\n")
		for n, q := range p.Questions {
			fmt.Fprintf(&b, "%d. %s\n", n+1, q)
		}
		fmt.Fprintf(
			&b,
			"Attempts remaining: %d. This prompt expires %s.",
			p.RemainingAttempts,
			discordTimestamp(expires),
		)
		return b.String(), actionRow(
			discordgo.Button{
				Label: "Answer questions",
				Style: discordgo.PrimaryButton,
				CustomID: customID{
					Action:  actionQuestions,
					ID:      strconv.FormatUint(uint64(p.Log.ID), 10),
					Expires: expires,
				}.String(),
			},
		)
	case PromptRoleAccept:
		expires := r.now().Add(r.stepTimeout)
		logID := strconv.FormatUint(uint64(p.Log.ID), 10)
		b.WriteString("**Server rules**\n")
		if p.RulesMessage != "" {
			b.WriteString(p.RulesMessage)
		} else {
			b.WriteString("Please confirm you'll follow this server's rules.")
		}
		fmt.Fprintf(&b, "\n\nThis prompt expires %s.", discordTimestamp(expires))
		return b.String(), actionRow(
			discordgo.Button{
				Label:    "Accept",
				Style:    discordgo.SuccessButton,
				CustomID: customID{Action: actionAccept, ID: logID, Expires: expires}.String(),
			},
			discordgo.Button{
				Label:    "Decline",
				Style:    discordgo.DangerButton,
				CustomID: customID{Action: actionDecline, ID: logID, Expires: expires}.String(),
			},
		)
	case PromptCompleted:
		if p.AlreadyFinal {
			b.WriteString("You've already been verified.")
		} else {
			b.WriteString("You've been verified. Welcome!")
		}
		return b.String(), []discordgo.MessageComponent{}
	case PromptFailed:
		fmt.Fprintf(
			&b,
			"Verification failed: %s.\nYou can try again with `/%s`.",
			p.Message,
			DiscordSlashCommandVerify,
		)
		return b.String(), []discordgo.MessageComponent{}
	}
	return strings.TrimSpace(b.String()), []discordgo.MessageComponent{}
}

func actionRow(buttons ...discordgo.MessageComponent) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}
}

// webhookEdit renders a prompt as an edit to a deferred response
func (r promptRenderer) webhookEdit(p Prompt) *discordgo.WebhookEdit {
	content, components := r.render(p)
	content = truncate(content, discordMaxMessageLength)
	return &discordgo.WebhookEdit{
		Content:         &content,
		Components:      &components,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
}

// captchaModal asks for the answer to an issued captcha. The question
// is shown as the input's label when it fits, otherwise as its
// placeholder.
func captchaModal(logID uint, challenge *IssuedChallenge, expires time.Time) *discordgo.InteractionResponse {
	label := challenge.Question
	placeholder := ""
	if len([]rune(label)) > discordModalInputLabelMaxLength {
		label = "Answer"
		placeholder = truncate(challenge.Question, discordModalInputPlaceholderMaxLength)
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: customID{
				Action:      actionCaptchaSubmit,
				ID:          strconv.FormatUint(uint64(logID), 10),
				Expires:     expires,
				ChallengeID: challenge.ID,
			}.String(),
			Title: "Captcha",
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    captchaAnswerInputID,
							Label:       label,
							Placeholder: placeholder,
							Style:       discordgo.TextInputShort,
							Required:    true,
							MaxLength:   maxAnswerLength,
						},
					},
				},
			},
		},
	}
}

// questionsModal has one text input per question, with the question as
// its label
func questionsModal(
	logID uint,
	questions []CustomQuestion,
	expires time.Time,
) *discordgo.InteractionResponse {
	rows := make([]discordgo.MessageComponent, 0, len(questions))
	for n, q := range questions {
		rows = append(
			rows, discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.TextInput{
						CustomID:  questionInputIDPrefix + strconv.Itoa(n),
						Label:     truncate(q.Question, discordModalInputLabelMaxLength),
						Style:     discordgo.TextInputShort,
						Required:  true,
						MaxLength: maxAnswerLength,
					},
				},
			},
		)
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: customID{
				Action:  actionQuestionsSubmit,
				ID:      strconv.FormatUint(uint64(logID), 10),
				Expires: expires,
			}.String(),
			Title:      "Verification questions",
			Components: rows,
		},
	}
}

// modalValues returns the values of a submitted modal's text inputs,
// by custom ID
func modalValues(data discordgo.ModalSubmitInteractionData) map[string]string {
	values := map[string]string{}
	for _, c := range data.Components {
		row, ok := c.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rc := range row.Components {
			if input, isInput := rc.(*discordgo.TextInput); isInput {
				values[input.CustomID] = input.Value
			}
		}
	}
	return values
}

// questionAnswers returns submitted answers in question order
func questionAnswers(values map[string]string) []string {
	var answers []string
	for n := 0; n < MaxCustomQuestions; n++ {
		v, ok := values[questionInputIDPrefix+strconv.Itoa(n)]
		if !ok {
			break
		}
		answers = append(answers, v)
	}
	return answers
}
