package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
)

const (
	subcommandStatus         = "status"
	subcommandSet            = "set"
	subcommandQuestionAdd    = "question-add"
	subcommandQuestionRemove = "question-remove"
	subcommandQuestionList   = "question-list"
	subcommandManual         = "manual"
	subcommandLogs           = "logs"

	optionSetting  = "setting"
	optionValue    = "value"
	optionQuestion = "question"
	optionAnswers  = "answers"
	optionIndex    = "index"
	optionUser     = "user"
	optionReason   = "reason"

	adminLogsLimit = 10
)

// appCommandVerify is the member-facing command to start, or resume,
// verification in the current guild
func appCommandVerify() *discordgo.ApplicationCommand {
	dmPerm := false
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}
	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandVerify,
		Description:      "Start verification for this server",
		Type:             discordgo.ChatApplicationCommand,
		DMPermission:     &dmPerm,
		Contexts:         &contexts,
		IntegrationTypes: &integrationTypes,
	}
}

// appCommandVerification is the admin command for configuring
// verification. It's only visible to members with Manage Server by
// default.
func appCommandVerification() *discordgo.ApplicationCommand {
	dmPerm := false
	var permissions int64 = discordgo.PermissionManageGuild
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}

	names := SettingNames()
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(names))
	for _, name := range names {
		choices = append(
			choices,
			&discordgo.ApplicationCommandOptionChoice{Name: name, Value: name},
		)
	}
	minIndex := float64(1)

	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandVerification,
		Description:              "Configure member verification",
		Type:                     discordgo.ChatApplicationCommand,
		DMPermission:             &dmPerm,
		DefaultMemberPermissions: &permissions,
		Contexts:                 &contexts,
		IntegrationTypes:         &integrationTypes,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandStatus,
				Description: "Show verification settings and stats",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandSet,
				Description: "Change a verification setting",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionSetting,
						Description: "Setting to change",
						Required:    true,
						Choices:     choices,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionValue,
						Description: "New value ('none' clears channels and roles)",
						Required:    true,
						MaxLength:   discordMaxMessageLength,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandQuestionAdd,
				Description: "Add a custom question",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionQuestion,
						Description: "Question text",
						Required:    true,
						MaxLength:   maxQuestionLength,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionAnswers,
						Description: "Accepted answers, separated by |",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandQuestionRemove,
				Description: "Remove a custom question",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        optionIndex,
						Description: "Question number, from question-list",
						Required:    true,
						MinValue:    &minIndex,
						MaxValue:    MaxCustomQuestions,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandQuestionList,
				Description: "List custom questions and their answers",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandManual,
				Description: "Verify a member without any verification steps",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        optionUser,
						Description: "Member to verify",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionReason,
						Description: "Reason, for the audit record",
						MaxLength:   200,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandLogs,
				Description: "Show recent verification attempts",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        optionUser,
						Description: "Only show attempts by this member",
					},
				},
			},
		},
	}
}

// userErrorMessage returns the message shown to a member for an error
// returned by the verification engine
func (g *Gatekeeper) userErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrWrongUser):
		return "This verification belongs to someone else."
	case errors.Is(err, ErrLogNotFound):
		return fmt.Sprintf(
			"That verification no longer exists. Use `/%s` to start again.",
			DiscordSlashCommandVerify,
		)
	case errors.Is(err, ErrLockNotAcquired):
		return "Your verification is busy with another request. Please try again."
	default:
		return g.config.Discord.ErrorMessage
	}
}

func (g *Gatekeeper) editContent(
	ctx context.Context,
	handler InteractionHandler,
	content string,
) {
	content = truncate(content, discordMaxMessageLength)
	components := []discordgo.MessageComponent{}
	_, _ = handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Content:         &content,
			Components:      &components,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	)
}

// editPrompt edits a deferred response to show the prompt, or the error
func (g *Gatekeeper) editPrompt(
	ctx context.Context,
	handler InteractionHandler,
	prompt Prompt,
	err error,
) {
	logger := handler.Logger()
	if err != nil {
		logger.ErrorContext(ctx, "verification error", tint.Err(err))
		g.editContent(ctx, handler, g.userErrorMessage(err))
		return
	}
	logger.InfoContext(ctx, "verification prompt", "prompt", prompt)
	_, _ = handler.Edit(ctx, g.renderer.webhookEdit(prompt))
}

func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:         truncate(content, discordMaxMessageLength),
			Flags:           discordgo.MessageFlagsEphemeral,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	}
}

// handleSlashCommand dispatches application command interactions
func (g *Gatekeeper) handleSlashCommand(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	data := i.ApplicationCommandData()

	if i.GuildID == "" {
		_ = handler.Respond(ctx, ephemeralResponse("This command can only be used in a server."))
		return
	}

	switch data.Name {
	case DiscordSlashCommandVerify:
		if err := handler.Respond(ctx, ackResponse()); err != nil {
			return
		}
		prompt, err := g.engine.StartVerification(
			ctx,
			StartRequest{GuildID: i.GuildID, UserID: user.ID},
		)
		g.editPrompt(ctx, handler, prompt, err)
	case DiscordSlashCommandVerification:
		if i.Member == nil || i.Member.Permissions&discordgo.PermissionManageGuild == 0 {
			logger.WarnContext(ctx, "non-admin used admin command")
			_ = handler.Respond(
				ctx,
				ephemeralResponse("You need the Manage Server permission to do that."),
			)
			return
		}
		if err := handler.Respond(ctx, ackResponse()); err != nil {
			return
		}
		content, err := g.handleAdminCommand(ctx, i, user, data)
		if err != nil {
			logger.ErrorContext(ctx, "error handling admin command", tint.Err(err))
			content = fmt.Sprintf("Error: %s", err)
		}
		g.editContent(ctx, handler, content)
	default:
		logger.WarnContext(ctx, "unknown command", "command", data.Name)
		_ = handler.Respond(ctx, ephemeralResponse("Unknown command."))
	}
}

func (g *Gatekeeper) handleAdminCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
	data discordgo.ApplicationCommandInteractionData,
) (string, error) {
	if len(data.Options) == 0 {
		return "", errors.New("missing subcommand")
	}
	sub := data.Options[0]
	opts := discordInteractionOptions(sub.Options)
	guildID := i.GuildID

	switch sub.Name {
	case subcommandStatus:
		return g.adminStatus(ctx, guildID)
	case subcommandSet:
		name := opts[optionSetting].StringValue()
		setting, err := g.store.UpdateSetting(
			ctx, guildID, func(s *VerificationSetting) error {
				return s.ApplySetting(name, opts[optionValue].StringValue())
			},
		)
		if err != nil {
			return "", err
		}
		return withWarnings(
			fmt.Sprintf("Set `%s` to `%s`.", name, displayValue(setting.SettingValue(name))),
			setting,
		), nil
	case subcommandQuestionAdd:
		q, err := newCustomQuestion(
			opts[optionQuestion].StringValue(),
			strings.Split(opts[optionAnswers].StringValue(), "|"),
		)
		if err != nil {
			return "", err
		}
		setting, err := g.store.UpdateSetting(
			ctx, guildID, func(s *VerificationSetting) error {
				return s.addQuestion(q)
			},
		)
		if err != nil {
			return "", err
		}
		return withWarnings(
			fmt.Sprintf("Added question %d: %s", len(setting.CustomQuestions), q.Question),
			setting,
		), nil
	case subcommandQuestionRemove:
		var removed CustomQuestion
		setting, err := g.store.UpdateSetting(
			ctx, guildID, func(s *VerificationSetting) error {
				var e error
				removed, e = s.removeQuestion(int(opts[optionIndex].IntValue()))
				return e
			},
		)
		if err != nil {
			return "", err
		}
		return withWarnings(fmt.Sprintf("Removed question: %s", removed.Question), setting), nil
	case subcommandQuestionList:
		setting, err := g.store.GetOrCreateSetting(ctx, guildID)
		if err != nil {
			return "", err
		}
		return formatQuestions(setting), nil
	case subcommandManual:
		target := opts[optionUser].UserValue(nil)
		var reason string
		if r, ok := opts[optionReason]; ok {
			reason = r.StringValue()
		}
		prompt, err := g.engine.ManualVerify(
			ctx,
			ManualVerifyRequest{
				GuildID: guildID,
				UserID:  target.ID,
				Actor:   user.ID,
				Reason:  reason,
			},
		)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(
			"Verified %s.%s",
			userMention(target.ID),
			formatSideEffects(prompt.SideEffects),
		), nil
	case subcommandLogs:
		q := LogQuery{
			Pagination: Pagination{Limit: adminLogsLimit, Order: Descending},
			GuildID:    guildID,
		}
		if u, ok := opts[optionUser]; ok {
			q.UserID = u.UserValue(nil).ID
		}
		logs, err := g.store.ListLogs(ctx, q)
		if err != nil {
			return "", err
		}
		return formatLogs(logs), nil
	default:
		return "", fmt.Errorf("unknown subcommand: %s", sub.Name)
	}
}

func (g *Gatekeeper) adminStatus(ctx context.Context, guildID string) (string, error) {
	setting, err := g.store.GetOrCreateSetting(ctx, guildID)
	if err != nil {
		return "", err
	}
	stats, err := g.store.Stats(ctx, guildID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("**Verification settings**\n")
	for _, name := range SettingNames() {
		fmt.Fprintf(&b, "`%s`: %s\n", name, displaySetting(setting, name))
	}
	fmt.Fprintf(&b, "Custom questions: %d\n", len(setting.CustomQuestions))
	if !setting.VerificationRequired() {
		b.WriteString("Verification is **not required**: no requirement is enabled.\n")
	}
	fmt.Fprintf(
		&b,
		"\n**Stats**\nAttempts: %d\nPassed: %d\nFailed: %d\nIn progress: %d\n"+
			"Manually verified: %d\nRejected (account age): %d\nSuccess rate: %.1f%%\n",
		stats.TotalAttempts,
		stats.SuccessfulVerifications,
		stats.FailedVerifications,
		stats.InProgress,
		stats.ManualVerifications,
		stats.AccountAgeRejections,
		stats.SuccessRate*100,
	)
	return withWarnings(b.String(), setting), nil
}

func displayValue(v string) string {
	if v == "" {
		return "*(not set)*"
	}
	return truncate(v, 100)
}

// displaySetting is like displayValue, but shows channels and roles
// as mentions
func displaySetting(setting *VerificationSetting, name string) string {
	v := setting.SettingValue(name)
	if v == "" {
		return displayValue(v)
	}
	switch name {
	case settingVerificationChannel, settingWelcomeChannel:
		return channelMention(v)
	case settingVerifiedRole:
		return roleMention(v)
	}
	return displayValue(v)
}

func withWarnings(content string, setting *VerificationSetting) string {
	warnings := setting.Warnings()
	if len(warnings) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\n**Warnings**")
	for _, w := range warnings {
		b.WriteString("\n- ")
		b.WriteString(w)
	}
	return b.String()
}

func formatQuestions(setting *VerificationSetting) string {
	if len(setting.CustomQuestions) == 0 {
		return "No custom questions are configured."
	}
	var b strings.Builder
	for n, q := range setting.CustomQuestions {
		fmt.Fprintf(&b, "%d. %s (answers: %s)\n", n+1, q.Question, strings.Join(q.Answers, " | "))
	}
	return b.String()
}

func formatSideEffects(results []SideEffectResult) string {
	var b strings.Builder
	for _, r := range results {
		if r.Success {
			continue
		}
		fmt.Fprintf(&b, "\n- %s failed: %s", r.Kind, r.Error)
	}
	return b.String()
}

func formatLogs(logs []VerificationLog) string {
	if len(logs) == 0 {
		return "No verification attempts found."
	}
	var b strings.Builder
	for _, l := range logs {
		fmt.Fprintf(&b, "`#%d` %s: **%s**", l.ID, userMention(l.UserID), l.Status())
		if l.FailureReason != "" {
			fmt.Fprintf(&b, " (%s)", l.FailureReason)
		}
		if l.ManualVerifiedBy != "" {
			fmt.Fprintf(&b, " (manual, by %s)", userMention(l.ManualVerifiedBy))
		}
		if completed := l.CompletedTime(); !completed.IsZero() {
			fmt.Fprintf(&b, " %s", discordTimestamp(completed))
		}
		b.WriteString("\n")
	}
	return b.String()
}
