package gatekeeper

import (
	"context"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func slashCommand(
	guildID string,
	user *discordgo.User,
	permissions int64,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:      gofakeit.UUID(),
			Type:    discordgo.InteractionApplicationCommand,
			GuildID: guildID,
			Context: discordgo.InteractionContextGuild,
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
	if guildID == "" {
		i.User = user
		i.Context = discordgo.InteractionContextBotDM
	} else {
		i.Member = &discordgo.Member{GuildID: guildID, User: user, Permissions: permissions}
	}
	return i
}

func subcommand(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:    name,
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Options: options,
	}
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func userOption(name string, userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

func TestSlashCommand_Verify(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGatekeeper(t)
	setting := newTestSetting(
		t, g.store, func(vs *VerificationSetting) {
			vs.RequireRoleAccept = true
			vs.RulesMessage = "Be kind."
		},
	)
	user := newTestUser(t)

	h := run(g, slashCommand(setting.GuildID, user, 0, DiscordSlashCommandVerify))
	require.Len(t, h.responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, h.responses[0].Type)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, h.responses[0].Data.Flags)
	assert.Contains(t, h.lastContent(t), "Be kind.")

	ids := buttonIDs(t, *h.lastEdit(t).Components)
	require.Len(t, ids, 2)

	// running the command again resumes the same log
	h = run(g, slashCommand(setting.GuildID, user, 0, DiscordSlashCommandVerify))
	again := buttonIDs(t, *h.lastEdit(t).Components)
	require.Len(t, again, 2)
	assert.Equal(t, ids[0].ID, again[0].ID)

	h = run(g, componentPress(user, again[0].String()))
	assert.Equal(t, "You've been verified. Welcome!", h.lastContent(t))
}

func TestSlashCommand_VerifyNotRequired(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGatekeeper(t)
	setting := newTestSetting(t, g.store, nil)
	user := newTestUser(t)

	h := run(g, slashCommand(setting.GuildID, user, 0, DiscordSlashCommandVerify))
	assert.Equal(t, "Verification isn't required in this server.", h.lastContent(t))
	assert.Empty(t, *h.lastEdit(t).Components)

	logs, err := g.store.ListLogs(context.Background(), LogQuery{GuildID: setting.GuildID})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestSlashCommand_Invalid(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGatekeeper(t)
	user := newTestUser(t)

	h := run(g, slashCommand("", user, 0, DiscordSlashCommandVerify))
	require.Len(t, h.responses, 1)
	assert.Equal(t, "This command can only be used in a server.", h.responses[0].Data.Content)

	h = run(g, slashCommand(newID(t), user, 0, "unknown"))
	require.Len(t, h.responses, 1)
	assert.Equal(t, "Unknown command.", h.responses[0].Data.Content)

	h = run(
		g,
		slashCommand(newID(t), user, 0, DiscordSlashCommandVerification, subcommand(subcommandStatus)),
	)
	require.Len(t, h.responses, 1)
	assert.Equal(t, "You need the Manage Server permission to do that.", h.responses[0].Data.Content)
	assert.Empty(t, h.edits)
}

func TestSlashCommand_Admin(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGatekeeper(t)
	guildID := newID(t)
	admin := newTestUser(t)
	ctx := context.Background()

	adminCommand := func(sub *discordgo.ApplicationCommandInteractionDataOption) string {
		h := run(
			g,
			slashCommand(
				guildID,
				admin,
				discordgo.PermissionManageGuild,
				DiscordSlashCommandVerification,
				sub,
			),
		)
		require.Len(t, h.responses, 1)
		assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, h.responses[0].Type)
		return h.lastContent(t)
	}

	content := adminCommand(
		subcommand(
			subcommandSet,
			stringOption(optionSetting, columnSettingRequireCaptcha),
			stringOption(optionValue, "true"),
		),
	)
	assert.True(t, strings.HasPrefix(content, "Set `require_captcha` to `true`."))
	assert.Contains(t, content, "No verified role is set")

	content = adminCommand(
		subcommand(
			subcommandSet,
			stringOption(optionSetting, columnSettingRequireCaptcha),
			stringOption(optionValue, "maybe"),
		),
	)
	assert.True(t, strings.HasPrefix(content, "Error: "))

	roleID := newID(t)
	content = adminCommand(
		subcommand(
			subcommandSet,
			stringOption(optionSetting, "verified_role"),
			stringOption(optionValue, "<@&"+roleID+">"),
		),
	)
	assert.Equal(t, "Set `verified_role` to `"+roleID+"`.", content)

	welcomeChannelID := newID(t)
	content = adminCommand(
		subcommand(
			subcommandSet,
			stringOption(optionSetting, "welcome_channel"),
			stringOption(optionValue, "<#"+welcomeChannelID+">"),
		),
	)
	assert.True(t, strings.HasPrefix(content, "Set `welcome_channel` to `"+welcomeChannelID+"`."), content)

	content = adminCommand(
		subcommand(
			subcommandQuestionAdd,
			stringOption(optionQuestion, "Favorite color?"),
			stringOption(optionAnswers, "blue | navy"),
		),
	)
	assert.Equal(t, "Added question 1: Favorite color?", content)

	content = adminCommand(subcommand(subcommandQuestionList))
	assert.Contains(t, content, "1. Favorite color? (answers: blue | navy)")

	content = adminCommand(subcommand(subcommandQuestionRemove, intOption(optionIndex, 1)))
	assert.Equal(t, "Removed question: Favorite color?", content)

	content = adminCommand(subcommand(subcommandQuestionRemove, intOption(optionIndex, 1)))
	assert.True(t, strings.HasPrefix(content, "Error: "))

	content = adminCommand(subcommand(subcommandQuestionList))
	assert.Equal(t, "No custom questions are configured.", content)

	target := newID(t)
	content = adminCommand(
		subcommand(
			subcommandManual,
			userOption(optionUser, target),
			stringOption(optionReason, "known member"),
		),
	)
	assert.Equal(t, "Verified <@"+target+">.", content)

	vlogs, err := g.store.ListLogs(ctx, LogQuery{GuildID: guildID, UserID: target})
	require.NoError(t, err)
	require.Len(t, vlogs, 1)
	assert.Equal(t, admin.ID, vlogs[0].ManualVerifiedBy)
	assert.Equal(t, "known member", vlogs[0].ManualReason)

	content = adminCommand(subcommand(subcommandLogs, userOption(optionUser, target)))
	assert.Contains(t, content, "**passed**")
	assert.Contains(t, content, "(manual, by <@"+admin.ID+">)")

	content = adminCommand(subcommand(subcommandLogs, userOption(optionUser, newID(t))))
	assert.Equal(t, "No verification attempts found.", content)

	content = adminCommand(subcommand(subcommandStatus))
	assert.Contains(t, content, "`require_captcha`: true")
	assert.Contains(t, content, "`verified_role`: <@&"+roleID+">")
	assert.Contains(t, content, "`welcome_channel`: <#"+welcomeChannelID+">")
	assert.Contains(t, content, "`verification_channel`: *(not set)*")
	assert.Contains(t, content, "Manually verified: 1")
	assert.Contains(t, content, "Passed: 1")
}

func TestSlashCommand_AdminMissingSubcommand(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGatekeeper(t)

	h := run(
		g,
		slashCommand(
			newID(t),
			newTestUser(t),
			discordgo.PermissionManageGuild|discordgo.PermissionAdministrator,
			DiscordSlashCommandVerification,
		),
	)
	assert.Equal(t, "Error: missing subcommand", h.lastContent(t))
}
