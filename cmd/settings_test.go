package cmd

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"testing"
)

func TestSettingsCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "settings.db")
	t.Setenv("GK_DATABASE_TYPE", "sqlite")
	t.Setenv("GK_DATABASE", dbPath)

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	guildID := "123456789012345678"

	rootCmd.SetArgs([]string{"settings", "show", guildID})
	assert.Error(t, rootCmd.Execute())

	out.Reset()
	rootCmd.SetArgs([]string{"settings", "set", guildID, "require_captcha", "true"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "require_captcha: true")
	assert.Contains(t, out.String(), "warning: No verified role is set")

	out.Reset()
	rootCmd.SetArgs([]string{"settings", "set", guildID, "verified_role", "<@&223456789012345678>"})
	require.NoError(t, rootCmd.Execute())

	out.Reset()
	rootCmd.SetArgs([]string{"settings", "show", guildID})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "guild_id: "+guildID)
	assert.Contains(t, out.String(), "require_captcha: true")
	assert.Contains(t, out.String(), "verified_role: 223456789012345678")
	assert.NotContains(t, out.String(), "warning:")

	rootCmd.SetArgs([]string{"settings", "set", guildID, "require_captcha", "maybe"})
	assert.Error(t, rootCmd.Execute())
	rootCmd.SetArgs([]string{"settings", "set", guildID, "require_everything", "true"})
	assert.Error(t, rootCmd.Execute())
}
