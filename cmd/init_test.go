package cmd

import (
	"bytes"
	"github.com/arcward/gatekeeper/gatekeeper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"testing"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	t.Setenv("GK_DATABASE_TYPE", "sqlite")
	t.Setenv("GK_DATABASE", dbPath)

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
			initGuildID = ""
			initRequirements = nil
			initVerifiedRole = ""
			initMinAgeDays = 0
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
	assert.Contains(t, out.String(), "Initialization complete")
	assert.NotContains(t, out.String(), "Verification settings saved")

	guildID := "123456789012345678"
	roleID := "223456789012345678"
	out.Reset()
	rootCmd.SetArgs(
		[]string{
			"init",
			"--guild", guildID,
			"--require", "captcha,rules",
			"--verified-role", roleID,
		},
	)
	require.NoError(t, rootCmd.Execute())

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Verification settings saved for guild "+guildID)
	assert.NotContains(t, output, "Warning:")

	// Verify the database contents
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var setting gatekeeper.VerificationSetting
	require.NoError(t, db.Where("guild_id = ?", guildID).First(&setting).Error)
	assert.True(t, setting.RequireCaptcha)
	assert.True(t, setting.RequireRoleAccept)
	assert.False(t, setting.RequireQuestions)
	assert.Equal(t, roleID, setting.VerifiedRoleID)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&gatekeeper.VerificationSetting{}))
	assert.True(t, mg.HasTable(&gatekeeper.VerificationLog{}))
	assert.True(t, mg.HasTable(&gatekeeper.VerificationEvent{}))
	assert.True(t, mg.HasTable(&gatekeeper.InteractionLog{}))
}
