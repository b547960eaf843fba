package cmd

import (
	"fmt"
	"github.com/arcward/gatekeeper/gatekeeper"
	"github.com/spf13/cobra"
	"log"
	"strings"
)

var (
	initGuildID      string
	initRequirements []string
	initVerifiedRole string
	initMinAgeDays   int
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database, and optionally a guild's verification settings",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable GK_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable GK_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		db, err := gatekeeper.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		out := cmd.OutOrStdout()
		if initGuildID == "" {
			fmt.Fprintln(
				out,
				"Initialization complete. You can now start the bot with the 'run' subcommand.",
			)
			return
		}

		var setting gatekeeper.VerificationSetting
		rv := db.WithContext(ctx).Where(
			gatekeeper.VerificationSetting{GuildID: initGuildID},
		).FirstOrCreate(&setting)
		if rv.Error != nil {
			log.Fatalf("Error creating verification settings: %v", rv.Error)
		}

		for _, r := range initRequirements {
			switch strings.ToLower(strings.TrimSpace(r)) {
			case "captcha":
				setting.RequireCaptcha = true
			case "questions":
				setting.RequireQuestions = true
			case "rules":
				setting.RequireRoleAccept = true
			case "account_age":
				setting.RequireAccountAge = true
			default:
				log.Fatalf(
					"Unknown requirement %q (must be one of: captcha, questions, rules, account_age)",
					r,
				)
			}
		}
		if initMinAgeDays > 0 {
			setting.MinAccountAgeDays = initMinAgeDays
		}
		if initVerifiedRole != "" {
			setting.VerifiedRoleID = initVerifiedRole
		}
		if err = db.WithContext(ctx).Save(&setting).Error; err != nil {
			log.Fatalf("Error saving verification settings: %v", err)
		}

		fmt.Fprintf(out, "Verification settings saved for guild %s.\n", setting.GuildID)
		if !setting.VerificationRequired() {
			fmt.Fprintln(out, "No requirements are enabled, so verification isn't required.")
		}
		for _, w := range setting.Warnings() {
			fmt.Fprintf(out, "Warning: %s\n", w)
		}
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initGuildID, "guild", "", "Guild ID to configure")
	initCmd.Flags().StringSliceVar(
		&initRequirements,
		"require",
		nil,
		"Requirements to enable (captcha, questions, rules, account_age)",
	)
	initCmd.Flags().StringVar(&initVerifiedRole, "verified-role", "", "Role granted on verification")
	initCmd.Flags().IntVar(&initMinAgeDays, "min-account-age-days", 0, "Minimum account age, in days")
}
