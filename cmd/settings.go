package cmd

import (
	"errors"
	"fmt"
	"github.com/arcward/gatekeeper/gatekeeper"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
	"strings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "View or change a guild's verification settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show <guild_id>",
	Short: "Print a guild's verification settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := gatekeeper.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}

		var setting gatekeeper.VerificationSetting
		err = db.WithContext(ctx).Where("guild_id = ?", args[0]).First(&setting).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("no settings found for guild %s", args[0])
		}
		if err != nil {
			return err
		}
		printSetting(cmd, &setting)
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <guild_id> <setting> <value>",
	Short: "Change a guild's verification setting",
	Long: fmt.Sprintf(
		"Change a guild's verification setting. Settings: %s.\n\n"+
			"Running bots pick up the change once their cached settings expire.",
		strings.Join(gatekeeper.SettingNames(), ", "),
	),
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := gatekeeper.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}

		var setting gatekeeper.VerificationSetting
		err = db.WithContext(ctx).Transaction(
			func(tx *gorm.DB) error {
				if e := tx.Where(
					gatekeeper.VerificationSetting{GuildID: args[0]},
				).FirstOrCreate(&setting).Error; e != nil {
					return e
				}
				if e := setting.ApplySetting(args[1], args[2]); e != nil {
					return e
				}
				return tx.Save(&setting).Error
			},
		)
		if err != nil {
			return err
		}
		printSetting(cmd, &setting)
		return nil
	},
}

func printSetting(cmd *cobra.Command, setting *gatekeeper.VerificationSetting) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "guild_id: %s\n", setting.GuildID)
	for _, name := range gatekeeper.SettingNames() {
		fmt.Fprintf(out, "%s: %s\n", name, setting.SettingValue(name))
	}
	for n, q := range setting.CustomQuestions {
		fmt.Fprintf(out, "question %d: %s (%s)\n", n+1, q.Question, strings.Join(q.Answers, " | "))
	}
	for _, w := range setting.Warnings() {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}
