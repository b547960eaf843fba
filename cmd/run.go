package cmd

import (
	"github.com/arcward/gatekeeper/gatekeeper"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the gatekeeper bot and API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			gk, err := gatekeeper.New(cfg)
			if err != nil {
				log.Fatalf("error creating gatekeeper: %s", err.Error())
			}

			if err = gk.Run(ctx); err != nil {
				log.Fatalf("error running gatekeeper: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
