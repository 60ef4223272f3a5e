package cmd

import (
	"log"

	"github.com/LucidPolaris/OllamaCord/ollamacord"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the OllamaCord bot and API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := ollamacord.New(cfg)
			if err != nil {
				log.Fatalf("error creating ollamacord: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running ollamacord: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
