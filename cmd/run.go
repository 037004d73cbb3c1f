package cmd

import (
	"log"

	"github.com/Mlesn1/pllumcord/pllumcord"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the PLLuM Discord bot and (optionally) the status API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := pllumcord.New(cfg)
		if err != nil {
			log.Fatalf("error creating pllumcord: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running pllumcord: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
