package cmd

import (
	"log"

	"github.com/UmbraXDev/Luna/luna"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Luna bot and (optionally) the status API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := luna.New(cfg)
		if err != nil {
			log.Fatalf("error creating luna: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running luna: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
