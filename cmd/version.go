package cmd

import (
	"fmt"

	"github.com/UmbraXDev/Luna/luna"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version and exits",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Printf(
			"luna version=%s commit=%s built=%s\n",
			luna.Version,
			luna.CommitSHA,
			luna.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
