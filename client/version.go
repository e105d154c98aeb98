package main

import (
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number of Farmhand",

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("farmhand version %s (%s)\n", version, commit[:min(len(commit), 7)])

		info, err := client.info(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("daemon version %s (%s), %s provider\n", info.Version, info.Commit[:min(len(info.Commit), 7)], info.Provider)
		return nil
	},
}
