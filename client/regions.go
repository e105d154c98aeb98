package main

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var regionsCmd = &cobra.Command{
	Use:   "regions CLOUD",
	Short: "List the regions available to a cloud",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		var regions []string
		if err := client.call(cmd.Context(), http.MethodGet, "/clouds/"+url.PathEscape(args[0])+"/regions", nil, &regions); err != nil {
			return err
		}
		for _, region := range regions {
			cmd.Println(region)
		}
		return nil
	},
}
