package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/gammadia/farmhand/cloudconfig"
	"github.com/gammadia/farmhand/fleet"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:         "check FILE",
	Short:       "Validate a cloud configuration file",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{offline: "true"},

	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]string{}
		for _, param := range lo.Must(cmd.Flags().GetStringArray("param")) {
			key, value, ok := strings.Cut(param, "=")
			if !ok {
				return fmt.Errorf("invalid param '%s', expected KEY=VALUE", param)
			}
			params[key] = value
		}

		clouds, err := cloudconfig.Read(args[0], cloudconfig.ReadOptions{
			Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
			Params: params,
		})
		if err != nil {
			return err
		}

		renderClouds(cmd.OutOrStdout(), clouds)
		cmd.Printf("%s %s is valid\n", color.HiGreenString("✓"), args[0])
		return nil
	},
}

func init() {
	checkCmd.Flags().StringArrayP("param", "p", nil, "value available to the file as {{ .Params.KEY }}, as KEY=VALUE")
}

func renderClouds(w io.Writer, clouds []*fleet.CloudProfile) {
	for _, cloud := range clouds {
		fmt.Fprintf(w, "%s (%s)  cap %s\n", color.HiCyanString(cloud.Name), cloud.Region, lo.Ternary(cloud.InstanceCap > 0, fmt.Sprint(cloud.InstanceCap), "∞"))
		for _, template := range cloud.Templates {
			fmt.Fprintf(w, "  %-16s  %-12s  %-8s  %-9s  [%s]\n",
				template.ID,
				template.InstanceType,
				template.Platform,
				template.Mode,
				strings.Join(template.Labels, " "),
			)
		}
	}
}
