package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/farmhand/api"
	"github.com/gammadia/farmhand/controller"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List clouds and their instances",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := client.status(cmd.Context())
		if err != nil {
			return err
		}

		renderStatus(cmd.OutOrStdout(), status, time.Now(), lo.Must(cmd.Flags().GetBool("all")))
		if n := lo.Must(cmd.Flags().GetInt("activity")); n > 0 {
			renderActivity(cmd.OutOrStdout(), status.Activity[:min(n, len(status.Activity))])
		}
		return nil
	},
}

func init() {
	psCmd.Flags().BoolP("all", "a", false, "include terminated instances")
	psCmd.Flags().Int("activity", 0, "number of recent events to show")
}

func renderStatus(w io.Writer, status api.Status, now time.Time, all bool) {
	for _, cloud := range status.Clouds {
		fmt.Fprintf(w, "%s (%s)  %s\n", color.HiCyanString(cloud.Name), cloud.Region, formatUsage(cloud.Usage[""]))

		instances := lo.Filter(cloud.Instances, func(instance controller.InstanceSnapshot, _ int) bool {
			return all || instance.State != controller.StateTerminated
		})
		if len(instances) == 0 {
			fmt.Fprintln(w, "  no instances")
			continue
		}
		for _, instance := range instances {
			fmt.Fprintf(w, "  %-24s  %-19s  %-16s  %s  %-15s  %s\n",
				instance.Name,
				lo.Ternary(instance.InstanceID != "", instance.InstanceID, "-"),
				instance.Template,
				stateColor(instance.State)("%-11s", instance.State),
				lo.Ternary(instance.Address != "", instance.Address, "-"),
				instanceDetails(instance, now),
			)
		}
	}
}

func renderActivity(w io.Writer, activity []api.Activity) {
	for _, entry := range activity {
		line := fmt.Sprintf("%s  %-8s  %-13s  %s", entry.At.Local().Format(time.DateTime), entry.Cloud, entry.Event, entry.Instance)
		if entry.To != "" {
			line += fmt.Sprintf("  %s → %s", lo.Ternary(entry.From != "", string(entry.From), "?"), entry.To)
		}
		if entry.Error != "" {
			line += "  " + color.HiRedString(entry.Error)
		}
		fmt.Fprintln(w, line)
	}
}

func formatUsage(usage controller.Usage) string {
	if usage.Cap <= 0 {
		return fmt.Sprintf("%d/∞", usage.Used)
	}
	return fmt.Sprintf("%d/%d", usage.Used, usage.Cap)
}

func instanceDetails(instance controller.InstanceSnapshot, now time.Time) string {
	var details []string
	if instance.Variant.Spot {
		details = append(details, "spot")
	}
	if instance.Busy {
		details = append(details, "busy")
	} else if instance.IdleSince != nil {
		details = append(details, "idle "+formatDuration(now.Sub(*instance.IdleSince)))
	}
	if instance.State == controller.StateConnecting && instance.Attempts > 0 {
		details = append(details, fmt.Sprintf("attempt %d", instance.Attempts))
	}
	if instance.Error != "" {
		details = append(details, color.HiRedString(instance.Error))
	}
	return strings.Join(details, ", ")
}

func stateColor(state controller.State) func(format string, a ...any) string {
	switch state {
	case controller.StateReady:
		return color.HiGreenString
	case controller.StateRequested, controller.StatePending, controller.StateRunning, controller.StateConnecting:
		return color.HiYellowString
	case controller.StateFailed:
		return color.HiRedString
	case controller.StateInterrupted:
		return color.HiMagentaString
	default:
		return color.HiBlackString
	}
}

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
