package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var client *daemon

var verbose bool

// offline commands do not talk to the daemon
const offline = "offline"

var farmhandCmd = &cobra.Command{
	Use:   "farmhand",
	Short: "Farmhand provisions build agents on EC2.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[offline] != "" {
			return nil
		}

		logger := slog.New(slog.DiscardHandler)
		if verbose {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}

		var err error
		client, err = newDaemon(lo.Must(cmd.Flags().GetString("remote")), lo.Must(cmd.Flags().GetInt("retries")), logger)
		if err != nil {
			return fmt.Errorf("failed to setup daemon client: %w", err)
		}
		return nil
	},
}

func init() {
	farmhandCmd.AddCommand(checkCmd)
	farmhandCmd.AddCommand(idleCmd)
	farmhandCmd.AddCommand(imagesCmd)
	farmhandCmd.AddCommand(provisionCmd)
	farmhandCmd.AddCommand(psCmd)
	farmhandCmd.AddCommand(regionsCmd)
	farmhandCmd.AddCommand(busyCmd)
	farmhandCmd.AddCommand(versionCmd)

	farmhandCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	farmhandCmd.PersistentFlags().String("remote", lo.Ternary(os.Getenv("FARMHAND_REMOTE") != "", os.Getenv("FARMHAND_REMOTE"), "127.0.0.1:25380"), "the daemon address")
	farmhandCmd.PersistentFlags().Int("retries", 3, "attempts of requests failing to reach the daemon")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	farmhandCmd.SetOut(os.Stdout)
	if err := farmhandCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
