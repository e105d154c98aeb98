package main

import (
	"net/http"

	"github.com/gammadia/farmhand/controller"
	"github.com/spf13/cobra"
)

var busyCmd = &cobra.Command{
	Use:   "busy INSTANCE",
	Short: "Mark a ready instance as running a build",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return markInstance(cmd, args[0], "busy")
	},
}

var idleCmd = &cobra.Command{
	Use:   "idle INSTANCE",
	Short: "Mark an instance as done with its build",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		return markInstance(cmd, args[0], "idle")
	},
}

func markInstance(cmd *cobra.Command, id, mark string) error {
	var instance controller.InstanceSnapshot
	if err := client.call(cmd.Context(), http.MethodPost, "/instances/"+id+"/"+mark, nil, &instance); err != nil {
		return err
	}
	cmd.Printf("%s is %s\n", instance.Name, mark)
	return nil
}
