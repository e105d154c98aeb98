package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gammadia/farmhand/api"
	"github.com/gammadia/farmhand/client/ui"
	"github.com/gammadia/farmhand/controller"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var provisionCmd = &cobra.Command{
	Use:   "provision [LABEL...]",
	Short: "Provision instances for the given labels",

	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.ProvisionRequest{
			Cloud:    lo.Must(cmd.Flags().GetString("cloud")),
			Labels:   args,
			Workload: lo.Must(cmd.Flags().GetInt("workload")),
			Wait:     lo.Must(cmd.Flags().GetBool("wait")),
		}

		spinner := ui.NewSpinner(fmt.Sprintf("Provisioning for [%s]", strings.Join(req.Labels, " ")))
		if req.Wait {
			spinner.UpdateMessage(fmt.Sprintf("Provisioning for [%s] and waiting for readiness", strings.Join(req.Labels, " ")))
		}

		var instances []controller.InstanceSnapshot
		if err := client.call(cmd.Context(), http.MethodPost, "/provision", req, &instances); err != nil {
			spinner.Fail()
			return err
		}

		if len(instances) == 0 {
			spinner.Warn("Nothing to provision, running instances cover the workload")
			return nil
		}
		spinner.Success(fmt.Sprintf("Provisioned %d instance(s)", len(instances)))
		for _, instance := range instances {
			cmd.Printf("%s  %s  %s  %s\n", instance.Name, instance.InstanceID, instance.Template, stateColor(instance.State)("%s", instance.State))
		}
		return nil
	},
}

func init() {
	provisionCmd.Flags().String("cloud", "", "cloud to provision on (first able to serve the labels by default)")
	provisionCmd.Flags().Int("workload", 0, "number of builds waiting, instances already covering them are deducted")
	provisionCmd.Flags().Bool("wait", false, "wait until instances are ready")
}
