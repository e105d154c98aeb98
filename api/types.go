// Package api holds the messages exchanged between the farmhand daemon and its clients.
package api

import (
	"time"

	"github.com/gammadia/farmhand/controller"
	"github.com/gammadia/farmhand/fleet"
)

// DefaultPort is the port of the daemon when a remote address has none.
const DefaultPort = "25380"

// Response wraps every answer of the daemon.
type Response struct {
	Ok    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type ServerInfo struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	StartedAt time.Time `json:"started-at"`
	Provider  string    `json:"provider"`
}

type CloudStatus struct {
	Name      string                        `json:"name"`
	Region    string                        `json:"region"`
	Usage     map[string]controller.Usage   `json:"usage"`
	Instances []controller.InstanceSnapshot `json:"instances"`
}

type Status struct {
	Server   ServerInfo    `json:"server"`
	Clouds   []CloudStatus `json:"clouds"`
	Activity []Activity    `json:"activity"`
}

// Activity is one entry of the recent history of the farm.
type Activity struct {
	At         time.Time        `json:"at"`
	Cloud      string           `json:"cloud"`
	Event      string           `json:"event"`
	Instance   string           `json:"instance"`
	InstanceID string           `json:"instance-id,omitempty"`
	Template   string           `json:"template,omitempty"`
	From       controller.State `json:"from,omitempty"`
	To         controller.State `json:"to,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// ProvisionRequest asks for instances matching labels. Cloud may be empty to use the first
// cloud able to serve them. A positive workload is the number of builds waiting.
type ProvisionRequest struct {
	Cloud    string   `json:"cloud,omitempty"`
	Labels   []string `json:"labels"`
	Workload int      `json:"workload,omitempty"`
	Wait     bool     `json:"wait,omitempty"`
}

type Images struct {
	Images   []fleet.Image `json:"images"`
	Selected string        `json:"selected,omitempty"`
}
