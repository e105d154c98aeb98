package provider

import (
	"context"
	"time"

	"github.com/gammadia/farmhand/fleet"
)

type InstanceState string

const (
	StatePending      InstanceState = "pending"
	StateRunning      InstanceState = "running"
	StateShuttingDown InstanceState = "shutting-down"
	StateTerminated   InstanceState = "terminated"
	StateStopping     InstanceState = "stopping"
	StateStopped      InstanceState = "stopped"
)

// State reason codes reported when the provider reclaims a spot instance.
const (
	ReasonSpotTermination = "Server.SpotInstanceTermination"
	ReasonSpotShutdown    = "Server.SpotInstanceShutdown"
)

type LaunchSpec struct {
	Name               string
	ImageID            string
	InstanceType       string
	SubnetID           string
	Zone               string
	KeyName            string
	SecurityGroups     []string
	UserData           string
	IAMInstanceProfile string
	AssociatePublicIP  bool
	Tags               map[string]string
	BlockDevices       []fleet.BlockDevice
	Spot               *fleet.SpotOptions
}

// Query selects instances by id and/or tags. Both criteria must match when both are set.
type Query struct {
	IDs  []string
	Tags map[string]string
}

type InstanceStatus struct {
	ID    string        `json:"id"`
	State InstanceState `json:"state"`
	fleet.Addresses
	Platform     string            `json:"platform,omitempty"`
	Spot         bool              `json:"spot"`
	StateReason  string            `json:"state-reason,omitempty"`
	StateMessage string            `json:"state-message,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	LaunchTime   time.Time         `json:"launch-time"`
}

// Gateway is the narrow view of a compute provider used by the controller.
//
// Ids unknown to the provider are simply absent from DescribeInstances results.
type Gateway interface {
	LaunchInstance(ctx context.Context, spec LaunchSpec) (string, error)
	DescribeInstances(ctx context.Context, query Query) ([]InstanceStatus, error)
	DescribeImages(ctx context.Context, query fleet.ImageQuery) ([]fleet.Image, error)
	TagResources(ctx context.Context, ids []string, tags map[string]string) error
	TerminateInstances(ctx context.Context, ids []string) error
	DescribeRegions(ctx context.Context) ([]string, error)
}
