package controller

import (
	"fmt"

	"github.com/gammadia/farmhand/fleet"
	"github.com/gammadia/farmhand/provider"
	"github.com/samber/lo"
)

// Variant identifies the platform behavior of a tracked instance.
type Variant struct {
	Platform fleet.Platform `json:"platform"`
	Spot     bool           `json:"spot"`
}

type remoteCondition int

const (
	remoteAlive remoteCondition = iota
	// remoteInterrupted means the provider reclaimed a spot instance
	remoteInterrupted
	remoteGone
)

type behavior interface {
	resolveAddress(status provider.InstanceStatus, strategy fleet.ConnectionStrategy) (string, error)
	classify(status provider.InstanceStatus) remoteCondition
	supportedStrategies() []fleet.ConnectionStrategy
}

func (v Variant) behavior() behavior {
	var b behavior = platformBehavior{platform: v.Platform}
	if v.Spot {
		b = spotBehavior{behavior: b}
	}
	return b
}

type platformBehavior struct {
	platform fleet.Platform
}

func (b platformBehavior) resolveAddress(status provider.InstanceStatus, strategy fleet.ConnectionStrategy) (string, error) {
	if !lo.Contains(b.supportedStrategies(), strategy) {
		return "", fmt.Errorf("%w: '%s' on %s", fleet.ErrUnsupportedStrategy, strategy, b.platform)
	}
	return fleet.ResolveAddress(status.Addresses, strategy, b.platform)
}

// Windows hosts accept every strategy, DNS ones resolve to the matching IP.
func (platformBehavior) supportedStrategies() []fleet.ConnectionStrategy {
	return fleet.ConnectionStrategies
}

func (platformBehavior) classify(status provider.InstanceStatus) remoteCondition {
	switch status.State {
	case provider.StatePending, provider.StateRunning:
		return remoteAlive
	default:
		return remoteGone
	}
}

type spotBehavior struct {
	behavior
}

func (b spotBehavior) classify(status provider.InstanceStatus) remoteCondition {
	condition := b.behavior.classify(status)
	if condition == remoteGone && (status.StateReason == provider.ReasonSpotTermination || status.StateReason == provider.ReasonSpotShutdown) {
		return remoteInterrupted
	}
	return condition
}
