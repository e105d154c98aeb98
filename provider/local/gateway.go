// Package local provides an in-memory provider gateway for development and tests.
//
// Instances boot after a configurable delay and are all reachable on the same address.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/aws/smithy-go"
	"github.com/gammadia/farmhand/fleet"
	"github.com/gammadia/farmhand/provider"
	"github.com/juju/clock"
	"github.com/samber/lo"
)

type Op string

const (
	OpLaunch            Op = "launch"
	OpDescribeInstances Op = "describe-instances"
	OpDescribeImages    Op = "describe-images"
	OpTag               Op = "tag"
	OpTerminate         Op = "terminate"
	OpDescribeRegions   Op = "describe-regions"
)

type Config struct {
	Logger *slog.Logger `json:"-"`
	Clock  clock.Clock  `json:"-"`
	// Time for an instance to go from pending to running, and from shutting-down to terminated
	BootDelay time.Duration `json:"boot-delay"`
	// Address every instance is reachable on
	Address string        `json:"address"`
	Images  []fleet.Image `json:"images"`
	Regions []string      `json:"regions"`
}

type instance struct {
	status    provider.InstanceStatus
	changedAt time.Time
}

type Gateway struct {
	log    *slog.Logger
	clock  clock.Clock
	config Config

	mu         sync.Mutex
	instances  map[string]*instance
	nextNumber int
	failures   map[Op][]error
	calls      map[Op]int
}

var _ provider.Gateway = (*Gateway)(nil)

func New(config Config) *Gateway {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.Address == "" {
		config.Address = "127.0.0.1"
	}
	if len(config.Images) == 0 {
		config.Images = []fleet.Image{{
			ID:             "ami-local",
			Name:           "local",
			RootDeviceType: "ebs",
			RootDeviceName: "/dev/xvda",
			BlockDevices:   []fleet.BlockDevice{{DeviceName: "/dev/xvda", EBS: &fleet.EBSVolume{VolumeSize: 8, VolumeType: "gp3"}}},
		}}
	}
	if len(config.Regions) == 0 {
		config.Regions = []string{"local"}
	}

	return &Gateway{
		log:       config.Logger,
		clock:     config.Clock,
		config:    config,
		instances: map[string]*instance{},
		failures:  map[Op][]error{},
		calls:     map[Op]int{},
	}
}

// Fail makes the next calls of op return the given errors, in order.
func (g *Gateway) Fail(op Op, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], errs...)
}

// Calls returns how many times op was called, including failed calls.
func (g *Gateway) Calls(op Op) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// NotFound returns the error the provider reports for unknown instance ids.
func NotFound(id string) error {
	return &smithy.GenericAPIError{
		Code:    provider.CodeInstanceNotFound,
		Message: fmt.Sprintf("The instance ID '%s' does not exist", id),
	}
}

// call must be called with the lock held
func (g *Gateway) call(op Op) error {
	g.calls[op]++
	if pending := g.failures[op]; len(pending) > 0 {
		g.failures[op] = pending[1:]
		return pending[0]
	}
	return nil
}

func (g *Gateway) LaunchInstance(_ context.Context, spec provider.LaunchSpec) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.call(OpLaunch); err != nil {
		return "", err
	}

	g.nextNumber += 1
	id := fmt.Sprintf("i-local%04d", g.nextNumber)
	now := g.clock.Now()
	g.instances[id] = &instance{
		status: provider.InstanceStatus{
			ID:    id,
			State: provider.StatePending,
			Addresses: fleet.Addresses{
				PublicDNS:  "localhost",
				PublicIP:   g.config.Address,
				PrivateDNS: "localhost",
				PrivateIP:  g.config.Address,
			},
			Spot:       spec.Spot != nil,
			Tags:       maps.Clone(spec.Tags),
			LaunchTime: now,
		},
		changedAt: now,
	}
	if g.instances[id].status.Tags == nil {
		g.instances[id].status.Tags = map[string]string{}
	}

	g.log.Debug("Local instance launched", "instance", id, "name", spec.Name, "image", spec.ImageID)
	return id, nil
}

func (g *Gateway) DescribeInstances(_ context.Context, query provider.Query) ([]provider.InstanceStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.call(OpDescribeInstances); err != nil {
		return nil, err
	}

	var statuses []provider.InstanceStatus
	for _, id := range g.sortedIDs() {
		instance := g.instances[id]
		g.advance(instance)
		if len(query.IDs) > 0 && !lo.Contains(query.IDs, id) {
			continue
		}
		if !lo.EveryBy(lo.Keys(query.Tags), func(key string) bool { return instance.status.Tags[key] == query.Tags[key] }) {
			continue
		}
		statuses = append(statuses, copyStatus(instance.status))
	}
	return statuses, nil
}

// advance moves instances through the transitional states once the boot delay elapsed
func (g *Gateway) advance(instance *instance) {
	if g.clock.Now().Sub(instance.changedAt) < g.config.BootDelay {
		return
	}
	switch instance.status.State {
	case provider.StatePending:
		instance.status.State = provider.StateRunning
		instance.changedAt = g.clock.Now()
	case provider.StateShuttingDown:
		instance.status.State = provider.StateTerminated
		instance.changedAt = g.clock.Now()
	}
}

func (g *Gateway) DescribeImages(_ context.Context, query fleet.ImageQuery) ([]fleet.Image, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.call(OpDescribeImages); err != nil {
		return nil, err
	}

	if len(query.ImageIDs) == 0 {
		return slices.Clone(g.config.Images), nil
	}
	return lo.Filter(g.config.Images, func(image fleet.Image, _ int) bool {
		return lo.Contains(query.ImageIDs, image.ID)
	}), nil
}

func (g *Gateway) TagResources(_ context.Context, ids []string, tags map[string]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.call(OpTag); err != nil {
		return err
	}

	for _, id := range ids {
		if _, ok := g.instances[id]; !ok {
			return NotFound(id)
		}
	}
	for _, id := range ids {
		maps.Copy(g.instances[id].status.Tags, tags)
	}
	return nil
}

func (g *Gateway) TerminateInstances(_ context.Context, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.call(OpTerminate); err != nil {
		return err
	}

	for _, id := range ids {
		if _, ok := g.instances[id]; !ok {
			return NotFound(id)
		}
	}
	for _, id := range ids {
		instance := g.instances[id]
		if instance.status.State == provider.StateShuttingDown || instance.status.State == provider.StateTerminated {
			continue
		}
		instance.status.State = provider.StateShuttingDown
		instance.status.StateReason = "Client.UserInitiatedShutdown"
		instance.changedAt = g.clock.Now()
	}
	return nil
}

func (g *Gateway) DescribeRegions(context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.call(OpDescribeRegions); err != nil {
		return nil, err
	}
	return slices.Clone(g.config.Regions), nil
}

// Add registers an instance the gateway did not launch itself.
func (g *Gateway) Add(status provider.InstanceStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()

	status = copyStatus(status)
	if status.Tags == nil {
		status.Tags = map[string]string{}
	}
	g.instances[status.ID] = &instance{status: status, changedAt: g.clock.Now()}
}

// SetState forces the state of an instance, with an optional state reason code.
func (g *Gateway) SetState(id string, state provider.InstanceState, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if instance, ok := g.instances[id]; ok {
		instance.status.State = state
		instance.status.StateReason = reason
		instance.changedAt = g.clock.Now()
	}
}

// Remove makes an instance unknown to the provider.
func (g *Gateway) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.instances, id)
}

func (g *Gateway) Status(id string) (provider.InstanceStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	instance, ok := g.instances[id]
	if !ok {
		return provider.InstanceStatus{}, false
	}
	return copyStatus(instance.status), true
}

func (g *Gateway) sortedIDs() []string {
	ids := lo.Keys(g.instances)
	slices.Sort(ids)
	return ids
}

func copyStatus(status provider.InstanceStatus) provider.InstanceStatus {
	status.Tags = maps.Clone(status.Tags)
	return status
}
