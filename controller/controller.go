package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/farmhand/controller/internal"
	"github.com/gammadia/farmhand/fleet"
	"github.com/gammadia/farmhand/namegen"
	"github.com/gammadia/farmhand/provider"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/samber/lo"
)

// Ownership tags identify the instances managed by a controller at the provider.
const (
	TagCloud    = "farmhand:cloud"
	TagTemplate = "farmhand:template"
	TagInstance = "farmhand:instance"
	TagName     = "Name"
)

var (
	ErrNoMatchingTemplate = errors.New("no template matches the requested labels")
	ErrNoCapacity         = errors.New("no capacity left on matching templates")
	ErrLaunchFailed       = errors.New("launch failed")
	ErrNoImage            = errors.New("no image found")
)

// ProvisioningError is returned when no instance could be provisioned. Reason is one of
// ErrNoMatchingTemplate, ErrNoCapacity or ErrLaunchFailed.
type ProvisioningError struct {
	Cloud  string
	Labels []string
	Reason error
	Err    error
}

func (e *ProvisioningError) Error() string {
	msg := fmt.Sprintf("cannot provision on cloud '%s' for labels [%s]: %s", e.Cloud, strings.Join(e.Labels, " "), e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProvisioningError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// ConnectTarget is what a Connector needs to reach an instance.
type ConnectTarget struct {
	Instance   string
	InstanceID string
	Address    string
	Platform   fleet.Platform
	Handshake  fleet.Handshake
}

// Connector establishes that a running instance is ready to take builds.
type Connector interface {
	Connect(ctx context.Context, target ConnectTarget) error
}

// Controller provisions and tracks the instances of one cloud profile.
type Controller struct {
	cloud     *fleet.CloudProfile
	gateway   provider.Gateway
	connector Connector
	capacity  *CapacityTracker
	selector  TemplateSelector
	retrier   *provider.Retrier
	config    Config
	clock     clock.Clock
	log       *slog.Logger
	metrics   *metrics
	events    broadcaster

	mu           sync.RWMutex
	instances    map[string]*Instance
	byInstanceID map[string]*Instance

	reconcileMu      sync.Mutex
	launches         sync.WaitGroup
	connectBackoff   func(time.Duration, int) time.Duration
	terminateBackoff func(time.Duration, int) time.Duration
}

func New(cloud *fleet.CloudProfile, gateway provider.Gateway, connector Connector, capacity *CapacityTracker, config Config) (*Controller, error) {
	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}
	if cloud == nil || cloud.Name == "" {
		return nil, errors.New("cloud profile must have a name")
	}
	if gateway == nil || connector == nil || capacity == nil {
		return nil, errors.New("gateway, connector and capacity tracker are required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.Retry.Clock == nil {
		config.Retry.Clock = config.Clock
	}

	capacity.Register(cloud)
	logger := config.Logger.With("cloud", cloud.Name)

	return &Controller{
		cloud:        cloud,
		gateway:      gateway,
		connector:    connector,
		capacity:     capacity,
		selector:     TemplateSelector{Match: config.LabelMatch},
		retrier:      provider.NewRetrier(config.Retry, logger),
		config:       config,
		clock:        config.Clock,
		log:          logger,
		metrics:      newMetrics(config.Registerer),
		instances:    map[string]*Instance{},
		byInstanceID: map[string]*Instance{},

		connectBackoff:   retry.ExpBackoff(config.ConnectBackoff, config.MaxConnectBackoff, 2, false),
		terminateBackoff: retry.ExpBackoff(config.TerminateBackoff, config.MaxTerminateBackoff, 2, false),
	}, nil
}

func (c *Controller) Cloud() *fleet.CloudProfile {
	return c.cloud
}

func (c *Controller) Gateway() provider.Gateway {
	return c.gateway
}

// Provision launches an instance for the demanded labels, trying matching templates in
// configuration order. The returned instance is PENDING; use Instance.Wait for readiness.
//
// The launch itself is detached from ctx: when ctx ends first, the instance is still
// registered (or cleaned up) in the background.
func (c *Controller) Provision(ctx context.Context, labels []string) (*Instance, error) {
	candidates := c.selector.SelectCandidates(labels, c.cloud.Templates)
	if len(candidates) == 0 {
		c.metrics.provisions.WithLabelValues(c.cloud.Name, "", "no-template").Inc()
		return nil, &ProvisioningError{Cloud: c.cloud.Name, Labels: labels, Reason: ErrNoMatchingTemplate}
	}

	var launchErr error
	for _, template := range candidates {
		reservation, err := c.capacity.TryReserve(template.ID, c.cloud.Name)
		if err != nil {
			c.log.Debug("Template skipped", "template", template.ID, "reason", err)
			continue
		}

		instance, err := c.launch(ctx, template, reservation)
		if err == nil {
			c.metrics.provisions.WithLabelValues(c.cloud.Name, template.ID, "launched").Inc()
			return instance, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.metrics.provisions.WithLabelValues(c.cloud.Name, template.ID, "failed").Inc()
		c.log.Warn("Failed to launch instance", "template", template.ID, "error", err)
		launchErr = errors.Join(launchErr, err)
	}

	if launchErr != nil {
		return nil, &ProvisioningError{Cloud: c.cloud.Name, Labels: labels, Reason: ErrLaunchFailed, Err: launchErr}
	}
	c.metrics.provisions.WithLabelValues(c.cloud.Name, "", "no-capacity").Inc()
	return nil, &ProvisioningError{Cloud: c.cloud.Name, Labels: labels, Reason: ErrNoCapacity}
}

// ProvisionWorkload launches as many instances as needed for excessWorkload builds waiting
// on the demanded labels, accounting for instances still on their way.
func (c *Controller) ProvisionWorkload(ctx context.Context, labels []string, excessWorkload int) ([]*Instance, error) {
	candidates := c.selector.SelectCandidates(labels, c.cloud.Templates)
	if len(candidates) == 0 {
		return nil, &ProvisioningError{Cloud: c.cloud.Name, Labels: labels, Reason: ErrNoMatchingTemplate}
	}

	candidateIDs := lo.Map(candidates, func(t *fleet.Template, _ int) string { return t.ID })
	existing, incoming := 0, 0
	for _, instance := range c.Instances() {
		switch {
		case instance.State.Terminal(), instance.State == StateTerminating, instance.State == StateInterrupted:
		case instance.State == StateReady:
			existing++
		case lo.Contains(candidateIDs, instance.Template):
			incoming++
		default:
			existing++
		}
	}

	maxInstances := c.cloud.InstanceCap
	if maxInstances <= 0 {
		maxInstances = math.MaxInt32
	}
	toLaunch := internal.InstancesToLaunch(maxInstances, candidates[0].ExecutorCount(), excessWorkload, existing, incoming)
	c.log.Debug("Workload planned", "labels", labels, "workload", excessWorkload, "existing", existing, "incoming", incoming, "launch", toLaunch)

	var instances []*Instance
	for range max(toLaunch, 0) {
		instance, err := c.Provision(ctx, labels)
		if err != nil {
			if len(instances) == 0 {
				return nil, err
			}
			c.log.Info("Workload only partially provisioned", "launched", len(instances), "planned", toLaunch, "error", err)
			break
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (c *Controller) launch(ctx context.Context, template *fleet.Template, reservation *Reservation) (*Instance, error) {
	instance := newInstance(uuid.NewString(), namegen.Instance(template.ID), template, c.cloud.Name, reservation, c.clock)
	c.track(instance)
	c.events.publish(EventInstanceRequested{Instance: instance.id, Template: template.ID, Cloud: c.cloud.Name})
	c.log.Info("Instance requested", "instance", instance.id, "name", instance.name, "template", template.ID)

	done := make(chan error, 1)
	c.launches.Add(1)
	go func() {
		defer c.launches.Done()
		done <- c.completeLaunch(context.WithoutCancel(ctx), instance)
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return instance, nil
	case <-ctx.Done():
		c.log.Info("Provisioning abandoned, launch continues in background", "instance", instance.id)
		return nil, ctx.Err()
	}
}

func (c *Controller) completeLaunch(ctx context.Context, instance *Instance) error {
	id, err := c.runInstance(ctx, instance)
	if err != nil {
		instance.mu.Lock()
		if instance.state == StateRequested {
			c.moveLocked(instance, StateFailed, fmt.Errorf("%w: %w", ErrLaunchFailed, err))
		}
		instance.mu.Unlock()
		c.forget(instance)
		return err
	}

	instance.mu.Lock()
	instance.instanceID = id
	c.index(instance)
	if instance.state != StateRequested {
		// Failed while the launch was in flight: the record stays until the provider confirms termination
		cause := lo.Ternary(instance.lastErr != nil, instance.lastErr, errors.New("instance record closed during launch"))
		instance.mu.Unlock()

		c.log.Warn("Instance launched after its record was closed, terminating it", "instance", instance.id, "instance-id", id)
		if err := c.terminate(ctx, []string{id}); err != nil {
			c.log.Error("Failed to terminate late instance", "instance", instance.id, "instance-id", id, "error", err)
		}
		return fmt.Errorf("%w: %w", ErrLaunchFailed, cause)
	}

	c.capacity.Confirm(instance.reservation)
	c.moveLocked(instance, StatePending, nil)
	instance.mu.Unlock()
	return nil
}

func (c *Controller) runInstance(ctx context.Context, instance *Instance) (string, error) {
	spec, err := c.launchSpec(ctx, instance)
	if err != nil {
		return "", err
	}

	id, err := c.launchWithRetries(ctx, spec)
	if err != nil && spec.Spot != nil && spec.Spot.FallbackToOnDemand && lo.Contains(provider.SpotUnavailableCodes, provider.ErrorCode(err)) {
		c.log.Warn("Spot capacity unavailable, falling back to on-demand", "instance", instance.id, "code", provider.ErrorCode(err))
		spec.Spot = nil
		id, err = c.launchWithRetries(ctx, spec)
	}
	return id, err
}

func (c *Controller) launchWithRetries(ctx context.Context, spec provider.LaunchSpec) (string, error) {
	return provider.ExecuteResult(ctx, c.retrier, "launch-instance", provider.TransientErrors, func(ctx context.Context) (string, error) {
		return c.gateway.LaunchInstance(ctx, spec)
	})
}

func (c *Controller) launchSpec(ctx context.Context, instance *Instance) (provider.LaunchSpec, error) {
	template := instance.template

	image, err := c.resolveImage(ctx, template)
	if err != nil {
		return provider.LaunchSpec{}, err
	}

	spec := provider.LaunchSpec{
		Name:               instance.name,
		ImageID:            image.ID,
		InstanceType:       template.InstanceType,
		SubnetID:           template.ChooseSubnet(),
		Zone:               template.Zone,
		KeyName:            template.KeyName,
		SecurityGroups:     template.SecurityGroups,
		UserData:           template.UserData,
		IAMInstanceProfile: template.IAMInstanceProfile,
		AssociatePublicIP:  template.AssociatePublicIP,
		Tags:               c.launchTags(instance),
		Spot:               template.Spot,
	}
	if root, ok := template.RootDevice(image); ok {
		spec.BlockDevices = []fleet.BlockDevice{root}
	}
	return spec, nil
}

func (c *Controller) resolveImage(ctx context.Context, template *fleet.Template) (fleet.Image, error) {
	query, err := template.ImageQuery()
	if err != nil {
		return fleet.Image{}, fmt.Errorf("template '%s': %w", template.ID, err)
	}

	images, err := provider.ExecuteResult(ctx, c.retrier, "describe-images", provider.TransientErrors, func(ctx context.Context) ([]fleet.Image, error) {
		return c.gateway.DescribeImages(ctx, query)
	})
	if err != nil {
		return fleet.Image{}, err
	}

	image, ok := fleet.NewestImage(images)
	if !ok {
		return fleet.Image{}, fmt.Errorf("%w for template '%s'", ErrNoImage, template.ID)
	}
	return image, nil
}

func (c *Controller) ownershipTags(template *fleet.Template) map[string]string {
	return map[string]string{
		TagCloud:    c.cloud.Name,
		TagTemplate: template.ID,
	}
}

func (c *Controller) launchTags(instance *Instance) map[string]string {
	tags := lo.Associate(instance.template.Tags, func(tag fleet.Tag) (string, string) {
		return tag.Name, tag.Value
	})
	tags[TagName] = instance.name
	tags[TagInstance] = instance.id
	maps.Copy(tags, c.ownershipTags(instance.template))
	return tags
}

// moveLocked transitions the instance and accounts for it. Must be called with the instance lock held.
func (c *Controller) moveLocked(instance *Instance, to State, cause error) bool {
	from, err := instance.transition(to, cause)
	if err != nil {
		c.log.Debug("Transition refused", "instance", instance.id, "error", err)
		return false
	}

	if to.Terminal() && !instance.settled {
		instance.settled = true
		c.capacity.Settle(instance.reservation)
	}

	c.metrics.transitions.WithLabelValues(c.cloud.Name, string(to)).Inc()
	event := EventInstanceStateChanged{Instance: instance.id, InstanceID: instance.instanceID, From: from, To: to}
	attrs := []any{"instance", instance.id, "instance-id", instance.instanceID, "from", from, "to", to}
	if cause != nil {
		event.Error = cause.Error()
		attrs = append(attrs, "reason", cause)
	}
	c.events.publish(event)

	if to == StateFailed || to == StateInterrupted {
		c.log.Warn("Instance state changed", attrs...)
	} else {
		c.log.Info("Instance state changed", attrs...)
	}
	return true
}

func (c *Controller) track(instance *Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[instance.id] = instance
}

func (c *Controller) index(instance *Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byInstanceID[instance.instanceID] = instance
}

func (c *Controller) forget(instance *Instance) {
	instanceID := instance.InstanceID()

	c.mu.Lock()
	delete(c.instances, instance.id)
	if instanceID != "" {
		delete(c.byInstanceID, instanceID)
	}
	c.mu.Unlock()

	c.events.publish(EventInstanceRemoved{Instance: instance.id, InstanceID: instanceID})
	c.log.Debug("Instance record removed", "instance", instance.id, "instance-id", instanceID)
}

func (c *Controller) Instance(id string) (*Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	instance, ok := c.instances[id]
	return instance, ok
}

func (c *Controller) tracked() []*Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Values(c.instances)
}

func (c *Controller) Instances() []InstanceSnapshot {
	snapshots := lo.Map(c.tracked(), func(instance *Instance, _ int) InstanceSnapshot {
		return instance.Snapshot()
	})
	slices.SortFunc(snapshots, func(a, b InstanceSnapshot) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return snapshots
}

func (c *Controller) Usage() map[string]Usage {
	usage := map[string]Usage{"": c.capacity.CloudUsage(c.cloud.Name)}
	for _, template := range c.cloud.Templates {
		usage[template.ID] = c.capacity.TemplateUsage(c.cloud.Name, template.ID)
	}
	return usage
}

// Wait blocks until launches in flight are completed.
func (c *Controller) Wait() {
	c.launches.Wait()
}
