package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammadia/farmhand/provider"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

type reconcilePlan struct {
	connect   []*Instance
	terminate []string
	// instance ids missing ownership tags, by template
	retag  map[string][]string
	remove []*Instance
}

// Reconcile compares tracked instances with what the provider reports and drives them
// towards readiness or termination. Passes never overlap. A pass with nothing changed at the
// provider makes no transition and no provider mutation.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	now := c.clock.Now()
	defer func() {
		c.metrics.reconcileDuration.WithLabelValues(c.cloud.Name).Observe(c.clock.Now().Sub(now).Seconds())
		c.updateGauges()
	}()

	tracked := c.tracked()
	c.failStalledLaunches(tracked, now)

	ids := lo.FilterMap(tracked, func(instance *Instance, _ int) (string, bool) {
		id := instance.InstanceID()
		return id, id != ""
	})
	observed, err := c.describeByID(ctx, ids)
	if err != nil {
		c.metrics.reconcileErrors.WithLabelValues(c.cloud.Name).Inc()
		return fmt.Errorf("failed to describe tracked instances: %w", err)
	}
	owned, err := c.describe(ctx, provider.Query{Tags: map[string]string{TagCloud: c.cloud.Name}})
	if err != nil {
		c.metrics.reconcileErrors.WithLabelValues(c.cloud.Name).Inc()
		return fmt.Errorf("failed to describe owned instances: %w", err)
	}

	plan := reconcilePlan{retag: map[string][]string{}}
	for _, instance := range tracked {
		c.observe(instance, observed, now, &plan)
	}

	plan.terminate = append(plan.terminate, c.connectAll(ctx, plan.connect)...)

	for _, status := range owned {
		if c.adopt(status) {
			plan.terminate = append(plan.terminate, status.ID)
		}
	}

	var errs []error
	if err := c.terminate(ctx, lo.Uniq(plan.terminate)); err != nil {
		errs = append(errs, err)
	}
	for templateID, ids := range plan.retag {
		c.updateRemoteTags(ctx, ids, c.ownershipTags(c.cloud.Template(templateID)))
	}
	for _, instance := range plan.remove {
		c.forget(instance)
	}

	if len(errs) > 0 {
		c.metrics.reconcileErrors.WithLabelValues(c.cloud.Name).Inc()
	}
	return errors.Join(errs...)
}

// failStalledLaunches fails instances whose launch call has not returned within the launch timeout
func (c *Controller) failStalledLaunches(tracked []*Instance, now time.Time) {
	for _, instance := range tracked {
		instance.mu.Lock()
		if instance.instanceID == "" && instance.state == StateRequested && instance.launchTimedOut(now) {
			c.moveLocked(instance, StateFailed, ErrReadinessTimeout)
		}
		instance.mu.Unlock()
	}
}

func (c *Controller) describeByID(ctx context.Context, ids []string) (map[string]provider.InstanceStatus, error) {
	observed := map[string]provider.InstanceStatus{}
	for _, chunk := range lo.Chunk(ids, c.config.DescribeBatchSize) {
		statuses, err := c.describe(ctx, provider.Query{IDs: chunk})
		if err != nil {
			return nil, err
		}
		for _, status := range statuses {
			observed[status.ID] = status
		}
	}
	return observed, nil
}

func (c *Controller) describe(ctx context.Context, query provider.Query) ([]provider.InstanceStatus, error) {
	return provider.ExecuteResult(ctx, c.retrier, "describe-instances", provider.TransientErrors, func(ctx context.Context) ([]provider.InstanceStatus, error) {
		return c.gateway.DescribeInstances(ctx, query)
	})
}

func (c *Controller) observe(instance *Instance, observed map[string]provider.InstanceStatus, now time.Time, plan *reconcilePlan) {
	instance.mu.Lock()
	defer instance.mu.Unlock()

	// Launch still in flight
	if instance.instanceID == "" {
		return
	}

	status, found := observed[instance.instanceID]
	condition := remoteGone
	if found {
		instance.status = &status
		condition = instance.variant.behavior().classify(status)
	}
	gone := !found || status.State == provider.StateTerminated

	switch {
	case instance.state.Terminal():
		if gone {
			plan.remove = append(plan.remove, instance)
		} else if instance.state == StateFailed && status.State != provider.StateShuttingDown {
			c.requestTermination(instance, now, plan)
		}

	case condition == remoteInterrupted:
		if instance.state != StateInterrupted && instance.state != StateTerminating {
			c.moveLocked(instance, StateInterrupted, fmt.Errorf("spot instance reclaimed: %s", lo.Ternary(status.StateMessage != "", status.StateMessage, status.StateReason)))
		}
		if gone {
			c.moveLocked(instance, StateTerminated, nil)
			plan.remove = append(plan.remove, instance)
		}

	case condition == remoteGone:
		if !found && instance.state == StatePending && now.Sub(instance.createdAt) < c.config.NotFoundGrace {
			return
		}
		if instance.state == StateTerminating || instance.state == StateInterrupted {
			if gone {
				c.moveLocked(instance, StateTerminated, nil)
				plan.remove = append(plan.remove, instance)
			} else if status.State == provider.StateStopped || status.State == provider.StateStopping {
				c.requestTermination(instance, now, plan)
			}
			return
		}

		c.moveLocked(instance, StateFailed, fmt.Errorf("%w: %s", ErrInstanceGone, remoteDescription(status, found)))
		if gone {
			plan.remove = append(plan.remove, instance)
		} else if status.State != provider.StateShuttingDown {
			c.requestTermination(instance, now, plan)
		}

	default:
		c.observeAlive(instance, status, now, plan)
	}
}

// observeAlive must be called with the instance lock held
func (c *Controller) observeAlive(instance *Instance, status provider.InstanceStatus, now time.Time, plan *reconcilePlan) {
	if instance.state == StateTerminating {
		c.requestTermination(instance, now, plan)
		return
	}

	if status.State == provider.StatePending {
		switch instance.state {
		case StateRunning, StateConnecting, StateReady:
			c.moveLocked(instance, StatePending, fmt.Errorf("%w: provider reports pending while %s", ErrOrphanAdoptionConflict, instance.state))
		}
	} else if instance.state == StatePending {
		c.moveLocked(instance, StateRunning, nil)
	}

	if instance.launchTimedOut(now) {
		c.moveLocked(instance, StateFailed, fmt.Errorf("%w (%s)", ErrReadinessTimeout, instance.template.LaunchTimeout()))
		c.requestTermination(instance, now, plan)
		return
	}

	switch instance.state {
	case StateRunning, StateConnecting:
		address, err := instance.variant.behavior().resolveAddress(status, instance.template.ConnectionStrategy)
		if err != nil {
			c.moveLocked(instance, StateFailed, err)
			c.requestTermination(instance, now, plan)
			return
		}
		if address == "" {
			// Not assigned yet
			break
		}
		instance.address = address
		if instance.state == StateRunning {
			c.moveLocked(instance, StateConnecting, nil)
		}
		if !now.Before(instance.nextAttemptAt) {
			plan.connect = append(plan.connect, instance)
		}

	case StateReady:
		if instance.idleExpired(now) {
			c.log.Info("Terminating idle instance", "instance", instance.id, "idle-since", instance.idleSince)
			c.moveLocked(instance, StateTerminating, nil)
			c.requestTermination(instance, now, plan)
			return
		}
	}

	if status.Tags[TagCloud] != c.cloud.Name || status.Tags[TagTemplate] != instance.template.ID {
		plan.retag[instance.template.ID] = append(plan.retag[instance.template.ID], instance.instanceID)
	}
}

// requestTermination must be called with the instance lock held. Requests for an instance the
// provider keeps reporting alive are spaced by the termination backoff.
func (c *Controller) requestTermination(instance *Instance, now time.Time, plan *reconcilePlan) {
	if !c.terminationDue(instance, now) {
		return
	}
	plan.terminate = append(plan.terminate, instance.instanceID)
}

// terminationDue must be called with the instance lock held
func (c *Controller) terminationDue(instance *Instance, now time.Time) bool {
	if now.Before(instance.nextTerminateAt) {
		return false
	}
	instance.terminations++
	instance.nextTerminateAt = now.Add(c.terminateBackoff(0, instance.terminations-1))
	return true
}

func remoteDescription(status provider.InstanceStatus, found bool) string {
	if !found {
		return "not found at provider"
	}
	if status.StateReason != "" {
		return fmt.Sprintf("provider reports %s (%s)", status.State, status.StateReason)
	}
	return fmt.Sprintf("provider reports %s", status.State)
}

// connectAll attempts to connect to instances, returning the ids of those that failed for good
func (c *Controller) connectAll(ctx context.Context, instances []*Instance) []string {
	var mu sync.Mutex
	var failed []string

	var group errgroup.Group
	group.SetLimit(c.config.ConnectConcurrency)
	for _, instance := range instances {
		group.Go(func() error {
			if !c.connect(ctx, instance) {
				mu.Lock()
				failed = append(failed, instance.InstanceID())
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	return failed
}

// connect returns false when the instance was failed and must be terminated
func (c *Controller) connect(ctx context.Context, instance *Instance) bool {
	instance.mu.Lock()
	target := ConnectTarget{
		Instance:   instance.id,
		InstanceID: instance.instanceID,
		Address:    instance.address,
		Platform:   instance.variant.Platform,
		Handshake:  instance.template.Handshake,
	}
	instance.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	err := c.connector.Connect(connectCtx, target)
	cancel()

	instance.mu.Lock()
	defer instance.mu.Unlock()

	if instance.state != StateConnecting {
		return true
	}
	instance.attempts++

	if err == nil {
		c.moveLocked(instance, StateReady, nil)
		return true
	}
	if instance.attempts >= c.config.MaxConnectAttempts {
		c.moveLocked(instance, StateFailed, fmt.Errorf("%w after %d attempts: %w", ErrConnectAttemptsExhausted, instance.attempts, err))
		return !c.terminationDue(instance, c.clock.Now())
	}

	instance.nextAttemptAt = c.clock.Now().Add(c.connectBackoff(0, instance.attempts))
	c.log.Debug("Connection attempt failed", "instance", instance.id, "address", target.Address, "attempt", instance.attempts, "next-attempt", instance.nextAttemptAt, "error", err)
	c.moveLocked(instance, StateConnecting, err)
	return true
}

// adopt starts tracking an owned instance found at the provider. It returns true when the
// instance must be terminated.
func (c *Controller) adopt(status provider.InstanceStatus) bool {
	switch status.State {
	case provider.StateShuttingDown, provider.StateTerminated:
		return false
	}

	c.mu.RLock()
	_, known := c.byInstanceID[status.ID]
	_, launching := c.instances[status.Tags[TagInstance]]
	c.mu.RUnlock()
	if known || launching {
		return false
	}

	template := c.cloud.Template(status.Tags[TagTemplate])
	if template == nil {
		c.log.Warn("Leaving alone instance of unknown template", "instance-id", status.ID, "template", status.Tags[TagTemplate], "error", ErrOrphanAdoptionConflict)
		return false
	}

	instance := newInstance(uuid.NewString(), lo.Ternary(status.Tags[TagName] != "", status.Tags[TagName], status.ID), template, c.cloud.Name, c.capacity.Adopt(template.ID, c.cloud.Name), c.clock)
	instance.instanceID = status.ID
	instance.status = &status
	instance.variant.Spot = instance.variant.Spot || status.Spot

	terminate := false
	switch status.State {
	case provider.StatePending:
		instance.state = StatePending
	case provider.StateRunning:
		instance.state = StateRunning
	default:
		instance.state = StateTerminating
		instance.signal()
		terminate = c.terminationDue(instance, c.clock.Now())
	}

	c.track(instance)
	c.index(instance)
	c.events.publish(EventInstanceAdopted{Instance: instance.id, InstanceID: status.ID, Template: template.ID, State: instance.state})
	c.log.Info("Instance adopted", "instance", instance.id, "instance-id", status.ID, "template", template.ID, "state", instance.state)
	return terminate
}

func (c *Controller) terminate(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	failed := c.mutate(ctx, "terminate-instances", provider.TerminateErrors, ids, c.gateway.TerminateInstances)
	var errs []error
	for _, id := range ids {
		if err, ok := failed[id]; ok && !lo.Contains(errs, err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) updateGauges() {
	counts := map[State]int{}
	for _, instance := range c.tracked() {
		counts[instance.State()]++
	}
	for _, state := range States {
		c.metrics.instances.WithLabelValues(c.cloud.Name, string(state)).Set(float64(counts[state]))
	}
}
