package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammadia/farmhand/fleet"
	"github.com/gammadia/farmhand/provider"
	"github.com/juju/clock"
	"github.com/samber/lo"
)

type State string

const (
	StateRequested   State = "requested"
	StatePending     State = "pending"
	StateRunning     State = "running"
	StateConnecting  State = "connecting"
	StateReady       State = "ready"
	StateInterrupted State = "interrupted"
	StateFailed      State = "failed"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
)

var States = []State{
	StateRequested, StatePending, StateRunning, StateConnecting, StateReady,
	StateInterrupted, StateFailed, StateTerminating, StateTerminated,
}

func (s State) Terminal() bool {
	return s == StateFailed || s == StateTerminated
}

var transitions = map[State][]State{
	StateRequested:   {StatePending, StateFailed},
	StatePending:     {StateRunning, StateInterrupted, StateFailed, StateTerminating},
	StateRunning:     {StatePending, StateConnecting, StateInterrupted, StateFailed, StateTerminating},
	StateConnecting:  {StatePending, StateConnecting, StateReady, StateInterrupted, StateFailed, StateTerminating},
	StateReady:       {StatePending, StateInterrupted, StateFailed, StateTerminating},
	StateInterrupted: {StateTerminated, StateFailed},
	StateTerminating: {StateTerminated, StateFailed},
}

var (
	ErrReadinessTimeout         = errors.New("instance did not become ready before its launch timeout")
	ErrConnectAttemptsExhausted = errors.New("connection attempts exhausted")
	ErrInstanceGone             = errors.New("instance ended unexpectedly")
	ErrOrphanAdoptionConflict   = errors.New("provider state conflicts with local state")
	ErrInvalidTransition        = errors.New("invalid state transition")
)

// Instance tracks one provisioned instance from launch request to termination.
type Instance struct {
	id          string
	name        string
	template    *fleet.Template
	cloud       string
	variant     Variant
	reservation *Reservation
	createdAt   time.Time
	clock       clock.Clock

	mu              sync.Mutex
	instanceID      string
	state           State
	status          *provider.InstanceStatus
	address         string
	attempts        int
	nextAttemptAt   time.Time
	terminations    int
	nextTerminateAt time.Time
	lastErr         error
	busy            bool
	wasReady        bool
	idleSince       time.Time
	settled         bool
	done            chan struct{}
}

func newInstance(id, name string, template *fleet.Template, cloud string, reservation *Reservation, clock clock.Clock) *Instance {
	return &Instance{
		id:          id,
		name:        name,
		template:    template,
		cloud:       cloud,
		variant:     Variant{Platform: template.Platform, Spot: template.Spotted()},
		reservation: reservation,
		createdAt:   clock.Now(),
		clock:       clock,
		state:       StateRequested,
		done:        make(chan struct{}),
	}
}

func (i *Instance) ID() string                { return i.id }
func (i *Instance) Name() string              { return i.name }
func (i *Instance) Template() *fleet.Template { return i.template }
func (i *Instance) Cloud() string             { return i.cloud }
func (i *Instance) Variant() Variant          { return i.variant }
func (i *Instance) CreatedAt() time.Time      { return i.createdAt }

func (i *Instance) InstanceID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.instanceID
}

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) Address() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.address
}

func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastErr
}

// Wait blocks until the instance is ready, or returns why it never will be.
func (i *Instance) Wait(ctx context.Context) error {
	select {
	case <-i.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateReady {
		return nil
	}
	if i.lastErr != nil {
		return fmt.Errorf("instance '%s' is %s: %w", i.id, i.state, i.lastErr)
	}
	return fmt.Errorf("instance '%s' is %s", i.id, i.state)
}

// Acquire marks a ready instance as running a build. Busy instances are never reaped.
func (i *Instance) Acquire() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateReady {
		return false
	}
	i.busy = true
	return true
}

// Release marks the instance idle again, restarting its idle timer.
func (i *Instance) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.busy {
		i.busy = false
		i.idleSince = i.clock.Now()
	}
}

// transition must be called with the lock held
func (i *Instance) transition(to State, cause error) (State, error) {
	from := i.state
	if !lo.Contains(transitions[from], to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	i.state = to
	if cause != nil {
		i.lastErr = cause
	}
	switch to {
	case StateReady:
		i.idleSince = i.clock.Now()
		i.wasReady = true
		i.lastErr = nil
		fallthrough
	case StateInterrupted, StateFailed, StateTerminating, StateTerminated:
		i.signal()
	}
	return from, nil
}

// signal wakes up waiters. Must be called with the lock held.
func (i *Instance) signal() {
	select {
	case <-i.done:
	default:
		close(i.done)
	}
}

// launchTimedOut must be called with the lock held. Instances that were ready once are
// never timed out again.
func (i *Instance) launchTimedOut(now time.Time) bool {
	if i.wasReady {
		return false
	}
	switch i.state {
	case StateRequested, StatePending, StateRunning, StateConnecting:
		return now.Sub(i.createdAt) >= i.template.LaunchTimeout()
	}
	return false
}

// idleExpired must be called with the lock held
func (i *Instance) idleExpired(now time.Time) bool {
	timeout := i.template.IdleTimeout()
	return i.state == StateReady && !i.busy && timeout > 0 && now.Sub(i.idleSince) >= timeout
}

type InstanceSnapshot struct {
	ID         string                   `json:"id"`
	Name       string                   `json:"name"`
	InstanceID string                   `json:"instance-id,omitempty"`
	Template   string                   `json:"template"`
	Cloud      string                   `json:"cloud"`
	Variant    Variant                  `json:"variant"`
	State      State                    `json:"state"`
	Address    string                   `json:"address,omitempty"`
	Attempts   int                      `json:"attempts"`
	Busy       bool                     `json:"busy"`
	CreatedAt  time.Time                `json:"created-at"`
	IdleSince  *time.Time               `json:"idle-since,omitempty"`
	Status     *provider.InstanceStatus `json:"status,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func (i *Instance) Snapshot() InstanceSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	snapshot := InstanceSnapshot{
		ID:         i.id,
		Name:       i.name,
		InstanceID: i.instanceID,
		Template:   i.template.ID,
		Cloud:      i.cloud,
		Variant:    i.variant,
		State:      i.state,
		Address:    i.address,
		Attempts:   i.attempts,
		Busy:       i.busy,
		CreatedAt:  i.createdAt,
	}
	if i.state == StateReady && !i.busy {
		snapshot.IdleSince = lo.ToPtr(i.idleSince)
	}
	if i.status != nil {
		snapshot.Status = lo.ToPtr(*i.status)
	}
	if i.lastErr != nil {
		snapshot.Error = i.lastErr.Error()
	}
	return snapshot
}
