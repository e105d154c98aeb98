package controller

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstance(t *testing.T) (*Instance, *testclock.Clock) {
	t.Helper()
	clock := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return newInstance("handle", "farmhand-test", testTemplate("linux", "linux"), "test", nil, clock), clock
}

func move(t *testing.T, instance *Instance, states ...State) {
	t.Helper()
	instance.mu.Lock()
	defer instance.mu.Unlock()
	for _, state := range states {
		_, err := instance.transition(state, nil)
		require.NoError(t, err)
	}
}

func TestInstanceTransitions(t *testing.T) {
	tests := []struct {
		name  string
		path  []State
		to    State
		valid bool
	}{
		{name: "launch ack", to: StatePending, valid: true},
		{name: "launch failure", to: StateFailed, valid: true},
		{name: "skip launch", to: StateRunning},
		{name: "ready before connecting", path: []State{StatePending, StateRunning}, to: StateReady},
		{name: "connection retry", path: []State{StatePending, StateRunning, StateConnecting}, to: StateConnecting, valid: true},
		{name: "spot reclaim", path: []State{StatePending, StateRunning, StateConnecting, StateReady}, to: StateInterrupted, valid: true},
		{name: "pending correction", path: []State{StatePending, StateRunning, StateConnecting, StateReady}, to: StatePending, valid: true},
		{name: "reclaimed instance gone", path: []State{StatePending, StateInterrupted}, to: StateTerminated, valid: true},
		{name: "reclaimed instance reconnects", path: []State{StatePending, StateInterrupted}, to: StateConnecting},
		{name: "terminating instance gone", path: []State{StatePending, StateTerminating}, to: StateTerminated, valid: true},
		{name: "failed is final", path: []State{StateFailed}, to: StateTerminated},
		{name: "terminated is final", path: []State{StatePending, StateTerminating, StateTerminated}, to: StateFailed},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			instance, _ := newTestInstance(t)
			move(t, instance, test.path...)

			instance.mu.Lock()
			from := instance.state
			_, err := instance.transition(test.to, nil)
			instance.mu.Unlock()

			if test.valid {
				assert.NoError(t, err)
				assert.Equal(t, test.to, instance.State())
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, from, instance.State())
			}
		})
	}
}

func TestInstanceWait(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		instance, _ := newTestInstance(t)
		result := make(chan error, 1)
		go func() { result <- instance.Wait(context.Background()) }()

		move(t, instance, StatePending, StateRunning, StateConnecting, StateReady)
		assert.NoError(t, <-result)
	})

	t.Run("failed", func(t *testing.T) {
		instance, _ := newTestInstance(t)
		instance.mu.Lock()
		_, err := instance.transition(StateFailed, ErrLaunchFailed)
		instance.mu.Unlock()
		require.NoError(t, err)

		err = instance.Wait(context.Background())
		assert.ErrorIs(t, err, ErrLaunchFailed)
		assert.ErrorContains(t, err, "instance 'handle' is failed")
	})

	t.Run("canceled", func(t *testing.T) {
		instance, _ := newTestInstance(t)
		move(t, instance, StatePending)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, instance.Wait(ctx), context.Canceled)
	})
}

func TestInstanceBusyTracking(t *testing.T) {
	instance, clock := newTestInstance(t)
	instance.template.IdleTerminationMinutes = 10

	assert.False(t, instance.Acquire())

	move(t, instance, StatePending, StateRunning, StateConnecting, StateReady)
	require.True(t, instance.Acquire())
	assert.True(t, instance.Snapshot().Busy)

	clock.Advance(time.Hour)
	instance.mu.Lock()
	assert.False(t, instance.idleExpired(clock.Now()))
	instance.mu.Unlock()

	instance.Release()
	snapshot := instance.Snapshot()
	assert.False(t, snapshot.Busy)
	require.NotNil(t, snapshot.IdleSince)
	assert.Equal(t, clock.Now(), *snapshot.IdleSince)

	clock.Advance(10 * time.Minute)
	instance.mu.Lock()
	assert.True(t, instance.idleExpired(clock.Now()))
	instance.mu.Unlock()
}

func TestInstanceLaunchTimeout(t *testing.T) {
	instance, clock := newTestInstance(t)
	instance.template.LaunchTimeoutRaw = "60"

	clock.Advance(time.Minute)
	instance.mu.Lock()
	assert.True(t, instance.launchTimedOut(clock.Now()))
	instance.mu.Unlock()

	move(t, instance, StatePending, StateRunning, StateConnecting, StateReady, StatePending)
	instance.mu.Lock()
	assert.False(t, instance.launchTimedOut(clock.Now()))
	instance.mu.Unlock()
}
