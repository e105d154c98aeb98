package local

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/gammadia/farmhand/fleet"
	"github.com/gammadia/farmhand/provider"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway() (*Gateway, *testclock.Clock) {
	clock := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(Config{Logger: slog.New(slog.DiscardHandler), Clock: clock, BootDelay: time.Minute}), clock
}

func TestLaunchBootsAfterDelay(t *testing.T) {
	gateway, clock := newTestGateway()
	ctx := context.Background()

	id, err := gateway.LaunchInstance(ctx, provider.LaunchSpec{ImageID: "ami-local", Tags: map[string]string{"a": "1"}})
	require.NoError(t, err)
	assert.Equal(t, "i-local0001", id)

	statuses, err := gateway.DescribeInstances(ctx, provider.Query{IDs: []string{id}})
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, provider.StatePending, statuses[0].State)
	assert.Equal(t, "127.0.0.1", statuses[0].PrivateIP)

	clock.Advance(time.Minute)
	statuses, err = gateway.DescribeInstances(ctx, provider.Query{IDs: []string{id}})
	require.NoError(t, err)
	assert.Equal(t, provider.StateRunning, statuses[0].State)
}

func TestDescribeFiltersByTagsAndIgnoresUnknownIDs(t *testing.T) {
	gateway, _ := newTestGateway()
	ctx := context.Background()

	first, _ := gateway.LaunchInstance(ctx, provider.LaunchSpec{Tags: map[string]string{"cloud": "a"}})
	_, _ = gateway.LaunchInstance(ctx, provider.LaunchSpec{Tags: map[string]string{"cloud": "b"}})

	statuses, err := gateway.DescribeInstances(ctx, provider.Query{Tags: map[string]string{"cloud": "a"}})
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, first, statuses[0].ID)

	statuses, err = gateway.DescribeInstances(ctx, provider.Query{IDs: []string{"i-unknown"}})
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestTerminateAndNotFound(t *testing.T) {
	gateway, clock := newTestGateway()
	ctx := context.Background()

	id, _ := gateway.LaunchInstance(ctx, provider.LaunchSpec{})
	require.NoError(t, gateway.TerminateInstances(ctx, []string{id}))

	status, ok := gateway.Status(id)
	require.True(t, ok)
	assert.Equal(t, provider.StateShuttingDown, status.State)

	clock.Advance(time.Minute)
	statuses, _ := gateway.DescribeInstances(ctx, provider.Query{IDs: []string{id}})
	assert.Equal(t, provider.StateTerminated, statuses[0].State)

	err := gateway.TerminateInstances(ctx, []string{"i-unknown"})
	assert.Equal(t, provider.CodeInstanceNotFound, provider.ErrorCode(err))

	err = gateway.TagResources(ctx, []string{"i-unknown"}, map[string]string{"k": "v"})
	assert.Equal(t, provider.CodeInstanceNotFound, provider.ErrorCode(err))
}

func TestInjectedFailuresAndCalls(t *testing.T) {
	gateway, _ := newTestGateway()
	boom := errors.New("boom")
	gateway.Fail(OpLaunch, boom)

	_, err := gateway.LaunchInstance(context.Background(), provider.LaunchSpec{})
	assert.ErrorIs(t, err, boom)
	_, err = gateway.LaunchInstance(context.Background(), provider.LaunchSpec{})
	assert.NoError(t, err)
	assert.Equal(t, 2, gateway.Calls(OpLaunch))
}

func TestDescribeImagesByID(t *testing.T) {
	gateway, _ := newTestGateway()

	images, err := gateway.DescribeImages(context.Background(), fleet.ImageQuery{ImageIDs: []string{"ami-local"}})
	require.NoError(t, err)
	require.Len(t, images, 1)

	images, err = gateway.DescribeImages(context.Background(), fleet.ImageQuery{ImageIDs: []string{"ami-other"}})
	require.NoError(t, err)
	assert.Empty(t, images)
}
