package controller

import (
	"log/slog"
	"testing"
	"time"

	"github.com/gammadia/farmhand/provider/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWorkerReconcilesPeriodically(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testCloud(testTemplate("linux", "linux")))
	instance := h.provision("linux")
	worker := NewWorker(h.controller)

	require.NoError(t, h.clock.WaitAdvance(30*time.Second, time.Second, 1))
	require.Eventually(t, func() bool {
		return h.gateway.Calls(local.OpDescribeInstances) >= 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.clock.WaitAdvance(30*time.Second, time.Second, 1))
	require.Eventually(t, func() bool {
		return instance.State() == StateReady
	}, time.Second, 10*time.Millisecond)

	worker.Kill()
	assert.NoError(t, worker.Wait())
}

func TestWorkerSurvivesFailedPasses(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, testCloud(testTemplate("linux", "linux")))
	h.provision("linux")
	h.gateway.Fail(local.OpDescribeInstances, apiError("AuthFailure"))
	worker := NewWorker(h.controller)

	require.NoError(t, h.clock.WaitAdvance(30*time.Second, time.Second, 1))
	require.Eventually(t, func() bool {
		return len(h.logs.matching(slog.LevelWarn, "cloud", "test")) > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.clock.WaitAdvance(30*time.Second, time.Second, 1))
	require.Eventually(t, func() bool {
		return h.gateway.Calls(local.OpDescribeInstances) >= 3
	}, time.Second, 10*time.Millisecond)

	worker.Kill()
	assert.NoError(t, worker.Wait())
}
