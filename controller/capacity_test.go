package controller

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gammadia/farmhand/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(cloudCap int, templateCaps ...int) *CapacityTracker {
	cloud := &fleet.CloudProfile{Name: "cloud", InstanceCap: cloudCap}
	for i, limit := range templateCaps {
		cloud.Templates = append(cloud.Templates, &fleet.Template{ID: string(rune('a' + i)), InstanceCap: limit})
	}
	tracker := NewCapacityTracker()
	tracker.Register(cloud)
	return tracker
}

func TestTryReserveRespectsTemplateCap(t *testing.T) {
	tracker := newTestTracker(0, 2)

	_, err := tracker.TryReserve("a", "cloud")
	require.NoError(t, err)
	_, err = tracker.TryReserve("a", "cloud")
	require.NoError(t, err)
	_, err = tracker.TryReserve("a", "cloud")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	assert.Equal(t, Usage{Used: 2, Cap: 2}, tracker.TemplateUsage("cloud", "a"))
	assert.Equal(t, Usage{Used: 2, Cap: 0}, tracker.CloudUsage("cloud"))
}

func TestTryReserveRespectsCloudCap(t *testing.T) {
	tracker := newTestTracker(2, 0, 0)

	_, err := tracker.TryReserve("a", "cloud")
	require.NoError(t, err)
	_, err = tracker.TryReserve("b", "cloud")
	require.NoError(t, err)
	_, err = tracker.TryReserve("a", "cloud")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	_, err = tracker.TryReserve("b", "cloud")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestReleaseIsIdempotent(t *testing.T) {
	tracker := newTestTracker(0, 1)

	r, err := tracker.TryReserve("a", "cloud")
	require.NoError(t, err)
	assert.True(t, tracker.Release(r))
	assert.False(t, tracker.Release(r))
	assert.Equal(t, 0, tracker.TemplateUsage("cloud", "a").Used)

	_, err = tracker.TryReserve("a", "cloud")
	assert.NoError(t, err)
}

func TestReleaseAfterConfirmIsNoop(t *testing.T) {
	tracker := newTestTracker(0, 1)

	r, err := tracker.TryReserve("a", "cloud")
	require.NoError(t, err)
	assert.True(t, tracker.Confirm(r))
	assert.False(t, tracker.Release(r))
	assert.Equal(t, 1, tracker.TemplateUsage("cloud", "a").Used)

	assert.True(t, tracker.Retire(r))
	assert.False(t, tracker.Retire(r))
	assert.False(t, tracker.Settle(r))
	assert.Equal(t, 0, tracker.TemplateUsage("cloud", "a").Used)
}

func TestConfirmAfterReleaseFails(t *testing.T) {
	tracker := newTestTracker(0, 1)

	r, err := tracker.TryReserve("a", "cloud")
	require.NoError(t, err)
	assert.True(t, tracker.Settle(r))
	assert.False(t, tracker.Confirm(r))
	assert.Equal(t, 0, tracker.TemplateUsage("cloud", "a").Used)
}

func TestAdoptIsForced(t *testing.T) {
	tracker := newTestTracker(1, 1)

	_, err := tracker.TryReserve("a", "cloud")
	require.NoError(t, err)
	adopted := tracker.Adopt("a", "cloud")
	assert.Equal(t, 2, tracker.TemplateUsage("cloud", "a").Used)

	assert.True(t, tracker.Retire(adopted))
	assert.Equal(t, 1, tracker.CloudUsage("cloud").Used)
}

func TestTryReserveConcurrent(t *testing.T) {
	const limit = 7
	tracker := newTestTracker(limit+3, limit, 0)

	var successes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tracker.TryReserve("a", "cloud"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(limit), successes.Load())
	assert.Equal(t, limit, tracker.TemplateUsage("cloud", "a").Used)
	assert.Equal(t, limit, tracker.CloudUsage("cloud").Used)
}

func TestTryReserveConcurrentAcrossTemplates(t *testing.T) {
	const limit = 5
	tracker := newTestTracker(limit, 0, 0)

	var successes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			template := []string{"a", "b"}[i%2]
			if r, err := tracker.TryReserve(template, "cloud"); err == nil {
				successes.Add(1)
				if i%3 == 0 {
					tracker.Release(r)
					successes.Add(-1)
				}
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, successes.Load(), int32(limit))
	assert.Equal(t, int(successes.Load()), tracker.CloudUsage("cloud").Used)
}
