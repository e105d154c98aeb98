package controller

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gammadia/farmhand/fleet"
	"github.com/google/uuid"
)

var ErrCapacityExceeded = errors.New("capacity exceeded")

type reservationState int32

const (
	reservationPending reservationState = iota
	reservationConfirmed
	reservationReleased
	reservationRetired
)

// Reservation is a counted claim on the capacity of a template and its cloud.
//
// A reservation is pending until confirmed by a successful launch. Pending reservations are
// released when the launch does not happen, confirmed ones are retired when the instance ends.
type Reservation struct {
	ID       uuid.UUID
	Template string
	Cloud    string

	state atomic.Int32
}

func (r *Reservation) transition(from, to reservationState) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

type counter struct {
	mu   sync.Mutex
	cap  int
	used int
}

// full must be called with the lock held
func (c *counter) full() bool {
	return c.cap > 0 && c.used >= c.cap
}

// CapacityTracker counts instances per template and per cloud. Caps of 0 or less are
// unlimited. Locks are always taken template first, then cloud.
type CapacityTracker struct {
	mu        sync.RWMutex
	templates map[string]*counter
	clouds    map[string]*counter
}

func NewCapacityTracker() *CapacityTracker {
	return &CapacityTracker{
		templates: map[string]*counter{},
		clouds:    map[string]*counter{},
	}
}

// Register sets the caps of a cloud and its templates. Usage is preserved when re-registering.
func (t *CapacityTracker) Register(cloud *fleet.CloudProfile) {
	cloudCounter, _ := t.counters(cloud.Name, "")
	setCap(cloudCounter, cloud.InstanceCap)
	for _, template := range cloud.Templates {
		templateCounter, _ := t.counters(cloud.Name, template.ID)
		setCap(templateCounter, template.InstanceCap)
	}
}

func setCap(c *counter, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cap = limit
}

// counters returns the cloud counter, and the template counter when templateID is set
func (t *CapacityTracker) counters(cloudID, templateID string) (*counter, *counter) {
	key := cloudID + "/" + templateID

	t.mu.RLock()
	templateCounter, cloudCounter := t.templates[key], t.clouds[cloudID]
	t.mu.RUnlock()
	if cloudCounter != nil && (templateID == "" || templateCounter != nil) {
		if templateID == "" {
			return cloudCounter, nil
		}
		return templateCounter, cloudCounter
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clouds[cloudID] == nil {
		t.clouds[cloudID] = &counter{}
	}
	if templateID == "" {
		return t.clouds[cloudID], nil
	}
	if t.templates[key] == nil {
		t.templates[key] = &counter{}
	}
	return t.templates[key], t.clouds[cloudID]
}

// TryReserve claims one instance of capacity, or fails with ErrCapacityExceeded.
func (t *CapacityTracker) TryReserve(templateID, cloudID string) (*Reservation, error) {
	templateCounter, cloudCounter := t.counters(cloudID, templateID)

	templateCounter.mu.Lock()
	defer templateCounter.mu.Unlock()
	cloudCounter.mu.Lock()
	defer cloudCounter.mu.Unlock()

	if templateCounter.full() {
		return nil, fmt.Errorf("%w: template '%s' is at its cap of %d", ErrCapacityExceeded, templateID, templateCounter.cap)
	}
	if cloudCounter.full() {
		return nil, fmt.Errorf("%w: cloud '%s' is at its cap of %d", ErrCapacityExceeded, cloudID, cloudCounter.cap)
	}

	templateCounter.used++
	cloudCounter.used++
	return &Reservation{ID: uuid.New(), Template: templateID, Cloud: cloudID}, nil
}

// Adopt claims capacity for an instance found running at the provider. The claim is forced:
// the provider is authoritative about what exists, even beyond the caps.
func (t *CapacityTracker) Adopt(templateID, cloudID string) *Reservation {
	templateCounter, cloudCounter := t.counters(cloudID, templateID)

	templateCounter.mu.Lock()
	defer templateCounter.mu.Unlock()
	cloudCounter.mu.Lock()
	defer cloudCounter.mu.Unlock()

	templateCounter.used++
	cloudCounter.used++
	r := &Reservation{ID: uuid.New(), Template: templateID, Cloud: cloudID}
	r.state.Store(int32(reservationConfirmed))
	return r
}

// Confirm marks the reservation as backing a launched instance.
func (t *CapacityTracker) Confirm(r *Reservation) bool {
	return r != nil && r.transition(reservationPending, reservationConfirmed)
}

// Release gives back a pending reservation. It is a no-op for confirmed or already released ones.
func (t *CapacityTracker) Release(r *Reservation) bool {
	if r == nil || !r.transition(reservationPending, reservationReleased) {
		return false
	}
	t.decrement(r)
	return true
}

// Retire gives back a confirmed reservation, exactly once.
func (t *CapacityTracker) Retire(r *Reservation) bool {
	if r == nil || !r.transition(reservationConfirmed, reservationRetired) {
		return false
	}
	t.decrement(r)
	return true
}

// Settle gives back a reservation, whether it was confirmed or not.
func (t *CapacityTracker) Settle(r *Reservation) bool {
	return t.Retire(r) || t.Release(r)
}

func (t *CapacityTracker) decrement(r *Reservation) {
	templateCounter, cloudCounter := t.counters(r.Cloud, r.Template)

	templateCounter.mu.Lock()
	defer templateCounter.mu.Unlock()
	cloudCounter.mu.Lock()
	defer cloudCounter.mu.Unlock()

	templateCounter.used--
	cloudCounter.used--
}

type Usage struct {
	Used int `json:"used"`
	Cap  int `json:"cap"`
}

func (t *CapacityTracker) TemplateUsage(cloudID, templateID string) Usage {
	templateCounter, _ := t.counters(cloudID, templateID)
	return templateCounter.usage()
}

func (t *CapacityTracker) CloudUsage(cloudID string) Usage {
	cloudCounter, _ := t.counters(cloudID, "")
	return cloudCounter.usage()
}

func (c *counter) usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Usage{Used: c.used, Cap: c.cap}
}
