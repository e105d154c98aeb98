package controller

import "sync"

type Event interface{}

type EventInstanceRequested struct {
	Instance string
	Template string
	Cloud    string
}

type EventInstanceStateChanged struct {
	Instance   string
	InstanceID string
	From       State
	To         State
	Error      string
}

type EventInstanceAdopted struct {
	Instance   string
	InstanceID string
	Template   string
	State      State
}

type EventInstanceRemoved struct {
	Instance   string
	InstanceID string
}

type broadcaster struct {
	mu        sync.Mutex
	listeners []chan Event
}

// Subscribe returns a channel receiving every controller event, and a function to unsubscribe.
// Slow listeners miss events rather than blocking the controller.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	listener := make(chan Event, 256)
	b.listeners = append(b.listeners, listener)

	return listener, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, l := range b.listeners {
			if l == listener {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				close(listener)
				return
			}
		}
	}
}

func (b *broadcaster) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
		}
	}
}
