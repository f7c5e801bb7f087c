package notify

import "sync"

// MemoryHub fans changes out between in-process buses. Each simulated
// execution context takes its own bus from the hub; a change published on
// one bus is delivered to every other bus.
type MemoryHub struct {
	mu    sync.Mutex
	buses []*MemoryBus
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{}
}

// Bus creates a new bus attached to the hub for the given origin. Changes
// published with that origin are not echoed back to it.
func (h *MemoryHub) Bus(origin string) *MemoryBus {
	b := &MemoryBus{
		hub:    h,
		origin: origin,
		events: make(chan Change, 64),
	}
	h.mu.Lock()
	h.buses = append(h.buses, b)
	h.mu.Unlock()
	return b
}

func (h *MemoryHub) broadcast(c Change) {
	h.mu.Lock()
	buses := make([]*MemoryBus, len(h.buses))
	copy(buses, h.buses)
	h.mu.Unlock()

	for _, b := range buses {
		b.deliver(c)
	}
}

func (h *MemoryHub) remove(bus *MemoryBus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.buses {
		if b == bus {
			h.buses = append(h.buses[:i], h.buses[i+1:]...)
			return
		}
	}
}

// MemoryBus is the channel-backed Bus implementation used in tests and
// single-process wiring.
type MemoryBus struct {
	hub    *MemoryHub
	origin string

	mu     sync.Mutex
	closed bool
	events chan Change
}

// Publish forwards the change to every other bus on the hub.
func (b *MemoryBus) Publish(c Change) {
	if c.Origin == "" {
		c.Origin = b.origin
	}
	b.hub.broadcast(c)
}

// Events returns the channel of changes published by other buses.
func (b *MemoryBus) Events() <-chan Change {
	return b.events
}

// Close detaches the bus from the hub and closes its channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.hub.remove(b)
	close(b.events)
	return nil
}

func (b *MemoryBus) deliver(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || c.Origin == b.origin {
		return
	}
	select {
	case b.events <- c:
	default:
		// Slow consumer: drop rather than block the publisher. The
		// periodic sync pass reconciles anything missed.
	}
}
