package agent

import (
	"slices"
	"sync"

	"github.com/koltyakov/fleetlink/internal/tunnel"
)

const hubBuffer = 8

// statusHub keeps the latest tunnel status and fans it out to watchers. It
// outlives individual supervisors, which are replaced on every OPEN_TUNNEL.
type statusHub struct {
	mu       sync.Mutex
	last     tunnel.Status
	watchers map[int]chan tunnel.Status
	nextID   int
}

func newStatusHub() *statusHub {
	return &statusHub{
		last:     tunnel.Status{State: tunnel.StateNotRunning},
		watchers: map[int]chan tunnel.Status{},
	}
}

func (h *statusHub) publish(st tunnel.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = copyStatus(st)
	for _, ch := range h.watchers {
		select {
		case ch <- copyStatus(st):
		default:
		}
	}
}

func (h *statusHub) current() tunnel.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyStatus(h.last)
}

func (h *statusHub) watch() (<-chan tunnel.Status, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan tunnel.Status, hubBuffer)
	h.watchers[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.watchers[id]; ok {
			delete(h.watchers, id)
			close(ch)
		}
	}
}

func copyStatus(st tunnel.Status) tunnel.Status {
	st.Command = slices.Clone(st.Command)
	return st
}
