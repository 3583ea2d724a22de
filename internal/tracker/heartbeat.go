package tracker

import (
	"sort"
	"sync"
	"time"
)

// HeartbeatStore tracks the last online report of each device
type HeartbeatStore struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewHeartbeatStore creates an empty store
func NewHeartbeatStore() *HeartbeatStore {
	return &HeartbeatStore{lastSeen: make(map[string]time.Time)}
}

// Touch records a heartbeat. An older timestamp never replaces a newer one.
func (h *HeartbeatStore) Touch(deviceID string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.lastSeen[deviceID]; ok && prev.After(at) {
		return
	}
	h.lastSeen[deviceID] = at
}

// LastSeen returns the device's last heartbeat
func (h *HeartbeatStore) LastSeen(deviceID string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.lastSeen[deviceID]
	return t, ok
}

// Len returns the number of tracked devices
func (h *HeartbeatStore) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lastSeen)
}

// Sweep removes and returns, sorted, every device silent for longer than threshold.
// Ages are computed under the lock, so a heartbeat recorded before the sweep
// acquires it always keeps the device.
func (h *HeartbeatStore) Sweep(threshold time.Duration, now time.Time) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var stale []string
	for id, seen := range h.lastSeen {
		if now.Sub(seen) > threshold {
			stale = append(stale, id)
			delete(h.lastSeen, id)
		}
	}
	sort.Strings(stale)
	return stale
}
