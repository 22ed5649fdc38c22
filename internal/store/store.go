// Package store holds the authoritative device state map. Mutations happen
// only from the aggregation loop; snapshots are copy-on-read so the HTTP and
// broadcast paths can read concurrently.
package store

import (
	"sync"

	"github.com/superdash/superdash/internal/config"
	"github.com/superdash/superdash/internal/domain"
	"github.com/superdash/superdash/internal/timing"
)

// Store is the in-memory device state store.
type Store struct {
	mu      sync.RWMutex
	devices map[int]*domain.DeviceState
	order   []int // config order, for stable snapshots
}

// New builds a store with one offline state per configured device.
func New(devices []config.Device) *Store {
	s := &Store{
		devices: make(map[int]*domain.DeviceState, len(devices)),
		order:   make([]int, 0, len(devices)),
	}

	for _, dev := range devices {
		s.devices[dev.ID] = &domain.DeviceState{
			ID:        dev.ID,
			Name:      dev.Name,
			Type:      dev.DeviceType(),
			IP:        dev.IP,
			Port:      dev.Port,
			Framerate: dev.Framerate,
			State:     domain.TransportStateOffline,
			Timecode:  domain.InitialTimecode,
			Updated:   timing.Millis(),
		}
		s.order = append(s.order, dev.ID)
	}

	return s
}

// Apply mutates the state for id under the lock and refreshes its monotonic
// update timestamp. It returns the updated state and false if the id is
// unknown.
func (s *Store) Apply(id int, fn func(*domain.DeviceState)) (domain.DeviceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[id]
	if !ok {
		return domain.DeviceState{}, false
	}

	fn(dev)
	dev.Updated = timing.Millis()

	return *dev, true
}

// Get returns a copy of the state for id.
func (s *Store) Get(id int) (domain.DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devices[id]
	if !ok {
		return domain.DeviceState{}, false
	}

	return *dev, true
}

// Snapshot returns a copy of all device states in configuration order.
func (s *Store) Snapshot() []domain.DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.DeviceState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.devices[id])
	}

	return out
}

// Len returns the number of devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.order)
}

// ConnectedCount returns the number of devices currently connected.
func (s *Store) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	for _, dev := range s.devices {
		if dev.Connected {
			n++
		}
	}

	return n
}
