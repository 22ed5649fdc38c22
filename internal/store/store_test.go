package store_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/superdash/superdash/internal/config"
	"github.com/superdash/superdash/internal/domain"
	"github.com/superdash/superdash/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore() *store.Store {
	return store.New([]config.Device{
		{ID: 1, Name: "Deck", Type: "hyperdeck", IP: "10.0.0.1", Port: 9993, Framerate: 25},
		{ID: 2, Name: "Mixer", Type: "vmix", IP: "10.0.0.2", Port: 8088, Framerate: 50},
	})
}

func TestNew(t *testing.T) {
	s := newStore()

	dev, ok := s.Get(1)
	require.True(t, ok)

	want := domain.DeviceState{
		ID:        1,
		Name:      "Deck",
		Type:      domain.DeviceTypeHyperDeck,
		IP:        "10.0.0.1",
		Port:      9993,
		Framerate: 25,
		State:     domain.TransportStateOffline,
		Timecode:  domain.InitialTimecode,
	}
	assert.Empty(t, cmp.Diff(want, dev, cmpopts.IgnoreFields(domain.DeviceState{}, "Updated")))
	assert.False(t, dev.Connected)
}

func TestApply(t *testing.T) {
	s := newStore()

	before, _ := s.Get(1)

	updated, ok := s.Apply(1, func(dev *domain.DeviceState) {
		dev.State = domain.TransportStatePlay
		dev.Connected = true
		dev.Timecode = "00:00:10:00"
	})
	require.True(t, ok)
	assert.Equal(t, domain.TransportStatePlay, updated.State)
	assert.GreaterOrEqual(t, updated.Updated, before.Updated)

	// Unknown ids are rejected.
	_, ok = s.Apply(99, func(dev *domain.DeviceState) {})
	assert.False(t, ok)
}

func TestUpdatedMonotonic(t *testing.T) {
	s := newStore()

	var last int64
	for range 50 {
		updated, ok := s.Apply(2, func(dev *domain.DeviceState) {
			dev.State = domain.TransportStateStop
		})
		require.True(t, ok)
		require.GreaterOrEqual(t, updated.Updated, last)
		last = updated.Updated
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newStore()

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, []int{1, 2}, []int{snap[0].ID, snap[1].ID})

	snap[0].State = domain.TransportStateRec

	dev, _ := s.Get(1)
	assert.Equal(t, domain.TransportStateOffline, dev.State)
}

func TestConnectedCount(t *testing.T) {
	s := newStore()
	assert.Equal(t, 0, s.ConnectedCount())

	s.Apply(1, func(dev *domain.DeviceState) { dev.Connected = true })
	assert.Equal(t, 1, s.ConnectedCount())
	assert.Equal(t, 2, s.Len())
}
