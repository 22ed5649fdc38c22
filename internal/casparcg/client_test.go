package casparcg_test

import (
	"net"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/superdash/superdash/internal/casparcg"
	"github.com/superdash/superdash/internal/domain"
	"github.com/superdash/superdash/internal/event"
	"github.com/superdash/superdash/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeUDPPort reserves an ephemeral UDP port and returns it.
func freeUDPPort(t *testing.T) int {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())

	return port
}

func sendPacket(t *testing.T, port int, pkt osc.Packet) {
	t.Helper()

	data, err := pkt.MarshalBinary()
	require.NoError(t, err)

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(data)
	require.NoError(t, err)
}

func nextEvent(t *testing.T, eventC <-chan event.Event) event.Event {
	t.Helper()

	select {
	case evt := <-eventC:
		return evt
	case <-time.After(3 * time.Second):
		require.Fail(t, "timeout waiting for event")
		return nil
	}
}

func waitForEvent[T event.Event](t *testing.T, eventC <-chan event.Event) T {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-eventC:
			if want, ok := evt.(T); ok {
				return want
			}
		case <-deadline:
			var zero T
			require.Failf(t, "timeout", "waiting for %T", zero)
			return *new(T)
		}
	}
}

func playBundle(t *testing.T) *osc.Bundle {
	t.Helper()

	bundle := osc.NewBundle(time.Now())
	require.NoError(t, bundle.Append(osc.NewMessage("/channel/1/stage/layer/10/file/path", "clips/show.mov")))
	require.NoError(t, bundle.Append(osc.NewMessage("/channel/1/stage/layer/10/file/frame", int32(250))))
	require.NoError(t, bundle.Append(osc.NewMessage("/channel/1/stage/layer/10/paused", int32(0))))

	return bundle
}

func TestClientPlayingBundle(t *testing.T) {
	port := freeUDPPort(t)
	listener := casparcg.NewListener(port, testhelpers.NewTestLogger(t))

	eventC := make(chan event.Event, 16)
	client := casparcg.NewClient(casparcg.ClientParams{
		DeviceID:  4,
		IP:        "127.0.0.1",
		Framerate: 50,
		EventC:    eventC,
		Logger:    testhelpers.NewTestLogger(t),
	})
	client.Start()
	defer client.Close()

	require.NoError(t, listener.Register(client))
	defer listener.Unregister(client)

	sendPacket(t, port, playBundle(t))

	connected := waitForEvent[event.DeviceConnectedEvent](t, eventC)
	assert.Equal(t, 4, connected.ID)

	state := waitForEvent[event.DeviceStateChangedEvent](t, eventC)
	assert.Equal(t, event.DeviceStateChangedEvent{
		ID:       4,
		State:    domain.TransportStatePlay,
		Timecode: "00:00:05:00",
		Filename: "show.mov",
	}, state)

	// An identical bundle must not re-emit.
	sendPacket(t, port, playBundle(t))

	select {
	case evt := <-eventC:
		_, isState := evt.(event.DeviceStateChangedEvent)
		assert.False(t, isState, "unexpected event: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientPausedIsStop(t *testing.T) {
	port := freeUDPPort(t)
	listener := casparcg.NewListener(port, testhelpers.NewTestLogger(t))

	eventC := make(chan event.Event, 16)
	client := casparcg.NewClient(casparcg.ClientParams{
		DeviceID:  1,
		IP:        "127.0.0.1",
		Framerate: 25,
		EventC:    eventC,
		Logger:    testhelpers.NewTestLogger(t),
	})
	client.Start()
	defer client.Close()

	require.NoError(t, listener.Register(client))
	defer listener.Unregister(client)

	bundle := osc.NewBundle(time.Now())
	require.NoError(t, bundle.Append(osc.NewMessage("/channel/1/stage/layer/10/file/path", "idle.mov")))
	require.NoError(t, bundle.Append(osc.NewMessage("/channel/1/stage/layer/10/paused", int32(1))))
	sendPacket(t, port, bundle)

	state := waitForEvent[event.DeviceStateChangedEvent](t, eventC)
	assert.Equal(t, domain.TransportStateStop, state.State)
	assert.Equal(t, "idle.mov", state.Filename)
}

func TestListenerDropsUnknownSources(t *testing.T) {
	port := freeUDPPort(t)
	listener := casparcg.NewListener(port, testhelpers.NewTestLogger(t))

	eventC := make(chan event.Event, 16)
	client := casparcg.NewClient(casparcg.ClientParams{
		DeviceID:  1,
		IP:        "10.99.99.99", // packets will come from 127.0.0.1
		Framerate: 25,
		EventC:    eventC,
		Logger:    testhelpers.NewTestLogger(t),
	})
	client.Start()
	defer client.Close()

	require.NoError(t, listener.Register(client))
	defer listener.Unregister(client)

	sendPacket(t, port, playBundle(t))

	select {
	case evt := <-eventC:
		require.Failf(t, "unexpected event", "%+v", evt)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestClientStaleDisconnect(t *testing.T) {
	port := freeUDPPort(t)
	listener := casparcg.NewListener(port, testhelpers.NewTestLogger(t))

	eventC := make(chan event.Event, 16)
	client := casparcg.NewClient(casparcg.ClientParams{
		DeviceID:     2,
		IP:           "127.0.0.1",
		Framerate:    25,
		StaleTimeout: 100 * time.Millisecond,
		EventC:       eventC,
		Logger:       testhelpers.NewTestLogger(t),
	})
	client.Start()
	defer client.Close()

	require.NoError(t, listener.Register(client))
	defer listener.Unregister(client)

	sendPacket(t, port, playBundle(t))
	waitForEvent[event.DeviceConnectedEvent](t, eventC)

	// The stale checker runs at 1 Hz; with a 100ms timeout the disconnect
	// arrives on its next tick.
	disconnected := waitForEvent[event.DeviceDisconnectedEvent](t, eventC)
	assert.Equal(t, 2, disconnected.ID)
}

func TestClientReconnectAfterStale(t *testing.T) {
	port := freeUDPPort(t)
	listener := casparcg.NewListener(port, testhelpers.NewTestLogger(t))

	eventC := make(chan event.Event, 16)
	client := casparcg.NewClient(casparcg.ClientParams{
		DeviceID:     3,
		IP:           "127.0.0.1",
		Framerate:    50,
		StaleTimeout: 100 * time.Millisecond,
		EventC:       eventC,
		Logger:       testhelpers.NewTestLogger(t),
	})
	client.Start()
	defer client.Close()

	require.NoError(t, listener.Register(client))
	defer listener.Unregister(client)

	sendPacket(t, port, playBundle(t))
	waitForEvent[event.DeviceConnectedEvent](t, eventC)
	waitForEvent[event.DeviceDisconnectedEvent](t, eventC)

	// Resumed traffic re-announces the connection strictly before any state
	// event, and the state is re-emitted even though it is unchanged.
	sendPacket(t, port, playBundle(t))

	connected, ok := nextEvent(t, eventC).(event.DeviceConnectedEvent)
	require.True(t, ok, "expected a connected event first")
	assert.Equal(t, 3, connected.ID)

	state, ok := nextEvent(t, eventC).(event.DeviceStateChangedEvent)
	require.True(t, ok, "expected a state event after reconnect")
	assert.Equal(t, domain.TransportStatePlay, state.State)
	assert.Equal(t, "show.mov", state.Filename)
}
