package hyperdeck_test

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/superdash/superdash/internal/domain"
	"github.com/superdash/superdash/internal/event"
	"github.com/superdash/superdash/internal/hyperdeck"
	"github.com/superdash/superdash/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDeck is a minimal HyperDeck control endpoint.
type fakeDeck struct {
	t  *testing.T
	ln net.Listener
}

func newFakeDeck(t *testing.T) *fakeDeck {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	d := &fakeDeck{t: t, ln: ln}
	go d.serve()

	return d
}

func (d *fakeDeck) port() int {
	return d.ln.Addr().(*net.TCPAddr).Port
}

func (d *fakeDeck) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *fakeDeck) handle(conn net.Conn) {
	defer conn.Close()

	conn.Write([]byte("500 connection info:\r\nprotocol version: 1.11\r\nmodel: HyperDeck Studio Mini\r\n\r\n")) //nolint:errcheck

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "transport info":
			conn.Write([]byte("208 transport info:\r\nstatus: play\r\ndisplay timecode: 01:23:45:12\r\nactive slot: 1\r\n\r\n")) //nolint:errcheck
		case strings.HasPrefix(line, "slot info:"):
			conn.Write([]byte("202 slot info:\r\nslot id: 1\r\nclip name: clip.mov\r\n\r\n")) //nolint:errcheck
		case strings.HasPrefix(line, "notify:"):
			conn.Write([]byte("200 ok\r\n")) //nolint:errcheck
		}
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

func TestClientTransportAndSlot(t *testing.T) {
	deck := newFakeDeck(t)
	eventC := make(chan event.Event, 16)

	client := hyperdeck.NewClient(hyperdeck.Params{
		DeviceID: 3,
		IP:       "127.0.0.1",
		Port:     deck.port(),
		EventC:   eventC,
		Logger:   testhelpers.NewTestLogger(t),
	})
	client.Start()
	defer client.Close()

	connected := waitForEvent[event.DeviceConnectedEvent](t, eventC)
	assert.Equal(t, 3, connected.ID)

	// The transport block names active slot 1, so the client holds emission
	// until the slot's clip name has arrived: one event with all three
	// fields.
	state := waitForEvent[event.DeviceStateChangedEvent](t, eventC)
	assert.Equal(t, event.DeviceStateChangedEvent{
		ID:       3,
		State:    domain.TransportStatePlay,
		Timecode: "01:23:45:12",
		Filename: "clip.mov",
	}, state)

	// Identical follow-up responses must not re-emit.
	select {
	case evt := <-eventC:
		_, isState := evt.(event.DeviceStateChangedEvent)
		assert.False(t, isState, "unexpected state event: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	// Accept one connection and drop it immediately.
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		ln.Close()
	}()

	eventC := make(chan event.Event, 16)
	client := hyperdeck.NewClient(hyperdeck.Params{
		DeviceID: 1,
		IP:       "127.0.0.1",
		Port:     port,
		EventC:   eventC,
		Logger:   testhelpers.NewTestLogger(t),
	})
	client.Start()
	defer client.Close()

	waitForEvent[event.DeviceConnectedEvent](t, eventC)
	waitForEvent[event.DeviceDisconnectedEvent](t, eventC)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	eventC := make(chan event.Event, 16)
	client := hyperdeck.NewClient(hyperdeck.Params{
		DeviceID: 1,
		IP:       "127.0.0.1",
		Port:     1, // nothing listens here
		EventC:   eventC,
		Logger:   testhelpers.NewTestLogger(t),
	})
	client.Start()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}
