// Package casparcg ingests the OSC bundles CasparCG servers push over UDP.
// A single shared listener owns the UDP socket and demultiplexes packets to
// per-server clients by source address.
package casparcg

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/hypebeast/go-osc/osc"
)

const defaultPort = 6250

// Listener is the shared UDP listener. The socket is opened when the first
// client registers and closed when the last one unregisters. The registry is
// keyed by source IP: two channels on one host share a client slot, the last
// registration winning.
//
// TODO: key the registry by (ip, channel, layer) so multiple channels per
// host can coexist; requires fanning one datagram out to several clients.
type Listener struct {
	port   int
	logger *slog.Logger

	mu       sync.Mutex
	conn     *net.UDPConn
	clients  map[string]*Client
	running  bool
	starting bool
	wg       sync.WaitGroup
}

// NewListener creates a listener for the given UDP port (default 6250). The
// socket is not opened until a client registers.
func NewListener(port int, logger *slog.Logger) *Listener {
	if port == 0 {
		port = defaultPort
	}

	return &Listener{
		port:    port,
		logger:  logger.With("component", "casparcg_listener"),
		clients: make(map[string]*Client),
	}
}

// Register adds a client to the registry, opening the socket if this is the
// first registration.
func (l *Listener) Register(client *Client) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.clients[client.IP()] = client

	switch {
	case l.running:
		client.listenerReady()
		return nil
	case l.starting:
		// Another registration is mid-open; the ready callback covers us.
		return nil
	}

	l.starting = true

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: l.port})
	if err != nil {
		l.starting = false
		delete(l.clients, client.IP())
		return fmt.Errorf("listen udp :%d: %w", l.port, err)
	}

	l.conn = conn
	l.running = true
	l.starting = false

	l.logger.Info("Listening", "addr", conn.LocalAddr())

	l.wg.Add(1)
	go l.readLoop(conn)

	for _, c := range l.clients {
		c.listenerReady()
	}

	return nil
}

// Unregister removes a client. Closing the socket happens only when the
// registry becomes empty.
func (l *Listener) Unregister(client *Client) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.clients[client.IP()] == client {
		delete(l.clients, client.IP())
	}

	if len(l.clients) == 0 && l.running {
		l.conn.Close()
		l.conn = nil
		l.running = false
		l.starting = false
	}
}

// Port returns the UDP port the listener binds.
func (l *Listener) Port() int {
	return l.port
}

func (l *Listener) readLoop(conn *net.UDPConn) {
	defer l.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed by Unregister.
			return
		}

		l.mu.Lock()
		client := l.clients[addr.IP.String()]
		l.mu.Unlock()

		if client == nil {
			// Unknown sources are dropped silently.
			continue
		}

		pkt, err := osc.ParsePacket(string(buf[:n]))
		if err != nil {
			l.logger.Debug("Malformed OSC packet", "source", addr, "err", err)
			continue
		}

		client.handlePacket(pkt)
	}
}
