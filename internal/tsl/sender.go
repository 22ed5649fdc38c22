// Package tsl builds and sends TSL UMD v5.0 packets to tally displays over
// UDP.
package tsl

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/superdash/superdash/internal/config"
	"github.com/superdash/superdash/internal/domain"
	"github.com/superdash/superdash/internal/timing"
)

const (
	defaultPort            = 4003
	defaultRefreshInterval = 200 * time.Millisecond

	// broadcastIndex is reserved by the protocol and must never be used as a
	// display index.
	broadcastIndex = 0xFFFF
)

// Tally and brightness values.
const (
	tallyOff   = 0
	tallyRed   = 1
	tallyGreen = 2
	tallyAmber = 3

	brightnessOff    = 0
	brightnessDim    = 1
	brightnessMedium = 2
	brightnessFull   = 3
)

// controlWord packs the tally and brightness fields of the CONTROL word.
func controlWord(rh, txt, lh, brightness uint16) uint16 {
	return rh&3 | (txt&3)<<2 | (lh&3)<<4 | (brightness&3)<<6
}

// stateControl maps a transport state to its CONTROL word: play lights the
// right-hand and text tallies red, rec lights them amber, stop is dark at
// full brightness and offline dims the display.
func stateControl(state domain.TransportState) uint16 {
	switch state {
	case domain.TransportStatePlay:
		return controlWord(tallyRed, tallyRed, tallyOff, brightnessFull)
	case domain.TransportStateRec:
		return controlWord(tallyAmber, tallyAmber, tallyOff, brightnessFull)
	case domain.TransportStateOffline:
		return controlWord(tallyOff, tallyOff, tallyOff, brightnessDim)
	default:
		return controlWord(tallyOff, tallyOff, tallyOff, brightnessFull)
	}
}

// buildPacket assembles a v5.0 packet: everything is little-endian, and the
// leading PBC counts the total packet length including itself.
func buildPacket(screen, index, control uint16, text string) []byte {
	textBytes := []byte(text)

	pkt := make([]byte, 12+len(textBytes))
	binary.LittleEndian.PutUint16(pkt[0:2], uint16(len(pkt))) // PBC
	pkt[2] = 0x80                                             // VER
	pkt[3] = 0x00                                             // FLAGS
	binary.LittleEndian.PutUint16(pkt[4:6], screen)
	binary.LittleEndian.PutUint16(pkt[6:8], index)
	binary.LittleEndian.PutUint16(pkt[8:10], control)
	binary.LittleEndian.PutUint16(pkt[10:12], uint16(len(textBytes)))
	copy(pkt[12:], textBytes)

	return pkt
}

// Params contains the parameters for building a new sender.
type Params struct {
	Destinations    []config.Destination
	Screen          int
	RefreshInterval time.Duration // defaults to 200ms
	Logger          *slog.Logger
}

// Sender sends one packet per device on every state or name change, and a
// background round-robin refresh repairs lost datagrams within one cycle per
// device.
type Sender struct {
	destinations    []config.Destination
	screen          uint16
	refreshInterval time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	addrs   []*net.UDPAddr
	running bool
	devices map[int]*deviceEntry
	order   []int
	rrNext  int
	ticker  *timing.Ticker
	done    chan struct{}
	wg      sync.WaitGroup
}

type deviceEntry struct {
	name  string
	state domain.TransportState
}

// NewSender creates a new sender.
func NewSender(params Params) *Sender {
	return &Sender{
		destinations:    params.Destinations,
		screen:          uint16(params.Screen),
		refreshInterval: cmp.Or(params.RefreshInterval, defaultRefreshInterval),
		logger:          params.Logger.With("component", "tsl"),
		devices:         make(map[int]*deviceEntry),
	}
}

// Start opens the UDP socket, enables broadcast and starts the refresh loop.
// It is a no-op when no destinations are configured, and idempotent when
// already running.
func (s *Sender) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || len(s.destinations) == 0 {
		return nil
	}

	addrs := make([]*net.UDPAddr, 0, len(s.destinations))
	for _, dest := range s.destinations {
		ip := net.ParseIP(dest.Host)
		if ip == nil {
			return fmt.Errorf("invalid destination host %q", dest.Host)
		}
		addrs = append(addrs, &net.UDPAddr{IP: ip, Port: cmp.Or(dest.Port, defaultPort)})
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("open udp socket: %w", err)
	}

	if err := enableBroadcast(conn); err != nil {
		conn.Close()
		return fmt.Errorf("enable broadcast: %w", err)
	}

	// Only now may the sender report running; a socket that failed before
	// this point leaves it stopped with no refresh loop.
	s.conn = conn
	s.addrs = addrs
	s.running = true
	s.done = make(chan struct{})
	s.ticker = timing.NewTicker(s.refreshInterval)

	s.wg.Add(1)
	go s.refreshLoop(s.ticker, s.done)

	s.logger.Info("Started", "destinations", len(addrs), "screen", s.screen)

	return nil
}

// Stop closes the socket and stops the refresh loop. Safe to call more than
// once.
func (s *Sender) Stop() {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()
		return
	}

	s.running = false
	s.ticker.Stop()
	close(s.done)
	s.conn.Close()
	s.conn = nil
	s.mu.Unlock()

	s.wg.Wait()
}

// UpdateDevice records the device and sends a packet immediately when its
// name or state changed.
func (s *Sender) UpdateDevice(id int, name string, state domain.TransportState) {
	if id == broadcastIndex || id < 0 || id > broadcastIndex {
		// The broadcast index is reserved; config validation should have
		// caught this.
		s.logger.Warn("Refusing reserved or out-of-range display index", "id", id)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	entry, ok := s.devices[id]
	if !ok {
		entry = &deviceEntry{}
		s.devices[id] = entry
		s.order = append(s.order, id)
	} else if entry.name == name && entry.state == state {
		return
	}

	entry.name = name
	entry.state = state

	s.sendLocked(id, entry)
}

// Status reports the sender state for the broadcast payload.
func (s *Sender) Status() domain.TSLStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.TSLStatus{
		Enabled:      len(s.destinations) > 0,
		Running:      s.running,
		Destinations: len(s.destinations),
		DeviceCount:  len(s.devices),
	}
}

// refreshLoop walks the device set round-robin, one device per tick.
func (s *Sender) refreshLoop(ticker *timing.Ticker, done <-chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-ticker.C:
			s.refreshNext()
		case <-done:
			return
		}
	}
}

func (s *Sender) refreshNext() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || len(s.order) == 0 {
		return
	}

	s.rrNext %= len(s.order)
	id := s.order[s.rrNext]
	s.rrNext++

	s.sendLocked(id, s.devices[id])
}

// sendLocked sends one packet for the device to every destination. A failure
// for one destination is logged and does not abort the others.
func (s *Sender) sendLocked(id int, entry *deviceEntry) {
	pkt := buildPacket(s.screen, uint16(id), stateControl(entry.state), entry.name)

	for _, addr := range s.addrs {
		if _, err := s.conn.WriteToUDP(pkt, addr); err != nil {
			s.logger.Error("Send failed", "dest", addr, "err", err)
		}
	}
}

// enableBroadcast sets SO_BROADCAST so broadcast-addressed destinations are
// permitted.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}

	return sockErr
}
