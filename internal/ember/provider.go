// Package ember exposes device state as a read-only Ember+ provider: an S101
// frame layer over TCP carrying BER-encoded Glow messages.
package ember

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/superdash/superdash/internal/domain"
)

const defaultPort = 9000

// Params contains the parameters for building a new provider.
type Params struct {
	Port      int    // defaults to 9000
	Interface string // bind address, defaults to all interfaces
	Logger    *slog.Logger
}

// Provider serves the device tree to Ember+ consumers. Consumers poll with
// getDirectory and receive per-parameter pushes on every state change; write
// attempts are rejected by re-asserting the current value.
type Provider struct {
	port   int
	iface  string
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	ln        net.Listener
	conns     map[*consumerConn]struct{}
	root      *node
	devices   map[int]*deviceParams
	count     *parameter
	wg        sync.WaitGroup
}

// consumerConn is one connected Ember+ consumer. Writes are serialised per
// connection since pushes and responses come from different goroutines.
type consumerConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *consumerConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.conn.Write(frame)
	return err
}

// NewProvider creates a new provider.
func NewProvider(params Params) *Provider {
	return &Provider{
		port:   cmp.Or(params.Port, defaultPort),
		iface:  params.Interface,
		logger: params.Logger.With("component", "ember"),
		conns:  make(map[*consumerConn]struct{}),
	}
}

// Start builds the tree for the given devices and begins accepting consumers.
// Idempotent when already running.
func (p *Provider) Start(devices []domain.DeviceState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	p.root, p.devices, p.count = buildTree(devices)

	ln, err := net.Listen("tcp", net.JoinHostPort(p.iface, fmt.Sprintf("%d", p.port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	p.ln = ln
	p.running = true

	p.wg.Add(1)
	go p.acceptLoop(ln)

	p.logger.Info("Started", "addr", ln.Addr(), "devices", len(devices))

	return nil
}

// Stop closes the listener and all consumer connections. Safe to call more
// than once.
func (p *Provider) Stop() {
	p.mu.Lock()

	if !p.running {
		p.mu.Unlock()
		return
	}

	p.running = false
	p.ln.Close()
	for c := range p.conns {
		c.conn.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Port returns the bound port, which may differ from the configured one when
// port 0 was requested.
func (p *Provider) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ln == nil {
		return p.port
	}

	return p.ln.Addr().(*net.TCPAddr).Port
}

// Status reports the provider state for the broadcast payload.
func (p *Provider) Status() domain.EmberStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return domain.EmberStatus{
		Enabled: true,
		Running: p.running,
		Port:    p.port,
	}
}

// UpdateDevice diffs the device's tree parameters against the new state and
// pushes each changed parameter to every connected consumer.
func (p *Provider) UpdateDevice(state domain.DeviceState) {
	p.mu.Lock()

	dp, ok := p.devices[state.ID]
	if !ok || !p.running {
		p.mu.Unlock()
		return
	}

	var updates [][]byte
	push := func(param *parameter, value any) {
		if param.value == value {
			return
		}
		param.value = value
		updates = append(updates,
			encodeQualifiedParameterValue(paramPath(state.ID, param.number), value))
	}

	push(dp.state, stateEnumValue(state.State))
	push(dp.timecode, state.Timecode)
	push(dp.filename, state.Filename)
	push(dp.connected, state.Connected)
	push(dp.devType, string(state.Type))

	frames := framesFor(updates)
	conns := p.connsLocked()
	p.mu.Unlock()

	p.broadcast(conns, frames)
}

// UpdateDeviceCount pushes the device count parameter when it changed.
func (p *Provider) UpdateDeviceCount(n int) {
	p.mu.Lock()

	if !p.running || p.count.value == int64(n) {
		p.mu.Unlock()
		return
	}
	p.count.value = int64(n)

	frames := framesFor([][]byte{encodeQualifiedParameterValue(countPath(), int64(n))})
	conns := p.connsLocked()
	p.mu.Unlock()

	p.broadcast(conns, frames)
}

func framesFor(updates [][]byte) [][]byte {
	frames := make([][]byte, 0, len(updates))
	for _, el := range updates {
		frames = append(frames, encodeFrame(cmdEmber, encodeRoot(el)))
	}

	return frames
}

func (p *Provider) connsLocked() []*consumerConn {
	conns := make([]*consumerConn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}

	return conns
}

func (p *Provider) broadcast(conns []*consumerConn, frames [][]byte) {
	for _, c := range conns {
		for _, frame := range frames {
			if err := c.write(frame); err != nil {
				p.logger.Debug("Push failed", "err", err)
				break
			}
		}
	}
}

func (p *Provider) acceptLoop(ln net.Listener) {
	defer p.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.logger.Error("Accept failed", "err", err)
			}
			return
		}

		c := &consumerConn{conn: conn}

		p.mu.Lock()
		if !p.running {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.conns[c] = struct{}{}
		p.mu.Unlock()

		p.logger.Info("Consumer connected", "remote", conn.RemoteAddr())

		p.wg.Add(1)
		go p.serveConn(c)
	}
}

func (p *Provider) serveConn(c *consumerConn) {
	defer p.wg.Done()
	defer func() {
		c.conn.Close()
		p.mu.Lock()
		delete(p.conns, c)
		p.mu.Unlock()
		p.logger.Info("Consumer disconnected", "remote", c.conn.RemoteAddr())
	}()

	var scanner frameScanner
	buf := make([]byte, 4096)

	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}

		for _, frame := range scanner.feed(buf[:n]) {
			if err := p.handleFrame(c, frame); err != nil {
				p.logger.Warn("Dropping bad frame", "err", err)
			}
		}
	}
}

func (p *Provider) handleFrame(c *consumerConn, frame []byte) error {
	cmd, payload, err := decodeFrame(frame)
	if err != nil {
		return err
	}

	switch cmd {
	case cmdKeepaliveRequest:
		return c.write(encodeFrame(cmdKeepaliveResponse, nil))
	case cmdKeepaliveResponse:
		return nil
	case cmdEmber:
	default:
		return fmt.Errorf("unknown command 0x%02X", cmd)
	}

	req, err := parseConsumerMessage(payload)
	if err != nil {
		return err
	}

	if req.getDirectory {
		p.mu.Lock()
		tree := encodeFrame(cmdEmber, encodeRoot(encodeNode(p.root)))
		p.mu.Unlock()

		if err := c.write(tree); err != nil {
			return err
		}
	}

	// The tree is read-only: reject writes by re-asserting the current value
	// so the consumer's UI snaps back.
	for _, w := range req.writes {
		p.rejectWrite(c, w.path)
	}

	return nil
}

func (p *Provider) rejectWrite(c *consumerConn, path []int) {
	p.logger.Warn("Rejecting write to read-only parameter", "path", path)

	p.mu.Lock()
	param := p.paramAtLocked(path)
	p.mu.Unlock()

	if param == nil {
		return
	}

	frame := encodeFrame(cmdEmber, encodeRoot(encodeQualifiedParameterValue(path, param.value)))
	if err := c.write(frame); err != nil {
		p.logger.Debug("Write rejection push failed", "err", err)
	}
}

func (p *Provider) paramAtLocked(path []int) *parameter {
	if len(path) == 3 && path[0] == numRoot && path[1] == numInfo {
		switch path[2] {
		case numInfoDeviceCount:
			return p.count
		case numInfoVersion:
			return &parameter{number: numInfoVersion, value: treeVersion}
		}
		return nil
	}

	if len(path) != 4 || path[0] != numRoot || path[1] != numDevices {
		return nil
	}

	dp, ok := p.devices[path[2]]
	if !ok {
		return nil
	}

	for _, param := range []*parameter{dp.state, dp.timecode, dp.filename, dp.connected, dp.devType} {
		if param.number == path[3] {
			return param
		}
	}

	return nil
}
