// Package hyperdeck maintains a live view of a Blackmagic HyperDeck's
// transport status, active slot and current clip over its TCP line protocol.
package hyperdeck

import (
	"bufio"
	"cmp"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/superdash/superdash/internal/domain"
	"github.com/superdash/superdash/internal/event"
)

const (
	defaultPort    = 9993
	connectTimeout = 5 * time.Second
	writeTimeout   = 2 * time.Second
	settleDelay    = 100 * time.Millisecond // let the device's banner settle before subscribing
	pollInterval   = 2 * time.Second        // safety net against missed notifications
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Params contains the parameters for building a new client.
type Params struct {
	DeviceID int
	IP       string
	Port     int // defaults to 9993
	EventC   chan<- event.Event
	Logger   *slog.Logger
}

// Client is a HyperDeck protocol client. It dials the device once started
// and reconnects internally with exponential backoff; it is never recreated.
type Client struct {
	id     int
	addr   string
	eventC chan<- event.Event
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// session state, owned by the read loop and reset on every connection
	state       domain.TransportState
	timecode    string
	filename    string
	activeSlot  string
	pendingSlot bool
	emitted     bool
	lastEmitted event.DeviceStateChangedEvent
}

// NewClient creates a new client.
func NewClient(params Params) *Client {
	return &Client{
		id:     params.DeviceID,
		addr:   net.JoinHostPort(params.IP, fmt.Sprint(cmp.Or(params.Port, defaultPort))),
		eventC: params.EventC,
		logger: params.Logger.With("component", "hyperdeck", "device_id", params.DeviceID),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Close disconnects intentionally: it cancels any pending reconnect and
// suppresses further events. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})

	c.wg.Wait()
	return nil
}

func (c *Client) run() {
	defer c.wg.Done()

	backoff := initialBackoff

	for {
		if c.isClosed() {
			return
		}

		conn, err := net.DialTimeout("tcp", c.addr, connectTimeout)
		if err != nil {
			c.logger.Info("Connect failed", "err", err, "backoff", backoff)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if c.isClosed() {
			conn.Close()
			return
		}

		backoff = initialBackoff
		c.setConn(conn)

		c.logger.Info("Connected")
		c.emit(event.DeviceConnectedEvent{ID: c.id})

		c.session(conn)
		c.setConn(nil)
		conn.Close()

		if c.isClosed() {
			return
		}

		c.logger.Info("Disconnected", "backoff", backoff)
		c.emit(event.DeviceDisconnectedEvent{ID: c.id})

		if !c.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// nextBackoff doubles the reconnect delay up to maxBackoff, yielding
// 1s, 2s, 4s, 8s, 16s, 30s, 30s, ... from initialBackoff.
func nextBackoff(d time.Duration) time.Duration {
	return min(d*2, maxBackoff)
}

// session drives a single connection until it fails or the client is closed.
func (c *Client) session(conn net.Conn) {
	c.resetSession()

	var writeMu sync.Mutex
	send := func(cmd string) {
		writeMu.Lock()
		defer writeMu.Unlock()

		conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
		if _, err := fmt.Fprintf(conn, "%s\r\n", cmd); err != nil {
			c.logger.Error("Write failed", "cmd", cmd, "err", err)
			conn.Close()
		}
	}

	// Post-connect sequence: subscribe to transport and slot notifications,
	// then request the initial transport state.
	settle := time.AfterFunc(settleDelay, func() {
		send("notify: transport: true")
		send("notify: slot: true")
		send("transport info")
	})
	defer settle.Stop()

	pollDone := make(chan struct{})
	defer close(pollDone)
	go c.pollLoop(send, pollDone)

	var p parser
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if r := p.feed(scanner.Text()); r != nil {
			c.handleResponse(r, send)
		}
	}

	if err := scanner.Err(); err != nil && !c.isClosed() {
		c.logger.Error("Read failed", "err", err)
		c.emit(event.DeviceErrorEvent{ID: c.id, Err: err})
	}
}

// pollLoop periodically re-requests transport and slot info in case a
// notification was missed.
func (c *Client) pollLoop(send func(string), done <-chan struct{}) {
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-poll.C:
			send("transport info")
			if slot := c.currentSlot(); slot != "" {
				send("slot info: slot id: " + slot)
			}
		case <-done:
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleResponse(r *response, send func(string)) {
	switch {
	case strings.Contains(r.name, "transport info"):
		c.applyTransport(r.fields, send)
	case strings.Contains(r.name, "slot info"):
		c.applySlot(r.fields)
	case r.code >= 100 && r.code < 200:
		// 1xx are failure responses.
		c.logger.Warn("Device reported error", "code", r.code, "name", r.name)
	default:
		c.logger.Debug("Ignoring response", "code", r.code, "name", r.name)
	}
}

func (c *Client) applyTransport(fields map[string]string, send func(string)) {
	if status, ok := fields["status"]; ok {
		c.state = normalizeStatus(status)
	}

	// Prefer the display timecode, which respects the device's drop-frame
	// setting.
	tc := cmp.Or(fields["display_timecode"], fields["timecode"])
	if tc != "" {
		normalized, ok := normalizeTimecode(tc)
		if !ok {
			c.logger.Warn("Unexpected timecode format", "timecode", tc)
		}
		c.timecode = normalized
	}

	if slot, ok := fields["active_slot"]; ok && slot != "" && slot != c.currentSlot() {
		c.setSlot(slot)
		// Hold emission until the slot's clip name arrives, so a slot change
		// never surfaces with the previous slot's filename.
		c.pendingSlot = true
		send("slot info: slot id: " + slot)
	}

	if !c.pendingSlot {
		c.maybeEmit()
	}
}

func (c *Client) applySlot(fields map[string]string) {
	if name, ok := fields["clip_name"]; ok {
		c.filename = basename(name)
	}

	c.pendingSlot = false
	c.maybeEmit()
}

// maybeEmit emits a state event only when any of state, timecode or filename
// differs from the last emitted value.
func (c *Client) maybeEmit() {
	evt := event.DeviceStateChangedEvent{
		ID:       c.id,
		State:    c.state,
		Timecode: c.timecode,
		Filename: c.filename,
	}

	if c.emitted && evt == c.lastEmitted {
		return
	}

	c.emitted = true
	c.lastEmitted = evt
	c.emit(evt)
}

func (c *Client) resetSession() {
	c.state = domain.TransportStateStop
	c.timecode = domain.InitialTimecode
	c.filename = ""
	c.setSlot("")
	c.pendingSlot = false
	c.emitted = false
}

func (c *Client) emit(evt event.Event) {
	select {
	case c.eventC <- evt:
	case <-c.done:
	}
}

// sleep waits for d, returning false if the client was closed first.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) currentSlot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSlot
}

func (c *Client) setSlot(slot string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeSlot = slot
}

// basename strips any path prefix, tolerating both separator styles.
func basename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}

	return name
}
