package casparcg

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/superdash/superdash/internal/domain"
	"github.com/superdash/superdash/internal/event"
	"github.com/superdash/superdash/internal/timecode"
)

const (
	defaultChannel      = 1
	defaultLayer        = 10
	defaultStaleTimeout = 5 * time.Second
	staleCheckInterval  = time.Second
)

// ClientParams contains the parameters for building a new client.
type ClientParams struct {
	DeviceID     int
	IP           string
	Channel      int           // defaults to 1
	Layer        int           // defaults to 10
	Framerate    float64       // fallback when the server has not reported fps
	StaleTimeout time.Duration // defaults to 5s
	EventC       chan<- event.Event
	Logger       *slog.Logger
}

// Client consumes the OSC messages of one CasparCG server, watching a single
// channel/layer. CasparCG pushes state; the client never writes.
type Client struct {
	id           int
	ip           string
	prefix       string
	framerate    float64
	staleTimeout time.Duration
	eventC       chan<- event.Event
	logger       *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu        sync.Mutex
	connected bool
	lastSeen  time.Time

	// layer state cached between messages; normalised at packet end
	filePath       string
	timeSeconds    float64
	frame          int64
	fps            float64
	paused         bool
	foregroundFile string

	emitted     bool
	lastEmitted event.DeviceStateChangedEvent
}

// NewClient creates a new client.
func NewClient(params ClientParams) *Client {
	channel := cmp.Or(params.Channel, defaultChannel)
	layer := cmp.Or(params.Layer, defaultLayer)

	return &Client{
		id:           params.DeviceID,
		ip:           params.IP,
		prefix:       fmt.Sprintf("/channel/%d/stage/layer/%d", channel, layer),
		framerate:    params.Framerate,
		staleTimeout: cmp.Or(params.StaleTimeout, defaultStaleTimeout),
		eventC:       params.EventC,
		logger:       params.Logger.With("component", "casparcg", "device_id", params.DeviceID),
		done:         make(chan struct{}),
	}
}

// IP returns the source address the client listens for.
func (c *Client) IP() string {
	return c.ip
}

// Start launches the stale checker. Registration with the shared listener is
// the caller's responsibility.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.staleLoop()
}

// Close stops the stale checker. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	return nil
}

// listenerReady is invoked by the shared listener once its socket is open.
func (c *Client) listenerReady() {
	c.logger.Debug("Shared listener ready", "prefix", c.prefix)
}

// handlePacket is called by the shared listener for every packet from this
// client's source address. The first packet flips the client to connected;
// normalisation happens once per packet, after all nested messages have been
// applied. Events are emitted under the lock so their order on the channel
// always matches the order of the connected-flag transitions, even when the
// stale checker fires concurrently.
func (c *Client) handlePacket(pkt osc.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSeen = time.Now()

	if !c.connected {
		c.connected = true
		c.emit(event.DeviceConnectedEvent{ID: c.id})
	}

	c.applyPacket(pkt)

	if evt, ok := c.normalizeLocked(); ok {
		c.emit(evt)
	}
}

func (c *Client) applyPacket(pkt osc.Packet) {
	switch p := pkt.(type) {
	case *osc.Message:
		c.applyMessage(p)
	case *osc.Bundle:
		for _, msg := range p.Messages {
			c.applyMessage(msg)
		}
		for _, nested := range p.Bundles {
			c.applyPacket(nested)
		}
	}
}

func (c *Client) applyMessage(msg *osc.Message) {
	suffix, ok := strings.CutPrefix(msg.Address, c.prefix)
	if !ok {
		return
	}

	switch suffix {
	case "/file/path":
		if s, ok := stringArg(msg); ok {
			c.filePath = s
		}
	case "/file/time":
		// First argument is elapsed seconds; the second is the total.
		if v, ok := floatArg(msg); ok {
			c.timeSeconds = v
		}
	case "/file/frame":
		if v, ok := floatArg(msg); ok {
			c.frame = int64(v)
		}
	case "/file/fps":
		if v, ok := floatArg(msg); ok && v > 0 && v < 120 {
			c.fps = v
		}
	case "/paused":
		if v, ok := floatArg(msg); ok {
			c.paused = v == 1
		} else if b, ok := boolArg(msg); ok {
			c.paused = b
		}
	case "/foreground/file/name":
		if s, ok := stringArg(msg); ok {
			c.foregroundFile = s
		}
	}
}

// normalizeLocked derives the transport state from the cached layer state,
// returning an event only when it differs from the last emitted one.
// CasparCG does not record, so rec is never produced.
func (c *Client) normalizeLocked() (event.DeviceStateChangedEvent, bool) {
	file := cmp.Or(c.filePath, c.foregroundFile)

	state := domain.TransportStateStop
	if file != "" && !c.paused {
		state = domain.TransportStatePlay
	}

	fps := c.fps
	if fps <= 0 {
		fps = c.framerate
	}

	frames := c.frame
	if frames == 0 && c.timeSeconds > 0 {
		frames = int64(math.Floor(c.timeSeconds * fps))
	}

	evt := event.DeviceStateChangedEvent{
		ID:       c.id,
		State:    state,
		Timecode: timecode.FromFrames(frames, fps),
		Filename: basename(file),
	}

	if c.emitted && evt == c.lastEmitted {
		return evt, false
	}

	c.emitted = true
	c.lastEmitted = evt
	return evt, true
}

// staleLoop disconnects the client when no OSC message has arrived within
// the stale timeout.
func (c *Client) staleLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if c.connected && time.Since(c.lastSeen) > c.staleTimeout {
				c.connected = false
				// Force a fresh emission once traffic resumes.
				c.emitted = false

				c.logger.Info("No OSC traffic, marking disconnected", "timeout", c.staleTimeout)
				c.emit(event.DeviceDisconnectedEvent{ID: c.id})
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// emit sends on the shared event channel, giving up once the client is
// closed. Callers may hold mu: nothing that drains the channel takes the
// client lock.
func (c *Client) emit(evt event.Event) {
	select {
	case c.eventC <- evt:
	case <-c.done:
	}
}

func stringArg(msg *osc.Message) (string, bool) {
	for _, arg := range msg.Arguments {
		if s, ok := arg.(string); ok {
			return s, true
		}
	}

	return "", false
}

func floatArg(msg *osc.Message) (float64, bool) {
	for _, arg := range msg.Arguments {
		switch v := arg.(type) {
		case float32:
			return float64(v), true
		case float64:
			return v, true
		case int32:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}

	return 0, false
}

func boolArg(msg *osc.Message) (bool, bool) {
	for _, arg := range msg.Arguments {
		if b, ok := arg.(bool); ok {
			return b, true
		}
	}

	return false, false
}

// basename strips any path prefix, tolerating both separator styles.
func basename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}

	return name
}
