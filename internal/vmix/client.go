// Package vmix polls a vMix instance's HTTP API and normalises its XML
// snapshot into transport state.
package vmix

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/superdash/superdash/internal/domain"
	"github.com/superdash/superdash/internal/event"
	"github.com/superdash/superdash/internal/timecode"
	"github.com/superdash/superdash/internal/timing"
)

const (
	defaultPort         = 8088
	defaultPollInterval = 500 * time.Millisecond
	requestTimeout      = 2 * time.Second

	// disconnectThreshold is the number of consecutive poll failures after
	// which the device is considered disconnected.
	disconnectThreshold = 3
)

// Params contains the parameters for building a new client.
type Params struct {
	DeviceID     int
	IP           string
	Port         int // defaults to 8088
	Framerate    float64
	PollInterval time.Duration // defaults to 500ms
	EventC       chan<- event.Event
	Logger       *slog.Logger
}

// Client polls a vMix instance. Polling is drift-free: ticks land on
// multiples of the interval regardless of how long each request takes.
type Client struct {
	id           int
	url          string
	framerate    float64
	pollInterval time.Duration
	httpClient   *http.Client
	eventC       chan<- event.Event
	logger       *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// poll-loop state
	connected bool
	failures  int
	lastGood  event.DeviceStateChangedEvent
	hasGood   bool
}

// NewClient creates a new client.
func NewClient(params Params) *Client {
	return &Client{
		id:           params.DeviceID,
		url:          fmt.Sprintf("http://%s:%d/api", params.IP, cmp.Or(params.Port, defaultPort)),
		framerate:    params.Framerate,
		pollInterval: cmp.Or(params.PollInterval, defaultPollInterval),
		httpClient:   &http.Client{Timeout: requestTimeout},
		eventC:       params.EventC,
		logger:       params.Logger.With("component", "vmix", "device_id", params.DeviceID),
		done:         make(chan struct{}),
	}
}

// Start launches the poll loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Close stops polling. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	return nil
}

func (c *Client) run() {
	defer c.wg.Done()

	ticker := timing.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.poll()
		case <-c.done:
			return
		}
	}
}

func (c *Client) poll() {
	status, err := c.fetch()
	if err != nil {
		c.failures++
		c.logger.Debug("Poll failed", "err", err, "failures", c.failures)

		switch {
		case c.failures == disconnectThreshold && c.connected:
			c.connected = false
			c.emit(event.DeviceDisconnectedEvent{ID: c.id})
		case c.failures < disconnectThreshold && c.connected && c.hasGood:
			// Transient failure: re-emit the last good state so consumers do
			// not jitter.
			c.emit(c.lastGood)
		}

		return
	}

	c.failures = 0

	if !c.connected {
		c.connected = true
		c.emit(event.DeviceConnectedEvent{ID: c.id})
	}

	evt := c.normalize(status)
	c.lastGood = evt
	c.hasGood = true
	c.emit(evt)
}

func (c *Client) fetch() (Status, error) {
	resp, err := c.httpClient.Get(c.url)
	if err != nil {
		return Status{}, fmt.Errorf("get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Status{}, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Status{}, fmt.Errorf("read body: %w", err)
	}

	return parseAPI(body)
}

// normalize applies the priority ordering: recording wins over a running
// input, which wins over a paused one.
func (c *Client) normalize(status Status) event.DeviceStateChangedEvent {
	evt := event.DeviceStateChangedEvent{
		ID:       c.id,
		Timecode: timecode.FromMilliseconds(status.DurationMs, c.framerate),
	}

	switch {
	case status.Recording:
		evt.State = domain.TransportStateRec
		evt.Filename = cmp.Or(status.ActiveInputTitle, "Recording")
	case strings.EqualFold(status.ActiveInputState, "Running"):
		evt.State = domain.TransportStatePlay
		evt.Filename = status.ActiveInputTitle
	case strings.EqualFold(status.ActiveInputState, "Paused"):
		evt.State = domain.TransportStateStop
		evt.Filename = status.ActiveInputTitle
	default:
		evt.State = domain.TransportStateStop
	}

	return evt
}

func (c *Client) emit(evt event.Event) {
	select {
	case c.eventC <- evt:
	case <-c.done:
	}
}
