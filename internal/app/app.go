// Package app wires the device clients, state store and output surfaces
// together and runs the aggregation loop.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/superdash/superdash/internal/casparcg"
	"github.com/superdash/superdash/internal/config"
	"github.com/superdash/superdash/internal/domain"
	"github.com/superdash/superdash/internal/ember"
	"github.com/superdash/superdash/internal/event"
	"github.com/superdash/superdash/internal/hyperdeck"
	"github.com/superdash/superdash/internal/server"
	"github.com/superdash/superdash/internal/store"
	"github.com/superdash/superdash/internal/timing"
	"github.com/superdash/superdash/internal/tsl"
	"github.com/superdash/superdash/internal/vmix"
	"golang.org/x/sync/errgroup"
)

// eventBufferSize is the aggregation channel depth shared by all clients.
// The loop drains fast; the buffer only absorbs bursts.
const eventBufferSize = 64

// RunParams holds the parameters for running the application.
type RunParams struct {
	ConfigService *config.Service
	AssetsDir     string
	Logger        *slog.Logger
}

// payload is the top-level broadcast message.
type payload struct {
	Type      string                `json:"type"`
	Timestamp int64                 `json:"timestamp"`
	Data      []domain.DeviceState  `json:"data"`
	Protocols domain.ProtocolStatus `json:"protocols"`
}

type closer interface {
	Close() error
}

// Run starts the application, and blocks until it exits.
func Run(ctx context.Context, params RunParams) error {
	logger := params.Logger

	cfg, err := params.ConfigService.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st := store.New(cfg.Servers)
	eventC := make(chan event.Event, eventBufferSize)

	var (
		clients       []closer
		listener      *casparcg.Listener
		emberProvider *ember.Provider
		tslSender     *tsl.Sender
		srv           *server.Server
	)

	defer func() {
		var stopOutputs []func()
		if emberProvider != nil {
			stopOutputs = append(stopOutputs, emberProvider.Stop)
		}
		if tslSender != nil {
			stopOutputs = append(stopOutputs, tslSender.Stop)
		}

		var closeServer func() error
		if srv != nil {
			closeServer = srv.Close
		}

		shutdown(func() { closeAndDrain(clients, eventC, logger) }, stopOutputs, closeServer, logger)
	}()

	for _, dev := range cfg.Servers {
		switch dev.DeviceType() {
		case domain.DeviceTypeHyperDeck:
			client := hyperdeck.NewClient(hyperdeck.Params{
				DeviceID: dev.ID,
				IP:       dev.IP,
				Port:     dev.Port,
				EventC:   eventC,
				Logger:   logger,
			})
			client.Start()
			clients = append(clients, client)
		case domain.DeviceTypeVMix:
			client := vmix.NewClient(vmix.Params{
				DeviceID:     dev.ID,
				IP:           dev.IP,
				Port:         dev.Port,
				Framerate:    dev.Framerate,
				PollInterval: time.Duration(cfg.Settings.VMixPollIntervalMs) * time.Millisecond,
				EventC:       eventC,
				Logger:       logger,
			})
			client.Start()
			clients = append(clients, client)
		case domain.DeviceTypeCasparCG:
			if listener == nil {
				// All CasparCG devices share one ingest socket; per-device ports
				// identify the source host only, so bind the configured default.
				listener = casparcg.NewListener(cfg.Settings.DefaultPorts[string(domain.DeviceTypeCasparCG)], logger)
			}
			client := casparcg.NewClient(casparcg.ClientParams{
				DeviceID:     dev.ID,
				IP:           dev.IP,
				Channel:      dev.Channel,
				Layer:        dev.Layer,
				Framerate:    dev.Framerate,
				StaleTimeout: time.Duration(cfg.Settings.CasparStaleTimeoutMs) * time.Millisecond,
				EventC:       eventC,
				Logger:       logger,
			})
			client.Start()
			if err := listener.Register(client); err != nil {
				client.Close() //nolint:errcheck
				return fmt.Errorf("register casparcg client: %w", err)
			}
			clients = append(clients, client)
			defer listener.Unregister(client)
		}
	}

	emberProvider = ember.NewProvider(ember.Params{
		Port:      cfg.Settings.EmberPlusPort,
		Interface: cfg.Settings.EmberPlusInterface,
		Logger:    logger,
	})
	// A failed output surface degrades rather than aborts: device aggregation
	// keeps running and the status block reports the outage.
	if err := emberProvider.Start(st.Snapshot()); err != nil {
		logger.Error("Ember+ provider failed to start", "err", err)
	}

	tslSender = tsl.NewSender(tsl.Params{
		Destinations: cfg.Settings.TSLUMDDestinations,
		Screen:       cfg.Settings.TSLUMDScreen,
		Logger:       logger,
	})
	if err := tslSender.Start(); err != nil {
		logger.Error("TSL UMD sender failed to start", "err", err)
	}

	for _, dev := range st.Snapshot() {
		tslSender.UpdateDevice(dev.ID, dev.Name, dev.State)
	}

	buildPayload := func() []byte {
		p := payload{
			Type:      "playoutStates",
			Timestamp: timing.Millis(),
			Data:      st.Snapshot(),
			Protocols: domain.ProtocolStatus{
				EmberPlus: emberProvider.Status(),
				TSLUMD:    tslSender.Status(),
			},
		}

		data, err := json.Marshal(p)
		if err != nil {
			// Cannot happen with these types; keep the broadcast loop alive.
			logger.Error("Payload marshal failed", "err", err)
			return []byte("{}")
		}

		return data
	}

	srv = server.NewServer(server.Params{
		Port:      cfg.Settings.WebSocketPort,
		AssetsDir: params.AssetsDir,
		Config:    func() config.Config { return cfg },
		Snapshot:  buildPayload,
		Stats: func() server.HealthStats {
			return server.HealthStats{
				Devices:   st.Len(),
				Connected: st.ConnectedCount(),
				Protocols: domain.ProtocolStatus{
					EmberPlus: emberProvider.Status(),
					TSLUMD:    tslSender.Status(),
				},
			}
		},
		Logger: logger,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	broadcastT := timing.NewTicker(time.Duration(cfg.Settings.UpdateIntervalMs) * time.Millisecond)
	defer broadcastT.Stop()

	logger.Info("Running", "devices", st.Len(), "update_interval_ms", cfg.Settings.UpdateIntervalMs)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return nil
		case evt := <-eventC:
			if state, ok := applyEvent(st, evt, logger); ok {
				emberProvider.UpdateDevice(state)
				tslSender.UpdateDevice(state.ID, state.Name, state.State)
			}
		case <-broadcastT.C:
			srv.Broadcast(buildPayload())
		}
	}
}

// shutdown tears the components down in order: protocol clients first, so
// nothing mutates state, then the output surfaces, then the WebSocket server.
func shutdown(closeClients func(), stopOutputs []func(), closeServer func() error, logger *slog.Logger) {
	closeClients()

	for _, stop := range stopOutputs {
		stop()
	}

	if closeServer == nil {
		return
	}
	if err := closeServer(); err != nil {
		logger.Error("Server close failed", "err", err)
	}
}

// closeAndDrain closes every client concurrently while draining the event
// channel. Closing a client unblocks any emit it is waiting on, so draining is
// only needed for events already buffered.
func closeAndDrain(clients []closer, eventC <-chan event.Event, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		defer close(done)

		var g errgroup.Group
		for _, c := range clients {
			g.Go(c.Close)
		}
		if err := g.Wait(); err != nil {
			logger.Error("Client close failed", "err", err)
		}
	}()

	for {
		select {
		case <-eventC:
		case <-done:
			return
		}
	}
}

// applyEvent folds one client event into the store, returning the updated
// state when the event mutated it.
func applyEvent(st *store.Store, evt event.Event, logger *slog.Logger) (domain.DeviceState, bool) {
	switch e := evt.(type) {
	case event.DeviceConnectedEvent:
		logger.Info("Device connected", "device_id", e.ID)
		return st.Apply(e.ID, func(dev *domain.DeviceState) {
			dev.Connected = true
			dev.State = domain.TransportStateStop
		})
	case event.DeviceDisconnectedEvent:
		logger.Info("Device disconnected", "device_id", e.ID)
		// Timecode and filename survive a disconnect: the dashboard shows the
		// last known position.
		return st.Apply(e.ID, func(dev *domain.DeviceState) {
			dev.Connected = false
			dev.State = domain.TransportStateOffline
		})
	case event.DeviceStateChangedEvent:
		return st.Apply(e.ID, func(dev *domain.DeviceState) {
			dev.State = e.State
			dev.Timecode = e.Timecode
			dev.Filename = e.Filename
		})
	case event.DeviceErrorEvent:
		logger.Warn("Device error", "device_id", e.ID, "err", e.Err)
		return domain.DeviceState{}, false
	default:
		logger.Warn("Unhandled event", "device_id", evt.DeviceID())
		return domain.DeviceState{}, false
	}
}
