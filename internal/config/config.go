package config

import "github.com/superdash/superdash/internal/domain"

// Destination holds a TSL UMD destination address.
type Destination struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Settings holds the global settings.
type Settings struct {
	DefaultFramerate     float64        `json:"defaultFramerate" yaml:"defaultFramerate"`
	UpdateIntervalMs     int            `json:"updateIntervalMs" yaml:"updateIntervalMs"`
	WebSocketPort        int            `json:"webSocketPort" yaml:"webSocketPort"`
	DefaultPorts         map[string]int `json:"defaultPorts" yaml:"defaultPorts"`
	EmberPlusPort        int            `json:"emberPlusPort" yaml:"emberPlusPort"`
	EmberPlusInterface   string         `json:"emberPlusInterface,omitempty" yaml:"emberPlusInterface,omitempty"`
	TSLUMDDestinations   []Destination  `json:"tslUmdDestinations" yaml:"tslUmdDestinations"`
	TSLUMDScreen         int            `json:"tslUmdScreen" yaml:"tslUmdScreen"`
	VMixPollIntervalMs   int            `json:"vmixPollIntervalMs,omitempty" yaml:"vmixPollIntervalMs,omitempty"`
	CasparStaleTimeoutMs int            `json:"casparStaleTimeoutMs,omitempty" yaml:"casparStaleTimeoutMs,omitempty"`
}

// Device holds the configuration for a single playout device. Immutable at
// runtime.
type Device struct {
	ID        int     `json:"id" yaml:"id"`
	Name      string  `json:"name" yaml:"name"`
	Type      string  `json:"type" yaml:"type"`
	IP        string  `json:"ip" yaml:"ip"`
	Port      int     `json:"port,omitempty" yaml:"port,omitempty"`
	Framerate float64 `json:"framerate,omitempty" yaml:"framerate,omitempty"`

	// CasparCG only: which channel/layer to watch.
	Channel int `json:"channel,omitempty" yaml:"channel,omitempty"`
	Layer   int `json:"layer,omitempty" yaml:"layer,omitempty"`
}

// DeviceType returns the device type as a domain type.
func (d Device) DeviceType() domain.DeviceType {
	return domain.DeviceType(d.Type)
}

// Config holds the configuration for the application.
type Config struct {
	Settings Settings `json:"settings" yaml:"settings"`
	Servers  []Device `json:"servers" yaml:"servers"`
}
