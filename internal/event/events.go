// Package event defines the events protocol clients post into the
// aggregation loop. Clients receive a send-only channel at construction and
// never block on it: the channel is buffered and owned by the loop.
package event

import "github.com/superdash/superdash/internal/domain"

type Name string

const (
	NameDeviceStateChanged Name = "device_state_changed"
	NameDeviceConnected    Name = "device_connected"
	NameDeviceDisconnected Name = "device_disconnected"
	NameDeviceError        Name = "device_error"
)

// Event represents something which happened to a single device.
type Event interface {
	name() Name

	// DeviceID identifies the device the event belongs to.
	DeviceID() int
}

// DeviceStateChangedEvent is emitted when a client observes a new transport
// state, timecode or filename.
type DeviceStateChangedEvent struct {
	ID       int
	State    domain.TransportState
	Timecode string
	Filename string
}

func (e DeviceStateChangedEvent) name() Name    { return NameDeviceStateChanged }
func (e DeviceStateChangedEvent) DeviceID() int { return e.ID }

// DeviceConnectedEvent is emitted when a client establishes contact with its
// device.
type DeviceConnectedEvent struct {
	ID int
}

func (e DeviceConnectedEvent) name() Name    { return NameDeviceConnected }
func (e DeviceConnectedEvent) DeviceID() int { return e.ID }

// DeviceDisconnectedEvent is emitted when a client loses contact with its
// device, whether by socket close, failure threshold or stale timeout.
type DeviceDisconnectedEvent struct {
	ID int
}

func (e DeviceDisconnectedEvent) name() Name    { return NameDeviceDisconnected }
func (e DeviceDisconnectedEvent) DeviceID() int { return e.ID }

// DeviceErrorEvent reports a non-fatal client error. It carries no state
// transition: disconnection is always signalled separately.
type DeviceErrorEvent struct {
	ID  int
	Err error
}

func (e DeviceErrorEvent) name() Name    { return NameDeviceError }
func (e DeviceErrorEvent) DeviceID() int { return e.ID }
