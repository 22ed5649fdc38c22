package domain

// DeviceType identifies the protocol spoken by a playout device.
type DeviceType string

const (
	DeviceTypeHyperDeck DeviceType = "hyperdeck"
	DeviceTypeVMix      DeviceType = "vmix"
	DeviceTypeCasparCG  DeviceType = "casparcg"
)

// TransportState is the normalised transport state of a device.
type TransportState string

const (
	TransportStateStop    TransportState = "stop"
	TransportStatePlay    TransportState = "play"
	TransportStateRec     TransportState = "rec"
	TransportStateOffline TransportState = "offline"
)

// InitialTimecode is the timecode reported before a device has sent any.
const InitialTimecode = "00:00:00:00"

// DeviceState is the normalised state of a single playout device. Exactly one
// exists per configured device, owned by the aggregation loop; everything else
// sees copies.
type DeviceState struct {
	ID        int            `json:"id"`
	Name      string         `json:"name"`
	Type      DeviceType     `json:"type"`
	IP        string         `json:"ip"`
	Port      int            `json:"port"`
	Framerate float64        `json:"framerate"`
	State     TransportState `json:"state"`
	Timecode  string         `json:"timecode"`
	Filename  string         `json:"filename"`
	Updated   int64          `json:"updated"` // monotonic milliseconds since process start
	Connected bool           `json:"connected"`
}

// EmberStatus reports the state of the Ember+ provider.
type EmberStatus struct {
	Enabled bool `json:"enabled"`
	Running bool `json:"running"`
	Port    int  `json:"port"`
}

// TSLStatus reports the state of the TSL UMD sender.
type TSLStatus struct {
	Enabled      bool `json:"enabled"`
	Running      bool `json:"running"`
	Destinations int  `json:"destinations"`
	DeviceCount  int  `json:"deviceCount"`
}

// ProtocolStatus is the protocol block attached to every broadcast payload.
type ProtocolStatus struct {
	EmberPlus EmberStatus `json:"emberPlus"`
	TSLUMD    TSLStatus   `json:"tslUmd"`
}
