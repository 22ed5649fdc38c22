package ember

import (
	"fmt"

	"github.com/superdash/superdash/internal/domain"
)

const treeVersion = "1.0.0"

// Node and parameter numbers within the provider tree. Device nodes use the
// device ID as their number so consumer paths stay stable across restarts.
const (
	numRoot    = 1
	numInfo    = 1
	numDevices = 2

	numInfoVersion     = 1
	numInfoDeviceCount = 2

	numDeviceState     = 1
	numDeviceTimecode  = 2
	numDeviceFilename  = 3
	numDeviceConnected = 4
	numDeviceType      = 5
)

// stateEnum lists the transport states in enumeration order, so the enum
// values are stop=0, play=1, rec=2, offline=3.
const stateEnum = "stop\nplay\nrec\noffline"

// stateEnumValue maps a transport state to its enumeration index. Unknown
// states report offline.
func stateEnumValue(state domain.TransportState) int64 {
	switch state {
	case domain.TransportStateStop:
		return 0
	case domain.TransportStatePlay:
		return 1
	case domain.TransportStateRec:
		return 2
	default:
		return 3
	}
}

// deviceParams holds the live parameters of one device node, so updates can
// be diffed and pushed per parameter.
type deviceParams struct {
	node      *node
	state     *parameter
	timecode  *parameter
	filename  *parameter
	connected *parameter
	devType   *parameter
}

// buildTree assembles the provider tree for the given devices and returns it
// together with the per-device parameter handles and the device count
// parameter.
func buildTree(devices []domain.DeviceState) (*node, map[int]*deviceParams, *parameter) {
	countParam := &parameter{
		number:      numInfoDeviceCount,
		identifier:  "deviceCount",
		description: "Number of configured devices",
		paramType:   typeInteger,
		value:       int64(len(devices)),
	}

	info := &node{
		number:      numInfo,
		identifier:  "info",
		description: "Provider information",
		params: []*parameter{
			{
				number:      numInfoVersion,
				identifier:  "version",
				description: "Provider version",
				paramType:   typeString,
				value:       treeVersion,
			},
			countParam,
		},
	}

	devicesNode := &node{
		number:      numDevices,
		identifier:  "devices",
		description: "Monitored playout devices",
	}

	params := make(map[int]*deviceParams, len(devices))
	for _, dev := range devices {
		dp := buildDeviceNode(dev)
		devicesNode.nodes = append(devicesNode.nodes, dp.node)
		params[dev.ID] = dp
	}

	root := &node{
		number:     numRoot,
		identifier: "SuperDash",
		nodes:      []*node{info, devicesNode},
	}

	return root, params, countParam
}

func buildDeviceNode(dev domain.DeviceState) *deviceParams {
	dp := &deviceParams{
		state: &parameter{
			number:      numDeviceState,
			identifier:  "state",
			paramType:   typeEnum,
			enumeration: stateEnum,
			value:       stateEnumValue(dev.State),
		},
		timecode: &parameter{
			number:     numDeviceTimecode,
			identifier: "timecode",
			paramType:  typeString,
			value:      dev.Timecode,
		},
		filename: &parameter{
			number:     numDeviceFilename,
			identifier: "filename",
			paramType:  typeString,
			value:      dev.Filename,
		},
		connected: &parameter{
			number:     numDeviceConnected,
			identifier: "connected",
			paramType:  typeBoolean,
			value:      dev.Connected,
		},
		devType: &parameter{
			number:     numDeviceType,
			identifier: "type",
			paramType:  typeString,
			value:      string(dev.Type),
		},
	}

	dp.node = &node{
		number:      dev.ID,
		identifier:  fmt.Sprintf("device%d", dev.ID),
		description: dev.Name,
		params: []*parameter{
			dp.state, dp.timecode, dp.filename, dp.connected, dp.devType,
		},
	}

	return dp
}

// paramPath returns the qualified path of a parameter under a device node.
func paramPath(deviceID, paramNumber int) []int {
	return []int{numRoot, numDevices, deviceID, paramNumber}
}

// countPath is the qualified path of the device count parameter.
func countPath() []int {
	return []int{numRoot, numInfo, numInfoDeviceCount}
}
