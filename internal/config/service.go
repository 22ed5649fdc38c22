package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/superdash/superdash/internal/domain"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file omits a value.
const (
	DefaultFramerate        = 25.0
	DefaultUpdateIntervalMs = 1000
	DefaultWebSocketPort    = 8080
	DefaultEmberPlusPort    = 9000
	DefaultVMixPollMs       = 500
	DefaultCasparStaleMs    = 5000
	DefaultCasparChannel    = 1
	DefaultCasparLayer      = 10
	DefaultTSLPort          = 4003
)

// DefaultPorts are the per-type default device ports.
var DefaultPorts = map[string]int{
	string(domain.DeviceTypeHyperDeck): 9993,
	string(domain.DeviceTypeVMix):      8088,
	string(domain.DeviceTypeCasparCG):  6250,
}

// tslBroadcastIndex is reserved by TSL UMD v5.0 for broadcast; no device may
// use it.
const tslBroadcastIndex = 0xFFFF

// Service loads the configuration file.
type Service struct {
	path string
}

// NewService creates a new service reading from the file at path. JSON is the
// canonical format; files ending in .yaml or .yml are parsed as YAML.
func NewService(path string) *Service {
	return &Service{path: path}
}

// Path returns the configured file path.
func (s *Service) Path() string {
	return s.path
}

// Load reads, defaults and validates the configuration. Any failure is fatal
// to startup.
func (s *Service) Load() (cfg Config, _ error) {
	contents, err := os.ReadFile(s.path)
	if err != nil {
		return cfg, fmt.Errorf("read file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		if err = yaml.Unmarshal(contents, &cfg); err != nil {
			return cfg, fmt.Errorf("unmarshal: %w", err)
		}
	default:
		if err = json.Unmarshal(contents, &cfg); err != nil {
			return cfg, fmt.Errorf("unmarshal: %w", err)
		}
	}

	setDefaults(&cfg)

	if err = validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	st := &cfg.Settings

	if st.DefaultFramerate <= 0 {
		st.DefaultFramerate = DefaultFramerate
	}
	if st.UpdateIntervalMs <= 0 {
		st.UpdateIntervalMs = DefaultUpdateIntervalMs
	}
	if st.WebSocketPort == 0 {
		st.WebSocketPort = DefaultWebSocketPort
	}
	if st.EmberPlusPort == 0 {
		st.EmberPlusPort = DefaultEmberPlusPort
	}
	if st.VMixPollIntervalMs <= 0 {
		st.VMixPollIntervalMs = DefaultVMixPollMs
	}
	if st.CasparStaleTimeoutMs <= 0 {
		st.CasparStaleTimeoutMs = DefaultCasparStaleMs
	}

	if st.DefaultPorts == nil {
		st.DefaultPorts = make(map[string]int)
	}
	for deviceType, port := range DefaultPorts {
		if st.DefaultPorts[deviceType] == 0 {
			st.DefaultPorts[deviceType] = port
		}
	}

	for i := range st.TSLUMDDestinations {
		if st.TSLUMDDestinations[i].Port == 0 {
			st.TSLUMDDestinations[i].Port = DefaultTSLPort
		}
	}

	for i := range cfg.Servers {
		dev := &cfg.Servers[i]

		if strings.TrimSpace(dev.Name) == "" {
			dev.Name = fmt.Sprintf("Device %d", dev.ID)
		}
		if dev.Port == 0 {
			dev.Port = st.DefaultPorts[dev.Type]
		}
		if dev.Framerate <= 0 {
			dev.Framerate = st.DefaultFramerate
		}
		if dev.Type == string(domain.DeviceTypeCasparCG) {
			if dev.Channel == 0 {
				dev.Channel = DefaultCasparChannel
			}
			if dev.Layer == 0 {
				dev.Layer = DefaultCasparLayer
			}
		}
	}
}

func validate(cfg Config) error {
	var err error

	seen := make(map[int]struct{}, len(cfg.Servers))
	for _, dev := range cfg.Servers {
		if dev.ID < 0 || dev.ID >= tslBroadcastIndex {
			err = errors.Join(err, fmt.Errorf("device %q: id %d out of range [0, %d)", dev.Name, dev.ID, tslBroadcastIndex))
		}
		if _, ok := seen[dev.ID]; ok {
			err = errors.Join(err, fmt.Errorf("device %q: duplicate id %d", dev.Name, dev.ID))
		}
		seen[dev.ID] = struct{}{}

		if _, ok := DefaultPorts[dev.Type]; !ok {
			err = errors.Join(err, fmt.Errorf("device %q: unknown type %q", dev.Name, dev.Type))
		}
		if net.ParseIP(dev.IP) == nil {
			err = errors.Join(err, fmt.Errorf("device %q: invalid ip %q", dev.Name, dev.IP))
		}
	}

	for _, dest := range cfg.Settings.TSLUMDDestinations {
		if strings.TrimSpace(dest.Host) == "" {
			err = errors.Join(err, errors.New("tslUmdDestinations: host must not be empty"))
		}
	}

	return err
}
