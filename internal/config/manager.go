package config

import (
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// NodesConfig holds per-node overrides, keyed by the node's address as a
// decimal string (YAML map keys are strings).
type NodesConfig struct {
	Nodes map[string]Config `yaml:"nodes"`
}

// Manager resolves the effective Config for a given node address by
// layering a per-node override file on top of one shared master config —
// the DICe analogue of the teacher's master/tenant resolution.
type Manager struct {
	master *Config
	nodes  map[string]Config
	mu     sync.RWMutex
}

// NewManager loads masterPath (cluster-wide defaults: clock, trickle,
// groupmon timing, radio, http) and nodesPath (per-node signature/owned
// attribute overrides). A missing nodesPath is treated as "no overrides",
// not an error.
func NewManager(masterPath, nodesPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(nodesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{master: master, nodes: map[string]Config{}}, nil
		}
		return nil, err
	}
	defer f.Close()

	var nc NodesConfig
	if err := yaml.NewDecoder(f).Decode(&nc); err != nil {
		return nil, err
	}
	return &Manager{master: master, nodes: nc.Nodes}, nil
}

// Get returns the effective Config for nodeAddr: the master config with
// any present per-node fields (address, signature, owned attributes)
// layered on top. A node without an override entry gets the master
// config as-is, with only its address stamped in.
func (m *Manager) Get(nodeAddr uint16) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.master
	effective.Node.Address = nodeAddr

	if override, ok := m.nodes[strconv.Itoa(int(nodeAddr))]; ok {
		if len(override.Node.Signature) > 0 {
			effective.Node.Signature = override.Node.Signature
		}
		if len(override.Attrs.Owned) > 0 {
			effective.Attrs = override.Attrs
		}
		if override.Trickle.Redundancy != 0 || override.Trickle.LowMillis != 0 {
			effective.Trickle = override.Trickle
		}
		if override.Group.MissingTicks != 0 {
			effective.Group = override.Group
		}
	}

	effective.applyDefaults()
	return &effective
}
