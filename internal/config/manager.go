package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// NodeOverride holds the subset of NodeConfig a node's YAML override file
// may replace. Zero-value fields leave the global config untouched.
type NodeOverride struct {
	HTTPV3 string     `yaml:"http_v3"`
	DB     string     `yaml:"db"`
	P2P    *P2PConfig `yaml:"p2p"`
	Log    *LogConfig `yaml:"log"`
}

// OverridesFile is the shape of nodes.overrides.yaml: a map from node name
// to its override.
type OverridesFile struct {
	Nodes map[string]NodeOverride `yaml:"nodes"`
}

// Manager resolves the effective NodeConfig for a node name by layering a
// YAML override file on top of the loaded Config, the same way the
// teacher's Manager layered per-tenant overrides on a global config.
type Manager struct {
	mu        sync.RWMutex
	global    *Config
	overrides map[string]NodeOverride
}

// NewManager loads overridesPath if it exists; a missing file is not an
// error, matching the teacher's tolerance for an absent tenants file.
func NewManager(global *Config, overridesPath string) (*Manager, error) {
	m := &Manager{global: global, overrides: make(map[string]NodeOverride)}
	if overridesPath == "" {
		return m, nil
	}
	f, err := os.Open(overridesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var of OverridesFile
	if err := yaml.NewDecoder(f).Decode(&of); err != nil {
		return nil, err
	}
	m.overrides = of.Nodes
	return m, nil
}

// Node returns the effective config for a node, merging any override on
// top of the node's entry in the global config. ok is false if no node by
// that name exists in the global config.
func (m *Manager) Node(name string) (NodeConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var base NodeConfig
	found := false
	for _, n := range m.global.Nodes {
		if n.Name == name {
			base = n
			found = true
			break
		}
	}
	if !found {
		return NodeConfig{}, false
	}

	override, ok := m.overrides[name]
	if !ok {
		return base, true
	}
	if override.HTTPV3 != "" {
		base.HTTPV3 = override.HTTPV3
	}
	if override.DB != "" {
		base.DB = override.DB
	}
	if override.P2P != nil {
		base.P2P = *override.P2P
	}
	if override.Log != nil {
		base.Log = *override.Log
	}
	return base, true
}

// Nodes returns every node name known to the global config.
func (m *Manager) Nodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.global.Nodes))
	for _, n := range m.global.Nodes {
		names = append(names, n.Name)
	}
	return names
}
