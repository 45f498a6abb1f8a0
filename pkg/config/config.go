// Package config loads a daemon's static configuration: the cluster node
// list and the set of databases to attach at startup. Everything else —
// vnn_map, reqids, recovery state — is reconstructed at each recovery,
// so only this much needs to survive on disk between runs.
package config

import (
	"fmt"
	"os"

	"github.com/ctdbcore/ctdb/pkg/types"
	"gopkg.in/yaml.v3"
)

// NodeSpec is one line of the node list: a node as configured, rather
// than as runtime state.
type NodeSpec struct {
	PNN     int32  `yaml:"pnn"`
	Address string `yaml:"address"`
}

// DatabaseSpec is one database this daemon attaches at startup.
type DatabaseSpec struct {
	Name       string `yaml:"name"`
	Persistent bool   `yaml:"persistent"`
	Priority   int    `yaml:"priority"`
}

// Config is a whole daemon's static configuration file.
type Config struct {
	Self      int32          `yaml:"self"`
	DataDir   string         `yaml:"data_dir"`
	Listen    string         `yaml:"listen"`
	Socket    string         `yaml:"socket"`
	Nodes     []NodeSpec     `yaml:"nodes"`
	Databases []DatabaseSpec `yaml:"databases"`

	// Tunables overrides the defaults cluster.New installs
	// (MaxRedirectCount, MaxLACount, VacuumInterval, RepackLimit).
	Tunables map[string]uint32 `yaml:"tunables,omitempty"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	found := false
	for _, n := range c.Nodes {
		if n.PNN == c.Self {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("self pnn %d not present in node list", c.Self)
	}
	for _, db := range c.Databases {
		if db.Priority < 1 {
			return fmt.Errorf("database %q: priority must be >= 1", db.Name)
		}
	}
	return nil
}

// ClusterNodes converts the configured node list into the runtime
// types.Node slice cluster.Config expects, with every node starting
// CONNECTED (the daemon's transport will flag peers DISCONNECTED as
// dial failures are observed).
func (c *Config) ClusterNodes() []types.Node {
	out := make([]types.Node, len(c.Nodes))
	for i, n := range c.Nodes {
		out[i] = types.Node{PNN: types.PNN(n.PNN), Address: n.Address}
	}
	return out
}
