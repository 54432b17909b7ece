package main

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Raft    RaftConfig    `yaml:"raft"`
}

type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type RaftConfig struct {
	EntrySize       int `yaml:"entry_size"`
	ElectionTickMin int `yaml:"election_tick_min"`
	ElectionTickMax int `yaml:"election_tick_max"`
	HeartbeatTicks  int `yaml:"heartbeat_ticks"`
	TickMs          int `yaml:"tick_ms"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Raft.EntrySize == 0 {
		c.Raft.EntrySize = 128
	}
	if c.Raft.ElectionTickMin == 0 {
		c.Raft.ElectionTickMin = 10
	}
	if c.Raft.ElectionTickMax == 0 {
		c.Raft.ElectionTickMax = 50
	}
	if c.Raft.HeartbeatTicks == 0 {
		c.Raft.HeartbeatTicks = 3
	}
	if c.Raft.TickMs == 0 {
		c.Raft.TickMs = 100
	}
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers must contain at least one peer")
	}

	found := false
	seen := make(map[string]bool)
	for _, peer := range c.Cluster.Peers {
		if peer.ID == "" || peer.Address == "" {
			return fmt.Errorf("every peer needs an id and an address")
		}
		if seen[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %s", peer.ID)
		}
		seen[peer.ID] = true
		if peer.ID == c.Node.ID {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("node.id=%s not found in cluster.peers", c.Node.ID)
	}
	return nil
}

// PeerIDs returns the ids of all peers except the local node.
func (c *Config) PeerIDs() []string {
	var ids []string
	for _, peer := range c.Cluster.Peers {
		if peer.ID != c.Node.ID {
			ids = append(ids, peer.ID)
		}
	}
	return ids
}

// PeerAddresses maps every peer id to its address.
func (c *Config) PeerAddresses() map[string]string {
	res := make(map[string]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		res[peer.ID] = peer.Address
	}
	return res
}
