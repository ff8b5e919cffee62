// Package config loads circuitd's TOML configuration file. It covers only
// the bootstrap knobs the core components are constructed from; the
// admin/REST/RBAC/registry surfaces carry their own configuration.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// NodeConfig is the root of circuitd's TOML configuration file.
type NodeConfig struct {
	NodeID   string           `toml:"node_id"`
	Storage  StorageConfig    `toml:"storage"`
	Peer     PeerConfig       `toml:"peer"`
	TwoPC    TwoPCConfig      `toml:"two_phase_commit"`
	Log      LogConfig        `toml:"log"`
	Nodes    []NodeSeed       `toml:"node"`
	Circuits []CircuitSeed    `toml:"circuit"`
	Attached []AttachedSvcCfg `toml:"attach"`
}

// NodeSeed seeds one entry in the in-memory routing table's node directory.
// The node registry proper lives outside this process; this is the bootstrap
// a single-process run needs in its place.
type NodeSeed struct {
	ID        string   `toml:"id"`
	TrustName string   `toml:"trust_name"`
	Endpoints []string `toml:"endpoints"`
}

// CircuitSeed seeds one circuit and its roster/service directory.
type CircuitSeed struct {
	ID                string         `toml:"id"`
	AuthorizationType string         `toml:"authorization_type"` // "trust" or "challenge"
	Services          []ServiceEntry `toml:"service"`
}

// ServiceEntry places one service in a circuit's roster and directory.
type ServiceEntry struct {
	ID          string `toml:"id"`
	Type        string `toml:"type"`
	NodeID      string `toml:"node_id"`
	LocalPeerID string `toml:"local_peer_id"`
}

// AttachedSvcCfg names a 2PC service this process itself hosts and the
// roles seeding its initial consensus context.
type AttachedSvcCfg struct {
	Circuit      string   `toml:"circuit"`
	Service      string   `toml:"service"`
	Coordinator  string   `toml:"coordinator"`
	ThisProcess  string   `toml:"this_process"`
	Participants []string `toml:"participants"`
}

// StorageConfig selects and configures the 2PC store backend. Exactly one
// of Bolt or SQL must be set.
type StorageConfig struct {
	Bolt *BoltStorageConfig `toml:"bolt"`
	SQL  *SQLStorageConfig  `toml:"sql"`
}

type BoltStorageConfig struct {
	Path string `toml:"path"`
}

type SQLStorageConfig struct {
	DSN string `toml:"dsn"`
}

// PeerConfig configures the Peer Interconnect's retry and pacemaker
// behavior.
type PeerConfig struct {
	RetryInterval     time.Duration `toml:"retry_interval"`
	PacemakerInterval time.Duration `toml:"pacemaker_interval"`
	PendingQueueSize  int           `toml:"pending_queue_size"`
	MaxRetryAttempts  int           `toml:"max_retry_attempts"`
}

// TwoPCConfig configures the 2PC runner's polling behavior.
type TwoPCConfig struct {
	VoteTimeout     time.Duration `toml:"vote_timeout"`
	DecisionTimeout time.Duration `toml:"decision_timeout"`
	AckTimeout      time.Duration `toml:"ack_timeout"`
	PollInterval    time.Duration `toml:"poll_interval"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultPeerConfig returns the interconnect defaults: 10s pacemaker,
// 3 delivery attempts, a 100-entry pending queue.
func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		RetryInterval:     5 * time.Second,
		PacemakerInterval: 10 * time.Second,
		PendingQueueSize:  100,
		MaxRetryAttempts:  3,
	}
}

// DefaultTwoPCConfig provides conservative defaults for the vote, decision
// and ack alarm timeouts.
func DefaultTwoPCConfig() TwoPCConfig {
	return TwoPCConfig{
		VoteTimeout:     30 * time.Second,
		DecisionTimeout: 30 * time.Second,
		AckTimeout:      30 * time.Second,
		PollInterval:    time.Second,
	}
}

// Load reads and decodes a TOML configuration file at path.
func Load(path string) (*NodeConfig, error) {
	cfg := &NodeConfig{
		Peer:  DefaultPeerConfig(),
		TwoPC: DefaultTwoPCConfig(),
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decoding config %q: %w", path, err)
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("config %q: node_id is required", path)
	}
	if cfg.Storage.Bolt == nil && cfg.Storage.SQL == nil {
		return nil, fmt.Errorf("config %q: storage.bolt or storage.sql is required", path)
	}
	if cfg.Storage.Bolt != nil && cfg.Storage.SQL != nil {
		return nil, fmt.Errorf("config %q: set only one of storage.bolt and storage.sql", path)
	}
	return cfg, nil
}
