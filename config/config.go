// Package config loads node configuration from JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tolelom/wagerchain/consensus"
	"github.com/tolelom/wagerchain/crypto"
)

// Duration is a time.Duration written as a string ("5s") in JSON. Plain
// numbers are read as nanoseconds.
type Duration struct{ time.Duration }

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		d.Duration = time.Duration(x)
	case string:
		p, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("duration %q: %w", x, err)
		}
		d.Duration = p
	default:
		return fmt.Errorf("duration: unexpected %s", b)
	}
	return nil
}

// ConsensusConfig tunes validation, fork choice and block production.
type ConsensusConfig struct {
	BlockInterval     Duration `json:"block_interval"`
	MaxBlockTxs       int      `json:"max_block_txs"`
	MaxClockDrift     Duration `json:"max_clock_drift"`
	ConfirmationDepth int64    `json:"confirmation_depth"`
	StallTimeout      Duration `json:"stall_timeout"`
	MaxReorgDepth     int      `json:"max_reorg_depth"` // ledger keeps MaxReorgDepth+1 snapshots
	TieBreak          string   `json:"tie_break"`       // "lowest-hash" or "first-seen"
	MaxOrphans        int      `json:"max_orphans"`
	MaxFetchDepth     int      `json:"max_fetch_depth"`
	OrphanTTL         Duration `json:"orphan_ttl"`
	MempoolSize       int      `json:"mempool_size"`
	MaxTxAge          Duration `json:"max_tx_age"`
}

// NetworkConfig tunes the peer layer.
type NetworkConfig struct {
	MaxPeers         int      `json:"max_peers"`
	MaxMessageSize   uint32   `json:"max_message_size"`
	FetchTimeout     Duration `json:"fetch_timeout"`
	MaxFetchAttempts int      `json:"max_fetch_attempts"`
	DedupSize        int      `json:"dedup_size"`
	DedupTTL         Duration `json:"dedup_ttl"`
	InboxSize        int      `json:"inbox_size"`
	RedialInterval   Duration `json:"redial_interval"`
}

// NATSConfig points the notification relay at a broker. An empty URL
// disables the relay.
type NATSConfig struct {
	URL    string `json:"url"`
	Prefix string `json:"prefix"`
}

// Config holds all node configuration.
type Config struct {
	NodeID       string          `json:"node_id"`
	DataDir      string          `json:"data_dir"`
	RPCAddr      string          `json:"rpc_addr"`
	P2PAddr      string          `json:"p2p_addr"`
	SeedPeers    []string        `json:"seed_peers"`
	Validators   []string        `json:"validators"` // authorised proposer pubkey hexes; empty admits any
	Genesis      GenesisConfig   `json:"genesis"`
	Consensus    ConsensusConfig `json:"consensus"`
	Network      NetworkConfig   `json:"network"`
	TLS          *TLSConfig      `json:"tls,omitempty"`
	RPCAuthToken string          `json:"rpc_auth_token"`
	NATS         NATSConfig      `json:"nats"`
	LogLevel     string          `json:"log_level"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		RPCAddr: ":8545",
		P2PAddr: ":30303",
		Genesis: GenesisConfig{
			ChainID:   "wagerchain-dev",
			Timestamp: 1704067200,
			Alloc:     map[string]uint64{},
		},
		Consensus: ConsensusConfig{
			BlockInterval:     D(2 * time.Second),
			MaxBlockTxs:       500,
			MaxClockDrift:     D(2 * time.Minute),
			ConfirmationDepth: 6,
			StallTimeout:      D(30 * time.Second),
			MaxReorgDepth:     64,
			TieBreak:          "lowest-hash",
			MaxOrphans:        256,
			MaxFetchDepth:     64,
			OrphanTTL:         D(2 * time.Minute),
			MempoolSize:       10000,
			MaxTxAge:          D(time.Hour),
		},
		Network: NetworkConfig{
			MaxPeers:         50,
			MaxMessageSize:   8 << 20,
			FetchTimeout:     D(2 * time.Second),
			MaxFetchAttempts: 3,
			DedupSize:        8192,
			DedupTTL:         D(10 * time.Minute),
			InboxSize:        1024,
			RedialInterval:   D(15 * time.Second),
		},
		NATS:     NATSConfig{Prefix: "wager"},
		LogLevel: "info",
	}
}

// Load reads a JSON config file from path over the defaults, assigns a node
// ID when none is set and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if err := c.Genesis.Validate(); err != nil {
		return err
	}
	for _, v := range c.Validators {
		if _, err := crypto.PubKeyFromHex(v); err != nil {
			return fmt.Errorf("validator %q: %w", v, err)
		}
	}
	cc := c.Consensus
	switch {
	case cc.ConfirmationDepth < 1:
		return fmt.Errorf("consensus.confirmation_depth must be at least 1")
	case cc.MaxReorgDepth < 1:
		return fmt.Errorf("consensus.max_reorg_depth must be at least 1")
	case cc.BlockInterval.Duration <= 0:
		return fmt.Errorf("consensus.block_interval must be positive")
	case cc.StallTimeout.Duration <= cc.BlockInterval.Duration:
		return fmt.Errorf("consensus.stall_timeout must exceed block_interval")
	}
	if _, err := consensus.ParseTieBreak(cc.TieBreak); err != nil {
		return fmt.Errorf("consensus.tie_break: %w", err)
	}
	if c.Network.MaxFetchAttempts < 1 {
		return fmt.Errorf("network.max_fetch_attempts must be at least 1")
	}
	return nil
}
