package config

import (
	"fmt"
	"time"

	"github.com/tolelom/wagerchain/core"
	"github.com/tolelom/wagerchain/crypto"
)

// GenesisConfig describes the chain's initial state. Every node with the
// same genesis section derives the same genesis hash.
type GenesisConfig struct {
	ChainID   string            `json:"chain_id"`
	Timestamp int64             `json:"timestamp"` // unix seconds
	Alloc     map[string]uint64 `json:"alloc"`     // address -> initial balance
}

// Validate checks the chain ID and allocation addresses.
func (g GenesisConfig) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("genesis.chain_id is required")
	}
	for addr := range g.Alloc {
		if !crypto.IsAddress(addr) {
			return fmt.Errorf("genesis.alloc: %q is not an address", addr)
		}
	}
	return nil
}

// Block derives the genesis block.
func (g GenesisConfig) Block() *core.Block {
	return core.NewGenesisBlock(g.ChainID, time.Unix(g.Timestamp, 0).UnixNano(), g.Alloc)
}
