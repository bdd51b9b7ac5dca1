// Package network carries blocks and transactions between nodes: a TCP
// transport with length-prefixed JSON envelopes, flood gossip with a
// deduplication cache, ancestor fetches for orphans and catch-up sync.
package network

import (
	"encoding/json"

	"github.com/tolelom/wagerchain/core"
)

// MsgType labels a network message.
type MsgType string

const (
	MsgHello       MsgType = "hello"
	MsgNewBlock    MsgType = "new_block"
	MsgNewTx       MsgType = "new_tx"
	MsgGetAncestor MsgType = "get_ancestor"
	MsgAncestor    MsgType = "ancestor"
	MsgGetBlocks   MsgType = "get_blocks"
	MsgBlocks      MsgType = "blocks"
)

// Message is the envelope for all peer communication.
type Message struct {
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Hello is exchanged right after a connection opens.
type Hello struct {
	NodeID  string `json:"node_id"`
	ChainID string `json:"chain_id"`
	Genesis string `json:"genesis"`
	TipHash string `json:"tip_hash"`
	Height  int64  `json:"height"`
}

// GetAncestor asks for one block by hash.
type GetAncestor struct {
	RequestID string `json:"request_id"`
	Hash      string `json:"hash"`
}

// Ancestor answers a GetAncestor. Block is nil when NotFound is set.
type Ancestor struct {
	RequestID string      `json:"request_id"`
	Hash      string      `json:"hash"`
	Block     *core.Block `json:"block,omitempty"`
	NotFound  bool        `json:"not_found,omitempty"`
}

// GetBlocks asks for canonical blocks starting at FromHeight.
type GetBlocks struct {
	FromHeight int64 `json:"from_height"`
	Limit      int   `json:"limit"`
}

// Blocks carries a batch of canonical blocks in height order.
type Blocks struct {
	Blocks []*core.Block `json:"blocks"`
}

// encode wraps payload in an envelope.
func encode(typ MsgType, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Payload: data}, nil
}
