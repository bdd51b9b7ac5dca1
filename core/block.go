package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tolelom/wagerchain/crypto"
)

// BlockHeader is the hashed and signed part of a block.
type BlockHeader struct {
	Height    int64  `json:"height"`
	PrevHash  string `json:"prev_hash"`
	TxRoot    string `json:"tx_root"` // commitment to the ordered transaction IDs
	Timestamp int64  `json:"timestamp"`
	Proposer  string `json:"proposer"` // proposer pubkey hex, empty for genesis
}

// Block is an ordered batch of transactions sealed by its proposer.
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions"`
	Hash         string         `json:"hash"`
	Signature    string         `json:"signature"`
}

// ComputeHash returns the digest of the serialised header.
func (b *Block) ComputeHash() string {
	data, err := json.Marshal(b.Header)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Seal sets Hash and signs it with the proposer key.
func (b *Block) Seal(priv crypto.PrivateKey) {
	b.Hash = b.ComputeHash()
	b.Signature = crypto.Sign(priv, []byte(b.Hash))
}

// VerifySignature checks Signature against the header's proposer key.
func (b *Block) VerifySignature() error {
	pub, err := crypto.PubKeyFromHex(b.Header.Proposer)
	if err != nil {
		return fmt.Errorf("proposer key: %w", err)
	}
	return crypto.Verify(pub, []byte(b.Hash), b.Signature)
}

// Height is shorthand for Header.Height.
func (b *Block) Height() int64 { return b.Header.Height }

// PrevHash is shorthand for Header.PrevHash.
func (b *Block) PrevHash() string { return b.Header.PrevHash }

// TxIDs lists transaction IDs in block order.
func (b *Block) TxIDs() []string {
	ids := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.ID
	}
	return ids
}

// ComputeTxRoot commits to transaction IDs in order.
func ComputeTxRoot(txs []*Transaction) string {
	ids := make([]string, 0, len(txs)+1)
	ids = append(ids, "txs")
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	return crypto.HashConcat(ids...)
}

// NewBlock builds an unsealed block on top of parent.
func NewBlock(parent *Block, proposer crypto.PublicKey, txs []*Transaction) *Block {
	ts := time.Now().UnixNano()
	if ts <= parent.Header.Timestamp {
		ts = parent.Header.Timestamp + 1
	}
	return &Block{
		Header: BlockHeader{
			Height:    parent.Header.Height + 1,
			PrevHash:  parent.Hash,
			TxRoot:    ComputeTxRoot(txs),
			Timestamp: ts,
			Proposer:  proposer.Hex(),
		},
		Transactions: txs,
	}
}

// GenesisRoot commits the genesis block to its chain ID and allocation, so
// nodes configured differently never share a genesis hash.
func GenesisRoot(chainID string, alloc map[string]uint64) string {
	addrs := make([]string, 0, len(alloc))
	for a := range alloc {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	parts := make([]string, 0, 2*len(addrs)+1)
	parts = append(parts, chainID)
	for _, a := range addrs {
		parts = append(parts, a, fmt.Sprintf("%d", alloc[a]))
	}
	return crypto.HashConcat(parts...)
}

// NewGenesisBlock derives the deterministic height-0 block.
func NewGenesisBlock(chainID string, timestamp int64, alloc map[string]uint64) *Block {
	b := &Block{
		Header: BlockHeader{
			Height:    0,
			PrevHash:  crypto.ZeroHash,
			TxRoot:    GenesisRoot(chainID, alloc),
			Timestamp: timestamp,
		},
	}
	b.Hash = b.ComputeHash()
	return b
}
