package consensus

import (
	"errors"
	"time"

	"github.com/tolelom/wagerchain/core"
	"github.com/tolelom/wagerchain/crypto"
)

// ErrNothingToPropose is returned when no pending transaction applies to the tip.
var ErrNothingToPropose = errors.New("no applicable pending transactions")

// Proposer assembles and signs blocks for an authorised validator key.
type Proposer struct {
	key    crypto.PrivateKey
	pub    crypto.PublicKey
	maxTxs int
	clock  func() time.Time
}

// NewProposer returns a proposer signing with key.
func NewProposer(key crypto.PrivateKey, maxTxs int, clock func() time.Time) *Proposer {
	if maxTxs <= 0 {
		maxTxs = defaultMaxBlockTxs
	}
	if clock == nil {
		clock = time.Now
	}
	return &Proposer{key: key, pub: key.Public(), maxTxs: maxTxs, clock: clock}
}

// PubKey returns the proposer public key in hex.
func (p *Proposer) PubKey() string { return p.pub.Hex() }

// Build picks, in queue order, the pending transactions that apply cleanly
// on top of parent's state and seals them into a block. Transactions that do
// not apply yet (nonce gaps, spent balance) are skipped, not dropped.
func (p *Proposer) Build(parent *core.Block, state *core.State, pending []*core.Transaction) (*core.Block, error) {
	sim := state.Clone()
	txs := make([]*core.Transaction, 0, min(len(pending), p.maxTxs))
	// Repeat passes so a nonce queued behind its successor still gets in.
	remaining := pending
	for progress := true; progress && len(txs) < p.maxTxs; {
		progress = false
		var next []*core.Transaction
		for _, tx := range remaining {
			if len(txs) >= p.maxTxs {
				break
			}
			if sim.ApplyTx(tx) == nil {
				txs = append(txs, tx)
				progress = true
			} else {
				next = append(next, tx)
			}
		}
		remaining = next
	}
	if len(txs) == 0 {
		return nil, ErrNothingToPropose
	}
	b := core.NewBlock(parent, p.pub, txs)
	if ts := p.clock().UnixNano(); ts > parent.Header.Timestamp {
		b.Header.Timestamp = ts
	}
	b.Seal(p.key)
	return b, nil
}
