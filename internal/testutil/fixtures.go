// Package testutil provides deterministic keys and chain builders shared by
// tests across the module. Never import this in production code.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/tolelom/wagerchain/core"
	"github.com/tolelom/wagerchain/crypto"
)

// ChainID is the chain identifier used by every fixture.
const ChainID = "wager-test"

// GenesisTime is the fixed genesis timestamp so fixture genesis hashes match.
var GenesisTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()

// Key returns the i-th deterministic test key.
func Key(i int) crypto.PrivateKey {
	seed := crypto.HashBytes([]byte(fmt.Sprintf("wagerchain-test-key-%d", i)))
	k, err := crypto.KeyFromSeed(seed)
	if err != nil {
		panic(err)
	}
	return k
}

// Addr returns the address of Key(i).
func Addr(i int) string { return Key(i).Public().Address() }

// Alloc funds keys 0..n-1 with bal each.
func Alloc(n int, bal uint64) map[string]uint64 {
	alloc := make(map[string]uint64, n)
	for i := 0; i < n; i++ {
		alloc[Addr(i)] = bal
	}
	return alloc
}

// Genesis builds the fixture genesis block for alloc.
func Genesis(alloc map[string]uint64) *core.Block {
	return core.NewGenesisBlock(ChainID, GenesisTime, alloc)
}

// Transfer signs a transfer from key index from to key index to.
func Transfer(from, to int, amount, nonce uint64) *core.Transaction {
	tx := core.NewTransfer(ChainID, Key(from).Public(), Addr(to), amount, nonce, "")
	tx.Sign(Key(from))
	return tx
}

// Block seals a child of parent proposed by key index proposer. Timestamps
// step one second past the parent so repeated calls are reproducible.
func Block(parent *core.Block, proposer int, txs ...*core.Transaction) *core.Block {
	return BlockAt(parent, proposer, parent.Header.Timestamp+int64(time.Second), txs...)
}

// BlockAt is Block with an explicit timestamp, used to build distinct siblings.
func BlockAt(parent *core.Block, proposer int, ts int64, txs ...*core.Transaction) *core.Block {
	b := &core.Block{
		Header: core.BlockHeader{
			Height:    parent.Header.Height + 1,
			PrevHash:  parent.Hash,
			TxRoot:    core.ComputeTxRoot(txs),
			Timestamp: ts,
			Proposer:  Key(proposer).Public().Hex(),
		},
		Transactions: txs,
	}
	b.Seal(Key(proposer))
	return b
}

// Nonces hands out sequential nonces per sender while building a branch.
type Nonces map[int]uint64

// Next returns and advances the nonce for sender i.
func (n Nonces) Next(i int) uint64 {
	v := n[i]
	n[i] = v + 1
	return v
}

// Clone copies the counters so a fork can diverge from a shared prefix.
func (n Nonces) Clone() Nonces {
	cp := make(Nonces, len(n))
	for k, v := range n {
		cp[k] = v
	}
	return cp
}

// Branch extends parent by count blocks, each carrying one transfer of
// amount from sender to recipient, proposed by proposer. Tick offsets the
// timestamps so two branches built from the same parent differ.
func Branch(parent *core.Block, count, proposer, sender, recipient int, amount uint64, nonces Nonces, tick int64) []*core.Block {
	out := make([]*core.Block, 0, count)
	prev := parent
	for i := 0; i < count; i++ {
		tx := Transfer(sender, recipient, amount, nonces.Next(sender))
		b := BlockAt(prev, proposer, prev.Header.Timestamp+int64(time.Second)+tick, tx)
		out = append(out, b)
		prev = b
	}
	return out
}

// Replay applies blocks to a fresh genesis state, failing the test on error.
func Replay(t testing.TB, alloc map[string]uint64, blocks []*core.Block) *core.State {
	t.Helper()
	s := core.NewState(alloc)
	for _, b := range blocks {
		if r := s.ApplyBlock(b); r != nil {
			t.Fatalf("replay block %d: %v", b.Header.Height, r)
		}
	}
	return s
}
