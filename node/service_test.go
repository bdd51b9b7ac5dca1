package node

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tolelom/wagerchain/consensus"
	"github.com/tolelom/wagerchain/core"
	"github.com/tolelom/wagerchain/events"
	"github.com/tolelom/wagerchain/internal/testutil"
	"github.com/tolelom/wagerchain/ledger"
	"github.com/tolelom/wagerchain/liveness"
	"github.com/tolelom/wagerchain/storage"
)

type fetchRequest struct{ hash, hint string }

type fakeNet struct {
	mu        sync.Mutex
	blocks    []string
	txs       []string
	requests  []fetchRequest
	penalized []string
}

func (f *fakeNet) BroadcastBlock(b *core.Block, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, b.Hash)
}

func (f *fakeNet) BroadcastTx(tx *core.Transaction, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, tx.ID)
}

func (f *fakeNet) RequestAncestor(hash, hint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, fetchRequest{hash, hint})
}

func (f *fakeNet) Penalize(origin, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.penalized = append(f.penalized, origin)
}

func (f *fakeNet) snapshot() fakeNet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeNet{
		blocks:    append([]string(nil), f.blocks...),
		txs:       append([]string(nil), f.txs...),
		requests:  append([]fetchRequest(nil), f.requests...),
		penalized: append([]string(nil), f.penalized...),
	}
}

var alloc = testutil.Alloc(4, 100)

type harness struct {
	t       *testing.T
	svc     *Service
	store   *storage.BlockStore
	net     *fakeNet
	genesis *core.Block

	mu     sync.Mutex
	events []events.Event
}

type options struct {
	store    *storage.BlockStore
	proposer *consensus.Proposer
	depth    int64
	clock    func() time.Time
}

func newHarness(t *testing.T, o options) *harness {
	t.Helper()
	if o.store == nil {
		o.store = storage.NewBlockStore(storage.NewMemDB())
	}
	if o.depth == 0 {
		o.depth = 2
	}
	g := testutil.Genesis(alloc)
	l, err := ledger.New(g, alloc, ledger.Options{ChainID: testutil.ChainID, Clock: o.clock})
	if err != nil {
		t.Fatal(err)
	}
	v := consensus.NewValidator(consensus.ValidatorConfig{ChainID: testutil.ChainID})
	r, err := consensus.NewResolver(g, v, l, consensus.ResolverConfig{})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{t: t, store: o.store, net: &fakeNet{}, genesis: g}
	em := events.NewEmitter(nil)
	em.Subscribe(func(ev events.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}, events.AllTypes()...)
	mon := liveness.New(liveness.Config{ConfirmationDepth: o.depth, StallTimeout: time.Minute})
	svc, err := New(Deps{Resolver: r, Ledger: l, Store: o.store, Monitor: mon, Emitter: em, Proposer: o.proposer},
		Config{ConfirmationDepth: o.depth, BlockInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	svc.SetNetwork(h.net)
	if err := svc.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	h.svc = svc

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// apply hands b to the loop and waits until it has been processed.
func (h *harness) apply(b *core.Block, origin string) {
	h.t.Helper()
	if err := h.svc.call(context.Background(), func() { h.svc.handleBlock(b, origin, false) }); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) eventsOf(typ events.EventType) []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.Event
	for _, ev := range h.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) status() Status {
	h.t.Helper()
	st, err := h.svc.Status(context.Background())
	if err != nil {
		h.t.Fatal(err)
	}
	return st
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitProposeConfirm(t *testing.T) {
	h := newHarness(t, options{proposer: consensus.NewProposer(testutil.Key(3), 0, nil), depth: 1})
	ctx := context.Background()

	tx := testutil.Transfer(0, 1, 30, 0)
	if err := h.svc.SubmitTransaction(ctx, tx); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if net := h.net.snapshot(); len(net.txs) != 1 || net.txs[0] != tx.ID {
		t.Fatalf("tx not gossiped: %v", net.txs)
	}
	eventually(t, "inclusion", func() bool {
		st, _ := h.svc.ConfirmationStatus(ctx, tx.ID)
		return st.State == core.TxIncluded
	})
	if bal, _ := h.svc.BalanceOf(ctx, testutil.Addr(1)); bal != 130 {
		t.Errorf("recipient balance = %d, want 130", bal)
	}
	if acc, _ := h.svc.Account(ctx, testutil.Addr(0)); acc.Balance != 70 || acc.Nonce != 1 {
		t.Errorf("sender account = %+v", acc)
	}
	if len(h.eventsOf(events.EventTxIncluded)) != 1 || len(h.eventsOf(events.EventBalanceChanged)) != 2 {
		t.Errorf("missing inclusion or balance notifications")
	}

	// A second transaction gives the first one its confirming block.
	if err := h.svc.SubmitTransaction(ctx, testutil.Transfer(1, 2, 5, 0)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "confirmation", func() bool {
		st, _ := h.svc.ConfirmationStatus(ctx, tx.ID)
		return st.State == core.TxConfirmed && st.Depth == 1
	})
	if got := h.eventsOf(events.EventTxConfirmed); len(got) != 1 || got[0].TxID != tx.ID {
		t.Fatalf("tx_confirmed events = %+v", got)
	}
	if !h.svc.IsLive() {
		t.Error("node not live right after producing blocks")
	}
	tip, _ := h.store.GetTip()
	if head, _ := h.svc.Head(ctx); head.Hash != tip || head.Height() != 2 {
		t.Errorf("persisted tip %s does not match head", tip)
	}
}

func TestSubmitRejectsDoubleSpend(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	if err := h.svc.SubmitTransaction(ctx, testutil.Transfer(0, 1, 80, 0)); err != nil {
		t.Fatal(err)
	}
	spend := testutil.Transfer(0, 2, 80, 1)
	err := h.svc.SubmitTransaction(ctx, spend)
	if core.KindOf(err) != core.KindDoubleSpend {
		t.Fatalf("err = %v, want double spend", err)
	}
	st, _ := h.svc.ConfirmationStatus(ctx, spend.ID)
	if st.State != core.TxRejected || st.Reason == "" {
		t.Fatalf("status = %+v", st)
	}
	if got := h.eventsOf(events.EventTxRejected); len(got) != 1 {
		t.Fatalf("tx_rejected events = %d", len(got))
	}
	if h.svc.MempoolSize() != 1 {
		t.Fatalf("mempool size = %d", h.svc.MempoolSize())
	}
}

func TestReorgAnnouncesReversal(t *testing.T) {
	h := newHarness(t, options{depth: 2})
	ctx := context.Background()
	a := testutil.Branch(h.genesis, 2, 0, 0, 1, 10, testutil.Nonces{}, 0)
	b := testutil.Branch(h.genesis, 3, 1, 2, 3, 5, testutil.Nonces{}, 7)

	for _, blk := range a {
		h.apply(blk, "peer-a")
	}
	for _, blk := range b {
		h.apply(blk, "peer-b")
	}

	if st := h.status(); st.TipHash != b[2].Hash || st.Height != 3 {
		t.Fatalf("tip = %s at %d, want branch B", st.TipHash, st.Height)
	}
	if len(h.eventsOf(events.EventChainReorg)) != 1 {
		t.Fatal("no reorg notification")
	}
	if got := h.eventsOf(events.EventTxReverted); len(got) != 2 {
		t.Fatalf("tx_reverted events = %d, want 2", len(got))
	}
	for _, blk := range a {
		if ok, _ := h.svc.IsCanonical(ctx, blk.Hash); ok {
			t.Errorf("abandoned block %d still canonical", blk.Height())
		}
		st, _ := h.svc.ConfirmationStatus(ctx, blk.Transactions[0].ID)
		if st.State != core.TxPending {
			t.Errorf("abandoned tx state = %s, want pending", st.State)
		}
	}
	tip, _ := h.store.GetTip()
	if tip != b[2].Hash {
		t.Fatal("store tip not moved to the new branch")
	}
	for i, blk := range b {
		stored, err := h.store.GetBlockByHeight(int64(i + 1))
		if err != nil || stored.Hash != blk.Hash {
			t.Fatalf("canonical index at %d not rewritten", i+1)
		}
	}
	if got := h.eventsOf(events.EventTxConfirmed); len(got) != 1 || got[0].TxID != b[0].Transactions[0].ID {
		t.Fatalf("tx_confirmed = %+v", got)
	}
	if bal, _ := h.svc.BalanceOf(ctx, testutil.Addr(0)); bal != 100 {
		t.Fatalf("balance after reorg = %d, want 100", bal)
	}
}

func TestOrphanFetchAndRelease(t *testing.T) {
	h := newHarness(t, options{})
	chain := testutil.Branch(h.genesis, 2, 0, 0, 1, 10, testutil.Nonces{}, 0)

	if !h.svc.DeliverBlock("peer-x", chain[1], false) {
		t.Fatal("inbox refused block")
	}
	eventually(t, "ancestor request", func() bool { return len(h.net.snapshot().requests) == 1 })
	req := h.net.snapshot().requests[0]
	if req.hash != chain[0].Hash || req.hint != "peer-x" {
		t.Fatalf("request = %+v", req)
	}
	if h.status().Orphans != 1 {
		t.Fatal("orphan not held")
	}

	h.svc.DeliverBlock("peer-x", chain[0], true)
	eventually(t, "release", func() bool { return h.status().Height == 2 })
	if h.status().Orphans != 0 {
		t.Fatal("released orphan still pooled")
	}
	net := h.net.snapshot()
	if len(net.blocks) != 1 || net.blocks[0] != chain[1].Hash {
		t.Fatalf("relayed %v, want only the released gossip block", net.blocks)
	}
}

func TestUnavailableAncestorDropsOrphans(t *testing.T) {
	h := newHarness(t, options{})
	chain := testutil.Branch(h.genesis, 3, 0, 0, 1, 10, testutil.Nonces{}, 0)
	h.apply(chain[2], "peer-x")
	h.apply(chain[1], "peer-x")
	if h.status().Orphans != 2 {
		t.Fatalf("orphans = %d", h.status().Orphans)
	}
	h.svc.AncestorUnavailable(chain[0].Hash)
	eventually(t, "discard", func() bool { return h.status().Orphans == 0 })
}

func TestInvalidGossipPenalizesOrigin(t *testing.T) {
	h := newHarness(t, options{})
	blk := testutil.Block(h.genesis, 0, testutil.Transfer(0, 1, 10, 0))
	blk.Signature = testutil.Block(h.genesis, 1, testutil.Transfer(0, 1, 10, 0)).Signature
	h.apply(blk, "liar")
	if p := h.net.snapshot().penalized; len(p) != 1 || p[0] != "liar" {
		t.Fatalf("penalized = %v", p)
	}

	// An overdraft is a conflict, not misbehaviour.
	over := testutil.Block(h.genesis, 0, testutil.Transfer(0, 1, 1_000, 0))
	h.apply(over, "honest")
	if p := h.net.snapshot().penalized; len(p) != 1 {
		t.Fatalf("double spend penalised its sender: %v", p)
	}
	if h.status().Height != 0 {
		t.Fatal("invalid block changed the chain")
	}
}

func TestRestoreRebuildsTree(t *testing.T) {
	store := storage.NewBlockStore(storage.NewMemDB())
	first := newHarness(t, options{store: store})
	a := testutil.Branch(first.genesis, 2, 0, 0, 1, 10, testutil.Nonces{}, 0)
	b := testutil.Branch(first.genesis, 3, 1, 2, 3, 5, testutil.Nonces{}, 7)
	for _, blk := range append(a, b...) {
		first.apply(blk, "")
	}
	want := first.status()

	second := newHarness(t, options{store: store})
	got := second.status()
	if got.Height != want.Height || got.TipHash != want.TipHash {
		t.Fatalf("restored %d/%s, want %d/%s", got.Height, got.TipHash, want.Height, want.TipHash)
	}
	if blk, err := second.svc.Block(context.Background(), a[1].Hash); err != nil || blk.Hash != a[1].Hash {
		t.Fatal("side branch lost on restore")
	}
	if len(second.eventsOf(events.EventTxConfirmed)) != 0 {
		t.Fatal("restore re-announced old confirmations")
	}
}

func TestRestoreRejectsForeignStore(t *testing.T) {
	store := storage.NewBlockStore(storage.NewMemDB())
	other := core.NewGenesisBlock("another-chain", testutil.GenesisTime, alloc)
	if err := store.PutBlock(other); err != nil {
		t.Fatal(err)
	}
	if err := store.SetCanonical([]*core.Block{other}); err != nil {
		t.Fatal(err)
	}
	g := testutil.Genesis(alloc)
	l, _ := ledger.New(g, alloc, ledger.Options{ChainID: testutil.ChainID})
	r, _ := consensus.NewResolver(g, consensus.NewValidator(consensus.ValidatorConfig{ChainID: testutil.ChainID}), l, consensus.ResolverConfig{})
	svc, err := New(Deps{Resolver: r, Ledger: l, Store: store, Monitor: liveness.New(liveness.Config{})}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Restore(); err == nil {
		t.Fatal("restored a store from another chain")
	}
}

func TestCallHonoursCancelledContext(t *testing.T) {
	h := newHarness(t, options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.svc.BalanceOf(ctx, testutil.Addr(0)); err == nil {
		t.Fatal("call with cancelled context succeeded")
	}
}

func TestSweepExpiresPendingTransactions(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Now().UnixNano())
	h := newHarness(t, options{clock: func() time.Time { return time.Unix(0, now.Load()) }})
	ctx := context.Background()

	tx := testutil.Transfer(0, 1, 10, 0)
	if err := h.svc.SubmitTransaction(ctx, tx); err != nil {
		t.Fatal(err)
	}
	now.Add(int64(2 * time.Hour))
	if err := h.svc.call(ctx, h.svc.sweep); err != nil {
		t.Fatal(err)
	}

	st, _ := h.svc.ConfirmationStatus(ctx, tx.ID)
	if st.State != core.TxRejected {
		t.Fatalf("status = %+v, want rejected after expiry", st)
	}
	if got := h.eventsOf(events.EventTxRejected); len(got) != 1 || got[0].TxID != tx.ID {
		t.Fatalf("tx_rejected events = %+v", got)
	}
	if h.svc.MempoolSize() != 0 {
		t.Fatalf("mempool size = %d", h.svc.MempoolSize())
	}
}

func TestAccountsChainAndStatus(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	a := testutil.Branch(h.genesis, 2, 0, 0, 1, 10, testutil.Nonces{}, 0)
	side := testutil.Branch(h.genesis, 1, 1, 2, 3, 5, testutil.Nonces{}, 7)
	for _, blk := range append(a, side...) {
		h.apply(blk, "peer")
	}

	accs, err := h.svc.Accounts(ctx)
	if err != nil || len(accs) != len(alloc) {
		t.Fatalf("Accounts = %d, %v", len(accs), err)
	}
	var total uint64
	for i, acc := range accs {
		if i > 0 && accs[i-1].Address >= acc.Address {
			t.Fatal("accounts not sorted by address")
		}
		total += acc.Balance
	}
	if total != 400 {
		t.Fatalf("total supply = %d, want 400", total)
	}

	chain, err := h.svc.Chain(ctx, 0, -1)
	if err != nil || len(chain) != 3 || chain[0].Hash != h.genesis.Hash || chain[2].Hash != a[1].Hash {
		t.Fatalf("full chain = %d blocks, %v", len(chain), err)
	}
	if chain, _ = h.svc.Chain(ctx, 1, 1); len(chain) != 1 || chain[0].Hash != a[0].Hash {
		t.Fatalf("Chain(1,1) = %d blocks", len(chain))
	}
	if chain, _ = h.svc.Chain(ctx, 5, 10); chain == nil || len(chain) != 0 {
		t.Fatalf("range past the tip = %v, want empty", chain)
	}

	st := h.status()
	if st.Leaves != 2 {
		t.Fatalf("leaves = %d, want 2", st.Leaves)
	}
	if st.SinceProgress == "" {
		t.Fatal("since_progress empty")
	}
}
