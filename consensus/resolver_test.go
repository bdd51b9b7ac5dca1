package consensus_test

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/tolelom/wagerchain/consensus"
	"github.com/tolelom/wagerchain/core"
	"github.com/tolelom/wagerchain/internal/testutil"
	"github.com/tolelom/wagerchain/ledger"
)

type fixture struct {
	alloc    map[string]uint64
	genesis  *core.Block
	ledger   *ledger.Ledger
	resolver *consensus.Resolver
}

func newFixture(t *testing.T, retain int, cfg consensus.ResolverConfig) *fixture {
	t.Helper()
	alloc := testutil.Alloc(4, 100)
	g := testutil.Genesis(alloc)
	l, err := ledger.New(g, alloc, ledger.Options{ChainID: testutil.ChainID, Retain: retain})
	if err != nil {
		t.Fatal(err)
	}
	r, err := consensus.NewResolver(g, newValidator(), l, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{alloc: alloc, genesis: g, ledger: l, resolver: r}
}

func (f *fixture) submit(t *testing.T, blocks ...*core.Block) consensus.ChainUpdate {
	t.Helper()
	var last consensus.ChainUpdate
	for _, b := range blocks {
		upd, err := f.resolver.Submit(b, "")
		if err != nil {
			t.Fatalf("submit height %d: %v", b.Header.Height, err)
		}
		last = upd
	}
	return last
}

// forkScenario builds a shared prefix to height 3, branch A to height 5 and
// branch B to height 6.
func forkScenario(g *core.Block) (prefix, a, b []*core.Block) {
	nonces := testutil.Nonces{}
	prefix = testutil.Branch(g, 3, 0, 0, 1, 1, nonces, 0)
	a = testutil.Branch(prefix[2], 2, 0, 1, 2, 5, nonces.Clone(), 0)
	b = testutil.Branch(prefix[2], 3, 1, 2, 3, 7, nonces.Clone(), 3)
	return prefix, a, b
}

func concat(parts ...[]*core.Block) []*core.Block {
	var out []*core.Block
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestExtendCanonicalChain(t *testing.T) {
	f := newFixture(t, 16, consensus.ResolverConfig{})
	blocks := testutil.Branch(f.genesis, 3, 0, 0, 1, 10, testutil.Nonces{}, 0)
	for i, b := range blocks {
		upd := f.submit(t, b)
		if upd.Kind != consensus.UpdateExtended || upd.NewTip != b.Hash {
			t.Fatalf("block %d: kind %v tip %s", i, upd.Kind, upd.NewTip)
		}
	}
	if f.resolver.Height() != 3 {
		t.Fatalf("height = %d", f.resolver.Height())
	}
	if got := f.ledger.BalanceOf(testutil.Addr(1)); got != 130 {
		t.Errorf("recipient balance = %d, want 130", got)
	}
	if _, err := f.resolver.Submit(blocks[1], ""); !errors.Is(err, core.ErrKnownBlock) {
		t.Errorf("resubmit: %v", err)
	}
}

// TestReorgMatchesFreshReplay: branch A reaches height 5, branch B reaches
// height 6 from a common block at height 3. The ledger after the switch must
// equal a replay of B from genesis.
func TestReorgMatchesFreshReplay(t *testing.T) {
	f := newFixture(t, 16, consensus.ResolverConfig{TieBreak: consensus.TieBreakFirstSeen})
	prefix, a, b := forkScenario(f.genesis)
	f.submit(t, prefix...)
	f.submit(t, a...)
	if f.resolver.TipHash() != a[1].Hash {
		t.Fatal("branch A not canonical")
	}
	f.submit(t, b[0], b[1])
	if f.resolver.TipHash() != a[1].Hash {
		t.Fatal("first-seen tip replaced by an equal-height leaf")
	}
	upd := f.submit(t, b[2])
	if upd.Kind != consensus.UpdateReorganized {
		t.Fatalf("kind = %v, want reorganized", upd.Kind)
	}
	if upd.CommonAncestor != prefix[2].Hash {
		t.Errorf("ancestor = %s, want height-3 block", upd.CommonAncestor)
	}
	if len(upd.Reverted) != 2 || len(upd.Applied) != 3 {
		t.Errorf("reverted %d applied %d, want 2 and 3", len(upd.Reverted), len(upd.Applied))
	}
	want := testutil.Replay(t, f.alloc, concat(prefix, b))
	if f.ledger.State().Root() != want.Root() {
		t.Fatal("ledger differs from fresh replay of the winning branch")
	}
	if len(upd.Requeued) != 2 || f.ledger.Pool().Size() != 2 {
		t.Errorf("requeued %d, pool %d; want branch A's 2 transfers pending", len(upd.Requeued), f.ledger.Pool().Size())
	}
	for _, blk := range a {
		if f.resolver.IsCanonical(blk.Hash) {
			t.Errorf("abandoned block %d still canonical", blk.Header.Height)
		}
	}
}

func TestTieBreakLowestHash(t *testing.T) {
	f := newFixture(t, 16, consensus.ResolverConfig{})
	x := testutil.BlockAt(f.genesis, 0, f.genesis.Header.Timestamp+1, testutil.Transfer(0, 1, 1, 0))
	y := testutil.BlockAt(f.genesis, 0, f.genesis.Header.Timestamp+2, testutil.Transfer(0, 1, 1, 0))
	lo, hi := x, y
	if hi.Hash < lo.Hash {
		lo, hi = hi, lo
	}
	f.submit(t, hi)
	upd := f.submit(t, lo)
	if upd.Kind != consensus.UpdateReorganized || f.resolver.TipHash() != lo.Hash {
		t.Fatalf("lower hash did not win: kind %v", upd.Kind)
	}

	g := newFixture(t, 16, consensus.ResolverConfig{})
	g.submit(t, lo)
	if upd := g.submit(t, hi); upd.Kind != consensus.UpdateNone {
		t.Fatalf("higher hash displaced tip: %v", upd.Kind)
	}
}

func TestOrphansResolveWhenParentArrives(t *testing.T) {
	f := newFixture(t, 16, consensus.ResolverConfig{})
	blocks := testutil.Branch(f.genesis, 3, 0, 0, 1, 1, testutil.Nonces{}, 0)

	upd := f.submit(t, blocks[2])
	if upd.Kind != consensus.UpdatePending || upd.Missing != blocks[1].Hash {
		t.Fatalf("first orphan: kind %v missing %s", upd.Kind, upd.Missing)
	}
	upd = f.submit(t, blocks[1])
	if upd.Missing != blocks[0].Hash {
		t.Fatalf("second orphan should ask for height 1, got %s", upd.Missing)
	}
	if f.resolver.OrphanCount() != 2 {
		t.Fatalf("orphans = %d", f.resolver.OrphanCount())
	}
	upd = f.submit(t, blocks[0])
	if upd.Kind != consensus.UpdateExtended || len(upd.Connected) != 3 || len(upd.Applied) != 3 {
		t.Fatalf("kind %v connected %d applied %d", upd.Kind, len(upd.Connected), len(upd.Applied))
	}
	if f.resolver.TipHash() != blocks[2].Hash || f.resolver.OrphanCount() != 0 {
		t.Fatal("orphans not drained into the canonical chain")
	}
}

func TestOrphansDiscardedWhenUnavailable(t *testing.T) {
	f := newFixture(t, 16, consensus.ResolverConfig{})
	blocks := testutil.Branch(f.genesis, 3, 0, 0, 1, 1, testutil.Nonces{}, 0)
	f.submit(t, blocks[1], blocks[2])
	dropped := f.resolver.DiscardOrphans(blocks[0].Hash)
	if len(dropped) != 2 || f.resolver.OrphanCount() != 0 {
		t.Fatalf("dropped %d, left %d", len(dropped), f.resolver.OrphanCount())
	}
	if f.resolver.Height() != 0 {
		t.Fatal("canonical chain moved")
	}
}

func TestOrphanFetchDepthBudget(t *testing.T) {
	f := newFixture(t, 16, consensus.ResolverConfig{MaxFetchDepth: 1})
	blocks := testutil.Branch(f.genesis, 4, 0, 0, 1, 1, testutil.Nonces{}, 0)
	f.submit(t, blocks[3], blocks[2])
	upd, err := f.resolver.Submit(blocks[1], "peer")
	if core.KindOf(err) != core.KindUnknownPredecessor {
		t.Fatalf("got %v, want unknown_predecessor", err)
	}
	if len(upd.Discarded) != 2 || f.resolver.OrphanCount() != 0 {
		t.Fatalf("discarded %d, left %d", len(upd.Discarded), f.resolver.OrphanCount())
	}
}

func TestOrphanPoolEvictsOldest(t *testing.T) {
	f := newFixture(t, 16, consensus.ResolverConfig{MaxOrphans: 2})
	var heads []*core.Block
	for i := 0; i < 3; i++ {
		parent := testutil.BlockAt(f.genesis, 0, f.genesis.Header.Timestamp+int64(i+1), testutil.Transfer(0, 1, 1, 0))
		heads = append(heads, testutil.Block(parent, 0, testutil.Transfer(0, 1, 1, 1)))
	}
	f.submit(t, heads[0], heads[1])
	upd := f.submit(t, heads[2])
	if len(upd.Discarded) != 1 || upd.Discarded[0] != heads[0].Hash {
		t.Fatalf("evicted %v, want the oldest orphan", upd.Discarded)
	}
	if f.resolver.Known(heads[0].Hash) || !f.resolver.Known(heads[2].Hash) {
		t.Fatal("wrong orphan evicted")
	}
}

func TestOrphansExpire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := newFixture(t, 16, consensus.ResolverConfig{
		OrphanTTL: time.Minute,
		Clock:     func() time.Time { return now },
	})
	blocks := testutil.Branch(f.genesis, 2, 0, 0, 1, 1, testutil.Nonces{}, 0)
	f.submit(t, blocks[1])
	if len(f.resolver.ExpireOrphans()) != 0 {
		t.Fatal("fresh orphan expired")
	}
	now = now.Add(2 * time.Minute)
	if dropped := f.resolver.ExpireOrphans(); len(dropped) != 1 {
		t.Fatalf("expired %d, want 1", len(dropped))
	}
}

func TestInvalidBlockLeavesTreeUnchanged(t *testing.T) {
	f := newFixture(t, 16, consensus.ResolverConfig{})
	bad := testutil.Block(f.genesis, 0,
		testutil.Transfer(0, 1, 60, 0),
		testutil.Transfer(0, 2, 60, 0))
	_, err := f.resolver.Submit(bad, "peer")
	if core.KindOf(err) != core.KindNonceConflict {
		t.Fatalf("got %v, want nonce_conflict", err)
	}
	if f.resolver.Known(bad.Hash) || f.resolver.Height() != 0 {
		t.Fatal("rejected block entered the tree")
	}
}

// TestInvalidOrphanDroppedOnRelease holds a bad child as an orphan; when
// its parent arrives, the parent connects and the child is dropped.
func TestInvalidOrphanDroppedOnRelease(t *testing.T) {
	f := newFixture(t, 16, consensus.ResolverConfig{})
	parent := testutil.Block(f.genesis, 0, testutil.Transfer(0, 1, 90, 0))
	child := testutil.Block(parent, 0, testutil.Transfer(0, 1, 90, 1)) // overdraws
	f.submit(t, child)
	upd := f.submit(t, parent)
	if len(upd.Connected) != 1 || f.resolver.TipHash() != parent.Hash {
		t.Fatalf("connected %d, tip height %d", len(upd.Connected), f.resolver.Height())
	}
	if f.resolver.Known(child.Hash) {
		t.Fatal("invalid orphan kept")
	}
}

// TestDeterministicConvergence delivers the same block set in many orders
// and expects one tip and one ledger state.
func TestDeterministicConvergence(t *testing.T) {
	base := newFixture(t, 16, consensus.ResolverConfig{})
	prefix, a, b := forkScenario(base.genesis)
	extra := testutil.BlockAt(a[1], 2, a[1].Header.Timestamp+9, testutil.Transfer(3, 0, 1, 0))
	all := concat(prefix, a, b, []*core.Block{extra})

	var wantTip, wantRoot string
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 25; round++ {
		order := append([]*core.Block(nil), all...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		f := newFixture(t, 16, consensus.ResolverConfig{})
		for _, blk := range order {
			if _, err := f.resolver.Submit(blk, ""); err != nil && !errors.Is(err, core.ErrKnownBlock) {
				t.Fatalf("round %d: %v", round, err)
			}
		}
		tip, root := f.resolver.TipHash(), f.ledger.State().Root()
		if round == 0 {
			wantTip, wantRoot = tip, root
			continue
		}
		if tip != wantTip || root != wantRoot {
			t.Fatalf("round %d diverged", round)
		}
	}
	// Both branches reach height 6; the lower hash wins.
	winner := b[2]
	if extra.Hash < winner.Hash {
		winner = extra
	}
	if wantTip != winner.Hash {
		t.Fatal("converged on the wrong tip")
	}
}

// TestSupplyConserved checks that no accepted history creates or destroys
// funds, which together with unsigned balances rules out negative balances.
func TestSupplyConserved(t *testing.T) {
	f := newFixture(t, 16, consensus.ResolverConfig{})
	prefix, a, b := forkScenario(f.genesis)
	f.submit(t, concat(prefix, a, b)...)
	total := uint64(0)
	for _, v := range f.alloc {
		total += v
	}
	if f.ledger.State().Total() != total {
		t.Fatalf("supply %d, want %d", f.ledger.State().Total(), total)
	}
	for _, acc := range f.ledger.State().Accounts() {
		if acc.Balance > total {
			t.Errorf("account %s balance %d exceeds supply", acc.Address, acc.Balance)
		}
	}
}

// TestDeepReorgReplaysFromGenesis retains a single snapshot so the switch
// must rebuild the ancestor state from scratch.
func TestDeepReorgReplaysFromGenesis(t *testing.T) {
	f := newFixture(t, 1, consensus.ResolverConfig{TieBreak: consensus.TieBreakFirstSeen})
	prefix, a, b := forkScenario(f.genesis)
	f.submit(t, prefix...)
	f.submit(t, a...)
	f.submit(t, b...)
	if f.resolver.TipHash() != b[2].Hash {
		t.Fatal("branch B not canonical")
	}
	want := testutil.Replay(t, f.alloc, concat(prefix, b))
	if f.ledger.State().Root() != want.Root() {
		t.Fatal("ledger differs after replay fallback")
	}
}

func TestConfirmationDepth(t *testing.T) {
	f := newFixture(t, 16, consensus.ResolverConfig{})
	blocks := testutil.Branch(f.genesis, 5, 0, 0, 1, 1, testutil.Nonces{}, 0)
	f.submit(t, blocks...)
	tx := blocks[1].Transactions[0]
	depth, ok := f.resolver.ConfirmationDepth(tx.ID)
	if !ok || depth != 3 {
		t.Fatalf("depth = %d, %v; want 3", depth, ok)
	}
	if _, ok := f.resolver.ConfirmationDepth("missing"); ok {
		t.Fatal("unknown tx reported a depth")
	}
	if blk, ok := f.resolver.CanonicalAt(2); !ok || blk.Hash != blocks[1].Hash {
		t.Fatal("CanonicalAt(2) wrong")
	}
}

type failingLedger struct {
	*ledger.Ledger
	failOn string
}

func (f *failingLedger) ApplyBlock(b *core.Block) error {
	if b.Hash == f.failOn {
		return fmt.Errorf("%w: injected", core.ErrLedgerInconsistency)
	}
	return f.Ledger.ApplyBlock(b)
}

// TestLedgerInconsistencyRestoresTip makes the ledger refuse a block the
// validator accepted.
func TestLedgerInconsistencyRestoresTip(t *testing.T) {
	alloc := testutil.Alloc(2, 100)
	g := testutil.Genesis(alloc)
	inner, err := ledger.New(g, alloc, ledger.Options{ChainID: testutil.ChainID})
	if err != nil {
		t.Fatal(err)
	}
	blocks := testutil.Branch(g, 2, 0, 0, 1, 1, testutil.Nonces{}, 0)
	l := &failingLedger{Ledger: inner, failOn: blocks[1].Hash}
	r, err := consensus.NewResolver(g, newValidator(), l, consensus.ResolverConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Submit(blocks[0], ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Submit(blocks[1], ""); !errors.Is(err, core.ErrLedgerInconsistency) {
		t.Fatalf("got %v, want ErrLedgerInconsistency", err)
	}
	if r.TipHash() != blocks[0].Hash || inner.Head() != blocks[0].Hash {
		t.Fatal("tip or ledger head moved")
	}
	if r.Known(blocks[1].Hash) {
		t.Fatal("refused block still in tree")
	}
}

// TestLedgerInconsistencyKeepsValidParent delivers a parent and child in one
// batch; the child is refused but the parent still outranks the old tip.
func TestLedgerInconsistencyKeepsValidParent(t *testing.T) {
	alloc := testutil.Alloc(2, 100)
	g := testutil.Genesis(alloc)
	inner, err := ledger.New(g, alloc, ledger.Options{ChainID: testutil.ChainID})
	if err != nil {
		t.Fatal(err)
	}
	blocks := testutil.Branch(g, 2, 0, 0, 1, 1, testutil.Nonces{}, 0)
	l := &failingLedger{Ledger: inner, failOn: blocks[1].Hash}
	r, err := consensus.NewResolver(g, newValidator(), l, consensus.ResolverConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if upd, err := r.Submit(blocks[1], ""); err != nil || upd.Kind != consensus.UpdatePending {
		t.Fatalf("orphan submit: %+v, %v", upd, err)
	}
	upd, err := r.Submit(blocks[0], "")
	if !errors.Is(err, core.ErrLedgerInconsistency) {
		t.Fatalf("got %v, want ErrLedgerInconsistency", err)
	}
	if r.TipHash() != blocks[0].Hash || inner.Head() != blocks[0].Hash {
		t.Fatalf("tip = %s, want the surviving parent", r.TipHash())
	}
	if upd.Kind == consensus.UpdateNone || len(upd.Applied) != 1 || upd.Applied[0].Hash != blocks[0].Hash {
		t.Fatalf("update = %+v, want parent applied", upd)
	}
	if r.Known(blocks[1].Hash) {
		t.Fatal("refused block still in tree")
	}
}
