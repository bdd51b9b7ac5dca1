package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/tolelom/wagerchain/core"
	"github.com/tolelom/wagerchain/internal/testutil"
	"github.com/tolelom/wagerchain/ledger"
)

func newLedger(t *testing.T, alloc map[string]uint64, retain int) (*ledger.Ledger, *core.Block) {
	t.Helper()
	g := testutil.Genesis(alloc)
	l, err := ledger.New(g, alloc, ledger.Options{ChainID: testutil.ChainID, Retain: retain})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	return l, g
}

func TestApplyBlockAdvancesHead(t *testing.T) {
	alloc := testutil.Alloc(2, 20)
	l, g := newLedger(t, alloc, 8)
	b := testutil.Block(g, 0, testutil.Transfer(0, 1, 5, 0))
	if err := l.ApplyBlock(b); err != nil {
		t.Fatal(err)
	}
	if l.Head() != b.Hash {
		t.Fatal("head not advanced")
	}
	if got := l.BalanceOf(testutil.Addr(1)); got != 25 {
		t.Errorf("balance = %d, want 25", got)
	}
}

// TestApplyBlockIsAtomic applies a block whose second transaction overdraws.
func TestApplyBlockIsAtomic(t *testing.T) {
	alloc := testutil.Alloc(2, 20)
	l, g := newLedger(t, alloc, 8)
	bad := testutil.Block(g, 0,
		testutil.Transfer(0, 1, 5, 0),
		testutil.Transfer(0, 1, 50, 1),
	)
	err := l.ApplyBlock(bad)
	if !errors.Is(err, core.ErrLedgerInconsistency) {
		t.Fatalf("got %v, want ErrLedgerInconsistency", err)
	}
	if l.Head() != g.Hash || l.BalanceOf(testutil.Addr(0)) != 20 {
		t.Fatal("partial application leaked into ledger")
	}
}

func TestApplyBlockRejectsWrongParent(t *testing.T) {
	alloc := testutil.Alloc(2, 20)
	l, g := newLedger(t, alloc, 8)
	b1 := testutil.Block(g, 0, testutil.Transfer(0, 1, 1, 0))
	b2 := testutil.Block(b1, 0, testutil.Transfer(0, 1, 1, 1))
	if err := l.ApplyBlock(b2); !errors.Is(err, core.ErrLedgerInconsistency) {
		t.Fatalf("got %v, want ErrLedgerInconsistency", err)
	}
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	alloc := testutil.Alloc(2, 20)
	l, g := newLedger(t, alloc, 8)
	blocks := testutil.Branch(g, 4, 0, 0, 1, 2, testutil.Nonces{}, 0)
	for _, b := range blocks {
		if err := l.ApplyBlock(b); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.RollbackTo(blocks[1].Hash); err != nil {
		t.Fatal(err)
	}
	want := testutil.Replay(t, alloc, blocks[:2])
	if l.State().Root() != want.Root() {
		t.Fatal("rolled back state differs from replay")
	}
	if err := l.RollbackTo(g.Hash); err != nil || l.BalanceOf(testutil.Addr(0)) != 20 {
		t.Fatalf("rollback to genesis: %v", err)
	}
}

// TestRollbackBeyondRetention checks that aged-out snapshots are reported.
func TestRollbackBeyondRetention(t *testing.T) {
	alloc := testutil.Alloc(2, 100)
	l, g := newLedger(t, alloc, 1)
	blocks := testutil.Branch(g, 5, 0, 0, 1, 1, testutil.Nonces{}, 0)
	for _, b := range blocks {
		if err := l.ApplyBlock(b); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.RollbackTo(blocks[0].Hash); !errors.Is(err, ledger.ErrSnapshotUnavailable) {
		t.Fatalf("got %v, want ErrSnapshotUnavailable", err)
	}
}

func TestSubmitTransaction(t *testing.T) {
	alloc := testutil.Alloc(2, 20)
	l, _ := newLedger(t, alloc, 8)

	if err := l.SubmitTransaction(testutil.Transfer(0, 1, 15, 0)); err != nil {
		t.Fatalf("first transfer: %v", err)
	}
	// Same nonce again: a double spend attempt against the pool.
	if kind := core.KindOf(l.SubmitTransaction(testutil.Transfer(0, 1, 1, 0))); kind != core.KindNonceConflict {
		t.Errorf("duplicate nonce kind = %v", kind)
	}
	// Next nonce but only 5 left after the pending 15.
	over := testutil.Transfer(0, 1, 6, 1)
	if kind := core.KindOf(l.SubmitTransaction(over)); kind != core.KindDoubleSpend {
		t.Errorf("overspend kind = %v", kind)
	}
	if _, ok := l.Rejection(over.ID); !ok {
		t.Error("rejection not recorded")
	}
	if kind := core.KindOf(l.SubmitTransaction(testutil.Transfer(0, 1, 1, 5))); kind != core.KindNonceConflict {
		t.Errorf("nonce gap kind = %v", kind)
	}
	if err := l.SubmitTransaction(testutil.Transfer(0, 1, 5, 1)); err != nil {
		t.Errorf("exact remaining balance: %v", err)
	}
	if l.Pool().Size() != 2 {
		t.Errorf("pool size = %d, want 2", l.Pool().Size())
	}
}

func TestSubmitRejectsForgery(t *testing.T) {
	alloc := testutil.Alloc(2, 20)
	l, _ := newLedger(t, alloc, 8)
	tx := testutil.Transfer(0, 1, 5, 0)
	tx.Amount = 6
	tx.ID = tx.Hash()
	if kind := core.KindOf(l.SubmitTransaction(tx)); kind != core.KindBadSignature {
		t.Fatalf("kind = %v, want bad_signature", kind)
	}
	if _, ok := l.Rejection(tx.ID); ok {
		t.Fatal("unverified rejection must not be remembered")
	}
}

func TestSubmitRejectsExpired(t *testing.T) {
	alloc := testutil.Alloc(2, 20)
	g := testutil.Genesis(alloc)
	future := time.Now().Add(3 * time.Hour)
	l, err := ledger.New(g, alloc, ledger.Options{
		ChainID: testutil.ChainID,
		Clock:   func() time.Time { return future },
	})
	if err != nil {
		t.Fatal(err)
	}
	if kind := core.KindOf(l.SubmitTransaction(testutil.Transfer(0, 1, 1, 0))); kind != core.KindStructural {
		t.Fatalf("kind = %v, want structural", kind)
	}
}

// TestReconcileRequeuesAbandoned moves the chain from branch A to branch B
// and checks which transactions come back.
func TestReconcileRequeuesAbandoned(t *testing.T) {
	alloc := testutil.Alloc(3, 20)
	l, g := newLedger(t, alloc, 8)

	shared := testutil.Transfer(0, 1, 2, 0)
	onlyA := testutil.Transfer(2, 1, 3, 0)
	a := testutil.Block(g, 0, shared, onlyA)
	if err := l.ApplyBlock(a); err != nil {
		t.Fatal(err)
	}

	competing := testutil.Transfer(2, 0, 1, 0) // consumes sender 2's nonce 0
	b := testutil.BlockAt(g, 1, g.Header.Timestamp+5, shared, competing)
	if err := l.RollbackTo(g.Hash); err != nil {
		t.Fatal(err)
	}
	if err := l.ApplyBlock(b); err != nil {
		t.Fatal(err)
	}
	requeued, dropped := l.Reconcile([]*core.Block{a}, []*core.Block{b})
	if len(requeued) != 0 {
		t.Errorf("requeued = %d, want 0", len(requeued))
	}
	if len(dropped) != 1 || dropped[0].ID != onlyA.ID {
		t.Fatalf("dropped = %v, want onlyA", dropped)
	}
	if _, ok := l.Rejection(onlyA.ID); !ok {
		t.Error("dropped tx not marked rejected")
	}

	// Roll back to genesis again: everything from b becomes pending.
	if err := l.RollbackTo(g.Hash); err != nil {
		t.Fatal(err)
	}
	requeued, _ = l.Reconcile([]*core.Block{b}, nil)
	if len(requeued) != 2 || l.Pool().Size() != 2 {
		t.Fatalf("requeued = %d, pool = %d; want 2, 2", len(requeued), l.Pool().Size())
	}
}

// TestReconcileDropsUnfundedRequeue: on branch a, P spends money it received
// from A in the same block. Branch b gives A's money to B instead, so P's
// spend comes back unfunded. It must leave the pool as rejected so P can
// transact again once funded.
func TestReconcileDropsUnfundedRequeue(t *testing.T) {
	a, p, b := testutil.Addr(0), testutil.Addr(1), testutil.Addr(2)
	alloc := map[string]uint64{a: 20, b: 20}
	l, g := newLedger(t, alloc, 8)

	fund := testutil.Transfer(0, 1, 10, 0)
	spend := testutil.Transfer(1, 2, 10, 0)
	branchA := testutil.Block(g, 0, fund, spend)
	if err := l.ApplyBlock(branchA); err != nil {
		t.Fatal(err)
	}
	branchB := testutil.BlockAt(g, 2, g.Header.Timestamp+5, testutil.Transfer(0, 2, 15, 0))
	if err := l.RollbackTo(g.Hash); err != nil {
		t.Fatal(err)
	}
	if err := l.ApplyBlock(branchB); err != nil {
		t.Fatal(err)
	}

	requeued, dropped := l.Reconcile([]*core.Block{branchA}, []*core.Block{branchB})
	if len(requeued) != 0 || len(dropped) != 2 {
		t.Fatalf("requeued %d dropped %d, want 0 and 2", len(requeued), len(dropped))
	}
	if l.Pool().Size() != 0 {
		t.Fatalf("pool holds %d unfundable transactions", l.Pool().Size())
	}
	if reason, ok := l.Rejection(spend.ID); !ok || reason == "" {
		t.Error("unfunded spend not recorded as rejected")
	}
	if n, _ := l.Pool().SenderTotals(p); n != 0 {
		t.Errorf("P still has %d pending", n)
	}

	// Once funded on the new branch, P's nonce 0 is free again.
	topUp := testutil.Block(branchB, 2, testutil.Transfer(0, 1, 5, 1))
	if err := l.ApplyBlock(topUp); err != nil {
		t.Fatal(err)
	}
	l.Reconcile(nil, []*core.Block{topUp})
	if err := l.SubmitTransaction(testutil.Transfer(1, 2, 5, 0)); err != nil {
		t.Fatalf("P locked out after reorg: %v", err)
	}
}

// TestExpirePendingDropsStaleAndDependents expires a transaction that sat
// in the pool past MaxTxAge; the sender's next nonce goes with it.
func TestExpirePendingDropsStaleAndDependents(t *testing.T) {
	alloc := testutil.Alloc(2, 20)
	g := testutil.Genesis(alloc)
	now := time.Now()
	l, err := ledger.New(g, alloc, ledger.Options{
		ChainID:  testutil.ChainID,
		MaxTxAge: time.Hour,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatal(err)
	}

	old := core.NewTransfer(testutil.ChainID, testutil.Key(0).Public(), testutil.Addr(1), 1, 0, "")
	old.Timestamp = now.Add(-50 * time.Minute).UnixNano()
	old.Sign(testutil.Key(0))
	next := testutil.Transfer(0, 1, 1, 1)
	for _, tx := range []*core.Transaction{old, next} {
		if err := l.SubmitTransaction(tx); err != nil {
			t.Fatal(err)
		}
	}
	if got := l.ExpirePending(); len(got) != 0 {
		t.Fatalf("expired %d before the deadline", len(got))
	}

	now = now.Add(15 * time.Minute)
	dropped := l.ExpirePending()
	if len(dropped) != 2 || dropped[0].ID != old.ID || dropped[1].ID != next.ID {
		t.Fatalf("dropped = %v, want old then next", dropped)
	}
	for _, tx := range dropped {
		if _, ok := l.Rejection(tx.ID); !ok {
			t.Errorf("tx %s not recorded as rejected", tx.ID)
		}
	}
	if err := l.SubmitTransaction(testutil.Transfer(0, 1, 1, 0)); err != nil {
		t.Fatalf("resubmitting nonce 0: %v", err)
	}
}
