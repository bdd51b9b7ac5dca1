// Package ledger owns account state derived from the canonical chain and the
// pool of transactions waiting to be included.
package ledger

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tolelom/wagerchain/core"
	"github.com/tolelom/wagerchain/metrics"
)

// ErrSnapshotUnavailable is returned by RollbackTo when the target state has
// aged out of the retention window. Callers replay from genesis instead.
var ErrSnapshotUnavailable = errors.New("snapshot not retained")

const (
	defaultRetain   = 64
	defaultRejected = 4096
	defaultTxAge    = time.Hour
	defaultTxFuture = 5 * time.Minute
)

// Options configures a Ledger. Zero values fall back to defaults.
type Options struct {
	ChainID     string
	Retain      int // snapshots kept; at least the maximum reorganisation depth + 1
	MempoolSize int
	Rejected    int // rejected transaction IDs remembered for status queries
	MaxTxAge    time.Duration
	MaxTxFuture time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Ledger is the account state at the canonical tip plus retained per-block
// snapshots for rollback. It is owned by a single goroutine; only the
// mempool it exposes is safe for concurrent readers.
type Ledger struct {
	opts         Options
	genesis      *core.Block
	genesisState *core.State

	head  string
	state *core.State

	snapshots *lru.Cache[string, *core.State]
	rejected  *lru.Cache[string, string]
	pool      *core.Mempool

	log     *zap.Logger
	metrics *metrics.Metrics
}

// New returns a ledger positioned at genesis.
func New(genesis *core.Block, alloc map[string]uint64, opts Options) (*Ledger, error) {
	if opts.Retain <= 0 {
		opts.Retain = defaultRetain
	}
	if opts.Rejected <= 0 {
		opts.Rejected = defaultRejected
	}
	if opts.MaxTxAge <= 0 {
		opts.MaxTxAge = defaultTxAge
	}
	if opts.MaxTxFuture <= 0 {
		opts.MaxTxFuture = defaultTxFuture
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	// Abandoned-branch snapshots share the cache, so keep twice the window.
	snaps, err := lru.New[string, *core.State](2 * opts.Retain)
	if err != nil {
		return nil, fmt.Errorf("snapshot cache: %w", err)
	}
	rejected, err := lru.New[string, string](opts.Rejected)
	if err != nil {
		return nil, fmt.Errorf("rejected cache: %w", err)
	}
	gs := core.NewState(alloc)
	return &Ledger{
		opts:         opts,
		genesis:      genesis,
		genesisState: gs,
		head:         genesis.Hash,
		state:        gs,
		snapshots:    snaps,
		rejected:     rejected,
		pool:         core.NewMempool(opts.MempoolSize),
		log:          opts.Logger.Named("ledger"),
		metrics:      opts.Metrics,
	}, nil
}

// Head returns the hash of the last applied block.
func (l *Ledger) Head() string { return l.head }

// State returns the current state. Callers must treat it as read-only.
func (l *Ledger) State() *core.State { return l.state }

// Pool exposes the pending transactions.
func (l *Ledger) Pool() *core.Mempool { return l.pool }

func (l *Ledger) BalanceOf(addr string) uint64 { return l.state.Balance(addr) }

func (l *Ledger) Account(addr string) core.Account { return l.state.Account(addr) }

// ApplyBlock applies every transaction in b or none of them. b must extend
// the current head.
func (l *Ledger) ApplyBlock(b *core.Block) error {
	if b.Header.PrevHash != l.head {
		return fmt.Errorf("%w: block %s extends %s but head is %s",
			core.ErrLedgerInconsistency, short(b.Hash), short(b.Header.PrevHash), short(l.head))
	}
	next := l.state.Clone()
	if r := next.ApplyBlock(b); r != nil {
		return fmt.Errorf("%w: block %s at height %d: %v",
			core.ErrLedgerInconsistency, short(b.Hash), b.Header.Height, r)
	}
	l.state = next
	l.head = b.Hash
	l.snapshots.Add(b.Hash, next)
	return nil
}

// RollbackTo restores the state recorded after block hash was applied.
func (l *Ledger) RollbackTo(hash string) error {
	if hash == l.genesis.Hash {
		l.Reset()
		return nil
	}
	s, ok := l.snapshots.Peek(hash)
	if !ok {
		return fmt.Errorf("rollback to %s: %w", short(hash), ErrSnapshotUnavailable)
	}
	l.state = s
	l.head = hash
	return nil
}

// Reset rewinds to the genesis allocation.
func (l *Ledger) Reset() {
	l.state = l.genesisState
	l.head = l.genesis.Hash
}

// StateAt returns the retained state after block hash, if any.
func (l *Ledger) StateAt(hash string) (*core.State, bool) {
	if hash == l.genesis.Hash {
		return l.genesisState, true
	}
	if hash == l.head {
		return l.state, true
	}
	return l.snapshots.Peek(hash)
}

// SubmitTransaction screens tx against the current state and the pending
// pool and queues it. It returns nil, core.ErrKnownTx, core.ErrPoolFull or
// a *core.RejectError.
func (l *Ledger) SubmitTransaction(tx *core.Transaction) error {
	if err := tx.Check(l.opts.ChainID); err != nil {
		// Not remembered: an unverified ID could shadow a legitimate transaction.
		l.metrics.TxRejected.WithLabelValues(core.KindOf(err).String()).Inc()
		return err
	}
	if l.pool.Has(tx.ID) {
		return core.ErrKnownTx
	}
	if r := l.screen(tx); r != nil {
		l.reject(tx.ID, r)
		return r
	}
	if err := l.pool.Add(tx); err != nil {
		return err
	}
	l.rejected.Remove(tx.ID)
	l.metrics.TxAccepted.Inc()
	l.metrics.MempoolSize.Set(float64(l.pool.Size()))
	return nil
}

func (l *Ledger) screen(tx *core.Transaction) *core.RejectError {
	now := l.opts.Clock().UnixNano()
	if now-tx.Timestamp > int64(l.opts.MaxTxAge) {
		return core.Rejectf(core.KindStructural, "transaction expired").WithTx(tx.ID)
	}
	if tx.Timestamp-now > int64(l.opts.MaxTxFuture) {
		return core.Rejectf(core.KindStructural, "timestamp too far in the future").WithTx(tx.ID)
	}
	confirmed := l.state.NextNonce(tx.From)
	count, outgoing := l.pool.SenderTotals(tx.From)
	expected := confirmed + uint64(count)
	switch {
	case tx.Nonce < confirmed:
		return core.Rejectf(core.KindNonceConflict, "nonce %d already used", tx.Nonce).WithTx(tx.ID)
	case tx.Nonce < expected:
		return core.Rejectf(core.KindNonceConflict, "nonce %d conflicts with a pending transaction", tx.Nonce).WithTx(tx.ID)
	case tx.Nonce > expected:
		return core.Rejectf(core.KindNonceConflict, "nonce %d skips expected %d", tx.Nonce, expected).WithTx(tx.ID)
	}
	bal := l.state.Balance(tx.From)
	if outgoing > bal || bal-outgoing < tx.Amount {
		return core.Rejectf(core.KindDoubleSpend, "available balance %d below amount %d", saturatingSub(bal, outgoing), tx.Amount).WithTx(tx.ID)
	}
	return nil
}

func (l *Ledger) reject(id string, r *core.RejectError) {
	l.rejected.Add(id, r.Error())
	l.metrics.TxRejected.WithLabelValues(r.Kind.String()).Inc()
	l.log.Debug("transaction rejected", zap.String("tx", short(id)), zap.Stringer("kind", r.Kind), zap.String("reason", r.Reason))
}

// Rejection returns the recorded reason a transaction was refused.
func (l *Ledger) Rejection(id string) (string, bool) {
	return l.rejected.Peek(id)
}

// Reconcile adjusts the pool after the canonical chain moved: transactions
// now in applied blocks leave the pool, transactions only in reverted blocks
// come back, and pending transactions that no longer apply on the new tip
// are dropped as rejected. It returns the transactions that are pending
// again and the ones that were dropped.
func (l *Ledger) Reconcile(reverted, applied []*core.Block) (requeued, dropped []*core.Transaction) {
	included := make(map[string]struct{})
	var ids []string
	for _, b := range applied {
		for _, tx := range b.Transactions {
			included[tx.ID] = struct{}{}
			ids = append(ids, tx.ID)
		}
	}
	l.pool.Remove(ids)

	var back []*core.Transaction
	for _, b := range reverted {
		for _, tx := range b.Transactions {
			if _, ok := included[tx.ID]; !ok {
				back = append(back, tx)
			}
		}
	}
	l.pool.Requeue(back)

	dropped = l.prune()
	for _, tx := range back {
		if l.pool.Has(tx.ID) {
			requeued = append(requeued, tx)
		}
	}
	l.metrics.MempoolSize.Set(float64(l.pool.Size()))
	return requeued, dropped
}

// ExpirePending drops transactions older than MaxTxAge, then whatever can no
// longer apply without them. Dropped transactions are recorded as rejected.
func (l *Ledger) ExpirePending() []*core.Transaction {
	cutoff := l.opts.Clock().Add(-l.opts.MaxTxAge).UnixNano()
	expired := l.pool.Expired(cutoff)
	if len(expired) == 0 {
		return nil
	}
	ids := make([]string, len(expired))
	for i, tx := range expired {
		ids[i] = tx.ID
		l.reject(tx.ID, core.Rejectf(core.KindStructural, "transaction expired while pending").WithTx(tx.ID))
	}
	dropped := l.pool.Remove(ids)
	dropped = append(dropped, l.prune()...)
	l.metrics.MempoolSize.Set(float64(l.pool.Size()))
	return dropped
}

// prune removes pending transactions that cannot apply on the current state.
func (l *Ledger) prune() []*core.Transaction {
	evicted := l.pool.Unviable(l.state)
	if len(evicted) == 0 {
		return nil
	}
	ids := make([]string, len(evicted))
	for i, e := range evicted {
		ids[i] = e.Tx.ID
		l.reject(e.Tx.ID, e.Reason)
	}
	return l.pool.Remove(ids)
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
