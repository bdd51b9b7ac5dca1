// Package node runs the single-writer event loop that owns the fork
// resolver, the ledger and the mempool, and exposes the game-facing API.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tolelom/wagerchain/consensus"
	"github.com/tolelom/wagerchain/core"
	"github.com/tolelom/wagerchain/events"
	"github.com/tolelom/wagerchain/ledger"
	"github.com/tolelom/wagerchain/liveness"
	"github.com/tolelom/wagerchain/metrics"
)

// ErrStopped is returned by API calls after the event loop has exited.
var ErrStopped = errors.New("node: service stopped")

// Network is what the service needs from the peer layer.
type Network interface {
	BroadcastBlock(b *core.Block, except string)
	BroadcastTx(tx *core.Transaction, except string)
	RequestAncestor(hash, hint string)
	Penalize(origin, reason string)
}

type noNetwork struct{}

func (noNetwork) BroadcastBlock(*core.Block, string)    {}
func (noNetwork) BroadcastTx(*core.Transaction, string) {}
func (noNetwork) RequestAncestor(string, string)        {}
func (noNetwork) Penalize(string, string)               {}

// Config tunes the event loop.
type Config struct {
	ConfirmationDepth int64
	InboxSize         int
	OrphanSweep       time.Duration
	BlockInterval     time.Duration
	CallTimeout       time.Duration
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// Deps are the components the service drives. Proposer may be nil for a
// node that only follows the chain.
type Deps struct {
	Resolver *consensus.Resolver
	Ledger   *ledger.Ledger
	Store    core.BlockStore
	Monitor  *liveness.Monitor
	Emitter  *events.Emitter
	Proposer *consensus.Proposer
}

type inbound struct {
	origin  string
	block   *core.Block
	tx      *core.Transaction
	fetched bool
}

// Service serialises every chain mutation through Run. Its Deliver methods
// and game-facing API are safe for concurrent use.
type Service struct {
	cfg      Config
	resolver *consensus.Resolver
	ledger   *ledger.Ledger
	store    core.BlockStore
	monitor  *liveness.Monitor
	emitter  *events.Emitter
	proposer *consensus.Proposer
	net      Network

	inbox       chan inbound
	fetchFailed chan string
	calls       chan func()
	done        chan struct{}

	// confirmedThrough is the highest canonical height whose transactions
	// have been announced as confirmed.
	confirmedThrough int64

	log *zap.Logger
	m   *metrics.Metrics
}

// New wires a service. Call Restore, then Run.
func New(d Deps, cfg Config) (*Service, error) {
	if d.Resolver == nil || d.Ledger == nil || d.Store == nil || d.Monitor == nil {
		return nil, errors.New("node: resolver, ledger, store and monitor are required")
	}
	if cfg.ConfirmationDepth <= 0 {
		cfg.ConfirmationDepth = d.Monitor.RequiredDepth()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.OrphanSweep <= 0 {
		cfg.OrphanSweep = 10 * time.Second
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 2 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if d.Emitter == nil {
		d.Emitter = events.NewEmitter(cfg.Logger)
	}
	s := &Service{
		cfg:         cfg,
		resolver:    d.Resolver,
		ledger:      d.Ledger,
		store:       d.Store,
		monitor:     d.Monitor,
		emitter:     d.Emitter,
		proposer:    d.Proposer,
		net:         noNetwork{},
		inbox:       make(chan inbound, cfg.InboxSize),
		fetchFailed: make(chan string, 64),
		calls:       make(chan func()),
		done:        make(chan struct{}),
		log:         cfg.Logger.Named("node"),
		m:           cfg.Metrics,
	}
	d.Monitor.SetDepthFunc(s.depthOf)
	return s, nil
}

// SetNetwork attaches the peer layer. Call before Run.
func (s *Service) SetNetwork(n Network) {
	if n == nil {
		n = noNetwork{}
	}
	s.net = n
}

// Emitter returns the notification bus.
func (s *Service) Emitter() *events.Emitter { return s.emitter }

// ---- network sink ----

// DeliverBlock queues a block from a peer. It reports false when the inbox
// is full.
func (s *Service) DeliverBlock(origin string, b *core.Block, fetched bool) bool {
	return s.enqueue(inbound{origin: origin, block: b, fetched: fetched})
}

// DeliverTx queues a transaction from a peer.
func (s *Service) DeliverTx(origin string, tx *core.Transaction) bool {
	return s.enqueue(inbound{origin: origin, tx: tx})
}

// AncestorUnavailable tells the loop that no peer could supply hash.
func (s *Service) AncestorUnavailable(hash string) {
	select {
	case s.fetchFailed <- hash:
	default:
		s.log.Warn("fetch failure queue full", zap.String("hash", short(hash)))
	}
}

func (s *Service) enqueue(in inbound) bool {
	select {
	case s.inbox <- in:
		return true
	default:
		return false
	}
}

// ---- event loop ----

// Run processes inputs until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)
	sweepTick := time.NewTicker(s.cfg.OrphanSweep)
	defer sweepTick.Stop()
	var propose <-chan time.Time
	if s.proposer != nil {
		t := time.NewTicker(s.cfg.BlockInterval)
		defer t.Stop()
		propose = t.C
		s.log.Info("producing blocks", zap.String("proposer", s.proposer.PubKey()), zap.Duration("interval", s.cfg.BlockInterval))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-s.inbox:
			if in.block != nil {
				s.handleBlock(in.block, in.origin, in.fetched)
			} else if in.tx != nil {
				_ = s.handleTx(in.tx, in.origin)
			}
		case hash := <-s.fetchFailed:
			if dropped := s.resolver.DiscardOrphans(hash); len(dropped) > 0 {
				s.log.Info("discarded orphans with unavailable ancestor",
					zap.String("ancestor", short(hash)), zap.Int("count", len(dropped)))
			}
		case fn := <-s.calls:
			fn()
		case <-sweepTick.C:
			s.sweep()
		case <-propose:
			s.propose()
		}
	}
}

// call runs fn on the event loop and waits for it.
func (s *Service) call(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.calls <- wrapped:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (s *Service) handleBlock(b *core.Block, origin string, fetched bool) {
	upd, err := s.resolver.Submit(b, origin)
	switch {
	case errors.Is(err, core.ErrKnownBlock):
		return
	case errors.Is(err, core.ErrLedgerInconsistency):
		s.log.Error("integrity anomaly while switching branches",
			zap.String("hash", short(b.Hash)), zap.Int64("height", b.Height()), zap.Error(err))
		s.commit(upd)
		return
	case err != nil:
		var rej *core.RejectError
		if errors.As(err, &rej) && rej.Kind.Penalizes() {
			s.net.Penalize(origin, rej.Error())
		}
		s.log.Info("block rejected",
			zap.String("hash", short(b.Hash)), zap.Int64("height", b.Height()),
			zap.String("origin", origin), zap.Error(err))
		return
	}
	if upd.Kind == consensus.UpdatePending {
		s.net.RequestAncestor(upd.Missing, origin)
		return
	}
	s.commit(upd)
	// Fetched ancestors are not re-flooded; orphans they release are.
	for _, c := range upd.Connected {
		if c != b {
			s.net.BroadcastBlock(c, "")
		} else if !fetched {
			s.net.BroadcastBlock(c, origin)
		}
	}
}

// commit persists and announces the outcome of an accepted block.
func (s *Service) commit(upd consensus.ChainUpdate) {
	s.persist(upd.Connected)
	for _, b := range upd.Connected {
		s.emitter.Emit(events.Event{Type: events.EventBlockAccepted, BlockHash: b.Hash, BlockHeight: b.Height(),
			Data: map[string]any{"txs": len(b.Transactions), "proposer": b.Header.Proposer}})
	}
	if len(upd.Applied) == 0 {
		return
	}
	if err := s.store.SetCanonical(upd.Applied); err != nil {
		s.log.Error("persist canonical index", zap.Error(err))
	}

	tip := s.resolver.Tip()
	switch upd.Kind {
	case consensus.UpdateReorganized:
		s.emitter.Emit(events.Event{Type: events.EventChainReorg, BlockHash: tip.Hash, BlockHeight: tip.Height(),
			Data: map[string]any{
				"old_tip":  upd.OldTip,
				"ancestor": upd.CommonAncestor,
				"reverted": len(upd.Reverted),
				"applied":  len(upd.Applied),
			}})
	default:
		s.emitter.Emit(events.Event{Type: events.EventChainExtended, BlockHash: tip.Hash, BlockHeight: tip.Height(),
			Data: map[string]any{"applied": len(upd.Applied)}})
	}

	touched := make(map[string]struct{})
	included := make(map[string]struct{})
	for _, b := range upd.Applied {
		for _, tx := range b.Transactions {
			included[tx.ID] = struct{}{}
		}
	}
	for _, b := range upd.Reverted {
		for _, tx := range b.Transactions {
			touched[tx.From], touched[tx.To] = struct{}{}, struct{}{}
			if _, again := included[tx.ID]; again {
				continue
			}
			s.emitter.Emit(txEvent(events.EventTxReverted, tx, b))
		}
	}
	for _, b := range upd.Applied {
		for _, tx := range b.Transactions {
			touched[tx.From], touched[tx.To] = struct{}{}, struct{}{}
			s.emitter.Emit(txEvent(events.EventTxIncluded, tx, b))
		}
	}
	for _, tx := range upd.Requeued {
		s.emitter.Emit(events.Event{Type: events.EventTxPending, TxID: tx.ID, Data: map[string]any{"requeued": true}})
	}
	s.announceDropped(upd.Dropped)
	for addr := range touched {
		s.emitter.Emit(events.Event{Type: events.EventBalanceChanged, BlockHash: tip.Hash, BlockHeight: tip.Height(),
			Data: map[string]any{"address": addr, "balance": s.ledger.BalanceOf(addr)}})
	}

	if anc, ok := s.resolver.Block(upd.CommonAncestor); ok && anc.Height() < s.confirmedThrough {
		s.log.Warn("reorganisation reached below confirmation depth",
			zap.Int64("ancestor_height", anc.Height()), zap.Int64("confirmed_through", s.confirmedThrough))
		s.confirmedThrough = anc.Height()
	}
	s.announceConfirmations()
	s.monitor.RecordProgress(s.resolver.Height())
	s.m.MempoolSize.Set(float64(s.ledger.Pool().Size()))
}

// sweep ages out orphans and pending transactions.
func (s *Service) sweep() {
	if dropped := s.resolver.ExpireOrphans(); len(dropped) > 0 {
		s.log.Info("expired orphans", zap.Int("count", len(dropped)))
	}
	if dropped := s.ledger.ExpirePending(); len(dropped) > 0 {
		s.log.Info("expired pending transactions", zap.Int("count", len(dropped)))
		s.announceDropped(dropped)
		s.m.MempoolSize.Set(float64(s.ledger.Pool().Size()))
	}
}

func (s *Service) announceDropped(txs []*core.Transaction) {
	for _, tx := range txs {
		reason, _ := s.ledger.Rejection(tx.ID)
		s.emitter.Emit(events.Event{Type: events.EventTxRejected, TxID: tx.ID, Data: map[string]any{"reason": reason}})
	}
}

// announceConfirmations emits tx_confirmed for every canonical block that
// newly reached the confirmation depth.
func (s *Service) announceConfirmations() {
	target := s.resolver.Height() - s.cfg.ConfirmationDepth
	for h := s.confirmedThrough + 1; h <= target; h++ {
		b, ok := s.resolver.CanonicalAt(h)
		if !ok {
			break
		}
		for _, tx := range b.Transactions {
			ev := txEvent(events.EventTxConfirmed, tx, b)
			ev.Data["depth"] = s.resolver.Height() - h
			s.emitter.Emit(ev)
		}
		s.confirmedThrough = h
	}
}

func txEvent(typ events.EventType, tx *core.Transaction, b *core.Block) events.Event {
	return events.Event{
		Type:        typ,
		TxID:        tx.ID,
		BlockHash:   b.Hash,
		BlockHeight: b.Height(),
		Data: map[string]any{
			"from":   tx.From,
			"to":     tx.To,
			"amount": tx.Amount,
			"memo":   tx.Memo,
		},
	}
}

func (s *Service) persist(blocks []*core.Block) {
	for _, b := range blocks {
		if err := s.store.PutBlock(b); err != nil {
			s.log.Error("persist block", zap.String("hash", short(b.Hash)), zap.Error(err))
		}
	}
}

// handleTx screens tx, gossips it on acceptance and reports the outcome.
func (s *Service) handleTx(tx *core.Transaction, origin string) error {
	err := s.ledger.SubmitTransaction(tx)
	switch {
	case err == nil:
		s.emitter.Emit(events.Event{Type: events.EventTxPending, TxID: tx.ID,
			Data: map[string]any{"from": tx.From, "to": tx.To, "amount": tx.Amount}})
		s.net.BroadcastTx(tx, origin)
	case errors.Is(err, core.ErrKnownTx):
	case errors.Is(err, core.ErrPoolFull):
		s.m.GossipDropped.WithLabelValues("pool_full").Inc()
	default:
		var rej *core.RejectError
		if errors.As(err, &rej) && rej.Kind.Penalizes() && origin != "" {
			s.net.Penalize(origin, rej.Error())
		}
		if _, remembered := s.ledger.Rejection(tx.ID); remembered || origin == "" {
			s.emitter.Emit(events.Event{Type: events.EventTxRejected, TxID: tx.ID,
				Data: map[string]any{"reason": err.Error(), "kind": core.KindOf(err).String()}})
		}
	}
	return err
}

func (s *Service) propose() {
	pending := s.ledger.Pool().Pending(0)
	if len(pending) == 0 {
		return
	}
	b, err := s.proposer.Build(s.resolver.Tip(), s.ledger.State(), pending)
	if errors.Is(err, consensus.ErrNothingToPropose) {
		return
	}
	if err != nil {
		s.log.Error("build block", zap.Error(err))
		return
	}
	s.log.Info("proposed block", zap.Int64("height", b.Height()), zap.String("hash", short(b.Hash)), zap.Int("txs", len(b.Transactions)))
	s.handleBlock(b, "", false)
}

// Restore rebuilds the tree from the store by resubmitting every persisted
// block in height order. An empty store is seeded with genesis. Call once
// before Run.
func (s *Service) Restore() error {
	genesis := s.resolver.Genesis()
	tip, err := s.store.GetTip()
	if err != nil {
		return fmt.Errorf("read tip: %w", err)
	}
	if tip == "" {
		if err := s.store.PutBlock(genesis); err != nil {
			return fmt.Errorf("persist genesis: %w", err)
		}
		return s.store.SetCanonical([]*core.Block{genesis})
	}
	stored, err := s.store.GetBlockByHeight(0)
	if err != nil {
		return fmt.Errorf("read stored genesis: %w", err)
	}
	if stored.Hash != genesis.Hash {
		return fmt.Errorf("store holds genesis %s, configuration derives %s", short(stored.Hash), short(genesis.Hash))
	}
	blocks, err := s.store.Blocks()
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}
	restored := 0
	for _, b := range blocks {
		if b.Hash == genesis.Hash {
			continue
		}
		if _, err := s.resolver.Submit(b, ""); err != nil {
			s.log.Warn("skipping stored block", zap.String("hash", short(b.Hash)), zap.Error(err))
			continue
		}
		restored++
	}
	branch := make([]*core.Block, 0, s.resolver.Height()+1)
	for h := int64(0); h <= s.resolver.Height(); h++ {
		b, _ := s.resolver.CanonicalAt(h)
		branch = append(branch, b)
	}
	if err := s.store.SetCanonical(branch); err != nil {
		return fmt.Errorf("rewrite canonical index: %w", err)
	}
	if t := s.resolver.Height() - s.cfg.ConfirmationDepth; t > 0 {
		s.confirmedThrough = t
	}
	s.monitor.RecordProgress(s.resolver.Height())
	s.log.Info("restored chain", zap.Int("blocks", restored), zap.Int64("height", s.resolver.Height()),
		zap.String("tip", short(s.resolver.TipHash())))
	return nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
