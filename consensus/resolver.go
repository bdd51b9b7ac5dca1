package consensus

import (
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tolelom/wagerchain/core"
	"github.com/tolelom/wagerchain/metrics"
)

// TieBreak decides between leaves of equal height.
type TieBreak int

const (
	// TieBreakLowestHash prefers the lexicographically smallest hash, so every
	// node converges on the same tip regardless of arrival order.
	TieBreakLowestHash TieBreak = iota
	// TieBreakFirstSeen keeps the current tip until a strictly higher leaf
	// appears. Nodes may disagree on equal-height forks until one grows.
	TieBreakFirstSeen
)

// ParseTieBreak maps a config string to a TieBreak.
func ParseTieBreak(s string) (TieBreak, error) {
	switch s {
	case "", "lowest-hash":
		return TieBreakLowestHash, nil
	case "first-seen":
		return TieBreakFirstSeen, nil
	}
	return 0, fmt.Errorf("unknown tie break %q", s)
}

// Ledger is the state store the resolver drives during reorganisations.
type Ledger interface {
	Head() string
	ApplyBlock(b *core.Block) error
	RollbackTo(hash string) error
	Reset()
	StateAt(hash string) (*core.State, bool)
	Reconcile(reverted, applied []*core.Block) (requeued, dropped []*core.Transaction)
}

// UpdateKind describes what a submission did to the canonical chain.
type UpdateKind int

const (
	UpdateNone UpdateKind = iota
	UpdatePending
	UpdateExtended
	UpdateReorganized
)

func (k UpdateKind) String() string {
	switch k {
	case UpdatePending:
		return "pending"
	case UpdateExtended:
		return "extended"
	case UpdateReorganized:
		return "reorganized"
	default:
		return "none"
	}
}

// ChainUpdate is the outcome of Submit.
type ChainUpdate struct {
	Kind           UpdateKind
	OldTip         string
	NewTip         string
	CommonAncestor string
	// Connected are blocks newly attached to the tree, the submitted block
	// first, then any orphans it released.
	Connected []*core.Block
	// Applied and Reverted are the canonical blocks gained and lost, in chain order.
	Applied  []*core.Block
	Reverted []*core.Block
	// Requeued transactions are pending again; Dropped ones lost their nonce.
	Requeued []*core.Transaction
	Dropped  []*core.Transaction
	// Missing is the predecessor to fetch when Kind is UpdatePending.
	Missing string
	// Discarded lists orphan hashes dropped while handling the submission.
	Discarded []string
}

// ResolverConfig tunes the resolver. Zero values fall back to defaults.
type ResolverConfig struct {
	TieBreak      TieBreak
	MaxOrphans    int
	MaxFetchDepth int
	OrphanTTL     time.Duration
	StateCache    int
	Clock         func() time.Time
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type treeNode struct {
	block    *core.Block
	parent   string
	children []string
}

func (n *treeNode) height() int64 { return n.block.Header.Height }

// Resolver keeps every validated block in a tree keyed by hash and tracks
// the canonical tip under the longest-chain rule. It is not safe for
// concurrent use; the node event loop owns it.
type Resolver struct {
	cfg       ResolverConfig
	validator *Validator
	ledger    Ledger
	genesis   *core.Block

	nodes     map[string]*treeNode
	canonical []string            // canonical[h] is the canonical hash at height h
	txIndex   map[string][]string // tx ID -> hashes of tree blocks carrying it
	orphans   *OrphanPool
	states    *lru.Cache[string, *core.State]

	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewResolver returns a resolver whose tree holds only genesis. l must be
// positioned at genesis.
func NewResolver(genesis *core.Block, v *Validator, l Ledger, cfg ResolverConfig) (*Resolver, error) {
	if cfg.MaxOrphans <= 0 {
		cfg.MaxOrphans = 256
	}
	if cfg.MaxFetchDepth <= 0 {
		cfg.MaxFetchDepth = 64
	}
	if cfg.OrphanTTL <= 0 {
		cfg.OrphanTTL = 2 * time.Minute
	}
	if cfg.StateCache <= 0 {
		cfg.StateCache = 1024
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if l.Head() != genesis.Hash {
		return nil, fmt.Errorf("ledger head %s is not genesis", l.Head())
	}
	orphans, err := NewOrphanPool(cfg.MaxOrphans)
	if err != nil {
		return nil, err
	}
	states, err := lru.New[string, *core.State](cfg.StateCache)
	if err != nil {
		return nil, fmt.Errorf("state cache: %w", err)
	}
	return &Resolver{
		cfg:       cfg,
		validator: v,
		ledger:    l,
		genesis:   genesis,
		nodes:     map[string]*treeNode{genesis.Hash: {block: genesis}},
		canonical: []string{genesis.Hash},
		txIndex:   make(map[string][]string),
		orphans:   orphans,
		states:    states,
		log:       cfg.Logger.Named("resolver"),
		metrics:   cfg.Metrics,
	}, nil
}

// Submit offers a block to the tree. Rejections come back as
// *core.RejectError and leave the tree unchanged; a block whose predecessor
// is unknown is held and reported as UpdatePending with Missing set.
func (r *Resolver) Submit(b *core.Block, origin string) (ChainUpdate, error) {
	if b == nil || b.Hash == "" {
		return ChainUpdate{}, core.Rejectf(core.KindStructural, "empty block")
	}
	if r.Known(b.Hash) {
		return ChainUpdate{}, core.ErrKnownBlock
	}
	parent, ok := r.nodes[b.Header.PrevHash]
	if !ok {
		return r.hold(b, origin)
	}
	connected, discarded, err := r.connect(b, parent)
	if err != nil {
		r.metrics.BlocksRejected.WithLabelValues(core.KindOf(err).String()).Inc()
		return ChainUpdate{Discarded: discarded}, err
	}
	upd, err := r.choose(connected)
	upd.Discarded = append(upd.Discarded, discarded...)
	r.metrics.Orphans.Set(float64(r.orphans.Len()))
	return upd, err
}

func (r *Resolver) hold(b *core.Block, origin string) (ChainUpdate, error) {
	if err := r.validator.CheckIntrinsic(b); err != nil {
		r.metrics.BlocksRejected.WithLabelValues(core.KindOf(err).String()).Inc()
		return ChainUpdate{}, err
	}
	depth := 0
	if d, waiting := r.orphans.Waiting(b.Hash); waiting {
		depth = d + 1
	}
	if depth > r.cfg.MaxFetchDepth {
		dropped := r.orphans.Discard(b.Hash)
		r.metrics.OrphansDropped.WithLabelValues("depth").Add(float64(len(dropped)))
		r.metrics.Orphans.Set(float64(r.orphans.Len()))
		return ChainUpdate{Discarded: dropped}, core.Rejectf(core.KindUnknownPredecessor,
			"ancestor search exceeded %d blocks", r.cfg.MaxFetchDepth)
	}
	evicted := r.orphans.Add(&Orphan{Block: b, Origin: origin, Depth: depth, Received: r.cfg.Clock()})
	if len(evicted) > 0 {
		r.metrics.OrphansDropped.WithLabelValues("evicted").Add(float64(len(evicted)))
	}
	r.metrics.Orphans.Set(float64(r.orphans.Len()))
	missing := r.orphans.Root(b.Header.PrevHash)
	r.log.Debug("holding orphan",
		zap.String("hash", short(b.Hash)),
		zap.Int64("height", b.Header.Height),
		zap.String("missing", short(missing)),
		zap.Int("depth", depth))
	return ChainUpdate{Kind: UpdatePending, Missing: missing, Discarded: evicted}, nil
}

// connect validates b against its parent, attaches it, then drains every
// orphan it releases. Only b's own rejection is returned as an error;
// released orphans that fail are dropped with their descendants.
func (r *Resolver) connect(b *core.Block, parent *treeNode) (connected []*core.Block, discarded []string, err error) {
	queue := []*core.Block{b}
	for len(queue) > 0 {
		blk := queue[0]
		queue = queue[1:]
		pn := r.nodes[blk.Header.PrevHash]
		if blk == b {
			pn = parent
		}
		state, serr := r.stateAt(pn.block.Hash)
		if serr != nil {
			if blk == b {
				return nil, discarded, serr
			}
			r.log.Error("no state for released orphan", zap.String("hash", short(blk.Hash)), zap.Error(serr))
			continue
		}
		post, verr := r.validator.Validate(blk, pn.block, state)
		if verr != nil {
			dropped := r.orphans.Discard(blk.Hash)
			discarded = append(discarded, dropped...)
			if blk == b {
				return nil, discarded, verr
			}
			r.metrics.OrphansDropped.WithLabelValues("invalid").Add(float64(1 + len(dropped)))
			r.log.Info("released orphan failed validation",
				zap.String("hash", short(blk.Hash)), zap.Error(verr))
			continue
		}
		r.attach(blk, post)
		connected = append(connected, blk)
		for _, o := range r.orphans.Take(blk.Hash) {
			queue = append(queue, o.Block)
		}
	}
	return connected, discarded, nil
}

func (r *Resolver) attach(b *core.Block, post *core.State) {
	r.nodes[b.Hash] = &treeNode{block: b, parent: b.Header.PrevHash}
	p := r.nodes[b.Header.PrevHash]
	p.children = append(p.children, b.Hash)
	r.states.Add(b.Hash, post)
	for _, tx := range b.Transactions {
		r.txIndex[tx.ID] = append(r.txIndex[tx.ID], b.Hash)
	}
	r.metrics.BlocksAccepted.Inc()
}

func (r *Resolver) better(a, b *treeNode) bool {
	if a.height() != b.height() {
		return a.height() > b.height()
	}
	return r.cfg.TieBreak == TieBreakLowestHash && a.block.Hash < b.block.Hash
}

func (r *Resolver) choose(connected []*core.Block) (ChainUpdate, error) {
	tip := r.nodes[r.TipHash()]
	best := tip
	for _, b := range connected {
		if n := r.nodes[b.Hash]; r.better(n, best) {
			best = n
		}
	}
	if best == tip {
		return ChainUpdate{Kind: UpdateNone, OldTip: tip.block.Hash, NewTip: tip.block.Hash, Connected: connected}, nil
	}
	return r.switchTo(best.block.Hash, connected)
}

// switchTo makes newTip canonical: roll the ledger back to the common
// ancestor and replay the new branch.
func (r *Resolver) switchTo(newTip string, connected []*core.Block) (ChainUpdate, error) {
	oldTip := r.TipHash()
	ancestor := r.commonAncestor(oldTip, newTip)
	reverted := r.path(ancestor, oldTip)
	applied := r.path(ancestor, newTip)

	if err := r.rewind(ancestor); err != nil {
		return ChainUpdate{Kind: UpdateNone, Connected: connected}, err
	}
	for _, b := range applied {
		if err := r.ledger.ApplyBlock(b); err != nil {
			return r.abortSwitch(b, ancestor, reverted, connected, err)
		}
	}

	anc := r.nodes[ancestor]
	r.canonical = r.canonical[:anc.height()+1]
	for _, b := range applied {
		r.canonical = append(r.canonical, b.Hash)
	}
	requeued, dropped := r.ledger.Reconcile(reverted, applied)

	upd := ChainUpdate{
		Kind:           UpdateExtended,
		OldTip:         oldTip,
		NewTip:         newTip,
		CommonAncestor: ancestor,
		Connected:      connected,
		Applied:        applied,
		Reverted:       reverted,
		Requeued:       requeued,
		Dropped:        dropped,
	}
	if len(reverted) > 0 {
		upd.Kind = UpdateReorganized
		r.metrics.Reorgs.Inc()
		r.metrics.ReorgDepth.Observe(float64(len(reverted)))
		r.log.Info("reorganised canonical chain",
			zap.String("old_tip", short(oldTip)),
			zap.String("new_tip", short(newTip)),
			zap.String("ancestor", short(ancestor)),
			zap.Int("reverted", len(reverted)),
			zap.Int("applied", len(applied)))
	}
	r.metrics.Height.Set(float64(r.Height()))
	return upd, nil
}

// abortSwitch handles a validated block that the ledger refused: the block
// and its subtree leave the tree, the previous branch is restored and fork
// choice runs again over the surviving connected blocks.
func (r *Resolver) abortSwitch(bad *core.Block, ancestor string, reverted, connected []*core.Block, cause error) (ChainUpdate, error) {
	r.metrics.Inconsistencies.Inc()
	r.log.Error("ledger refused validated block",
		zap.String("hash", short(bad.Hash)),
		zap.Int64("height", bad.Header.Height),
		zap.Error(cause))
	removed := r.prune(bad.Hash)
	kept := connected[:0:0]
	for _, b := range connected {
		if _, gone := removed[b.Hash]; !gone {
			kept = append(kept, b)
		}
	}
	if err := r.rewind(ancestor); err != nil {
		return ChainUpdate{Kind: UpdateNone, Connected: kept}, fmt.Errorf("%w; restoring previous branch: %v", cause, err)
	}
	for _, b := range reverted {
		if err := r.ledger.ApplyBlock(b); err != nil {
			return ChainUpdate{Kind: UpdateNone, Connected: kept}, fmt.Errorf("%w; restoring previous branch: %v", cause, err)
		}
	}
	if !errors.Is(cause, core.ErrLedgerInconsistency) {
		cause = fmt.Errorf("%w: %v", core.ErrLedgerInconsistency, cause)
	}
	upd, err := r.choose(kept)
	if err != nil {
		return upd, fmt.Errorf("%w; re-running fork choice: %v", cause, err)
	}
	return upd, cause
}

// rewind positions the ledger at ancestor, replaying from genesis when the
// snapshot has aged out.
func (r *Resolver) rewind(ancestor string) error {
	if r.ledger.Head() == ancestor {
		return nil
	}
	err := r.ledger.RollbackTo(ancestor)
	if err == nil {
		return nil
	}
	r.metrics.SnapshotMisses.Inc()
	r.log.Warn("snapshot unavailable, replaying from genesis",
		zap.String("ancestor", short(ancestor)), zap.Error(err))
	r.ledger.Reset()
	for _, b := range r.path(r.genesis.Hash, ancestor) {
		if err := r.ledger.ApplyBlock(b); err != nil {
			return fmt.Errorf("replay to %s: %w", short(ancestor), err)
		}
	}
	return nil
}

// prune removes hash and its descendants from the tree.
func (r *Resolver) prune(hash string) map[string]struct{} {
	removed := make(map[string]struct{})
	root, ok := r.nodes[hash]
	if !ok {
		return removed
	}
	if p, ok := r.nodes[root.parent]; ok {
		p.children = without(p.children, hash)
	}
	queue := []string{hash}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		n, ok := r.nodes[h]
		if !ok {
			continue
		}
		queue = append(queue, n.children...)
		for _, tx := range n.block.Transactions {
			r.txIndex[tx.ID] = without(r.txIndex[tx.ID], h)
			if len(r.txIndex[tx.ID]) == 0 {
				delete(r.txIndex, tx.ID)
			}
		}
		r.states.Remove(h)
		delete(r.nodes, h)
		removed[h] = struct{}{}
		r.orphans.Discard(h)
	}
	return removed
}

func without(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// stateAt returns the state after block hash, replaying forward from the
// nearest known state on a cache miss.
func (r *Resolver) stateAt(hash string) (*core.State, error) {
	if s, ok := r.lookupState(hash); ok {
		return s, nil
	}
	var pending []*core.Block
	var base *core.State
	cur := hash
	for {
		n, ok := r.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("%w: no tree node for %s", core.ErrLedgerInconsistency, short(cur))
		}
		pending = append(pending, n.block)
		if s, ok := r.lookupState(n.parent); ok {
			base = s
			break
		}
		cur = n.parent
	}
	s := base
	for i := len(pending) - 1; i >= 0; i-- {
		next := s.Clone()
		if rej := next.ApplyBlock(pending[i]); rej != nil {
			return nil, fmt.Errorf("%w: replaying %s: %v", core.ErrLedgerInconsistency, short(pending[i].Hash), rej)
		}
		r.states.Add(pending[i].Hash, next)
		s = next
	}
	return s, nil
}

func (r *Resolver) lookupState(hash string) (*core.State, bool) {
	if s, ok := r.ledger.StateAt(hash); ok {
		return s, true
	}
	return r.states.Get(hash)
}

func (r *Resolver) commonAncestor(a, b string) string {
	na, nb := r.nodes[a], r.nodes[b]
	for na.height() > nb.height() {
		na = r.nodes[na.parent]
	}
	for nb.height() > na.height() {
		nb = r.nodes[nb.parent]
	}
	for na.block.Hash != nb.block.Hash {
		na = r.nodes[na.parent]
		nb = r.nodes[nb.parent]
	}
	return na.block.Hash
}

// path lists the blocks after from up to and including to, oldest first.
// from must be an ancestor of to.
func (r *Resolver) path(from, to string) []*core.Block {
	var out []*core.Block
	for cur := to; cur != from; {
		n := r.nodes[cur]
		out = append(out, n.block)
		cur = n.parent
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// DiscardOrphans drops the orphans waiting on hash, used when no peer can
// supply it.
func (r *Resolver) DiscardOrphans(hash string) []string {
	dropped := r.orphans.Discard(hash)
	if len(dropped) > 0 {
		r.metrics.OrphansDropped.WithLabelValues("unavailable").Add(float64(len(dropped)))
		r.metrics.Orphans.Set(float64(r.orphans.Len()))
	}
	return dropped
}

// ExpireOrphans drops orphans older than the configured TTL.
func (r *Resolver) ExpireOrphans() []string {
	dropped := r.orphans.Expire(r.cfg.Clock().Add(-r.cfg.OrphanTTL))
	if len(dropped) > 0 {
		r.metrics.OrphansDropped.WithLabelValues("expired").Add(float64(len(dropped)))
		r.metrics.Orphans.Set(float64(r.orphans.Len()))
	}
	return dropped
}

// ---- queries ----

// Genesis returns the genesis block.
func (r *Resolver) Genesis() *core.Block { return r.genesis }

// TipHash returns the canonical tip hash.
func (r *Resolver) TipHash() string { return r.canonical[len(r.canonical)-1] }

// Tip returns the canonical tip block.
func (r *Resolver) Tip() *core.Block { return r.nodes[r.TipHash()].block }

// Height returns the canonical height.
func (r *Resolver) Height() int64 { return int64(len(r.canonical) - 1) }

// Known reports whether hash is in the tree or the orphan pool.
func (r *Resolver) Known(hash string) bool {
	_, ok := r.nodes[hash]
	return ok || r.orphans.Has(hash)
}

// Block returns a tree block by hash.
func (r *Resolver) Block(hash string) (*core.Block, bool) {
	n, ok := r.nodes[hash]
	if !ok {
		return nil, false
	}
	return n.block, true
}

// CanonicalAt returns the canonical block at height.
func (r *Resolver) CanonicalAt(height int64) (*core.Block, bool) {
	if height < 0 || height >= int64(len(r.canonical)) {
		return nil, false
	}
	return r.nodes[r.canonical[height]].block, true
}

// IsCanonical reports whether hash lies on the path from tip to genesis.
func (r *Resolver) IsCanonical(hash string) bool {
	n, ok := r.nodes[hash]
	if !ok {
		return false
	}
	return r.canonical[n.height()] == hash
}

// Locate returns the canonical block carrying txID.
func (r *Resolver) Locate(txID string) (*core.Block, bool) {
	for _, h := range r.txIndex[txID] {
		if r.IsCanonical(h) {
			return r.nodes[h].block, true
		}
	}
	return nil, false
}

// ConfirmationDepth is the number of canonical blocks stacked on the block
// carrying txID.
func (r *Resolver) ConfirmationDepth(txID string) (int64, bool) {
	b, ok := r.Locate(txID)
	if !ok {
		return 0, false
	}
	return r.Height() - b.Header.Height, true
}

// OrphanCount returns the number of held orphans.
func (r *Resolver) OrphanCount() int { return r.orphans.Len() }

// Leaves returns the hashes of every block without children, sorted.
func (r *Resolver) Leaves() []string {
	var out []string
	for h, n := range r.nodes {
		if len(n.children) == 0 {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
