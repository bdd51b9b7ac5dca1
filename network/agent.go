package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/tolelom/wagerchain/core"
	"github.com/tolelom/wagerchain/metrics"
)

// ErrFetchTimeout is returned when a peer does not answer an ancestor
// request within the fetch timeout.
var ErrFetchTimeout = errors.New("network: ancestor fetch timed out")

var (
	errAncestorNotFound = errors.New("peer does not have block")
	errStopped          = errors.New("agent stopped")
)

// Sink receives everything the agent accepts from peers. Deliver methods
// must not block; they report false when the item could not be queued.
type Sink interface {
	DeliverBlock(origin string, b *core.Block, fetched bool) bool
	DeliverTx(origin string, tx *core.Transaction) bool
	AncestorUnavailable(hash string)
}

// BlockSource serves blocks the local node has validated.
type BlockSource interface {
	GetBlock(hash string) (*core.Block, error)
	GetBlockByHeight(height int64) (*core.Block, error)
	GetTip() (string, error)
}

// AgentConfig tunes gossip and fetching.
type AgentConfig struct {
	NodeID           string
	ChainID          string
	Genesis          string
	FetchTimeout     time.Duration
	MaxFetchAttempts int
	DedupSize        int
	DedupTTL         time.Duration
	SyncBatch        int
	Clock            func() time.Time
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

func (c *AgentConfig) defaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 2 * time.Second
	}
	if c.MaxFetchAttempts <= 0 {
		c.MaxFetchAttempts = 3
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 8192
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.SyncBatch <= 0 {
		c.SyncBatch = 50
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
}

type pendingFetch struct {
	hash  string
	peer  string
	reply chan Ancestor
}

// Agent floods blocks and transactions, answers and issues ancestor
// requests and keeps joining nodes in sync.
type Agent struct {
	cfg    AgentConfig
	node   *Node
	source BlockSource
	sink   Sink
	book   *PeerBook
	seen   *expirable.LRU[string, struct{}]
	log    *zap.Logger
	m      *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]struct{}
	pending  map[string]*pendingFetch

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAgent registers the agent's handlers on node. Call SetSink before
// the node starts accepting peers.
func NewAgent(node *Node, source BlockSource, cfg AgentConfig) *Agent {
	cfg.defaults()
	a := &Agent{
		cfg:      cfg,
		node:     node,
		source:   source,
		book:     NewPeerBook(cfg.Clock),
		seen:     expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
		log:      cfg.Logger.Named("agent"),
		m:        cfg.Metrics,
		inflight: make(map[string]struct{}),
		pending:  make(map[string]*pendingFetch),
		stop:     make(chan struct{}),
	}
	node.Handle(MsgHello, a.onHello)
	node.Handle(MsgNewBlock, a.onNewBlock)
	node.Handle(MsgNewTx, a.onNewTx)
	node.Handle(MsgGetAncestor, a.onGetAncestor)
	node.Handle(MsgAncestor, a.onAncestor)
	node.Handle(MsgGetBlocks, a.onGetBlocks)
	node.Handle(MsgBlocks, a.onBlocks)
	node.OnConnect(a.sendHello)
	node.OnDisconnect(func(p *Peer) {
		a.book.Remove(p.Key)
		a.m.Peers.Set(float64(node.PeerCount()))
	})
	node.OnMalformed(func(p *Peer, err error) { a.Penalize(p.Key, "malformed envelope") })
	return a
}

// SetSink installs the receiver of peer traffic.
func (a *Agent) SetSink(s Sink) { a.sink = s }

// Connect dials addr.
func (a *Agent) Connect(addr string) error {
	_, err := a.node.Dial(addr)
	return err
}

// MaintainPeers redials any seed that is not connected every interval until
// ctx is done.
func (a *Agent) MaintainPeers(ctx context.Context, seeds []string, interval time.Duration) {
	redial := func() {
		for _, addr := range seeds {
			if a.node.Connected(addr) {
				continue
			}
			if err := a.Connect(addr); err != nil {
				a.log.Debug("seed dial failed", zap.String("addr", addr), zap.Error(err))
			}
		}
	}
	redial()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			redial()
		}
	}
}

// Stop abandons in-flight fetches and waits for their goroutines.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
}

// Peers reports the peer book.
func (a *Agent) Peers() []PeerStatus { return a.book.Status() }

// Penalize marks origin degraded. Used for malformed data and for gossip
// the validator rejected as structurally or cryptographically invalid.
func (a *Agent) Penalize(origin, reason string) {
	if origin == "" {
		return
	}
	a.book.Fail(origin, reason)
	a.m.PeerFailures.Inc()
	a.log.Info("peer degraded", zap.String("peer", origin), zap.String("reason", reason))
}

// BroadcastBlock floods b to every peer except the one it came from.
func (a *Agent) BroadcastBlock(b *core.Block, except string) {
	a.seen.Add(blockKey(b.Hash), struct{}{})
	a.broadcast(MsgNewBlock, b, except)
}

// BroadcastTx floods tx to every peer except the one it came from.
func (a *Agent) BroadcastTx(tx *core.Transaction, except string) {
	a.seen.Add(txKey(tx.ID), struct{}{})
	a.broadcast(MsgNewTx, tx, except)
}

func (a *Agent) broadcast(typ MsgType, item any, except string) {
	msg, err := encode(typ, item)
	if err != nil {
		a.log.Error("encode gossip", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	a.node.BroadcastExcept(msg, except)
}

func blockKey(hash string) string { return "b:" + hash }
func txKey(id string) string      { return "t:" + id }

// firstSight records key and reports whether it was new.
func (a *Agent) firstSight(key string) bool {
	if a.seen.Contains(key) {
		return false
	}
	a.seen.Add(key, struct{}{})
	return true
}

// ---- handshake ----

func (a *Agent) localTip() (string, int64) {
	hash, err := a.source.GetTip()
	if err != nil || hash == "" {
		return a.cfg.Genesis, 0
	}
	b, err := a.source.GetBlock(hash)
	if err != nil {
		return hash, 0
	}
	return hash, b.Height()
}

func (a *Agent) sendHello(p *Peer) {
	tip, height := a.localTip()
	msg, err := encode(MsgHello, Hello{
		NodeID:  a.cfg.NodeID,
		ChainID: a.cfg.ChainID,
		Genesis: a.cfg.Genesis,
		TipHash: tip,
		Height:  height,
	})
	if err != nil {
		a.log.Error("encode hello", zap.Error(err))
		return
	}
	if err := p.Send(msg); err != nil {
		a.log.Debug("send hello", zap.String("peer", p.Key), zap.Error(err))
	}
}

func (a *Agent) onHello(p *Peer, msg Message) {
	var h Hello
	if err := json.Unmarshal(msg.Payload, &h); err != nil {
		a.Penalize(p.Key, "malformed hello")
		return
	}
	switch {
	case h.NodeID == a.cfg.NodeID:
		a.log.Debug("dropping connection to self", zap.String("peer", p.Key))
		p.Close()
		return
	case h.ChainID != a.cfg.ChainID || (a.cfg.Genesis != "" && h.Genesis != a.cfg.Genesis):
		a.log.Warn("peer on another chain", zap.String("peer", p.Key), zap.String("chain_id", h.ChainID))
		p.Close()
		return
	}
	p.setHello(h.NodeID, h.Height)
	a.book.Add(p.Key)
	a.m.Peers.Set(float64(a.node.PeerCount()))
	a.log.Info("peer ready", zap.String("peer", p.Key), zap.String("node_id", h.NodeID), zap.Int64("height", h.Height))

	if _, height := a.localTip(); h.Height > height {
		a.requestBlocks(p, height+1)
	}
}

// ---- gossip ----

func (a *Agent) onNewBlock(p *Peer, msg Message) {
	var b core.Block
	if err := json.Unmarshal(msg.Payload, &b); err != nil {
		a.Penalize(p.Key, "malformed block")
		return
	}
	key := blockKey(b.Hash)
	if !a.firstSight(key) {
		return
	}
	if a.sink == nil || !a.sink.DeliverBlock(p.Key, &b, false) {
		a.seen.Remove(key)
		a.m.GossipDropped.WithLabelValues("inbox_full").Inc()
	}
}

func (a *Agent) onNewTx(p *Peer, msg Message) {
	var tx core.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		a.Penalize(p.Key, "malformed transaction")
		return
	}
	key := txKey(tx.ID)
	if !a.firstSight(key) {
		return
	}
	if a.sink == nil || !a.sink.DeliverTx(p.Key, &tx) {
		a.seen.Remove(key)
		a.m.GossipDropped.WithLabelValues("inbox_full").Inc()
	}
}

// ---- ancestor fetch ----

// RequestAncestor fetches the block with hash from peers in the background,
// asking hint first. Only one fetch per hash runs at a time. A fetched block
// is delivered with fetched set; when every attempt fails the sink hears
// AncestorUnavailable.
func (a *Agent) RequestAncestor(hash, hint string) {
	a.mu.Lock()
	if _, busy := a.inflight[hash]; busy {
		a.mu.Unlock()
		return
	}
	a.inflight[hash] = struct{}{}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.inflight, hash)
			a.mu.Unlock()
		}()
		a.fetch(hash, hint)
	}()
}

func (a *Agent) fetch(hash, hint string) {
	attempts := 0
	for _, key := range a.book.Order(hint) {
		if attempts >= a.cfg.MaxFetchAttempts {
			break
		}
		p := a.node.Peer(key)
		if p == nil {
			continue
		}
		attempts++
		b, err := a.fetchFrom(p, hash)
		switch {
		case err == nil:
			a.book.Succeed(key)
			a.seen.Add(blockKey(hash), struct{}{})
			if a.sink != nil && !a.sink.DeliverBlock(key, b, true) {
				a.m.GossipDropped.WithLabelValues("inbox_full").Inc()
			}
			return
		case errors.Is(err, errStopped):
			return
		case errors.Is(err, errAncestorNotFound):
			a.log.Debug("peer lacks ancestor", zap.String("peer", key), zap.String("hash", hash))
		default:
			a.m.FetchFailures.Inc()
			a.Penalize(key, err.Error())
		}
	}
	a.log.Info("ancestor unavailable", zap.String("hash", hash), zap.Int("attempts", attempts))
	if a.sink != nil {
		a.sink.AncestorUnavailable(hash)
	}
}

func (a *Agent) fetchFrom(p *Peer, hash string) (*core.Block, error) {
	id := uuid.NewString()
	pf := &pendingFetch{hash: hash, peer: p.Key, reply: make(chan Ancestor, 1)}
	a.mu.Lock()
	a.pending[id] = pf
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}()

	msg, err := encode(MsgGetAncestor, GetAncestor{RequestID: id, Hash: hash})
	if err != nil {
		return nil, err
	}
	if err := p.Enqueue(msg); err != nil {
		return nil, err
	}
	timer := time.NewTimer(a.cfg.FetchTimeout)
	defer timer.Stop()
	select {
	case resp := <-pf.reply:
		if resp.NotFound || resp.Block == nil {
			return nil, errAncestorNotFound
		}
		if resp.Block.Hash != hash || resp.Block.ComputeHash() != hash {
			return nil, fmt.Errorf("peer returned wrong block for %s", hash)
		}
		return resp.Block, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s from %s", ErrFetchTimeout, hash, p.Key)
	case <-a.stop:
		return nil, errStopped
	}
}

func (a *Agent) onGetAncestor(p *Peer, msg Message) {
	var req GetAncestor
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		a.Penalize(p.Key, "malformed ancestor request")
		return
	}
	resp := Ancestor{RequestID: req.RequestID, Hash: req.Hash}
	if b, err := a.source.GetBlock(req.Hash); err == nil {
		resp.Block = b
	} else {
		resp.NotFound = true
	}
	out, err := encode(MsgAncestor, resp)
	if err != nil {
		a.log.Error("encode ancestor", zap.Error(err))
		return
	}
	if err := p.Enqueue(out); err != nil {
		a.log.Debug("reply ancestor", zap.String("peer", p.Key), zap.Error(err))
	}
}

func (a *Agent) onAncestor(p *Peer, msg Message) {
	var resp Ancestor
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		a.Penalize(p.Key, "malformed ancestor")
		return
	}
	a.mu.Lock()
	pf := a.pending[resp.RequestID]
	a.mu.Unlock()
	if pf == nil || pf.peer != p.Key || pf.hash != resp.Hash {
		a.log.Debug("unsolicited ancestor", zap.String("peer", p.Key), zap.String("request_id", resp.RequestID))
		return
	}
	select {
	case pf.reply <- resp:
	default:
	}
}
