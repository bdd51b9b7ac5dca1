package core

import (
	"sort"
	"sync"
)

// DefaultMempoolSize caps the pending pool when no size is configured.
const DefaultMempoolSize = 10_000

type senderTotals struct {
	count    int
	outgoing uint64
}

// Mempool is a thread-safe pool of pending transactions in arrival order.
// It does no validation of its own; the ledger screens transactions first.
type Mempool struct {
	mu      sync.RWMutex
	max     int
	txs     map[string]*Transaction
	ord     []string // insertion order for deterministic block building
	senders map[string]*senderTotals
}

// NewMempool creates an empty pool holding at most max transactions.
func NewMempool(max int) *Mempool {
	if max <= 0 {
		max = DefaultMempoolSize
	}
	return &Mempool{
		max:     max,
		txs:     make(map[string]*Transaction),
		senders: make(map[string]*senderTotals),
	}
}

// Add inserts tx. Returns ErrPoolFull or ErrKnownTx.
func (m *Mempool) Add(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; ok {
		return ErrKnownTx
	}
	if len(m.txs) >= m.max {
		return ErrPoolFull
	}
	m.insert(tx)
	return nil
}

// Requeue puts back transactions abandoned by a reorganisation. They go to
// the front of the queue in their original order and bypass the size cap.
func (m *Mempool) Requeue(txs []*Transaction) {
	if len(txs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	front := make([]string, 0, len(txs))
	for _, tx := range txs {
		if _, ok := m.txs[tx.ID]; ok {
			continue
		}
		m.txs[tx.ID] = tx
		m.addSender(tx)
		front = append(front, tx.ID)
	}
	m.ord = append(front, m.ord...)
}

func (m *Mempool) insert(tx *Transaction) {
	m.txs[tx.ID] = tx
	m.ord = append(m.ord, tx.ID)
	m.addSender(tx)
}

func (m *Mempool) addSender(tx *Transaction) {
	st, ok := m.senders[tx.From]
	if !ok {
		st = &senderTotals{}
		m.senders[tx.From] = st
	}
	st.count++
	st.outgoing += tx.Amount
}

// Get returns a pending transaction by ID.
func (m *Mempool) Get(id string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	return tx, ok
}

// Has reports whether id is pending.
func (m *Mempool) Has(id string) bool {
	_, ok := m.Get(id)
	return ok
}

// Pending returns up to n transactions in queue order. n <= 0 returns all.
func (m *Mempool) Pending(n int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.ord) {
		n = len(m.ord)
	}
	out := make([]*Transaction, 0, n)
	for _, id := range m.ord {
		if len(out) >= n {
			break
		}
		out = append(out, m.txs[id])
	}
	return out
}

// SenderTotals returns how many transactions from addr are pending and how
// much they spend in total.
func (m *Mempool) SenderTotals(addr string) (count int, outgoing uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.senders[addr]; ok {
		return st.count, st.outgoing
	}
	return 0, 0
}

// Remove deletes transactions by ID and returns the ones that were present.
func (m *Mempool) Remove(ids []string) []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []*Transaction
	for _, id := range ids {
		tx, ok := m.txs[id]
		if !ok {
			continue
		}
		delete(m.txs, id)
		removed = append(removed, tx)
		if st := m.senders[tx.From]; st != nil {
			st.count--
			st.outgoing -= tx.Amount
			if st.count == 0 {
				delete(m.senders, tx.From)
			}
		}
	}
	if len(removed) > 0 {
		filtered := m.ord[:0]
		for _, id := range m.ord {
			if _, ok := m.txs[id]; ok {
				filtered = append(filtered, id)
			}
		}
		m.ord = filtered
	}
	return removed
}

// Eviction is a pending transaction that can no longer apply, with the reason.
type Eviction struct {
	Tx     *Transaction
	Reason *RejectError
}

// Unviable replays each sender's pending transactions in nonce order on top
// of s and returns the ones that cannot apply: consumed nonces, spends the
// sender can no longer fund and everything queued behind such a spend.
func (m *Mempool) Unviable(s *State) []Eviction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var senders []string
	bySender := make(map[string][]*Transaction)
	for _, id := range m.ord {
		tx := m.txs[id]
		if _, ok := bySender[tx.From]; !ok {
			senders = append(senders, tx.From)
		}
		bySender[tx.From] = append(bySender[tx.From], tx)
	}

	var out []Eviction
	for _, from := range senders {
		txs := bySender[from]
		sort.SliceStable(txs, func(i, j int) bool { return txs[i].Nonce < txs[j].Nonce })
		next, bal := s.NextNonce(from), s.Balance(from)
		blocked := false
		for _, tx := range txs {
			var r *RejectError
			switch {
			case tx.Nonce < next:
				r = Rejectf(KindNonceConflict, "nonce %d consumed by the canonical chain", tx.Nonce)
			case blocked:
				r = Rejectf(KindNonceConflict, "nonce %d follows a transaction that cannot apply", tx.Nonce)
			case tx.Nonce > next:
				blocked = true
				r = Rejectf(KindNonceConflict, "nonce %d skips expected %d", tx.Nonce, next)
			case tx.Amount > bal:
				blocked = true
				r = Rejectf(KindDoubleSpend, "balance %d below amount %d", bal, tx.Amount)
			default:
				bal -= tx.Amount
				next++
				continue
			}
			out = append(out, Eviction{Tx: tx, Reason: r.WithTx(tx.ID)})
		}
	}
	return out
}

// Expired returns pending transactions stamped before cutoff (unix nanoseconds).
func (m *Mempool) Expired(cutoff int64) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, id := range m.ord {
		if tx := m.txs[id]; tx.Timestamp < cutoff {
			out = append(out, tx)
		}
	}
	return out
}

// Size returns the number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}
