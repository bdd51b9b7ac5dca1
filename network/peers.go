package network

import (
	"sort"
	"sync"
	"time"
)

// PeerStatus summarises what the book knows about one peer.
type PeerStatus struct {
	Key       string    `json:"key"`
	Degraded  bool      `json:"degraded"`
	Failures  int       `json:"failures"`
	LastFault string    `json:"last_fault,omitempty"`
	FaultAt   time.Time `json:"fault_at,omitempty"`
}

// PeerBook scores connected peers. A failure marks a peer degraded, which
// only lowers its priority for fetches; a later success restores it.
// Misbehaving peers are never dropped from the book.
type PeerBook struct {
	mu    sync.Mutex
	peers map[string]*PeerStatus
	clock func() time.Time
}

// NewPeerBook returns an empty book.
func NewPeerBook(clock func() time.Time) *PeerBook {
	if clock == nil {
		clock = time.Now
	}
	return &PeerBook{peers: make(map[string]*PeerStatus), clock: clock}
}

// Add starts tracking key as healthy. Re-adding keeps the existing record.
func (b *PeerBook) Add(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[key]; !ok {
		b.peers[key] = &PeerStatus{Key: key}
	}
}

// Remove forgets a disconnected peer.
func (b *PeerBook) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, key)
}

// Fail records a fault against key and marks it degraded.
func (b *PeerBook) Fail(key, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.peers[key]
	if !ok {
		return
	}
	st.Degraded = true
	st.Failures++
	st.LastFault = reason
	st.FaultAt = b.clock()
}

// Succeed restores key to healthy.
func (b *PeerBook) Succeed(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.peers[key]; ok {
		st.Degraded = false
	}
}

// Degraded reports whether key is currently deprioritised.
func (b *PeerBook) Degraded(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.peers[key]
	return ok && st.Degraded
}

// Status returns a copy of every record sorted by key.
func (b *PeerBook) Status() []PeerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PeerStatus, 0, len(b.peers))
	for _, st := range b.peers {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Order ranks candidate keys for a fetch: hint first when tracked, then
// healthy peers, then degraded ones, each group by fewest failures.
func (b *PeerBook) Order(hint string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	rest := make([]*PeerStatus, 0, len(b.peers))
	for key, st := range b.peers {
		if key != hint {
			rest = append(rest, st)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		a, c := rest[i], rest[j]
		if a.Degraded != c.Degraded {
			return !a.Degraded
		}
		if a.Failures != c.Failures {
			return a.Failures < c.Failures
		}
		return a.Key < c.Key
	})
	out := make([]string, 0, len(b.peers))
	if _, ok := b.peers[hint]; ok {
		out = append(out, hint)
	}
	for _, st := range rest {
		out = append(out, st.Key)
	}
	return out
}
