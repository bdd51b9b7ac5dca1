package consensus

import (
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tolelom/wagerchain/core"
)

// Orphan is a block held until its predecessor is known.
type Orphan struct {
	Block    *core.Block
	Origin   string // peer that delivered it, empty when local
	Depth    int    // ancestor fetches between this block and the first orphan that asked for it
	Received time.Time
}

// OrphanPool holds orphans indexed by hash and by the predecessor they wait
// for. The cache is only read with Peek, so eviction is oldest-first.
type OrphanPool struct {
	cache    *lru.Cache[string, *Orphan]
	byParent map[string]map[string]struct{}

	removing bool
	evicted  []string
}

// NewOrphanPool returns a pool holding at most size orphans.
func NewOrphanPool(size int) (*OrphanPool, error) {
	p := &OrphanPool{byParent: make(map[string]map[string]struct{})}
	c, err := lru.NewWithEvict[string, *Orphan](size, p.onEvict)
	if err != nil {
		return nil, fmt.Errorf("orphan cache: %w", err)
	}
	p.cache = c
	return p, nil
}

func (p *OrphanPool) onEvict(hash string, o *Orphan) {
	parent := o.Block.Header.PrevHash
	if kids, ok := p.byParent[parent]; ok {
		delete(kids, hash)
		if len(kids) == 0 {
			delete(p.byParent, parent)
		}
	}
	if !p.removing {
		p.evicted = append(p.evicted, hash)
	}
}

// Add stores o. If the pool was full, the oldest orphan is evicted together
// with every orphan that was waiting on it; their hashes are returned.
func (p *OrphanPool) Add(o *Orphan) []string {
	hash := o.Block.Hash
	parent := o.Block.Header.PrevHash
	kids, ok := p.byParent[parent]
	if !ok {
		kids = make(map[string]struct{})
		p.byParent[parent] = kids
	}
	kids[hash] = struct{}{}
	p.cache.Add(hash, o)

	if len(p.evicted) == 0 {
		return nil
	}
	evicted := p.evicted
	p.evicted = nil
	dropped := append([]string(nil), evicted...)
	for _, h := range evicted {
		dropped = append(dropped, p.Discard(h)...)
	}
	return dropped
}

// Has reports whether hash is held.
func (p *OrphanPool) Has(hash string) bool { return p.cache.Contains(hash) }

// Get returns the orphan with hash without affecting eviction order.
func (p *OrphanPool) Get(hash string) (*Orphan, bool) { return p.cache.Peek(hash) }

// Len returns the number of orphans held.
func (p *OrphanPool) Len() int { return p.cache.Len() }

// Waiting reports the deepest fetch depth among orphans waiting on parent.
func (p *OrphanPool) Waiting(parent string) (depth int, ok bool) {
	for h := range p.byParent[parent] {
		if o, found := p.cache.Peek(h); found {
			if !ok || o.Depth > depth {
				depth = o.Depth
			}
			ok = true
		}
	}
	return depth, ok
}

// Root follows held orphans up to the first predecessor that is not held.
func (p *OrphanPool) Root(hash string) string {
	for i := 0; i <= p.cache.Len(); i++ {
		o, ok := p.cache.Peek(hash)
		if !ok {
			return hash
		}
		hash = o.Block.Header.PrevHash
	}
	return hash
}

// Take removes and returns the orphans waiting on parent, ordered by hash.
func (p *OrphanPool) Take(parent string) []*Orphan {
	kids := p.byParent[parent]
	if len(kids) == 0 {
		return nil
	}
	hashes := make([]string, 0, len(kids))
	for h := range kids {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	out := make([]*Orphan, 0, len(hashes))
	for _, h := range hashes {
		if o, ok := p.cache.Peek(h); ok {
			out = append(out, o)
		}
		p.remove(h)
	}
	return out
}

// Discard drops every orphan that descends from parent and returns their hashes.
func (p *OrphanPool) Discard(parent string) []string {
	var dropped []string
	queue := []string{parent}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		kids := make([]string, 0, len(p.byParent[h]))
		for kid := range p.byParent[h] {
			kids = append(kids, kid)
		}
		sort.Strings(kids)
		for _, kid := range kids {
			p.remove(kid)
			dropped = append(dropped, kid)
			queue = append(queue, kid)
		}
	}
	return dropped
}

// Expire drops orphans received before cutoff, with their descendants.
func (p *OrphanPool) Expire(cutoff time.Time) []string {
	var dropped []string
	for _, h := range p.cache.Keys() {
		o, ok := p.cache.Peek(h)
		if !ok || !o.Received.Before(cutoff) {
			continue
		}
		p.remove(h)
		dropped = append(dropped, h)
		dropped = append(dropped, p.Discard(h)...)
	}
	return dropped
}

func (p *OrphanPool) remove(hash string) {
	p.removing = true
	p.cache.Remove(hash)
	p.removing = false
}
