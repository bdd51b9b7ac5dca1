// Package indexer keeps a per-address transaction history so game servers
// can list a player's transfers without scanning blocks.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tolelom/wagerchain/core"
	"github.com/tolelom/wagerchain/events"
	"github.com/tolelom/wagerchain/storage"
)

const prefixAddrTxs = "idx:addr:tx:"

// Entry is one canonical transfer touching an address.
type Entry struct {
	TxID      string `json:"tx_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	BlockHash string `json:"block_hash"`
	Height    int64  `json:"height"`
}

// Indexer follows tx_included and tx_reverted notifications. Both handlers
// are idempotent, so replaying a notification is harmless.
type Indexer struct {
	mu  sync.Mutex
	db  storage.DB
	log *zap.Logger
}

// New creates an Indexer backed by db and subscribes it to em.
func New(db storage.DB, em *events.Emitter, log *zap.Logger) *Indexer {
	if log == nil {
		log = zap.NewNop()
	}
	idx := &Indexer{db: db, log: log.Named("indexer")}
	em.Subscribe(idx.onIncluded, events.EventTxIncluded)
	em.Subscribe(idx.onReverted, events.EventTxReverted)
	return idx
}

// Transactions returns the canonical transfers touching addr, oldest first.
func (idx *Indexer) Transactions(addr string) ([]Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.getList(prefixAddrTxs + addr)
}

func (idx *Indexer) onIncluded(ev events.Event) {
	e, ok := entryFrom(ev)
	if !ok {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, addr := range participants(e) {
		if err := idx.addToList(prefixAddrTxs+addr, e); err != nil {
			idx.log.Error("index tx", zap.String("tx", e.TxID), zap.Error(err))
		}
	}
}

func (idx *Indexer) onReverted(ev events.Event) {
	e, ok := entryFrom(ev)
	if !ok {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, addr := range participants(e) {
		if err := idx.removeFromList(prefixAddrTxs+addr, e.TxID); err != nil {
			idx.log.Error("unindex tx", zap.String("tx", e.TxID), zap.Error(err))
		}
	}
}

func entryFrom(ev events.Event) (Entry, bool) {
	from, _ := ev.Data["from"].(string)
	to, _ := ev.Data["to"].(string)
	if ev.TxID == "" || from == "" || to == "" {
		return Entry{}, false
	}
	e := Entry{TxID: ev.TxID, From: from, To: to, BlockHash: ev.BlockHash, Height: ev.BlockHeight}
	switch v := ev.Data["amount"].(type) {
	case uint64:
		e.Amount = v
	case float64:
		e.Amount = uint64(v)
	}
	return e, true
}

func participants(e Entry) []string {
	if e.From == e.To {
		return []string{e.From}
	}
	return []string{e.From, e.To}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]Entry, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return list, nil
}

func (idx *Indexer) putList(key string, list []Entry) error {
	if len(list) == 0 {
		return idx.db.Delete([]byte(key))
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}

func (idx *Indexer) addToList(key string, e Entry) error {
	list, err := idx.getList(key)
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].TxID == e.TxID {
			list[i] = e
			return idx.putList(key, list)
		}
	}
	return idx.putList(key, append(list, e))
}

func (idx *Indexer) removeFromList(key, txID string) error {
	list, err := idx.getList(key)
	if err != nil {
		return err
	}
	filtered := list[:0]
	for _, e := range list {
		if e.TxID != txID {
			filtered = append(filtered, e)
		}
	}
	return idx.putList(key, filtered)
}
