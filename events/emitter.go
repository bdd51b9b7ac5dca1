// Package events is the in-process notification bus. The node emits an
// event after every ledger state change; subscribers (indexer, transport
// relay) react synchronously.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// EventType labels what happened.
type EventType string

const (
	EventBlockAccepted  EventType = "block_accepted"
	EventChainExtended  EventType = "chain_extended"
	EventChainReorg     EventType = "chain_reorg"
	EventTxPending      EventType = "tx_pending"
	EventTxIncluded     EventType = "tx_included"
	EventTxReverted     EventType = "tx_reverted"
	EventTxConfirmed    EventType = "tx_confirmed"
	EventTxRejected     EventType = "tx_rejected"
	EventBalanceChanged EventType = "balance_changed"
	EventStalled        EventType = "stalled"
	EventResumed        EventType = "resumed"
)

// AllTypes lists every event the node emits.
func AllTypes() []EventType {
	return []EventType{
		EventBlockAccepted, EventChainExtended, EventChainReorg,
		EventTxPending, EventTxIncluded, EventTxReverted, EventTxConfirmed, EventTxRejected,
		EventBalanceChanged, EventStalled, EventResumed,
	}
}

// Event carries a typed payload.
type Event struct {
	Type        EventType      `json:"type"`
	TxID        string         `json:"tx_id,omitempty"`
	BlockHash   string         `json:"block_hash,omitempty"`
	BlockHeight int64          `json:"block_height,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Handler is called for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      *zap.Logger
}

// NewEmitter returns an Emitter with no subscribers. log may be nil.
func NewEmitter(log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{handlers: make(map[EventType][]Handler), log: log.Named("events")}
}

// Subscribe registers h for each of types.
func (e *Emitter) Subscribe(h Handler, types ...EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, typ := range types {
		e.handlers[typ] = append(e.handlers[typ], h)
	}
}

// Emit delivers ev to its subscribers in registration order. A panicking
// handler is logged and skipped.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("handler panicked", zap.String("event", string(ev.Type)), zap.Any("panic", r))
				}
			}()
			h(ev)
		}()
	}
}
