// Package notify forwards ledger notifications to the game's real-time
// transport over NATS.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tolelom/wagerchain/events"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "wager"

// Publisher is the part of *nats.Conn the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials the broker at url with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

// Relay publishes every emitted event as JSON on "<prefix>.<event type>".
type Relay struct {
	pub    Publisher
	prefix string
	log    *zap.Logger
}

// NewRelay subscribes a relay to types on em (all event types when empty).
func NewRelay(pub Publisher, prefix string, em *events.Emitter, log *zap.Logger, types ...events.EventType) *Relay {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	if len(types) == 0 {
		types = events.AllTypes()
	}
	r := &Relay{pub: pub, prefix: prefix, log: log.Named("notify")}
	em.Subscribe(r.forward, types...)
	return r
}

// Subject returns the subject an event type is published on.
func (r *Relay) Subject(typ events.EventType) string {
	return r.prefix + "." + string(typ)
}

func (r *Relay) forward(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("marshal event", zap.String("event", string(ev.Type)), zap.Error(err))
		return
	}
	if err := r.pub.Publish(r.Subject(ev.Type), data); err != nil {
		r.log.Warn("publish failed", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}
