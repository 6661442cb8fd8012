// Package dispatch provides the local-delivery fanout shared by every
// broadcast strategy, and the two simplest strategies built on it:
// best-effort broadcast and local (single-node) broadcast.
package dispatch

import (
	"encoding/json"
	"sync"

	"github.com/nest-crdt/distributor/internal/log"
)

// ReceiverFunc is invoked once per locally delivered payload.
type ReceiverFunc func(payload json.RawMessage)

// Base holds an ordered set of receivers and delivers to them strictly
// sequentially, so a slow receiver applies backpressure to the next one for
// the same message.
type Base struct {
	mu        sync.Mutex
	receivers []ReceiverFunc
}

// AddReceiver appends fn to the fanout list.
func (b *Base) AddReceiver(fn ReceiverFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receivers = append(b.receivers, fn)
}

// Deliver invokes every registered receiver, in registration order,
// waiting for each to return before calling the next.
func (b *Base) Deliver(payload json.RawMessage) {
	b.mu.Lock()
	receivers := make([]ReceiverFunc, len(b.receivers))
	copy(receivers, b.receivers)
	b.mu.Unlock()

	for _, fn := range receivers {
		fn(payload)
	}
}

// Broadcaster is the downward API a dispatcher exposes to its callers:
// AddReceiver/Broadcast.
type Broadcaster interface {
	AddReceiver(fn ReceiverFunc)
	Broadcast(payload interface{}) error
}

// Local is the degenerate single-node broadcast strategy: broadcasting
// immediately delivers locally, with no network involved.
type Local struct {
	Base
	log log.Logger
}

// NewLocal builds a Local broadcaster.
func NewLocal(l log.Logger) *Local {
	if l == nil {
		l = log.DefaultLogger()
	}
	return &Local{log: l.Named("local-broadcast")}
}

// Broadcast marshals payload and delivers it locally, immediately.
func (l *Local) Broadcast(payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	l.Deliver(raw)
	return nil
}
