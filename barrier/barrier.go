// Package barrier implements a network readiness barrier: block until
// every configured peer has been heard from at least once, greeting peers
// unsolicited and replying to greetings received from peers this node
// hasn't yet marked seen.
package barrier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nest-crdt/distributor/internal/log"
	"github.com/nest-crdt/distributor/membership"
	"github.com/nest-crdt/distributor/network"
)

// setupTopic is the reserved topic this barrier communicates on, chosen to
// be vanishingly unlikely to collide with an application topic.
const setupTopic = "NETWORK_MESSAGE_DISTRIBUTOR_SETUP_TOPIC"

// ErrTimeout is returned by WaitTimeout when its timeout elapses before
// every peer has been seen.
var ErrTimeout = fmt.Errorf("barrier: timed out waiting for peers")

type greeting struct {
	From membership.NodeId `json:"from"`
}

// Barrier greets every peer on construction and unblocks Wait once every
// peer has greeted back (or been otherwise heard from on the setup topic).
type Barrier struct {
	net    network.Network
	member membership.Membership
	log    log.Logger
	clk    clockwork.Clock

	mu      sync.Mutex
	seen    map[membership.NodeId]struct{}
	done    chan struct{}
	closeOk sync.Once
}

// New wires a Barrier onto net and immediately greets every peer. Call Wait
// to block until all peers have been seen.
func New(net network.Network, member membership.Membership, l log.Logger) *Barrier {
	if l == nil {
		l = log.DefaultLogger()
	}
	b := &Barrier{
		net:    net,
		member: member,
		log:    l.Named("barrier"),
		clk:    clockwork.NewRealClock(),
		seen:   make(map[membership.NodeId]struct{}),
		done:   make(chan struct{}),
	}
	net.RegisterReceiver(setupTopic, b.onGreeting)
	b.greetAll()
	if len(member.Others()) == 0 {
		b.closeOk.Do(func() { close(b.done) })
	}
	return b
}

func (b *Barrier) greetAll() {
	msg := greeting{From: b.member.Self}
	for _, id := range b.member.Others() {
		if err := b.net.SendMessage(id, setupTopic, msg); err != nil {
			b.log.Debugw("greeting failed, peer likely not yet reachable", "to", id, "err", err)
		}
	}
}

// onGreeting marks from as seen and, if from was still missing from this
// node's perspective, replies with a greeting of its own: a peer that
// starts up after this node's initial greetAll round would otherwise never
// hear back.
func (b *Barrier) onGreeting(from membership.NodeId, payload json.RawMessage) {
	b.mu.Lock()
	_, alreadySeen := b.seen[from]
	b.seen[from] = struct{}{}
	allSeen := b.allSeenLocked()
	b.mu.Unlock()

	if !alreadySeen {
		if err := b.net.SendMessage(from, setupTopic, greeting{From: b.member.Self}); err != nil {
			b.log.Debugw("greeting reply failed", "to", from, "err", err)
		}
	}
	if allSeen {
		b.closeOk.Do(func() { close(b.done) })
	}
}

func (b *Barrier) allSeenLocked() bool {
	for _, id := range b.member.Others() {
		if _, ok := b.seen[id]; !ok {
			return false
		}
	}
	return true
}

// Wait blocks until every peer has been seen, or ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks until every peer has been seen, or timeout elapses
// (measured by the barrier's clock, real time by default; tests can inject
// clockwork.NewFakeClock via WithClock).
func (b *Barrier) WaitTimeout(timeout time.Duration) error {
	select {
	case <-b.done:
		return nil
	case <-b.clk.After(timeout):
		return ErrTimeout
	}
}

// WithClock overrides the clock WaitTimeout measures against. Intended for
// tests; call before Wait/WaitTimeout.
func (b *Barrier) WithClock(clk clockwork.Clock) {
	b.clk = clk
}

// Seen reports how many distinct peers (excluding self) this barrier has
// heard from so far.
func (b *Barrier) Seen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seen)
}
