// Package reliable implements Bracha-style three-phase Byzantine reliable
// broadcast: initial -> echo -> ready, with per-fingerprint quorum
// thresholds, deduplication by content hash, and partial memory
// reclamation of sender sets once their phase ends.
package reliable

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/nest-crdt/distributor/dispatch"
	"github.com/nest-crdt/distributor/internal/log"
	"github.com/nest-crdt/distributor/membership"
	"github.com/nest-crdt/distributor/network"
)

const (
	topicInitial = "initial"
	topicEcho    = "echo"
	topicReady   = "ready"
)

// Broadcast implements the reliable broadcast protocol on top of a Network
// and a fixed Membership, delivering through an embedded dispatch.Base
// fanout.
type Broadcast struct {
	dispatch.Base

	net    network.Network
	member membership.Membership
	log    log.Logger

	n, f int

	mu     sync.Mutex
	states map[string]*messageState
}

// New wires a reliable Broadcast onto net, registering its initial/echo/
// ready topic receivers.
func New(net network.Network, member membership.Membership, l log.Logger) *Broadcast {
	if l == nil {
		l = log.DefaultLogger()
	}
	b := &Broadcast{
		net:    net,
		member: member,
		log:    l.Named("reliable-broadcast"),
		n:      member.N(),
		f:      member.F(),
		states: make(map[string]*messageState),
	}
	net.RegisterReceiver(topicInitial, b.onInitial)
	net.RegisterReceiver(topicEcho, b.onEcho)
	net.RegisterReceiver(topicReady, b.onReady)
	return b
}

// Broadcast assigns a fresh UUID to payload and sends it as an initial
// message to every member, including self, so the sender also goes through
// the echo/ready/accept path and delivers to itself exactly once.
func (b *Broadcast) Broadcast(payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	body, err := encodeMessageWithID(id, raw)
	if err != nil {
		return err
	}
	var bodyRaw json.RawMessage = body

	return b.sendToEveryone(topicInitial, bodyRaw)
}

func (b *Broadcast) sendToEveryone(topic string, payload json.RawMessage) error {
	var merr error
	for id := range b.member.Peers {
		if err := b.net.SendMessage(id, topic, payload); err != nil {
			merr = multierror.Append(merr, err)
			b.log.Warnw("failed to send", "topic", topic, "to", id, "err", err)
		}
	}
	return merr
}

func (b *Broadcast) onInitial(from membership.NodeId, payload json.RawMessage) {
	uuidStr, inner, ok := decodeMessageWithID(payload)
	if !ok {
		b.log.Debugw("dropping malformed initial", "from", from)
		return
	}
	fp, err := fingerprint(uuidStr, inner, from)
	if err != nil {
		b.log.Debugw("dropping initial with unhashable payload", "from", from, "err", err)
		return
	}

	b.mu.Lock()
	st := b.stateFor(fp)
	shouldEcho := !st.echoSent
	if shouldEcho {
		st.echoSent = true
	}
	b.mu.Unlock()

	if shouldEcho {
		body, err := encodeAnnotatedMessage(uuidStr, inner, from)
		if err != nil {
			b.log.Warnw("failed to encode echo", "err", err)
			return
		}
		if err := b.sendToEveryone(topicEcho, body); err != nil {
			b.log.Warnw("failed to send echo to everyone", "err", err)
		}
	}
}

func (b *Broadcast) onEcho(from membership.NodeId, payload json.RawMessage) {
	uuidStr, inner, originator, ok := decodeAnnotatedMessage(payload)
	if !ok {
		b.log.Debugw("dropping malformed echo", "from", from)
		return
	}
	fp, err := fingerprint(uuidStr, inner, originator)
	if err != nil {
		b.log.Debugw("dropping echo with unhashable payload", "from", from, "err", err)
		return
	}
	b.onVote(fp, uuidStr, inner, originator, from, true)
}

func (b *Broadcast) onReady(from membership.NodeId, payload json.RawMessage) {
	uuidStr, inner, originator, ok := decodeAnnotatedMessage(payload)
	if !ok {
		b.log.Debugw("dropping malformed ready", "from", from)
		return
	}
	fp, err := fingerprint(uuidStr, inner, originator)
	if err != nil {
		b.log.Debugw("dropping ready with unhashable payload", "from", from, "err", err)
		return
	}
	b.onVote(fp, uuidStr, inner, originator, from, false)
}

// onVote applies the shared echo/ready receipt logic: record the sender,
// evaluate the readiness condition (which may trigger this node's own echo
// and/or ready), and evaluate the acceptance condition.
func (b *Broadcast) onVote(fp, uuidStr string, inner json.RawMessage, originator, from membership.NodeId, isEcho bool) {
	b.mu.Lock()
	st := b.stateFor(fp)
	if st.accepted {
		b.mu.Unlock()
		return
	}
	if isEcho {
		st.addEcho(from)
	} else {
		st.addReady(from)
	}

	ready := b.readinessCondition(st)
	sendEcho := ready && !st.echoSent
	sendReady := ready && !st.readySent
	if sendEcho {
		st.echoSent = true
	}
	if sendReady {
		st.readySent = true
		st.releaseEchoSenders()
	}

	accept := !st.accepted && len(st.readySenders) >= 2*b.f+1
	if accept {
		st.accepted = true
		st.releaseReadySenders()
	}
	b.mu.Unlock()

	if sendEcho {
		body, err := encodeAnnotatedMessage(uuidStr, inner, originator)
		if err == nil {
			if err := b.sendToEveryone(topicEcho, body); err != nil {
				b.log.Warnw("failed to send echo to everyone", "err", err)
			}
		}
	}
	if sendReady {
		body, err := encodeAnnotatedMessage(uuidStr, inner, originator)
		if err == nil {
			if err := b.sendToEveryone(topicReady, body); err != nil {
				b.log.Warnw("failed to send ready to everyone", "err", err)
			}
		}
	}
	if accept {
		b.log.Debugw("delivering accepted message", "uuid", uuidStr, "originator", originator)
		b.Deliver(inner)
	}
}

// readinessCondition triggers sending one's own echo and ready:
// |readySenders| >= f+1 OR |echoSenders| > (n+f)/2.
func (b *Broadcast) readinessCondition(st *messageState) bool {
	if len(st.readySenders) >= b.f+1 {
		return true
	}
	if 2*len(st.echoSenders) > b.n+b.f {
		return true
	}
	return false
}

func (b *Broadcast) stateFor(fp string) *messageState {
	st, ok := b.states[fp]
	if !ok {
		st = newMessageState()
		b.states[fp] = st
	}
	return st
}
