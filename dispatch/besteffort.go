package dispatch

import (
	"encoding/json"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/nest-crdt/distributor/internal/log"
	"github.com/nest-crdt/distributor/membership"
	"github.com/nest-crdt/distributor/network"
)

// messageTopic is the single topic the best-effort broadcast uses on the
// wire.
const messageTopic = "MESSAGE"

// BestEffort sends a payload to every member (including self, via the
// network's self-loop) and delivers on receipt. It assumes honest,
// reachable peers and a sender that does not crash mid-broadcast; it
// performs no deduplication.
type BestEffort struct {
	Base
	net    network.Network
	member membership.Membership
	log    log.Logger
}

// NewBestEffort wires a BestEffort broadcaster onto net, registering its
// MESSAGE topic receiver.
func NewBestEffort(net network.Network, member membership.Membership, l log.Logger) *BestEffort {
	if l == nil {
		l = log.DefaultLogger()
	}
	be := &BestEffort{
		net:    net,
		member: member,
		log:    l.Named("best-effort-broadcast"),
	}
	net.RegisterReceiver(messageTopic, be.onMessage)
	return be
}

func (be *BestEffort) onMessage(from membership.NodeId, payload json.RawMessage) {
	be.log.Debugw("delivering best-effort message", "from", from)
	be.Deliver(payload)
}

// Broadcast sends payload to every member on the MESSAGE topic.
func (be *BestEffort) Broadcast(payload interface{}) error {
	var merr error
	for id := range be.member.Peers {
		if err := be.net.SendMessage(id, messageTopic, payload); err != nil {
			merr = multierror.Append(merr, err)
			be.log.Warnw("failed to send best-effort message", "to", id, "err", err)
		}
	}
	return merr
}
