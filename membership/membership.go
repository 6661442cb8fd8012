// Package membership holds the fixed, construction-time participant set
// shared by every transport in this module.
package membership

import (
	"fmt"
	"sort"
)

// NodeId is an opaque, unique, stable-for-the-deployment participant
// identifier.
type NodeId string

// Peer is a transport address for a stream-socket transport. PublicKeyPEM
// is optional and only consulted by the encrypted transport (cryptonet); the
// plain transport ignores it.
type Peer struct {
	Host string
	Port int

	PublicKeyPEM string
}

// Address renders the peer as a dial/listen address.
func (p Peer) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Membership maps every participant, including self, to its Peer address.
// It is fixed at construction; this module never mutates it.
type Membership struct {
	Self  NodeId
	Peers map[NodeId]Peer
}

// New builds a Membership, copying the supplied peer table so later
// mutation of the caller's map cannot affect it.
func New(self NodeId, peers map[NodeId]Peer) Membership {
	cp := make(map[NodeId]Peer, len(peers))
	for id, p := range peers {
		cp[id] = p
	}
	return Membership{Self: self, Peers: cp}
}

// Others returns every member id except Self, sorted for a deterministic
// order regardless of the underlying map's iteration order.
func (m Membership) Others() []NodeId {
	out := make([]NodeId, 0, len(m.Peers))
	for id := range m.Peers {
		if id != m.Self {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// N is the total member count, including self.
func (m Membership) N() int {
	return len(m.Peers)
}

// F is the maximum number of Byzantine-faulty members tolerated:
// f = floor((n-1)/3).
func (m Membership) F() int {
	return (m.N() - 1) / 3
}
