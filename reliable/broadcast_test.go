package reliable_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nest-crdt/distributor/internal/testlog"
	"github.com/nest-crdt/distributor/membership"
	"github.com/nest-crdt/distributor/network"
	"github.com/nest-crdt/distributor/reliable"
)

type cluster struct {
	nets     map[membership.NodeId]*network.Plain
	bcasts   map[membership.NodeId]*reliable.Broadcast
	mu       sync.Mutex
	received map[membership.NodeId][]string
}

func newCluster(t *testing.T, peers map[membership.NodeId]membership.Peer, participate map[membership.NodeId]bool) *cluster {
	t.Helper()
	c := &cluster{
		nets:     make(map[membership.NodeId]*network.Plain),
		bcasts:   make(map[membership.NodeId]*reliable.Broadcast),
		received: make(map[membership.NodeId][]string),
	}
	for id := range peers {
		n := network.NewPlain(id, testlog.New(t))
		require.NoError(t, n.Listen(peers[id].Address()))
		c.nets[id] = n
		if participate == nil || participate[id] {
			member := membership.New(id, peers)
			b := reliable.New(n, member, testlog.New(t))
			id := id
			b.AddReceiver(func(payload json.RawMessage) {
				var s string
				_ = json.Unmarshal(payload, &s)
				c.mu.Lock()
				c.received[id] = append(c.received[id], s)
				c.mu.Unlock()
			})
			c.bcasts[id] = b
		}
	}
	for from, n := range c.nets {
		for to, peer := range peers {
			if to != from {
				n.RegisterNode(to, peer)
			}
		}
	}
	return c
}

func (c *cluster) stop() {
	for _, n := range c.nets {
		n.Stop()
	}
}

func (c *cluster) deliveredCount(id membership.NodeId) func() int {
	return func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.received[id])
	}
}

func eventuallyEqual(t *testing.T, want int, get func() int) {
	t.Helper()
	require.Eventually(t, func() bool { return get() == want }, 3*time.Second, 20*time.Millisecond)
}

// TestSingleNodeDeliverToSelf covers the n=1, f=0 boundary: a broadcast
// delivers to self even though there is no one else to echo or ready with.
func TestSingleNodeDeliverToSelf(t *testing.T) {
	peers := map[membership.NodeId]membership.Peer{"A": {Host: "127.0.0.1", Port: 19201}}
	c := newCluster(t, peers, nil)
	defer c.stop()

	require.NoError(t, c.bcasts["A"].Broadcast("solo"))
	eventuallyEqual(t, 1, c.deliveredCount("A"))
}

func fourNodePeers() map[membership.NodeId]membership.Peer {
	return map[membership.NodeId]membership.Peer{
		"A": {Host: "127.0.0.1", Port: 19210},
		"B": {Host: "127.0.0.1", Port: 19211},
		"C": {Host: "127.0.0.1", Port: 19212},
		"D": {Host: "127.0.0.1", Port: 19213},
	}
}

func waitConnected(t *testing.T, c *cluster, peers map[membership.NodeId]membership.Peer) {
	t.Helper()
	for from, n := range c.nets {
		for to := range peers {
			if to == from {
				continue
			}
			to := to
			n := n
			require.Eventually(t, func() bool {
				return n.SendMessage(to, "probe", "x") == nil
			}, 3*time.Second, 20*time.Millisecond)
		}
	}
}

// TestFourNodeAllCorrect covers the all-honest case: every correct node
// delivers the broadcast payload exactly once.
func TestFourNodeAllCorrect(t *testing.T) {
	peers := fourNodePeers()
	c := newCluster(t, peers, nil)
	defer c.stop()
	waitConnected(t, c, peers)

	require.NoError(t, c.bcasts["A"].Broadcast("hello"))

	for _, id := range []membership.NodeId{"A", "B", "C", "D"} {
		eventuallyEqual(t, 1, c.deliveredCount(id))
	}

	time.Sleep(200 * time.Millisecond)
	for _, id := range []membership.NodeId{"A", "B", "C", "D"} {
		require.Equal(t, 1, c.deliveredCount(id)(), "no duplicate delivery at %s", id)
	}
}

// TestFourNodeOneSilentFaulty covers a silent faulty node: D never
// participates; A, B, C still reach quorum and deliver (2f+1=3 readies is
// satisfiable from A, B, C alone).
func TestFourNodeOneSilentFaulty(t *testing.T) {
	peers := fourNodePeers()
	participate := map[membership.NodeId]bool{"A": true, "B": true, "C": true, "D": false}
	c := newCluster(t, peers, participate)
	defer c.stop()
	waitConnected(t, c, peers)

	require.NoError(t, c.bcasts["A"].Broadcast("hello"))

	for _, id := range []membership.NodeId{"A", "B", "C"} {
		eventuallyEqual(t, 1, c.deliveredCount(id))
	}
}

// TestFourNodeOneEquivocatingFaulty covers an equivocating faulty node: D
// sends conflicting initial content under the same uuid to A
// and B. Honest nodes echo only what they first heard from D for that
// fingerprint and never reach a ready quorum on either content.
func TestFourNodeOneEquivocatingFaulty(t *testing.T) {
	peers := fourNodePeers()
	participate := map[membership.NodeId]bool{"A": true, "B": true, "C": true, "D": false}
	c := newCluster(t, peers, participate)
	defer c.stop()
	waitConnected(t, c, peers)

	const sameUUID = "11111111-1111-1111-1111-111111111111"
	bodyToA, err := json.Marshal([]interface{}{sameUUID, "hello"})
	require.NoError(t, err)
	bodyToB, err := json.Marshal([]interface{}{sameUUID, "bye"})
	require.NoError(t, err)

	dNet := c.nets["D"]
	require.NoError(t, dNet.SendMessage("A", "initial", json.RawMessage(bodyToA)))
	require.NoError(t, dNet.SendMessage("B", "initial", json.RawMessage(bodyToB)))

	time.Sleep(500 * time.Millisecond)
	for _, id := range []membership.NodeId{"A", "B", "C"} {
		require.Equal(t, 0, c.deliveredCount(id)(), "no quorum should form for either content at %s", id)
	}
}
