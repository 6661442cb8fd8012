package barrier_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/nest-crdt/distributor/barrier"
	"github.com/nest-crdt/distributor/internal/testlog"
	"github.com/nest-crdt/distributor/membership"
	"github.com/nest-crdt/distributor/network"
)

func threeNodePeers() map[membership.NodeId]membership.Peer {
	return map[membership.NodeId]membership.Peer{
		"A": {Host: "127.0.0.1", Port: 19501},
		"B": {Host: "127.0.0.1", Port: 19502},
		"C": {Host: "127.0.0.1", Port: 19503},
	}
}

func connectedNets(t *testing.T, peers map[membership.NodeId]membership.Peer) map[membership.NodeId]*network.Plain {
	t.Helper()
	nets := make(map[membership.NodeId]*network.Plain)
	for id := range peers {
		n := network.NewPlain(id, testlog.New(t))
		require.NoError(t, n.Listen(peers[id].Address()))
		nets[id] = n
	}
	for from, n := range nets {
		for to, peer := range peers {
			if to != from {
				n.RegisterNode(to, peer)
			}
		}
	}
	for from, n := range nets {
		for to := range peers {
			if to == from {
				continue
			}
			to, n := to, n
			require.Eventually(t, func() bool {
				return n.SendMessage(to, "probe", "x") == nil
			}, 2*time.Second, 20*time.Millisecond)
		}
	}
	return nets
}

// TestBarrierUnblocksOnceEveryPeerSeen: every node's Wait returns once all
// peers have exchanged greetings, with no peer left permanently missing.
func TestBarrierUnblocksOnceEveryPeerSeen(t *testing.T) {
	peers := threeNodePeers()
	nets := connectedNets(t, peers)
	defer func() {
		for _, n := range nets {
			n.Stop()
		}
	}()

	barriers := make(map[membership.NodeId]*barrier.Barrier)
	for id, n := range nets {
		barriers[id] = barrier.New(n, membership.New(id, peers), testlog.New(t))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for id, b := range barriers {
		require.NoError(t, b.Wait(ctx), "barrier for %s should have unblocked", id)
	}
}

// TestBarrierSingleNodeUnblocksImmediately covers the n=1 boundary: a
// barrier with no peers has nothing to wait for.
func TestBarrierSingleNodeUnblocksImmediately(t *testing.T) {
	peers := map[membership.NodeId]membership.Peer{"A": {Host: "127.0.0.1", Port: 19504}}
	n := network.NewPlain("A", testlog.New(t))
	require.NoError(t, n.Listen(peers["A"].Address()))
	defer n.Stop()

	b := barrier.New(n, membership.New("A", peers), testlog.New(t))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
}

// TestBarrierTimesOut covers the configurable-timeout path: a peer that
// never greets back leaves the barrier blocked past its deadline.
func TestBarrierTimesOut(t *testing.T) {
	peers := map[membership.NodeId]membership.Peer{
		"A": {Host: "127.0.0.1", Port: 19505},
		"B": {Host: "127.0.0.1", Port: 19506},
	}
	n := network.NewPlain("A", testlog.New(t))
	require.NoError(t, n.Listen(peers["A"].Address()))
	defer n.Stop()
	// B is never started: A's connection to it never establishes and no
	// greeting ever arrives.
	n.RegisterNode("B", peers["B"])

	b := barrier.New(n, membership.New("A", peers), testlog.New(t))
	fake := clockwork.NewFakeClock()
	b.WithClock(fake)

	errCh := make(chan error, 1)
	go func() { errCh <- b.WaitTimeout(time.Second) }()

	fake.BlockUntil(1)
	fake.Advance(2 * time.Second)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, barrier.ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("WaitTimeout did not return after the fake clock advanced")
	}
}
