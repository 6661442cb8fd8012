package cryptonet_test

import (
	"crypto/rsa"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nest-crdt/distributor/cryptonet"
	"github.com/nest-crdt/distributor/internal/testlog"
	"github.com/nest-crdt/distributor/membership"
)

type node struct {
	id  membership.NodeId
	net *cryptonet.Encrypted
	pub *rsa.PublicKey
}

func newNode(t *testing.T, id membership.NodeId, addr string) *node {
	t.Helper()
	priv, err := cryptonet.GenerateKeyPair()
	require.NoError(t, err)
	n := cryptonet.NewEncrypted(id, priv, testlog.New(t))
	require.NoError(t, n.Listen(addr))
	return &node{id: id, net: n, pub: &priv.PublicKey}
}

func (n *node) peer(host string, port int) membership.Peer {
	pubPEM, err := cryptonet.EncodePublicKeyPEM(n.pub)
	if err != nil {
		panic(err)
	}
	return membership.Peer{Host: host, Port: port, PublicKeyPEM: string(pubPEM)}
}

// TestEncryptedHandshakeAndDelivery: two nodes complete the RSA handshake
// and exchange a message over the resulting AES session.
func TestEncryptedHandshakeAndDelivery(t *testing.T) {
	a := newNode(t, "A", "127.0.0.1:19401")
	b := newNode(t, "B", "127.0.0.1:19402")
	defer a.net.Stop()
	defer b.net.Stop()

	var mu sync.Mutex
	var received string
	b.net.RegisterReceiver("greet", func(from membership.NodeId, payload json.RawMessage) {
		var s string
		_ = json.Unmarshal(payload, &s)
		mu.Lock()
		received = s
		mu.Unlock()
	})

	a.net.RegisterNode("B", b.peer("127.0.0.1", 19402))
	b.net.RegisterNode("A", a.peer("127.0.0.1", 19401))

	require.Eventually(t, func() bool {
		return a.net.SendMessage("B", "greet", "hello from A") == nil
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == "hello from A"
	}, 3*time.Second, 20*time.Millisecond)
}

// TestEncryptedBuffersBeforeHandshake: a message sent immediately after
// RegisterNode, before the handshake has had
// a chance to complete, is buffered and delivered once the AES key is
// negotiated rather than being dropped or erroring.
func TestEncryptedBuffersBeforeHandshake(t *testing.T) {
	a := newNode(t, "A", "127.0.0.1:19403")
	b := newNode(t, "B", "127.0.0.1:19404")
	defer a.net.Stop()
	defer b.net.Stop()

	delivered := make(chan string, 1)
	b.net.RegisterReceiver("greet", func(from membership.NodeId, payload json.RawMessage) {
		var s string
		_ = json.Unmarshal(payload, &s)
		delivered <- s
	})

	b.net.RegisterNode("A", a.peer("127.0.0.1", 19403))

	a.net.RegisterNode("B", b.peer("127.0.0.1", 19404))
	require.NoError(t, a.net.SendMessage("B", "greet", "buffered hello"))

	select {
	case s := <-delivered:
		require.Equal(t, "buffered hello", s)
	case <-time.After(3 * time.Second):
		t.Fatal("buffered message was never delivered")
	}
}
