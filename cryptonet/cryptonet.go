package cryptonet

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/nest-crdt/distributor/internal/frame"
	"github.com/nest-crdt/distributor/internal/log"
	"github.com/nest-crdt/distributor/membership"
	"github.com/nest-crdt/distributor/network"
)

type wireEnvelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

type handshakeHello struct {
	SelfId string `json:"selfId"`
	Nonce  string `json:"nonce"`
}

type handshakeAccept struct {
	Nonce  string `json:"nonce"`
	AESKey []byte `json:"aesKey"`
}

var _ network.Network = (*Encrypted)(nil)

// Encrypted is the RSA-handshake, AES-CBC-steady-state Network
// implementation.
type Encrypted struct {
	self membership.NodeId
	priv *rsa.PrivateKey
	log  log.Logger
	clk  clockwork.Clock

	mu        sync.Mutex
	pubKeys   map[membership.NodeId]*rsa.PublicKey
	receivers map[string]network.Receiver
	conns     map[membership.NodeId]*outboundConn
	listener  net.Listener
	stopped   bool
}

type outboundConn struct {
	mu      sync.Mutex
	conn    net.Conn
	stopped *bool
	aesKey  []byte   // nil until the handshake completes
	pending [][]byte // raw envelope JSON bodies queued before aesKey is set
}

// NewEncrypted constructs an Encrypted network bound to self's identity and
// private key. Call Listen to start accepting inbound connections.
func NewEncrypted(self membership.NodeId, priv *rsa.PrivateKey, l log.Logger) *Encrypted {
	if l == nil {
		l = log.DefaultLogger()
	}
	return &Encrypted{
		self:      self,
		priv:      priv,
		log:       l.Named("cryptonet"),
		clk:       clockwork.NewRealClock(),
		pubKeys:   make(map[membership.NodeId]*rsa.PublicKey),
		receivers: make(map[string]network.Receiver),
		conns:     make(map[membership.NodeId]*outboundConn),
	}
}

// Listen opens a TCP listener on addr and begins accepting inbound
// connections in the background.
func (e *Encrypted) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.listener = lis
	e.mu.Unlock()
	go e.acceptLoop(lis)
	return nil
}

func (e *Encrypted) acceptLoop(lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			e.mu.Lock()
			stopped := e.stopped
			e.mu.Unlock()
			if stopped {
				return
			}
			e.log.Warnw("accept failed", "err", err)
			continue
		}
		go e.serveInbound(conn)
	}
}

// serveInbound responds to the RSA hello on a freshly accepted connection,
// then decrypts every subsequent frame with the negotiated AES key.
func (e *Encrypted) serveInbound(conn net.Conn) {
	defer conn.Close()

	var first []byte
	var handshakeDone bool
	var from membership.NodeId
	var aesKey []byte

	err := frame.ReadLoop(conn, 4096, func(payload []byte) {
		if !handshakeDone {
			first = payload
			hello, err := e.decodeHello(first)
			if err != nil {
				e.log.Warnw("dropping malformed handshake hello", "err", err)
				return
			}
			from = membership.NodeId(hello.SelfId)
			key, accept, err := e.buildAccept(from, hello.Nonce)
			if err != nil {
				e.log.Warnw("failed to build handshake accept", "from", from, "err", err)
				return
			}
			if err := frame.Write(conn, accept); err != nil {
				e.log.Warnw("failed to send handshake accept", "from", from, "err", err)
				return
			}
			aesKey = key
			handshakeDone = true
			return
		}

		plain, err := decryptAES(aesKey, payload)
		if err != nil {
			e.log.Warnw("dropping undecryptable frame", "from", from, "err", err)
			return
		}
		var env wireEnvelope
		if err := json.Unmarshal(plain, &env); err != nil {
			e.log.Warnw("dropping malformed frame", "from", from, "err", err)
			return
		}
		e.dispatch(from, env.Topic, env.Payload)
	})
	if err != nil {
		e.log.Debugw("inbound connection closed", "from", from, "err", err)
	}
}

func (e *Encrypted) decodeHello(payload []byte) (handshakeHello, error) {
	plain, err := decryptRSA(e.priv, payload)
	if err != nil {
		return handshakeHello{}, err
	}
	var hello handshakeHello
	if err := json.Unmarshal(plain, &hello); err != nil {
		return handshakeHello{}, fmt.Errorf("cryptonet: malformed handshake hello: %w", err)
	}
	return hello, nil
}

// buildAccept generates a fresh AES key for the connection and RSA-encrypts
// [nonce, aesKey] for the dialer identified by from, whose public key must
// already be known via RegisterNode.
func (e *Encrypted) buildAccept(from membership.NodeId, nonce string) (aesKey, accept []byte, err error) {
	e.mu.Lock()
	pub, ok := e.pubKeys[from]
	e.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("cryptonet: unknown public key for %s", from)
	}

	aesKey, err = generateAESKey()
	if err != nil {
		return nil, nil, err
	}
	msg, err := json.Marshal(handshakeAccept{Nonce: nonce, AESKey: aesKey})
	if err != nil {
		return nil, nil, err
	}
	accept, err = encryptRSA(pub, msg)
	if err != nil {
		return nil, nil, err
	}
	return aesKey, accept, nil
}

func (e *Encrypted) dispatch(from membership.NodeId, topic string, payload json.RawMessage) {
	e.mu.Lock()
	fn, ok := e.receivers[topic]
	e.mu.Unlock()
	if !ok {
		return
	}
	fn(from, payload)
}

// RegisterNode records peer's RSA public key and (re)opens the outbound
// connection to it, reconnecting on failure until Stop is called. Any
// messages already queued via SendMessage before the previous connection's
// handshake completed are dropped along with that connection, since a new
// handshake (and AES key) replaces it.
func (e *Encrypted) RegisterNode(id membership.NodeId, peer membership.Peer) {
	if id == e.self {
		return
	}
	pub, err := DecodePublicKeyPEM([]byte(peer.PublicKeyPEM))
	if err != nil {
		e.log.Warnw("cannot register node without a valid public key", "id", id, "err", err)
		return
	}

	e.mu.Lock()
	e.pubKeys[id] = pub
	if prior, ok := e.conns[id]; ok {
		*prior.stopped = true
		if prior.conn != nil {
			prior.conn.Close()
		}
	}
	stopped := false
	oc := &outboundConn{stopped: &stopped}
	e.conns[id] = oc
	e.mu.Unlock()

	go e.maintainOutbound(id, peer, pub, oc)
}

func (e *Encrypted) maintainOutbound(id membership.NodeId, peer membership.Peer, pub *rsa.PublicKey, oc *outboundConn) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for {
		e.mu.Lock()
		stopped := e.stopped || *oc.stopped
		e.mu.Unlock()
		if stopped {
			return
		}

		conn, err := net.Dial("tcp", peer.Address())
		if err != nil {
			e.log.Debugw("dial failed, retrying", "to", id, "err", err)
			e.clk.Sleep(backoff)
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		oc.mu.Lock()
		oc.conn = conn
		oc.mu.Unlock()

		nonce := uuid.NewString()
		if err := e.sendHello(conn, pub, nonce); err != nil {
			e.log.Warnw("failed to send handshake hello", "to", id, "err", err)
			conn.Close()
			continue
		}

		// A single ReadLoop call services this connection end to end: its
		// first frame is the handshake accept, everything after is an
		// AES-encrypted envelope. Splitting this into two ReadLoop calls
		// would race two readers on the same socket.
		var handshakeDone bool
		err = frame.ReadLoop(conn, 4096, func(payload []byte) {
			if !handshakeDone {
				aesKey, hsErr := e.decodeAccept(payload, nonce)
				if hsErr != nil {
					e.log.Warnw("handshake failed", "to", id, "err", hsErr)
					conn.Close()
					return
				}
				handshakeDone = true

				oc.mu.Lock()
				oc.aesKey = aesKey
				pending := oc.pending
				oc.pending = nil
				oc.mu.Unlock()
				for _, body := range pending {
					if sendErr := e.sendEncrypted(oc, body); sendErr != nil {
						e.log.Warnw("failed to flush buffered message", "to", id, "err", sendErr)
					}
				}
				return
			}

			oc.mu.Lock()
			key := oc.aesKey
			oc.mu.Unlock()
			plain, err := decryptAES(key, payload)
			if err != nil {
				e.log.Warnw("dropping undecryptable frame", "from", id, "err", err)
				return
			}
			var env wireEnvelope
			if err := json.Unmarshal(plain, &env); err != nil {
				return
			}
			e.dispatch(id, env.Topic, env.Payload)
		})
		e.log.Debugw("outbound connection ended", "to", id, "err", err)

		oc.mu.Lock()
		oc.aesKey = nil
		oc.mu.Unlock()
		conn.Close()
	}
}

// sendHello RSA-encrypts [selfId, nonce] for pub and writes it as the
// connection's first frame.
func (e *Encrypted) sendHello(conn net.Conn, pub *rsa.PublicKey, nonce string) error {
	hello, err := json.Marshal(handshakeHello{SelfId: string(e.self), Nonce: nonce})
	if err != nil {
		return err
	}
	cipherHello, err := encryptRSA(pub, hello)
	if err != nil {
		return err
	}
	return frame.Write(conn, cipherHello)
}

// decodeAccept RSA-decrypts the handshake response and verifies its nonce
// echoes the one this node sent, authenticating the responder as holding
// the private key matching the public key this node encrypted the hello
// for.
func (e *Encrypted) decodeAccept(payload []byte, nonce string) ([]byte, error) {
	plain, err := decryptRSA(e.priv, payload)
	if err != nil {
		return nil, err
	}
	var accept handshakeAccept
	if err := json.Unmarshal(plain, &accept); err != nil {
		return nil, fmt.Errorf("cryptonet: malformed handshake accept: %w", err)
	}
	if accept.Nonce != nonce {
		return nil, fmt.Errorf("cryptonet: handshake nonce mismatch")
	}
	return accept.AESKey, nil
}

// RegisterReceiver replaces any prior handler for topic.
func (e *Encrypted) RegisterReceiver(topic string, fn network.Receiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.receivers[topic] = fn
}

// SendMessage delivers synchronously to the local receiver when target is
// self. Otherwise it is encrypted and sent on target's outbound connection
// if the AES handshake has completed, or buffered (unbounded, FIFO) to be
// sent once it does.
func (e *Encrypted) SendMessage(target membership.NodeId, topic string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if target == e.self {
		e.dispatch(e.self, topic, raw)
		return nil
	}

	env := wireEnvelope{Topic: topic, Payload: raw}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	e.mu.Lock()
	oc, ok := e.conns[target]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cryptonet: %s is not a registered node", target)
	}

	oc.mu.Lock()
	if oc.aesKey == nil {
		oc.pending = append(oc.pending, body)
		oc.mu.Unlock()
		return nil
	}
	oc.mu.Unlock()

	return e.sendEncrypted(oc, body)
}

func (e *Encrypted) sendEncrypted(oc *outboundConn, body []byte) error {
	oc.mu.Lock()
	conn, key := oc.conn, oc.aesKey
	oc.mu.Unlock()
	if conn == nil || key == nil {
		oc.mu.Lock()
		oc.pending = append(oc.pending, body)
		oc.mu.Unlock()
		return nil
	}

	cipherBody, err := encryptAES(key, body)
	if err != nil {
		return err
	}
	return frame.Write(conn, cipherBody)
}

// Stop closes the listener and every outbound connection, and suppresses
// further reconnection attempts.
func (e *Encrypted) Stop() {
	e.mu.Lock()
	e.stopped = true
	if e.listener != nil {
		e.listener.Close()
	}
	conns := make([]*outboundConn, 0, len(e.conns))
	for _, oc := range e.conns {
		*oc.stopped = true
		conns = append(conns, oc)
	}
	e.mu.Unlock()

	var merr error
	for _, oc := range conns {
		oc.mu.Lock()
		conn := oc.conn
		oc.mu.Unlock()
		if conn != nil {
			if err := conn.Close(); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	if merr != nil {
		e.log.Warnw("errors while closing connections on stop", "err", merr)
	}
}
