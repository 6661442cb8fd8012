// Package network implements a plain, unencrypted point-to-point transport:
// per-peer connection management over the framed wire format, topic-based
// demultiplexing, and best-effort exactly-once delivery to the registered
// receiver for a topic. It does not authenticate senders: the first frame
// on an inbound connection is a self-declared sender id.
package network

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/nest-crdt/distributor/internal/frame"
	"github.com/nest-crdt/distributor/internal/log"
	"github.com/nest-crdt/distributor/membership"
)

// senderIDTopic is the reserved pseudo-topic carried on the first frame of
// every outbound connection, declaring who opened it.
const senderIDTopic = "senderId"

// Receiver is invoked with the payload delivered for a topic.
type Receiver func(from membership.NodeId, payload json.RawMessage)

// Network is the upward contract both the plain and encrypted transports
// implement.
type Network interface {
	RegisterNode(id membership.NodeId, peer membership.Peer)
	RegisterReceiver(topic string, fn Receiver)
	SendMessage(target membership.NodeId, topic string, payload interface{}) error
	Stop()
}

type wireEnvelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Plain is the unencrypted Network implementation.
type Plain struct {
	self membership.NodeId
	log  log.Logger
	clk  clockwork.Clock

	mu        sync.Mutex
	receivers map[string]Receiver
	conns     map[membership.NodeId]*outboundConn
	listener  net.Listener
	stopped   bool
}

type outboundConn struct {
	conn    net.Conn
	stopped *bool
}

// NewPlain constructs a Plain network bound to self's membership. Call
// Listen to start accepting inbound connections.
func NewPlain(self membership.NodeId, l log.Logger) *Plain {
	if l == nil {
		l = log.DefaultLogger()
	}
	return &Plain{
		self:      self,
		log:       l.Named("network"),
		clk:       clockwork.NewRealClock(),
		receivers: make(map[string]Receiver),
		conns:     make(map[membership.NodeId]*outboundConn),
	}
}

// Listen opens a TCP listener on addr and begins accepting inbound
// connections in the background.
func (p *Plain) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.listener = lis
	p.mu.Unlock()
	go p.acceptLoop(lis)
	return nil
}

func (p *Plain) acceptLoop(lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			p.mu.Lock()
			stopped := p.stopped
			p.mu.Unlock()
			if stopped {
				return
			}
			p.log.Warnw("accept failed", "err", err)
			continue
		}
		go p.serveInbound(conn)
	}
}

// serveInbound reads frames from an inbound connection until it declares a
// sender id (on the reserved senderId pseudo-topic), then dispatches every
// subsequent frame by topic.
func (p *Plain) serveInbound(conn net.Conn) {
	defer conn.Close()
	var from membership.NodeId
	err := frame.ReadLoop(conn, 4096, func(payload []byte) {
		var env wireEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			p.log.Warnw("dropping malformed frame", "err", err)
			return
		}
		topic, isSenderID := unescapeTopic(env.Topic)
		if isSenderID && from == "" {
			var id string
			if err := json.Unmarshal(env.Payload, &id); err != nil {
				p.log.Warnw("dropping malformed senderId frame", "err", err)
				return
			}
			from = membership.NodeId(id)
			return
		}
		p.dispatch(from, topic, env.Payload)
	})
	if err != nil {
		p.log.Debugw("inbound connection closed", "from", from, "err", err)
	}
}

func (p *Plain) dispatch(from membership.NodeId, topic string, payload json.RawMessage) {
	p.mu.Lock()
	fn, ok := p.receivers[topic]
	p.mu.Unlock()
	if !ok {
		return
	}
	fn(from, payload)
}

// RegisterNode tears down any prior outbound socket to id and opens a new
// one, immediately announcing self on the reserved senderId topic. It
// reconnects on error/EOF until Stop is called.
func (p *Plain) RegisterNode(id membership.NodeId, peer membership.Peer) {
	if id == p.self {
		return
	}
	p.mu.Lock()
	if prior, ok := p.conns[id]; ok {
		*prior.stopped = true
		if prior.conn != nil {
			prior.conn.Close()
		}
	}
	stopped := false
	oc := &outboundConn{stopped: &stopped}
	p.conns[id] = oc
	p.mu.Unlock()

	go p.maintainOutbound(id, peer, oc)
}

func (p *Plain) maintainOutbound(id membership.NodeId, peer membership.Peer, oc *outboundConn) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for {
		p.mu.Lock()
		stopped := p.stopped || *oc.stopped
		p.mu.Unlock()
		if stopped {
			return
		}

		conn, err := net.Dial("tcp", peer.Address())
		if err != nil {
			p.log.Debugw("dial failed, retrying", "to", id, "err", err)
			p.clk.Sleep(backoff)
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		p.mu.Lock()
		oc.conn = conn
		p.mu.Unlock()

		if err := p.announce(conn); err != nil {
			p.log.Warnw("failed to announce senderId", "to", id, "err", err)
			conn.Close()
			continue
		}

		err = frame.ReadLoop(conn, 4096, func(payload []byte) {
			var env wireEnvelope
			if err := json.Unmarshal(payload, &env); err != nil {
				return
			}
			topic, _ := unescapeTopic(env.Topic)
			p.dispatch(id, topic, env.Payload)
		})
		p.log.Debugw("outbound connection ended", "to", id, "err", err)
		conn.Close()
	}
}

func (p *Plain) announce(conn net.Conn) error {
	env := wireEnvelope{Topic: senderIDTopic}
	idBytes, err := json.Marshal(string(p.self))
	if err != nil {
		return err
	}
	env.Payload = idBytes
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return frame.Write(conn, body)
}

// RegisterReceiver replaces any prior handler for topic.
func (p *Plain) RegisterReceiver(topic string, fn Receiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receivers[topic] = fn
}

// SendMessage delivers synchronously to the local receiver when target is
// self, otherwise frames [topic, payload] to target's outbound socket.
func (p *Plain) SendMessage(target membership.NodeId, topic string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if target == p.self {
		p.dispatch(p.self, topic, raw)
		return nil
	}

	p.mu.Lock()
	oc, ok := p.conns[target]
	p.mu.Unlock()
	if !ok || oc.conn == nil {
		return fmt.Errorf("network: no established connection to %s", target)
	}

	env := wireEnvelope{Topic: escapeTopic(topic), Payload: raw}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return frame.Write(oc.conn, body)
}

// Stop closes the listener and every outbound connection, and suppresses
// further reconnection attempts.
func (p *Plain) Stop() {
	p.mu.Lock()
	p.stopped = true
	if p.listener != nil {
		p.listener.Close()
	}
	conns := make([]*outboundConn, 0, len(p.conns))
	for _, oc := range p.conns {
		*oc.stopped = true
		conns = append(conns, oc)
	}
	p.mu.Unlock()

	var merr error
	for _, oc := range conns {
		if oc.conn != nil {
			if err := oc.conn.Close(); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	if merr != nil {
		p.log.Warnw("errors while closing connections on stop", "err", merr)
	}
}

// escapeTopic prefixes a topic ending in "senderId" with an underscore so it
// cannot be confused with the reserved announcement pseudo-topic.
func escapeTopic(topic string) string {
	if strings.HasSuffix(topic, senderIDTopic) {
		return "_" + topic
	}
	return topic
}

// unescapeTopic reverses escapeTopic and reports whether the wire topic was
// the reserved senderId announcement itself (as opposed to an
// underscore-escaped user topic that merely ends in "senderId").
func unescapeTopic(wire string) (topic string, isSenderID bool) {
	if wire == senderIDTopic {
		return wire, true
	}
	if strings.HasPrefix(wire, "_") {
		return wire[1:], false
	}
	return wire, false
}
