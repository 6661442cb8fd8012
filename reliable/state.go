package reliable

import "github.com/nest-crdt/distributor/membership"

// messageState tracks one fingerprint's progress through the protocol. Once
// readySent becomes true, echoSenders is released (set nil); once accepted
// becomes true, readySenders is released. accepted is monotonic and never
// cleared.
type messageState struct {
	echoSent  bool
	readySent bool
	accepted  bool

	echoSenders  map[membership.NodeId]struct{}
	readySenders map[membership.NodeId]struct{}
}

func newMessageState() *messageState {
	return &messageState{
		echoSenders:  make(map[membership.NodeId]struct{}),
		readySenders: make(map[membership.NodeId]struct{}),
	}
}

func (s *messageState) addEcho(from membership.NodeId) {
	if s.echoSenders == nil {
		return
	}
	s.echoSenders[from] = struct{}{}
}

func (s *messageState) addReady(from membership.NodeId) {
	if s.readySenders == nil {
		return
	}
	s.readySenders[from] = struct{}{}
}

func (s *messageState) releaseEchoSenders() {
	s.echoSenders = nil
}

func (s *messageState) releaseReadySenders() {
	s.readySenders = nil
}
