package reliable

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nest-crdt/distributor/canon"
	"github.com/nest-crdt/distributor/membership"
)

// messageWithId is the initial-phase wire shape: [uuid, payload].
func encodeMessageWithID(uuid string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal([]json.RawMessage{mustRawString(uuid), payload})
}

// decodeMessageWithID validates the shape: a 2-element array, first
// element a string.
func decodeMessageWithID(raw json.RawMessage) (uuid string, payload json.RawMessage, ok bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) != 2 {
		return "", nil, false
	}
	if err := json.Unmarshal(parts[0], &uuid); err != nil {
		return "", nil, false
	}
	return uuid, parts[1], true
}

// annotatedMessage is the echo/ready-phase wire shape:
// [uuid, payload, originatorId].
func encodeAnnotatedMessage(uuid string, payload json.RawMessage, originator membership.NodeId) ([]byte, error) {
	return json.Marshal([]json.RawMessage{mustRawString(uuid), payload, mustRawString(string(originator))})
}

// decodeAnnotatedMessage validates the shape: a 3-element array, first
// and third elements strings.
func decodeAnnotatedMessage(raw json.RawMessage) (uuid string, payload json.RawMessage, originator membership.NodeId, ok bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) != 3 {
		return "", nil, "", false
	}
	if err := json.Unmarshal(parts[0], &uuid); err != nil {
		return "", nil, "", false
	}
	var orig string
	if err := json.Unmarshal(parts[2], &orig); err != nil {
		return "", nil, "", false
	}
	return uuid, parts[1], membership.NodeId(orig), true
}

func mustRawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// fingerprint computes the stable (uuid, sha256(canonical AnnotatedMessage))
// identity: two AnnotatedMessages are the same logical message iff their
// fingerprints match, and equivocating senders that emit differing content
// under the same uuid produce distinct fingerprints.
func fingerprint(uuid string, payload json.RawMessage, originator membership.NodeId) (string, error) {
	var genericPayload interface{}
	if err := json.Unmarshal(payload, &genericPayload); err != nil {
		return "", fmt.Errorf("reliable: fingerprint: %w", err)
	}
	canonical, err := canon.Marshal([]interface{}{uuid, genericPayload, string(originator)})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return uuid + ":" + hex.EncodeToString(sum[:]), nil
}
