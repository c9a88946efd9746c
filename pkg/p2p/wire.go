package p2p

import (
	"bytes"
	"encoding/gob"
)

func init() {
	gob.Register(AttestationWire{})
	gob.Register(SyncRequest{})
	gob.Register(SyncResponse{})
}

const wireVersion = 1

// AttestationWire wraps a JSON encoded attestation on the gossip topic.
type AttestationWire struct {
	Version uint8
	Payload []byte
}

// SyncRequest asks a peer for its most recent attestations.
type SyncRequest struct {
	Limit int
}

type SyncResponse struct {
	Payloads [][]byte // JSON encoded attestations, newest first
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
