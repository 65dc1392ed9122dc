package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is advertised in handshake records and relay
// envelopes. Peers with a different major version are rejected.
const ProtocolVersion = "1.0.0"

// HandshakeRecord is the identity record exchanged when two nodes meet
// on an unauthenticated medium, CBOR-encoded on the wire.
type HandshakeRecord struct {
	PeerID       string   `cbor:"peer_id"`
	Version      string   `cbor:"version"`
	Capabilities []string `cbor:"capabilities,omitempty"`
}

// HandshakeAck is the response to a HandshakeRecord.
type HandshakeAck struct {
	PeerID   string `cbor:"peer_id"`
	Accepted bool   `cbor:"accepted"`
	Reason   string `cbor:"reason,omitempty"`
}

// EncodeHandshakeRecord serializes the record to CBOR.
func EncodeHandshakeRecord(record *HandshakeRecord) ([]byte, error) {
	data, err := cbor.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handshake record: %w", err)
	}
	return data, nil
}

// DecodeHandshakeRecord parses a CBOR handshake record and validates
// its required fields.
func DecodeHandshakeRecord(data []byte) (*HandshakeRecord, error) {
	var record HandshakeRecord
	if err := cbor.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: malformed handshake record: %v", ErrInvalidMessage, err)
	}
	if record.PeerID == "" {
		return nil, fmt.Errorf("%w: handshake record missing peer_id", ErrInvalidMessage)
	}
	if record.Version == "" {
		return nil, fmt.Errorf("%w: handshake record missing version", ErrInvalidMessage)
	}
	return &record, nil
}

// EncodeHandshakeAck serializes the ack to CBOR.
func EncodeHandshakeAck(ack *HandshakeAck) ([]byte, error) {
	data, err := cbor.Marshal(ack)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handshake ack: %w", err)
	}
	return data, nil
}

// DecodeHandshakeAck parses a CBOR handshake ack.
func DecodeHandshakeAck(data []byte) (*HandshakeAck, error) {
	var ack HandshakeAck
	if err := cbor.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("%w: malformed handshake ack: %v", ErrInvalidMessage, err)
	}
	return &ack, nil
}

// compatibleVersion reports whether the peer's advertised version shares
// our major version.
func compatibleVersion(version string) bool {
	if version == ProtocolVersion {
		return true
	}
	return len(version) > 0 && len(ProtocolVersion) > 0 && version[0] == ProtocolVersion[0]
}
