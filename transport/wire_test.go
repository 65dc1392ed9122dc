package transport

import (
	"errors"
	"testing"
)

func TestEncodeMessageAssignsID(t *testing.T) {
	msg := &Message{Sender: "a", Recipient: "b", Data: []byte("x")}
	if _, err := EncodeMessage(msg); err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	if msg.ID == "" {
		t.Error("EncodeMessage should assign a message ID")
	}
}

func TestDecodeMessageMalformed(t *testing.T) {
	_, err := DecodeMessage([]byte("definitely not cbor"))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("err = %v, want ErrInvalidMessage", err)
	}
}

func TestHandshakeRecordValidation(t *testing.T) {
	_, err := DecodeHandshakeRecord([]byte{0xff, 0x00})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("malformed: err = %v, want ErrInvalidMessage", err)
	}

	noID, err := EncodeHandshakeRecord(&HandshakeRecord{Version: ProtocolVersion})
	if err != nil {
		t.Fatalf("EncodeHandshakeRecord failed: %v", err)
	}
	if _, err := DecodeHandshakeRecord(noID); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("missing peer_id: err = %v, want ErrInvalidMessage", err)
	}

	noVersion, err := EncodeHandshakeRecord(&HandshakeRecord{PeerID: "p"})
	if err != nil {
		t.Fatalf("EncodeHandshakeRecord failed: %v", err)
	}
	if _, err := DecodeHandshakeRecord(noVersion); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("missing version: err = %v, want ErrInvalidMessage", err)
	}
}

func TestCompatibleVersion(t *testing.T) {
	cases := map[string]bool{
		ProtocolVersion: true,
		"1.2.3":         true,
		"2.0.0":         false,
		"":              false,
	}
	for version, want := range cases {
		if got := compatibleVersion(version); got != want {
			t.Errorf("compatibleVersion(%q) = %v, want %v", version, got, want)
		}
	}
}
