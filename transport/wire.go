package transport

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// wireMessage is the CBOR shape a Message takes on stream transports.
type wireMessage struct {
	ID        string `cbor:"id"`
	Sender    string `cbor:"sender"`
	Recipient string `cbor:"recipient,omitempty"`
	Topic     string `cbor:"topic,omitempty"`
	Data      []byte `cbor:"data"`
}

// EncodeMessage serializes a message for the wire, assigning an ID if
// the caller did not.
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	data, err := cbor.Marshal(&wireMessage{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Topic:     msg.Topic,
		Data:      msg.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a wire message.
func DecodeMessage(data []byte) (*Message, error) {
	var wm wireMessage
	if err := cbor.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("%w: malformed message: %v", ErrInvalidMessage, err)
	}
	return &Message{
		ID:         wm.ID,
		Sender:     wm.Sender,
		Recipient:  wm.Recipient,
		Topic:      wm.Topic,
		Data:       wm.Data,
		ReceivedAt: time.Now(),
	}, nil
}
