package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitchat/noise"
)

// Frame type bytes prefixed to every Bluetooth characteristic payload.
// BLE advertisements are unauthenticated, so all traffic runs through a
// per-peer Noise channel once a frame type routes it to the right
// session.
const (
	frameHandshakeInit byte = 0x01
	frameHandshakeResp byte = 0x02
	frameData          byte = 0x03
)

// CharacteristicWriter abstracts the radio: implementations deliver raw
// bytes to a peer's GATT characteristic. The physical BLE stack lives
// behind this interface.
type CharacteristicWriter interface {
	WriteCharacteristic(peerID string, data []byte) error
}

// BluetoothTransport carries traffic over BLE mesh links. Every peer
// link is protected by a Noise XX channel; handshake frames bootstrap
// the channel and data frames carry encrypted messages.
type BluetoothTransport struct {
	baseTransport

	localPeerID string

	chanMu   sync.RWMutex
	writer   CharacteristicWriter
	channels map[string]*noise.Channel
}

// NewBluetoothTransport creates the Bluetooth backend. A radio must be
// attached with SetWriter before the transport can start.
func NewBluetoothTransport(config *Config) (*BluetoothTransport, error) {
	t := &BluetoothTransport{
		baseTransport: newBaseTransport(TransportBluetoothMesh, config),
		channels:      make(map[string]*noise.Channel),
	}
	t.localPeerID = t.config.LocalPeerID
	if t.localPeerID == "" {
		t.localPeerID = uuid.New().String()
	}
	return t, nil
}

// SetWriter attaches the radio layer.
func (t *BluetoothTransport) SetWriter(w CharacteristicWriter) {
	t.chanMu.Lock()
	t.writer = w
	t.chanMu.Unlock()
}

// Start activates the transport. Without an attached radio the
// transport parks in Failed state instead of blocking the other
// transports from starting.
func (t *BluetoothTransport) Start(ctx context.Context) error {
	if t.Status().IsActive() {
		return nil
	}
	t.setStatus(StatusStarting)

	t.chanMu.RLock()
	hasWriter := t.writer != nil
	t.chanMu.RUnlock()

	if !hasWriter {
		t.setStatus(StatusFailed("no characteristic writer attached"))
		logrus.WithFields(logrus.Fields{
			"function": "Start",
		}).Warn("Bluetooth transport has no radio attached")
		return nil
	}

	t.setStatus(StatusActive)
	return nil
}

// Stop tears down every secure channel.
func (t *BluetoothTransport) Stop(ctx context.Context) error {
	if t.Status().State == StateInactive {
		return nil
	}
	t.setStatus(StatusStopping)

	t.chanMu.Lock()
	channels := t.channels
	t.channels = make(map[string]*noise.Channel)
	t.chanMu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	t.clearPeers()

	t.setStatus(StatusInactive)
	return nil
}

// ConnectPeer starts a secure channel to the peer whose id is given as
// the address. The channel becomes usable once the peer's handshake
// responses have flowed back through HandleCharacteristicWrite.
func (t *BluetoothTransport) ConnectPeer(ctx context.Context, address string) (string, error) {
	if !t.Status().IsActive() {
		return "", ErrTransportNotActive
	}

	peerID := address
	err := t.establishChannel(peerID)
	t.recordConnectionAttempt(err)
	if err != nil {
		return "", err
	}
	t.recordConnectionSuccess()
	return peerID, nil
}

func (t *BluetoothTransport) establishChannel(peerID string) error {
	ch := t.channelFor(peerID)

	init, err := ch.InitOutbound(nil)
	if err != nil {
		return fmt.Errorf("failed to start secure channel: %w", err)
	}

	now := time.Now()
	t.addPeer(PeerInfo{
		ID:          peerID,
		Address:     peerID,
		Transport:   string(TransportBluetoothMesh),
		ConnectedAt: now,
		LastSeen:    now,
	})

	return t.writeFrame(peerID, frameHandshakeInit, init)
}

// channelFor returns the peer's Noise channel, creating it on first
// use.
func (t *BluetoothTransport) channelFor(peerID string) *noise.Channel {
	t.chanMu.Lock()
	defer t.chanMu.Unlock()
	ch, ok := t.channels[peerID]
	if !ok {
		ch = noise.NewChannel(noise.PatternXX, nil)
		t.channels[peerID] = ch
	}
	return ch
}

func (t *BluetoothTransport) writeFrame(peerID string, frameType byte, payload []byte) error {
	t.chanMu.RLock()
	writer := t.writer
	t.chanMu.RUnlock()
	if writer == nil {
		return ErrNotSupported
	}

	frame := make([]byte, 1+len(payload))
	frame[0] = frameType
	copy(frame[1:], payload)
	return writer.WriteCharacteristic(peerID, frame)
}

// HandleCharacteristicWrite is the radio layer's entry point for bytes
// arriving from a peer. The frame type byte routes handshake traffic to
// the right session; data frames are decrypted and delivered.
func (t *BluetoothTransport) HandleCharacteristicWrite(peerID string, data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("%w: empty characteristic frame", ErrInvalidMessage)
	}

	ch := t.channelFor(peerID)
	frameType, payload := data[0], data[1:]

	switch frameType {
	case frameHandshakeInit:
		reply, err := ch.HandleInbound(payload)
		if err != nil {
			return fmt.Errorf("inbound handshake: %w", err)
		}
		t.ensurePeer(peerID)
		if len(reply) > 0 {
			return t.writeFrame(peerID, frameHandshakeResp, reply)
		}
		return nil

	case frameHandshakeResp:
		next, err := ch.HandleOutboundResponse(payload)
		if err != nil {
			return fmt.Errorf("outbound handshake: %w", err)
		}
		if len(next) > 0 {
			return t.writeFrame(peerID, frameHandshakeInit, next)
		}
		return nil

	case frameData:
		pt, err := ch.Receive(payload)
		if err != nil {
			return fmt.Errorf("decrypt: %w", err)
		}
		msg, err := DecodeMessage(pt)
		if err != nil {
			return err
		}
		if msg.Topic != "" && !t.isSubscribed(msg.Topic) {
			return nil
		}
		t.recordReceive(len(pt))
		t.touchPeer(peerID)
		t.deliver(msg)
		return nil

	default:
		return fmt.Errorf("%w: unknown frame type 0x%02x", ErrInvalidMessage, frameType)
	}
}

// ensurePeer registers a peer first seen through its inbound handshake.
func (t *BluetoothTransport) ensurePeer(peerID string) {
	if _, ok := t.peerInfo(peerID); ok {
		return
	}
	now := time.Now()
	t.addPeer(PeerInfo{
		ID:          peerID,
		Address:     peerID,
		Transport:   string(TransportBluetoothMesh),
		ConnectedAt: now,
		LastSeen:    now,
	})
}

// SendToPeer encrypts a message on the peer's secure channel and writes
// it as a data frame.
func (t *BluetoothTransport) SendToPeer(ctx context.Context, peerID string, msg *Message) error {
	if !t.Status().IsActive() {
		return ErrTransportNotActive
	}

	t.chanMu.RLock()
	ch, ok := t.channels[peerID]
	t.chanMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}

	msg.Sender = t.localPeerID
	msg.Recipient = peerID
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	start := time.Now()
	ct, err := ch.Send(payload)
	if err == nil {
		err = t.writeFrame(peerID, frameData, ct)
	}
	t.recordSend(len(payload), time.Since(start), err)
	return err
}

// SubscribeTopic registers interest in a topic.
func (t *BluetoothTransport) SubscribeTopic(ctx context.Context, topic string) error {
	t.subscribeTopic(topic)
	return nil
}

// UnsubscribeTopic removes interest in a topic.
func (t *BluetoothTransport) UnsubscribeTopic(ctx context.Context, topic string) error {
	t.unsubscribeTopic(topic)
	return nil
}

// PublishToTopic sends a topic-tagged message over every secure channel
// that is ready to send.
func (t *BluetoothTransport) PublishToTopic(ctx context.Context, topic string, msg *Message) error {
	if !t.Status().IsActive() {
		return ErrTransportNotActive
	}

	t.chanMu.RLock()
	ready := make(map[string]*noise.Channel, len(t.channels))
	for peerID, ch := range t.channels {
		if send, _ := ch.Ready(); send {
			ready[peerID] = ch
		}
	}
	t.chanMu.RUnlock()

	msg.Sender = t.localPeerID
	msg.Topic = topic
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	for peerID, ch := range ready {
		start := time.Now()
		ct, err := ch.Send(payload)
		if err == nil {
			err = t.writeFrame(peerID, frameData, ct)
		}
		t.recordSend(len(payload), time.Since(start), err)
		if err != nil {
			return fmt.Errorf("publish to %s: %w", peerID, err)
		}
	}
	return nil
}

// DisconnectPeer tears down the peer's secure channel.
func (t *BluetoothTransport) DisconnectPeer(peerID string) error {
	t.chanMu.Lock()
	ch, ok := t.channels[peerID]
	if ok {
		delete(t.channels, peerID)
	}
	t.chanMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
	ch.Close()
	t.removePeer(peerID)
	return nil
}

// ChannelReady reports whether the secure channel to a peer can send
// and receive.
func (t *BluetoothTransport) ChannelReady(peerID string) (send, receive bool) {
	t.chanMu.RLock()
	ch, ok := t.channels[peerID]
	t.chanMu.RUnlock()
	if !ok {
		return false, false
	}
	return ch.Ready()
}

// LocalAddress returns the local peer id; BLE has no socket address.
func (t *BluetoothTransport) LocalAddress() (string, error) {
	return t.localPeerID, nil
}
