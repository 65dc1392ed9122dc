package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MaxRelayHops caps how many times an envelope may be forwarded before
// it is dropped, bounding routing loops.
const MaxRelayHops = 3

// Relay envelope types.
const (
	// RelayDirect carries a message for its destination.
	RelayDirect uint8 = iota
	// RelayForwarded marks an envelope that has crossed at least one
	// intermediate node.
	RelayForwarded
	// RelayHeartbeat is a keepalive between relay peers; it carries no
	// payload and is never forwarded.
	RelayHeartbeat
)

// RelayEnvelope wraps a message crossing one or more relay nodes.
type RelayEnvelope struct {
	ID          string `cbor:"id"`
	Type        uint8  `cbor:"type"`
	Version     string `cbor:"version"`
	Source      string `cbor:"source"`
	Destination string `cbor:"destination"`
	Hops        uint8  `cbor:"hops"`
	Timestamp   int64  `cbor:"timestamp"`
	Payload     []byte `cbor:"payload,omitempty"`
}

// EncodeRelayEnvelope serializes an envelope to CBOR.
func EncodeRelayEnvelope(env *RelayEnvelope) ([]byte, error) {
	data, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode relay envelope: %w", err)
	}
	return data, nil
}

// DecodeRelayEnvelope parses and validates a CBOR relay envelope.
func DecodeRelayEnvelope(data []byte) (*RelayEnvelope, error) {
	var env RelayEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed relay envelope: %v", ErrInvalidMessage, err)
	}
	if env.Destination == "" {
		return nil, fmt.Errorf("%w: relay envelope missing destination", ErrInvalidMessage)
	}
	if !compatibleVersion(env.Version) {
		return nil, fmt.Errorf("%w: incompatible relay version %s", ErrInvalidMessage, env.Version)
	}
	return &env, nil
}

// RelayCarrier delivers envelope bytes to the next-hop peer. Another
// transport (or a test harness) implements it.
type RelayCarrier interface {
	ForwardEnvelope(ctx context.Context, peerID string, data []byte) error
}

// RelayTransport bridges peers that share no direct transport by
// forwarding hop-capped envelopes through intermediate nodes. It owns a
// route table mapping destinations to next-hop peers and hands envelope
// bytes to an injected carrier.
type RelayTransport struct {
	baseTransport

	localPeerID string

	routeMu sync.RWMutex
	carrier RelayCarrier
	routes  map[string]string
}

// NewRelayTransport creates the relay backend. A carrier must be
// attached with SetCarrier before the transport can start.
func NewRelayTransport(config *Config) (*RelayTransport, error) {
	t := &RelayTransport{
		baseTransport: newBaseTransport(TransportRelay, config),
		routes:        make(map[string]string),
	}
	t.localPeerID = t.config.LocalPeerID
	if t.localPeerID == "" {
		t.localPeerID = uuid.New().String()
	}
	return t, nil
}

// SetCarrier attaches the envelope carrier.
func (t *RelayTransport) SetCarrier(c RelayCarrier) {
	t.routeMu.Lock()
	t.carrier = c
	t.routeMu.Unlock()
}

// Start activates the transport. Without a carrier it parks in Failed
// state instead of blocking the other transports from starting.
func (t *RelayTransport) Start(ctx context.Context) error {
	if t.Status().IsActive() {
		return nil
	}
	t.setStatus(StatusStarting)

	t.routeMu.RLock()
	hasCarrier := t.carrier != nil
	t.routeMu.RUnlock()

	if !hasCarrier {
		t.setStatus(StatusFailed("no relay carrier attached"))
		logrus.WithFields(logrus.Fields{
			"function": "Start",
		}).Warn("Relay transport has no carrier attached")
		return nil
	}

	t.setStatus(StatusActive)
	return nil
}

// Stop deactivates the transport and clears its routes.
func (t *RelayTransport) Stop(ctx context.Context) error {
	if t.Status().State == StateInactive {
		return nil
	}
	t.setStatus(StatusStopping)

	t.routeMu.Lock()
	t.routes = make(map[string]string)
	t.routeMu.Unlock()
	t.clearPeers()

	t.setStatus(StatusInactive)
	return nil
}

// AddRoute records that destination is reachable through the via peer.
func (t *RelayTransport) AddRoute(destination, via string) {
	t.routeMu.Lock()
	t.routes[destination] = via
	t.routeMu.Unlock()
}

// nextHop resolves the forwarding target for a destination. An unknown
// destination is assumed directly reachable by the carrier.
func (t *RelayTransport) nextHop(destination string) string {
	t.routeMu.RLock()
	defer t.routeMu.RUnlock()
	if via, ok := t.routes[destination]; ok {
		return via
	}
	return destination
}

// ConnectPeer registers a relay peer whose id is given as the address.
func (t *RelayTransport) ConnectPeer(ctx context.Context, address string) (string, error) {
	if !t.Status().IsActive() {
		return "", ErrTransportNotActive
	}

	peerID := address
	now := time.Now()
	t.addPeer(PeerInfo{
		ID:          peerID,
		Address:     peerID,
		Transport:   string(TransportRelay),
		ConnectedAt: now,
		LastSeen:    now,
	})
	t.recordConnectionAttempt(nil)
	t.recordConnectionSuccess()
	return peerID, nil
}

// SendToPeer wraps the message in a fresh envelope and forwards it to
// the destination's next hop.
func (t *RelayTransport) SendToPeer(ctx context.Context, peerID string, msg *Message) error {
	if !t.Status().IsActive() {
		return ErrTransportNotActive
	}

	msg.Sender = t.localPeerID
	msg.Recipient = peerID
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	data, err := EncodeRelayEnvelope(&RelayEnvelope{
		ID:          msg.ID,
		Type:        RelayDirect,
		Version:     ProtocolVersion,
		Source:      t.localPeerID,
		Destination: peerID,
		Hops:        0,
		Timestamp:   time.Now().Unix(),
		Payload:     payload,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	err = t.forward(ctx, t.nextHop(peerID), data)
	t.recordSend(len(payload), time.Since(start), err)
	return err
}

func (t *RelayTransport) forward(ctx context.Context, peerID string, data []byte) error {
	t.routeMu.RLock()
	carrier := t.carrier
	t.routeMu.RUnlock()
	if carrier == nil {
		return ErrNotSupported
	}
	return carrier.ForwardEnvelope(ctx, peerID, data)
}

// HandleEnvelope is the carrier's entry point for envelope bytes
// arriving from a peer. Envelopes addressed to this node are unwrapped
// and delivered; others are forwarded with an incremented hop count
// until the hop cap drops them.
func (t *RelayTransport) HandleEnvelope(ctx context.Context, data []byte) error {
	env, err := DecodeRelayEnvelope(data)
	if err != nil {
		return err
	}

	if env.Type == RelayHeartbeat {
		t.touchPeer(env.Source)
		return nil
	}

	if env.Destination == t.localPeerID {
		msg, err := DecodeMessage(env.Payload)
		if err != nil {
			return err
		}
		if msg.Topic != "" && !t.isSubscribed(msg.Topic) {
			return nil
		}
		t.recordReceive(len(env.Payload))
		t.deliver(msg)
		return nil
	}

	if env.Hops >= MaxRelayHops {
		logrus.WithFields(logrus.Fields{
			"function":    "HandleEnvelope",
			"source":      env.Source,
			"destination": env.Destination,
			"hops":        env.Hops,
		}).Warn("Dropping relay envelope at hop cap")
		return fmt.Errorf("%w: relay hop cap exceeded", ErrInvalidMessage)
	}

	env.Hops++
	env.Type = RelayForwarded
	next, err := EncodeRelayEnvelope(env)
	if err != nil {
		return err
	}
	return t.forward(ctx, t.nextHop(env.Destination), next)
}

// SendHeartbeat emits a keepalive to a relay peer.
func (t *RelayTransport) SendHeartbeat(ctx context.Context, peerID string) error {
	if !t.Status().IsActive() {
		return ErrTransportNotActive
	}

	data, err := EncodeRelayEnvelope(&RelayEnvelope{
		ID:          uuid.New().String(),
		Type:        RelayHeartbeat,
		Version:     ProtocolVersion,
		Source:      t.localPeerID,
		Destination: peerID,
		Timestamp:   time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return t.forward(ctx, peerID, data)
}

// SubscribeTopic registers interest in a topic.
func (t *RelayTransport) SubscribeTopic(ctx context.Context, topic string) error {
	t.subscribeTopic(topic)
	return nil
}

// UnsubscribeTopic removes interest in a topic.
func (t *RelayTransport) UnsubscribeTopic(ctx context.Context, topic string) error {
	t.unsubscribeTopic(topic)
	return nil
}

// PublishToTopic sends a topic-tagged envelope to every registered
// relay peer.
func (t *RelayTransport) PublishToTopic(ctx context.Context, topic string, msg *Message) error {
	if !t.Status().IsActive() {
		return ErrTransportNotActive
	}

	peers, err := t.GetConnectedPeers()
	if err != nil {
		return err
	}

	msg.Topic = topic
	for _, info := range peers {
		if err := t.SendToPeer(ctx, info.ID, msg); err != nil {
			return fmt.Errorf("publish to %s: %w", info.ID, err)
		}
	}
	return nil
}

// DisconnectPeer removes a relay peer and its routes.
func (t *RelayTransport) DisconnectPeer(peerID string) error {
	if !t.removePeer(peerID) {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}

	t.routeMu.Lock()
	for dest, via := range t.routes {
		if via == peerID || dest == peerID {
			delete(t.routes, dest)
		}
	}
	t.routeMu.Unlock()
	return nil
}

// LocalAddress returns the local peer id; relays have no socket
// address of their own.
func (t *RelayTransport) LocalAddress() (string, error) {
	return t.localPeerID, nil
}
