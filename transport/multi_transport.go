package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// MultiTransport orchestrates a set of concrete transports behind a
// single send/receive/pub-sub surface. It keeps a per-peer routing
// table, merges every backend's inbound traffic into one queue, and
// picks an outbound transport with the configured strategy.
//
// The routing table and transport set are guarded by a reader/writer
// lock; the lock is never held across a transport I/O call.
type MultiTransport struct {
	config *Config

	mu         sync.RWMutex
	transports map[TransportType]Transport
	order      []TransportType
	routing    map[string]TransportType
	strategy   TransportStrategy
	started    bool

	inbound chan *Message
}

// NewMultiTransport builds the backend for every configured transport
// type, skipping ones unavailable in this build. An empty resulting set
// is a configuration error.
func NewMultiTransport(config *Config) (*MultiTransport, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := config.withDefaults()

	mt := &MultiTransport{
		config:     cfg,
		transports: make(map[TransportType]Transport),
		routing:    make(map[string]TransportType),
		strategy:   cfg.Strategy,
		inbound:    make(chan *Message, cfg.QueueSize),
	}

	for _, transportType := range cfg.Transports {
		t, err := newTransportForType(transportType, cfg)
		if err != nil {
			if errors.Is(err, ErrNotSupported) {
				logrus.WithFields(logrus.Fields{
					"function":  "NewMultiTransport",
					"transport": transportType,
				}).Warn("Skipping unavailable transport")
				continue
			}
			return nil, fmt.Errorf("failed to create %s transport: %w", transportType, err)
		}
		if _, dup := mt.transports[transportType]; dup {
			continue
		}
		mt.transports[transportType] = t
		mt.order = append(mt.order, transportType)

		if setter, ok := t.(sinkSetter); ok {
			setter.setSink(mt.enqueue)
		}
	}

	if len(mt.transports) == 0 {
		return nil, ErrNoTransportsConfigured
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewMultiTransport",
		"transports": mt.order,
		"strategy":   mt.strategy.String(),
	}).Info("Multi-transport created")

	return mt, nil
}

// newTransportForType instantiates the concrete backend for a type.
func newTransportForType(transportType TransportType, config *Config) (Transport, error) {
	switch transportType {
	case TransportInternetP2P:
		return NewInternetTransport(config)
	case TransportBluetoothMesh:
		return NewBluetoothTransport(config)
	case TransportLocalNetwork:
		return NewLocalNetworkTransport(config)
	case TransportWebSocket:
		return NewWebSocketTransport(config)
	case TransportRelay:
		return NewRelayTransport(config)
	default:
		return nil, fmt.Errorf("%w: unknown transport type %q", ErrNotSupported, transportType)
	}
}

// enqueue is the merged-inbound sink installed on every backend. A full
// queue drops the message so producers never block each other.
func (mt *MultiTransport) enqueue(msg *Message) {
	select {
	case mt.inbound <- msg:
	default:
		logrus.WithFields(logrus.Fields{
			"function":  "enqueue",
			"transport": msg.Transport,
		}).Warn("Merged inbound queue full, dropping message")
	}
}

// Start brings every owned transport up in configuration order,
// stopping at the first failure. A partial start is not rolled back.
func (mt *MultiTransport) Start(ctx context.Context) error {
	mt.mu.RLock()
	order := append([]TransportType(nil), mt.order...)
	mt.mu.RUnlock()

	for _, transportType := range order {
		t, _ := mt.Transport(transportType)
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s transport: %w", transportType, err)
		}
		logrus.WithFields(logrus.Fields{
			"function":  "Start",
			"transport": transportType,
		}).Info("Transport started")
	}

	mt.mu.Lock()
	mt.started = true
	mt.mu.Unlock()
	return nil
}

// Stop shuts every owned transport down in configuration order,
// stopping at the first failure.
func (mt *MultiTransport) Stop(ctx context.Context) error {
	mt.mu.Lock()
	mt.started = false
	order := append([]TransportType(nil), mt.order...)
	mt.mu.Unlock()

	for _, transportType := range order {
		t, _ := mt.Transport(transportType)
		if err := t.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop %s transport: %w", transportType, err)
		}
	}
	return nil
}

// SendToPeer picks a transport for the peer and delegates the send.
func (mt *MultiTransport) SendToPeer(ctx context.Context, peerID string, msg *Message) error {
	transportType, err := mt.SelectTransportForPeer(peerID)
	if err != nil {
		return err
	}

	t, ok := mt.Transport(transportType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveTransport, transportType)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "SendToPeer",
		"peer_id":   peerID,
		"transport": transportType,
	}).Debug("Dispatching message")

	return t.SendToPeer(ctx, peerID, msg)
}

// SelectTransportForPeer resolves the transport to use for a peer: a
// routing-table hint wins when the hinted transport is owned and
// Active, otherwise the configured strategy runs over the Active set.
// A stale hint falls through rather than routing to a dead transport.
func (mt *MultiTransport) SelectTransportForPeer(peerID string) (TransportType, error) {
	mt.mu.RLock()
	hint, hinted := mt.routing[peerID]
	order := append([]TransportType(nil), mt.order...)
	transports := make(map[TransportType]Transport, len(mt.transports))
	for k, v := range mt.transports {
		transports[k] = v
	}
	strategy := mt.strategy
	mt.mu.RUnlock()

	if hinted {
		if t, ok := transports[hint]; ok && t.Status().IsActive() {
			return hint, nil
		}
	}

	candidates := make([]candidate, 0, len(order))
	active := make([]TransportType, 0, len(order))
	for _, transportType := range order {
		t := transports[transportType]
		if !t.Status().IsActive() {
			continue
		}
		connected, _ := t.IsPeerConnected(peerID)
		candidates = append(candidates, candidate{
			transportType: transportType,
			stats:         t.Stats(),
			peerConnected: connected,
		})
		active = append(active, transportType)
	}

	idx := pickCandidate(strategy, peerID, candidates)
	if idx < 0 {
		return "", ErrNoActiveTransport
	}
	return active[idx], nil
}

// ReceiveMessage polls the merged inbound queue without blocking.
func (mt *MultiTransport) ReceiveMessage() *Message {
	select {
	case msg := <-mt.inbound:
		return msg
	default:
		return nil
	}
}

// SubscribeTopic fans out to every owned transport, aborting on the
// first error.
func (mt *MultiTransport) SubscribeTopic(ctx context.Context, topic string) error {
	return mt.fanOut(func(t Transport) error {
		return t.SubscribeTopic(ctx, topic)
	})
}

// UnsubscribeTopic fans out to every owned transport, aborting on the
// first error.
func (mt *MultiTransport) UnsubscribeTopic(ctx context.Context, topic string) error {
	return mt.fanOut(func(t Transport) error {
		return t.UnsubscribeTopic(ctx, topic)
	})
}

// PublishToTopic fans out to every Active transport, aborting on the
// first error.
func (mt *MultiTransport) PublishToTopic(ctx context.Context, topic string, msg *Message) error {
	return mt.fanOut(func(t Transport) error {
		if !t.Status().IsActive() {
			return nil
		}
		return t.PublishToTopic(ctx, topic, msg)
	})
}

// DisconnectPeer fans out to every owned transport, aborting on the
// first error.
func (mt *MultiTransport) DisconnectPeer(peerID string) error {
	return mt.fanOut(func(t Transport) error {
		connected, _ := t.IsPeerConnected(peerID)
		if !connected {
			return nil
		}
		return t.DisconnectPeer(peerID)
	})
}

func (mt *MultiTransport) fanOut(op func(Transport) error) error {
	mt.mu.RLock()
	order := append([]TransportType(nil), mt.order...)
	mt.mu.RUnlock()

	for _, transportType := range order {
		t, ok := mt.Transport(transportType)
		if !ok {
			continue
		}
		if err := op(t); err != nil {
			return fmt.Errorf("%s transport: %w", transportType, err)
		}
	}
	return nil
}

// GetConnectedPeers unions the peer sets of all transports, sorted and
// deduplicated by peer id. A failing transport is skipped.
func (mt *MultiTransport) GetConnectedPeers() []PeerInfo {
	mt.mu.RLock()
	order := append([]TransportType(nil), mt.order...)
	mt.mu.RUnlock()

	var all []PeerInfo
	for _, transportType := range order {
		t, ok := mt.Transport(transportType)
		if !ok {
			continue
		}
		peers, err := t.GetConnectedPeers()
		if err != nil {
			continue
		}
		all = append(all, peers...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	deduped := all[:0]
	for i, info := range all {
		if i == 0 || info.ID != all[i-1].ID {
			deduped = append(deduped, info)
		}
	}
	return deduped
}

// IsPeerConnected reports whether any owned transport has the peer
// connected. A failing transport is skipped.
func (mt *MultiTransport) IsPeerConnected(peerID string) bool {
	mt.mu.RLock()
	order := append([]TransportType(nil), mt.order...)
	mt.mu.RUnlock()

	for _, transportType := range order {
		t, ok := mt.Transport(transportType)
		if !ok {
			continue
		}
		if connected, err := t.IsPeerConnected(peerID); err == nil && connected {
			return true
		}
	}
	return false
}

// ConnectPeer dials an address on a specific transport and returns the
// assigned peer id.
func (mt *MultiTransport) ConnectPeer(ctx context.Context, transportType TransportType, address string) (string, error) {
	t, ok := mt.Transport(transportType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotSupported, transportType)
	}
	return t.ConnectPeer(ctx, address)
}

// LocalAddresses maps each transport to its local listening address. A
// transport without one is skipped.
func (mt *MultiTransport) LocalAddresses() map[TransportType]string {
	mt.mu.RLock()
	order := append([]TransportType(nil), mt.order...)
	mt.mu.RUnlock()

	addrs := make(map[TransportType]string)
	for _, transportType := range order {
		t, ok := mt.Transport(transportType)
		if !ok {
			continue
		}
		addr, err := t.LocalAddress()
		if err != nil || addr == "" {
			continue
		}
		addrs[transportType] = addr
	}
	return addrs
}

// GetStats snapshots every owned transport's statistics.
func (mt *MultiTransport) GetStats() map[TransportType]TransportStats {
	mt.mu.RLock()
	order := append([]TransportType(nil), mt.order...)
	mt.mu.RUnlock()

	stats := make(map[TransportType]TransportStats, len(order))
	for _, transportType := range order {
		if t, ok := mt.Transport(transportType); ok {
			stats[transportType] = t.Stats()
		}
	}
	return stats
}

// UpdateRouting records the transport last known to reach a peer. It is
// the only mutator of the routing table; callers invoke it after a
// successful send or receive.
func (mt *MultiTransport) UpdateRouting(peerID string, transportType TransportType) {
	mt.mu.Lock()
	mt.routing[peerID] = transportType
	mt.mu.Unlock()
}

// ClearRouting drops the routing hint for a peer.
func (mt *MultiTransport) ClearRouting(peerID string) {
	mt.mu.Lock()
	delete(mt.routing, peerID)
	mt.mu.Unlock()
}

// SetStrategy switches the active selection strategy.
func (mt *MultiTransport) SetStrategy(strategy TransportStrategy) {
	mt.mu.Lock()
	mt.strategy = strategy
	mt.mu.Unlock()
}

// Strategy returns the active selection strategy.
func (mt *MultiTransport) Strategy() TransportStrategy {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.strategy
}

// Transport returns the owned transport of the given type.
func (mt *MultiTransport) Transport(transportType TransportType) (Transport, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	t, ok := mt.transports[transportType]
	return t, ok
}

// TransportTypes lists the owned transports in configuration order.
func (mt *MultiTransport) TransportTypes() []TransportType {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return append([]TransportType(nil), mt.order...)
}
