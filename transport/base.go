package transport

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// messageSink receives inbound messages as they arrive. The dispatcher
// installs one to merge every backend's traffic into a single queue.
type messageSink func(*Message)

// sinkSetter is implemented by backends whose inbound queue the
// dispatcher can redirect.
type sinkSetter interface {
	setSink(messageSink)
}

// baseTransport holds the state machinery shared by every backend:
// lifecycle status, statistics, the connected-peer set, topic
// subscriptions, and the inbound queue. Backends embed it and layer
// their medium-specific I/O on top.
type baseTransport struct {
	transportType TransportType
	config        *Config

	mu     sync.RWMutex
	status TransportStatus
	stats  TransportStats
	peers  map[string]PeerInfo
	topics map[string]struct{}
	sink   messageSink
	queue  chan *Message
}

func newBaseTransport(transportType TransportType, config *Config) baseTransport {
	cfg := config.withDefaults()
	return baseTransport{
		transportType: transportType,
		config:        cfg,
		status:        StatusInactive,
		stats:         TransportStats{TransportType: transportType, Status: StatusInactive},
		peers:         make(map[string]PeerInfo),
		topics:        make(map[string]struct{}),
		queue:         make(chan *Message, cfg.QueueSize),
	}
}

// TransportType identifies this transport.
func (b *baseTransport) TransportType() TransportType {
	return b.transportType
}

// Status returns the current lifecycle status.
func (b *baseTransport) Status() TransportStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *baseTransport) setStatus(status TransportStatus) {
	b.mu.Lock()
	b.status = status
	b.stats.Status = status
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "setStatus",
		"transport": b.transportType,
		"state":     status.State.String(),
	}).Debug("Transport status changed")
}

// Stats returns a snapshot of the transport's statistics.
func (b *baseTransport) Stats() TransportStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := b.stats
	stats.ConnectedPeers = len(b.peers)
	return stats
}

// ReceiveMessage polls the inbound queue without blocking.
func (b *baseTransport) ReceiveMessage() *Message {
	select {
	case msg := <-b.queue:
		return msg
	default:
		return nil
	}
}

// setSink redirects inbound delivery away from the local queue.
func (b *baseTransport) setSink(sink messageSink) {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
}

// deliver routes an inbound message to the installed sink, or to the
// local queue when no sink is set. A full queue drops the message
// rather than blocking the reader loop.
func (b *baseTransport) deliver(msg *Message) {
	msg.Transport = b.transportType
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()

	if sink != nil {
		sink(msg)
		return
	}

	select {
	case b.queue <- msg:
	default:
		logrus.WithFields(logrus.Fields{
			"function":  "deliver",
			"transport": b.transportType,
			"sender":    msg.Sender,
		}).Warn("Inbound queue full, dropping message")
	}
}

// addPeer registers a peer without touching the connection counters;
// inbound accepts register peers too, and only dials we attempted may
// count toward the success ratio.
func (b *baseTransport) addPeer(info PeerInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[info.ID] = info
	b.stats.LastActivity = time.Now()
}

func (b *baseTransport) removePeer(peerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[peerID]; !ok {
		return false
	}
	delete(b.peers, peerID)
	return true
}

func (b *baseTransport) clearPeers() {
	b.mu.Lock()
	b.peers = make(map[string]PeerInfo)
	b.mu.Unlock()
}

// GetConnectedPeers lists peers currently connected on this transport.
func (b *baseTransport) GetConnectedPeers() ([]PeerInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	peers := make([]PeerInfo, 0, len(b.peers))
	for _, info := range b.peers {
		peers = append(peers, info)
	}
	return peers, nil
}

// IsPeerConnected reports whether the peer is connected here.
func (b *baseTransport) IsPeerConnected(peerID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.peers[peerID]
	return ok, nil
}

func (b *baseTransport) peerInfo(peerID string) (PeerInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.peers[peerID]
	return info, ok
}

func (b *baseTransport) touchPeer(peerID string) {
	b.mu.Lock()
	if info, ok := b.peers[peerID]; ok {
		info.LastSeen = time.Now()
		b.peers[peerID] = info
	}
	b.mu.Unlock()
}

func (b *baseTransport) subscribeTopic(topic string) {
	b.mu.Lock()
	b.topics[topic] = struct{}{}
	b.mu.Unlock()
}

func (b *baseTransport) unsubscribeTopic(topic string) {
	b.mu.Lock()
	delete(b.topics, topic)
	b.mu.Unlock()
}

func (b *baseTransport) isSubscribed(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.topics[topic]
	return ok
}

// recordSend folds one send attempt into the statistics. Latency feeds
// a rolling average in milliseconds.
func (b *baseTransport) recordSend(bytes int, latency time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.stats.SendFailures++
		return
	}
	b.stats.MessagesSent++
	b.stats.BytesSent += uint64(bytes)
	b.stats.LastActivity = time.Now()

	ms := float64(latency.Microseconds()) / 1000.0
	if b.stats.AverageLatency == 0 {
		b.stats.AverageLatency = ms
	} else {
		b.stats.AverageLatency = b.stats.AverageLatency*0.9 + ms*0.1
	}
}

func (b *baseTransport) recordReceive(bytes int) {
	b.mu.Lock()
	b.stats.MessagesReceived++
	b.stats.BytesReceived += uint64(bytes)
	b.stats.LastActivity = time.Now()
	b.mu.Unlock()
}

func (b *baseTransport) recordConnectionAttempt(err error) {
	b.mu.Lock()
	b.stats.ConnectionAttempts++
	if err != nil {
		b.stats.FailedConnections++
	}
	b.mu.Unlock()
}

// recordConnectionSuccess pairs with recordConnectionAttempt once the
// dialed connection is fully established, keeping SuccessfulConnections
// bounded by ConnectionAttempts.
func (b *baseTransport) recordConnectionSuccess() {
	b.mu.Lock()
	b.stats.SuccessfulConnections++
	b.mu.Unlock()
}
