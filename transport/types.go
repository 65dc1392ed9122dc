package transport

import (
	"context"
	"time"
)

// TransportType identifies a transport implementation. It is used as the
// routing-table and statistics key.
type TransportType string

const (
	// TransportInternetP2P is internet-based peer-to-peer messaging.
	TransportInternetP2P TransportType = "internet-p2p"
	// TransportBluetoothMesh is Bluetooth Low Energy mesh networking.
	TransportBluetoothMesh TransportType = "bluetooth-mesh"
	// TransportLocalNetwork is local-network discovery and TCP messaging.
	TransportLocalNetwork TransportType = "local-network"
	// TransportWebSocket is WebSocket messaging for browser-reachable
	// environments.
	TransportWebSocket TransportType = "websocket"
	// TransportRelay bridges peers across different transports.
	TransportRelay TransportType = "relay"
)

// StatusState enumerates the lifecycle states a transport moves through.
type StatusState uint8

const (
	// StateInactive means the transport is stopped.
	StateInactive StatusState = iota
	// StateStarting means the transport is starting up.
	StateStarting
	// StateActive means the transport is running and ready.
	StateActive
	// StateStopping means the transport is shutting down.
	StateStopping
	// StateFailed means the transport failed; see TransportStatus.Reason.
	StateFailed
)

// String returns a readable state name.
func (s StatusState) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransportStatus is the lifecycle status of a transport instance. Reason
// is set only when State is StateFailed.
type TransportStatus struct {
	State  StatusState
	Reason string
}

// Convenience status values for the non-failed states.
var (
	StatusInactive = TransportStatus{State: StateInactive}
	StatusStarting = TransportStatus{State: StateStarting}
	StatusActive   = TransportStatus{State: StateActive}
	StatusStopping = TransportStatus{State: StateStopping}
)

// StatusFailed builds a failed status carrying the failure reason.
func StatusFailed(reason string) TransportStatus {
	return TransportStatus{State: StateFailed, Reason: reason}
}

// IsActive reports whether the transport is running and ready.
func (s TransportStatus) IsActive() bool {
	return s.State == StateActive
}

// TransportStats holds per-transport counters. Each transport owns and
// mutates its own stats; Stats() exposes a read-only snapshot.
type TransportStats struct {
	TransportType         TransportType
	Status                TransportStatus
	ConnectedPeers        int
	MessagesSent          uint64
	SendFailures          uint64
	MessagesReceived      uint64
	BytesSent             uint64
	BytesReceived         uint64
	ConnectionAttempts    uint64
	SuccessfulConnections uint64
	FailedConnections     uint64
	// AverageLatency is a rolling average in milliseconds.
	AverageLatency float64
	LastActivity   time.Time
}

// PeerInfo describes a peer connected on a transport. Its lifetime is
// scoped to the owning transport's connected-peer set.
type PeerInfo struct {
	ID           string
	Address      string
	Transport    string
	ConnectedAt  time.Time
	LastSeen     time.Time
	LatencyMS    float64
	Capabilities []string
	Metadata     map[string]string
}

// Message is a unit of traffic carried by a transport.
type Message struct {
	ID         string
	Sender     string
	Recipient  string
	Topic      string
	Data       []byte
	Transport  TransportType
	ReceivedAt time.Time
}

// Transport is the capability contract every concrete backend implements.
// All operations that touch peer state are safe for concurrent use.
type Transport interface {
	// Start brings the transport up, transitioning Inactive -> Starting
	// -> Active.
	Start(ctx context.Context) error

	// Stop shuts the transport down. Safe to call while sends are in
	// flight; in-flight operations may fail rather than block shutdown.
	Stop(ctx context.Context) error

	// SendToPeer delivers a message to a connected peer.
	SendToPeer(ctx context.Context, peerID string, msg *Message) error

	// ReceiveMessage polls for the next inbound message without
	// blocking; it returns nil when the queue is empty.
	ReceiveMessage() *Message

	// SubscribeTopic registers interest in a pub/sub topic.
	SubscribeTopic(ctx context.Context, topic string) error

	// UnsubscribeTopic removes interest in a topic.
	UnsubscribeTopic(ctx context.Context, topic string) error

	// PublishToTopic broadcasts a message to a topic's subscribers.
	PublishToTopic(ctx context.Context, topic string, msg *Message) error

	// GetConnectedPeers lists peers currently connected on this
	// transport.
	GetConnectedPeers() ([]PeerInfo, error)

	// IsPeerConnected reports whether the peer is connected here.
	IsPeerConnected(peerID string) (bool, error)

	// ConnectPeer connects to a peer address and returns the assigned
	// peer id.
	ConnectPeer(ctx context.Context, address string) (string, error)

	// DisconnectPeer tears down the connection to a peer.
	DisconnectPeer(peerID string) error

	// LocalAddress returns the transport's local listening address.
	LocalAddress() (string, error)

	// TransportType identifies this transport.
	TransportType() TransportType

	// Status returns the current lifecycle status.
	Status() TransportStatus

	// Stats returns a snapshot of the transport's statistics.
	Stats() TransportStats
}
