package transport

import "time"

// Config is the plain-data configuration surface consumed by this layer.
// Loading and validating it (non-empty transport list, port ranges) is the
// job of the external configuration component.
type Config struct {
	// Transports is the ordered list of desired transport types. Order
	// matters: FirstAvailable selection walks it front to back.
	Transports []TransportType

	// Strategy selects among active transports when the routing table
	// has no usable hint.
	Strategy TransportStrategy

	// LocalPeerID identifies this node in handshake records. Assigned a
	// random id when empty.
	LocalPeerID string

	// Capabilities is advertised in local-network handshake records.
	Capabilities []string

	// BindAddress and ListenPort are used by the local-network backend.
	BindAddress string
	ListenPort  int

	// InternetPort is the TCP listen port for the internet backend.
	InternetPort int

	// WebSocketPort is the listen port for the WebSocket backend.
	WebSocketPort int

	// ConnectTimeout bounds outbound connection attempts.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds the local-network record exchange and the
	// Bluetooth secure-channel establishment.
	HandshakeTimeout time.Duration

	// RetryCount is the number of reconnect attempts backends may make.
	RetryCount int

	// MaxFrameSize caps the declared length of a framed message.
	MaxFrameSize uint32

	// QueueSize is the capacity of each inbound message queue.
	QueueSize int
}

// DefaultConfig returns a configuration with every transport enabled and
// conservative timeouts.
func DefaultConfig() *Config {
	return &Config{
		Transports: []TransportType{
			TransportInternetP2P,
			TransportBluetoothMesh,
			TransportLocalNetwork,
			TransportWebSocket,
			TransportRelay,
		},
		Strategy:         StrategyFirstAvailable,
		BindAddress:      "127.0.0.1",
		ListenPort:       0,
		WebSocketPort:    0,
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		RetryCount:       3,
		MaxFrameSize:     10 * 1024 * 1024,
		QueueSize:        1024,
	}
}

// withDefaults fills zero-valued fields so backends can rely on sane
// settings even with a sparse caller-supplied config.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = 30 * time.Second
	}
	if out.MaxFrameSize == 0 {
		out.MaxFrameSize = 10 * 1024 * 1024
	}
	if out.QueueSize == 0 {
		out.QueueSize = 1024
	}
	if out.BindAddress == "" {
		out.BindAddress = "127.0.0.1"
	}
	return &out
}
