package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LocalNetworkTransport carries traffic over TCP on a trusted local
// network. Connections open with a plaintext CBOR identity-record
// exchange; message frames follow unencrypted.
type LocalNetworkTransport struct {
	baseTransport

	localPeerID string

	connMu   sync.RWMutex
	listener net.Listener
	conns    map[string]*lanConn

	wg sync.WaitGroup
}

type lanConn struct {
	conn    net.Conn
	peerID  string
	writeMu sync.Mutex
}

// NewLocalNetworkTransport creates the local-network backend.
func NewLocalNetworkTransport(config *Config) (*LocalNetworkTransport, error) {
	t := &LocalNetworkTransport{
		baseTransport: newBaseTransport(TransportLocalNetwork, config),
		conns:         make(map[string]*lanConn),
	}
	t.localPeerID = t.config.LocalPeerID
	if t.localPeerID == "" {
		t.localPeerID = uuid.New().String()
	}
	return t, nil
}

// Start opens the TCP listener and begins accepting connections.
func (t *LocalNetworkTransport) Start(ctx context.Context) error {
	if t.Status().IsActive() {
		return nil
	}
	t.setStatus(StatusStarting)

	addr := fmt.Sprintf("%s:%d", t.config.BindAddress, t.config.ListenPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.setStatus(StatusFailed(err.Error()))
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	t.connMu.Lock()
	t.listener = listener
	t.connMu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(listener)

	t.setStatus(StatusActive)
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"address":  listener.Addr().String(),
	}).Info("Local-network transport listening")
	return nil
}

// Stop closes the listener and all peer connections.
func (t *LocalNetworkTransport) Stop(ctx context.Context) error {
	if t.Status().State == StateInactive {
		return nil
	}
	t.setStatus(StatusStopping)

	t.connMu.Lock()
	if t.listener != nil {
		t.listener.Close()
		t.listener = nil
	}
	conns := t.conns
	t.conns = make(map[string]*lanConn)
	t.connMu.Unlock()

	for _, lc := range conns {
		lc.conn.Close()
	}
	t.clearPeers()
	t.wg.Wait()

	t.setStatus(StatusInactive)
	return nil
}

func (t *LocalNetworkTransport) acceptLoop(listener net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.handleInbound(conn); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "acceptLoop",
					"remote":   conn.RemoteAddr().String(),
					"error":    err,
				}).Debug("Inbound connection rejected")
				conn.Close()
			}
		}()
	}
}

// handleInbound reads the dialer's identity record and answers with an
// ack carrying our own peer id.
func (t *LocalNetworkTransport) handleInbound(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(t.config.HandshakeTimeout))

	data, err := ReadFrame(conn, t.config.MaxFrameSize)
	if err != nil {
		return fmt.Errorf("record read: %w", err)
	}
	record, err := DecodeHandshakeRecord(data)
	if err != nil {
		return err
	}

	ack := &HandshakeAck{PeerID: t.localPeerID, Accepted: true}
	if !compatibleVersion(record.Version) {
		ack.Accepted = false
		ack.Reason = fmt.Sprintf("incompatible version %s", record.Version)
	}
	ackData, err := EncodeHandshakeAck(ack)
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, ackData, t.config.MaxFrameSize); err != nil {
		return fmt.Errorf("ack write: %w", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, ack.Reason)
	}
	conn.SetDeadline(time.Time{})

	t.registerConn(&lanConn{conn: conn, peerID: record.PeerID})
	return nil
}

// ConnectPeer dials a local-network peer and returns the peer id from
// its handshake ack.
func (t *LocalNetworkTransport) ConnectPeer(ctx context.Context, address string) (string, error) {
	if !t.Status().IsActive() {
		return "", ErrTransportNotActive
	}

	dialer := net.Dialer{Timeout: t.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	t.recordConnectionAttempt(err)
	if err != nil {
		return "", fmt.Errorf("failed to dial %s: %w", address, err)
	}

	peerID, err := t.handshakeOutbound(conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	t.recordConnectionSuccess()
	return peerID, nil
}

func (t *LocalNetworkTransport) handshakeOutbound(conn net.Conn) (string, error) {
	conn.SetDeadline(time.Now().Add(t.config.HandshakeTimeout))

	record, err := EncodeHandshakeRecord(&HandshakeRecord{
		PeerID:       t.localPeerID,
		Version:      ProtocolVersion,
		Capabilities: t.config.Capabilities,
	})
	if err != nil {
		return "", err
	}
	if err := WriteFrame(conn, record, t.config.MaxFrameSize); err != nil {
		return "", fmt.Errorf("record write: %w", err)
	}

	data, err := ReadFrame(conn, t.config.MaxFrameSize)
	if err != nil {
		return "", fmt.Errorf("ack read: %w", err)
	}
	ack, err := DecodeHandshakeAck(data)
	if err != nil {
		return "", err
	}
	if !ack.Accepted {
		return "", fmt.Errorf("%w: peer rejected handshake: %s", ErrInvalidMessage, ack.Reason)
	}
	conn.SetDeadline(time.Time{})

	t.registerConn(&lanConn{conn: conn, peerID: ack.PeerID})
	return ack.PeerID, nil
}

func (t *LocalNetworkTransport) registerConn(lc *lanConn) {
	t.connMu.Lock()
	if old, ok := t.conns[lc.peerID]; ok {
		old.conn.Close()
	}
	t.conns[lc.peerID] = lc
	t.connMu.Unlock()

	now := time.Now()
	t.addPeer(PeerInfo{
		ID:          lc.peerID,
		Address:     lc.conn.RemoteAddr().String(),
		Transport:   string(TransportLocalNetwork),
		ConnectedAt: now,
		LastSeen:    now,
	})

	t.wg.Add(1)
	go t.readLoop(lc)
}

func (t *LocalNetworkTransport) readLoop(lc *lanConn) {
	defer t.wg.Done()
	for {
		data, err := ReadFrame(lc.conn, t.config.MaxFrameSize)
		if err != nil {
			t.dropConn(lc)
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			continue
		}
		if msg.Topic != "" && !t.isSubscribed(msg.Topic) {
			continue
		}
		t.recordReceive(len(data))
		t.touchPeer(lc.peerID)
		t.deliver(msg)
	}
}

func (t *LocalNetworkTransport) dropConn(lc *lanConn) {
	t.connMu.Lock()
	if cur, ok := t.conns[lc.peerID]; ok && cur == lc {
		delete(t.conns, lc.peerID)
	}
	t.connMu.Unlock()

	lc.conn.Close()
	t.removePeer(lc.peerID)
}

// SendToPeer frames and writes a message to a connected peer.
func (t *LocalNetworkTransport) SendToPeer(ctx context.Context, peerID string, msg *Message) error {
	if !t.Status().IsActive() {
		return ErrTransportNotActive
	}

	t.connMu.RLock()
	lc, ok := t.conns[peerID]
	t.connMu.RUnlock()
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
	err = t.writeFrameLocked(lc, payload)
	t.recordSend(len(payload), time.Since(start), err)
	return err
}

func (t *LocalNetworkTransport) writeFrameLocked(lc *lanConn, payload []byte) error {
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	return WriteFrame(lc.conn, payload, t.config.MaxFrameSize)
}

// SubscribeTopic registers interest in a topic.
func (t *LocalNetworkTransport) SubscribeTopic(ctx context.Context, topic string) error {
	t.subscribeTopic(topic)
	return nil
}

// UnsubscribeTopic removes interest in a topic.
func (t *LocalNetworkTransport) UnsubscribeTopic(ctx context.Context, topic string) error {
	t.unsubscribeTopic(topic)
	return nil
}

// PublishToTopic sends a topic-tagged message to every connected peer.
func (t *LocalNetworkTransport) PublishToTopic(ctx context.Context, topic string, msg *Message) error {
	if !t.Status().IsActive() {
		return ErrTransportNotActive
	}

	t.connMu.RLock()
	conns := make([]*lanConn, 0, len(t.conns))
	for _, lc := range t.conns {
		conns = append(conns, lc)
	}
	t.connMu.RUnlock()

	msg.Sender = t.localPeerID
	msg.Topic = topic
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	for _, lc := range conns {
		start := time.Now()
		err := t.writeFrameLocked(lc, payload)
		t.recordSend(len(payload), time.Since(start), err)
		if err != nil {
			return fmt.Errorf("publish to %s: %w", lc.peerID, err)
		}
	}
	return nil
}

// DisconnectPeer tears down the connection to a peer.
func (t *LocalNetworkTransport) DisconnectPeer(peerID string) error {
	t.connMu.Lock()
	lc, ok := t.conns[peerID]
	if ok {
		delete(t.conns, peerID)
	}
	t.connMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
	lc.conn.Close()
	t.removePeer(peerID)
	return nil
}

// LocalAddress returns the TCP listen address.
func (t *LocalNetworkTransport) LocalAddress() (string, error) {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	if t.listener == nil {
		return "", ErrTransportNotActive
	}
	return t.listener.Addr().String(), nil
}
