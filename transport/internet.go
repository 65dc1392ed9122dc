package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitchat/noise"
)

// InternetTransport carries peer-to-peer traffic over TCP. The wire is
// an unauthenticated medium, so every connection is wrapped in a Noise
// XX session before identity records or messages cross it.
type InternetTransport struct {
	baseTransport

	localPeerID string

	connMu   sync.RWMutex
	listener net.Listener
	conns    map[string]*secureConn

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// secureConn is one established connection: the TCP socket plus the
// Noise session protecting it. writeMu serializes outbound encryption,
// since cipher state must be stepped sequentially per direction.
type secureConn struct {
	conn    net.Conn
	session *noise.Session
	peerID  string
	writeMu sync.Mutex
}

// NewInternetTransport creates the TCP backend.
func NewInternetTransport(config *Config) (*InternetTransport, error) {
	t := &InternetTransport{
		baseTransport: newBaseTransport(TransportInternetP2P, config),
		conns:         make(map[string]*secureConn),
	}
	t.localPeerID = t.config.LocalPeerID
	if t.localPeerID == "" {
		t.localPeerID = uuid.New().String()
	}
	return t, nil
}

// Start opens the TCP listener and begins accepting connections.
func (t *InternetTransport) Start(ctx context.Context) error {
	if t.Status().IsActive() {
		return nil
	}
	t.setStatus(StatusStarting)

	addr := fmt.Sprintf("%s:%d", t.config.BindAddress, t.config.InternetPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.setStatus(StatusFailed(err.Error()))
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	t.connMu.Lock()
	t.listener = listener
	t.cancel = cancel
	t.connMu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(loopCtx, listener)

	t.setStatus(StatusActive)
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"address":  listener.Addr().String(),
	}).Info("Internet transport listening")
	return nil
}

// Stop closes the listener and all peer connections.
func (t *InternetTransport) Stop(ctx context.Context) error {
	if t.Status().State == StateInactive {
		return nil
	}
	t.setStatus(StatusStopping)

	t.connMu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.listener != nil {
		t.listener.Close()
		t.listener = nil
	}
	conns := t.conns
	t.conns = make(map[string]*secureConn)
	t.connMu.Unlock()

	for _, sc := range conns {
		sc.conn.Close()
		sc.session.Close()
	}
	t.clearPeers()
	t.wg.Wait()

	t.setStatus(StatusInactive)
	return nil
}

func (t *InternetTransport) acceptLoop(ctx context.Context, listener net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.handleInbound(ctx, conn); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "acceptLoop",
					"remote":   conn.RemoteAddr().String(),
					"error":    err,
				}).Debug("Inbound connection failed")
				conn.Close()
			}
		}()
	}
}

// handleInbound runs the responder side of the connection setup: Noise
// XX handshake, then an encrypted identity-record exchange.
func (t *InternetTransport) handleInbound(ctx context.Context, conn net.Conn) error {
	session, err := noise.NewSession(noise.PatternXX, noise.Responder, nil)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(t.config.HandshakeTimeout)
	conn.SetDeadline(deadline)

	for !session.IsTransportReady() {
		in, err := ReadFrame(conn, t.config.MaxFrameSize)
		if err != nil {
			return fmt.Errorf("handshake read: %w", err)
		}
		out, err := session.ProcessHandshake(in)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		if len(out) > 0 {
			if err := WriteFrame(conn, out, t.config.MaxFrameSize); err != nil {
				return fmt.Errorf("handshake write: %w", err)
			}
		}
	}

	sc := &secureConn{conn: conn, session: session}
	peerID, err := t.exchangeRecords(sc, false)
	if err != nil {
		session.Close()
		return err
	}
	conn.SetDeadline(time.Time{})

	t.registerConn(sc, peerID)
	t.wg.Add(1)
	go t.readLoop(sc)
	return nil
}

// ConnectPeer dials a peer, runs the initiator side of the Noise
// handshake, and returns the peer id learned from its identity record.
func (t *InternetTransport) ConnectPeer(ctx context.Context, address string) (string, error) {
	if !t.Status().IsActive() {
		return "", ErrTransportNotActive
	}

	dialer := net.Dialer{Timeout: t.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	t.recordConnectionAttempt(err)
	if err != nil {
		return "", fmt.Errorf("failed to dial %s: %w", address, err)
	}

	peerID, err := t.setupOutbound(conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	t.recordConnectionSuccess()
	return peerID, nil
}

func (t *InternetTransport) setupOutbound(conn net.Conn) (string, error) {
	session, err := noise.NewSession(noise.PatternXX, noise.Initiator, nil)
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(t.config.HandshakeTimeout)
	conn.SetDeadline(deadline)

	out, err := session.ProcessHandshake(nil)
	if err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}
	for {
		if err := WriteFrame(conn, out, t.config.MaxFrameSize); err != nil {
			return "", fmt.Errorf("handshake write: %w", err)
		}
		if session.IsTransportReady() {
			break
		}
		in, err := ReadFrame(conn, t.config.MaxFrameSize)
		if err != nil {
			return "", fmt.Errorf("handshake read: %w", err)
		}
		out, err = session.ProcessHandshake(in)
		if err != nil {
			return "", fmt.Errorf("handshake: %w", err)
		}
		if len(out) == 0 && session.IsTransportReady() {
			break
		}
	}

	sc := &secureConn{conn: conn, session: session}
	peerID, err := t.exchangeRecords(sc, true)
	if err != nil {
		session.Close()
		return "", err
	}
	conn.SetDeadline(time.Time{})

	t.registerConn(sc, peerID)
	t.wg.Add(1)
	go t.readLoop(sc)
	return peerID, nil
}

// exchangeRecords swaps encrypted identity records over the fresh
// session. The initiator sends first.
func (t *InternetTransport) exchangeRecords(sc *secureConn, initiator bool) (string, error) {
	send := func() error {
		record, err := EncodeHandshakeRecord(&HandshakeRecord{
			PeerID:       t.localPeerID,
			Version:      ProtocolVersion,
			Capabilities: t.config.Capabilities,
		})
		if err != nil {
			return err
		}
		ct, err := sc.session.Encrypt(record)
		if err != nil {
			return err
		}
		return WriteFrame(sc.conn, ct, t.config.MaxFrameSize)
	}
	recv := func() (string, error) {
		ct, err := ReadFrame(sc.conn, t.config.MaxFrameSize)
		if err != nil {
			return "", err
		}
		pt, err := sc.session.Decrypt(ct)
		if err != nil {
			return "", err
		}
		record, err := DecodeHandshakeRecord(pt)
		if err != nil {
			return "", err
		}
		if !compatibleVersion(record.Version) {
			return "", fmt.Errorf("%w: incompatible peer version %s", ErrInvalidMessage, record.Version)
		}
		return record.PeerID, nil
	}

	if initiator {
		if err := send(); err != nil {
			return "", err
		}
		return recv()
	}
	peerID, err := recv()
	if err != nil {
		return "", err
	}
	if err := send(); err != nil {
		return "", err
	}
	return peerID, nil
}

func (t *InternetTransport) registerConn(sc *secureConn, peerID string) {
	sc.peerID = peerID

	t.connMu.Lock()
	if old, ok := t.conns[peerID]; ok {
		old.conn.Close()
		old.session.Close()
	}
	t.conns[peerID] = sc
	t.connMu.Unlock()

	now := time.Now()
	t.addPeer(PeerInfo{
		ID:          peerID,
		Address:     sc.conn.RemoteAddr().String(),
		Transport:   string(TransportInternetP2P),
		ConnectedAt: now,
		LastSeen:    now,
	})
}

func (t *InternetTransport) readLoop(sc *secureConn) {
	defer t.wg.Done()
	for {
		ct, err := ReadFrame(sc.conn, t.config.MaxFrameSize)
		if err != nil {
			t.dropConn(sc)
			return
		}
		pt, err := sc.session.Decrypt(ct)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"peer_id":  sc.peerID,
				"error":    err,
			}).Warn("Decryption failed, dropping connection")
			t.dropConn(sc)
			return
		}
		msg, err := DecodeMessage(pt)
		if err != nil {
			continue
		}
		if msg.Topic != "" && !t.isSubscribed(msg.Topic) {
			continue
		}
		t.recordReceive(len(pt))
		t.touchPeer(sc.peerID)
		t.deliver(msg)
	}
}

func (t *InternetTransport) dropConn(sc *secureConn) {
	t.connMu.Lock()
	if cur, ok := t.conns[sc.peerID]; ok && cur == sc {
		delete(t.conns, sc.peerID)
	}
	t.connMu.Unlock()

	sc.conn.Close()
	sc.session.Close()
	t.removePeer(sc.peerID)
}

// SendToPeer encrypts and frames a message for a connected peer.
func (t *InternetTransport) SendToPeer(ctx context.Context, peerID string, msg *Message) error {
	if !t.Status().IsActive() {
		return ErrTransportNotActive
	}

	t.connMu.RLock()
	sc, ok := t.conns[peerID]
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
	err = t.writeEncrypted(sc, payload)
	t.recordSend(len(payload), time.Since(start), err)
	return err
}

func (t *InternetTransport) writeEncrypted(sc *secureConn, payload []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	ct, err := sc.session.Encrypt(payload)
	if err != nil {
		return err
	}
	return WriteFrame(sc.conn, ct, t.config.MaxFrameSize)
}

// SubscribeTopic registers interest in a topic.
func (t *InternetTransport) SubscribeTopic(ctx context.Context, topic string) error {
	t.subscribeTopic(topic)
	return nil
}

// UnsubscribeTopic removes interest in a topic.
func (t *InternetTransport) UnsubscribeTopic(ctx context.Context, topic string) error {
	t.unsubscribeTopic(topic)
	return nil
}

// PublishToTopic sends a topic-tagged message to every connected peer.
func (t *InternetTransport) PublishToTopic(ctx context.Context, topic string, msg *Message) error {
	if !t.Status().IsActive() {
		return ErrTransportNotActive
	}

	t.connMu.RLock()
	conns := make([]*secureConn, 0, len(t.conns))
	for _, sc := range t.conns {
		conns = append(conns, sc)
	}
	t.connMu.RUnlock()

	msg.Sender = t.localPeerID
	msg.Topic = topic
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	for _, sc := range conns {
		start := time.Now()
		err := t.writeEncrypted(sc, payload)
		t.recordSend(len(payload), time.Since(start), err)
		if err != nil {
			return fmt.Errorf("publish to %s: %w", sc.peerID, err)
		}
	}
	return nil
}

// DisconnectPeer tears down the connection to a peer.
func (t *InternetTransport) DisconnectPeer(peerID string) error {
	t.connMu.Lock()
	sc, ok := t.conns[peerID]
	if ok {
		delete(t.conns, peerID)
	}
	t.connMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
	sc.conn.Close()
	sc.session.Close()
	t.removePeer(peerID)
	return nil
}

// LocalAddress returns the TCP listen address.
func (t *InternetTransport) LocalAddress() (string, error) {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	if t.listener == nil {
		return "", ErrTransportNotActive
	}
	return t.listener.Addr().String(), nil
}

// LocalPeerID returns the identity advertised in handshake records.
func (t *InternetTransport) LocalPeerID() string {
	return t.localPeerID
}
