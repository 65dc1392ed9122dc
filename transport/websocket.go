package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketTransport carries traffic over WebSocket connections so
// browser-reachable peers can participate. Each connection opens with
// the same CBOR identity-record exchange as the local-network backend;
// WebSocket binary messages replace the length-prefix framing since the
// protocol already delimits messages.
type WebSocketTransport struct {
	baseTransport

	localPeerID string
	upgrader    websocket.Upgrader

	connMu   sync.RWMutex
	listener net.Listener
	server   *http.Server
	conns    map[string]*wsConn

	wg sync.WaitGroup
}

type wsConn struct {
	conn    *websocket.Conn
	peerID  string
	writeMu sync.Mutex
}

// NewWebSocketTransport creates the WebSocket backend.
func NewWebSocketTransport(config *Config) (*WebSocketTransport, error) {
	t := &WebSocketTransport{
		baseTransport: newBaseTransport(TransportWebSocket, config),
		conns:         make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	t.localPeerID = t.config.LocalPeerID
	if t.localPeerID == "" {
		t.localPeerID = uuid.New().String()
	}
	return t, nil
}

// Start opens the HTTP listener serving the /ws upgrade endpoint.
func (t *WebSocketTransport) Start(ctx context.Context) error {
	if t.Status().IsActive() {
		return nil
	}
	t.setStatus(StatusStarting)

	addr := fmt.Sprintf("%s:%d", t.config.BindAddress, t.config.WebSocketPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.setStatus(StatusFailed(err.Error()))
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleUpgrade)
	server := &http.Server{Handler: mux}

	t.connMu.Lock()
	t.listener = listener
	t.server = server
	t.connMu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		server.Serve(listener)
	}()

	t.setStatus(StatusActive)
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"address":  listener.Addr().String(),
	}).Info("WebSocket transport listening")
	return nil
}

// Stop shuts the HTTP server and all peer connections down.
func (t *WebSocketTransport) Stop(ctx context.Context) error {
	if t.Status().State == StateInactive {
		return nil
	}
	t.setStatus(StatusStopping)

	t.connMu.Lock()
	server := t.server
	t.server = nil
	t.listener = nil
	conns := t.conns
	t.conns = make(map[string]*wsConn)
	t.connMu.Unlock()

	for _, wc := range conns {
		wc.conn.Close()
	}
	if server != nil {
		server.Shutdown(ctx)
	}
	t.clearPeers()
	t.wg.Wait()

	t.setStatus(StatusInactive)
	return nil
}

func (t *WebSocketTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	peerID, err := t.acceptHandshake(conn)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleUpgrade",
			"remote":   conn.RemoteAddr().String(),
			"error":    err,
		}).Debug("WebSocket handshake rejected")
		conn.Close()
		return
	}

	t.registerConn(&wsConn{conn: conn, peerID: peerID})
}

// acceptHandshake reads the client's identity record and answers with
// an ack.
func (t *WebSocketTransport) acceptHandshake(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(t.config.HandshakeTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("record read: %w", err)
	}
	record, err := DecodeHandshakeRecord(data)
	if err != nil {
		return "", err
	}

	ack := &HandshakeAck{PeerID: t.localPeerID, Accepted: true}
	if !compatibleVersion(record.Version) {
		ack.Accepted = false
		ack.Reason = fmt.Sprintf("incompatible version %s", record.Version)
	}
	ackData, err := EncodeHandshakeAck(ack)
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, ackData); err != nil {
		return "", fmt.Errorf("ack write: %w", err)
	}
	if !ack.Accepted {
		return "", fmt.Errorf("%w: %s", ErrInvalidMessage, ack.Reason)
	}

	conn.SetReadDeadline(time.Time{})
	return record.PeerID, nil
}

// ConnectPeer dials a WebSocket peer. Bare host:port addresses are
// expanded to ws://host:port/ws.
func (t *WebSocketTransport) ConnectPeer(ctx context.Context, address string) (string, error) {
	if !t.Status().IsActive() {
		return "", ErrTransportNotActive
	}

	url := address
	if !strings.Contains(url, "://") {
		url = "ws://" + url + "/ws"
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	t.recordConnectionAttempt(err)
	if err != nil {
		return "", fmt.Errorf("failed to dial %s: %w", url, err)
	}

	peerID, err := t.clientHandshake(conn)
	if err != nil {
		conn.Close()
		return "", err
	}

	t.registerConn(&wsConn{conn: conn, peerID: peerID})
	t.recordConnectionSuccess()
	return peerID, nil
}

func (t *WebSocketTransport) clientHandshake(conn *websocket.Conn) (string, error) {
	record, err := EncodeHandshakeRecord(&HandshakeRecord{
		PeerID:       t.localPeerID,
		Version:      ProtocolVersion,
		Capabilities: t.config.Capabilities,
	})
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, record); err != nil {
		return "", fmt.Errorf("record write: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(t.config.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
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

	conn.SetReadDeadline(time.Time{})
	return ack.PeerID, nil
}

func (t *WebSocketTransport) registerConn(wc *wsConn) {
	t.connMu.Lock()
	if old, ok := t.conns[wc.peerID]; ok {
		old.conn.Close()
	}
	t.conns[wc.peerID] = wc
	t.connMu.Unlock()

	now := time.Now()
	t.addPeer(PeerInfo{
		ID:          wc.peerID,
		Address:     wc.conn.RemoteAddr().String(),
		Transport:   string(TransportWebSocket),
		ConnectedAt: now,
		LastSeen:    now,
	})

	t.wg.Add(1)
	go t.readLoop(wc)
}

func (t *WebSocketTransport) readLoop(wc *wsConn) {
	defer t.wg.Done()
	for {
		msgType, data, err := wc.conn.ReadMessage()
		if err != nil {
			t.dropConn(wc)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			continue
		}
		if msg.Topic != "" && !t.isSubscribed(msg.Topic) {
			continue
		}
		t.recordReceive(len(data))
		t.touchPeer(wc.peerID)
		t.deliver(msg)
	}
}

func (t *WebSocketTransport) dropConn(wc *wsConn) {
	t.connMu.Lock()
	if cur, ok := t.conns[wc.peerID]; ok && cur == wc {
		delete(t.conns, wc.peerID)
	}
	t.connMu.Unlock()

	wc.conn.Close()
	t.removePeer(wc.peerID)
}

// SendToPeer writes a message to a connected peer.
func (t *WebSocketTransport) SendToPeer(ctx context.Context, peerID string, msg *Message) error {
	if !t.Status().IsActive() {
		return ErrTransportNotActive
	}

	t.connMu.RLock()
	wc, ok := t.conns[peerID]
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
	if uint32(len(payload)) > t.config.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}

	start := time.Now()
	err = t.writeBinary(wc, payload)
	t.recordSend(len(payload), time.Since(start), err)
	return err
}

func (t *WebSocketTransport) writeBinary(wc *wsConn, payload []byte) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	return wc.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// SubscribeTopic registers interest in a topic.
func (t *WebSocketTransport) SubscribeTopic(ctx context.Context, topic string) error {
	t.subscribeTopic(topic)
	return nil
}

// UnsubscribeTopic removes interest in a topic.
func (t *WebSocketTransport) UnsubscribeTopic(ctx context.Context, topic string) error {
	t.unsubscribeTopic(topic)
	return nil
}

// PublishToTopic sends a topic-tagged message to every connected peer.
func (t *WebSocketTransport) PublishToTopic(ctx context.Context, topic string, msg *Message) error {
	if !t.Status().IsActive() {
		return ErrTransportNotActive
	}

	t.connMu.RLock()
	conns := make([]*wsConn, 0, len(t.conns))
	for _, wc := range t.conns {
		conns = append(conns, wc)
	}
	t.connMu.RUnlock()

	msg.Sender = t.localPeerID
	msg.Topic = topic
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	for _, wc := range conns {
		start := time.Now()
		err := t.writeBinary(wc, payload)
		t.recordSend(len(payload), time.Since(start), err)
		if err != nil {
			return fmt.Errorf("publish to %s: %w", wc.peerID, err)
		}
	}
	return nil
}

// DisconnectPeer tears down the connection to a peer.
func (t *WebSocketTransport) DisconnectPeer(peerID string) error {
	t.connMu.Lock()
	wc, ok := t.conns[peerID]
	if ok {
		delete(t.conns, peerID)
	}
	t.connMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
	wc.conn.Close()
	t.removePeer(peerID)
	return nil
}

// LocalAddress returns the listen address of the /ws endpoint.
func (t *WebSocketTransport) LocalAddress() (string, error) {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	if t.listener == nil {
		return "", ErrTransportNotActive
	}
	return t.listener.Addr().String(), nil
}
