package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWebSocketPair(t *testing.T) (*WebSocketTransport, *WebSocketTransport) {
	t.Helper()
	ctx := context.Background()

	alice, err := NewWebSocketTransport(&Config{LocalPeerID: "ws-alice"})
	require.NoError(t, err)
	bob, err := NewWebSocketTransport(&Config{LocalPeerID: "ws-bob"})
	require.NoError(t, err)

	require.NoError(t, alice.Start(ctx))
	require.NoError(t, bob.Start(ctx))
	t.Cleanup(func() {
		alice.Stop(ctx)
		bob.Stop(ctx)
	})
	return alice, bob
}

func TestWebSocketConnectAndSend(t *testing.T) {
	ctx := context.Background()
	alice, bob := startWebSocketPair(t)

	bobAddr, err := bob.LocalAddress()
	require.NoError(t, err)

	peerID, err := alice.ConnectPeer(ctx, bobAddr)
	require.NoError(t, err)
	assert.Equal(t, "ws-bob", peerID)

	require.NoError(t, alice.SendToPeer(ctx, "ws-bob", &Message{Data: []byte("over websocket")}))

	msg := waitForMessage(t, bob.ReceiveMessage, 2*time.Second)
	assert.Equal(t, "ws-alice", msg.Sender)
	assert.Equal(t, []byte("over websocket"), msg.Data)
	assert.Equal(t, TransportWebSocket, msg.Transport)
}

func TestWebSocketBidirectional(t *testing.T) {
	ctx := context.Background()
	alice, bob := startWebSocketPair(t)

	bobAddr, err := bob.LocalAddress()
	require.NoError(t, err)
	_, err = alice.ConnectPeer(ctx, bobAddr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		connected, _ := bob.IsPeerConnected("ws-alice")
		return connected
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bob.SendToPeer(ctx, "ws-alice", &Message{Data: []byte("server push")}))

	msg := waitForMessage(t, alice.ReceiveMessage, 2*time.Second)
	assert.Equal(t, "ws-bob", msg.Sender)
	assert.Equal(t, []byte("server push"), msg.Data)
}

func TestWebSocketTopicPublish(t *testing.T) {
	ctx := context.Background()
	alice, bob := startWebSocketPair(t)

	bobAddr, err := bob.LocalAddress()
	require.NoError(t, err)
	_, err = alice.ConnectPeer(ctx, bobAddr)
	require.NoError(t, err)

	require.NoError(t, bob.SubscribeTopic(ctx, "updates"))
	require.NoError(t, alice.PublishToTopic(ctx, "updates", &Message{Data: []byte("bulletin")}))

	msg := waitForMessage(t, bob.ReceiveMessage, 2*time.Second)
	assert.Equal(t, "updates", msg.Topic)
	assert.Equal(t, []byte("bulletin"), msg.Data)
}

func TestWebSocketSendToUnknownPeer(t *testing.T) {
	ctx := context.Background()
	alice, _ := startWebSocketPair(t)

	err := alice.SendToPeer(ctx, "ws-stranger", &Message{})
	assert.ErrorIs(t, err, ErrPeerNotConnected)
}
