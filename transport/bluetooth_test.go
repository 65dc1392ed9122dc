package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRadio is a synchronous loopback radio: bytes written to a peer's
// characteristic are handed straight to that peer's transport.
type testRadio struct {
	localID string
	network map[string]*BluetoothTransport
}

func (r *testRadio) WriteCharacteristic(peerID string, data []byte) error {
	target, ok := r.network[peerID]
	if !ok {
		return ErrPeerNotConnected
	}
	return target.HandleCharacteristicWrite(r.localID, data)
}

func startBluetoothPair(t *testing.T) (*BluetoothTransport, *BluetoothTransport) {
	t.Helper()
	ctx := context.Background()

	alice, err := NewBluetoothTransport(&Config{LocalPeerID: "ble-alice"})
	require.NoError(t, err)
	bob, err := NewBluetoothTransport(&Config{LocalPeerID: "ble-bob"})
	require.NoError(t, err)

	network := map[string]*BluetoothTransport{
		"ble-alice": alice,
		"ble-bob":   bob,
	}
	alice.SetWriter(&testRadio{localID: "ble-alice", network: network})
	bob.SetWriter(&testRadio{localID: "ble-bob", network: network})

	require.NoError(t, alice.Start(ctx))
	require.NoError(t, bob.Start(ctx))
	t.Cleanup(func() {
		alice.Stop(ctx)
		bob.Stop(ctx)
	})
	return alice, bob
}

func TestBluetoothSecureChannelEstablishment(t *testing.T) {
	ctx := context.Background()
	alice, bob := startBluetoothPair(t)

	peerID, err := alice.ConnectPeer(ctx, "ble-bob")
	require.NoError(t, err)
	assert.Equal(t, "ble-bob", peerID)

	// The loopback radio is synchronous, so the full three-message
	// handshake completes inside ConnectPeer. Only Alice's outbound and
	// Bob's inbound sessions exist; the reverse direction needs its own
	// handshake.
	send, receive := alice.ChannelReady("ble-bob")
	assert.True(t, send)
	assert.False(t, receive)

	send, receive = bob.ChannelReady("ble-alice")
	assert.False(t, send)
	assert.True(t, receive)
}

func TestBluetoothEncryptedSend(t *testing.T) {
	ctx := context.Background()
	alice, bob := startBluetoothPair(t)

	_, err := alice.ConnectPeer(ctx, "ble-bob")
	require.NoError(t, err)

	require.NoError(t, alice.SendToPeer(ctx, "ble-bob", &Message{Data: []byte("mesh hello")}))

	msg := bob.ReceiveMessage()
	require.NotNil(t, msg)
	assert.Equal(t, "ble-alice", msg.Sender)
	assert.Equal(t, []byte("mesh hello"), msg.Data)
	assert.Equal(t, TransportBluetoothMesh, msg.Transport)
}

func TestBluetoothBidirectionalChannel(t *testing.T) {
	ctx := context.Background()
	alice, bob := startBluetoothPair(t)

	_, err := alice.ConnectPeer(ctx, "ble-bob")
	require.NoError(t, err)

	// Bob's side needs its own outbound session toward Alice.
	_, err = bob.ConnectPeer(ctx, "ble-alice")
	require.NoError(t, err)

	require.NoError(t, alice.SendToPeer(ctx, "ble-bob", &Message{Data: []byte("ping")}))
	require.NoError(t, bob.SendToPeer(ctx, "ble-alice", &Message{Data: []byte("pong")}))

	got := bob.ReceiveMessage()
	require.NotNil(t, got)
	assert.Equal(t, []byte("ping"), got.Data)

	got = alice.ReceiveMessage()
	require.NotNil(t, got)
	assert.Equal(t, []byte("pong"), got.Data)
}

func TestBluetoothSendWithoutChannel(t *testing.T) {
	ctx := context.Background()
	alice, _ := startBluetoothPair(t)

	err := alice.SendToPeer(ctx, "ble-stranger", &Message{Data: []byte("lost")})
	assert.ErrorIs(t, err, ErrPeerNotConnected)
}

func TestBluetoothStartWithoutRadio(t *testing.T) {
	ctx := context.Background()
	lone, err := NewBluetoothTransport(&Config{LocalPeerID: "ble-lone"})
	require.NoError(t, err)

	require.NoError(t, lone.Start(ctx))
	assert.Equal(t, StateFailed, lone.Status().State)

	err = lone.SendToPeer(ctx, "anyone", &Message{})
	assert.ErrorIs(t, err, ErrTransportNotActive)
}

func TestBluetoothRejectsMalformedFrames(t *testing.T) {
	_, bob := startBluetoothPair(t)

	err := bob.HandleCharacteristicWrite("ble-alice", nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	err = bob.HandleCharacteristicWrite("ble-alice", []byte{0x7f, 0x01, 0x02})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestBluetoothDisconnectTearsDownChannel(t *testing.T) {
	ctx := context.Background()
	alice, _ := startBluetoothPair(t)

	_, err := alice.ConnectPeer(ctx, "ble-bob")
	require.NoError(t, err)

	require.NoError(t, alice.DisconnectPeer("ble-bob"))

	send, receive := alice.ChannelReady("ble-bob")
	assert.False(t, send)
	assert.False(t, receive)

	err = alice.SendToPeer(ctx, "ble-bob", &Message{})
	assert.ErrorIs(t, err, ErrPeerNotConnected)
}

func TestBluetoothTopicPublish(t *testing.T) {
	ctx := context.Background()
	alice, bob := startBluetoothPair(t)

	_, err := alice.ConnectPeer(ctx, "ble-bob")
	require.NoError(t, err)
	require.NoError(t, bob.SubscribeTopic(ctx, "mesh-news"))

	require.NoError(t, alice.PublishToTopic(ctx, "mesh-news", &Message{Data: []byte("broadcast")}))

	msg := bob.ReceiveMessage()
	require.NotNil(t, msg)
	assert.Equal(t, "mesh-news", msg.Topic)
	assert.Equal(t, []byte("broadcast"), msg.Data)
}
