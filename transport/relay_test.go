package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCarrier is a synchronous loopback carrier: envelopes forwarded to
// a peer are handed straight to that peer's relay transport.
type testCarrier struct {
	network map[string]*RelayTransport
}

func (c *testCarrier) ForwardEnvelope(ctx context.Context, peerID string, data []byte) error {
	target, ok := c.network[peerID]
	if !ok {
		return ErrPeerNotConnected
	}
	return target.HandleEnvelope(ctx, data)
}

func startRelayNodes(t *testing.T, ids ...string) map[string]*RelayTransport {
	t.Helper()
	ctx := context.Background()

	network := make(map[string]*RelayTransport)
	carrier := &testCarrier{network: network}
	for _, id := range ids {
		node, err := NewRelayTransport(&Config{LocalPeerID: id})
		require.NoError(t, err)
		node.SetCarrier(carrier)
		require.NoError(t, node.Start(ctx))
		network[id] = node
	}
	t.Cleanup(func() {
		for _, node := range network {
			node.Stop(ctx)
		}
	})
	return network
}

func TestRelayDirectDelivery(t *testing.T) {
	ctx := context.Background()
	nodes := startRelayNodes(t, "relay-a", "relay-b")

	err := nodes["relay-a"].SendToPeer(ctx, "relay-b", &Message{Data: []byte("direct")})
	require.NoError(t, err)

	msg := nodes["relay-b"].ReceiveMessage()
	require.NotNil(t, msg)
	assert.Equal(t, "relay-a", msg.Sender)
	assert.Equal(t, []byte("direct"), msg.Data)
	assert.Equal(t, TransportRelay, msg.Transport)
}

func TestRelayForwardsThroughIntermediate(t *testing.T) {
	ctx := context.Background()
	nodes := startRelayNodes(t, "relay-a", "relay-b", "relay-c")

	// A cannot reach C directly; B relays.
	nodes["relay-a"].AddRoute("relay-c", "relay-b")

	err := nodes["relay-a"].SendToPeer(ctx, "relay-c", &Message{Data: []byte("two hops")})
	require.NoError(t, err)

	msg := nodes["relay-c"].ReceiveMessage()
	require.NotNil(t, msg)
	assert.Equal(t, []byte("two hops"), msg.Data)
	assert.Nil(t, nodes["relay-b"].ReceiveMessage(), "intermediate must forward, not deliver")
}

func TestRelayHopCapDropsEnvelope(t *testing.T) {
	ctx := context.Background()
	nodes := startRelayNodes(t, "relay-a", "relay-b")

	payload, err := EncodeMessage(&Message{Data: []byte("looping")})
	require.NoError(t, err)
	data, err := EncodeRelayEnvelope(&RelayEnvelope{
		Version:     ProtocolVersion,
		Source:      "relay-x",
		Destination: "relay-unreachable",
		Hops:        MaxRelayHops,
		Payload:     payload,
	})
	require.NoError(t, err)

	err = nodes["relay-b"].HandleEnvelope(ctx, data)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestRelayEnvelopeValidation(t *testing.T) {
	_, err := DecodeRelayEnvelope([]byte("not cbor"))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	missing, err := EncodeRelayEnvelope(&RelayEnvelope{Version: ProtocolVersion, Source: "a"})
	require.NoError(t, err)
	_, err = DecodeRelayEnvelope(missing)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	wrongVersion, err := EncodeRelayEnvelope(&RelayEnvelope{
		Version:     "9.0.0",
		Source:      "a",
		Destination: "b",
	})
	require.NoError(t, err)
	_, err = DecodeRelayEnvelope(wrongVersion)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestRelayHopCountIncrementsPerForward(t *testing.T) {
	ctx := context.Background()
	nodes := startRelayNodes(t, "relay-a", "relay-b", "relay-c", "relay-d")

	// a -> b -> c -> d uses exactly MaxRelayHops forwards.
	nodes["relay-a"].AddRoute("relay-d", "relay-b")
	nodes["relay-b"].AddRoute("relay-d", "relay-c")

	err := nodes["relay-a"].SendToPeer(ctx, "relay-d", &Message{Data: []byte("at the cap")})
	require.NoError(t, err)

	msg := nodes["relay-d"].ReceiveMessage()
	require.NotNil(t, msg)
	assert.Equal(t, []byte("at the cap"), msg.Data)
}

func TestRelayHeartbeatNotDelivered(t *testing.T) {
	ctx := context.Background()
	nodes := startRelayNodes(t, "relay-a", "relay-b")

	require.NoError(t, nodes["relay-a"].SendHeartbeat(ctx, "relay-b"))
	assert.Nil(t, nodes["relay-b"].ReceiveMessage(), "heartbeats are not surfaced as messages")
}

func TestRelayStartWithoutCarrier(t *testing.T) {
	ctx := context.Background()
	lone, err := NewRelayTransport(&Config{LocalPeerID: "relay-lone"})
	require.NoError(t, err)

	require.NoError(t, lone.Start(ctx))
	assert.Equal(t, StateFailed, lone.Status().State)

	err = lone.SendToPeer(ctx, "anyone", &Message{})
	assert.ErrorIs(t, err, ErrTransportNotActive)
}

func TestRelayDisconnectPrunesRoutes(t *testing.T) {
	ctx := context.Background()
	nodes := startRelayNodes(t, "relay-a", "relay-b", "relay-c")
	a := nodes["relay-a"]

	_, err := a.ConnectPeer(ctx, "relay-b")
	require.NoError(t, err)
	a.AddRoute("relay-c", "relay-b")

	require.NoError(t, a.DisconnectPeer("relay-b"))

	// With the route gone, the carrier delivers straight to C.
	require.NoError(t, a.SendToPeer(ctx, "relay-c", &Message{Data: []byte("rerouted")}))
	msg := nodes["relay-c"].ReceiveMessage()
	require.NotNil(t, msg)
	assert.Equal(t, []byte("rerouted"), msg.Data)
}
