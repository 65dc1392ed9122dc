// Package transport provides the multi-transport messaging layer for
// BitChat. It defines the Transport capability contract implemented by the
// concrete backends (internet P2P, Bluetooth mesh, local network,
// WebSocket, relay) and the MultiTransport dispatcher that selects among
// them per peer using pluggable strategies.
//
// The dispatcher keeps an advisory routing table mapping peer ids to the
// transport type that last reached them, merges all inbound traffic into a
// single-consumer queue, and aggregates per-transport statistics. Backends
// that run over unauthenticated media wrap payloads through a per-peer
// Noise channel before they touch the wire.
package transport
