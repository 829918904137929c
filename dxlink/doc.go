// Package dxlink implements the client side of the DXLink protocol: a
// bidirectional, channel-multiplexed messaging protocol carried over a
// single full-duplex transport (a WebSocket in production).
//
// The package covers three interacting subsystems: the connection state
// machine (setup handshake, keepalive, timeout, reconnect), the
// authorization state machine (token submission and retry across
// reconnects), and the channel multiplexer (allocation, lifecycle,
// message routing). Channel-payload semantics, credential acquisition,
// and server-side behavior are out of scope — this package only reacts
// to what the wire protocol requires of a client.
package dxlink
