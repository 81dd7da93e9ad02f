// Package transport owns the duplex frame channel boundary.
//
// Ownership boundary:
// - logical send-frame/receive-frame transport contract
// - websocket adapter over gorilla/websocket (accept and dial sides)
// - dial retry backoff primitives
//
// The protocol core consumes only the Transport interface; handshake,
// frame encoding, and TLS stay behind it.
package transport
