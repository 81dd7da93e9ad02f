// Package server hosts the websocket gateway for protocol sessions.
//
// Ownership boundary:
// - the gin router, its middleware chain, and the health surface
// - websocket upgrades and per-connection dispatcher lifecycles
// - shutdown ordering across the listener, the hub, and the transcript
package server
