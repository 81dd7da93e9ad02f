// Package session owns per-connection protocol state.
//
// Ownership boundary:
// - typed send/receive over one transport, writes serialized
// - the per-connection subscription registry and its cancel handles
// - the receive loop dispatcher driving execution and result delivery
package session
