// Package protocol owns the wire contract and parsing primitives.
//
// Ownership boundary:
// - typed client/server message variants
// - client frame decoding and variable binding
// - server frame encoding
//
// The codec is one-directional: client messages decode only, server
// messages encode only. Malformed client input becomes a ParseError
// variant, never an error return.
package protocol
