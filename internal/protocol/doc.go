// Package protocol defines the JSON envelopes exchanged with user and device
// WebSocket connections.
//
// Every envelope is an object tagged by its "type" field. Inbound commands are
// decoded strictly (unknown fields and trailing data are rejected); signaling
// payloads are opaque and pass through untouched.
package protocol
