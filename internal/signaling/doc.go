// Package signaling exposes the hub over WebSocket.
//
// Users connect to /signaling/register/user and devices to
// /signaling/register/device/{name}. Each connection is registered with the
// hub for exactly its lifetime: text frames are parsed into commands and hub
// notifications are written back as text frames.
package signaling
