// Package connection owns raw WebSocket connections to the hub gateway.
//
// A Socket wraps one connection to one URL:
//   - Connect dials in the background and reports through Handlers
//   - The first frame on every connection carries a fresh access token
//   - Frames arriving before the listen delay has elapsed are discarded
//   - Ping/pong heartbeat detects stale connections
//
// Sockets never retry. Reconnection belongs to the owner: the events
// multiplexer for the shared subscription connection, or a Pool for
// independently named raw streams.
package connection
