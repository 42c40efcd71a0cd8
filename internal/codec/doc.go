// Package codec encodes and decodes WebSocket frames.
//
// JSON is the default and travels in text frames. CBOR travels in binary
// frames and matches the hub's application/vnd.ocf+cbor content type.
package codec
