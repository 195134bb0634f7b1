// Package blive connects to Bilibili live rooms and turns their danmaku
// stream into relay events.
//
// Only the part of the protocol the relay needs is covered: the HTTP calls
// that resolve a room and fetch its websocket token, the 16-byte packet
// framing with zlib-compressed bodies (protover 2), heartbeats, and the
// handful of commands relay.Event models.
package blive
