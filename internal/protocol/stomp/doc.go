// Package stomp encodes and decodes STOMP 1.2 frames carried in WebSocket messages.
//
// Only the client side of the protocol is covered: CONNECT/CONNECTED, SUBSCRIBE,
// UNSUBSCRIBE, SEND, MESSAGE, RECEIPT, ERROR, DISCONNECT and EOL heartbeats.
package stomp
