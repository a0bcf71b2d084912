// Package session owns peer-to-peer session transport helpers.
//
// Ownership boundary:
// - hello/hello.ack control messages exchanged before framing
// - mesh message wire helpers (ping, gossip, sync transfer)
// - timeouts, retry/backoff and transport security settings
//
// A session is strictly ordered: the handshake completes before any framed
// gossip or sync message is written on the connection.
package session
