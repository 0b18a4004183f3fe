// Package wire defines the zephyrbus datagram formats: message segments and
// discovery announcements. Both share a leading protocol version byte so a
// node can reject datagrams from an incompatible build without guessing.
//
// Segment datagram (big-endian):
//
//	[version:1][sender:16][message id:8][sequence index:4][segment count:4][payload length:4][payload]
//
// Announcement datagram:
//
//	[version:1][marker:1][sender:16]
package wire
