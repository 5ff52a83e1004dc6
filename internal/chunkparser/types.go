// Package chunkparser implements the per-connection state machine: frame
// length-prefixed chunks out of raw syscall payloads, check the handshake
// proof-of-work, derive per-direction session keys, decrypt, reassemble
// application messages, and mark anomalies on the owning connection. One
// Parser runs per connection as an independent task fed by a
// single-producer queue.
package chunkparser

import (
	"net/netip"

	"github.com/ocx/sniffer/internal/identity"
	"github.com/ocx/sniffer/internal/store"
)

// Direction names which physical endpoint of the TCP connection produced
// the bytes being framed, independent of which side initiated the
// connection.
type Direction uint8

const (
	DirLocal Direction = iota
	DirRemote
)

// ProofOfWorkTarget is the default handshake difficulty, in bits, checked
// against each connection message.
const ProofOfWorkTarget = 26.0

// uncertainThreshold is the limit on bytes buffered before a direction's
// first chunk (its connection message) is framed; past it the direction
// gives up on framing and records raw bytes only.
const uncertainThreshold = 128 * 1024

// Config seeds a new Parser with everything it needs that does not change
// over the connection's lifetime.
type Config struct {
	Identity   identity.Identity
	ConnKey    store.ConnKey
	Initiator  store.Side
	RemoteAddr netip.AddrPort

	// OnMessage, if set, is called after every message the parser
	// successfully appends to the store, letting a live-feed subscriber
	// (internal/httpapi's socket.io namespace) learn about it without
	// the parser importing httpapi.
	OnMessage func(store.Message)
}

// Input is one event the registry forwards to a connection's parser.
type Input struct {
	Incoming bool
	Payload  []byte
}

// ConnectionReport is the final summary a Parser emits on termination.
type ConnectionReport struct {
	ConnKey          store.ConnKey
	LocalChunks      uint64
	RemoteChunks     uint64
	MessagesEmitted  uint64
	Comments         store.Comments
}
