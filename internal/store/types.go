package store

import (
	"encoding/hex"
	"net/netip"
	"time"
)

// ConnKey uniquely names a connection record; registry mints one per
// socket the moment it stops being ignored.
type ConnKey [16]byte

func (k ConnKey) String() string {
	return hex.EncodeToString(k[:])
}

// Side names which physical endpoint of a connection initiated it.
type Side uint8

const (
	SideLocal Side = iota
	SideRemote
)

func (s Side) String() string {
	if s == SideLocal {
		return "local"
	}
	return "remote"
}

// Sender names which TCP endpoint produced a chunk or message, in
// initiator/responder terms (as opposed to Side's local/remote terms).
type Sender uint8

const (
	SenderInitiator Sender = iota
	SenderResponder
)

func (s Sender) String() string {
	if s == SenderInitiator {
		return "initiator"
	}
	return "responder"
}

// Comments is the anomaly bitset-and-counters the chunk parser appends to
// a connection record. Zero value means no anomalies observed.
type Comments struct {
	OutgoingTooShort bool
	IncomingTooShort bool

	// OutgoingWrongPOW/IncomingWrongPOW hold the target difficulty the
	// chunk failed, or 0 if proof-of-work was never checked or passed.
	OutgoingWrongPOW float64
	IncomingWrongPOW float64

	OutgoingWrongPK bool
	IncomingWrongPK bool

	UncertainFraming bool

	// OutgoingCannotDecrypt/IncomingCannotDecrypt hold the chunk counter
	// at first decrypt failure, or -1 if decryption never failed.
	OutgoingCannotDecrypt int64
	IncomingCannotDecrypt int64

	SuspiciousGap bool
}

// NewComments returns a Comments value with "never happened" sentinels set.
func NewComments() Comments {
	return Comments{OutgoingCannotDecrypt: -1, IncomingCannotDecrypt: -1}
}

// Connection is the append-once-then-commented record created the moment
// the registry starts tracking an accepted or connected, non-ignored socket.
type Connection struct {
	Key            ConnKey
	TS             time.Time
	TSNanos        uint32
	Initiator      Side
	RemoteAddr     netip.AddrPort
	PeerPublicKey  [32]byte
	HasPeerPubKey  bool
	Comments       Comments
}

// ChunkKey addresses one framed ciphertext unit on the wire.
type ChunkKey struct {
	Conn    ConnKey
	Sender  Sender
	Counter uint64
}

// Chunk is one append-only wire unit; Plain is empty when undecryptable.
type Chunk struct {
	Key   ChunkKey
	Raw   []byte
	Plain []byte
}

// Message is a reassembled application-level record spanning a contiguous
// chunk range on one sender.
type Message struct {
	ID         uint64
	Conn       ConnKey
	Timestamp  time.Time
	RemoteAddr netip.AddrPort
	Initiator  Side
	Sender     Sender
	Type       string
	ChunkLo    uint64
	ChunkHi    uint64 // half-open: [ChunkLo, ChunkHi)
}

// LogRecord is a free-form diagnostic entry, including decoded
// memory-tracer events routed here under Section "kmem".
type LogRecord struct {
	ID          uint64
	TimestampNS int64
	Level       string
	Section     string
	Message     string
}
