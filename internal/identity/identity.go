// Package identity loads and represents the long-lived node keypair used to
// derive per-connection session keys during the P2P handshake.
//
// The concrete identity-file loader is an external collaborator per the
// specification; this package only defines the immutable in-memory shape
// and the pure function (peer id) derived from it.
package identity

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Identity is the immutable, long-lived keypair for a monitored node.
// It never changes after New returns.
type Identity struct {
	PublicKey        [32]byte
	SecretKey        [32]byte
	PeerID           string
	ProofOfWorkStamp [24]byte
}

// New builds an Identity from raw key material and stamp, computing the
// derived PeerID. It does not validate that SecretKey and PublicKey form a
// matching curve25519 pair; callers that load identities from disk are
// expected to have generated them as a pair.
func New(publicKey, secretKey [32]byte, pow [24]byte) Identity {
	return Identity{
		PublicKey:        publicKey,
		SecretKey:        secretKey,
		PeerID:           PeerID(publicKey),
		ProofOfWorkStamp: pow,
	}
}

// PeerID returns the base58-check encoding of the first 16 bytes of the
// blake2b-128 hash of a 32-byte public key, per the glossary definition.
func PeerID(publicKey [32]byte) string {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// blake2b.New only fails for out-of-range sizes or bad keys;
		// 16 and a nil key are always valid.
		panic(fmt.Sprintf("identity: blake2b-128 init: %v", err))
	}
	h.Write(publicKey[:])
	digest := h.Sum(nil)
	return base58Check(digest)
}

// base58Check encodes payload with a trailing 4-byte double-SHA256
// checksum, the convention the glossary calls "base58-check".
func base58Check(payload []byte) string {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	full := make([]byte, 0, len(payload)+4)
	full = append(full, payload...)
	full = append(full, second[:4]...)
	return base58.Encode(full)
}

// base58CheckDecode is the inverse of base58Check; only the package's
// tests use it, to recover the raw payload from a peer id.
func base58CheckDecode(s string) ([]byte, error) {
	full, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("identity: base58 decode: %w", err)
	}
	if len(full) < 4 {
		return nil, fmt.Errorf("identity: base58check payload too short")
	}
	payload, checksum := full[:len(full)-4], full[len(full)-4:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	for i := range checksum {
		if checksum[i] != second[i] {
			return nil, fmt.Errorf("identity: base58check checksum mismatch")
		}
	}
	return payload, nil
}
