// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atom

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte SHA-256 digest. Every atom is addressed by a Hash;
// it is the deduplication key understood by the persistence
// collaborator. SHA-256 (rather than a keyed hash) is part of the
// store contract and cannot change without invalidating every stored
// atom.
type Hash [32]byte

// Fingerprint is a 64-byte composite comparison key: the SHA-256
// content hash in bytes 0-31 followed by a keyed-BLAKE3 content tag in
// bytes 32-63. Two fingerprints are equal iff they were computed over
// equal inputs (up to hash collisions in both functions), and
// comparing them is a flat 64-byte memcmp — no re-hashing.
type Fingerprint [64]byte

// fingerprintTagKey is the 32-byte BLAKE3 key for the fingerprint tag.
// Domain separation keeps the tag from ever colliding with a plain
// BLAKE3 hash of the same bytes computed elsewhere. The byte values
// are the ASCII encoding of the domain name, zero-padded to 32 bytes,
// so the key is inspectable in hex dumps.
var fingerprintTagKey = [32]byte{
	'g', 'r', 'a', 'n', 'u', 'l', 'e', '.', 'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r',
	'i', 'n', 't', '.', 't', 'a', 'g', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashContent computes the SHA-256 content hash of data. Deterministic:
// same bytes, same hash, stable deduplication.
func HashContent(data []byte) Hash {
	return sha256.Sum256(data)
}

// FingerprintContent computes the 64-byte fingerprint of data: the
// SHA-256 content hash followed by the keyed-BLAKE3 tag.
func FingerprintContent(data []byte) Fingerprint {
	var fp Fingerprint
	contentHash := HashContent(data)
	copy(fp[:32], contentHash[:])

	hasher, err := blake3.NewKeyed(fingerprintTagKey[:])
	if err != nil {
		// NewKeyed only fails on wrong key length, which the fixed-size
		// array rules out.
		panic("atom: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	copy(fp[32:], hasher.Sum(nil))
	return fp
}

// FormatHash returns the hex-encoded string representation of a hash.
// This is the canonical format used in metadata, logs, and CLI output.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing atom hash: %w", err)
	}
	if len(decoded) != 32 {
		return hash, fmt.Errorf("atom hash is %d bytes, want 32", len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// ShortRef returns the short human-facing reference for a hash: the
// "atom-" prefix followed by the first 12 hex characters.
func ShortRef(hash Hash) string {
	return "atom-" + hex.EncodeToString(hash[:6])
}
