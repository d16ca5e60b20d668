package tracker

import (
	"encoding/hex"

	"github.com/pkg/errors"
)

const (
	// KeySize is the length of a canonical key.
	KeySize = 20
	// V2HashSize is the length of a full BitTorrent v2 info-hash.
	V2HashSize = 32

	// one byte for the version tag after the canonical key
	indexKeySize = KeySize + 1
)

// HashKey is the canonical 20-byte form of an info-hash.
// A v1 hash is used as-is; a v2 hash is truncated to its first 20 bytes,
// so two v2 hashes sharing a prefix are the same key.
type HashKey [KeySize]byte

func (k HashKey) String() string {
	return hex.EncodeToString(k[:])
}

// Version tells which hash scheme an entry was registered under.
// Only V1 and V2 are ever produced by ParseInfoHash.
type Version uint8

const (
	V1 Version = 1
	V2 Version = 2
)

func (v Version) String() string {
	if v == V2 {
		return "v2"
	}
	return "v1"
}

// InfoHash is a validated info-hash: canonical key plus the version it is
// indexed under. The pair is the identity of an index entry.
type InfoHash struct {
	Key     HashKey
	Version Version
}

// ParseInfoHash normalizes a raw 20 or 32 byte hash.
func ParseInfoHash(raw []byte) (InfoHash, error) {
	var ih InfoHash
	switch len(raw) {
	case KeySize:
		ih.Version = V1
	case V2HashSize:
		ih.Version = V2
	default:
		return ih, errors.Wrapf(ErrInvalidHashLength, "got %d bytes", len(raw))
	}
	copy(ih.Key[:], raw[:KeySize])
	return ih, nil
}

func (ih InfoHash) String() string {
	return ih.Key.String() + "/" + ih.Version.String()
}

// indexKey encodes the entry identity as trie key bytes. V1 sorts before V2
// for the same canonical key.
func (ih InfoHash) indexKey() []byte {
	b := make([]byte, indexKeySize)
	copy(b, ih.Key[:])
	b[KeySize] = byte(ih.Version)
	return b
}

func infoHashFromIndexKey(b []byte) InfoHash {
	var ih InfoHash
	copy(ih.Key[:], b[:KeySize])
	ih.Version = Version(b[KeySize])
	return ih
}
