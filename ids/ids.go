// Package ids defines the opaque 32-byte identifiers used throughout the
// core and the canonical left/right ordering rule bilateral
// accounting depends on.
package ids

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Size is the fixed length of an EntityId in bytes.
const Size = 32

// EntityId is a 32-byte opaque identifier for an entity.
type EntityId [Size]byte

// SignerId is an opaque per-validator identifier. Unlike
// EntityId it is not fixed-length: validator key material varies by scheme.
type SignerId string

// TokenId identifies a settlement token within an edge's Delta map.
type TokenId [Size]byte

// String renders the id as lowercase hex with a 0x prefix.
func (e EntityId) String() string {
	return "0x" + hex.EncodeToString(e[:])
}

// String renders the token id the same way as EntityId.
func (t TokenId) String() string {
	return "0x" + hex.EncodeToString(t[:])
}

// MarshalJSON renders the id as its 0x-hex string form.
func (e EntityId) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.String() + `"`), nil
}

// UnmarshalJSON parses the 0x-hex string form.
func (e *EntityId) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("ids: entity id must be a hex string")
	}
	parsed, err := EntityIdFromHex(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// MarshalJSON renders the token id as its 0x-hex string form.
func (t TokenId) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON parses the 0x-hex string form.
func (t *TokenId) UnmarshalJSON(data []byte) error {
	var e EntityId
	if err := e.UnmarshalJSON(data); err != nil {
		return err
	}
	*t = TokenId(e)
	return nil
}

// IsZero reports whether e is the zero id.
func (e EntityId) IsZero() bool {
	return e == EntityId{}
}

// Less implements the canonical ordering: lexicographic byte comparison.
func (e EntityId) Less(other EntityId) bool {
	return bytes.Compare(e[:], other[:]) < 0
}

// EntityIdFromHex parses a "0x"-prefixed or bare hex string into an EntityId.
func EntityIdFromHex(s string) (EntityId, error) {
	var id EntityId
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("ids: invalid hex: %w", err)
	}
	if len(b) != Size {
		return id, fmt.Errorf("ids: expected %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IsLeft reports whether a is the canonical LEFT side of the (a, b) edge.
// All delta accounting is encoded from this side's perspective.
func IsLeft(a, b EntityId) bool {
	return a.Less(b)
}

// CanonicalPair returns (left, right) in canonical order for the unordered
// pair {a, b}. Panics if a == b: an entity cannot hold an edge with itself.
func CanonicalPair(a, b EntityId) (left, right EntityId) {
	if a == b {
		panic("ids: CanonicalPair called with identical entities")
	}
	if IsLeft(a, b) {
		return a, b
	}
	return b, a
}

// EdgeKey is the at-rest lookup key for a bilateral edge: (min(id), max(id)),
// so both sides resolve the same record regardless of who asks.
type EdgeKey [2 * Size]byte

// MakeEdgeKey builds the canonical edge key for the unordered pair {a, b}.
func MakeEdgeKey(a, b EntityId) EdgeKey {
	left, right := CanonicalPair(a, b)
	var k EdgeKey
	copy(k[:Size], left[:])
	copy(k[Size:], right[:])
	return k
}

// Hash commits arbitrary canonical bytes with SHA-256 via chainhash, so
// that account-root and frame-hash commitments use a well-known,
// widely-audited primitive rather than a hand-rolled one.
func Hash(data []byte) chainhash.Hash {
	return chainhash.HashH(data)
}

// HashEntityId derives a deterministic EntityId from arbitrary seed bytes
// (used by the scenario harness and tests to mint entities without a real
// key ceremony).
func HashEntityId(seed []byte) EntityId {
	h := Hash(seed)
	var id EntityId
	copy(id[:], h[:])
	return id
}
