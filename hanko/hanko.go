// Package hanko implements the threshold-signature abstraction behind the
// "hanko" artifact: a verifiable bundle of per-signer
// ECDSA signatures over a canonical payload, weighted by a validator set's
// voting shares, that together attest ≥ threshold weight signed the hash.
//
// The aggregate signature scheme is deliberately replaceable; this
// package picks plain per-signer ECDSA over secp256k1 plus a weighted
// signature set over the curve the rest of the stack already carries.
package hanko

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rcpan/core/ids"
)

// ValidatorConfig describes one entity's validator set and the BFT
// threshold.
type ValidatorConfig struct {
	Mode      string // only "proposer-based" is implemented
	Threshold uint64
	Validators []ids.SignerId
	Shares     map[ids.SignerId]uint64
}

// TotalShares sums the configured voting weight.
func (vc ValidatorConfig) TotalShares() uint64 {
	var total uint64
	for _, s := range vc.Shares {
		total += s
	}
	return total
}

// MeetsThreshold reports whether the given signer set carries at least
// vc.Threshold combined weight.
func (vc ValidatorConfig) MeetsThreshold(signers map[ids.SignerId]struct{}) bool {
	var weight uint64
	for s := range signers {
		weight += vc.Shares[s]
	}
	return weight >= vc.Threshold
}

// Proposer returns the first validator in config, the only selection rule
// selection rule implemented.
func (vc ValidatorConfig) Proposer() (ids.SignerId, bool) {
	if len(vc.Validators) == 0 {
		return "", false
	}
	return vc.Validators[0], true
}

// Signature is one validator's ECDSA signature over a payload hash.
type Signature struct {
	Signer ids.SignerId
	Sig    []byte // DER-encoded ecdsa signature
}

// Hanko is a set of per-signer signatures over one canonical payload hash,
// sufficient (together with a ValidatorConfig) to prove ≥ threshold weight
// signed it. This is both the BFT precommit evidence and the
// counterparty's proof-header signature used in disputes.
type Hanko struct {
	PayloadHash chainhash.Hash
	Sigs        []Signature
}

// Weight returns the total configured share weight carried by h's distinct
// signers under vc.
func (h Hanko) Weight(vc ValidatorConfig) uint64 {
	seen := make(map[ids.SignerId]struct{}, len(h.Sigs))
	for _, s := range h.Sigs {
		seen[s.Signer] = struct{}{}
	}
	var weight uint64
	for s := range seen {
		weight += vc.Shares[s]
	}
	return weight
}

// MeetsThreshold reports whether h carries sufficient verified weight per
// vc. Callers must call Verify first; MeetsThreshold does not re-verify
// signatures, only totals configured share weight.
func (h Hanko) MeetsThreshold(vc ValidatorConfig) bool {
	return h.Weight(vc) >= vc.Threshold
}

// Signer holds a validator's private key and identity, used to produce
// Signatures. Production deployments provide keys externally; test/scenario code derives them from runtimeSeed.
type Signer struct {
	ID      ids.SignerId
	PrivKey *btcec.PrivateKey
}

// Sign produces a Signature over payloadHash.
func (s Signer) Sign(payloadHash chainhash.Hash) Signature {
	sig := ecdsa.Sign(s.PrivKey, payloadHash[:])
	return Signature{Signer: s.ID, Sig: sig.Serialize()}
}

// Verify checks a single Signature against a known public key.
func Verify(pubKey *btcec.PublicKey, payloadHash chainhash.Hash, sig Signature) bool {
	parsed, err := ecdsa.ParseDERSignature(sig.Sig)
	if err != nil {
		return false
	}
	return parsed.Verify(payloadHash[:], pubKey)
}

// VerifyAll verifies every signature in h against the supplied pubkey
// lookup, returning an error naming the first signer whose signature fails
// to verify. keys maps SignerId to its public key.
func VerifyAll(h Hanko, keys map[ids.SignerId]*btcec.PublicKey) error {
	for _, sig := range h.Sigs {
		pub, ok := keys[sig.Signer]
		if !ok {
			return fmt.Errorf("hanko: unknown signer %q", sig.Signer)
		}
		if !Verify(pub, h.PayloadHash, sig) {
			return fmt.Errorf("hanko: signature from %q does not verify", sig.Signer)
		}
	}
	return nil
}

// Merge combines two Hankos over the same payload hash into one, used when
// precommits arrive incrementally during PROPOSED. Merge is
// idempotent: re-adding a signer's existing signature does not duplicate it.
func Merge(a, b Hanko) (Hanko, error) {
	if a.PayloadHash != b.PayloadHash {
		return Hanko{}, fmt.Errorf("hanko: cannot merge over differing payloads")
	}
	out := Hanko{PayloadHash: a.PayloadHash}
	seen := make(map[ids.SignerId]Signature)
	for _, s := range a.Sigs {
		seen[s.Signer] = s
	}
	for _, s := range b.Sigs {
		seen[s.Signer] = s
	}
	for _, s := range seen {
		out.Sigs = append(out.Sigs, s)
	}
	sort.Slice(out.Sigs, func(i, j int) bool { return out.Sigs[i].Signer < out.Sigs[j].Signer })
	return out, nil
}

// CanonicalEncode produces the deterministic byte encoding of a Hanko used
// when a Hanko is itself hashed (e.g. counterpartyDisputeProofHanko embedded
// in a dispute-start on-chain call). Signers are sorted so that the same
// signature set always encodes identically regardless of arrival order.
func CanonicalEncode(h Hanko) []byte {
	sigs := make([]Signature, len(h.Sigs))
	copy(sigs, h.Sigs)
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Signer < sigs[j].Signer })

	var buf bytes.Buffer
	buf.Write(h.PayloadHash[:])
	for _, s := range sigs {
		buf.WriteString(string(s.Signer))
		buf.WriteByte(0)
		buf.Write(s.Sig)
	}
	return buf.Bytes()
}
