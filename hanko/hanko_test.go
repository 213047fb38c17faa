package hanko

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/rcpan/core/ids"
)

func testSigner(t *testing.T, id string) (Signer, *btcec.PublicKey) {
	t.Helper()
	seed := ids.Hash([]byte("signer:" + id))
	priv, _ := btcec.PrivKeyFromBytes(seed[:])
	return Signer{ID: ids.SignerId(id), PrivKey: priv}, priv.PubKey()
}

func testConfig() ValidatorConfig {
	return ValidatorConfig{
		Mode:       "proposer-based",
		Threshold:  2,
		Validators: []ids.SignerId{"s1", "s2", "s3"},
		Shares:     map[ids.SignerId]uint64{"s1": 1, "s2": 1, "s3": 1},
	}
}

func TestSignAndVerify(t *testing.T) {
	s1, pub1 := testSigner(t, "s1")
	payload := ids.Hash([]byte("payload"))

	sig := s1.Sign(payload)
	require.True(t, Verify(pub1, payload, sig))

	other := ids.Hash([]byte("other"))
	require.False(t, Verify(pub1, other, sig))
}

func TestThresholdWeight(t *testing.T) {
	vc := testConfig()
	s1, _ := testSigner(t, "s1")
	s2, _ := testSigner(t, "s2")
	payload := ids.Hash([]byte("frame"))

	h := Hanko{PayloadHash: payload, Sigs: []Signature{s1.Sign(payload)}}
	require.False(t, h.MeetsThreshold(vc))

	h.Sigs = append(h.Sigs, s2.Sign(payload))
	require.True(t, h.MeetsThreshold(vc))

	// Duplicate signers carry no extra weight.
	h.Sigs = append(h.Sigs, s1.Sign(payload))
	require.Equal(t, uint64(2), h.Weight(vc))
}

func TestMergeIdempotent(t *testing.T) {
	s1, _ := testSigner(t, "s1")
	s2, _ := testSigner(t, "s2")
	payload := ids.Hash([]byte("frame"))

	a := Hanko{PayloadHash: payload, Sigs: []Signature{s1.Sign(payload)}}
	b := Hanko{PayloadHash: payload, Sigs: []Signature{s1.Sign(payload), s2.Sign(payload)}}

	merged, err := Merge(a, b)
	require.NoError(t, err)
	require.Len(t, merged.Sigs, 2)

	// Differing payloads refuse to merge.
	c := Hanko{PayloadHash: ids.Hash([]byte("else"))}
	_, err = Merge(a, c)
	require.Error(t, err)
}

func TestVerifyAll(t *testing.T) {
	s1, pub1 := testSigner(t, "s1")
	s2, pub2 := testSigner(t, "s2")
	payload := ids.Hash([]byte("frame"))

	keys := map[ids.SignerId]*btcec.PublicKey{"s1": pub1, "s2": pub2}
	h := Hanko{PayloadHash: payload, Sigs: []Signature{s1.Sign(payload), s2.Sign(payload)}}
	require.NoError(t, VerifyAll(h, keys))

	// Unknown signer fails closed.
	h.Sigs = append(h.Sigs, Signature{Signer: "s9", Sig: h.Sigs[0].Sig})
	require.Error(t, VerifyAll(h, keys))
}

func TestCanonicalEncodeOrderIndependent(t *testing.T) {
	s1, _ := testSigner(t, "s1")
	s2, _ := testSigner(t, "s2")
	payload := ids.Hash([]byte("frame"))

	a := Hanko{PayloadHash: payload, Sigs: []Signature{s1.Sign(payload), s2.Sign(payload)}}
	b := Hanko{PayloadHash: payload, Sigs: []Signature{a.Sigs[1], a.Sigs[0]}}
	require.Equal(t, CanonicalEncode(a), CanonicalEncode(b))
}

func TestProposer(t *testing.T) {
	vc := testConfig()
	p, ok := vc.Proposer()
	require.True(t, ok)
	require.Equal(t, ids.SignerId("s1"), p)

	empty := ValidatorConfig{}
	_, ok = empty.Proposer()
	require.False(t, ok)
}
