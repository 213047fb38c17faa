package gossip

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
)

func testSigner(id string) (hanko.Signer, *btcec.PublicKey) {
	seed := ids.Hash([]byte("gossip-key:" + id))
	priv, _ := btcec.PrivKeyFromBytes(seed[:])
	return hanko.Signer{ID: ids.SignerId(id), PrivKey: priv}, priv.PubKey()
}

func TestEnvelopeSignVerify(t *testing.T) {
	signer, pub := testSigner("s1")
	env := &Envelope{
		From:     "s1",
		To:       "s2",
		EntityId: ids.HashEntityId([]byte("ent")),
		Payload:  entity.Message{Kind: "add_tx"},
		Nonce:    1,
	}
	SignEnvelope(env, signer)
	require.NoError(t, VerifyEnvelope(env, pub))

	// Tampering with the nonce invalidates the signature.
	env.Nonce = 2
	require.Error(t, VerifyEnvelope(env, pub))
}

func TestInProcDedup(t *testing.T) {
	tr := NewInProcTransport()
	defer tr.Stop()

	env := &Envelope{From: "s1", To: "s2", Nonce: 7}
	require.NoError(t, tr.Send(env))
	require.NoError(t, tr.Send(env), "duplicate send is silently dropped")

	received := 0
	for {
		select {
		case <-tr.Recv():
			received++
			continue
		default:
		}
		break
	}
	require.Equal(t, 1, received, "at-most-once per (from, nonce)")
}

func TestInProcDistinctNoncesDeliverBoth(t *testing.T) {
	tr := NewInProcTransport()
	defer tr.Stop()

	require.NoError(t, tr.Send(&Envelope{From: "s1", Nonce: 1}))
	require.NoError(t, tr.Send(&Envelope{From: "s1", Nonce: 2}))
	require.NoError(t, tr.Send(&Envelope{From: "s2", Nonce: 1}))

	received := 0
	for {
		select {
		case <-tr.Recv():
			received++
			continue
		default:
		}
		break
	}
	require.Equal(t, 3, received)
}
