package entity

import (
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/rcerrors"
)

func testSigner(id string) (hanko.Signer, *btcec.PublicKey) {
	seed := ids.Hash([]byte("replica-key:" + id))
	priv, _ := btcec.PrivKeyFromBytes(seed[:])
	return hanko.Signer{ID: ids.SignerId(id), PrivKey: priv}, priv.PubKey()
}

// newTestReplicas builds one replica per validator around independent state
// copies of the same entity.
func newTestReplicas(name string, validators []string, threshold uint64) map[string]*Replica {
	id := ids.HashEntityId([]byte(name))
	vs := make([]ids.SignerId, 0, len(validators))
	shares := make(map[ids.SignerId]uint64)
	keys := make(map[ids.SignerId]*btcec.PublicKey)
	signers := make(map[string]hanko.Signer)
	for _, v := range validators {
		vs = append(vs, ids.SignerId(v))
		shares[ids.SignerId(v)] = 1
		s, pub := testSigner(name + "/" + v)
		signers[v] = s
		s.ID = ids.SignerId(v)
		signers[v] = s
		keys[ids.SignerId(v)] = pub
	}
	vc := hanko.ValidatorConfig{
		Mode: "proposer-based", Threshold: threshold,
		Validators: vs, Shares: shares,
	}
	out := make(map[string]*Replica, len(validators))
	for _, v := range validators {
		state := New(id, vc, signers[validators[0]])
		out[v] = NewReplica(state, ids.SignerId(v), signers[v], keys)
	}
	return out
}

var testToken = ids.TokenId(ids.HashEntityId([]byte("token:USDC")))

func TestSingleValidatorCommitsImmediately(t *testing.T) {
	reps := newTestReplicas("solo", []string{"s1"}, 1)
	r := reps["s1"]

	require.NoError(t, r.AddTx(EntityTx{
		Tag:          "mintReserves",
		MintReserves: &MintReservesTx{TokenId: testToken, Amount: big.NewInt(1000)},
	}))
	outputs, err := r.Tick(1)
	require.NoError(t, err)
	require.Empty(t, outputs, "mint produces no cross-entity traffic")
	require.Equal(t, uint64(1), r.State.Height)
	require.Zero(t, big.NewInt(1000).Cmp(r.State.Reserves[testToken]))
}

func TestTwoOfThreeThreshold(t *testing.T) {
	reps := newTestReplicas("multi", []string{"s1", "s2", "s3"}, 2)
	proposer := reps["s1"]

	require.NoError(t, proposer.AddTx(EntityTx{
		Tag:          "mintReserves",
		MintReserves: &MintReservesTx{TokenId: testToken, Amount: big.NewInt(7)},
	}))

	// Tick 1: proposer broadcasts PROPOSE to s2 and s3.
	outputs, err := proposer.Tick(1)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	require.Equal(t, "propose", outputs[0].Msg.Kind)
	require.Equal(t, uint64(0), proposer.State.Height, "not committed below threshold")

	// s2 responds with a precommit; s3 stays offline.
	for _, out := range outputs {
		if out.ToSigner == "s2" {
			reps["s2"].Deliver(out.Msg)
		}
	}
	pre, err := reps["s2"].Tick(2)
	require.NoError(t, err)
	require.Len(t, pre, 1)
	require.Equal(t, "precommit", pre[0].Msg.Kind)

	// Tick 3: the precommit reaches threshold; commit broadcast follows.
	proposer.Deliver(pre[0].Msg)
	commits, err := proposer.Tick(3)
	require.NoError(t, err)
	require.Equal(t, uint64(1), proposer.State.Height)
	require.Zero(t, big.NewInt(7).Cmp(proposer.State.Reserves[testToken]))

	// s2 applies the COMMIT and converges.
	for _, out := range commits {
		if out.ToSigner == "s2" {
			reps["s2"].Deliver(out.Msg)
		}
	}
	_, err = reps["s2"].Tick(4)
	require.NoError(t, err)
	require.Equal(t, uint64(1), reps["s2"].State.Height)
	require.Zero(t, big.NewInt(7).Cmp(reps["s2"].State.Reserves[testToken]))
	require.Equal(t, proposer.LastFrameHash, reps["s2"].LastFrameHash)
}

func TestCommitBelowThresholdRejected(t *testing.T) {
	reps := newTestReplicas("strict", []string{"s1", "s2", "s3"}, 2)
	proposer := reps["s1"]

	frame := &EntityFrame{Height: 1, Timestamp: 1}
	hash := frame.Hash()
	sig := proposer.Signer.Sign(hash)
	bad := hanko.Hanko{PayloadHash: hash, Sigs: []hanko.Signature{sig}}

	_, err := reps["s2"].handleCommit(Message{
		Kind:        "commit",
		CommitFrame: frame,
		CommitHanko: &bad,
	})
	require.True(t, rcerrors.Is(err, rcerrors.KindAdmission))
	require.Equal(t, uint64(0), reps["s2"].State.Height)
}

func TestDisputeGateAtAdmission(t *testing.T) {
	reps := newTestReplicas("gated", []string{"s1"}, 1)
	r := reps["s1"]
	counterparty := ids.HashEntityId([]byte("peer"))

	am := r.State.AccountFor(counterparty)
	am.Status = account.StatusDisputed

	err := r.AddTx(EntityTx{
		Tag: "directPayment",
		DirectPayment: &DirectPaymentTx{
			Route: []ids.EntityId{counterparty}, TokenId: testToken, Amount: big.NewInt(5),
		},
	})
	require.True(t, rcerrors.Is(err, rcerrors.KindDisputeGate))

	// j_event_claim still passes the gate.
	require.NoError(t, r.AddTx(EntityTx{
		Tag: "j_event_claim",
		JEventClaim: &JEventClaimEntityTx{
			Counterparty: counterparty, BlockNumber: 1, LogIndex: 0,
			Kind: "CollateralUpdated", TokenId: testToken,
			Payload: account.CollateralUpdatedEvent{
				NewCollateral: big.NewInt(0), NewOndelta: big.NewInt(0),
			},
		},
	}))
}

func TestDirectPaymentAdmissionChecksCapacity(t *testing.T) {
	reps := newTestReplicas("cap", []string{"s1"}, 1)
	r := reps["s1"]
	counterparty := ids.HashEntityId([]byte("peer"))

	err := r.AddTx(EntityTx{
		Tag: "directPayment",
		DirectPayment: &DirectPaymentTx{
			Route: []ids.EntityId{counterparty}, TokenId: testToken, Amount: big.NewInt(5),
		},
	})
	require.True(t, rcerrors.Is(err, rcerrors.KindAdmission),
		"no credit extended yet, payment exceeds outCapacity")
}

func TestCrontabHonorsMaxAcceptableFee(t *testing.T) {
	reps := newTestReplicas("feehub", []string{"s1"}, 1)
	es := reps["s1"].State
	spoke := ids.HashEntityId([]byte("spoke"))

	es.ReserveFor(testToken).SetInt64(100_000)
	am := es.AccountFor(spoke)
	d := am.DeltaFor(testToken)
	d.LeftCreditLimit.SetInt64(50_000)
	d.RightCreditLimit.SetInt64(50_000)
	// The hub owes the spoke 5,000 with no collateral behind it.
	if am.IsLeft(es.EntityId) {
		d.Offdelta.SetInt64(-5000)
	} else {
		d.Offdelta.SetInt64(5000)
	}

	es.HubRebalanceConfig = &HubRebalanceConfig{
		CrontabInterval: 30,
		MaxFeePPM:       10_000, // 1%, so funding 5,000 implies a fee of 50
		Policies: map[ids.EntityId]RebalancePolicy{
			spoke: {
				SoftLimit:        big.NewInt(1000),
				HardLimit:        big.NewInt(20_000),
				MaxAcceptableFee: big.NewInt(10),
			},
		},
	}

	// Fee of 50 exceeds the spoke's max of 10: the edge is skipped.
	_, err := es.RunHubCrontab(31)
	require.NoError(t, err)
	require.Empty(t, es.JBatchState.ReserveToCollateral)

	// With the ceiling raised the same scan funds the edge.
	policy := es.HubRebalanceConfig.Policies[spoke]
	policy.MaxAcceptableFee = big.NewInt(100)
	es.HubRebalanceConfig.Policies[spoke] = policy
	_, err = es.RunHubCrontab(62)
	require.NoError(t, err)
	require.Len(t, es.JBatchState.ReserveToCollateral, 1)
	require.Zero(t, big.NewInt(5000).Cmp(es.JBatchState.ReserveToCollateral[0].Amount))
}

func TestBatchLifecycle(t *testing.T) {
	reps := newTestReplicas("batch", []string{"s1"}, 1)
	r := reps["s1"]
	counterparty := ids.HashEntityId([]byte("peer"))

	// Queue a deposit, then broadcast.
	require.NoError(t, r.AddTx(EntityTx{
		Tag:          "mintReserves",
		MintReserves: &MintReservesTx{TokenId: testToken, Amount: big.NewInt(500)},
	}))
	_, err := r.Tick(1)
	require.NoError(t, err)

	require.NoError(t, r.AddTx(EntityTx{
		Tag: "deposit_collateral",
		DepositCollateral: &DepositCollateralTx{
			Counterparty: counterparty, TokenId: testToken, Amount: big.NewInt(200),
		},
	}))
	_, err = r.Tick(2)
	require.NoError(t, err)
	require.Len(t, r.State.JBatchState.ReserveToCollateral, 1)
	require.Zero(t, big.NewInt(300).Cmp(r.State.Reserves[testToken]))

	require.NoError(t, r.AddTx(EntityTx{Tag: "j_broadcast"}))
	_, err = r.Tick(3)
	require.NoError(t, err)
	require.True(t, r.State.JBatchState.PendingBroadcast)

	b := r.State.TakeBatch()
	require.NotNil(t, b)
	require.Equal(t, uint64(0), b.Nonce)

	// Rejection keeps the batch for retry; the nonce does not advance.
	r.State.ResolveBatch(false, nil)
	require.False(t, r.State.JBatchState.PendingBroadcast)
	require.Len(t, r.State.JBatchState.ReserveToCollateral, 1)
	require.Equal(t, BatchRejected, r.State.BatchHistory[0].Status)

	// Retry confirms; batch clears and the nonce advances.
	require.NoError(t, r.AddTx(EntityTx{Tag: "j_broadcast"}))
	_, err = r.Tick(4)
	require.NoError(t, err)
	var txHash [32]byte
	r.State.ResolveBatch(true, &txHash)
	require.Equal(t, uint64(1), r.State.JBatchState.Nonce)
	require.Empty(t, r.State.JBatchState.ReserveToCollateral)
	require.Equal(t, BatchConfirmed, r.State.BatchHistory[1].Status)
}
