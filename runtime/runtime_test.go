package runtime

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
)

var testToken = ids.TokenId(ids.HashEntityId([]byte("token:USDC")))

func soloConfig(signer string) hanko.ValidatorConfig {
	return hanko.ValidatorConfig{
		Mode:       "proposer-based",
		Threshold:  1,
		Validators: []ids.SignerId{ids.SignerId(signer)},
		Shares:     map[ids.SignerId]uint64{ids.SignerId(signer): 1},
	}
}

func importTx(name, signer string) (RuntimeTx, ids.EntityId) {
	id := ids.HashEntityId([]byte(name))
	return RuntimeTx{
		Kind:            "importReplica",
		EntityId:        id,
		SignerId:        ids.SignerId(signer),
		ValidatorConfig: soloConfig(signer),
	}, id
}

func TestImportReplicaIdempotent(t *testing.T) {
	env := CreateEmptyEnv([32]byte{1})
	env.ScenarioMode = true

	tx, id := importTx("ent", "s1")
	require.NoError(t, ApplyRuntimeInput(env, RuntimeInput{RuntimeTxs: []RuntimeTx{tx}}))
	require.Len(t, env.EReplicas, 1)

	rep := env.EReplicas[ReplicaKey(id, "s1")]
	require.NotNil(t, rep)

	// Re-import is a no-op: the existing replica instance survives.
	require.NoError(t, ApplyRuntimeInput(env, RuntimeInput{RuntimeTxs: []RuntimeTx{tx}}))
	require.Len(t, env.EReplicas, 1)
	require.Same(t, rep, env.EReplicas[ReplicaKey(id, "s1")])
}

func TestFrameHistoryMonotoneAndRecorded(t *testing.T) {
	env := CreateEmptyEnv([32]byte{2})
	env.ScenarioMode = true

	tx, id := importTx("ent", "s1")
	require.NoError(t, ApplyRuntimeInput(env, RuntimeInput{RuntimeTxs: []RuntimeTx{tx}}))

	in := EntityInput{
		EntityId: id,
		Msg: entity.Message{Kind: "add_tx", Tx: &entity.EntityTx{
			Tag:          "mintReserves",
			MintReserves: &entity.MintReservesTx{TokenId: testToken, Amount: big.NewInt(5)},
		}},
	}
	require.NoError(t, ApplyRuntimeInput(env, RuntimeInput{EntityInputs: []EntityInput{in}}))

	require.Len(t, env.History, 2)
	require.Equal(t, uint64(1), env.History[0].Height)
	require.Equal(t, uint64(2), env.History[1].Height)
	require.Len(t, env.History[1].EntityInputs, 1)
}

func TestDeterministicStateRoots(t *testing.T) {
	run := func() *Env {
		env := CreateEmptyEnv([32]byte{3})
		env.ScenarioMode = true
		tx, id := importTx("ent", "s1")
		ApplyRuntimeInput(env, RuntimeInput{RuntimeTxs: []RuntimeTx{tx}})
		in := EntityInput{
			EntityId: id,
			Msg: entity.Message{Kind: "add_tx", Tx: &entity.EntityTx{
				Tag:          "mintReserves",
				MintReserves: &entity.MintReservesTx{TokenId: testToken, Amount: big.NewInt(42)},
			}},
		}
		ApplyRuntimeInput(env, RuntimeInput{EntityInputs: []EntityInput{in}})
		return env
	}

	a, b := run(), run()
	require.Equal(t, len(a.History), len(b.History))
	for i := range a.History {
		require.Equal(t, a.History[i].StateRoot, b.History[i].StateRoot)
	}
}

func TestUnroutableInputSurfacesInFrameLogs(t *testing.T) {
	env := CreateEmptyEnv([32]byte{4})
	env.ScenarioMode = true

	in := EntityInput{
		EntityId: ids.HashEntityId([]byte("ghost")),
		Msg:      entity.Message{Kind: "add_tx", Tx: &entity.EntityTx{Tag: "j_broadcast"}},
	}
	require.NoError(t, ApplyRuntimeInput(env, RuntimeInput{EntityInputs: []EntityInput{in}}))
	require.NotEmpty(t, env.FrameLogs, "misrouted input is logged, not dropped")
}

func TestStrictScenarioAbortsTick(t *testing.T) {
	env := CreateEmptyEnv([32]byte{5})
	env.ScenarioMode = true
	env.StrictScenario = true

	in := EntityInput{
		EntityId: ids.HashEntityId([]byte("ghost")),
		Msg:      entity.Message{Kind: "add_tx"},
	}
	require.Error(t, ApplyRuntimeInput(env, RuntimeInput{EntityInputs: []EntityInput{in}}))
}

func TestRemoveReplica(t *testing.T) {
	env := CreateEmptyEnv([32]byte{6})
	env.ScenarioMode = true

	tx, id := importTx("ent", "s1")
	require.NoError(t, ApplyRuntimeInput(env, RuntimeInput{RuntimeTxs: []RuntimeTx{tx}}))
	require.NoError(t, ApplyRuntimeInput(env, RuntimeInput{RuntimeTxs: []RuntimeTx{{
		Kind:     "removeReplica",
		EntityId: id,
		SignerId: "s1",
	}}}))
	require.Empty(t, env.EReplicas)
}

func TestProcessDrainsNetworkInbox(t *testing.T) {
	env := CreateEmptyEnv([32]byte{7})
	env.ScenarioMode = true

	txA, a := importTx("a", "s1")
	txB, b := importTx("b", "s1")
	require.NoError(t, ApplyRuntimeInput(env, RuntimeInput{RuntimeTxs: []RuntimeTx{txA, txB}}))

	// a opens an account with b; the resulting cross-entity traffic rides
	// the network inbox across ticks until both converge.
	env.RuntimeInput.EntityInputs = append(env.RuntimeInput.EntityInputs, EntityInput{
		EntityId: a,
		Msg: entity.Message{Kind: "add_tx", Tx: &entity.EntityTx{
			Tag:         "openAccount",
			OpenAccount: &entity.OpenAccountTx{Counterparty: b},
		}},
	})
	for i := 0; i < 5; i++ {
		require.NoError(t, Process(env, nil))
		if env.Idle() {
			break
		}
	}
	require.NotNil(t, env.EReplicas[ReplicaKey(a, "s1")].State.Accounts[b])
}
