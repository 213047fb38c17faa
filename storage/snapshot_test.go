package storage

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/runtime"
)

var usdc = ids.TokenId(ids.HashEntityId([]byte("token:USDC")))

func buildEnv(t *testing.T) (*runtime.Env, ids.EntityId) {
	t.Helper()
	env := runtime.CreateEmptyEnv([32]byte{9})
	env.ScenarioMode = true

	id := ids.HashEntityId([]byte("persisted"))
	vc := hanko.ValidatorConfig{
		Mode:       "proposer-based",
		Threshold:  1,
		Validators: []ids.SignerId{"s1"},
		Shares:     map[ids.SignerId]uint64{"s1": 1},
	}
	require.NoError(t, runtime.ApplyRuntimeInput(env, runtime.RuntimeInput{
		RuntimeTxs: []runtime.RuntimeTx{{
			Kind: "importReplica", EntityId: id, SignerId: "s1", ValidatorConfig: vc,
		}},
	}))
	require.NoError(t, runtime.ApplyRuntimeInput(env, runtime.RuntimeInput{
		EntityInputs: []runtime.EntityInput{{
			EntityId: id,
			Msg: entity.Message{Kind: "add_tx", Tx: &entity.EntityTx{
				Tag:          "mintReserves",
				MintReserves: &entity.MintReservesTx{TokenId: usdc, Amount: big.NewInt(123)},
			}},
		}},
	}))
	return env, id
}

func TestSnapshotRoundTrip(t *testing.T) {
	env, id := buildEnv(t)

	meta, snaps := CaptureEnv(env)
	require.Len(t, snaps, 1)

	raw, err := snaps[0].Encode()
	require.NoError(t, err)
	decoded, err := DecodeReplicaSnapshot(raw)
	require.NoError(t, err)
	require.Equal(t, snaps[0].EntityId, decoded.EntityId)
	require.Equal(t, snaps[0].Height, decoded.Height)
	require.Zero(t, big.NewInt(123).Cmp(decoded.Reserves[usdc]))

	restored := RestoreEnv(meta, []*ReplicaSnapshot{decoded})
	require.Equal(t, env.Height, restored.Height)
	require.Equal(t, env.Timestamp, restored.Timestamp)

	rep := restored.EReplicas[runtime.ReplicaKey(id, "s1")]
	require.NotNil(t, rep)
	require.Equal(t, env.EReplicas[runtime.ReplicaKey(id, "s1")].LastFrameHash, rep.LastFrameHash)
	require.Zero(t, big.NewInt(123).Cmp(rep.State.Reserves[usdc]))
}

func TestRestoredEnvReproducesBehavior(t *testing.T) {
	env, id := buildEnv(t)
	meta, snaps := CaptureEnv(env)
	restored := RestoreEnv(meta, snaps)

	next := runtime.RuntimeInput{EntityInputs: []runtime.EntityInput{{
		EntityId: id,
		Msg: entity.Message{Kind: "add_tx", Tx: &entity.EntityTx{
			Tag:          "mintReserves",
			MintReserves: &entity.MintReservesTx{TokenId: usdc, Amount: big.NewInt(1)},
		}},
	}}}

	restored.Timestamp = env.Timestamp
	require.NoError(t, runtime.ApplyRuntimeInput(env, next))
	require.NoError(t, runtime.ApplyRuntimeInput(restored, next))

	a := env.History[len(env.History)-1].StateRoot
	b := restored.History[len(restored.History)-1].StateRoot
	require.Equal(t, a, b, "restored env diverges from the original")
}
