// Package storage defines the serialized shape of the core's persisted
// state shared by the embedded (boltsnap) and relational
// (sqlstore) backends: a gob-encoded snapshot per replica plus env-level
// metadata. Reopening from a snapshot and replaying the same future inputs
// reproduces the same behavior because every field the state machines read
// is captured and signer keys are re-derived from the runtime seed.
package storage

import (
	"bytes"
	"encoding/gob"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/delta"
	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/runtime"
)

func init() {
	// j_event_claim payloads travel as interface values; gob needs the
	// concrete event types registered.
	gob.Register(account.CollateralUpdatedEvent{})
	gob.Register(account.SettlementProcessedEvent{})
	gob.Register(account.DisputeStartedEvent{})
	gob.Register(account.DisputeFinalizedEvent{})
	gob.Register(entity.ReserveUpdatedEvent{})
	gob.Register(delta.SettlementDiff{})
}

// EnvMeta is the env-level persisted state.
type EnvMeta struct {
	RuntimeSeed        [32]byte
	Height             uint64
	Timestamp          uint64
	ActiveJurisdiction string
	LastBlock          uint64
	LastLogIndex       uint32
}

// ReplicaSnapshot is one (entity, signer) replica's persisted state: validator config, reserves, every account machine with its full
// deltas, proof header, frame history and dispute hanko, the outbound
// jBatchState, and the admitted-but-uncommitted mempool.
type ReplicaSnapshot struct {
	EntityId ids.EntityId
	SignerId ids.SignerId
	Config   hanko.ValidatorConfig

	Height        uint64
	Timestamp     uint64
	LastFrameHash chainhash.Hash

	Reserves map[ids.TokenId]*big.Int
	Accounts map[ids.EntityId]*account.AccountMachine

	JBatch       entity.JBatchState
	BatchHistory []entity.BatchHistoryEntry
	JBlock       uint64

	Mempool   []entity.EntityTx
	HubConfig *entity.HubRebalanceConfig
}

// CaptureReplica snapshots one live replica between ticks. In-flight
// consensus rounds are not captured; snapshots are taken at tick boundaries
// where rounds are quiescent.
func CaptureReplica(rep *entity.Replica) *ReplicaSnapshot {
	return &ReplicaSnapshot{
		EntityId:      rep.State.EntityId,
		SignerId:      rep.SignerID,
		Config:        rep.State.ValidatorConfig,
		Height:        rep.State.Height,
		Timestamp:     rep.State.Timestamp,
		LastFrameHash: rep.LastFrameHash,
		Reserves:      rep.State.Reserves,
		Accounts:      rep.State.Accounts,
		JBatch:        rep.State.JBatchState,
		BatchHistory:  rep.State.BatchHistory,
		JBlock:        rep.State.JBlock,
		Mempool:       rep.Mempool,
		HubConfig:     rep.State.HubRebalanceConfig,
	}
}

// Encode serializes a snapshot to bytes.
func (s *ReplicaSnapshot) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeReplicaSnapshot reverses Encode.
func DecodeReplicaSnapshot(raw []byte) (*ReplicaSnapshot, error) {
	var s ReplicaSnapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CaptureEnv snapshots the env-level metadata and every replica.
func CaptureEnv(env *runtime.Env) (EnvMeta, []*ReplicaSnapshot) {
	meta := EnvMeta{
		RuntimeSeed:        env.RuntimeSeed,
		Height:             env.Height,
		Timestamp:          env.Timestamp,
		ActiveJurisdiction: env.ActiveJurisdiction,
	}
	if jr, ok := env.JReplicas[env.ActiveJurisdiction]; ok {
		meta.LastBlock = jr.LastBlock
		meta.LastLogIndex = jr.LastLogIndex
	}
	var snaps []*ReplicaSnapshot
	for _, rep := range env.EReplicas {
		snaps = append(snaps, CaptureReplica(rep))
	}
	return meta, snaps
}

// RestoreEnv rebuilds an env from persisted state. Signer keys are
// re-derived from the runtime seed, exactly as the original import did.
func RestoreEnv(meta EnvMeta, snaps []*ReplicaSnapshot) *runtime.Env {
	env := runtime.CreateEmptyEnv(meta.RuntimeSeed)
	env.Height = meta.Height
	env.Timestamp = meta.Timestamp
	env.ActiveJurisdiction = meta.ActiveJurisdiction
	for _, s := range snaps {
		env.RestoreReplica(s.EntityId, s.SignerId, s.Config, func(rep *entity.Replica) {
			rep.State.Height = s.Height
			rep.State.Timestamp = s.Timestamp
			rep.LastFrameHash = s.LastFrameHash
			if s.Reserves != nil {
				rep.State.Reserves = s.Reserves
			}
			if s.Accounts != nil {
				rep.State.Accounts = s.Accounts
			}
			rep.State.JBatchState = s.JBatch
			rep.State.BatchHistory = s.BatchHistory
			rep.State.JBlock = s.JBlock
			rep.Mempool = s.Mempool
			rep.State.HubRebalanceConfig = s.HubConfig
		})
	}
	return env
}
