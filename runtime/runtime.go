// Package runtime implements the R-layer scheduler: a
// single-threaded, tick-driven loop that routes inputs to entity replicas,
// collects their outputs, hands batches to the jurisdiction replicas at
// tick boundaries, and appends one Frame per tick to a reproducible
// history.
package runtime

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/jadapter"
	"github.com/rcpan/core/rcerrors"
)

// ReplicaKey addresses one (entity, signer) replica in the env.
func ReplicaKey(e ids.EntityId, s ids.SignerId) string {
	return e.String() + ":" + string(s)
}

// RuntimeTx creates or tears down replicas.
type RuntimeTx struct {
	Kind     string // "importReplica" | "removeReplica"
	EntityId ids.EntityId
	SignerId ids.SignerId

	ValidatorConfig hanko.ValidatorConfig
}

// EntityInput routes one message to a replica. An empty SignerId addresses
// the entity's proposer.
type EntityInput struct {
	EntityId ids.EntityId
	SignerId ids.SignerId
	Msg      entity.Message
}

// RuntimeInput is the per-tick input bundle.
type RuntimeInput struct {
	RuntimeTxs   []RuntimeTx
	EntityInputs []EntityInput
}

// Frame is one tick's history record.
type Frame struct {
	Height         uint64
	Timestamp      uint64
	RuntimeTxs     []RuntimeTx
	EntityInputs   []EntityInput
	EmittedOutputs int

	// StateRoot commits each replica's height and frame-chain tip plus every
	// account's height, proof header and state hash (see stateRoot); two
	// runs with identical seeds and inputs must produce identical roots.
	StateRoot chainhash.Hash
}

// FrameLog is one per-tick error surfaced to the operator.
type FrameLog struct {
	Height  uint64
	Replica string
	Err     string
}

// GossipSender delivers outputs addressed to signers this process does not
// host. Implementations append to the remote process's
// networkInbox.
type GossipSender interface {
	SendOutput(from ids.EntityId, out entity.Output) error
}

// Env is the process-wide runtime state. It is owned
// exclusively by the R-layer during a tick; external producers enqueue into
// RuntimeInput between ticks.
type Env struct {
	EReplicas map[string]*entity.Replica
	JReplicas map[string]*jadapter.JReplica

	ActiveJurisdiction string

	Height      uint64
	Timestamp   uint64
	RuntimeSeed [32]byte

	History   []Frame
	FrameLogs []FrameLog

	// NetworkInbox holds outputs routed to local replicas, consumed at the
	// next tick.
	NetworkInbox []entity.Output

	// RuntimeInput is the next-tick buffer external producers append to.
	RuntimeInput RuntimeInput

	Gossip GossipSender

	// ScenarioMode pins Timestamp to a caller-advanced logical clock;
	// StrictScenario turns replica errors into tick aborts.
	ScenarioMode   bool
	StrictScenario bool
}

// CreateEmptyEnv returns the initial env holding seed, from which validator
// keys are derived, and empty maps.
func CreateEmptyEnv(seed [32]byte) *Env {
	return &Env{
		EReplicas:   make(map[string]*entity.Replica),
		JReplicas:   make(map[string]*jadapter.JReplica),
		RuntimeSeed: seed,
	}
}

// AddJurisdiction registers a jurisdiction replica; the first one becomes
// active.
func (env *Env) AddJurisdiction(jr *jadapter.JReplica) {
	env.JReplicas[jr.Name] = jr
	if env.ActiveJurisdiction == "" {
		env.ActiveJurisdiction = jr.Name
	}
}

// deriveSigner deterministically derives a validator's key from the runtime
// seed.
func (env *Env) deriveSigner(entityId ids.EntityId, signerId ids.SignerId) hanko.Signer {
	var buf bytes.Buffer
	buf.Write(env.RuntimeSeed[:])
	buf.Write(entityId[:])
	buf.WriteString(string(signerId))
	h := ids.Hash(buf.Bytes())
	priv, _ := btcec.PrivKeyFromBytes(h[:])
	return hanko.Signer{ID: signerId, PrivKey: priv}
}

// importReplica instantiates one validator's replica; re-importing an
// existing replica is a no-op with a warning.
func (env *Env) importReplica(tx RuntimeTx) {
	key := ReplicaKey(tx.EntityId, tx.SignerId)
	if _, exists := env.EReplicas[key]; exists {
		log.Warnf("replica %s already imported, ignoring", key)
		return
	}

	keys := make(map[ids.SignerId]*btcec.PublicKey, len(tx.ValidatorConfig.Validators))
	for _, v := range tx.ValidatorConfig.Validators {
		keys[v] = env.deriveSigner(tx.EntityId, v).PrivKey.PubKey()
	}

	signer := env.deriveSigner(tx.EntityId, tx.SignerId)
	state := entity.New(tx.EntityId, tx.ValidatorConfig, signer)
	env.EReplicas[key] = entity.NewReplica(state, tx.SignerId, signer, keys)
	log.Infof("imported replica %s (threshold %d of %d validators)",
		key, tx.ValidatorConfig.Threshold, len(tx.ValidatorConfig.Validators))
}

// RestoreReplica re-imports a replica from persisted state: construction is
// identical to importReplica (keys re-derived from the seed) and fn then
// overlays the persisted fields.
func (env *Env) RestoreReplica(entityId ids.EntityId, signerId ids.SignerId,
	vc hanko.ValidatorConfig, fn func(*entity.Replica)) {

	env.importReplica(RuntimeTx{
		Kind:            "importReplica",
		EntityId:        entityId,
		SignerId:        signerId,
		ValidatorConfig: vc,
	})
	if rep, ok := env.EReplicas[ReplicaKey(entityId, signerId)]; ok && fn != nil {
		fn(rep)
	}
}

// proposerKey finds the replica key hosting entityId's proposer, if local.
func (env *Env) proposerKey(entityId ids.EntityId) (string, bool) {
	for _, key := range env.sortedReplicaKeys() {
		rep := env.EReplicas[key]
		if rep.State.EntityId == entityId && rep.IsProposer() {
			return key, true
		}
	}
	return "", false
}

func (env *Env) sortedReplicaKeys() []string {
	keys := make([]string, 0, len(env.EReplicas))
	for k := range env.EReplicas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// routeInput appends input to its target replica's inbox, resolving an
// empty SignerId to the entity's proposer.
func (env *Env) routeInput(in EntityInput) error {
	key := ReplicaKey(in.EntityId, in.SignerId)
	if in.SignerId == "" {
		pk, ok := env.proposerKey(in.EntityId)
		if !ok {
			return rcerrors.Admission("unknown_replica", "no local proposer for entity %s", in.EntityId)
		}
		key = pk
	}
	rep, ok := env.EReplicas[key]
	if !ok {
		return rcerrors.Admission("unknown_replica", "no replica %s", key)
	}
	rep.Deliver(in.Msg)
	return nil
}

// routeOutput sends one replica output onward: local targets land in
// NetworkInbox for the next tick; remote targets go to gossip.
func (env *Env) routeOutput(from ids.EntityId, out entity.Output) {
	target := out.ToSigner
	local := false
	if target != "" {
		_, local = env.EReplicas[ReplicaKey(out.ToEntity, target)]
	} else {
		_, local = env.proposerKey(out.ToEntity)
	}
	if local {
		env.NetworkInbox = append(env.NetworkInbox, out)
		return
	}
	if env.Gossip != nil {
		if err := env.Gossip.SendOutput(from, out); err != nil {
			log.Errorf("gossip send to %s failed: %v", out.ToEntity, err)
		}
		return
	}
	log.Warnf("dropping output for %s: no local replica and no gossip", out.ToEntity)
}

// ApplyRuntimeInput advances the env exactly one tick. It is a
// function of (env, input) only: two runs with identical seeds and input
// sequences produce byte-identical histories.
func ApplyRuntimeInput(env *Env, input RuntimeInput) error {
	if !env.ScenarioMode {
		env.Timestamp++
	}
	env.Height++

	for _, tx := range input.RuntimeTxs {
		switch tx.Kind {
		case "importReplica":
			env.importReplica(tx)
		case "removeReplica":
			delete(env.EReplicas, ReplicaKey(tx.EntityId, tx.SignerId))
		default:
			log.Warnf("unknown runtimeTx kind %q", tx.Kind)
		}
	}

	for _, in := range input.EntityInputs {
		if err := env.routeInput(in); err != nil {
			env.FrameLogs = append(env.FrameLogs, FrameLog{
				Height: env.Height, Replica: ReplicaKey(in.EntityId, in.SignerId), Err: err.Error(),
			})
			if env.StrictScenario {
				return err
			}
		}
	}

	emitted := 0
	for _, key := range env.sortedReplicaKeys() {
		rep := env.EReplicas[key]
		outputs, err := rep.Tick(env.Timestamp)
		if err != nil {
			env.FrameLogs = append(env.FrameLogs, FrameLog{
				Height: env.Height, Replica: key, Err: err.Error(),
			})
			if env.StrictScenario {
				return err
			}
			if rcerrors.Is(err, rcerrors.KindFatal) {
				// Isolate the replica; the tick continues for the others.
				rep.Err = err
				DumpState(env, key, err)
			}
		}
		for _, out := range outputs {
			env.routeOutput(rep.State.EntityId, out)
			emitted++
		}
		for _, frameErr := range rep.FrameErrors {
			env.FrameLogs = append(env.FrameLogs, FrameLog{
				Height: env.Height, Replica: key, Err: frameErr,
			})
		}
		rep.FrameErrors = nil
	}

	env.collectBatches()

	frame := Frame{
		Height:         env.Height,
		Timestamp:      env.Timestamp,
		RuntimeTxs:     input.RuntimeTxs,
		EntityInputs:   input.EntityInputs,
		EmittedOutputs: emitted,
		StateRoot:      env.stateRoot(),
	}
	env.History = append(env.History, frame)
	return nil
}

// collectBatches hands every proposer's pending jBatch to the active
// jurisdiction replica's mempool.
func (env *Env) collectBatches() {
	jr, ok := env.JReplicas[env.ActiveJurisdiction]
	if !ok {
		return
	}
	for _, key := range env.sortedReplicaKeys() {
		rep := env.EReplicas[key]
		if !rep.IsProposer() {
			continue
		}
		if b := rep.State.TakeBatch(); b != nil {
			if jr.Enqueue(rep.State.EntityId, jadapter.FromBatchState(b)) {
				log.Debugf("enqueued batch nonce=%d (%d ops) for %s",
					b.Nonce, b.OpCount(), rep.State.EntityId)
			}
		}
	}
}

// Process performs one tick consuming inputs plus any accumulated
// networkInbox and runtimeInput buffers.
func Process(env *Env, inputs *RuntimeInput) error {
	combined := env.RuntimeInput
	env.RuntimeInput = RuntimeInput{}

	for _, out := range env.NetworkInbox {
		combined.EntityInputs = append(combined.EntityInputs, EntityInput{
			EntityId: out.ToEntity,
			SignerId: out.ToSigner,
			Msg:      out.Msg,
		})
	}
	env.NetworkInbox = nil

	if inputs != nil {
		combined.RuntimeTxs = append(combined.RuntimeTxs, inputs.RuntimeTxs...)
		combined.EntityInputs = append(combined.EntityInputs, inputs.EntityInputs...)
	}
	return ApplyRuntimeInput(env, combined)
}

// Idle reports whether the env has no buffered work: nothing in the
// network inbox, the next-tick buffer, or any replica inbox.
func (env *Env) Idle() bool {
	if len(env.NetworkInbox) > 0 || len(env.RuntimeInput.EntityInputs) > 0 ||
		len(env.RuntimeInput.RuntimeTxs) > 0 {
		return false
	}
	for _, rep := range env.EReplicas {
		if len(rep.Inbox) > 0 || len(rep.Mempool) > 0 {
			return false
		}
	}
	return true
}

// stateRoot hashes, in deterministic order, each replica's key, height and
// last frame hash and each of its accounts' height, proof header and state
// hash. Reserves, mempools and outbound batches are not hashed directly.
func (env *Env) stateRoot() chainhash.Hash {
	var buf bytes.Buffer
	for _, key := range env.sortedReplicaKeys() {
		rep := env.EReplicas[key]
		buf.WriteString(key)
		fmt.Fprintf(&buf, "|h=%d|", rep.State.Height)
		buf.Write(rep.LastFrameHash[:])

		counterparties := make([]ids.EntityId, 0, len(rep.State.Accounts))
		for cp := range rep.State.Accounts {
			counterparties = append(counterparties, cp)
		}
		sort.Slice(counterparties, func(i, j int) bool {
			return counterparties[i].Less(counterparties[j])
		})
		for _, cp := range counterparties {
			am := rep.State.Accounts[cp]
			buf.Write(cp[:])
			fmt.Fprintf(&buf, "|%d|%d|", am.CurrentHeight, am.ProofHeader.Nonce)
			buf.Write(am.ProofHeader.TotalDeltaHash[:])
			buf.Write(am.ProofHeader.AccountRoot[:])
			root := am.StateHash()
			buf.Write(root[:])
		}
	}
	return ids.Hash(buf.Bytes())
}
