// Package scenario is the scripted test harness: a seeded env in scenario
// mode, a synthesized jurisdiction with debugFundReserves and
// deterministic mining, scripted entity inputs, and logical-time
// advancement. The scenario suites in this package's tests are driven
// entirely through it.
package scenario

import (
	"context"
	"math/big"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/delta"
	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/jadapter"
	"github.com/rcpan/core/runtime"
)

// Harness drives one scripted network.
type Harness struct {
	Env *runtime.Env
	Sim *jadapter.SimAdapter
	JR  *jadapter.JReplica

	// Clock is the logical time in seconds; scenario mode pins
	// env.Timestamp to it.
	Clock uint64

	ctx context.Context
}

// New builds an empty scenario env with the given seed byte and simulated
// dispute window.
func New(seed byte, disputeTimeout uint64) *Harness {
	var s [32]byte
	s[0] = seed
	env := runtime.CreateEmptyEnv(s)
	env.ScenarioMode = true

	sim := jadapter.NewSimAdapter(disputeTimeout)
	jr := jadapter.NewJReplica("sim", sim)
	env.AddJurisdiction(jr)

	return &Harness{Env: env, Sim: sim, JR: jr, ctx: context.Background()}
}

// ImportEntity registers an entity whose id is derived from name, importing
// a replica for each hosted signer. Validators not in hosted stay
// configured but offline. Every validator carries share weight 1.
func (h *Harness) ImportEntity(name string, validators, hosted []string, threshold uint64) ids.EntityId {
	id := ids.HashEntityId([]byte(name))
	vs := make([]ids.SignerId, 0, len(validators))
	shares := make(map[ids.SignerId]uint64, len(validators))
	for _, v := range validators {
		vs = append(vs, ids.SignerId(v))
		shares[ids.SignerId(v)] = 1
	}
	vc := hanko.ValidatorConfig{
		Mode:       "proposer-based",
		Threshold:  threshold,
		Validators: vs,
		Shares:     shares,
	}
	for _, signer := range hosted {
		h.Env.RuntimeInput.RuntimeTxs = append(h.Env.RuntimeInput.RuntimeTxs, runtime.RuntimeTx{
			Kind:            "importReplica",
			EntityId:        id,
			SignerId:        ids.SignerId(signer),
			ValidatorConfig: vc,
		})
	}
	return id
}

// Submit queues one entity-tx for the entity's proposer at the next tick.
func (h *Harness) Submit(e ids.EntityId, tx entity.EntityTx) {
	h.Env.RuntimeInput.EntityInputs = append(h.Env.RuntimeInput.EntityInputs, runtime.EntityInput{
		EntityId: e,
		Msg:      entity.Message{Kind: "add_tx", Tx: &tx},
	})
}

// SubmitTo queues one entity-tx for a specific validator's replica.
func (h *Harness) SubmitTo(e ids.EntityId, signer string, tx entity.EntityTx) {
	h.Env.RuntimeInput.EntityInputs = append(h.Env.RuntimeInput.EntityInputs, runtime.EntityInput{
		EntityId: e,
		SignerId: ids.SignerId(signer),
		Msg:      entity.Message{Kind: "add_tx", Tx: &tx},
	})
}

// Tick advances logical time one second and runs one runtime tick, then
// submits any batches the tick queued.
func (h *Harness) Tick() {
	h.Clock++
	h.Env.Timestamp = h.Clock
	runtime.Process(h.Env, nil)
	results := h.JR.SubmitAll(h.ctx)
	runtime.ApplyBatchResults(h.Env, results)
}

// Converge ticks until the env is idle, bounded by max.
func (h *Harness) Converge(max int) {
	for i := 0; i < max; i++ {
		h.Tick()
		if h.Env.Idle() {
			return
		}
	}
}

// AdvanceTime jumps the logical clock forward without ticking.
func (h *Harness) AdvanceTime(secs uint64) {
	h.Clock += secs
}

// Mine finalizes n simulated blocks and delivers the fresh events into the
// next tick's input buffer.
func (h *Harness) Mine(n uint64) {
	h.Sim.Mine(n)
	events, err := h.JR.PollEvents(h.ctx)
	if err != nil {
		panic(err)
	}
	runtime.DeliverEvents(h.Env, events)
}

// Fund mints on-chain reserves for an entity (mined and claimed by the
// caller via Mine + Converge).
func (h *Harness) Fund(e ids.EntityId, token ids.TokenId, amount *big.Int) {
	if err := h.Sim.DebugFundReserves(h.ctx, e, token, amount); err != nil {
		panic(err)
	}
}

// Proposer returns the proposer replica hosting e.
func (h *Harness) Proposer(e ids.EntityId) *entity.Replica {
	for _, rep := range h.Env.EReplicas {
		if rep.State.EntityId == e && rep.IsProposer() {
			return rep
		}
	}
	return nil
}

// Account returns of's view of its edge with counterparty.
func (h *Harness) Account(of, counterparty ids.EntityId) *accountView {
	rep := h.Proposer(of)
	if rep == nil {
		return nil
	}
	am, ok := rep.State.Accounts[counterparty]
	if !ok {
		return nil
	}
	return &accountView{h: h, of: of, Machine: am}
}

// accountView bundles an AccountMachine with viewer context.
type accountView struct {
	h  *Harness
	of ids.EntityId

	Machine *account.AccountMachine
}

// View derives the viewer-relative capacity view for a token.
func (v *accountView) View(token ids.TokenId) delta.View {
	d := v.Machine.DeltaFor(token)
	return delta.Derive(d, v.Machine.IsLeft(v.of))
}

// Token returns a deterministic token id from a name.
func Token(name string) ids.TokenId {
	return ids.TokenId(ids.HashEntityId([]byte("token:" + name)))
}

// Amount is shorthand for big-integer literals in token base units.
func Amount(v int64) *big.Int {
	return big.NewInt(v)
}

// Units scales v by 10^18, the token base-unit convention.
func Units(v int64) *big.Int {
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(v), exp)
}

// LastStateRoot returns the most recent history frame's state root.
func (h *Harness) LastStateRoot() [32]byte {
	if len(h.Env.History) == 0 {
		return [32]byte{}
	}
	return h.Env.History[len(h.Env.History)-1].StateRoot
}
