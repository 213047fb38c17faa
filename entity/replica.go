package entity

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/delta"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/rcerrors"
)

// consensusStage tracks where a replica is in the propose/precommit/commit
// cycle.
type consensusStage uint8

const (
	stageIdle consensusStage = iota
	stageProposed
)

// Replica is one validator's live copy of an entity: the EntityState it
// replicates, this validator's signing identity, and the in-flight consensus
// round.
type Replica struct {
	State    *EntityState
	SignerID ids.SignerId
	Signer   hanko.Signer

	// Keys maps every validator in the config to its public key, used to
	// verify precommits and commit hankos from peers.
	Keys map[ids.SignerId]*btcec.PublicKey

	// Mempool holds admitted-but-uncommitted entity-txs awaiting the next
	// proposal round.
	Mempool []EntityTx

	// Inbox is this replica's per-tick message queue, filled by the R-layer
	// before Tick runs.
	Inbox []Message

	stage        consensusStage
	pendingFrame *EntityFrame
	collected    hanko.Hanko

	// LastFrameHash chains committed frames.
	LastFrameHash chainhash.Hash

	// Err marks a replica that was isolated after a Fatal handler error.
	// A marked replica drops further inputs
	// until the operator clears it.
	Err error

	// FrameErrors collects per-tx failures inside committed frames; the
	// R-layer drains them into the env's frameLogs each tick so a tx that
	// passed admission but failed later is never silently dropped.
	FrameErrors []string
}

// NewReplica wires a validator's replica around state.
func NewReplica(state *EntityState, signerID ids.SignerId, signer hanko.Signer,
	keys map[ids.SignerId]*btcec.PublicKey) *Replica {

	return &Replica{
		State:    state,
		SignerID: signerID,
		Signer:   signer,
		Keys:     keys,
	}
}

// IsProposer reports whether this validator is the entity's proposer.
func (r *Replica) IsProposer() bool {
	p, ok := r.State.ValidatorConfig.Proposer()
	return ok && p == r.SignerID
}

// txCounterparty extracts the edge a tx targets, if it targets one.
func txCounterparty(tx EntityTx) (ids.EntityId, bool) {
	switch {
	case tx.OpenAccount != nil:
		return tx.OpenAccount.Counterparty, true
	case tx.ExtendCredit != nil:
		return tx.ExtendCredit.Counterparty, true
	case tx.SetCreditLimit != nil:
		return tx.SetCreditLimit.Counterparty, true
	case tx.DirectPayment != nil && len(tx.DirectPayment.Route) > 0:
		return tx.DirectPayment.Route[0], true
	case tx.SettleOp != nil:
		return tx.SettleOp.Counterparty, true
	case tx.DepositCollateral != nil:
		return tx.DepositCollateral.Counterparty, true
	case tx.SendRebalanceQuote != nil:
		return tx.SendRebalanceQuote.Counterparty, true
	case tx.AcceptRebalanceQuote != nil:
		return tx.AcceptRebalanceQuote.Counterparty, true
	case tx.PlaceSwapOffer != nil:
		return tx.PlaceSwapOffer.Counterparty, true
	case tx.CancelSwapOffer != nil:
		return tx.CancelSwapOffer.Counterparty, true
	case tx.DisputeStart != nil:
		return tx.DisputeStart.Counterparty, true
	case tx.DisputeFinalize != nil:
		return tx.DisputeFinalize.Counterparty, true
	case tx.ReopenDisputed != nil:
		return tx.ReopenDisputed.Counterparty, true
	case tx.JEventClaim != nil && !tx.JEventClaim.Counterparty.IsZero():
		return tx.JEventClaim.Counterparty, true
	}
	return ids.EntityId{}, false
}

// AddTx admits tx into the replica's mempool. Rejections surface as errors,
// not silent drops.
func (r *Replica) AddTx(tx EntityTx) error {
	if err := r.admitTx(tx); err != nil {
		log.Debugf("entity %s: tx %q rejected at admission: %v",
			r.State.EntityId, tx.Tag, err)
		return err
	}
	r.Mempool = append(r.Mempool, tx)
	return nil
}

// admitTx runs the local-state admission predicates: the
// strict dispute gate, and per-tag preconditions such as directPayment's
// outCapacity check (net of holds; refused outright while a frame is in
// flight on the edge).
func (r *Replica) admitTx(tx EntityTx) error {
	if cp, ok := txCounterparty(tx); ok {
		if am, exists := r.State.Accounts[cp]; exists && am.Status == account.StatusDisputed {
			switch tx.Tag {
			case "j_event_claim", "reopen_disputed", "disputeFinalize":
			default:
				return rcerrors.DisputeGate("tx %q targets disputed edge with %s", tx.Tag, cp)
			}
		}
	}

	if tx.Tag == "directPayment" {
		p := tx.DirectPayment
		if p == nil || len(p.Route) == 0 {
			return rcerrors.Admission("malformed", "directPayment requires a non-empty route")
		}
		am := r.State.AccountFor(p.Route[0])
		if am.PendingFrame != nil {
			return rcerrors.Admission("pending_frame", "edge with %s has a frame in flight", p.Route[0])
		}
		d := am.DeltaFor(p.TokenId)
		capacity := delta.Derive(d, am.IsLeft(r.State.EntityId)).OutCapacity
		if p.Amount.Cmp(capacity) > 0 {
			return rcerrors.Admission("outCapacity", "payment %s exceeds outCapacity %s", p.Amount, capacity)
		}
	}
	return nil
}

// Deliver queues msg for the next Tick.
func (r *Replica) Deliver(msg Message) {
	r.Inbox = append(r.Inbox, msg)
}

// Tick advances this replica one R-layer tick: drain the
// inbox, then (proposer only) start a proposal round if the mempool is
// non-empty and no round is in flight, then run the hub crontab.
func (r *Replica) Tick(now uint64) ([]Output, error) {
	if r.Err != nil {
		r.Inbox = nil
		return nil, nil
	}
	r.State.Timestamp = now

	var outputs []Output
	inbox := r.Inbox
	r.Inbox = nil
	for _, msg := range inbox {
		out, err := r.handleMessage(msg)
		outputs = append(outputs, out...)
		if err != nil {
			return outputs, err
		}
	}

	if r.IsProposer() && r.stage == stageIdle && len(r.Mempool) > 0 {
		out, err := r.propose(now)
		outputs = append(outputs, out...)
		if err != nil {
			return outputs, err
		}
	}

	if r.IsProposer() {
		out, err := r.State.RunHubCrontab(now)
		outputs = append(outputs, out...)
		if err != nil {
			return outputs, err
		}
	}

	return outputs, nil
}

// propose builds an EntityFrame from the mempool, signs it, and either
// commits immediately (proposer alone meets threshold) or
// broadcasts a PROPOSE to the other validators.
func (r *Replica) propose(now uint64) ([]Output, error) {
	frame := &EntityFrame{
		Height:    r.State.Height + 1,
		Timestamp: now,
		PrevHash:  r.LastFrameHash,
		Txs:       append([]EntityTx(nil), r.Mempool...),
	}
	r.Mempool = nil

	hash := frame.Hash()
	sig := r.Signer.Sign(hash)
	r.collected = hanko.Hanko{PayloadHash: hash, Sigs: []hanko.Signature{sig}}
	r.pendingFrame = frame
	r.stage = stageProposed

	if r.collected.MeetsThreshold(r.State.ValidatorConfig) {
		return r.commitPending()
	}

	var outputs []Output
	for _, v := range r.State.ValidatorConfig.Validators {
		if v == r.SignerID {
			continue
		}
		outputs = append(outputs, Output{
			ToEntity: r.State.EntityId,
			ToSigner: v,
			Msg: Message{
				Kind:        "propose",
				Frame:       frame,
				ProposerSig: &sig,
				Signer:      r.SignerID,
			},
		})
	}
	log.Debugf("entity %s: proposed frame height=%d txs=%d",
		r.State.EntityId, frame.Height, len(frame.Txs))
	return outputs, nil
}

// handleMessage dispatches one inbox entry: intra-entity consensus traffic
// or a cross-entity A-frame message.
func (r *Replica) handleMessage(msg Message) ([]Output, error) {
	switch msg.Kind {
	case "add_tx":
		// A user command or adapter-synthesized tx entering the mempool.
		if msg.Tx == nil {
			return nil, rcerrors.Admission("malformed", "add_tx missing tx")
		}
		return nil, r.AddTx(*msg.Tx)
	case "propose":
		return r.handlePropose(msg)
	case "precommit":
		return r.handlePrecommit(msg)
	case "commit":
		return r.handleCommit(msg)
	default:
		// Cross-entity traffic (account_propose, account_ack,
		// rebalance_policy) is addressed to the entity's proposer replica.
		out, err := r.State.ReceiveMessage(msg)
		if err != nil {
			return out, err
		}
		return out, nil
	}
}

// handlePropose is the validator side of a PROPOSE: re-check the height
// chain, sign the frame hash, and return a precommit to the proposer.
func (r *Replica) handlePropose(msg Message) ([]Output, error) {
	if msg.Frame == nil || msg.ProposerSig == nil {
		return nil, rcerrors.Admission("malformed", "propose missing frame or signature")
	}
	frame := msg.Frame
	if frame.Height != r.State.Height+1 {
		return nil, rcerrors.New(rcerrors.KindConsensusMismatch, "height",
			"propose height %d, expected %d", frame.Height, r.State.Height+1)
	}
	if frame.PrevHash != r.LastFrameHash {
		return nil, rcerrors.New(rcerrors.KindConsensusMismatch, "prevHash",
			"propose chains to a different frame")
	}
	hash := frame.Hash()
	if pub, ok := r.Keys[msg.Signer]; ok {
		if !hanko.Verify(pub, hash, *msg.ProposerSig) {
			return nil, rcerrors.Admission("signature", "proposer signature does not verify")
		}
	}
	sig := r.Signer.Sign(hash)
	return []Output{{
		ToEntity: r.State.EntityId,
		ToSigner: msg.Signer,
		Msg: Message{
			Kind:         "precommit",
			PrecommitSig: &sig,
			Signer:       r.SignerID,
		},
	}}, nil
}

// handlePrecommit is the proposer side: accumulate weight; at threshold,
// commit and broadcast COMMIT to the other validators.
func (r *Replica) handlePrecommit(msg Message) ([]Output, error) {
	if r.stage != stageProposed || r.pendingFrame == nil {
		// Late precommit after commit; harmless.
		return nil, nil
	}
	if msg.PrecommitSig == nil {
		return nil, rcerrors.Admission("malformed", "precommit missing signature")
	}
	if pub, ok := r.Keys[msg.Signer]; ok {
		if !hanko.Verify(pub, r.collected.PayloadHash, *msg.PrecommitSig) {
			return nil, rcerrors.Admission("signature", "precommit from %q does not verify", msg.Signer)
		}
	}
	merged, err := hanko.Merge(r.collected, hanko.Hanko{
		PayloadHash: r.collected.PayloadHash,
		Sigs:        []hanko.Signature{*msg.PrecommitSig},
	})
	if err != nil {
		return nil, rcerrors.Wrap(rcerrors.KindConsensusMismatch, "precommit_merge", err)
	}
	r.collected = merged

	if !r.collected.MeetsThreshold(r.State.ValidatorConfig) {
		return nil, nil
	}
	return r.commitPending()
}

// commitPending applies the pending frame, emits COMMITs to peers, and
// resets the round.
func (r *Replica) commitPending() ([]Output, error) {
	frame := r.pendingFrame
	commitHanko := r.collected

	outputs, err := r.applyFrame(frame, true)
	if err != nil {
		return outputs, err
	}
	for _, v := range r.State.ValidatorConfig.Validators {
		if v == r.SignerID {
			continue
		}
		outputs = append(outputs, Output{
			ToEntity: r.State.EntityId,
			ToSigner: v,
			Msg: Message{
				Kind:        "commit",
				CommitFrame: frame,
				CommitHanko: &commitHanko,
			},
		})
	}
	r.stage = stageIdle
	r.pendingFrame = nil
	r.collected = hanko.Hanko{}
	return outputs, nil
}

// handleCommit is the validator side of a COMMIT: verify the hanko carries
// threshold weight over the frame hash, then apply the frame locally.
// Validators apply side effects to stay in sync but suppress cross-entity
// outputs; only the proposer speaks for the entity.
func (r *Replica) handleCommit(msg Message) ([]Output, error) {
	if msg.CommitFrame == nil || msg.CommitHanko == nil {
		return nil, rcerrors.Admission("malformed", "commit missing frame or hanko")
	}
	frame := msg.CommitFrame
	if frame.Height != r.State.Height+1 {
		// Replayed commit for a frame this replica already holds.
		if frame.Height <= r.State.Height {
			return nil, nil
		}
		return nil, rcerrors.New(rcerrors.KindConsensusMismatch, "height",
			"commit height %d, expected %d", frame.Height, r.State.Height+1)
	}
	hash := frame.Hash()
	if msg.CommitHanko.PayloadHash != hash {
		return nil, rcerrors.New(rcerrors.KindConsensusMismatch, "hash",
			"commit hanko signs a different frame")
	}
	if err := hanko.VerifyAll(*msg.CommitHanko, r.Keys); err != nil {
		return nil, rcerrors.Wrap(rcerrors.KindAdmission, "hanko", err)
	}
	if !msg.CommitHanko.MeetsThreshold(r.State.ValidatorConfig) {
		return nil, rcerrors.Admission("threshold", "commit hanko below threshold weight")
	}
	_, err := r.applyFrame(frame, false)
	return nil, err
}

// applyFrame runs every tx handler in order and advances the replica's height and frame chain.
func (r *Replica) applyFrame(frame *EntityFrame, emitOutputs bool) ([]Output, error) {
	var outputs []Output
	for _, tx := range frame.Txs {
		out, err := r.State.applyEntityTx(tx)
		if err != nil {
			// Admission-class failures inside a committed frame surface in
			// frameLogs; they do not abort the rest of the frame.
			if rcErr, ok := err.(*rcerrors.Error); ok && rcErr.Kind != rcerrors.KindFatal {
				log.Warnf("entity %s: tx %q failed in frame %d: %v",
					r.State.EntityId, tx.Tag, frame.Height, err)
				r.FrameErrors = append(r.FrameErrors, err.Error())
				continue
			}
			return outputs, err
		}
		if emitOutputs {
			outputs = append(outputs, out...)
		}
	}
	r.State.Height = frame.Height
	r.LastFrameHash = frame.Hash()
	return outputs, nil
}
