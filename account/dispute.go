package account

import (
	"math/big"

	"github.com/rcpan/core/delta"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/rcerrors"
)

func (am *AccountMachine) applyDisputeStart(tx AccountTx) error {
	if tx.DisputeStart == nil {
		return rcerrors.Admission("malformed", "dispute_start missing payload")
	}
	if am.Status != StatusActive {
		return rcerrors.DisputeGate("dispute_start requires an active edge")
	}
	// Freeze the edge in the same tick it executes: clear any
	// in-flight frame/input immediately, before the on-chain tx is even
	// built by the caller.
	am.Status = StatusDisputed
	am.PendingFrame = nil
	am.PendingAccountInput = nil
	return nil
}

// applyDisputeFinalize resumes the edge with the chain's final ondelta and
// collateral split. The timeout itself is chain-enforced: the
// DisputeFinalized event that feeds this handler only exists once the
// window has expired, so the ingest path below is the canonical caller.
func (am *AccountMachine) applyDisputeFinalize(tx AccountTx) error {
	if tx.DisputeFinalize == nil {
		return rcerrors.Admission("malformed", "dispute_finalize missing payload")
	}
	if am.ActiveDispute == nil {
		return rcerrors.Admission("no_active_dispute", "dispute_finalize requires an observed DisputeStarted")
	}
	p := tx.DisputeFinalize
	d := am.DeltaFor(p.TokenId)
	d.Ondelta.Set(p.FinalOndelta)
	d.Collateral.Set(p.FinalCollateral)
	am.ActiveDispute = nil
	am.Status = StatusActive
	// proofHeader.nonce must be onChainSettlementNonce+1 after finalize.
	am.OnChainSettlementNonce++
	am.ProofHeader.Nonce = am.OnChainSettlementNonce + 1
	return nil
}

// applyJEventClaim ingests one finalized on-chain event, idempotently per
// (blockNumber, logIndex).
func (am *AccountMachine) applyJEventClaim(tx AccountTx) error {
	if tx.JEventClaim == nil {
		return rcerrors.Admission("malformed", "j_event_claim missing payload")
	}
	p := tx.JEventClaim
	key := jEventKey{BlockNumber: p.BlockNumber, LogIndex: p.LogIndex}
	if am.ClaimedJEvents == nil {
		am.ClaimedJEvents = make(map[jEventKey]bool)
	}
	if _, seen := am.ClaimedJEvents[key]; seen {
		return nil
	}

	switch p.Kind {
	case "CollateralUpdated":
		ev, ok := p.Payload.(CollateralUpdatedEvent)
		if !ok {
			return rcerrors.Admission("malformed", "CollateralUpdated payload has wrong type")
		}
		d := am.DeltaFor(p.TokenId)
		d.Collateral.Set(ev.NewCollateral)
		d.Ondelta.Set(ev.NewOndelta)

	case "SettlementProcessed":
		ev, ok := p.Payload.(SettlementProcessedEvent)
		if !ok {
			return rcerrors.Admission("malformed", "SettlementProcessed payload has wrong type")
		}
		am.ApplyCompiledSettlement(ev.Diffs)

	case "DisputeStarted":
		ev, ok := p.Payload.(DisputeStartedEvent)
		if !ok {
			return rcerrors.Admission("malformed", "DisputeStarted payload has wrong type")
		}
		am.Status = StatusDisputed
		am.PendingFrame = nil
		am.PendingAccountInput = nil
		am.ActiveDispute = &ActiveDispute{
			TokenId:             p.TokenId,
			DisputeTimeoutBlock: ev.DisputeTimeoutBlock,
			ChallengerHanko:     ev.ChallengerHanko,
			StartedAtHeight:     am.CurrentHeight,
		}

	case "DisputeFinalized":
		ev, ok := p.Payload.(DisputeFinalizedEvent)
		if !ok {
			return rcerrors.Admission("malformed", "DisputeFinalized payload has wrong type")
		}
		if err := am.applyDisputeFinalize(AccountTx{
			Tag:       "dispute_finalize",
			Initiator: tx.Initiator,
			DisputeFinalize: &DisputeFinalizeTx{
				TokenId:         p.TokenId,
				FinalOndelta:    ev.FinalOndelta,
				FinalCollateral: ev.FinalCollateral,
			},
		}); err != nil {
			return err
		}

	case "ReserveUpdated":
		// Reserves are tracked at the EntityState level, not per-edge;
		// the entity-tx dispatch applies this one directly to
		// EntityState.Reserves and never routes it through an
		// AccountMachine. Reaching this branch means the caller mis-
		// routed the event.
		return rcerrors.Admission("misrouted", "ReserveUpdated must be claimed at entity scope, not account scope")

	default:
		return rcerrors.Admission("unknown_event", "unrecognized j-event kind %q", p.Kind)
	}

	am.ClaimedJEvents[key] = true
	if p.BlockNumber > 0 {
		am.LastFinalizedJHeight = p.BlockNumber
	}
	return nil
}

// CollateralUpdatedEvent mirrors the chain event of the same name.
type CollateralUpdatedEvent struct {
	NewCollateral *big.Int
	NewOndelta    *big.Int
}

// SettlementProcessedEvent mirrors the chain event of the same name: tokenDiffs already decoded into delta.SettlementDiff values.
type SettlementProcessedEvent struct {
	Nonce uint64
	Diffs []delta.SettlementDiff
}

// DisputeStartedEvent mirrors the chain event of the same name.
type DisputeStartedEvent struct {
	DisputeTimeoutBlock uint64
	ChallengerHanko     hanko.Hanko
}

// TimeoutBlock exposes the dispute window's expiry for watchers.
func (e DisputeStartedEvent) TimeoutBlock() uint64 {
	return e.DisputeTimeoutBlock
}

// DisputeFinalizedEvent mirrors the chain event of the same name.
type DisputeFinalizedEvent struct {
	FinalOndelta    *big.Int
	FinalCollateral *big.Int
}
