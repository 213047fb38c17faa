package account

import (
	"math/big"

	"github.com/rcpan/core/delta"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/orderbook"
	"github.com/rcpan/core/rcerrors"
)

// checkDeltaInvariants is a thin indirection so frame.go and workspace.go
// share one invariant-check call site.
func checkDeltaInvariants(d *delta.Delta, disputed bool) error {
	return delta.CheckInvariants(d, disputed)
}

// cloneForValidation produces a scratch copy of am sufficient to re-derive
// tx application without mutating committed state, as the ACKer-side
// validation contract.
func (am *AccountMachine) cloneForValidation() *AccountMachine {
	clone := &AccountMachine{
		LeftEntity:             am.LeftEntity,
		RightEntity:            am.RightEntity,
		Deltas:                 make(map[ids.TokenId]*delta.Delta, len(am.Deltas)),
		CurrentHeight:          am.CurrentHeight,
		ProofHeader:            am.ProofHeader,
		OnChainSettlementNonce: am.OnChainSettlementNonce,
		Status:                 am.Status,
		SwapOffers:             make(map[uint64]*orderbook.Offer, len(am.SwapOffers)),
		RequestedRebalance:     make(map[ids.TokenId]*big.Int, len(am.RequestedRebalance)),
		ClaimedJEvents:         make(map[jEventKey]bool, len(am.ClaimedJEvents)),
		ActiveDispute:          am.ActiveDispute,
	}
	for t, d := range am.Deltas {
		clone.Deltas[t] = d.Clone()
	}
	// Every container a tx handler may mutate is copied; sharing any of
	// them would let a validation pass leak into committed state.
	for id, o := range am.SwapOffers {
		offer := *o
		offer.GiveAmount = new(big.Int).Set(o.GiveAmount)
		offer.WantAmount = new(big.Int).Set(o.WantAmount)
		if o.QuantizedGive != nil {
			offer.QuantizedGive = new(big.Int).Set(o.QuantizedGive)
		}
		if o.QuantizedWant != nil {
			offer.QuantizedWant = new(big.Int).Set(o.QuantizedWant)
		}
		clone.SwapOffers[id] = &offer
	}
	for t, v := range am.RequestedRebalance {
		clone.RequestedRebalance[t] = new(big.Int).Set(v)
	}
	for k := range am.ClaimedJEvents {
		clone.ClaimedJEvents[k] = true
	}
	if am.Workspace != nil {
		ws := *am.Workspace
		ws.Ops = append([]SettlementOp(nil), am.Workspace.Ops...)
		clone.Workspace = &ws
	}
	return clone
}

// applyTx dispatches one account-tx to its handler and mutates am in place.
// Handlers return an *rcerrors.Error
// classifying any failure (Admission vs Invariant vs DisputeGate).
func (am *AccountMachine) applyTx(tx AccountTx) error {
	if am.Status == StatusDisputed {
		switch tx.Tag {
		case "j_event_claim", "reopen_disputed", "dispute_finalize":
			// only the resolution tags are admitted while disputed.
		default:
			return rcerrors.DisputeGate("tx %q rejected: edge is disputed", tx.Tag)
		}
	}

	switch tx.Tag {
	case "direct_transfer":
		return am.applyDirectTransfer(tx)
	case "extend_credit":
		return am.applyExtendCredit(tx)
	case "settle_propose":
		return am.applySettlePropose(tx)
	case "settle_update":
		return am.applySettleUpdate(tx)
	case "settle_approve":
		return am.applySettleApprove(tx)
	case "settle_execute":
		compiled, err := am.applySettleExecute(tx)
		if err != nil {
			return err
		}
		am.PendingSettlements = append(am.PendingSettlements, *compiled)
		return nil
	case "settle_reject":
		return am.applySettleReject(tx)
	case "place_swap_offer":
		return am.applyPlaceSwapOffer(tx)
	case "cancel_swap_offer":
		return am.applyCancelSwapOffer(tx)
	case "dispute_start":
		return am.applyDisputeStart(tx)
	case "dispute_finalize":
		return am.applyDisputeFinalize(tx)
	case "reopen_disputed":
		return am.applyReopenDisputed(tx)
	case "j_event_claim":
		return am.applyJEventClaim(tx)
	default:
		return rcerrors.Admission("unknown_tag", "unrecognized account-tx tag %q", tx.Tag)
	}
}

// outCapacityFor returns the viewer-relative outbound capacity for
// tokenId, net of existing holds.
func (am *AccountMachine) outCapacityFor(tokenId [32]byte, viewerIsLeft bool) *big.Int {
	d := am.DeltaFor(tokenId)
	return delta.Derive(d, viewerIsLeft).OutCapacity
}

func (am *AccountMachine) applyDirectTransfer(tx AccountTx) error {
	if tx.DirectTransfer == nil {
		return rcerrors.Admission("malformed", "direct_transfer missing payload")
	}
	p := tx.DirectTransfer
	initiatorIsLeft := am.IsLeft(tx.Initiator)

	available := am.outCapacityFor(p.TokenId, initiatorIsLeft)
	if p.Amount.Cmp(available) > 0 {
		return rcerrors.Admission("outCapacity", "direct_transfer of %s exceeds outCapacity %s", p.Amount, available)
	}

	d := am.DeltaFor(p.TokenId)
	// offdelta shifts by ±amount per LEFT perspective: a
	// transfer by LEFT spends down its position, so offdelta decreases;
	// a transfer by RIGHT raises LEFT's claim.
	if initiatorIsLeft {
		d.Offdelta.Sub(d.Offdelta, p.Amount)
	} else {
		d.Offdelta.Add(d.Offdelta, p.Amount)
	}
	return nil
}

func (am *AccountMachine) applyExtendCredit(tx AccountTx) error {
	if tx.ExtendCredit == nil {
		return rcerrors.Admission("malformed", "extend_credit missing payload")
	}
	p := tx.ExtendCredit
	if p.Amount.Sign() < 0 {
		return rcerrors.Admission("amount", "credit limit amount must be non-negative")
	}
	d := am.DeltaFor(p.TokenId)
	limit := d.LeftCreditLimit
	if !am.IsLeft(tx.Initiator) {
		limit = d.RightCreditLimit
	}
	if p.SetAbsolute {
		limit.Set(p.Amount)
	} else {
		limit.Add(limit, p.Amount)
	}
	return nil
}

func (am *AccountMachine) applyPlaceSwapOffer(tx AccountTx) error {
	if tx.PlaceSwapOffer == nil || tx.PlaceSwapOffer.Offer == nil {
		return rcerrors.Admission("malformed", "place_swap_offer missing payload")
	}
	o := tx.PlaceSwapOffer.Offer
	if am.Status != StatusActive {
		return rcerrors.DisputeGate("edge not active")
	}
	initiatorIsLeft := am.IsLeft(tx.Initiator)
	available := am.outCapacityFor(o.GiveToken, initiatorIsLeft)
	if o.GiveAmount.Cmp(available) > 0 {
		return rcerrors.Admission("outCapacity", "swap offer give amount exceeds available credit")
	}
	if _, exists := am.SwapOffers[o.OfferID]; exists {
		return rcerrors.Admission("duplicate_offer", "offer id %d already exists", o.OfferID)
	}
	am.SwapOffers[o.OfferID] = o
	return nil
}

func (am *AccountMachine) applyCancelSwapOffer(tx AccountTx) error {
	if tx.CancelSwapOffer == nil {
		return rcerrors.Admission("malformed", "cancel_swap_offer missing payload")
	}
	o, ok := am.SwapOffers[tx.CancelSwapOffer.OfferID]
	if !ok {
		return rcerrors.Admission("not_found", "offer %d does not exist on this edge", tx.CancelSwapOffer.OfferID)
	}
	if o.CounterpartyEntity != tx.Initiator {
		return rcerrors.Admission("poster", "only the original poster may cancel offer %d", o.OfferID)
	}
	delete(am.SwapOffers, tx.CancelSwapOffer.OfferID)
	return nil
}

func (am *AccountMachine) applyReopenDisputed(tx AccountTx) error {
	// Admission: status must be disputed
	// and DisputeFinalized must already have been ingested (ActiveDispute
	// cleared). applyJEventClaim's DisputeFinalized branch already sets
	// Status back to Active, so a reopen_disputed arriving after it fails
	// here with not_disputed.
	if am.Status != StatusDisputed {
		return rcerrors.Admission("not_disputed", "reopen_disputed requires status=disputed")
	}
	if am.ActiveDispute != nil {
		return rcerrors.Admission("dispute_pending", "DisputeFinalized not yet observed")
	}
	am.Status = StatusActive
	return nil
}

// ApplyLocalTx applies a tx directly against committed state, bypassing the
// propose/ack bilateral handshake. Callers must
// only use this for tags that are locally applied; ordinary
// account-txs (direct_transfer, settle_*, swap offers) must go through
// ProposeFrame/AckAndCommit.
func (am *AccountMachine) ApplyLocalTx(tx AccountTx) error {
	if err := am.applyTx(tx); err != nil {
		return err
	}
	for _, d := range am.Deltas {
		if err := checkDeltaInvariants(d, am.Status == StatusDisputed); err != nil {
			return err
		}
	}
	return nil
}
