package entity

import (
	"github.com/rcpan/core/account"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/orderbook"
	"github.com/rcpan/core/rcerrors"
)

// Message is the envelope carried by entityInputs: either an
// intra-entity consensus message (propose/precommit/commit, ) or a
// cross-entity bilateral A-frame message (account_propose/account_ack,
// ). Exactly one of the two payload groups is populated.
type Message struct {
	Kind string

	// Intra-entity consensus payload.
	Tx           *EntityTx
	Frame        *EntityFrame
	ProposerSig  *hanko.Signature
	PrecommitSig *hanko.Signature
	Signer       ids.SignerId
	CommitHanko  *hanko.Hanko
	CommitFrame  *EntityFrame

	// Cross-entity A-frame payload.
	FromEntity      ids.EntityId
	AccountFrame    *account.PendingFrame
	AccountAckHanko *hanko.Hanko

	// Resync payload (out-of-order frame recovery).
	ResyncHeight uint64
	ResyncHeader *account.ProofHeader

	// Rebalance-policy announcement payload.
	RebalancePolicy *RebalancePolicy
}

// Output is one message this replica wants delivered, either to another
// validator of the same entity or to a counterparty entity.
type Output struct {
	ToEntity ids.EntityId
	ToSigner ids.SignerId // empty: deliver to the target entity's proposer
	Msg      Message
}

// applyEntityTx dispatches one entity-tx (already part of a committed
// entity frame) against es, returning any outputs it schedules: A-frame
// amendments to counterparties and/or entries appended directly to
// es.JBatchState.
func (es *EntityState) applyEntityTx(tx EntityTx) ([]Output, error) {
	switch tx.Tag {
	case "openAccount":
		return es.applyOpenAccount(tx)
	case "extendCredit":
		return es.applyExtendCreditEntity(tx)
	case "setCreditLimit":
		return es.applySetCreditLimit(tx)
	case "directPayment":
		return es.applyDirectPayment(tx)
	case "settle_propose", "settle_update", "settle_approve", "settle_execute", "settle_reject":
		return es.applySettleDispatch(tx)
	case "setRebalancePolicy":
		return es.applySetRebalancePolicy(tx)
	case "setHubConfig":
		return es.applySetHubConfig(tx)
	case "deposit_collateral":
		return es.applyDepositCollateral(tx)
	case "sendRebalanceQuote":
		return es.applySendRebalanceQuote(tx)
	case "acceptRebalanceQuote":
		return es.applyAcceptRebalanceQuote(tx)
	case "initOrderbookExt":
		return es.applyInitOrderbookExt(tx)
	case "placeSwapOffer":
		return es.applyPlaceSwapOfferEntity(tx)
	case "cancelSwapOffer":
		return es.applyCancelSwapOfferEntity(tx)
	case "disputeStart":
		return es.applyDisputeStartEntity(tx)
	case "disputeFinalize":
		return es.applyDisputeFinalizeEntity(tx)
	case "reopen_disputed":
		return es.applyReopenDisputedEntity(tx)
	case "j_broadcast":
		return es.applyJBroadcast(tx)
	case "j_event_claim":
		return es.applyJEventClaimEntity(tx)
	case "mintReserves":
		return es.applyMintReserves(tx)
	default:
		return nil, rcerrors.Admission("unknown_tag", "unrecognized entity-tx tag %q", tx.Tag)
	}
}

func (es *EntityState) applyOpenAccount(tx EntityTx) ([]Output, error) {
	if tx.OpenAccount == nil {
		return nil, rcerrors.Admission("malformed", "openAccount missing payload")
	}
	// Idempotent: AccountFor creates on first access.
	es.AccountFor(tx.OpenAccount.Counterparty)
	return nil, nil
}

func (es *EntityState) applyExtendCreditEntity(tx EntityTx) ([]Output, error) {
	if tx.ExtendCredit == nil {
		return nil, rcerrors.Admission("malformed", "extendCredit missing payload")
	}
	p := tx.ExtendCredit
	return es.proposeAccountTx(p.Counterparty, account.AccountTx{
		Tag:       "extend_credit",
		Initiator: es.EntityId,
		ExtendCredit: &account.ExtendCreditTx{TokenId: p.TokenId, Amount: p.Amount},
	})
}

func (es *EntityState) applySetCreditLimit(tx EntityTx) ([]Output, error) {
	if tx.SetCreditLimit == nil {
		return nil, rcerrors.Admission("malformed", "setCreditLimit missing payload")
	}
	p := tx.SetCreditLimit
	return es.proposeAccountTx(p.Counterparty, account.AccountTx{
		Tag:       "extend_credit",
		Initiator: es.EntityId,
		ExtendCredit: &account.ExtendCreditTx{
			TokenId: p.TokenId, Amount: p.Amount, SetAbsolute: true,
		},
	})
}

func (es *EntityState) applySettleDispatch(tx EntityTx) ([]Output, error) {
	if tx.SettleOp == nil {
		return nil, rcerrors.Admission("malformed", "%s missing payload", tx.Tag)
	}
	p := tx.SettleOp
	return es.proposeAccountTx(p.Counterparty, account.AccountTx{
		Tag:       p.SettleTag,
		Initiator: es.EntityId,
		SettleOp:  &account.SettleOpTx{Ops: p.Ops},
	})
}

func (es *EntityState) applyPlaceSwapOfferEntity(tx EntityTx) ([]Output, error) {
	if tx.PlaceSwapOffer == nil || tx.PlaceSwapOffer.Offer == nil {
		return nil, rcerrors.Admission("malformed", "placeSwapOffer missing payload")
	}
	p := tx.PlaceSwapOffer
	return es.proposeAccountTx(p.Counterparty, account.AccountTx{
		Tag:             "place_swap_offer",
		Initiator:       es.EntityId,
		PlaceSwapOffer: &account.PlaceSwapOfferTx{Offer: p.Offer},
	})
}

func (es *EntityState) applyCancelSwapOfferEntity(tx EntityTx) ([]Output, error) {
	if tx.CancelSwapOffer == nil {
		return nil, rcerrors.Admission("malformed", "cancelSwapOffer missing payload")
	}
	p := tx.CancelSwapOffer
	return es.proposeAccountTx(p.Counterparty, account.AccountTx{
		Tag:             "cancel_swap_offer",
		Initiator:       es.EntityId,
		CancelSwapOffer: &account.CancelSwapOfferTx{OfferID: p.OfferID},
	})
}

func (es *EntityState) applyDisputeStartEntity(tx EntityTx) ([]Output, error) {
	if tx.DisputeStart == nil {
		return nil, rcerrors.Admission("malformed", "disputeStart missing payload")
	}
	p := tx.DisputeStart
	am := es.AccountFor(p.Counterparty)
	// Freeze locally before the on-chain tx returns.
	if err := am.ApplyLocalTx(account.AccountTx{
		Tag:          "dispute_start",
		Initiator:    es.EntityId,
		DisputeStart: &account.DisputeStartTx{TokenId: p.TokenId},
	}); err != nil {
		return nil, err
	}
	es.JBatchState.DisputeStarts = append(es.JBatchState.DisputeStarts, DisputeStartOp{
		Counterparty: p.Counterparty,
		TokenId:      p.TokenId,
	})
	return nil, nil
}

func (es *EntityState) applyDisputeFinalizeEntity(tx EntityTx) ([]Output, error) {
	if tx.DisputeFinalize == nil {
		return nil, rcerrors.Admission("malformed", "disputeFinalize missing payload")
	}
	p := tx.DisputeFinalize
	am := es.AccountFor(p.Counterparty)
	if am.ActiveDispute == nil {
		return nil, rcerrors.Admission("no_active_dispute",
			"disputeFinalize requires an observed DisputeStarted on the edge with %s", p.Counterparty)
	}
	// The final ondelta/collateral values are chain truth: local state only
	// changes once the DisputeFinalized event is claimed.
	es.JBatchState.DisputeFinalizes = append(es.JBatchState.DisputeFinalizes, DisputeFinalizeOp{
		Counterparty: p.Counterparty,
		TokenId:      p.TokenId,
	})
	return nil, nil
}

func (es *EntityState) applyReopenDisputedEntity(tx EntityTx) ([]Output, error) {
	if tx.ReopenDisputed == nil {
		return nil, rcerrors.Admission("malformed", "reopen_disputed missing payload")
	}
	am := es.AccountFor(tx.ReopenDisputed.Counterparty)
	return nil, am.ApplyLocalTx(account.AccountTx{
		Tag:       "reopen_disputed",
		Initiator: es.EntityId,
	})
}

func (es *EntityState) applyMintReserves(tx EntityTx) ([]Output, error) {
	if tx.MintReserves == nil {
		return nil, rcerrors.Admission("malformed", "mintReserves missing payload")
	}
	p := tx.MintReserves
	r := es.ReserveFor(p.TokenId)
	r.Add(r, p.Amount)
	return nil, nil
}

func (es *EntityState) applyInitOrderbookExt(tx EntityTx) ([]Output, error) {
	if es.OrderbookExt == nil {
		es.OrderbookExt = &OrderbookExt{Books: make(map[orderbook.Pair]*orderbook.Book)}
	}
	return nil, nil
}

// proposeAccountTx appends tx to counterparty's AccountMachine mempool and
// immediately builds+signs a pendingFrame, emitting an
// account_propose Output to the counterparty entity. The frame is not yet
// committed on either side; it commits once the counterparty's ack arrives
// (see ReceiveMessage).
func (es *EntityState) proposeAccountTx(counterparty ids.EntityId, atx account.AccountTx) ([]Output, error) {
	am := es.AccountFor(counterparty)
	if am.Status != account.StatusActive {
		return nil, rcerrors.DisputeGate("tx %q rejected: edge with %s is %s",
			atx.Tag, counterparty, am.Status)
	}
	am.Mempool = append(am.Mempool, atx)

	// Exactly one pendingFrame at a time: while one is in
	// flight the tx waits in the mempool and rides the next proposal.
	if am.PendingFrame != nil {
		return nil, nil
	}
	return es.proposeFromMempool(counterparty, am)
}

// proposeFromMempool builds, signs and emits the next frame for the edge.
func (es *EntityState) proposeFromMempool(counterparty ids.EntityId, am *account.AccountMachine) ([]Output, error) {
	pf, err := am.ProposeFrame(es.IsLeftOf(counterparty), es.ProposerSigner)
	if err != nil {
		return nil, err
	}
	return []Output{{
		ToEntity: counterparty,
		Msg: Message{
			Kind:         "account_propose",
			FromEntity:   es.EntityId,
			AccountFrame: pf,
		},
	}}, nil
}

// ReceiveMessage processes one cross-entity A-frame message addressed to
// es. It is invoked by the replica's Tick for
// inbox entries whose Kind starts with "account_".
func (es *EntityState) ReceiveMessage(msg Message) ([]Output, error) {
	switch msg.Kind {
	case "account_propose":
		am := es.AccountFor(msg.FromEntity)
		if msg.AccountFrame == nil {
			return nil, rcerrors.Admission("malformed", "account_propose missing frame")
		}
		// A redelivered PROPOSE for a frame this side already committed is
		// idempotent: resend the stored hanko.
		if msg.AccountFrame.Frame.FrameId <= am.CurrentHeight {
			h := am.CounterpartyDisputeProofHanko
			return []Output{{
				ToEntity: msg.FromEntity,
				Msg: Message{
					Kind:            "account_ack",
					FromEntity:      es.EntityId,
					AccountAckHanko: &h,
				},
			}}, nil
		}
		h, err := am.AckAndCommit(msg.AccountFrame, es.ProposerSigner)
		if err != nil {
			// On divergence, ask the peer to compare committed heads
			// rather than silently dropping the frame; the peer either
			// replays or surfaces the mismatch.
			if rcerrors.Is(err, rcerrors.KindConsensusMismatch) {
				return []Output{{
					ToEntity: msg.FromEntity,
					Msg: Message{
						Kind:         "account_resync",
						FromEntity:   es.EntityId,
						ResyncHeight: am.CurrentHeight,
						ResyncHeader: &am.ProofHeader,
					},
				}}, err
			}
			return nil, err
		}
		es.drainSettlements(am)
		outputs := []Output{{
			ToEntity: msg.FromEntity,
			Msg: Message{
				Kind:            "account_ack",
				FromEntity:      es.EntityId,
				AccountAckHanko: &h,
			},
		}}
		// Hub-side follow-ups: a committed place/cancel_swap_offer drives
		// the orderbook engine.
		extra, err := es.processCommittedFrame(msg.FromEntity, msg.AccountFrame.Frame)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, extra...)
		// Forward any inbound transfer legs that still carry route hops.
		forwards, err := es.processForwards(msg.FromEntity, msg.AccountFrame.Frame)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, forwards...)
		// Replay any buffered txs of our own that yielded to the incoming
		// frame.
		if len(am.Mempool) > 0 && am.PendingFrame == nil {
			replay, err := es.proposeFromMempool(msg.FromEntity, am)
			if err != nil {
				return outputs, err
			}
			outputs = append(outputs, replay...)
		}
		return outputs, nil

	case "account_ack":
		am := es.AccountFor(msg.FromEntity)
		if msg.AccountAckHanko == nil {
			return nil, rcerrors.Admission("malformed", "account_ack missing hanko")
		}
		if am.PendingFrame == nil {
			// ACK for a frame that already completed (duplicate delivery).
			return nil, nil
		}
		if err := am.CompleteProposerCommit(*msg.AccountAckHanko); err != nil {
			return nil, err
		}
		es.drainSettlements(am)
		// Txs queued while the frame was in flight go out now.
		if len(am.Mempool) > 0 {
			return es.proposeFromMempool(msg.FromEntity, am)
		}
		return nil, nil

	case "account_resync":
		// The counterparty saw a frame it could not chain onto. Compare
		// heads: if we are ahead, re-send our pending frame so the peer
		// replays; if heads match, the divergent frame was stale and is
		// dropped on both sides.
		am := es.AccountFor(msg.FromEntity)
		if am.CurrentHeight > msg.ResyncHeight && am.PendingFrame != nil {
			return []Output{{
				ToEntity: msg.FromEntity,
				Msg: Message{
					Kind:         "account_propose",
					FromEntity:   es.EntityId,
					AccountFrame: am.PendingFrame,
				},
			}}, nil
		}
		if am.CurrentHeight == msg.ResyncHeight && msg.ResyncHeader != nil &&
			*msg.ResyncHeader != am.ProofHeader {
			return nil, rcerrors.New(rcerrors.KindConsensusMismatch, "resync",
				"proof headers diverge at height %d with %s", am.CurrentHeight, msg.FromEntity)
		}
		// Heads agree; drop our stale pending frame (its txs are still in
		// the mempool) and start over.
		am.PendingFrame = nil
		if len(am.Mempool) > 0 {
			return es.proposeFromMempool(msg.FromEntity, am)
		}
		return nil, nil

	case "rebalance_policy":
		// A spoke's declared thresholds for the hub crontab. Recorded even before setHubConfig so
		// the policy survives config ordering in scenarios.
		if msg.RebalancePolicy == nil {
			return nil, rcerrors.Admission("malformed", "rebalance_policy missing payload")
		}
		if es.HubRebalanceConfig == nil {
			es.HubRebalanceConfig = &HubRebalanceConfig{Policies: make(map[ids.EntityId]RebalancePolicy)}
		}
		es.HubRebalanceConfig.Policies[msg.FromEntity] = *msg.RebalancePolicy
		return nil, nil

	default:
		return nil, rcerrors.Admission("unknown_kind", "unrecognized message kind %q", msg.Kind)
	}
}

// drainSettlements moves any CompiledSettlement produced by a just-
// committed frame's settle_execute into es.JBatchState.settlements.
func (es *EntityState) drainSettlements(am *account.AccountMachine) {
	for _, cs := range am.PendingSettlements {
		// Both sides compile the diff; only the executing side queues the
		// on-chain op so the settlement is submitted exactly once.
		if cs.Initiator != es.EntityId {
			continue
		}
		es.JBatchState.Settlements = append(es.JBatchState.Settlements, SettlementBatchOp{
			LeftEntity:  cs.LeftEntity,
			RightEntity: cs.RightEntity,
			Diffs:       cs.Diffs,
		})
	}
	am.PendingSettlements = nil
}
