package entity

import (
	"math/big"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/rcerrors"
)

// ReserveUpdatedEvent mirrors the chain event of the same name.
// It is entity-scoped: reserves live on EntityState, not on any edge.
type ReserveUpdatedEvent struct {
	NewAmount *big.Int
}

// applyJBroadcast flushes the outbound batch: it
// marks jBatchState pending and records a batchHistory entry. The J-adapter
// drains pending batches at the next tick boundary; entity state never talks to the adapter directly.
func (es *EntityState) applyJBroadcast(tx EntityTx) ([]Output, error) {
	if es.JBatchState.OpCount() == 0 {
		return nil, rcerrors.Admission("empty_batch", "j_broadcast with no queued ops")
	}
	if es.JBatchState.PendingBroadcast {
		// A j_broadcast while the batch still awaits the adapter's verdict
		// is a no-op and queues no second history entry. A rejected batch
		// has PendingBroadcast cleared, so its retry records a new entry.
		return nil, nil
	}
	es.JBatchState.PendingBroadcast = true
	es.BatchHistory = append(es.BatchHistory, BatchHistoryEntry{
		OpCount: es.JBatchState.OpCount(),
		Status:  BatchPending,
	})
	return nil, nil
}

// TakeBatch hands the pending batch to the J-adapter. It returns nil when
// nothing is pending. The batch stays in place until ResolveBatch confirms
// it; the nonce is not advanced until then.
func (es *EntityState) TakeBatch() *JBatchState {
	if !es.JBatchState.PendingBroadcast {
		return nil
	}
	snapshot := es.JBatchState
	return &snapshot
}

// ResolveBatch records the adapter's verdict on the in-flight batch. On
// confirmation the batch is cleared and the per-entity nonce advances; on
// rejection the ops stay queued for retry and the nonce does not move.
func (es *EntityState) ResolveBatch(confirmed bool, txHash *[32]byte) {
	if !es.JBatchState.PendingBroadcast {
		return
	}
	for i := len(es.BatchHistory) - 1; i >= 0; i-- {
		if es.BatchHistory[i].Status != BatchPending {
			continue
		}
		if confirmed {
			es.BatchHistory[i].Status = BatchConfirmed
		} else {
			es.BatchHistory[i].Status = BatchRejected
		}
		es.BatchHistory[i].TxHash = txHash
		break
	}
	if confirmed {
		nonce := es.JBatchState.Nonce + 1
		es.JBatchState = JBatchState{Nonce: nonce}
	} else {
		es.JBatchState.PendingBroadcast = false
	}
}

// applyJEventClaimEntity ingests one finalized on-chain event. ReserveUpdated is entity-scoped and applied to Reserves
// here; every other event kind is forwarded to the named edge's
// AccountMachine, which dedups per (blockNumber, logIndex).
func (es *EntityState) applyJEventClaimEntity(tx EntityTx) ([]Output, error) {
	if tx.JEventClaim == nil {
		return nil, rcerrors.Admission("malformed", "j_event_claim missing payload")
	}
	p := tx.JEventClaim

	if p.BlockNumber > es.JBlock {
		es.JBlock = p.BlockNumber
	}

	if p.Kind == "ReserveUpdated" {
		key := jEventKey{BlockNumber: p.BlockNumber, LogIndex: p.LogIndex}
		if _, seen := es.ClaimedReserveEvents[key]; seen {
			return nil, nil
		}
		ev, ok := p.Payload.(ReserveUpdatedEvent)
		if !ok {
			return nil, rcerrors.Admission("malformed", "ReserveUpdated payload has wrong type")
		}
		es.ReserveFor(p.TokenId).Set(ev.NewAmount)
		es.ClaimedReserveEvents[key] = struct{}{}
		return nil, nil
	}

	am := es.AccountFor(p.Counterparty)
	err := am.ApplyLocalTx(account.AccountTx{
		Tag:       "j_event_claim",
		Initiator: es.EntityId,
		JEventClaim: &account.JEventClaimTx{
			BlockNumber: p.BlockNumber,
			LogIndex:    p.LogIndex,
			Kind:        p.Kind,
			TokenId:     p.TokenId,
			Payload:     p.Payload,
		},
	})
	if err != nil {
		return nil, err
	}

	// A confirmed CollateralUpdated fulfills any outstanding rebalance
	// request on this edge: the request is reduced, never increased.
	if p.Kind == "CollateralUpdated" {
		if req := am.RequestedRebalance[p.TokenId]; req != nil && req.Sign() > 0 {
			d := am.DeltaFor(p.TokenId)
			if d.Collateral.Cmp(req) >= 0 {
				req.SetInt64(0)
			}
		}
	}
	return nil, nil
}
