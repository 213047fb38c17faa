package runtime

import (
	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/jadapter"
)

// DeliverEvents converts finalized jurisdiction events into j_event_claim
// entity-txs queued for the next tick. Edge
// events fan out to both sides when both are hosted locally.
func DeliverEvents(env *Env, events []jadapter.Event) {
	for _, ev := range events {
		for _, target := range eventTargets(env, ev) {
			counterparty := ev.Left
			if target == ev.Left {
				counterparty = ev.Right
			}
			if ev.Kind == "ReserveUpdated" {
				counterparty = ids.EntityId{}
			}
			env.RuntimeInput.EntityInputs = append(env.RuntimeInput.EntityInputs, EntityInput{
				EntityId: target,
				Msg: entity.Message{
					Kind: "add_tx",
					Tx: &entity.EntityTx{
						Tag: "j_event_claim",
						JEventClaim: &entity.JEventClaimEntityTx{
							Counterparty: counterparty,
							BlockNumber:  ev.BlockNumber,
							LogIndex:     ev.LogIndex,
							Kind:         ev.Kind,
							TokenId:      ev.TokenId,
							Payload:      ev.Payload,
						},
					},
				},
			})
		}
	}
}

// eventTargets lists the locally-hosted entities an event concerns.
func eventTargets(env *Env, ev jadapter.Event) []ids.EntityId {
	if ev.Kind == "ReserveUpdated" {
		if _, ok := env.proposerKey(ev.Entity); ok {
			return []ids.EntityId{ev.Entity}
		}
		return nil
	}
	var targets []ids.EntityId
	if _, ok := env.proposerKey(ev.Left); ok {
		targets = append(targets, ev.Left)
	}
	if _, ok := env.proposerKey(ev.Right); ok {
		targets = append(targets, ev.Right)
	}
	return targets
}

// ApplyBatchResults records adapter verdicts on each entity's in-flight
// batch.
func ApplyBatchResults(env *Env, results []jadapter.BatchResult) {
	for _, res := range results {
		key, ok := env.proposerKey(res.Entity)
		if !ok {
			continue
		}
		rep := env.EReplicas[key]
		if res.Confirmed {
			txHash := res.TxHash
			rep.State.ResolveBatch(true, &txHash)
		} else {
			rep.State.ResolveBatch(false, nil)
			log.Warnf("batch for %s rejected: %v", res.Entity, res.Err)
		}
	}
}
