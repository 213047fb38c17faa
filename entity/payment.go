package entity

import (
	"math/big"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/rcerrors"
)

// applyDirectPayment dispatches a routed payment: each hop is one bilateral
// direct_transfer account-tx. The first hop is
// proposed on this entity's own edge; the remaining route rides inside the
// transfer and is forwarded hop by hop by the entities along it (see
// processForwards). Atomic multi-hop locking is out of scope: routing is
// policy, not protocol.
func (es *EntityState) applyDirectPayment(tx EntityTx) ([]Output, error) {
	if tx.DirectPayment == nil || len(tx.DirectPayment.Route) == 0 {
		return nil, rcerrors.Admission("malformed", "directPayment requires a non-empty route")
	}
	p := tx.DirectPayment
	nextHop := p.Route[0]

	amount := p.Amount
	// Fee deduction point: hub-local, applied only
	// on the hub's outbound leg of a forwarded payment. First-party
	// payments by the hub carry no fee.
	if p.Forwarded && es.HubRebalanceConfig != nil && es.HubRebalanceConfig.MaxFeePPM > 0 {
		fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(es.HubRebalanceConfig.MaxFeePPM))
		fee.Div(fee, big.NewInt(1_000_000))
		amount = new(big.Int).Sub(amount, fee)
	}

	return es.proposeAccountTx(nextHop, account.AccountTx{
		Tag:       "direct_transfer",
		Initiator: es.EntityId,
		DirectTransfer: &account.DirectTransferTx{
			TokenId: p.TokenId,
			Amount:  amount,
			Route:   append([]ids.EntityId(nil), p.Route[1:]...),
		},
	})
}

// processForwards inspects a just-committed inbound frame for transfers
// that still carry route hops and forwards each on the next edge. This is
// the switch role: the entity in the middle of a route observes the inbound
// leg and originates the outbound one.
func (es *EntityState) processForwards(from ids.EntityId, frame account.Frame) ([]Output, error) {
	var outputs []Output
	for _, tx := range frame.AccountTxs {
		if tx.Tag != "direct_transfer" || tx.DirectTransfer == nil {
			continue
		}
		p := tx.DirectTransfer
		if tx.Initiator == es.EntityId || len(p.Route) == 0 {
			continue
		}
		out, err := es.applyDirectPayment(EntityTx{
			Tag: "directPayment",
			DirectPayment: &DirectPaymentTx{
				Route:     p.Route,
				TokenId:   p.TokenId,
				Amount:    p.Amount,
				Forwarded: true,
			},
		})
		if err != nil {
			log.Warnf("entity %s: unable to forward transfer from %s: %v",
				es.EntityId, from, err)
			continue
		}
		outputs = append(outputs, out...)
	}
	return outputs, nil
}
