package entity

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/delta"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/rcerrors"
)

// deriveUncollateralized returns the hub's uncollateralized debt to the
// counterparty on this edge's Delta: the amount the hub owes beyond what collateral backs, which
// is what the crontab tops up.
func deriveUncollateralized(am *account.AccountMachine, hub ids.EntityId, d *delta.Delta) *big.Int {
	view := delta.Derive(d, am.IsLeft(hub))
	return view.UncollateralizedCreditUsed
}

func (es *EntityState) applySetRebalancePolicy(tx EntityTx) ([]Output, error) {
	if tx.SetRebalancePolicy == nil {
		return nil, rcerrors.Admission("malformed", "setRebalancePolicy missing payload")
	}
	p := tx.SetRebalancePolicy
	return []Output{{
		ToEntity: p.Hub,
		Msg: Message{
			Kind:       "rebalance_policy",
			FromEntity: es.EntityId,
			RebalancePolicy: &RebalancePolicy{
				SoftLimit:        p.SoftLimit,
				HardLimit:        p.HardLimit,
				MaxAcceptableFee: p.MaxAcceptableFee,
			},
		},
	}}, nil
}

func (es *EntityState) applySetHubConfig(tx EntityTx) ([]Output, error) {
	if tx.SetHubConfig == nil {
		return nil, rcerrors.Admission("malformed", "setHubConfig missing payload")
	}
	p := tx.SetHubConfig
	interval := p.CrontabInterval
	if interval < 30 {
		interval = 30 // floor on the crontab cadence
	}
	if es.HubRebalanceConfig == nil {
		es.HubRebalanceConfig = &HubRebalanceConfig{Policies: make(map[ids.EntityId]RebalancePolicy)}
	}
	es.HubRebalanceConfig.CrontabInterval = interval
	es.HubRebalanceConfig.MaxFeePPM = p.MaxFeePPM
	return nil, nil
}

func (es *EntityState) applyDepositCollateral(tx EntityTx) ([]Output, error) {
	if tx.DepositCollateral == nil {
		return nil, rcerrors.Admission("malformed", "deposit_collateral missing payload")
	}
	p := tx.DepositCollateral
	reserve := es.ReserveFor(p.TokenId)
	if reserve.Cmp(p.Amount) < 0 {
		return nil, rcerrors.Admission("insufficient_reserve", "reserve %s < deposit %s", reserve, p.Amount)
	}
	reserve.Sub(reserve, p.Amount)
	es.JBatchState.ReserveToCollateral = append(es.JBatchState.ReserveToCollateral, ReserveCollateralOp{
		Counterparty: p.Counterparty,
		TokenId:      p.TokenId,
		Amount:       p.Amount,
	})
	am := es.AccountFor(p.Counterparty)
	if am.RequestedRebalance[p.TokenId] != nil {
		rem := new(big.Int).Sub(am.RequestedRebalance[p.TokenId], p.Amount)
		if rem.Sign() < 0 {
			rem = big.NewInt(0)
		}
		am.RequestedRebalance[p.TokenId] = rem
	}
	return nil, nil
}

func (es *EntityState) applySendRebalanceQuote(tx EntityTx) ([]Output, error) {
	if tx.SendRebalanceQuote == nil {
		return nil, rcerrors.Admission("malformed", "sendRebalanceQuote missing payload")
	}
	p := tx.SendRebalanceQuote
	am := es.AccountFor(p.Counterparty)
	// request_collateral never moves balances on its own; it only records the ask.
	if am.RequestedRebalance == nil {
		am.RequestedRebalance = make(map[ids.TokenId]*big.Int)
	}
	am.RequestedRebalance[p.TokenId] = new(big.Int).Set(p.Amount)
	return nil, nil
}

func (es *EntityState) applyAcceptRebalanceQuote(tx EntityTx) ([]Output, error) {
	if tx.AcceptRebalanceQuote == nil {
		return nil, rcerrors.Admission("malformed", "acceptRebalanceQuote missing payload")
	}
	p := tx.AcceptRebalanceQuote
	return es.applyDepositCollateral(EntityTx{
		Tag: "deposit_collateral",
		DepositCollateral: &DepositCollateralTx{
			Counterparty: p.Counterparty,
			TokenId:      p.TokenId,
			Amount:       p.Amount,
		},
	})
}

// RunHubCrontab implements the hub rebalance crontab: for each
// edge where the counterparty's declared policy shows
// uncollateralized_credit_used > softLimit, queue a direct deposit_collateral
// R->C for that amount, bounded by hardLimit and available reserve. Called
// by the R-layer tick driver at most once per CrontabInterval of logical
// time.
func (es *EntityState) RunHubCrontab(now uint64) ([]Output, error) {
	cfg := es.HubRebalanceConfig
	if cfg == nil {
		return nil, nil
	}
	if now < cfg.LastRunAt+cfg.CrontabInterval {
		return nil, nil
	}
	cfg.LastRunAt = now

	// Iterate edges and tokens in canonical order so two runs with the same
	// seed queue identical batches.
	counterparties := make([]ids.EntityId, 0, len(es.Accounts))
	for cp := range es.Accounts {
		counterparties = append(counterparties, cp)
	}
	sort.Slice(counterparties, func(i, j int) bool {
		return counterparties[i].Less(counterparties[j])
	})

	var outputs []Output
	for _, counterparty := range counterparties {
		am := es.Accounts[counterparty]
		policy, ok := cfg.Policies[counterparty]
		if !ok {
			continue
		}
		tokens := make([]ids.TokenId, 0, len(am.Deltas))
		for t := range am.Deltas {
			tokens = append(tokens, t)
		}
		sort.Slice(tokens, func(i, j int) bool {
			return bytes.Compare(tokens[i][:], tokens[j][:]) < 0
		})
		for _, tokenId := range tokens {
			d := am.Deltas[tokenId]
			view := deriveUncollateralized(am, es.EntityId, d)
			if view.Cmp(policy.SoftLimit) <= 0 {
				continue
			}
			need := new(big.Int).Set(view)
			if need.Cmp(policy.HardLimit) > 0 {
				need.Set(policy.HardLimit)
			}
			// Deposits already queued for this edge but not yet confirmed
			// on chain still count: the crontab must not double-fund while
			// a batch is in flight.
			for _, op := range es.JBatchState.ReserveToCollateral {
				if op.Counterparty == counterparty && op.TokenId == tokenId {
					need.Sub(need, op.Amount)
				}
			}
			reserve := es.ReserveFor(tokenId)
			if reserve.Cmp(need) < 0 {
				need.Set(reserve)
			}
			if need.Sign() <= 0 {
				continue
			}
			// The hub's funding fee at its configured PPM must fit under
			// the counterparty's declared maxAcceptableFee; an edge whose
			// implied fee the spoke would refuse is skipped, not funded.
			if cfg.MaxFeePPM > 0 && policy.MaxAcceptableFee != nil {
				fee := new(big.Int).Mul(need, new(big.Int).SetUint64(cfg.MaxFeePPM))
				fee.Div(fee, big.NewInt(1_000_000))
				if fee.Cmp(policy.MaxAcceptableFee) > 0 {
					log.Debugf("entity %s: skipping rebalance of %s for %s: "+
						"fee %s exceeds counterparty max %s",
						es.EntityId, need, counterparty, fee, policy.MaxAcceptableFee)
					continue
				}
			}
			out, err := es.applyDepositCollateral(EntityTx{
				Tag: "deposit_collateral",
				DepositCollateral: &DepositCollateralTx{
					Counterparty: counterparty,
					TokenId:      tokenId,
					Amount:       need,
				},
			})
			if err != nil {
				return outputs, err
			}
			outputs = append(outputs, out...)
		}
	}
	return outputs, nil
}
