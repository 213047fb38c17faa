// Package delta implements the per-edge, per-token bookkeeping, the
// derived-capacity view, and the hard invariants checked on every frame
// commit.
//
// Monetary amounts are arbitrary-precision signed integers in token base
// units, so Delta uses math/big.Int directly.
package delta

import (
	"math/big"

	"github.com/rcpan/core/rcerrors"
)

// Delta holds the signed bookkeeping state of one (edge, token) pair,
// encoded from the LEFT entity's perspective.
type Delta struct {
	Ondelta  *big.Int
	Offdelta *big.Int

	Collateral *big.Int

	LeftCreditLimit  *big.Int
	RightCreditLimit *big.Int

	LeftHold  *big.Int
	RightHold *big.Int

	LeftSettleHold  *big.Int
	RightSettleHold *big.Int

	CollateralHold *big.Int
}

// New returns a zeroed Delta with all fields allocated (never nil), so
// callers never need nil-guards before arithmetic.
func New() *Delta {
	return &Delta{
		Ondelta:          big.NewInt(0),
		Offdelta:         big.NewInt(0),
		Collateral:       big.NewInt(0),
		LeftCreditLimit:  big.NewInt(0),
		RightCreditLimit: big.NewInt(0),
		LeftHold:         big.NewInt(0),
		RightHold:        big.NewInt(0),
		LeftSettleHold:   big.NewInt(0),
		RightSettleHold:  big.NewInt(0),
		CollateralHold:   big.NewInt(0),
	}
}

// Clone deep-copies d so callers can build tentative frames without
// mutating committed state.
func (d *Delta) Clone() *Delta {
	clone := New()
	clone.Ondelta.Set(d.Ondelta)
	clone.Offdelta.Set(d.Offdelta)
	clone.Collateral.Set(d.Collateral)
	clone.LeftCreditLimit.Set(d.LeftCreditLimit)
	clone.RightCreditLimit.Set(d.RightCreditLimit)
	clone.LeftHold.Set(d.LeftHold)
	clone.RightHold.Set(d.RightHold)
	clone.LeftSettleHold.Set(d.LeftSettleHold)
	clone.RightSettleHold.Set(d.RightSettleHold)
	clone.CollateralHold.Set(d.CollateralHold)
	return clone
}

// TotalDelta returns ondelta + offdelta.
func (d *Delta) TotalDelta() *big.Int {
	return new(big.Int).Add(d.Ondelta, d.Offdelta)
}

// View is the derived, viewer-relative capacity breakdown produced by
// Derive.
type View struct {
	TotalDelta *big.Int

	InCapacity    *big.Int
	OutCapacity   *big.Int
	OutCollateral *big.Int
	OutPnL        *big.Int

	// DebtToCounterparty and UncollateralizedCreditUsed drive rebalance
	// triggers.
	DebtToCounterparty        *big.Int
	UncollateralizedCreditUsed *big.Int
}

// clamp returns v bounded to [0, hi], as a fresh value.
func clamp(v, hi *big.Int) *big.Int {
	out := new(big.Int).Set(v)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	if out.Cmp(hi) > 0 {
		out.Set(hi)
	}
	return out
}

// Derive computes the viewer-relative capacity view of d.
//
// Sign convention: totalDelta > 0 means LEFT holds the claim (right owes
// left); a payment by LEFT decreases totalDelta. Each credit-limit field is
// the unsecured credit that side extends to the OTHER, so the position is
// bounded to [-rightCreditLimit, collateral+leftCreditLimit]: left spends
// down into the credit right extended; right spends up into left's. The
// collateral split on close gives left clamp(total, 0, collateral) and
// right the remainder. Capacity is distance to the relevant bound, net of
// holds. When viewerIsLeft is false the fields are mirrored for the RIGHT
// side.
func Derive(d *Delta, viewerIsLeft bool) View {
	total := d.TotalDelta()

	leftHolds := new(big.Int).Add(d.LeftHold, d.LeftSettleHold)
	rightHolds := new(big.Int).Add(d.RightHold, d.RightSettleHold)

	leftCollateralShare := clamp(total, d.Collateral)
	rightCollateralShare := new(big.Int).Sub(d.Collateral, leftCollateralShare)

	zeroFloor := func(v *big.Int) *big.Int {
		if v.Sign() < 0 {
			v.SetInt64(0)
		}
		return v
	}

	// Distance to each bound, before holds.
	leftRoom := new(big.Int).Add(total, d.RightCreditLimit)
	rightRoom := new(big.Int).Add(d.Collateral, d.LeftCreditLimit)
	rightRoom.Sub(rightRoom, total)

	// Unsecured debt is the part of the position sitting in the viewer's
	// credit zone: below zero for left, above the collateral for right.
	// Debt to the counterparty and uncollateralized credit used coincide
	// in this representation; collateral-backed obligations are already
	// settled by the on-close split.
	leftDebt := zeroFloor(new(big.Int).Neg(total))
	rightDebt := zeroFloor(new(big.Int).Sub(total, d.Collateral))

	if viewerIsLeft {
		outCapacity := new(big.Int).Sub(leftRoom, leftHolds)
		zeroFloor(outCapacity)

		inCapacity := new(big.Int).Sub(rightRoom, rightHolds)
		zeroFloor(inCapacity)

		return View{
			TotalDelta:                 total,
			InCapacity:                 inCapacity,
			OutCapacity:                outCapacity,
			OutCollateral:              leftCollateralShare,
			OutPnL:                     new(big.Int).Set(total),
			DebtToCounterparty:         leftDebt,
			UncollateralizedCreditUsed: new(big.Int).Set(leftDebt),
		}
	}

	rightTotal := new(big.Int).Neg(total)

	outCapacity := new(big.Int).Sub(rightRoom, rightHolds)
	zeroFloor(outCapacity)

	inCapacity := new(big.Int).Sub(leftRoom, leftHolds)
	zeroFloor(inCapacity)

	return View{
		TotalDelta:                 rightTotal,
		InCapacity:                 inCapacity,
		OutCapacity:                outCapacity,
		OutCollateral:              rightCollateralShare,
		OutPnL:                     rightTotal,
		DebtToCounterparty:         rightDebt,
		UncollateralizedCreditUsed: new(big.Int).Set(rightDebt),
	}
}

// CheckInvariants verifies the hard bookkeeping invariants against d.
// disputed suppresses the capacity invariant, which only binds settled
// (non-disputed) edges.
func CheckInvariants(d *Delta, disputed bool) error {
	leftView := Derive(d, true)
	rightView := Derive(d, false)

	if leftView.OutCollateral.Sign() < 0 {
		return rcerrors.Invariant("outCollateral", "left outCollateral is negative: %s", leftView.OutCollateral)
	}
	if rightView.OutCollateral.Sign() < 0 {
		return rcerrors.Invariant("outCollateral", "right outCollateral is negative: %s", rightView.OutCollateral)
	}

	holds := []struct {
		name string
		v    *big.Int
	}{
		{"leftHold", d.LeftHold},
		{"rightHold", d.RightHold},
		{"leftSettleHold", d.LeftSettleHold},
		{"rightSettleHold", d.RightSettleHold},
		{"collateralHold", d.CollateralHold},
	}
	for _, h := range holds {
		if h.v.Sign() < 0 {
			return rcerrors.Invariant("holds", "%s is negative: %s", h.name, h.v)
		}
	}

	if !disputed {
		maxCapacity := new(big.Int).Add(d.LeftCreditLimit, d.Collateral)
		maxCapacity.Add(maxCapacity, d.RightCreditLimit)
		absOff := new(big.Int).Abs(d.Offdelta)
		if absOff.Cmp(maxCapacity) > 0 {
			return rcerrors.Invariant("capacity", "|offdelta|=%s exceeds leftCreditLimit+collateral+rightCreditLimit=%s", absOff, maxCapacity)
		}
	}

	return nil
}

// SettlementDiff is the compiled effect of a settlement-workspace op: how a settlement moves left/right reserve balances and
// on-chain collateral. Conservation requires LeftDiff+RightDiff+CollateralDiff=0.
type SettlementDiff struct {
	TokenId      [32]byte
	LeftDiff     *big.Int
	RightDiff    *big.Int
	CollateralDiff *big.Int
	OndeltaDiff  *big.Int
}

// CheckConservation verifies the conservation invariant for a compiled
// settlement diff.
func CheckConservation(d SettlementDiff) error {
	sum := new(big.Int).Add(d.LeftDiff, d.RightDiff)
	sum.Add(sum, d.CollateralDiff)
	if sum.Sign() != 0 {
		return rcerrors.Invariant("conservation", "leftDiff+rightDiff+collateralDiff=%s, want 0", sum)
	}
	return nil
}

// ApplySettlement mutates d in place to reflect a compiled settlement diff:
// collateral and ondelta move, holds already reserved by settle_propose are
// expected to have been released by the caller before this is invoked.
func ApplySettlement(d *Delta, diff SettlementDiff) {
	d.Collateral.Add(d.Collateral, diff.CollateralDiff)
	d.Ondelta.Add(d.Ondelta, diff.OndeltaDiff)
}

// CounterpartyNonNegative implements the workspace auto-approve predicate
// : a workspace diff auto-approves iff it never reduces the
// counterparty's reserve and never shifts ondelta adversely against them.
// An ondelta move fully funded by freshly deposited collateral is not
// adverse: the proposer crediting its own deposit to itself leaves the
// counterparty's position untouched.
//
// counterpartyIsLeft identifies which side is evaluating (the side that did
// NOT propose the workspace).
func CounterpartyNonNegative(diff SettlementDiff, counterpartyIsLeft bool) bool {
	var reserveDiff *big.Int
	if counterpartyIsLeft {
		reserveDiff = diff.LeftDiff
	} else {
		reserveDiff = diff.RightDiff
	}
	if reserveDiff.Sign() < 0 {
		return false
	}

	depositSlack := big.NewInt(0)
	if diff.CollateralDiff.Sign() > 0 {
		depositSlack.Set(diff.CollateralDiff)
	}
	if counterpartyIsLeft {
		// Adverse for left: ondelta falling by more than the freshly
		// deposited collateral accounts for.
		return diff.OndeltaDiff.Cmp(new(big.Int).Neg(depositSlack)) >= 0
	}
	return diff.OndeltaDiff.Cmp(depositSlack) <= 0
}
