package delta

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcpan/core/rcerrors"
)

func TestDeriveCapacities(t *testing.T) {
	d := New()
	d.LeftCreditLimit.SetInt64(1000)  // extended by left, funds right
	d.RightCreditLimit.SetInt64(500)  // extended by right, funds left
	d.Collateral.SetInt64(300)

	left := Derive(d, true)
	right := Derive(d, false)

	// At total=0: left can spend the credit right extended; right can spend
	// the collateral plus the credit left extended.
	require.Zero(t, big.NewInt(500).Cmp(left.OutCapacity))
	require.Zero(t, big.NewInt(1300).Cmp(right.OutCapacity))
	require.Zero(t, left.OutCapacity.Cmp(right.InCapacity))
	require.Zero(t, right.OutCapacity.Cmp(left.InCapacity))

	// Left pays 200: position drops, capacities shift by the same amount.
	d.Offdelta.SetInt64(-200)
	left = Derive(d, true)
	right = Derive(d, false)
	require.Zero(t, big.NewInt(300).Cmp(left.OutCapacity))
	require.Zero(t, big.NewInt(1500).Cmp(right.OutCapacity))
	require.Zero(t, big.NewInt(200).Cmp(left.DebtToCounterparty))
	require.Zero(t, big.NewInt(200).Cmp(left.UncollateralizedCreditUsed))
	require.Zero(t, right.DebtToCounterparty.Sign())
}

func TestDeriveCollateralSplit(t *testing.T) {
	d := New()
	d.Collateral.SetInt64(5000)
	d.LeftCreditLimit.SetInt64(50_000)
	d.RightCreditLimit.SetInt64(50_000)

	// Right pays left 8000: left's claim covers the whole collateral plus
	// 3000 unsecured.
	d.Offdelta.SetInt64(8000)
	left := Derive(d, true)
	right := Derive(d, false)

	require.Zero(t, big.NewInt(5000).Cmp(left.OutCollateral))
	require.Zero(t, right.OutCollateral.Sign())
	require.Zero(t, big.NewInt(3000).Cmp(right.DebtToCounterparty))
	require.Zero(t, big.NewInt(3000).Cmp(right.UncollateralizedCreditUsed))

	// The shares always partition the collateral.
	sum := new(big.Int).Add(left.OutCollateral, right.OutCollateral)
	require.Zero(t, d.Collateral.Cmp(sum))
}

func TestDeriveHoldsReduceCapacity(t *testing.T) {
	d := New()
	d.RightCreditLimit.SetInt64(1000)
	d.LeftHold.SetInt64(300)
	d.LeftSettleHold.SetInt64(200)

	left := Derive(d, true)
	require.Zero(t, big.NewInt(500).Cmp(left.OutCapacity))
}

func TestCheckInvariants(t *testing.T) {
	d := New()
	d.LeftCreditLimit.SetInt64(100)
	d.RightCreditLimit.SetInt64(100)
	d.Offdelta.SetInt64(150)
	require.NoError(t, CheckInvariants(d, false))

	d.Offdelta.SetInt64(201)
	err := CheckInvariants(d, false)
	require.Error(t, err)
	require.True(t, rcerrors.Is(err, rcerrors.KindInvariant))

	// Disputed edges skip the capacity bound.
	require.NoError(t, CheckInvariants(d, true))

	d.Offdelta.SetInt64(0)
	d.LeftHold.SetInt64(-1)
	require.Error(t, CheckInvariants(d, false))
}

func TestCheckConservation(t *testing.T) {
	diff := SettlementDiff{
		LeftDiff:       big.NewInt(-100),
		RightDiff:      big.NewInt(0),
		CollateralDiff: big.NewInt(100),
		OndeltaDiff:    big.NewInt(100),
	}
	require.NoError(t, CheckConservation(diff))

	diff.CollateralDiff.SetInt64(99)
	require.Error(t, CheckConservation(diff))
}

func TestCounterpartyNonNegative(t *testing.T) {
	mk := func(l, r, c, o int64) SettlementDiff {
		return SettlementDiff{
			LeftDiff:       big.NewInt(l),
			RightDiff:      big.NewInt(r),
			CollateralDiff: big.NewInt(c),
			OndeltaDiff:    big.NewInt(o),
		}
	}

	// Left deposits its own reserve into collateral: fine for right.
	require.True(t, CounterpartyNonNegative(mk(-100, 0, 100, 100), false))
	// Right deposits: fine for left.
	require.True(t, CounterpartyNonNegative(mk(0, -100, 100, 0), true))
	// Left withdraws its own share: fine for right.
	require.True(t, CounterpartyNonNegative(mk(100, 0, -100, -100), false))
	// Anything reducing the counterparty's reserve never auto-approves.
	require.False(t, CounterpartyNonNegative(mk(100, -100, 0, 0), false))
	// A naked ondelta shift against the counterparty never auto-approves.
	require.False(t, CounterpartyNonNegative(mk(0, 0, 0, 50), false))
	require.False(t, CounterpartyNonNegative(mk(0, 0, 0, -50), true))
}

func TestApplySettlement(t *testing.T) {
	d := New()
	ApplySettlement(d, SettlementDiff{
		LeftDiff:       big.NewInt(-100),
		RightDiff:      big.NewInt(0),
		CollateralDiff: big.NewInt(100),
		OndeltaDiff:    big.NewInt(100),
	})
	require.Zero(t, big.NewInt(100).Cmp(d.Collateral))
	require.Zero(t, big.NewInt(100).Cmp(d.Ondelta))
}
