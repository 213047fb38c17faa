package account

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcpan/core/rcerrors"
)

func TestSettleProposeRejectRoundTrip(t *testing.T) {
	e := newTestEdge(t)
	e.extendBoth(t, usdc, 10_000)

	stateBefore := e.leftM.StateHash()

	// Left proposes an r2c deposit; right rejects it.
	e.commitFromLeft(t, AccountTx{
		Tag: "settle_propose", Initiator: e.left,
		SettleOp: &SettleOpTx{Ops: []SettlementOp{{
			Kind: OpReserveToCollateral, TokenId: usdc,
			Amount: big.NewInt(100), ByLeft: true,
		}}},
	})
	require.NotNil(t, e.leftM.Workspace)

	e.commitFromLeft(t, AccountTx{
		Tag: "settle_reject", Initiator: e.right,
	})
	require.Nil(t, e.leftM.Workspace)
	require.Nil(t, e.rightM.Workspace)

	// Round-trip law: all deltas and holds are back where they
	// started.
	d := e.leftM.DeltaFor(usdc)
	require.Zero(t, d.LeftSettleHold.Sign())
	require.Zero(t, d.RightSettleHold.Sign())
	require.Equal(t, stateBefore, e.leftM.StateHash())
}

func TestSettleProposeAutoApprovesDeposit(t *testing.T) {
	e := newTestEdge(t)
	e.extendBoth(t, usdc, 10_000)

	e.commitFromLeft(t, AccountTx{
		Tag: "settle_propose", Initiator: e.left,
		SettleOp: &SettleOpTx{Ops: []SettlementOp{{
			Kind: OpReserveToCollateral, TokenId: usdc,
			Amount: big.NewInt(100), ByLeft: true,
		}}},
	})
	ws := e.leftM.Workspace
	require.NotNil(t, ws)
	require.Equal(t, WorkspaceReadyToSubmit, ws.Status)
	require.NotNil(t, ws.LeftHanko)
	require.NotNil(t, ws.RightHanko)
}

func TestSettleProposeRebalanceNeedsExplicitApprove(t *testing.T) {
	e := newTestEdge(t)
	e.extendBoth(t, usdc, 10_000)

	// A naked ondelta shift in the proposer's favor must not auto-approve.
	e.commitFromLeft(t, AccountTx{
		Tag: "settle_propose", Initiator: e.left,
		SettleOp: &SettleOpTx{Ops: []SettlementOp{{
			Kind: OpRebalance, TokenId: usdc,
			Amount: big.NewInt(100), ByLeft: true,
		}}},
	})
	ws := e.leftM.Workspace
	require.NotNil(t, ws)
	require.Equal(t, WorkspaceProposed, ws.Status)
	require.Nil(t, ws.RightHanko)

	// The counterparty approves explicitly; both hankos then present.
	e.commitFromLeft(t, AccountTx{Tag: "settle_approve", Initiator: e.right})
	require.Equal(t, WorkspaceReadyToSubmit, e.leftM.Workspace.Status)
}

func TestSettleExecuteCompilesAndClears(t *testing.T) {
	e := newTestEdge(t)
	e.extendBoth(t, usdc, 10_000)

	e.commitFromLeft(t, AccountTx{
		Tag: "settle_propose", Initiator: e.left,
		SettleOp: &SettleOpTx{Ops: []SettlementOp{{
			Kind: OpReserveToCollateral, TokenId: usdc,
			Amount: big.NewInt(100), ByLeft: true,
		}}},
	})
	e.commitFromLeft(t, AccountTx{Tag: "settle_execute", Initiator: e.left})

	require.Nil(t, e.leftM.Workspace)
	require.Len(t, e.leftM.PendingSettlements, 1)
	cs := e.leftM.PendingSettlements[0]
	require.Equal(t, e.left, cs.Initiator)
	require.Len(t, cs.Diffs, 1)

	diff := cs.Diffs[0]
	sum := new(big.Int).Add(diff.LeftDiff, diff.RightDiff)
	sum.Add(sum, diff.CollateralDiff)
	require.Zero(t, sum.Sign(), "conservation")

	// Holds released on execute.
	d := e.leftM.DeltaFor(usdc)
	require.Zero(t, d.LeftSettleHold.Sign())
}

func TestSettleUpdateFlipsModifier(t *testing.T) {
	e := newTestEdge(t)
	e.extendBoth(t, usdc, 10_000)

	e.commitFromLeft(t, AccountTx{
		Tag: "settle_propose", Initiator: e.left,
		SettleOp: &SettleOpTx{Ops: []SettlementOp{{
			Kind: OpRebalance, TokenId: usdc, Amount: big.NewInt(50), ByLeft: true,
		}}},
	})
	require.True(t, e.leftM.Workspace.LastModifiedByLeft == e.leftM.IsLeft(e.left))
	v1 := e.leftM.Workspace.Version

	// Only the counterparty of the last modifier may update.
	err := e.leftM.ApplyLocalTx(AccountTx{
		Tag: "settle_update", Initiator: e.left,
		SettleOp: &SettleOpTx{Ops: []SettlementOp{{
			Kind: OpRebalance, TokenId: usdc, Amount: big.NewInt(60), ByLeft: true,
		}}},
	})
	require.True(t, rcerrors.Is(err, rcerrors.KindAdmission))

	e.commitFromLeft(t, AccountTx{
		Tag: "settle_update", Initiator: e.right,
		SettleOp: &SettleOpTx{Ops: []SettlementOp{{
			Kind: OpRebalance, TokenId: usdc, Amount: big.NewInt(-25), ByLeft: true,
		}}},
	})
	require.Equal(t, v1+1, e.leftM.Workspace.Version)
	require.Equal(t, WorkspaceUpdated, e.leftM.Workspace.Status)
}

func TestC2RBoundedByShare(t *testing.T) {
	e := newTestEdge(t)
	e.extendBoth(t, usdc, 10_000)

	// Left owns 300 of the 500 collateral (ondelta 300).
	d := e.leftM.DeltaFor(usdc)
	d.Collateral.SetInt64(500)
	d.Ondelta.SetInt64(300)
	dr := e.rightM.DeltaFor(usdc)
	dr.Collateral.SetInt64(500)
	dr.Ondelta.SetInt64(300)

	err := e.leftM.ApplyLocalTx(AccountTx{
		Tag: "settle_propose", Initiator: e.left,
		SettleOp: &SettleOpTx{Ops: []SettlementOp{{
			Kind: OpCollateralToReserve, TokenId: usdc,
			Amount: big.NewInt(301), ByLeft: true,
		}}},
	})
	require.True(t, rcerrors.Is(err, rcerrors.KindAdmission),
		"cannot withdraw beyond own collateral share")

	require.NoError(t, e.leftM.ApplyLocalTx(AccountTx{
		Tag: "settle_propose", Initiator: e.left,
		SettleOp: &SettleOpTx{Ops: []SettlementOp{{
			Kind: OpCollateralToReserve, TokenId: usdc,
			Amount: big.NewInt(300), ByLeft: true,
		}}},
	}))
}
