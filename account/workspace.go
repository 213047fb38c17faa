package account

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rcpan/core/delta"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/rcerrors"
)

// SettlementOpKind tags one op inside a SettlementWorkspace.
type SettlementOpKind string

const (
	OpReserveToCollateral SettlementOpKind = "r2c"
	OpCollateralToReserve SettlementOpKind = "c2r"
	OpReserveToReserve    SettlementOpKind = "r2r"
	OpRebalance           SettlementOpKind = "rebalance"
)

// SettlementOp is one entry in a workspace's ops list. ByLeft
// names the side whose reserve funds (or receives) the op; ondelta shifts
// are computed from it, never taken from the wire.
type SettlementOp struct {
	Kind    SettlementOpKind
	TokenId ids.TokenId
	Amount  *big.Int
	ByLeft  bool
}

// WorkspaceStatus is the lifecycle state of a SettlementWorkspace.
type WorkspaceStatus uint8

const (
	WorkspaceProposed WorkspaceStatus = iota
	WorkspaceUpdated
	WorkspaceReadyToSubmit
	WorkspaceSubmitted
)

// SettlementWorkspace is the bilateral negotiation artifact for compound
// on-chain state changes. LastModifiedByLeft gates whose turn it is to
// update, approve, or reject.
type SettlementWorkspace struct {
	Version            uint64
	Ops                []SettlementOp
	LastModifiedByLeft bool

	LeftHanko  *hanko.Hanko
	RightHanko *hanko.Hanko

	Status WorkspaceStatus
}

// SettleOpTx carries the ops payload for settle_propose and settle_update;
// Ops is nil for the approve/execute/reject tags.
type SettleOpTx struct {
	Ops []SettlementOp
}

// compileDiffs reduces a workspace's ops into one delta.SettlementDiff per
// token, from the LEFT perspective.
func compileDiffs(ops []SettlementOp) map[ids.TokenId]*delta.SettlementDiff {
	out := make(map[ids.TokenId]*delta.SettlementDiff)
	get := func(t ids.TokenId) *delta.SettlementDiff {
		d, ok := out[t]
		if !ok {
			d = &delta.SettlementDiff{
				TokenId:        t,
				LeftDiff:       big.NewInt(0),
				RightDiff:      big.NewInt(0),
				CollateralDiff: big.NewInt(0),
				OndeltaDiff:    big.NewInt(0),
			}
			out[t] = d
		}
		return d
	}
	for _, op := range ops {
		d := get(op.TokenId)
		switch op.Kind {
		case OpReserveToCollateral:
			// The funding side's reserve shrinks, collateral grows. A
			// deposit by LEFT additionally shifts ondelta up so the new
			// collateral stays attributable to the depositor on close.
			d.CollateralDiff.Add(d.CollateralDiff, op.Amount)
			if op.ByLeft {
				d.LeftDiff.Sub(d.LeftDiff, op.Amount)
				d.OndeltaDiff.Add(d.OndeltaDiff, op.Amount)
			} else {
				d.RightDiff.Sub(d.RightDiff, op.Amount)
			}
		case OpCollateralToReserve:
			d.CollateralDiff.Sub(d.CollateralDiff, op.Amount)
			if op.ByLeft {
				d.LeftDiff.Add(d.LeftDiff, op.Amount)
				d.OndeltaDiff.Sub(d.OndeltaDiff, op.Amount)
			} else {
				d.RightDiff.Add(d.RightDiff, op.Amount)
			}
		case OpReserveToReserve:
			// One side's on-chain reserve moves directly to the other's;
			// no collateral or ondelta movement.
			if op.ByLeft {
				d.LeftDiff.Sub(d.LeftDiff, op.Amount)
				d.RightDiff.Add(d.RightDiff, op.Amount)
			} else {
				d.RightDiff.Sub(d.RightDiff, op.Amount)
				d.LeftDiff.Add(d.LeftDiff, op.Amount)
			}
		case OpRebalance:
			// A rebalance op re-splits existing collateral between the
			// two sides: only ondelta moves, signed from the LEFT
			// perspective.
			d.OndeltaDiff.Add(d.OndeltaDiff, op.Amount)
		}
	}
	return out
}

func (am *AccountMachine) applySettlePropose(tx AccountTx) error {
	if tx.SettleOp == nil || len(tx.SettleOp.Ops) == 0 {
		return rcerrors.Admission("malformed", "settle_propose requires at least one op")
	}
	if am.Workspace != nil && am.Workspace.Status != WorkspaceSubmitted {
		return rcerrors.Admission("workspace_exists", "a workspace is already open on this edge")
	}
	initiatorIsLeft := am.IsLeft(tx.Initiator)

	// A c2r op may only withdraw the funding side's own collateral share;
	// anything beyond that touches the counterparty's claim and is not a
	// withdrawal at all.
	for _, op := range tx.SettleOp.Ops {
		if op.Kind != OpCollateralToReserve {
			continue
		}
		share := delta.Derive(am.DeltaFor(op.TokenId), op.ByLeft).OutCollateral
		if op.Amount.Cmp(share) > 0 {
			return rcerrors.Admission("collateral_share",
				"c2r of %s exceeds withdrawable share %s", op.Amount, share)
		}
	}

	ws := &SettlementWorkspace{
		Version:            1,
		Ops:                append([]SettlementOp(nil), tx.SettleOp.Ops...),
		LastModifiedByLeft: initiatorIsLeft,
		Status:             WorkspaceProposed,
	}
	if err := am.reserveSettleHolds(ws.Ops, initiatorIsLeft); err != nil {
		return err
	}
	am.Workspace = ws

	// The proposer signs the ops it put forward.
	am.attachWorkspaceHanko(initiatorIsLeft)
	am.maybeAutoApprove(initiatorIsLeft)
	return nil
}

// maybeAutoApprove attaches the counterparty's hanko when the compiled diff
// never reduces their reserve and never shifts ondelta against them;
// otherwise the workspace waits for an explicit settle_approve.
// modifierIsLeft names the side that last mutated the ops.
func (am *AccountMachine) maybeAutoApprove(modifierIsLeft bool) {
	diffs := compileDiffs(am.Workspace.Ops)
	for _, d := range diffs {
		if !delta.CounterpartyNonNegative(*d, !modifierIsLeft) {
			return
		}
	}
	am.attachWorkspaceHanko(!modifierIsLeft)
}

// attachWorkspaceHanko records one side's approval as a Hanko carrying the
// hash of the canonicalized ops+version; no signatures are attached to it.
// Once both sides' hankos are present the workspace becomes ready to
// submit.
func (am *AccountMachine) attachWorkspaceHanko(sideIsLeft bool) {
	h := &hanko.Hanko{PayloadHash: am.workspacePayloadHash()}
	if sideIsLeft {
		am.Workspace.LeftHanko = h
	} else {
		am.Workspace.RightHanko = h
	}
	if am.Workspace.LeftHanko != nil && am.Workspace.RightHanko != nil {
		am.Workspace.Status = WorkspaceReadyToSubmit
	}
}

// workspacePayloadHash canonicalizes the workspace's ops+version for
// signing.
func (am *AccountMachine) workspacePayloadHash() chainhash.Hash {
	var buf bytes.Buffer
	var vbuf [8]byte
	binary.BigEndian.PutUint64(vbuf[:], am.Workspace.Version)
	buf.Write(vbuf[:])
	for _, op := range am.Workspace.Ops {
		buf.WriteString(string(op.Kind))
		buf.Write(op.TokenId[:])
		buf.WriteByte(byte(op.Amount.Sign() + 1))
		b := op.Amount.Bytes()
		binary.BigEndian.PutUint64(vbuf[:], uint64(len(b)))
		buf.Write(vbuf[:])
		buf.Write(b)
		if op.ByLeft {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	return ids.Hash(buf.Bytes())
}

// reserveSettleHolds reserves the ops' outbound impact into the proposer's
// side's SettleHold, and any collateral leaving the edge into
// CollateralHold.
func (am *AccountMachine) reserveSettleHolds(ops []SettlementOp, proposerIsLeft bool) error {
	diffs := compileDiffs(ops)
	for token, d := range diffs {
		dd := am.DeltaFor(token)
		var outflow *big.Int
		if proposerIsLeft {
			outflow = new(big.Int).Neg(d.LeftDiff)
		} else {
			outflow = new(big.Int).Neg(d.RightDiff)
		}
		if outflow.Sign() > 0 {
			if proposerIsLeft {
				dd.LeftSettleHold.Add(dd.LeftSettleHold, outflow)
			} else {
				dd.RightSettleHold.Add(dd.RightSettleHold, outflow)
			}
		}
		if d.CollateralDiff.Sign() < 0 {
			dd.CollateralHold.Sub(dd.CollateralHold, d.CollateralDiff)
		}
	}
	return nil
}

func (am *AccountMachine) releaseSettleHolds(ops []SettlementOp, proposerIsLeft bool) {
	diffs := compileDiffs(ops)
	for token, d := range diffs {
		dd, ok := am.Deltas[token]
		if !ok {
			continue
		}
		var outflow *big.Int
		if proposerIsLeft {
			outflow = new(big.Int).Neg(d.LeftDiff)
		} else {
			outflow = new(big.Int).Neg(d.RightDiff)
		}
		if outflow.Sign() > 0 {
			if proposerIsLeft {
				dd.LeftSettleHold.Sub(dd.LeftSettleHold, outflow)
			} else {
				dd.RightSettleHold.Sub(dd.RightSettleHold, outflow)
			}
		}
		if d.CollateralDiff.Sign() < 0 {
			dd.CollateralHold.Add(dd.CollateralHold, d.CollateralDiff)
		}
	}
}

func (am *AccountMachine) applySettleUpdate(tx AccountTx) error {
	if am.Workspace == nil {
		return rcerrors.Admission("no_workspace", "settle_update requires an open workspace")
	}
	if am.Workspace.Status == WorkspaceSubmitted {
		return rcerrors.Admission("already_submitted", "workspace already submitted")
	}
	initiatorIsLeft := am.IsLeft(tx.Initiator)
	if initiatorIsLeft == am.Workspace.LastModifiedByLeft {
		return rcerrors.Admission("not_counterparty", "settle_update must come from the counterparty of the last modifier")
	}
	if tx.SettleOp == nil || len(tx.SettleOp.Ops) == 0 {
		return rcerrors.Admission("malformed", "settle_update requires at least one op")
	}

	am.releaseSettleHolds(am.Workspace.Ops, !initiatorIsLeft)
	am.Workspace.Ops = append([]SettlementOp(nil), tx.SettleOp.Ops...)
	am.Workspace.Version++
	am.Workspace.LastModifiedByLeft = initiatorIsLeft
	am.Workspace.LeftHanko = nil
	am.Workspace.RightHanko = nil
	am.Workspace.Status = WorkspaceUpdated
	if err := am.reserveSettleHolds(am.Workspace.Ops, initiatorIsLeft); err != nil {
		return err
	}
	// The updater signs its own revision; the other side may still
	// auto-approve if the revised diff is favorable to it.
	am.attachWorkspaceHanko(initiatorIsLeft)
	am.maybeAutoApprove(initiatorIsLeft)
	return nil
}

func (am *AccountMachine) applySettleApprove(tx AccountTx) error {
	if am.Workspace == nil {
		return rcerrors.Admission("no_workspace", "settle_approve requires an open workspace")
	}
	initiatorIsLeft := am.IsLeft(tx.Initiator)
	if initiatorIsLeft == am.Workspace.LastModifiedByLeft {
		return rcerrors.Admission("not_counterparty", "settle_approve must come from the counterparty of the last modifier")
	}
	am.attachWorkspaceHanko(initiatorIsLeft)
	return nil
}

func (am *AccountMachine) applySettleReject(tx AccountTx) error {
	if am.Workspace == nil {
		return rcerrors.Admission("no_workspace", "settle_reject requires an open workspace")
	}
	initiatorIsLeft := am.IsLeft(tx.Initiator)
	if initiatorIsLeft == am.Workspace.LastModifiedByLeft {
		return rcerrors.Admission("not_counterparty", "settle_reject must come from the counterparty of the last modifier")
	}
	am.releaseSettleHolds(am.Workspace.Ops, !initiatorIsLeft)
	am.Workspace = nil
	return nil
}

// CompiledSettlement is the entity-tx dispatch's handle on a workspace
// execute: the per-token diffs to enqueue into jBatchState.settlements.
// Initiator is the side that ran settle_execute; only
// that side's entity queues the on-chain op, so a settlement hits the chain
// exactly once.
type CompiledSettlement struct {
	LeftEntity, RightEntity ids.EntityId
	Initiator               ids.EntityId
	Diffs                   []delta.SettlementDiff
}

func (am *AccountMachine) applySettleExecute(tx AccountTx) (*CompiledSettlement, error) {
	ws := am.Workspace
	if ws == nil {
		return nil, rcerrors.Admission("no_workspace", "settle_execute requires an open workspace")
	}
	if ws.LeftHanko == nil || ws.RightHanko == nil {
		return nil, rcerrors.Admission("missing_hanko", "settle_execute requires both hankos")
	}

	diffs := compileDiffs(ws.Ops)
	out := &CompiledSettlement{
		LeftEntity:  am.LeftEntity,
		RightEntity: am.RightEntity,
		Initiator:   tx.Initiator,
	}
	// Token-sorted so both sides compile identical diff sequences.
	tokens := make([]ids.TokenId, 0, len(diffs))
	for t := range diffs {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return bytes.Compare(tokens[i][:], tokens[j][:]) < 0
	})
	for _, t := range tokens {
		d := diffs[t]
		if err := delta.CheckConservation(*d); err != nil {
			return nil, err
		}
		out.Diffs = append(out.Diffs, *d)
	}
	am.releaseSettleHolds(ws.Ops, ws.LastModifiedByLeft)
	am.Workspace = nil
	return out, nil
}

// ApplyCompiledSettlement mutates am's deltas per a CompiledSettlement
// already queued to jBatchState and now confirmed by a SettlementProcessed
// J-event.
func (am *AccountMachine) ApplyCompiledSettlement(diffs []delta.SettlementDiff) {
	for _, d := range diffs {
		dd := am.DeltaFor(d.TokenId)
		delta.ApplySettlement(dd, d)
	}
	am.OnChainSettlementNonce++
}
