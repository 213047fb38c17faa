package account

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/rcerrors"
)

// StateHash derives the canonical commitment over am's full delta map,
// offers, and workspace state. Both sides must
// derive byte-identical bytes, so tokens and offers are iterated in a
// deterministic (sorted) order.
func (am *AccountMachine) StateHash() chainhash.Hash {
	var buf bytes.Buffer

	tokens := make([]ids.TokenId, 0, len(am.Deltas))
	for t := range am.Deltas {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return bytes.Compare(tokens[i][:], tokens[j][:]) < 0 })

	for _, t := range tokens {
		d := am.Deltas[t]
		buf.Write(t[:])
		writeBigInt(&buf, d.Ondelta)
		writeBigInt(&buf, d.Offdelta)
		writeBigInt(&buf, d.Collateral)
		writeBigInt(&buf, d.LeftCreditLimit)
		writeBigInt(&buf, d.RightCreditLimit)
		writeBigInt(&buf, d.LeftHold)
		writeBigInt(&buf, d.RightHold)
		writeBigInt(&buf, d.LeftSettleHold)
		writeBigInt(&buf, d.RightSettleHold)
		writeBigInt(&buf, d.CollateralHold)
	}

	offerIDs := make([]uint64, 0, len(am.SwapOffers))
	for id := range am.SwapOffers {
		offerIDs = append(offerIDs, id)
	}
	sort.Slice(offerIDs, func(i, j int) bool { return offerIDs[i] < offerIDs[j] })
	for _, id := range offerIDs {
		o := am.SwapOffers[id]
		var idBuf [8]byte
		binary.BigEndian.PutUint64(idBuf[:], id)
		buf.Write(idBuf[:])
		writeBigInt(&buf, o.GiveAmount)
		writeBigInt(&buf, o.WantAmount)
	}

	if am.Workspace != nil {
		buf.WriteString("workspace")
		var vbuf [8]byte
		binary.BigEndian.PutUint64(vbuf[:], am.Workspace.Version)
		buf.Write(vbuf[:])
	}

	return ids.Hash(buf.Bytes())
}

func writeBigInt(buf *bytes.Buffer, v *big.Int) {
	// Sign byte first: Bytes() is the absolute value, and -x and x must
	// not hash identically.
	buf.WriteByte(byte(v.Sign() + 1))
	b := v.Bytes()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// canonicalFrameBytes serializes a Frame's tx list + frameId + prevStateHash
// for hashing/signing. Both the proposer and the ACKer must derive
// identical bytes from identical (prevStateHash, accountTxs) inputs. Each
// tx's tag and initiator are bound, plus the fields of its transfer,
// credit, settlement-op, swap-offer, cancel or dispute-start payload; a
// j_event_claim binds only its block number, log index and kind, and a
// dispute_finalize payload is not bound.
func canonicalFrameBytes(f Frame) []byte {
	var buf bytes.Buffer
	writeU64 := func(v uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}
	writeAmt := func(v *big.Int) {
		if v == nil {
			buf.WriteByte(0)
			return
		}
		buf.WriteByte(byte(v.Sign() + 1))
		b := v.Bytes()
		writeU64(uint64(len(b)))
		buf.Write(b)
	}

	writeU64(f.FrameId)
	buf.Write(f.PrevStateHash[:])
	for _, tx := range f.AccountTxs {
		buf.WriteString(tx.Tag)
		buf.WriteByte(0)
		buf.Write(tx.Initiator[:])
		switch {
		case tx.DirectTransfer != nil:
			buf.Write(tx.DirectTransfer.TokenId[:])
			writeAmt(tx.DirectTransfer.Amount)
			writeU64(uint64(len(tx.DirectTransfer.Route)))
			for _, hop := range tx.DirectTransfer.Route {
				buf.Write(hop[:])
			}
		case tx.ExtendCredit != nil:
			buf.Write(tx.ExtendCredit.TokenId[:])
			writeAmt(tx.ExtendCredit.Amount)
			if tx.ExtendCredit.SetAbsolute {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case tx.SettleOp != nil:
			for _, op := range tx.SettleOp.Ops {
				buf.WriteString(string(op.Kind))
				buf.Write(op.TokenId[:])
				writeAmt(op.Amount)
				if op.ByLeft {
					buf.WriteByte(1)
				} else {
					buf.WriteByte(0)
				}
			}
		case tx.PlaceSwapOffer != nil && tx.PlaceSwapOffer.Offer != nil:
			o := tx.PlaceSwapOffer.Offer
			writeU64(o.OfferID)
			buf.Write(o.GiveToken[:])
			writeAmt(o.GiveAmount)
			buf.Write(o.WantToken[:])
			writeAmt(o.WantAmount)
			writeU64(uint64(o.MinFillRatio))
		case tx.CancelSwapOffer != nil:
			writeU64(tx.CancelSwapOffer.OfferID)
		case tx.DisputeStart != nil:
			buf.Write(tx.DisputeStart.TokenId[:])
		case tx.JEventClaim != nil:
			writeU64(tx.JEventClaim.BlockNumber)
			writeU64(uint64(tx.JEventClaim.LogIndex))
			buf.WriteString(tx.JEventClaim.Kind)
		}
	}
	return buf.Bytes()
}

// ProposerIsExpected implements the proposal concurrency rule: if both
// sides try to propose concurrently, the lower-EntityId (LEFT) side wins;
// the higher side buffers its frame and replays after the winner commits.
func (am *AccountMachine) ProposerIsExpected(proposerIsLeft bool) bool {
	if am.PendingFrame == nil {
		return true
	}
	if am.PendingFrame.ProposerIsLeft == proposerIsLeft {
		// Duplicate PROPOSE for the in-flight frame; idempotent.
		return true
	}
	// Concurrent proposals: the LEFT side's frame is the one that goes
	// through.
	return proposerIsLeft
}

// ProposeFrame builds a pendingFrame from am.Mempool, the local side's view
// of the next frame, and signs it. It does not mutate committed state; that
// happens only in commitFrame. proposerIsLeft identifies which side is
// proposing.
func (am *AccountMachine) ProposeFrame(proposerIsLeft bool, signer hanko.Signer) (*PendingFrame, error) {
	if am.Status != StatusActive {
		return nil, rcerrors.DisputeGate("account is %s, cannot propose", am.Status)
	}
	if am.PendingFrame != nil {
		if am.PendingFrame.ProposerIsLeft == proposerIsLeft {
			// Duplicate PROPOSE with the same frameId is idempotent.
			return am.PendingFrame, nil
		}
		// Lower-EntityId side wins; if proposerIsLeft is the higher side
		// per canonical ordering, it must buffer instead.
		if !am.isLowerSide(proposerIsLeft) {
			return nil, rcerrors.Admission("proposer_side", "concurrent proposal from higher-id side must buffer")
		}
	}
	if len(am.Mempool) == 0 {
		return nil, rcerrors.Admission("empty_mempool", "no pending account-txs to propose")
	}

	frame := Frame{
		FrameId:       am.CurrentHeight + 1,
		PrevStateHash: am.StateHash(),
		AccountTxs:    append([]AccountTx(nil), am.Mempool...),
	}
	payloadHash := ids.Hash(canonicalFrameBytes(frame))
	sig := signer.Sign(payloadHash)

	pf := &PendingFrame{Frame: frame, ProposerIsLeft: proposerIsLeft, ProposerSig: sig}
	am.PendingFrame = pf
	return pf, nil
}

// isLowerSide reports whether the canonical LEFT entity is the proposer,
// i.e. the side favored by the concurrency rule.
func (am *AccountMachine) isLowerSide(proposerIsLeft bool) bool {
	return proposerIsLeft
}

// ValidateReceived re-derives a received PendingFrame against local state,
// implementing the ACKer-side checks: prevStateHash match,
// invariants, admission predicates, and expected-proposer.
func (am *AccountMachine) ValidateReceived(pf *PendingFrame) error {
	if am.Status != StatusActive {
		return rcerrors.DisputeGate("account is %s, rejecting frame", am.Status)
	}
	if !am.ProposerIsExpected(pf.ProposerIsLeft) {
		return rcerrors.Admission("proposer_side", "unexpected proposer for concurrent frame")
	}
	if pf.Frame.PrevStateHash != am.StateHash() {
		return rcerrors.New(rcerrors.KindConsensusMismatch, "prevStateHash", "ACKer state diverges from proposer's prevStateHash")
	}
	// Re-derive admission for every tx via a scratch clone so a failing tx
	// rejects the whole frame without mutating am.
	scratch := am.cloneForValidation()
	for _, tx := range pf.Frame.AccountTxs {
		if err := scratch.applyTx(tx); err != nil {
			return err
		}
	}
	return nil
}

// AckAndCommit is called by the ACKer: it validates, tentatively applies,
// signs its own hanko over the proposer's proof header, and commits the
// frame locally. The returned Hanko is sent back to the proposer as the ACK.
func (am *AccountMachine) AckAndCommit(pf *PendingFrame, signer hanko.Signer) (hanko.Hanko, error) {
	// Concurrency rule: when the LEFT side's frame arrives
	// while our own (higher-id) proposal is in flight, yield. Our txs are
	// still in the mempool and replay on the post-commit state.
	if am.PendingFrame != nil &&
		am.PendingFrame.ProposerIsLeft != pf.ProposerIsLeft && pf.ProposerIsLeft {

		am.PendingFrame = nil
	}
	if err := am.ValidateReceived(pf); err != nil {
		return hanko.Hanko{}, err
	}
	if err := am.commitFrame(pf.Frame); err != nil {
		return hanko.Hanko{}, err
	}
	payloadHash := ids.Hash(canonicalFrameBytes(pf.Frame))
	ackSig := signer.Sign(payloadHash)
	h := hanko.Hanko{PayloadHash: payloadHash, Sigs: []hanko.Signature{pf.ProposerSig, ackSig}}
	am.CounterpartyDisputeProofHanko = h
	return h, nil
}

// CompleteProposerCommit is called on the proposer side once the
// counterparty's ACK hanko arrives: it commits the frame it already built
// in ProposeFrame, drops the committed txs from the mempool (later arrivals
// stay queued for the next frame), and records the combined hanko.
func (am *AccountMachine) CompleteProposerCommit(ackHanko hanko.Hanko) error {
	if am.PendingFrame == nil {
		return rcerrors.Admission("no_pending_frame", "no pending frame to complete")
	}
	pf := am.PendingFrame
	if err := am.commitFrame(pf.Frame); err != nil {
		return err
	}
	included := len(pf.Frame.AccountTxs)
	if included >= len(am.Mempool) {
		am.Mempool = nil
	} else {
		am.Mempool = append([]AccountTx(nil), am.Mempool[included:]...)
	}
	am.CounterpartyDisputeProofHanko = ackHanko
	return nil
}

// commitFrame applies every tx in frame in order, bumps currentHeight,
// recomputes the proof header, clears the pending frame, and appends to
// history.
func (am *AccountMachine) commitFrame(frame Frame) error {
	for _, tx := range frame.AccountTxs {
		if err := am.applyTx(tx); err != nil {
			return err
		}
	}
	for _, d := range am.Deltas {
		if err := checkDeltaInvariants(d, am.Status == StatusDisputed); err != nil {
			return err
		}
	}

	am.CurrentHeight = frame.FrameId
	nonce := am.OnChainSettlementNonce + 1
	frame.ProofHeader = ProofHeader{
		Nonce:          nonce,
		TotalDeltaHash: am.totalDeltaHash(),
		AccountRoot:    am.StateHash(),
	}
	am.ProofHeader = frame.ProofHeader

	am.FrameHistory = append(am.FrameHistory, frame)
	am.PendingFrame = nil
	return nil
}

func (am *AccountMachine) totalDeltaHash() chainhash.Hash {
	var buf bytes.Buffer
	tokens := make([]ids.TokenId, 0, len(am.Deltas))
	for t := range am.Deltas {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return bytes.Compare(tokens[i][:], tokens[j][:]) < 0 })
	for _, t := range tokens {
		buf.Write(t[:])
		writeBigInt(&buf, am.Deltas[t].TotalDelta())
	}
	return ids.Hash(buf.Bytes())
}
