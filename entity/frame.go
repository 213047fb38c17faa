package entity

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rcpan/core/ids"
)

// EntityFrame is one committed E-layer frame: the ordered entity-txs a
// proposer bundled from its mempool, chained to the previous frame by hash.
type EntityFrame struct {
	Height    uint64
	Timestamp uint64
	PrevHash  chainhash.Hash
	Txs       []EntityTx
}

// Hash derives the canonical hash every validator signs as its precommit.
// The encoding walks each tx's identifying fields in a fixed order so that
// any two replicas handed the same frame derive the same hash.
func (f *EntityFrame) Hash() chainhash.Hash {
	var buf bytes.Buffer
	writeUint64(&buf, f.Height)
	writeUint64(&buf, f.Timestamp)
	buf.Write(f.PrevHash[:])
	for i := range f.Txs {
		encodeTx(&buf, &f.Txs[i])
	}
	return ids.Hash(buf.Bytes())
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeAmount(buf *bytes.Buffer, v *big.Int) {
	if v == nil {
		buf.WriteByte(0)
		return
	}
	b := v.Bytes()
	buf.WriteByte(byte(v.Sign() + 1))
	writeUint64(buf, uint64(len(b)))
	buf.Write(b)
}

// encodeTx writes the fields that identify a tx's effect. Payload kinds
// the switch does not special-case contribute their tag only; the frame is
// shipped by value alongside the hash, so the hash needs to bind, not to
// be invertible.
func encodeTx(buf *bytes.Buffer, tx *EntityTx) {
	buf.WriteString(tx.Tag)
	buf.WriteByte(0)

	switch {
	case tx.OpenAccount != nil:
		buf.Write(tx.OpenAccount.Counterparty[:])
	case tx.ExtendCredit != nil:
		buf.Write(tx.ExtendCredit.Counterparty[:])
		buf.Write(tx.ExtendCredit.TokenId[:])
		writeAmount(buf, tx.ExtendCredit.Amount)
	case tx.SetCreditLimit != nil:
		buf.Write(tx.SetCreditLimit.Counterparty[:])
		buf.Write(tx.SetCreditLimit.TokenId[:])
		writeAmount(buf, tx.SetCreditLimit.Amount)
	case tx.DirectPayment != nil:
		for _, hop := range tx.DirectPayment.Route {
			buf.Write(hop[:])
		}
		buf.Write(tx.DirectPayment.TokenId[:])
		writeAmount(buf, tx.DirectPayment.Amount)
	case tx.SettleOp != nil:
		buf.Write(tx.SettleOp.Counterparty[:])
		buf.WriteString(tx.SettleOp.SettleTag)
		for _, op := range tx.SettleOp.Ops {
			buf.WriteString(string(op.Kind))
			buf.Write(op.TokenId[:])
			writeAmount(buf, op.Amount)
		}
	case tx.DepositCollateral != nil:
		buf.Write(tx.DepositCollateral.Counterparty[:])
		buf.Write(tx.DepositCollateral.TokenId[:])
		writeAmount(buf, tx.DepositCollateral.Amount)
	case tx.DisputeStart != nil:
		buf.Write(tx.DisputeStart.Counterparty[:])
		buf.Write(tx.DisputeStart.TokenId[:])
	case tx.DisputeFinalize != nil:
		buf.Write(tx.DisputeFinalize.Counterparty[:])
		buf.Write(tx.DisputeFinalize.TokenId[:])
	case tx.PlaceSwapOffer != nil:
		buf.Write(tx.PlaceSwapOffer.Counterparty[:])
		if o := tx.PlaceSwapOffer.Offer; o != nil {
			writeUint64(buf, o.OfferID)
			buf.Write(o.GiveToken[:])
			writeAmount(buf, o.GiveAmount)
			buf.Write(o.WantToken[:])
			writeAmount(buf, o.WantAmount)
			writeUint64(buf, uint64(o.MinFillRatio))
		}
	case tx.CancelSwapOffer != nil:
		buf.Write(tx.CancelSwapOffer.Counterparty[:])
		writeUint64(buf, tx.CancelSwapOffer.OfferID)
	case tx.MintReserves != nil:
		buf.Write(tx.MintReserves.TokenId[:])
		writeAmount(buf, tx.MintReserves.Amount)
	case tx.JEventClaim != nil:
		buf.Write(tx.JEventClaim.Counterparty[:])
		writeUint64(buf, tx.JEventClaim.BlockNumber)
		writeUint64(buf, uint64(tx.JEventClaim.LogIndex))
		buf.WriteString(tx.JEventClaim.Kind)
	}
}
