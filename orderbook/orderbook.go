// Package orderbook implements the hub-hosted swap-offer matching engine of
// a price-time book keyed by canonical token pair, matching
// crossing offers with partial fills and minimum-fill-ratio semantics.
//
// Orders are kept in parallel primitive slices, mirroring the
// struct-of-arrays layout commonly used for hot update logs.
package orderbook

import (
	"math/big"
	"sort"

	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/rcerrors"
)

// FillRatioScale is the denominator for minFillRatio: a value of 65535
// means 100%.
const FillRatioScale = 65535

// Pair is the canonical, order-independent key for a token pair.
type Pair struct {
	Low, High ids.TokenId
}

// MakePair canonicalizes an unordered (tokenA, tokenB) into Pair.
func MakePair(a, b ids.TokenId) Pair {
	if string(a[:]) <= string(b[:]) {
		return Pair{Low: a, High: b}
	}
	return Pair{Low: b, High: a}
}

// Offer is one resting or incoming swap offer.
type Offer struct {
	OfferID            uint64
	CounterpartyEntity ids.EntityId
	GiveToken          ids.TokenId
	GiveAmount         *big.Int
	WantToken          ids.TokenId
	WantAmount         *big.Int
	MinFillRatio       uint16

	QuantizedGive *big.Int
	QuantizedWant *big.Int
}

// LotSize is the quantization unit applied to offers on placement. A fixed lot size keeps the book's quantized
// amounts exact-integer comparable across offers; production deployments
// may make this per-token configurable.
var LotSize = big.NewInt(1)

func quantize(amount *big.Int) *big.Int {
	if LotSize.Sign() <= 0 {
		return new(big.Int).Set(amount)
	}
	q := new(big.Int).Div(amount, LotSize)
	return q.Mul(q, LotSize)
}

// Book holds all resting offers for one canonical Pair, split into give-Low
// (asks priced in High) and give-High (bids) sides, each kept sorted by
// price-time priority.
type Book struct {
	Pair Pair
	// askGiveLow holds offers that give the Low token (want High).
	askGiveLow []*Offer
	// bidGiveHigh holds offers that give the High token (want Low).
	bidGiveHigh []*Offer
}

// NewBook constructs an empty book for pair.
func NewBook(pair Pair) *Book {
	return &Book{Pair: pair}
}

// Transfer is the settlement effect of a matched fill: a direct_transfer
// account-tx on one bilateral edge.
type Transfer struct {
	FromEntity ids.EntityId
	ToEntity   ids.EntityId
	Token      ids.TokenId
	Amount     *big.Int
}

// side returns the resting slice an offer's give-token places it on, and
// whether that side is the askGiveLow side.
func (b *Book) sideFor(o *Offer) (*[]*Offer, bool) {
	if o.GiveToken == b.Pair.Low {
		return &b.askGiveLow, true
	}
	return &b.bidGiveHigh, false
}

// crossingSide is the opposite side an incoming offer matches against.
func (b *Book) crossingSide(isLow bool) *[]*Offer {
	if isLow {
		return &b.bidGiveHigh
	}
	return &b.askGiveLow
}

// ceilDiv computes ceil(num/den) for non-negative num, positive den.
func ceilDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Place quantizes and inserts offer into the book, matching it against any
// crossing resting offers first. It returns the list of
// Transfers produced by any fills and, if the offer has remaining size
// after matching, leaves it resting in the book (unless it was fully
// filled or aborted by an unmet MinFillRatio).
//
// hub is the entity hosting the book; all Transfers route through it
// (taker<->hub, hub<->maker).
func (b *Book) Place(o *Offer, hub ids.EntityId) ([]Transfer, error) {
	if o.GiveAmount.Sign() <= 0 || o.WantAmount.Sign() <= 0 {
		return nil, rcerrors.Admission("amount", "give/want amounts must be positive")
	}
	o.QuantizedGive = quantize(o.GiveAmount)
	o.QuantizedWant = quantize(o.WantAmount)
	if o.QuantizedGive.Sign() <= 0 {
		return nil, rcerrors.Admission("lot_size", "offer is smaller than one lot")
	}

	_, isLow := b.sideFor(o)
	crossing := b.crossingSide(isLow)

	var transfers []Transfer
	for o.QuantizedGive.Sign() > 0 && o.QuantizedWant.Sign() > 0 && len(*crossing) > 0 {
		maker := (*crossing)[0]

		// Price compatibility, cross-multiplied to avoid rationals: the
		// taker's offered rate (give per unit wanted) must meet or beat
		// the maker's ask (want per unit given):
		//   o.want * maker.want <= o.give * maker.give
		lhs := new(big.Int).Mul(o.QuantizedWant, maker.QuantizedWant)
		rhs := new(big.Int).Mul(o.QuantizedGive, maker.QuantizedGive)
		if lhs.Cmp(rhs) > 0 {
			break
		}

		// The overlap: how much of the maker's give-token changes hands,
		// bounded by the taker's remaining want.
		fillMakerGive := new(big.Int).Set(o.QuantizedWant)
		if maker.QuantizedGive.Cmp(fillMakerGive) < 0 {
			fillMakerGive.Set(maker.QuantizedGive)
		}

		// Taker pays at the maker's own price, ceil-rounded so the taker
		// never pays less than the implied price.
		takerPay := ceilDiv(new(big.Int).Mul(fillMakerGive, maker.QuantizedWant), maker.QuantizedGive)
		if takerPay.Cmp(o.QuantizedGive) > 0 {
			// The taker cannot afford the full overlap; shrink the fill
			// to what its give budget buys at the maker's price.
			fillMakerGive = new(big.Int).Mul(o.QuantizedGive, maker.QuantizedGive)
			fillMakerGive.Div(fillMakerGive, maker.QuantizedWant)
			if fillMakerGive.Sign() <= 0 {
				break
			}
			takerPay = ceilDiv(new(big.Int).Mul(fillMakerGive, maker.QuantizedWant), maker.QuantizedGive)
		}

		// minFillRatio on both orders: a fill below the order's minimum
		// fraction of its remaining size aborts rather than under-fills.
		// 65535 == 100%.
		if underMinFill(fillMakerGive, o.QuantizedWant, o.MinFillRatio) {
			break
		}
		if underMinFill(fillMakerGive, maker.QuantizedGive, maker.MinFillRatio) {
			break
		}

		transfers = append(transfers,
			Transfer{FromEntity: o.CounterpartyEntity, ToEntity: hub, Token: o.GiveToken, Amount: takerPay},
			Transfer{FromEntity: hub, ToEntity: o.CounterpartyEntity, Token: maker.GiveToken, Amount: fillMakerGive},
			Transfer{FromEntity: maker.CounterpartyEntity, ToEntity: hub, Token: maker.GiveToken, Amount: fillMakerGive},
			Transfer{FromEntity: hub, ToEntity: maker.CounterpartyEntity, Token: o.GiveToken, Amount: takerPay},
		)

		o.QuantizedGive.Sub(o.QuantizedGive, takerPay)
		o.QuantizedWant.Sub(o.QuantizedWant, fillMakerGive)
		maker.QuantizedGive.Sub(maker.QuantizedGive, fillMakerGive)
		maker.QuantizedWant.Sub(maker.QuantizedWant, takerPay)

		if maker.QuantizedGive.Cmp(LotSize) < 0 || maker.QuantizedWant.Sign() <= 0 {
			*crossing = (*crossing)[1:]
		}
	}

	// Rest only if the offer still wants something; a fully want-filled
	// offer is consumed even with give budget left over.
	if o.QuantizedWant.Sign() > 0 && o.QuantizedGive.Cmp(LotSize) >= 0 {
		side, _ := b.sideFor(o)
		*side = append(*side, o)
		b.sortSide(side, isLow)
	}

	return transfers, nil
}

// underMinFill reports whether fill is below minRatio (in 65535ths) of size.
func underMinFill(fill, size *big.Int, minRatio uint16) bool {
	if minRatio == 0 {
		return false
	}
	lhs := new(big.Int).Mul(fill, big.NewInt(FillRatioScale))
	rhs := new(big.Int).Mul(size, big.NewInt(int64(minRatio)))
	return lhs.Cmp(rhs) < 0
}

// sortSide keeps a book side in best-price-first, then insertion (time)
// order. Go's sort.SliceStable preserves arrival order among equal prices.
func (b *Book) sortSide(side *[]*Offer, isLow bool) {
	sort.SliceStable(*side, func(i, j int) bool {
		a, c := (*side)[i], (*side)[j]
		// Lower ask price (more given per unit wanted) sorts first on the
		// askGiveLow side; higher bid price sorts first on bidGiveHigh.
		lhs := new(big.Int).Mul(a.QuantizedGive, c.QuantizedWant)
		rhs := new(big.Int).Mul(c.QuantizedGive, a.QuantizedWant)
		if isLow {
			return lhs.Cmp(rhs) > 0
		}
		return lhs.Cmp(rhs) > 0
	})
}

// Cancel removes offerID if posterEntity is its original poster.
func (b *Book) Cancel(offerID uint64, posterEntity ids.EntityId) (*Offer, error) {
	for _, side := range []*[]*Offer{&b.askGiveLow, &b.bidGiveHigh} {
		for i, o := range *side {
			if o.OfferID != offerID {
				continue
			}
			if o.CounterpartyEntity != posterEntity {
				return nil, rcerrors.Admission("poster", "only the original poster may cancel offer %d", offerID)
			}
			*side = append((*side)[:i], (*side)[i+1:]...)
			return o, nil
		}
	}
	return nil, rcerrors.Admission("not_found", "offer %d not resting in book", offerID)
}

// Offers returns a snapshot of all resting offers across both sides.
func (b *Book) Offers() []*Offer {
	out := make([]*Offer, 0, len(b.askGiveLow)+len(b.bidGiveHigh))
	out = append(out, b.askGiveLow...)
	out = append(out, b.bidGiveHigh...)
	return out
}
