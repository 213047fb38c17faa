package entity

import (
	"github.com/rcpan/core/account"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/orderbook"
	"github.com/rcpan/core/rcerrors"
)

// bookFor returns (creating if absent) the hub's book for the offer's pair.
func (es *EntityState) bookFor(giveToken, wantToken ids.TokenId) *orderbook.Book {
	pair := orderbook.MakePair(giveToken, wantToken)
	b, ok := es.OrderbookExt.Books[pair]
	if !ok {
		b = orderbook.NewBook(pair)
		es.OrderbookExt.Books[pair] = b
	}
	return b
}

// processCommittedFrame runs the hub-side follow-ups for a bilateral frame
// that just committed on the (es, from) edge. Today that is the orderbook
// engine: place_swap_offer txs are matched against the hub's
// book and any fills are dispatched as direct_transfer frames on the two
// edges involved (taker<->hub, hub<->maker).
func (es *EntityState) processCommittedFrame(from ids.EntityId, frame account.Frame) ([]Output, error) {
	if es.OrderbookExt == nil {
		return nil, nil
	}

	var outputs []Output
	for _, tx := range frame.AccountTxs {
		switch tx.Tag {
		case "place_swap_offer":
			transfers, err := es.bookFor(
				tx.PlaceSwapOffer.Offer.GiveToken,
				tx.PlaceSwapOffer.Offer.WantToken,
			).Place(tx.PlaceSwapOffer.Offer, es.EntityId)
			if err != nil {
				return outputs, err
			}
			out, err := es.dispatchFills(transfers)
			if err != nil {
				return outputs, err
			}
			outputs = append(outputs, out...)

		case "cancel_swap_offer":
			for _, b := range es.OrderbookExt.Books {
				if _, err := b.Cancel(tx.CancelSwapOffer.OfferID, tx.Initiator); err == nil {
					break
				}
			}
		}
	}
	return outputs, nil
}

// dispatchFills turns match transfers into direct_transfer account-txs on
// the bilateral edges they settle over. Legs on the same edge are batched
// into one frame proposal so a fill's two movements (give in, get out)
// commit atomically per edge.
func (es *EntityState) dispatchFills(transfers []orderbook.Transfer) ([]Output, error) {
	perEdge := make(map[ids.EntityId][]account.AccountTx)
	var order []ids.EntityId
	for _, t := range transfers {
		counterparty := t.FromEntity
		if counterparty == es.EntityId {
			counterparty = t.ToEntity
		}
		if counterparty == es.EntityId {
			return nil, rcerrors.Invariant("fill_routing", "fill transfer does not touch the hub")
		}
		if _, seen := perEdge[counterparty]; !seen {
			order = append(order, counterparty)
		}
		perEdge[counterparty] = append(perEdge[counterparty], account.AccountTx{
			Tag:       "direct_transfer",
			Initiator: t.FromEntity,
			DirectTransfer: &account.DirectTransferTx{
				TokenId: t.Token,
				Amount:  t.Amount,
			},
		})
	}

	var outputs []Output
	for _, counterparty := range order {
		am := es.AccountFor(counterparty)
		am.Mempool = append(am.Mempool, perEdge[counterparty]...)
		pf, err := am.ProposeFrame(es.IsLeftOf(counterparty), es.ProposerSigner)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, Output{
			ToEntity: counterparty,
			Msg: Message{
				Kind:         "account_propose",
				FromEntity:   es.EntityId,
				AccountFrame: pf,
			},
		})
	}
	return outputs, nil
}
