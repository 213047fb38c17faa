package orderbook

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcpan/core/ids"
)

var (
	eth  = ids.TokenId(ids.HashEntityId([]byte("token:ETH")))
	usdc = ids.TokenId(ids.HashEntityId([]byte("token:USDC")))

	hub   = ids.HashEntityId([]byte("hub"))
	bob   = ids.HashEntityId([]byte("bob"))
	carol = ids.HashEntityId([]byte("carol"))
)

func newOffer(id uint64, poster ids.EntityId, give ids.TokenId, giveAmt int64,
	want ids.TokenId, wantAmt int64, minFill uint16) *Offer {

	return &Offer{
		OfferID:            id,
		CounterpartyEntity: poster,
		GiveToken:          give,
		GiveAmount:         big.NewInt(giveAmt),
		WantToken:          want,
		WantAmount:         big.NewInt(wantAmt),
		MinFillRatio:       minFill,
	}
}

func TestCrossMatchCeilRounded(t *testing.T) {
	b := NewBook(MakePair(eth, usdc))

	// Bob rests: 5 ETH for 15,250 USDC (3,050/ETH), min fill 50%.
	transfers, err := b.Place(newOffer(1, bob, eth, 5, usdc, 15_250, 32767), hub)
	require.NoError(t, err)
	require.Empty(t, transfers, "no crossing offer yet")

	// Carol crosses: 9,300 USDC for 3 ETH (3,100/ETH bid).
	transfers, err = b.Place(newOffer(2, carol, usdc, 9300, eth, 3, 0), hub)
	require.NoError(t, err)
	require.Len(t, transfers, 4)

	// Carol pays at the maker's price, ceil-rounded: 9,150 USDC for 3 ETH.
	require.Zero(t, big.NewInt(9150).Cmp(transfers[0].Amount))
	require.Equal(t, carol, transfers[0].FromEntity)
	require.Equal(t, hub, transfers[0].ToEntity)
	require.Zero(t, big.NewInt(3).Cmp(transfers[1].Amount))
	require.Equal(t, bob, transfers[2].FromEntity)
	require.Zero(t, big.NewInt(3).Cmp(transfers[2].Amount))
	require.Zero(t, big.NewInt(9150).Cmp(transfers[3].Amount))

	// Bob's resting offer decremented; Carol's fully consumed.
	offers := b.Offers()
	require.Len(t, offers, 1)
	require.Equal(t, uint64(1), offers[0].OfferID)
	require.Zero(t, big.NewInt(2).Cmp(offers[0].QuantizedGive))
}

func TestMinFillRatioAborts(t *testing.T) {
	b := NewBook(MakePair(eth, usdc))

	_, err := b.Place(newOffer(1, bob, eth, 5, usdc, 15_250, 0), hub)
	require.NoError(t, err)

	// A taker demanding at least 100% fill of 10 ETH cannot be satisfied by
	// a 5 ETH maker: the match aborts and the taker rests.
	transfers, err := b.Place(newOffer(2, carol, usdc, 31_000, eth, 10, FillRatioScale), hub)
	require.NoError(t, err)
	require.Empty(t, transfers)
	require.Len(t, b.Offers(), 2)
}

func TestNonCrossingRests(t *testing.T) {
	b := NewBook(MakePair(eth, usdc))

	_, err := b.Place(newOffer(1, bob, eth, 5, usdc, 15_250, 0), hub)
	require.NoError(t, err)

	// Carol bids below the ask: 2,900/ETH vs 3,050 asked.
	transfers, err := b.Place(newOffer(2, carol, usdc, 8700, eth, 3, 0), hub)
	require.NoError(t, err)
	require.Empty(t, transfers)
	require.Len(t, b.Offers(), 2)
}

func TestPriceTimePriority(t *testing.T) {
	b := NewBook(MakePair(eth, usdc))

	// Two asks at different prices: the cheaper fills first.
	_, err := b.Place(newOffer(1, bob, eth, 5, usdc, 16_000, 0), hub)
	require.NoError(t, err)
	_, err = b.Place(newOffer(2, bob, eth, 5, usdc, 15_000, 0), hub)
	require.NoError(t, err)

	transfers, err := b.Place(newOffer(3, carol, usdc, 3200, eth, 1, 0), hub)
	require.NoError(t, err)
	require.Len(t, transfers, 4)
	// Filled at 3,000/ETH from offer 2, not 3,200 from offer 1.
	require.Zero(t, big.NewInt(3000).Cmp(transfers[0].Amount))
}

func TestCancelPosterOnly(t *testing.T) {
	b := NewBook(MakePair(eth, usdc))
	_, err := b.Place(newOffer(1, bob, eth, 5, usdc, 15_250, 0), hub)
	require.NoError(t, err)

	_, err = b.Cancel(1, carol)
	require.Error(t, err, "only the original poster may cancel")

	o, err := b.Cancel(1, bob)
	require.NoError(t, err)
	require.Equal(t, uint64(1), o.OfferID)
	require.Empty(t, b.Offers())

	_, err = b.Cancel(1, bob)
	require.Error(t, err, "cancelled offer is gone")
}

func TestZeroAmountRejected(t *testing.T) {
	b := NewBook(MakePair(eth, usdc))
	_, err := b.Place(newOffer(1, bob, eth, 0, usdc, 100, 0), hub)
	require.Error(t, err)
}
