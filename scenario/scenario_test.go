package scenario

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/orderbook"
	"github.com/rcpan/core/runtime"
)

// openPair opens the a<->b edge from both sides and extends mutual credit
// for each listed token.
func openPair(h *Harness, a, b ids.EntityId, credit *big.Int, tokens ...ids.TokenId) {
	h.Submit(a, entity.EntityTx{Tag: "openAccount", OpenAccount: &entity.OpenAccountTx{Counterparty: b}})
	h.Submit(b, entity.EntityTx{Tag: "openAccount", OpenAccount: &entity.OpenAccountTx{Counterparty: a}})
	h.Converge(20)
	for _, token := range tokens {
		h.Submit(a, entity.EntityTx{Tag: "extendCredit", ExtendCredit: &entity.ExtendCreditEntityTx{
			Counterparty: b, TokenId: token, Amount: new(big.Int).Set(credit),
		}})
		h.Converge(20)
		h.Submit(b, entity.EntityTx{Tag: "extendCredit", ExtendCredit: &entity.ExtendCreditEntityTx{
			Counterparty: a, TokenId: token, Amount: new(big.Int).Set(credit),
		}})
		h.Converge(20)
	}
}

func pay(h *Harness, from ids.EntityId, route []ids.EntityId, token ids.TokenId, amount *big.Int) {
	h.Submit(from, entity.EntityTx{Tag: "directPayment", DirectPayment: &entity.DirectPaymentTx{
		Route: route, TokenId: token, Amount: amount,
	}})
	h.Converge(30)
}

// leftTotal reads the committed LEFT-perspective totalDelta of the a<->b
// edge for token, from a's replica.
func leftTotal(t *testing.T, h *Harness, a, b ids.EntityId, token ids.TokenId) *big.Int {
	t.Helper()
	view := h.Account(a, b)
	require.NotNil(t, view)
	d := view.Machine.DeltaFor(token)
	return d.TotalDelta()
}

// TestScenarioA covers multi-sig consensus, 2-of-3 with one validator
// offline.
func TestScenarioA(t *testing.T) {
	h := New(0xA1, 6)
	usdc := Token("USDC")

	alice := h.ImportEntity("alice", []string{"s1", "s2", "s3"}, []string{"s1", "s2"}, 2)
	hub := h.ImportEntity("hub", []string{"h1"}, []string{"h1"}, 1)
	h.Converge(5)

	openPair(h, alice, hub, Units(1_000_000), usdc)

	pay(h, alice, []ids.EntityId{hub}, usdc, Units(1000))

	aliceIsLeft := ids.IsLeft(alice, hub)
	want := Units(-1000)
	if !aliceIsLeft {
		want = Units(1000)
	}
	require.Zero(t, want.Cmp(leftTotal(t, h, alice, hub, usdc)),
		"offdelta after first payment")
	// Both replicas agree on the edge.
	require.Zero(t, want.Cmp(leftTotal(t, h, hub, alice, usdc)))

	// s3 is still offline; a second payment commits on s1+s2 weight alone.
	pay(h, alice, []ids.EntityId{hub}, usdc, Units(500))
	want = Units(-1500)
	if !aliceIsLeft {
		want = Units(1500)
	}
	require.Zero(t, want.Cmp(leftTotal(t, h, alice, hub, usdc)),
		"offdelta after second payment")

	// Committed bilateral frames carry a counterparty hanko; the edge saw
	// two credit frames and two transfer frames.
	am := h.Account(alice, hub).Machine
	require.NotEmpty(t, am.CounterpartyDisputeProofHanko.Sigs)
	require.EqualValues(t, 4, am.CurrentHeight)
}

// TestScenarioB covers dispute unilaterality.
func TestScenarioB(t *testing.T) {
	const disputeTimeout = 3
	h := New(0xB2, disputeTimeout)
	usdc := Token("USDC")

	alice := h.ImportEntity("alice", []string{"a1"}, []string{"a1"}, 1)
	hub := h.ImportEntity("hub", []string{"h1"}, []string{"h1"}, 1)
	h.Converge(5)
	openPair(h, alice, hub, Units(50_000), usdc)

	// An ordinary settled frame first.
	pay(h, alice, []ids.EntityId{hub}, usdc, Units(100))
	require.NotEmpty(t, h.Account(alice, hub).Machine.CounterpartyDisputeProofHanko.Sigs)
	balanceBefore := new(big.Int).Set(leftTotal(t, h, alice, hub, usdc))

	countJClaims := func(am *account.AccountMachine) int {
		n := 0
		for _, f := range am.FrameHistory {
			for _, tx := range f.AccountTxs {
				if tx.Tag == "j_event_claim" {
					n++
				}
			}
		}
		return n
	}
	claimsBefore := countJClaims(h.Account(alice, hub).Machine)

	// disputeStart and a payment in the same tick: the freeze wins.
	h.Submit(alice, entity.EntityTx{Tag: "disputeStart", DisputeStart: &entity.DisputeStartEntityTx{
		Counterparty: hub, TokenId: usdc,
	}})
	h.Submit(alice, entity.EntityTx{Tag: "directPayment", DirectPayment: &entity.DirectPaymentTx{
		Route: []ids.EntityId{hub}, TokenId: usdc, Amount: Units(5),
	}})
	h.Tick()

	am := h.Account(alice, hub).Machine
	require.Equal(t, account.StatusDisputed, am.Status, "edge frozen in the same tick")
	require.Nil(t, am.PendingFrame)
	require.Zero(t, balanceBefore.Cmp(leftTotal(t, h, alice, hub, usdc)),
		"rejected payment must not move offdelta")
	require.NotEmpty(t, h.Env.FrameLogs,
		"the gated payment surfaces in frameLogs, never silently dropped")

	// Flush the disputeStart on-chain and observe it on both sides.
	h.Submit(alice, entity.EntityTx{Tag: "j_broadcast"})
	h.Converge(10)
	h.Mine(1)
	h.Converge(10)
	require.Equal(t, account.StatusDisputed, h.Account(hub, alice).Machine.Status)
	require.NotNil(t, h.Account(alice, hub).Machine.ActiveDispute)

	nonceBefore := h.Account(alice, hub).Machine.OnChainSettlementNonce

	// Past the timeout, either side finalizes.
	h.Mine(disputeTimeout)
	h.Converge(10)
	h.Submit(alice, entity.EntityTx{Tag: "disputeFinalize", DisputeFinalize: &entity.DisputeFinalizeEntityTx{
		Counterparty: hub, TokenId: usdc,
		FinalOndelta: big.NewInt(0), FinalCollateral: big.NewInt(0),
	}})
	h.Converge(10)
	h.Submit(alice, entity.EntityTx{Tag: "j_broadcast"})
	h.Converge(10)
	h.Mine(1)
	h.Converge(10)

	for _, side := range []ids.EntityId{alice, hub} {
		am := h.Account(side, counterpartyOf(side, alice, hub)).Machine
		require.Equal(t, account.StatusActive, am.Status, "edge reopened on both sides")
		require.Nil(t, am.ActiveDispute)
		require.Greater(t, am.OnChainSettlementNonce, nonceBefore)
		require.Equal(t, am.OnChainSettlementNonce+1, am.ProofHeader.Nonce)
	}

	// The dispute path added no bilateral j_event_claim frames.
	require.Equal(t, claimsBefore, countJClaims(h.Account(alice, hub).Machine))

	// Business traffic resumes.
	before := new(big.Int).Set(leftTotal(t, h, alice, hub, usdc))
	pay(h, alice, []ids.EntityId{hub}, usdc, Units(10))
	require.NotZero(t, before.Cmp(leftTotal(t, h, alice, hub, usdc)))
}

func counterpartyOf(of, a, b ids.EntityId) ids.EntityId {
	if of == a {
		return b
	}
	return a
}

// TestScenarioC covers the settlement-workspace happy path.
func TestScenarioC(t *testing.T) {
	h := New(0xC3, 6)
	usdc := Token("USDC")

	alice := h.ImportEntity("alice", []string{"a1"}, []string{"a1"}, 1)
	hub := h.ImportEntity("hub", []string{"h1"}, []string{"h1"}, 1)
	h.Converge(5)
	openPair(h, alice, hub, Units(50_000), usdc)

	h.Fund(alice, usdc, Units(100))
	h.Mine(1)
	h.Converge(10)
	require.Zero(t, Units(100).Cmp(h.Proposer(alice).State.Reserves[usdc]))

	aliceIsLeft := ids.IsLeft(alice, hub)
	h.Submit(alice, entity.EntityTx{Tag: "settle_propose", SettleOp: &entity.SettleOpEntityTx{
		Counterparty: hub,
		SettleTag:    "settle_propose",
		Ops: []account.SettlementOp{{
			Kind:    account.OpReserveToCollateral,
			TokenId: usdc,
			Amount:  Units(100),
			ByLeft:  aliceIsLeft,
		}},
	}})
	h.Converge(10)

	// Auto-approved: the deposit never reduces the hub's reserve.
	ws := h.Account(alice, hub).Machine.Workspace
	require.NotNil(t, ws)
	require.Equal(t, account.WorkspaceReadyToSubmit, ws.Status)
	require.NotNil(t, ws.LeftHanko)
	require.NotNil(t, ws.RightHanko)

	h.Submit(alice, entity.EntityTx{Tag: "settle_execute", SettleOp: &entity.SettleOpEntityTx{
		Counterparty: hub, SettleTag: "settle_execute",
	}})
	h.Converge(10)

	require.Nil(t, h.Account(alice, hub).Machine.Workspace, "workspace cleared on execute")
	require.Nil(t, h.Account(hub, alice).Machine.Workspace)
	require.Len(t, h.Proposer(alice).State.JBatchState.Settlements, 1)
	require.Empty(t, h.Proposer(hub).State.JBatchState.Settlements,
		"only the executing side queues the on-chain op")

	h.Submit(alice, entity.EntityTx{Tag: "j_broadcast"})
	h.Converge(10)
	h.Mine(1)
	h.Converge(10)

	for _, side := range []ids.EntityId{alice, hub} {
		am := h.Account(side, counterpartyOf(side, alice, hub)).Machine
		require.Equal(t, uint64(1), am.OnChainSettlementNonce, "nonce advanced once on both sides")
		d := am.DeltaFor(usdc)
		require.Zero(t, Units(100).Cmp(d.Collateral), "collateral grew by the deposit")
		require.Zero(t, d.LeftSettleHold.Sign(), "settle holds released")
		require.Zero(t, d.RightSettleHold.Sign())
	}
	require.Zero(t, h.Proposer(alice).State.Reserves[usdc].Sign(), "reserve spent into collateral")
}

// TestScenarioD covers the hub rebalance crontab, direct R->C only.
func TestScenarioD(t *testing.T) {
	h := New(0xD4, 6)
	usdc := Token("USDC")

	hub := h.ImportEntity("hub", []string{"h1"}, []string{"h1"}, 1)
	spokes := map[string]ids.EntityId{}
	for _, name := range []string{"alice", "bob", "charlie", "dave"} {
		spokes[name] = h.ImportEntity(name, []string{name + "1"}, []string{name + "1"}, 1)
	}
	h.Converge(5)
	for _, spoke := range spokes {
		openPair(h, hub, spoke, Units(50_000), usdc)
	}

	// The hub funds each edge's initial $5,000 collateral from reserve.
	h.Fund(hub, usdc, Units(40_000))
	h.Mine(1)
	h.Converge(10)
	for _, spoke := range spokes {
		h.Submit(hub, entity.EntityTx{Tag: "deposit_collateral", DepositCollateral: &entity.DepositCollateralTx{
			Counterparty: spoke, TokenId: usdc, Amount: Units(5000),
		}})
		h.Converge(10)
	}
	h.Submit(hub, entity.EntityTx{Tag: "j_broadcast"})
	h.Converge(10)
	h.Mine(1)
	h.Converge(10)

	// Routed payments drive Bob and Dave's edges past their collateral.
	pay(h, spokes["alice"], []ids.EntityId{hub, spokes["bob"]}, usdc, Units(8000))
	pay(h, spokes["charlie"], []ids.EntityId{hub, spokes["dave"]}, usdc, Units(12_000))

	hubUncollateralized := func(spoke ids.EntityId) *big.Int {
		return h.Account(hub, spoke).View(usdc).UncollateralizedCreditUsed
	}
	require.Zero(t, Units(3000).Cmp(hubUncollateralized(spokes["bob"])))
	require.Zero(t, Units(7000).Cmp(hubUncollateralized(spokes["dave"])))

	for _, name := range []string{"bob", "dave"} {
		h.Submit(spokes[name], entity.EntityTx{Tag: "setRebalancePolicy", SetRebalancePolicy: &entity.SetRebalancePolicyTx{
			Hub:              hub,
			SoftLimit:        Units(1000),
			HardLimit:        Units(20_000),
			MaxAcceptableFee: Units(100),
		}})
	}
	h.Converge(10)
	h.Submit(hub, entity.EntityTx{Tag: "setHubConfig", SetHubConfig: &entity.SetHubConfigTx{
		CrontabInterval: 30,
	}})
	h.Converge(10)

	settlementsBefore := len(h.Proposer(hub).State.JBatchState.Settlements)

	h.AdvanceTime(31)
	h.Tick()

	batch := &h.Proposer(hub).State.JBatchState
	require.Len(t, batch.ReserveToCollateral, 2, "one direct R->C per breaching edge")
	require.Empty(t, batch.CollateralToReserve, "no C->R in the direct path")
	require.Equal(t, settlementsBefore, len(batch.Settlements), "no settlement-workspace churn")

	queued := map[ids.EntityId]*big.Int{}
	for _, op := range batch.ReserveToCollateral {
		queued[op.Counterparty] = op.Amount
	}
	require.Zero(t, Units(3000).Cmp(queued[spokes["bob"]]))
	require.Zero(t, Units(7000).Cmp(queued[spokes["dave"]]))

	nonceBefore := h.Account(hub, spokes["bob"]).Machine.OnChainSettlementNonce

	h.Submit(hub, entity.EntityTx{Tag: "j_broadcast"})
	h.Converge(10)
	h.Mine(1)
	h.Converge(10)

	require.Zero(t, Units(8000).Cmp(h.Account(hub, spokes["bob"]).Machine.DeltaFor(usdc).Collateral))
	require.Zero(t, Units(12_000).Cmp(h.Account(hub, spokes["dave"]).Machine.DeltaFor(usdc).Collateral))
	require.Zero(t, hubUncollateralized(spokes["bob"]).Sign())
	require.Zero(t, hubUncollateralized(spokes["dave"]).Sign())
	require.Equal(t, nonceBefore, h.Account(hub, spokes["bob"]).Machine.OnChainSettlementNonce,
		"direct R->C advances no settlement nonce")

	// Any outstanding rebalance request has drained to zero.
	for _, name := range []string{"bob", "dave"} {
		if req := h.Account(hub, spokes[name]).Machine.RequestedRebalance[usdc]; req != nil {
			require.Zero(t, req.Sign())
		}
	}
}

// TestScenarioE covers an orderbook match with ceil-rounded pricing.
func TestScenarioE(t *testing.T) {
	h := New(0xE5, 6)
	usdc := Token("USDC")
	eth := Token("ETH")

	hub := h.ImportEntity("hub", []string{"h1"}, []string{"h1"}, 1)
	bob := h.ImportEntity("bob", []string{"b1"}, []string{"b1"}, 1)
	carol := h.ImportEntity("carol", []string{"c1"}, []string{"c1"}, 1)
	h.Converge(5)
	openPair(h, hub, bob, Units(1_000_000), usdc, eth)
	openPair(h, hub, carol, Units(1_000_000), usdc, eth)

	h.Submit(hub, entity.EntityTx{Tag: "initOrderbookExt"})
	h.Converge(5)

	// Bob rests an ask: 5 ETH for 15,250 USDC, min fill 50%.
	h.Submit(bob, entity.EntityTx{Tag: "placeSwapOffer", PlaceSwapOffer: &entity.PlaceSwapOfferEntityTx{
		Counterparty: hub,
		Offer: &orderbook.Offer{
			OfferID:            1,
			CounterpartyEntity: bob,
			GiveToken:          eth,
			GiveAmount:         Amount(5),
			WantToken:          usdc,
			WantAmount:         Amount(15_250),
			MinFillRatio:       32767, // FILL_50
		},
	}})
	h.Converge(20)

	// Carol crosses: 9,300 USDC for 3 ETH.
	h.Submit(carol, entity.EntityTx{Tag: "placeSwapOffer", PlaceSwapOffer: &entity.PlaceSwapOfferEntityTx{
		Counterparty: hub,
		Offer: &orderbook.Offer{
			OfferID:            2,
			CounterpartyEntity: carol,
			GiveToken:          usdc,
			GiveAmount:         Amount(9300),
			WantToken:          eth,
			WantAmount:         Amount(3),
			MinFillRatio:       0,
		},
	}})
	h.Converge(30)

	// 3 ETH at the maker's 3,050/ETH, ceil-rounded: 9,150 USDC.
	signedFor := func(payer, cp ids.EntityId, v int64) *big.Int {
		if ids.IsLeft(payer, cp) {
			return Amount(-v)
		}
		return Amount(v)
	}
	require.Zero(t, signedFor(bob, hub, 3).Cmp(leftTotal(t, h, bob, hub, eth)),
		"bob delivered 3 ETH")
	require.Zero(t, signedFor(hub, bob, 9150).Cmp(leftTotal(t, h, bob, hub, usdc)),
		"bob received 9,150 USDC")
	require.Zero(t, signedFor(carol, hub, 9150).Cmp(leftTotal(t, h, carol, hub, usdc)),
		"carol paid 9,150 USDC")
	require.Zero(t, signedFor(hub, carol, 3).Cmp(leftTotal(t, h, carol, hub, eth)),
		"carol received 3 ETH")

	// Bob's resting offer decremented to 2 ETH; Carol's fully consumed.
	ext := h.Proposer(hub).State.OrderbookExt
	require.NotNil(t, ext)
	var restingGive *big.Int
	resting := 0
	for _, book := range ext.Books {
		for _, o := range book.Offers() {
			resting++
			restingGive = o.QuantizedGive
			require.Equal(t, uint64(1), o.OfferID, "only bob's offer rests")
		}
	}
	require.Equal(t, 1, resting)
	require.Zero(t, Amount(2).Cmp(restingGive))

	// Fills appear as committed direct_transfer frames on both edges.
	for _, side := range []ids.EntityId{bob, carol} {
		found := false
		for _, f := range h.Account(side, hub).Machine.FrameHistory {
			for _, tx := range f.AccountTxs {
				if tx.Tag == "direct_transfer" {
					found = true
				}
			}
		}
		require.True(t, found, "fill transfers committed on the %s edge", side)
	}
}

// TestScenarioF covers determinism: identical seeds and scripts yield
// byte-identical histories, and replaying a history reproduces it.
func TestScenarioF(t *testing.T) {
	script := func() *Harness {
		h := New(0xF6, 6)
		usdc := Token("USDC")
		alice := h.ImportEntity("alice", []string{"s1", "s2", "s3"}, []string{"s1", "s2"}, 2)
		hub := h.ImportEntity("hub", []string{"h1"}, []string{"h1"}, 1)
		h.Converge(5)
		openPair(h, alice, hub, Units(1_000_000), usdc)
		pay(h, alice, []ids.EntityId{hub}, usdc, Units(1000))
		pay(h, alice, []ids.EntityId{hub}, usdc, Units(500))
		return h
	}

	h1 := script()
	h2 := script()

	require.Equal(t, len(h1.Env.History), len(h2.Env.History))
	for i := range h1.Env.History {
		require.Equal(t, h1.Env.History[i].StateRoot, h2.Env.History[i].StateRoot,
			"frame %d state roots diverge", i)
	}

	// Replay h1's recorded history into a fresh env.
	replay := runtime.CreateEmptyEnv(h1.Env.RuntimeSeed)
	replay.ScenarioMode = true
	for _, frame := range h1.Env.History {
		replay.Timestamp = frame.Timestamp
		require.NoError(t, runtime.ApplyRuntimeInput(replay, runtime.RuntimeInput{
			RuntimeTxs:   frame.RuntimeTxs,
			EntityInputs: frame.EntityInputs,
		}))
		got := replay.History[len(replay.History)-1].StateRoot
		require.Equal(t, frame.StateRoot, got, "replayed frame %d diverges", frame.Height)
	}
}
