// Package account implements the A-layer bilateral account frame protocol:
// the two-party state machine that advances an edge's Delta state one
// signed frame at a time and produces the proof header either side can
// submit unilaterally during a dispute. Frames move through a
// propose -> counter-sign -> commit pipeline; exactly one frame is in
// flight per edge at a time.
package account

import (
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rcpan/core/delta"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/orderbook"
)

// Status is the lifecycle state of an AccountMachine.
type Status uint8

const (
	StatusActive Status = iota
	StatusDisputed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDisputed:
		return "disputed"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ProofHeader is the (nonce, totalDeltaHash, accountRoot) triple both sides
// sign after every commit.
type ProofHeader struct {
	Nonce          uint64
	TotalDeltaHash chainhash.Hash
	AccountRoot    chainhash.Hash
}

// AccountTx is the tagged union of bilateral operations.
// At most one typed payload field is populated, selected by Tag;
// reopen_disputed carries the Tag alone.
type AccountTx struct {
	Tag       string
	Initiator ids.EntityId

	DirectTransfer  *DirectTransferTx
	ExtendCredit    *ExtendCreditTx
	SettleOp        *SettleOpTx
	PlaceSwapOffer  *PlaceSwapOfferTx
	CancelSwapOffer *CancelSwapOfferTx
	DisputeStart    *DisputeStartTx
	DisputeFinalize *DisputeFinalizeTx
	JEventClaim     *JEventClaimTx
}

// DirectTransferTx moves offdelta by ±amount, encoded from the LEFT
// perspective. Route carries the remaining hops of a routed
// payment: a recipient seeing a non-empty Route forwards the amount to
// Route[0] on its own edge.
type DirectTransferTx struct {
	TokenId ids.TokenId
	Amount  *big.Int
	Route   []ids.EntityId
}

// ExtendCreditTx raises the credit the initiator extends to the
// counterparty. SetAbsolute replaces the limit
// instead of incrementing it (the setCreditLimit dispatch tag).
type ExtendCreditTx struct {
	TokenId     ids.TokenId
	Amount      *big.Int
	SetAbsolute bool
}

// PlaceSwapOfferTx places an offer on the edge's shared orderbook.
type PlaceSwapOfferTx struct {
	Offer *orderbook.Offer
}

// CancelSwapOfferTx removes an offer.
type CancelSwapOfferTx struct {
	OfferID uint64
}

// DisputeStartTx freezes the edge.
type DisputeStartTx struct {
	TokenId ids.TokenId
}

// DisputeFinalizeTx resumes the edge after the on-chain timeout.
type DisputeFinalizeTx struct {
	TokenId           ids.TokenId
	FinalOndelta      *big.Int
	FinalCollateral   *big.Int
}

// JEventClaimTx ingests a finalized on-chain event.
type JEventClaimTx struct {
	BlockNumber uint64
	LogIndex    uint32
	Kind        string // "ReserveUpdated" | "CollateralUpdated" | "SettlementProcessed" | "DisputeStarted" | "DisputeFinalized"
	TokenId     ids.TokenId
	Payload     interface{}
}

// Frame is one committed bilateral frame.
type Frame struct {
	FrameId       uint64
	PrevStateHash chainhash.Hash
	AccountTxs    []AccountTx
	ProofHeader   ProofHeader
	Hanko         hanko.Hanko // counterparty's signature over ProofHeader
}

// PendingFrame is a proposed-but-not-yet-committed frame, carrying the
// proposer's own signature while awaiting the counterparty's ACK.
type PendingFrame struct {
	Frame      Frame
	ProposerIsLeft bool
	ProposerSig    hanko.Signature
}

// ActiveDispute records the on-chain dispute window once DisputeStarted has
// been observed.
type ActiveDispute struct {
	TokenId           ids.TokenId
	DisputeTimeoutBlock uint64
	ChallengerHanko   hanko.Hanko
	StartedAtHeight   uint64
}

// AccountMachine is the bilateral state shared (by separate copies, per
// each side keeps its own copy) by the two entities of an edge.
type AccountMachine struct {
	LeftEntity  ids.EntityId
	RightEntity ids.EntityId

	Deltas map[ids.TokenId]*delta.Delta

	CurrentHeight uint64
	ProofHeader   ProofHeader

	OnChainSettlementNonce uint64

	FrameHistory []Frame
	Mempool      []AccountTx

	PendingFrame         *PendingFrame
	PendingAccountInput  *AccountTx

	Status Status

	SwapOffers map[uint64]*orderbook.Offer

	Workspace *SettlementWorkspace

	ActiveDispute               *ActiveDispute
	CounterpartyDisputeProofHanko hanko.Hanko

	RequestedRebalance map[ids.TokenId]*big.Int

	LastFinalizedJHeight uint64

	// PendingSettlements accumulates CompiledSettlement values produced by
	// settle_execute within the frame currently being committed; the
	// E-layer drains this into EntityState.jBatchState.settlements after
	// each commit.
	PendingSettlements []CompiledSettlement

	// ClaimedJEvents records the (blockNumber, logIndex) pairs already
	// ingested via j_event_claim, so re-delivery of the same event is a
	// no-op.
	ClaimedJEvents map[jEventKey]bool
}

type jEventKey struct {
	BlockNumber uint64
	LogIndex    uint32
}

// New constructs an empty, active AccountMachine for the canonical pair.
func New(a, b ids.EntityId) *AccountMachine {
	left, right := ids.CanonicalPair(a, b)
	return &AccountMachine{
		LeftEntity:          left,
		RightEntity:         right,
		Deltas:              make(map[ids.TokenId]*delta.Delta),
		Status:              StatusActive,
		SwapOffers:          make(map[uint64]*orderbook.Offer),
		RequestedRebalance:  make(map[ids.TokenId]*big.Int),
		ClaimedJEvents:      make(map[jEventKey]bool),
	}
}

// IsLeft reports whether entity is this machine's LEFT side.
func (am *AccountMachine) IsLeft(entity ids.EntityId) bool {
	return entity == am.LeftEntity
}

// Counterparty returns the other side of entity on this edge.
func (am *AccountMachine) Counterparty(entity ids.EntityId) ids.EntityId {
	if entity == am.LeftEntity {
		return am.RightEntity
	}
	return am.LeftEntity
}

// DeltaFor returns the Delta for tokenId, allocating a zeroed one if
// absent.
func (am *AccountMachine) DeltaFor(tokenId ids.TokenId) *delta.Delta {
	d, ok := am.Deltas[tokenId]
	if !ok {
		d = delta.New()
		am.Deltas[tokenId] = d
	}
	return d
}
