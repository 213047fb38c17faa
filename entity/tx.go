package entity

import (
	"math/big"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/orderbook"
)

// EntityTx is the tagged union of entity-tx dispatch types.
// At most one typed payload field is populated, selected by Tag; the
// payloadless tags (initOrderbookExt, j_broadcast) carry the Tag alone.
type EntityTx struct {
	Tag string

	OpenAccount     *OpenAccountTx
	ExtendCredit    *ExtendCreditEntityTx
	SetCreditLimit  *SetCreditLimitTx
	DirectPayment   *DirectPaymentTx
	SettleOp        *SettleOpEntityTx
	SetRebalancePolicy *SetRebalancePolicyTx
	SetHubConfig    *SetHubConfigTx
	DepositCollateral *DepositCollateralTx
	SendRebalanceQuote *SendRebalanceQuoteTx
	AcceptRebalanceQuote *AcceptRebalanceQuoteTx
	PlaceSwapOffer  *PlaceSwapOfferEntityTx
	CancelSwapOffer *CancelSwapOfferEntityTx
	DisputeStart    *DisputeStartEntityTx
	DisputeFinalize *DisputeFinalizeEntityTx
	ReopenDisputed  *ReopenDisputedTx
	JEventClaim     *JEventClaimEntityTx
	MintReserves    *MintReservesTx
}

// OpenAccountTx creates (idempotently) an AccountMachine with a
// counterparty.
type OpenAccountTx struct {
	Counterparty ids.EntityId
}

// ExtendCreditEntityTx dispatches an extend_credit account-tx to the named
// edge.
type ExtendCreditEntityTx struct {
	Counterparty ids.EntityId
	TokenId      ids.TokenId
	Amount       *big.Int
}

// SetCreditLimitTx sets (rather than increments) the credit the caller
// extends; it rides the same extend_credit account-tx with SetAbsolute.
type SetCreditLimitTx struct {
	Counterparty ids.EntityId
	TokenId      ids.TokenId
	Amount       *big.Int
}

// DirectPaymentTx is a routed, single- or multi-hop payment; each hop is
// one bilateral A-frame. Route lists
// intermediate entities; the final element is the recipient. Forwarded
// marks a dispatch synthesized by processForwards, the only place the
// hub's routing fee applies.
type DirectPaymentTx struct {
	Route     []ids.EntityId
	TokenId   ids.TokenId
	Amount    *big.Int
	Forwarded bool
}

// SettleOpEntityTx wraps one of the settle_* account-txs for dispatch to a
// named edge.
type SettleOpEntityTx struct {
	Counterparty ids.EntityId
	SettleTag    string // "settle_propose" | "settle_update" | "settle_approve" | "settle_execute" | "settle_reject"
	Ops          []account.SettlementOp
}

// SetRebalancePolicyTx declares a non-hub entity's rebalance thresholds to
// its hub.
type SetRebalancePolicyTx struct {
	Hub              ids.EntityId
	SoftLimit        *big.Int
	HardLimit        *big.Int
	MaxAcceptableFee *big.Int
}

// SetHubConfigTx marks this entity as a rebalance hub.
type SetHubConfigTx struct {
	CrontabInterval uint64
	MaxFeePPM       uint64
}

// DepositCollateralTx funds an edge directly from the caller's reserves.
type DepositCollateralTx struct {
	Counterparty ids.EntityId
	TokenId      ids.TokenId
	Amount       *big.Int
}

// SendRebalanceQuoteTx/AcceptRebalanceQuoteTx implement the
// request/fulfillment half of the rebalance protocol's fee negotiation.
type SendRebalanceQuoteTx struct {
	Counterparty ids.EntityId
	TokenId      ids.TokenId
	Amount       *big.Int
	FeePPM       uint64
}

type AcceptRebalanceQuoteTx struct {
	Counterparty ids.EntityId
	TokenId      ids.TokenId
	Amount       *big.Int
}

// PlaceSwapOfferEntityTx/CancelSwapOfferEntityTx dispatch to the hub's
// orderbook.
type PlaceSwapOfferEntityTx struct {
	Counterparty ids.EntityId // the hub hosting the book
	Offer        *orderbook.Offer
}

type CancelSwapOfferEntityTx struct {
	Counterparty ids.EntityId
	OfferID      uint64
}

// DisputeStartEntityTx/DisputeFinalizeEntityTx/ReopenDisputedTx dispatch to
// the dispute subsystem.
type DisputeStartEntityTx struct {
	Counterparty ids.EntityId
	TokenId      ids.TokenId
}

type DisputeFinalizeEntityTx struct {
	Counterparty    ids.EntityId
	TokenId         ids.TokenId
	FinalOndelta    *big.Int
	FinalCollateral *big.Int
}

type ReopenDisputedTx struct {
	Counterparty ids.EntityId
}

// JEventClaimEntityTx ingests one finalized on-chain event. Counterparty is the zero value for
// entity-scoped events (ReserveUpdated).
type JEventClaimEntityTx struct {
	Counterparty ids.EntityId
	BlockNumber  uint64
	LogIndex     uint32
	Kind         string
	TokenId      ids.TokenId
	Payload      interface{}
}

// MintReservesTx is the test/bootstrap-only reserve mint.
type MintReservesTx struct {
	TokenId ids.TokenId
	Amount  *big.Int
}
