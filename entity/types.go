// Package entity implements the E-layer per-entity consensus replica: a
// BFT-style proposer/validator state machine that dispatches entity-txs,
// advances bilateral A-machines, and accumulates outbound on-chain batch
// operations.
//
// Routed payments are forwarded hop by hop: an entity in the middle of a
// route observes the inbound leg and originates the outbound one.
package entity

import (
	"math/big"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/delta"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/orderbook"
)

// BatchOpStatus is the lifecycle of one outbound on-chain batch.
type BatchOpStatus uint8

const (
	BatchPending BatchOpStatus = iota
	BatchConfirmed
	BatchRejected
)

// SettlementBatchOp is one compiled settlement queued for broadcast.
type SettlementBatchOp struct {
	LeftEntity, RightEntity ids.EntityId
	Diffs                   []delta.SettlementDiff
}

// ReserveCollateralOp is one reserve<->collateral move queued for
// broadcast.
type ReserveCollateralOp struct {
	Counterparty ids.EntityId
	TokenId      ids.TokenId
	Amount       *big.Int
}

// DisputeStartOp/DisputeFinalizeOp are queued on-chain dispute calls.
type DisputeStartOp struct {
	Counterparty ids.EntityId
	TokenId      ids.TokenId
}

type DisputeFinalizeOp struct {
	Counterparty ids.EntityId
	TokenId      ids.TokenId
}

// JBatchState is the outbound on-chain batch an entity accumulates between
// broadcasts.
type JBatchState struct {
	Settlements         []SettlementBatchOp
	ReserveToCollateral []ReserveCollateralOp
	CollateralToReserve []ReserveCollateralOp
	DisputeStarts       []DisputeStartOp
	DisputeFinalizes    []DisputeFinalizeOp
	PendingBroadcast    bool
	Nonce               uint64
}

// OpCount is the total number of queued ops, used to size batchHistory
// entries.
func (b *JBatchState) OpCount() int {
	return len(b.Settlements) + len(b.ReserveToCollateral) + len(b.CollateralToReserve) +
		len(b.DisputeStarts) + len(b.DisputeFinalizes)
}

// BatchHistoryEntry records one broadcast attempt.
type BatchHistoryEntry struct {
	OpCount int
	Status  BatchOpStatus
	TxHash  *chainhashHash
}

// chainhashHash avoids importing chainhash into this file's public surface
// beyond what callers need; defined as an alias so BatchHistoryEntry stays
// self-describing without a second import line.
type chainhashHash = [32]byte

// RebalancePolicy is a non-hub entity's declared thresholds for the hub
// rebalance crontab.
type RebalancePolicy struct {
	SoftLimit      *big.Int
	HardLimit      *big.Int
	MaxAcceptableFee *big.Int
}

// HubRebalanceConfig marks an entity as playing the hub role.
type HubRebalanceConfig struct {
	CrontabInterval uint64 // logical seconds, floored at 30
	LastRunAt       uint64
	Policies        map[ids.EntityId]RebalancePolicy
	MaxFeePPM       uint64
}

// OrderbookExt is the optional hub orderbook extension.
type OrderbookExt struct {
	Books map[orderbook.Pair]*orderbook.Book
}

// EntityState is the per-entity E-layer state.
type EntityState struct {
	EntityId        ids.EntityId
	ValidatorConfig hanko.ValidatorConfig

	// ProposerSigner signs this entity's outbound A-frame proposals and
	// acks. This implementation designates the entity's first validator
	// (hanko.ValidatorConfig.Proposer) as the signer of bilateral A-frames
	// on the entity's behalf, same as it is the E-layer frame proposer.
	ProposerSigner hanko.Signer

	Reserves map[ids.TokenId]*big.Int
	Accounts map[ids.EntityId]*account.AccountMachine

	JBatchState  JBatchState
	BatchHistory []BatchHistoryEntry

	HubRebalanceConfig *HubRebalanceConfig
	OrderbookExt       *OrderbookExt

	JBlock uint64

	Timestamp uint64
	Height    uint64

	// ClaimedReserveEvents dedups ReserveUpdated j-events at entity scope.
	ClaimedReserveEvents map[jEventKey]struct{}
}

type jEventKey struct {
	BlockNumber uint64
	LogIndex    uint32
}

// New constructs an empty EntityState for id. signer signs this entity's
// outbound A-frame proposals and acks (see ProposerSigner).
func New(id ids.EntityId, vc hanko.ValidatorConfig, signer hanko.Signer) *EntityState {
	return &EntityState{
		EntityId:             id,
		ValidatorConfig:      vc,
		ProposerSigner:       signer,
		Reserves:             make(map[ids.TokenId]*big.Int),
		Accounts:             make(map[ids.EntityId]*account.AccountMachine),
		ClaimedReserveEvents: make(map[jEventKey]struct{}),
	}
}

// ReserveFor returns es's reserve balance for tokenId, allocating a zeroed
// entry if absent.
func (es *EntityState) ReserveFor(tokenId ids.TokenId) *big.Int {
	r, ok := es.Reserves[tokenId]
	if !ok {
		r = big.NewInt(0)
		es.Reserves[tokenId] = r
	}
	return r
}

// AccountFor returns (creating if absent) the AccountMachine for the edge
// (es.EntityId, counterparty).
func (es *EntityState) AccountFor(counterparty ids.EntityId) *account.AccountMachine {
	am, ok := es.Accounts[counterparty]
	if !ok {
		am = account.New(es.EntityId, counterparty)
		es.Accounts[counterparty] = am
	}
	return am
}

// IsLeftOf reports whether es is the canonical LEFT side of its edge with
// counterparty.
func (es *EntityState) IsLeftOf(counterparty ids.EntityId) bool {
	return ids.IsLeft(es.EntityId, counterparty)
}
