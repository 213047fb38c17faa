// Package jadapter is the core's view of a jurisdiction: the
// batched call surface toward the settlement contract, the finalized event
// stream back from it, and the per-jurisdiction replica that buffers both
// at tick boundaries.
package jadapter

import (
	"context"
	"math/big"

	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/ids"
)

// Batch mirrors the jurisdiction contract's processBatch call: the accumulated
// ops from one entity's jBatchState plus its strictly-increasing per-entity
// nonce.
type Batch struct {
	Settlements         []entity.SettlementBatchOp
	ReserveToCollateral []entity.ReserveCollateralOp
	CollateralToReserve []entity.ReserveCollateralOp
	DisputeStarts       []entity.DisputeStartOp
	DisputeFinalizes    []entity.DisputeFinalizeOp
	Nonce               uint64
}

// OpCount is the number of ops this batch carries.
func (b *Batch) OpCount() int {
	return len(b.Settlements) + len(b.ReserveToCollateral) + len(b.CollateralToReserve) +
		len(b.DisputeStarts) + len(b.DisputeFinalizes)
}

// FromBatchState snapshots an entity's pending jBatchState into a Batch.
func FromBatchState(s *entity.JBatchState) Batch {
	return Batch{
		Settlements:         append([]entity.SettlementBatchOp(nil), s.Settlements...),
		ReserveToCollateral: append([]entity.ReserveCollateralOp(nil), s.ReserveToCollateral...),
		CollateralToReserve: append([]entity.ReserveCollateralOp(nil), s.CollateralToReserve...),
		DisputeStarts:       append([]entity.DisputeStartOp(nil), s.DisputeStarts...),
		DisputeFinalizes:    append([]entity.DisputeFinalizeOp(nil), s.DisputeFinalizes...),
		Nonce:               s.Nonce,
	}
}

// Event is one finalized chain event. Every event carries a
// unique (BlockNumber, LogIndex); the core ingests in chain order per
// jurisdiction, idempotently.
type Event struct {
	BlockNumber uint64
	LogIndex    uint32
	Kind        string

	// Entity scopes ReserveUpdated; Left/Right scope the edge events.
	Entity      ids.EntityId
	Left, Right ids.EntityId
	TokenId     ids.TokenId

	// Payload is one of the account.*Event / entity.ReserveUpdatedEvent
	// structs, matching Kind.
	Payload interface{}
}

// Adapter is the jurisdictional primitive surface the core depends on,
// identified by semantics, not by contract name.
type Adapter interface {
	// SubmitBatch submits one entity's batch. The returned hash identifies
	// the on-chain transaction; an error leaves the batch unconfirmed.
	SubmitBatch(ctx context.Context, entityId ids.EntityId, batch Batch, sig []byte) ([32]byte, error)

	// DebugFundReserves is the test-only reserve mint.
	DebugFundReserves(ctx context.Context, entityId ids.EntityId, tokenId ids.TokenId, amount *big.Int) error

	// RegisterNumberedEntitiesBatch registers board hashes and returns the
	// assigned entity numbers.
	RegisterNumberedEntitiesBatch(ctx context.Context, boardHashes [][32]byte) ([]uint64, error)

	// Events returns finalized events strictly after the (block, logIndex)
	// cursor, in chain order.
	Events(ctx context.Context, afterBlock uint64, afterLogIndex uint32) ([]Event, error)

	// Height returns the highest finalized block.
	Height(ctx context.Context) (uint64, error)
}
