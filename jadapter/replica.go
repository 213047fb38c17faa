package jadapter

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/rcerrors"
)

// DefaultSubmitTimeout bounds one batch submission.
const DefaultSubmitTimeout = 30 * time.Second

// PendingBatch is one entity's batch parked in the replica's mempool, the
// handoff buffer between the E-layer and the adapter.
type PendingBatch struct {
	Entity ids.EntityId
	Batch  Batch
}

// BatchResult is the adapter's verdict on one submitted batch, routed back
// to the owning entity's batchHistory at the next tick boundary.
type BatchResult struct {
	Entity    ids.EntityId
	Confirmed bool
	TxHash    [32]byte
	Err       error
}

// JReplica wraps one jurisdiction's Adapter with the outbound mempool and
// the inbound event cursor.
type JReplica struct {
	Name    string
	Adapter Adapter

	Mempool []PendingBatch

	// LastBlock/LastLogIndex is the last-processed event cursor, persisted
	// so reopening resumes exactly where it left off.
	LastBlock    uint64
	LastLogIndex uint32

	// SubmitTimeout bounds each SubmitBatch call; a timed-out batch is
	// reported rejected and retry-eligible.
	SubmitTimeout time.Duration

	// limiter caps adapter call rate so a retry loop cannot hammer the
	// jurisdiction endpoint.
	limiter *rate.Limiter

	enqueuedNonce map[ids.EntityId]uint64
}

// NewJReplica wraps adapter under the given jurisdiction name.
func NewJReplica(name string, adapter Adapter) *JReplica {
	return &JReplica{
		Name:          name,
		Adapter:       adapter,
		SubmitTimeout: DefaultSubmitTimeout,
		limiter:       rate.NewLimiter(rate.Limit(10), 10),
		enqueuedNonce: make(map[ids.EntityId]uint64),
	}
}

// Enqueue parks a batch for submission, refusing any nonce at or below the
// last one enqueued for the entity, whether or not that batch is still in
// the mempool. Returns false if the batch was refused.
func (jr *JReplica) Enqueue(entityId ids.EntityId, batch Batch) bool {
	if n, ok := jr.enqueuedNonce[entityId]; ok && batch.Nonce <= n {
		return false
	}
	jr.enqueuedNonce[entityId] = batch.Nonce
	jr.Mempool = append(jr.Mempool, PendingBatch{Entity: entityId, Batch: batch})
	return true
}

// SubmitAll drains the mempool, submitting each batch with the per-batch
// timeout. Batches are submitted sequentially in enqueue order so an
// entity's nonces hit the chain in order.
func (jr *JReplica) SubmitAll(ctx context.Context) []BatchResult {
	batches := jr.Mempool
	jr.Mempool = nil

	results := make([]BatchResult, 0, len(batches))
	for _, pb := range batches {
		if err := jr.limiter.Wait(ctx); err != nil {
			results = append(results, BatchResult{Entity: pb.Entity, Err: err})
			continue
		}
		submitCtx, cancel := context.WithTimeout(ctx, jr.SubmitTimeout)
		txHash, err := jr.Adapter.SubmitBatch(submitCtx, pb.Entity, pb.Batch, nil)
		cancel()
		if err != nil {
			// Drop the entity's nonce marker so a retried j_broadcast
			// can re-enqueue this batch.
			delete(jr.enqueuedNonce, pb.Entity)
			kind := rcerrors.KindAdapterError
			if submitCtx.Err() == context.DeadlineExceeded {
				kind = rcerrors.KindTimeout
			}
			log.Errorf("jurisdiction %s: batch for %s failed: %v", jr.Name, pb.Entity, err)
			results = append(results, BatchResult{
				Entity: pb.Entity,
				Err:    rcerrors.Wrap(kind, "submitBatch", err),
			})
			continue
		}
		results = append(results, BatchResult{Entity: pb.Entity, Confirmed: true, TxHash: txHash})
	}
	return results
}

// PollEvents fetches finalized events past the cursor and advances it.
// Re-polling after a partial ingest re-delivers nothing: the cursor only
// moves over events actually returned.
func (jr *JReplica) PollEvents(ctx context.Context) ([]Event, error) {
	if err := jr.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	events, err := jr.Adapter.Events(ctx, jr.LastBlock, jr.LastLogIndex)
	if err != nil {
		return nil, rcerrors.Wrap(rcerrors.KindAdapterError, "pollEvents", err)
	}
	for _, ev := range events {
		jr.LastBlock = ev.BlockNumber
		jr.LastLogIndex = ev.LogIndex
	}
	return events, nil
}
