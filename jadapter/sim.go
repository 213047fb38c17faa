package jadapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/delta"
	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/rcerrors"
)

// simEdge is the chain-side state of one (edge, token).
type simEdge struct {
	collateral *big.Int
	ondelta    *big.Int
	nonce      uint64
}

type simEdgeKey struct {
	edge  ids.EdgeKey
	token ids.TokenId
}

type simDispute struct {
	timeoutBlock uint64
	challenger   hanko.Hanko
}

// pendingOp is one submitted-but-unmined chain mutation.
type pendingOp struct {
	kind   string // "batch" | "fund"
	entity ids.EntityId
	batch  Batch

	fundToken  ids.TokenId
	fundAmount *big.Int
}

// SimAdapter is a deterministic in-memory jurisdiction used by the scenario
// harness. Submitted batches sit in a pending pool until
// Mine finalizes them into a block and emits the events in submission
// order.
type SimAdapter struct {
	mu sync.Mutex

	height   uint64
	logs     []Event
	pending  []pendingOp
	reserves map[ids.EntityId]map[ids.TokenId]*big.Int
	edges    map[simEdgeKey]*simEdge
	disputes map[simEdgeKey]*simDispute

	lastNonce map[ids.EntityId]uint64
	nonceSeen map[ids.EntityId]bool

	entityCount uint64

	// DisputeTimeout is the chain-side dispute window in blocks.
	DisputeTimeout uint64
}

// NewSimAdapter constructs an empty simulated jurisdiction.
func NewSimAdapter(disputeTimeout uint64) *SimAdapter {
	return &SimAdapter{
		reserves:       make(map[ids.EntityId]map[ids.TokenId]*big.Int),
		edges:          make(map[simEdgeKey]*simEdge),
		disputes:       make(map[simEdgeKey]*simDispute),
		lastNonce:      make(map[ids.EntityId]uint64),
		nonceSeen:      make(map[ids.EntityId]bool),
		DisputeTimeout: disputeTimeout,
	}
}

func (s *SimAdapter) reserveFor(e ids.EntityId, t ids.TokenId) *big.Int {
	byToken, ok := s.reserves[e]
	if !ok {
		byToken = make(map[ids.TokenId]*big.Int)
		s.reserves[e] = byToken
	}
	r, ok := byToken[t]
	if !ok {
		r = big.NewInt(0)
		byToken[t] = r
	}
	return r
}

func (s *SimAdapter) edgeFor(a, b ids.EntityId, t ids.TokenId) *simEdge {
	key := simEdgeKey{edge: ids.MakeEdgeKey(a, b), token: t}
	e, ok := s.edges[key]
	if !ok {
		e = &simEdge{collateral: big.NewInt(0), ondelta: big.NewInt(0)}
		s.edges[key] = e
	}
	return e
}

// SubmitBatch enforces per-entity nonce monotonicity
// and parks the batch until the next Mine.
func (s *SimAdapter) SubmitBatch(_ context.Context, entityId ids.EntityId, batch Batch, _ []byte) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nonceSeen[entityId] && batch.Nonce <= s.lastNonce[entityId] {
		return [32]byte{}, rcerrors.New(rcerrors.KindAdapterError, "nonce",
			"batch nonce %d <= last accepted %d for %s", batch.Nonce, s.lastNonce[entityId], entityId)
	}
	s.lastNonce[entityId] = batch.Nonce
	s.nonceSeen[entityId] = true

	s.pending = append(s.pending, pendingOp{kind: "batch", entity: entityId, batch: batch})

	var buf bytes.Buffer
	buf.Write(entityId[:])
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], batch.Nonce)
	buf.Write(n[:])
	h := ids.Hash(buf.Bytes())
	var txHash [32]byte
	copy(txHash[:], h[:])
	return txHash, nil
}

// DebugFundReserves queues a test-only reserve mint.
func (s *SimAdapter) DebugFundReserves(_ context.Context, entityId ids.EntityId, tokenId ids.TokenId, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pendingOp{
		kind:       "fund",
		entity:     entityId,
		fundToken:  tokenId,
		fundAmount: new(big.Int).Set(amount),
	})
	return nil
}

// RegisterNumberedEntitiesBatch assigns sequential entity numbers.
func (s *SimAdapter) RegisterNumberedEntitiesBatch(_ context.Context, boardHashes [][32]byte) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(boardHashes))
	for i := range boardHashes {
		s.entityCount++
		out[i] = s.entityCount
	}
	return out, nil
}

// Events returns finalized events strictly after the cursor, in chain order.
func (s *SimAdapter) Events(_ context.Context, afterBlock uint64, afterLogIndex uint32) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.logs {
		if ev.BlockNumber < afterBlock {
			continue
		}
		if ev.BlockNumber == afterBlock && ev.LogIndex <= afterLogIndex {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Height returns the highest finalized block.
func (s *SimAdapter) Height(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}

// Mine finalizes n blocks. All pending ops land in the first mined block;
// the remaining blocks are empty (used to advance past dispute timeouts).
func (s *SimAdapter) Mine(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == 0 {
		return
	}
	s.height++
	var logIndex uint32
	emit := func(ev Event) {
		ev.BlockNumber = s.height
		ev.LogIndex = logIndex
		logIndex++
		s.logs = append(s.logs, ev)
	}
	for _, op := range s.pending {
		switch op.kind {
		case "fund":
			r := s.reserveFor(op.entity, op.fundToken)
			r.Add(r, op.fundAmount)
			emit(s.reserveEvent(op.entity, op.fundToken))
		case "batch":
			s.applyBatch(op.entity, op.batch, emit)
		}
	}
	s.pending = nil
	for i := uint64(1); i < n; i++ {
		s.height++
	}
}

func (s *SimAdapter) reserveEvent(e ids.EntityId, t ids.TokenId) Event {
	return Event{
		Kind:    "ReserveUpdated",
		Entity:  e,
		TokenId: t,
		Payload: entity.ReserveUpdatedEvent{NewAmount: new(big.Int).Set(s.reserveFor(e, t))},
	}
}

func (s *SimAdapter) collateralEvent(left, right ids.EntityId, t ids.TokenId, e *simEdge) Event {
	return Event{
		Kind:    "CollateralUpdated",
		Left:    left,
		Right:   right,
		TokenId: t,
		Payload: account.CollateralUpdatedEvent{
			NewCollateral: new(big.Int).Set(e.collateral),
			NewOndelta:    new(big.Int).Set(e.ondelta),
		},
	}
}

// applyBatch executes a batch's ops against chain state and emits events in
// the fixed order settlements, r2c, c2r, disputeStarts, disputeFinalizes.
func (s *SimAdapter) applyBatch(submitter ids.EntityId, batch Batch, emit func(Event)) {
	for _, settle := range batch.Settlements {
		left, right := settle.LeftEntity, settle.RightEntity
		for _, d := range settle.Diffs {
			edge := s.edgeFor(left, right, d.TokenId)
			lr := s.reserveFor(left, d.TokenId)
			rr := s.reserveFor(right, d.TokenId)
			lr.Add(lr, d.LeftDiff)
			rr.Add(rr, d.RightDiff)
			edge.collateral.Add(edge.collateral, d.CollateralDiff)
			edge.ondelta.Add(edge.ondelta, d.OndeltaDiff)
			edge.nonce++
			emit(Event{
				Kind:    "SettlementProcessed",
				Left:    left,
				Right:   right,
				TokenId: d.TokenId,
				Payload: account.SettlementProcessedEvent{
					Nonce: edge.nonce,
					Diffs: []delta.SettlementDiff{d},
				},
			})
			emit(s.collateralEvent(left, right, d.TokenId, edge))
			emit(s.reserveEvent(left, d.TokenId))
			emit(s.reserveEvent(right, d.TokenId))
		}
	}

	for _, op := range batch.ReserveToCollateral {
		left, right := ids.CanonicalPair(submitter, op.Counterparty)
		edge := s.edgeFor(left, right, op.TokenId)
		r := s.reserveFor(submitter, op.TokenId)
		r.Sub(r, op.Amount)
		edge.collateral.Add(edge.collateral, op.Amount)
		if submitter == left {
			// The depositor's claim on the new collateral is encoded in
			// ondelta: a LEFT deposit raises LEFT's position so the new
			// collateral stays reclaimable by left on close.
			edge.ondelta.Add(edge.ondelta, op.Amount)
		}
		emit(s.reserveEvent(submitter, op.TokenId))
		emit(s.collateralEvent(left, right, op.TokenId, edge))
	}

	for _, op := range batch.CollateralToReserve {
		left, right := ids.CanonicalPair(submitter, op.Counterparty)
		edge := s.edgeFor(left, right, op.TokenId)
		if edge.collateral.Cmp(op.Amount) < 0 {
			continue
		}
		edge.collateral.Sub(edge.collateral, op.Amount)
		r := s.reserveFor(submitter, op.TokenId)
		r.Add(r, op.Amount)
		if submitter == left {
			edge.ondelta.Sub(edge.ondelta, op.Amount)
		}
		emit(s.reserveEvent(submitter, op.TokenId))
		emit(s.collateralEvent(left, right, op.TokenId, edge))
	}

	for _, op := range batch.DisputeStarts {
		left, right := ids.CanonicalPair(submitter, op.Counterparty)
		key := simEdgeKey{edge: ids.MakeEdgeKey(left, right), token: op.TokenId}
		if _, open := s.disputes[key]; open {
			continue
		}
		dispute := &simDispute{timeoutBlock: s.height + s.DisputeTimeout}
		s.disputes[key] = dispute
		emit(Event{
			Kind:    "DisputeStarted",
			Left:    left,
			Right:   right,
			TokenId: op.TokenId,
			Payload: account.DisputeStartedEvent{
				DisputeTimeoutBlock: dispute.timeoutBlock,
				ChallengerHanko:     dispute.challenger,
			},
		})
	}

	for _, op := range batch.DisputeFinalizes {
		left, right := ids.CanonicalPair(submitter, op.Counterparty)
		key := simEdgeKey{edge: ids.MakeEdgeKey(left, right), token: op.TokenId}
		dispute, open := s.disputes[key]
		if !open || s.height < dispute.timeoutBlock {
			continue
		}
		delete(s.disputes, key)
		edge := s.edgeFor(left, right, op.TokenId)
		edge.nonce++
		emit(Event{
			Kind:    "DisputeFinalized",
			Left:    left,
			Right:   right,
			TokenId: op.TokenId,
			Payload: account.DisputeFinalizedEvent{
				FinalOndelta:    new(big.Int).Set(edge.ondelta),
				FinalCollateral: new(big.Int).Set(edge.collateral),
			},
		})
	}
}
