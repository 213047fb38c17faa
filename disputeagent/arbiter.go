// Package disputeagent watches the jurisdiction event stream for disputes
// touching locally-hosted entities and drives them to completion: every
// observed DisputeStarted is persisted, and once the chain passes the
// dispute's timeout block the agent enqueues the disputeFinalize entity-tx
// on the victim's behalf. Persisting the watch list means a
// daemon restart cannot orphan a dispute mid-window.
package disputeagent

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/big"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/jadapter"
	"github.com/rcpan/core/runtime"
	"github.com/rcpan/core/storage/boltsnap"
)

var disputeBucket = []byte("pending-disputes")

// pendingDispute is one persisted watch entry.
type pendingDispute struct {
	Local        ids.EntityId
	Counterparty ids.EntityId
	TokenId      ids.TokenId
	TimeoutBlock uint64
}

func disputeKey(d *pendingDispute) []byte {
	var buf bytes.Buffer
	buf.Write(d.Local[:])
	buf.Write(d.Counterparty[:])
	buf.Write(d.TokenId[:])
	return buf.Bytes()
}

func encodeDispute(d *pendingDispute) []byte {
	var buf bytes.Buffer
	buf.Write(d.Local[:])
	buf.Write(d.Counterparty[:])
	buf.Write(d.TokenId[:])
	var t [8]byte
	binary.BigEndian.PutUint64(t[:], d.TimeoutBlock)
	buf.Write(t[:])
	return buf.Bytes()
}

func decodeDispute(raw []byte) *pendingDispute {
	if len(raw) != 3*32+8 {
		return nil
	}
	var d pendingDispute
	copy(d.Local[:], raw[0:32])
	copy(d.Counterparty[:], raw[32:64])
	copy(d.TokenId[:], raw[64:96])
	d.TimeoutBlock = binary.BigEndian.Uint64(raw[96:])
	return &d
}

// disputeStore handles persistence of pending disputes to disk so a dispute
// window opened before a crash is still finalized after restart.
type disputeStore struct {
	db *boltsnap.DB
}

func newDisputeStore(db *boltsnap.DB) *disputeStore {
	return &disputeStore{db: db}
}

// Add persists one pending dispute; re-adding the same edge overwrites.
func (s *disputeStore) Add(d *pendingDispute) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(disputeBucket)
		if err != nil {
			return err
		}
		return b.Put(disputeKey(d), encodeDispute(d))
	})
}

// Remove deletes a finalized dispute.
func (s *disputeStore) Remove(d *pendingDispute) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(disputeBucket)
		if b == nil {
			return nil
		}
		return b.Delete(disputeKey(d))
	})
}

// ForAll visits every persisted pending dispute.
func (s *disputeStore) ForAll(cb func(*pendingDispute) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(disputeBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if d := decodeDispute(v); d != nil {
				return cb(d)
			}
			return nil
		})
	})
}

// Arbiter is the dispute-watching agent. ObserveEvents feeds it the same
// finalized event stream the runtime ingests; CheckTimeouts runs between
// ticks and enqueues finalize txs for every expired window.
type Arbiter struct {
	store   *disputeStore
	adapter jadapter.Adapter

	// hosted reports whether this process hosts an entity's proposer.
	hosted func(ids.EntityId) bool

	// enqueue appends an entity input for the next tick.
	enqueue func(runtime.EntityInput)

	mu      sync.Mutex
	pending map[string]*pendingDispute
}

// New restores the arbiter's watch list from the store.
func New(db *boltsnap.DB, adapter jadapter.Adapter,
	hosted func(ids.EntityId) bool, enqueue func(runtime.EntityInput)) (*Arbiter, error) {

	a := &Arbiter{
		store:   newDisputeStore(db),
		adapter: adapter,
		hosted:  hosted,
		enqueue: enqueue,
		pending: make(map[string]*pendingDispute),
	}
	err := a.store.ForAll(func(d *pendingDispute) error {
		a.pending[string(disputeKey(d))] = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ObserveEvents records DisputeStarted windows for hosted entities and
// clears entries on DisputeFinalized.
func (a *Arbiter) ObserveEvents(events []jadapter.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ev := range events {
		switch ev.Kind {
		case "DisputeStarted":
			timeoutBlock := ev.BlockNumber
			if p, ok := ev.Payload.(accountDisputeStarted); ok {
				timeoutBlock = p.TimeoutBlock()
			}
			for _, side := range [2]ids.EntityId{ev.Left, ev.Right} {
				if !a.hosted(side) {
					continue
				}
				cp := ev.Right
				if side == ev.Right {
					cp = ev.Left
				}
				d := &pendingDispute{
					Local:        side,
					Counterparty: cp,
					TokenId:      ev.TokenId,
					TimeoutBlock: timeoutBlock,
				}
				a.pending[string(disputeKey(d))] = d
				if err := a.store.Add(d); err != nil {
					log.Errorf("unable to persist dispute watch: %v", err)
				}
			}

		case "DisputeFinalized":
			for _, side := range [2]ids.EntityId{ev.Left, ev.Right} {
				d := &pendingDispute{Local: side, Counterparty: ev.Left, TokenId: ev.TokenId}
				if side == ev.Left {
					d.Counterparty = ev.Right
				}
				key := string(disputeKey(d))
				if _, ok := a.pending[key]; !ok {
					continue
				}
				delete(a.pending, key)
				if err := a.store.Remove(d); err != nil {
					log.Errorf("unable to clear dispute watch: %v", err)
				}
			}
		}
	}
}

// accountDisputeStarted decouples this package from the concrete payload
// struct; anything exposing the timeout block qualifies.
type accountDisputeStarted interface {
	TimeoutBlock() uint64
}

// CheckTimeouts enqueues disputeFinalize for every watched dispute whose
// window has expired on chain.
func (a *Arbiter) CheckTimeouts(ctx context.Context) error {
	height, err := a.adapter.Height(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.pending {
		if height < d.TimeoutBlock {
			continue
		}
		log.Infof("dispute window for %s/%s expired at height %d, queueing finalize",
			d.Local, d.Counterparty, height)
		a.enqueue(runtime.EntityInput{
			EntityId: d.Local,
			Msg: entity.Message{
				Kind: "add_tx",
				Tx: &entity.EntityTx{
					Tag: "disputeFinalize",
					DisputeFinalize: &entity.DisputeFinalizeEntityTx{
						Counterparty:    d.Counterparty,
						TokenId:         d.TokenId,
						FinalOndelta:    big.NewInt(0),
						FinalCollateral: big.NewInt(0),
					},
				},
			},
		})
		a.enqueue(runtime.EntityInput{
			EntityId: d.Local,
			Msg: entity.Message{
				Kind: "add_tx",
				Tx:   &entity.EntityTx{Tag: "j_broadcast"},
			},
		})
	}
	return nil
}
