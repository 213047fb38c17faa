// Package gossip implements the pluggable peer transport:
// signed, nonce-deduplicated envelopes carrying entity inputs between
// processes. The websocket implementation follows the read/write pump
// structure of a long-lived peer connection; an in-process implementation
// backs tests and single-process deployments.
package gossip

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/rcerrors"
)

func init() {
	// j_event_claim payloads ride entity.Message as interface values; gob
	// needs the concrete event types registered before the first envelope
	// is framed.
	gob.Register(account.CollateralUpdatedEvent{})
	gob.Register(account.SettlementProcessedEvent{})
	gob.Register(account.DisputeStartedEvent{})
	gob.Register(account.DisputeFinalizedEvent{})
	gob.Register(entity.ReserveUpdatedEvent{})
}

// Envelope is the wire unit. Payload is the routed entity input;
// Signature covers the canonical envelope bytes and must verify against the
// declared From signer before the payload is surfaced.
type Envelope struct {
	From     ids.SignerId
	To       ids.SignerId
	EntityId ids.EntityId
	Payload  entity.Message
	Sig      []byte
	Nonce    uint64
}

// Transport is the abstract contract: at-most-once delivery after
// signature verification; duplicate (from, nonce) envelopes are dropped.
type Transport interface {
	Send(env *Envelope) error
	Recv() <-chan *Envelope
	Stop()
}

// sigBytes is the canonical byte string an envelope signature covers:
// everything except the signature itself.
func sigBytes(env *Envelope) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(env.From))
	buf.WriteByte(0)
	buf.WriteString(string(env.To))
	buf.WriteByte(0)
	buf.Write(env.EntityId[:])
	var nonce [8]byte
	for i := 0; i < 8; i++ {
		nonce[i] = byte(env.Nonce >> (56 - 8*i))
	}
	buf.Write(nonce[:])
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(&env.Payload); err != nil {
		// Unencodable payloads sign the header alone; Verify will still
		// bind sender and nonce.
		log.Errorf("gossip: payload encode for signing failed: %v", err)
	}
	return buf.Bytes()
}

// SignEnvelope attaches signer's signature over the canonical bytes.
func SignEnvelope(env *Envelope, signer hanko.Signer) {
	h := ids.Hash(sigBytes(env))
	sig := signer.Sign(h)
	env.Sig = sig.Sig
}

// VerifyEnvelope checks the envelope signature against the declared
// signer's key. The core must reject any plaintext whose signature does not
// verify.
func VerifyEnvelope(env *Envelope, pub *btcec.PublicKey) error {
	h := ids.Hash(sigBytes(env))
	ok := hanko.Verify(pub, h, hanko.Signature{Signer: env.From, Sig: env.Sig})
	if !ok {
		return rcerrors.Admission("signature", "envelope from %q does not verify", env.From)
	}
	return nil
}

// dedupSet drops duplicate (from, nonce) envelopes.
type dedupSet struct {
	mu   sync.Mutex
	seen map[dedupKey]struct{}
}

type dedupKey struct {
	from  ids.SignerId
	nonce uint64
}

func newDedupSet() *dedupSet {
	return &dedupSet{seen: make(map[dedupKey]struct{})}
}

// observe records the envelope and reports whether it was new.
func (d *dedupSet) observe(env *Envelope) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := dedupKey{from: env.From, nonce: env.Nonce}
	if _, dup := d.seen[key]; dup {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}
