package gossip

import "sync"

// InProcTransport is a loopback Transport for tests and single-process
// deployments: Send enqueues straight onto the recv channel after the same
// dedup the wire transports apply. It holds no key registry and performs
// no signature verification, matching the scenario harness contract.
type InProcTransport struct {
	mu     sync.Mutex
	closed bool

	dedup *dedupSet
	recv  chan *Envelope
}

// NewInProcTransport returns a loopback transport with a buffered queue.
func NewInProcTransport() *InProcTransport {
	return &InProcTransport{
		dedup: newDedupSet(),
		recv:  make(chan *Envelope, 256),
	}
}

// Send loops the envelope back to the local recv queue.
func (t *InProcTransport) Send(env *Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	if !t.dedup.observe(env) {
		return nil
	}
	t.recv <- env
	return nil
}

// Recv yields locally-looped envelopes.
func (t *InProcTransport) Recv() <-chan *Envelope {
	return t.recv
}

// Stop closes the transport.
func (t *InProcTransport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.recv)
	}
}
