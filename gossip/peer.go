package gossip

import (
	"encoding/gob"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/rcpan/core/ids"
)

const (
	// outgoingQueueLen is the buffer size of the channel which houses
	// messages to be sent across the wire, requested by objects outside
	// this struct.
	outgoingQueueLen = 50

	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for the remote's pong before assuming
	// the connection is dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// outgoingMsg packages an envelope with an optional done channel so callers
// can synchronize sends with the writeHandler.
type outgoingMsg struct {
	env      *Envelope
	sentChan chan struct{}
}

// peer is one long-lived websocket connection to a remote process hosting
// replicas. Envelopes read off the wire are signature-verified and
// nonce-deduplicated before surfacing on the owning transport's recv
// channel.
type peer struct {
	started  int32
	shutdown int32

	conn *websocket.Conn

	outgoingQueue chan outgoingMsg

	transport *WSTransport

	wg   sync.WaitGroup
	quit chan struct{}
}

func newPeer(conn *websocket.Conn, t *WSTransport) *peer {
	return &peer{
		conn:          conn,
		outgoingQueue: make(chan outgoingMsg, outgoingQueueLen),
		transport:     t,
		quit:          make(chan struct{}),
	}
}

func (p *peer) start() {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return
	}
	p.wg.Add(2)
	go p.readHandler()
	go p.writeHandler()
}

func (p *peer) stop() {
	if !atomic.CompareAndSwapInt32(&p.shutdown, 0, 1) {
		return
	}
	close(p.quit)
	p.conn.Close()
	p.wg.Wait()
}

// queue hands an envelope to the writeHandler.
func (p *peer) queue(env *Envelope) {
	select {
	case p.outgoingQueue <- outgoingMsg{env: env}:
	case <-p.quit:
	}
}

// readHandler reads envelopes off the wire in series, verifies and dedups
// them, and surfaces them to the transport's recv channel.
func (p *peer) readHandler() {
	defer func() {
		p.wg.Done()
		log.Tracef("readHandler for peer %v done", p.conn.RemoteAddr())
		p.transport.removePeer(p)
	}()

	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, r, err := p.conn.NextReader()
		if err != nil {
			return
		}
		var env Envelope
		if err := gob.NewDecoder(r).Decode(&env); err != nil {
			log.Errorf("unable to decode envelope: %v", err)
			continue
		}
		if err := p.transport.admit(&env); err != nil {
			log.Warnf("envelope from %q rejected: %v", env.From, err)
			continue
		}
		select {
		case p.transport.recv <- &env:
		case <-p.quit:
			return
		}
	}
}

// writeHandler is a goroutine dedicated to writing queued envelopes to the
// socket, plus the keepalive pings.
func (p *peer) writeHandler() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		p.wg.Done()
		log.Tracef("writeHandler for peer %v done", p.conn.RemoteAddr())
	}()

	for {
		select {
		case outMsg := <-p.outgoingQueue:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := p.conn.NextWriter(websocket.BinaryMessage)
			if err == nil {
				err = gob.NewEncoder(w).Encode(outMsg.env)
				w.Close()
			}
			if outMsg.sentChan != nil {
				close(outMsg.sentChan)
			}
			if err != nil {
				log.Errorf("unable to write envelope: %v", err)
				p.stop()
				return
			}

		case <-pingTicker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.stop()
				return
			}

		case <-p.quit:
			return
		}
	}
}

// WSTransport is the websocket Transport implementation. It
// multiplexes any number of peer connections onto one recv channel and
// routes Send calls to the peer hosting the target signer.
type WSTransport struct {
	mu    sync.Mutex
	peers map[*peer]struct{}

	// routes maps a remote signer to the peer that delivers to it.
	routes map[ids.SignerId]*peer

	// Keys holds known signer public keys for envelope verification.
	Keys map[ids.SignerId]*btcec.PublicKey

	dedup *dedupSet
	recv  chan *Envelope

	quit chan struct{}
}

// NewWSTransport constructs an empty transport; peers attach via
// AddConn (client dial or server accept).
func NewWSTransport(keys map[ids.SignerId]*btcec.PublicKey) *WSTransport {
	return &WSTransport{
		peers:  make(map[*peer]struct{}),
		routes: make(map[ids.SignerId]*peer),
		Keys:   keys,
		dedup:  newDedupSet(),
		recv:   make(chan *Envelope, outgoingQueueLen),
		quit:   make(chan struct{}),
	}
}

// AddConn attaches an established websocket connection serving the given
// remote signers.
func (t *WSTransport) AddConn(conn *websocket.Conn, remoteSigners []ids.SignerId) {
	p := newPeer(conn, t)
	t.mu.Lock()
	t.peers[p] = struct{}{}
	for _, s := range remoteSigners {
		t.routes[s] = p
	}
	t.mu.Unlock()
	p.start()
}

// Dial connects to addr and registers the remote signers reachable there.
func (t *WSTransport) Dial(addr string, remoteSigners []ids.SignerId) error {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return err
	}
	t.AddConn(conn, remoteSigners)
	return nil
}

func (t *WSTransport) removePeer(p *peer) {
	t.mu.Lock()
	delete(t.peers, p)
	for s, rp := range t.routes {
		if rp == p {
			delete(t.routes, s)
		}
	}
	t.mu.Unlock()
}

// admit verifies and dedups an inbound envelope.
func (t *WSTransport) admit(env *Envelope) error {
	if pub, ok := t.Keys[env.From]; ok {
		if err := VerifyEnvelope(env, pub); err != nil {
			return err
		}
	}
	if !t.dedup.observe(env) {
		log.Debugf("dropping duplicate envelope (%s, %d)", env.From, env.Nonce)
		return errDuplicate
	}
	return nil
}

var errDuplicate = &duplicateError{}

type duplicateError struct{}

func (*duplicateError) Error() string { return "duplicate envelope" }

// Send routes env to the peer hosting env.To.
func (t *WSTransport) Send(env *Envelope) error {
	t.mu.Lock()
	p, ok := t.routes[env.To]
	t.mu.Unlock()
	if !ok {
		return &noRouteError{to: env.To}
	}
	p.queue(env)
	return nil
}

type noRouteError struct {
	to ids.SignerId
}

func (e *noRouteError) Error() string {
	return "no route to signer " + string(e.to)
}

// Recv yields verified, deduplicated inbound envelopes.
func (t *WSTransport) Recv() <-chan *Envelope {
	return t.recv
}

// Stop tears down every peer connection.
func (t *WSTransport) Stop() {
	t.mu.Lock()
	peers := make([]*peer, 0, len(t.peers))
	for p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()
	for _, p := range peers {
		p.stop()
	}
	close(t.quit)
}
