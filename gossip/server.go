package gossip

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/rcpan/core/ids"
)

// Server accepts inbound websocket peers and attaches them to a
// WSTransport. Remote signers announce themselves via the X-RCPAN-Signers
// header on upgrade; routing entries are added for each.
type Server struct {
	started  int32
	shutdown int32

	addr      string
	transport *WSTransport

	httpServer *http.Server
	upgrader   websocket.Upgrader

	wg sync.WaitGroup
}

// NewServer listens on addr (host:port) once started.
func NewServer(addr string, transport *WSTransport) *Server {
	return &Server{
		addr:      addr,
		transport: transport,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Start begins accepting peer connections.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/gossip", s.handleUpgrade)
	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("gossip server exited: %v", err)
		}
	}()
	log.Infof("gossip server listening on %s", s.addr)
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	var signers []ids.SignerId
	for _, raw := range r.Header.Values("X-RCPAN-Signers") {
		signers = append(signers, ids.SignerId(raw))
	}
	log.Infof("inbound gossip peer %s (%d signers)", r.RemoteAddr, len(signers))
	s.transport.AddConn(conn, signers)
}

// Stop closes the listener; attached peers are owned by the transport and
// torn down with it.
func (s *Server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return nil
	}
	err := s.httpServer.Close()
	s.wg.Wait()
	return err
}
