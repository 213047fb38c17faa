package main

import (
	"encoding/json"
	"math/big"
	"net/http"
	"sync"

	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/hanko"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/jadapter"
	"github.com/rcpan/core/runtime"
)

// adminServer is the local operator API rcpanctl talks to. Mutating
// requests never touch env state directly: they enqueue closures drained at
// the next tick boundary, preserving the env's single-owner rule.
type adminServer struct {
	addr string
	env  *runtime.Env
	sim  *jadapter.SimAdapter

	httpServer *http.Server

	mu      sync.Mutex
	pending []func()
}

func newAdminServer(addr string, env *runtime.Env, sim *jadapter.SimAdapter) *adminServer {
	return &adminServer{addr: addr, env: env, sim: sim}
}

// enqueue schedules fn to run at the next tick boundary.
func (a *adminServer) enqueue(fn func()) {
	a.mu.Lock()
	a.pending = append(a.pending, fn)
	a.mu.Unlock()
}

// drain runs queued closures; called from the tick loop only.
func (a *adminServer) drain() {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (a *adminServer) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tx", a.handleTx)
	mux.HandleFunc("/v1/import", a.handleImport)
	mux.HandleFunc("/v1/fund", a.handleFund)
	mux.HandleFunc("/v1/mine", a.handleMine)
	mux.HandleFunc("/v1/register", a.handleRegister)
	mux.HandleFunc("/v1/state", a.handleState)
	a.httpServer = &http.Server{Addr: a.addr, Handler: mux}
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rcpdLog.Errorf("admin server exited: %v", err)
		}
	}()
	return nil
}

func (a *adminServer) stop() {
	if a.httpServer != nil {
		a.httpServer.Close()
	}
}

type txRequest struct {
	Entity ids.EntityId    `json:"entity"`
	Signer ids.SignerId    `json:"signer,omitempty"`
	Tx     entity.EntityTx `json:"tx"`
}

func (a *adminServer) handleTx(w http.ResponseWriter, r *http.Request) {
	var req txRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tx := req.Tx
	a.enqueue(func() {
		a.env.RuntimeInput.EntityInputs = append(a.env.RuntimeInput.EntityInputs, runtime.EntityInput{
			EntityId: req.Entity,
			SignerId: req.Signer,
			Msg:      entity.Message{Kind: "add_tx", Tx: &tx},
		})
	})
	w.WriteHeader(http.StatusAccepted)
}

type importRequest struct {
	Entity     ids.EntityId              `json:"entity"`
	Signer     ids.SignerId              `json:"signer"`
	Threshold  uint64                    `json:"threshold"`
	Validators []ids.SignerId            `json:"validators"`
	Shares     map[ids.SignerId]uint64   `json:"shares"`
}

func (a *adminServer) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.enqueue(func() {
		a.env.RuntimeInput.RuntimeTxs = append(a.env.RuntimeInput.RuntimeTxs, runtime.RuntimeTx{
			Kind:     "importReplica",
			EntityId: req.Entity,
			SignerId: req.Signer,
			ValidatorConfig: hanko.ValidatorConfig{
				Mode:       "proposer-based",
				Threshold:  req.Threshold,
				Validators: req.Validators,
				Shares:     req.Shares,
			},
		})
	})
	w.WriteHeader(http.StatusAccepted)
}

type fundRequest struct {
	Entity ids.EntityId `json:"entity"`
	Token  ids.TokenId  `json:"token"`
	Amount *big.Int     `json:"amount"`
}

func (a *adminServer) handleFund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.sim.DebugFundReserves(r.Context(), req.Entity, req.Token, req.Amount); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *adminServer) handleMine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Blocks uint64 `json:"blocks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Blocks == 0 {
		req.Blocks = 1
	}
	a.sim.Mine(req.Blocks)
	w.WriteHeader(http.StatusAccepted)
}

func (a *adminServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BoardHashes []ids.EntityId `json:"board_hashes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hashes := make([][32]byte, len(req.BoardHashes))
	for i, h := range req.BoardHashes {
		hashes[i] = h
	}
	numbers, err := a.sim.RegisterNumberedEntitiesBatch(r.Context(), hashes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]uint64{"numbers": numbers})
}

type stateSummary struct {
	Height    uint64   `json:"height"`
	Timestamp uint64   `json:"timestamp"`
	Replicas  []string `json:"replicas"`
	Frames    int      `json:"frames"`
}

func (a *adminServer) handleState(w http.ResponseWriter, _ *http.Request) {
	summary := stateSummary{
		Height:    a.env.Height,
		Timestamp: a.env.Timestamp,
		Frames:    len(a.env.History),
	}
	for key := range a.env.EReplicas {
		summary.Replicas = append(summary.Replicas, key)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}
