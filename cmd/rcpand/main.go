// rcpand is the RC-PAN daemon: it hosts entity replicas, drives the
// runtime tick loop on a wall clock, serves gossip peers, polls the active
// jurisdiction, and persists snapshots between ticks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/rcpan/core/disputeagent"
	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/gossip"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/jadapter"
	"github.com/rcpan/core/rcpancfg"
	"github.com/rcpan/core/runtime"
	"github.com/rcpan/core/storage"
	"github.com/rcpan/core/storage/boltsnap"
	"github.com/rcpan/core/storage/sqlstore"
)

// snapStore is the persistence surface the tick loop needs; satisfied by
// both the embedded bolt store and the postgres store.
type snapStore interface {
	SaveMeta(meta storage.EnvMeta) error
	LoadMeta() (storage.EnvMeta, bool, error)
	SaveReplica(snap *storage.ReplicaSnapshot) error
	LoadReplicas() ([]*storage.ReplicaSnapshot, error)
}

// pgStore adapts the context-taking sqlstore methods to snapStore.
type pgStore struct {
	ctx   context.Context
	store *sqlstore.Store
}

func (p *pgStore) SaveMeta(meta storage.EnvMeta) error { return p.store.SaveMeta(p.ctx, meta) }
func (p *pgStore) LoadMeta() (storage.EnvMeta, bool, error) {
	return p.store.LoadMeta(p.ctx)
}
func (p *pgStore) SaveReplica(snap *storage.ReplicaSnapshot) error {
	return p.store.SaveReplica(p.ctx, snap)
}
func (p *pgStore) LoadReplicas() ([]*storage.ReplicaSnapshot, error) {
	return p.store.LoadReplicas(p.ctx)
}

func main() {
	if err := rcpanMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rcpanMain() error {
	cfg, err := rcpancfg.LoadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	if err := initLogRotator(cfg.LogFile()); err != nil {
		return err
	}
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	seed, err := cfg.Seed()
	if err != nil {
		return err
	}

	// The bolt db always opens: the dispute agent's watch list lives there
	// even when snapshots go to postgres.
	db, err := boltsnap.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("unable to open snapshot db: %v", err)
	}
	defer db.Close()

	var snaps snapStore = db
	if cfg.DBBackend == "postgres" {
		pg, err := sqlstore.Open(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("unable to open postgres store: %v", err)
		}
		defer pg.Close()
		snaps = &pgStore{ctx: context.Background(), store: pg}
	}

	env, err := restoreOrCreate(snaps, seed)
	if err != nil {
		return err
	}

	if cfg.JurisdictionEndpoint != "sim" {
		return fmt.Errorf("jurisdiction endpoint %q not supported; only the "+
			"simulated chain is wired in this build", cfg.JurisdictionEndpoint)
	}
	sim := jadapter.NewSimAdapter(cfg.DisputeTimeout)
	jr := jadapter.NewJReplica(cfg.Jurisdiction, sim)
	env.AddJurisdiction(jr)

	transport := gossip.NewWSTransport(nil)
	env.Gossip = &gossipBridge{transport: transport}
	gossipSrv := gossip.NewServer(cfg.GossipListen, transport)
	if err := gossipSrv.Start(); err != nil {
		return err
	}
	defer gossipSrv.Stop()

	admin := newAdminServer(cfg.AdminListen, env, sim)
	if err := admin.start(); err != nil {
		return err
	}
	defer admin.stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	arbiter, err := disputeagent.New(db, sim,
		func(e ids.EntityId) bool {
			for _, rep := range env.EReplicas {
				if rep.State.EntityId == e && rep.IsProposer() {
					return true
				}
			}
			return false
		},
		func(in runtime.EntityInput) {
			admin.enqueue(func() {
				env.RuntimeInput.EntityInputs = append(env.RuntimeInput.EntityInputs, in)
			})
		})
	if err != nil {
		return fmt.Errorf("unable to start dispute agent: %v", err)
	}

	poller := &jadapter.Poller{
		Replicas: []*jadapter.JReplica{jr},
		Interval: cfg.PollInterval,
		Deliver: func(_ string, events []jadapter.Event) {
			arbiter.ObserveEvents(events)
			admin.enqueue(func() {
				runtime.DeliverEvents(env, events)
			})
		},
	}
	go func() {
		if err := poller.Run(ctx); err != nil && err != context.Canceled {
			rcpdLog.Errorf("poller exited: %v", err)
		}
	}()

	rcpdLog.Infof("rcpand started: gossip=%s admin=%s jurisdiction=%s",
		cfg.GossipListen, cfg.AdminListen, cfg.Jurisdiction)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	tickTicker := ticker.New(cfg.TickInterval)
	tickTicker.Resume()
	defer tickTicker.Stop()

	for {
		select {
		case <-tickTicker.Ticks():
			// Between-tick work: admin/poller enqueues, then inbound
			// gossip, then the tick, then batch submission.
			admin.drain()
			drainGossip(env, transport)
			if err := runtime.Process(env, nil); err != nil {
				rcpdLog.Errorf("tick %d failed: %v", env.Height, err)
			}
			results := jr.SubmitAll(ctx)
			runtime.ApplyBatchResults(env, results)
			if err := arbiter.CheckTimeouts(ctx); err != nil {
				rcpdLog.Warnf("dispute timeout scan failed: %v", err)
			}
			if err := persist(snaps, env); err != nil {
				rcpdLog.Errorf("snapshot persist failed: %v", err)
			}

		case <-interrupt:
			rcpdLog.Infof("shutting down")
			return persist(snaps, env)
		}
	}
}

// gossipBridge adapts the websocket transport to the runtime's GossipSender.
type gossipBridge struct {
	transport *gossip.WSTransport
	nonce     uint64
}

func (g *gossipBridge) SendOutput(from ids.EntityId, out entity.Output) error {
	g.nonce++
	return g.transport.Send(&gossip.Envelope{
		From:     ids.SignerId(from.String()),
		To:       out.ToSigner,
		EntityId: out.ToEntity,
		Payload:  out.Msg,
		Nonce:    g.nonce,
	})
}

// drainGossip moves inbound envelopes into the next tick's input buffer.
func drainGossip(env *runtime.Env, transport *gossip.WSTransport) {
	for {
		select {
		case envlp := <-transport.Recv():
			env.RuntimeInput.EntityInputs = append(env.RuntimeInput.EntityInputs, runtime.EntityInput{
				EntityId: envlp.EntityId,
				SignerId: envlp.To,
				Msg:      envlp.Payload,
			})
		default:
			return
		}
	}
}

func restoreOrCreate(db snapStore, seed [32]byte) (*runtime.Env, error) {
	meta, ok, err := db.LoadMeta()
	if err != nil {
		return nil, err
	}
	if !ok {
		return runtime.CreateEmptyEnv(seed), nil
	}
	snaps, err := db.LoadReplicas()
	if err != nil {
		return nil, err
	}
	rcpdLog.Infof("restored %d replicas at height %d", len(snaps), meta.Height)
	return storage.RestoreEnv(meta, snaps), nil
}

func persist(db snapStore, env *runtime.Env) error {
	meta, snaps := storage.CaptureEnv(env)
	if err := db.SaveMeta(meta); err != nil {
		return err
	}
	for _, snap := range snaps {
		if err := db.SaveReplica(snap); err != nil {
			return err
		}
	}
	return nil
}
