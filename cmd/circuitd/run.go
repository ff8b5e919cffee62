package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/circuitmesh/circuitd/circuit"
	"github.com/circuitmesh/circuitd/config"
	"github.com/circuitmesh/circuitd/logger"
	"github.com/circuitmesh/circuitd/observability"
	"github.com/circuitmesh/circuitd/peer"
	"github.com/circuitmesh/circuitd/twopc"
	"github.com/circuitmesh/circuitd/twopc/boltstore"
	"github.com/circuitmesh/circuitd/twopc/runner"
	"github.com/circuitmesh/circuitd/twopc/sqlstore"
	"github.com/circuitmesh/circuitd/twopc/step"
)

// node bundles the long-lived components one circuitd process owns.
type node struct {
	observe    observability.Observability
	store      twopc.Store
	interconn  *peer.Interconnect
	handler    *circuit.Handler
	runners    []*runner.Runner
	shutdownFn func()
}

func buildNode(conf *config.NodeConfig) (*node, error) {
	log, err := buildLogger(conf.Log)
	if err != nil {
		return nil, err
	}
	observe, err := observability.New(observability.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("building observability: %w", err)
	}

	store, err := openStore(conf.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	routing := circuit.NewMemRoutingTable()
	for _, n := range conf.Nodes {
		endpoints := make([]multiaddr.Multiaddr, 0, len(n.Endpoints))
		for _, e := range n.Endpoints {
			addr, err := multiaddr.NewMultiaddr(e)
			if err != nil {
				return nil, fmt.Errorf("node %s: parsing endpoint %q: %w", n.ID, e, err)
			}
			endpoints = append(endpoints, addr)
		}
		routing.PutNode(&circuit.Node{NodeID: circuit.NodeID(n.ID), TrustName: n.TrustName, Endpoints: endpoints})
	}
	for _, c := range conf.Circuits {
		auth := circuit.AuthorizationTrust
		if c.AuthorizationType == "challenge" {
			auth = circuit.AuthorizationChallenge
		}
		roster := make([]circuit.ServiceID, 0, len(c.Services))
		for _, s := range c.Services {
			roster = append(roster, circuit.ServiceID(s.ID))
		}
		routing.PutCircuit(&circuit.Circuit{
			ID:                circuit.CircuitID(c.ID),
			Roster:            circuit.NewRoster(roster...),
			AuthorizationType: auth,
			Status:            circuit.StatusActive,
		})
		for _, s := range c.Services {
			routing.PutService(&circuit.Service{
				ServiceID:    circuit.ServiceID(s.ID),
				ServiceType:  s.Type,
				NodeID:       circuit.NodeID(s.NodeID),
				LocalPeerID:  s.LocalPeerID,
				HasLocalPeer: s.LocalPeerID != "",
			})
		}
	}

	dispatcher := newTwoPCDispatcher()
	sender := &interconnectSender{}
	handler, err := circuit.New(circuit.NodeID(conf.NodeID), routing, dispatcher, sender, observe)
	if err != nil {
		return nil, fmt.Errorf("building circuit handler: %w", err)
	}

	loopback := newLoopbackTransport()
	ic, err := peer.New(
		peer.Config{
			LocalToken:        peer.NewTrustNameToken(conf.NodeID),
			RetryInterval:     conf.Peer.RetryInterval,
			PacemakerInterval: conf.Peer.PacemakerInterval,
			PendingQueueSize:  conf.Peer.PendingQueueSize,
			MaxRetryAttempts:  conf.Peer.MaxRetryAttempts,
		},
		loopback, loopback,
		&dispatchToCircuit{handler: handler},
		observe,
	)
	if err != nil {
		return nil, fmt.Errorf("building peer interconnect: %w", err)
	}
	sender.ic = ic

	n := &node{observe: observe, store: store, interconn: ic, handler: handler}

	twoPCSend := &twoPCSender{handler: handler}
	stepFn := step.New(step.Config{
		VoteTimeout:     conf.TwoPC.VoteTimeout,
		DecisionTimeout: conf.TwoPC.DecisionTimeout,
		AckTimeout:      conf.TwoPC.AckTimeout,
	})
	for _, a := range conf.Attached {
		id := twopc.FullyQualifiedServiceID{CircuitID: a.Circuit, ServiceID: a.Service}
		if err := bootstrapAttached(store, id, a); err != nil {
			return nil, fmt.Errorf("bootstrapping attached service %s: %w", id, err)
		}
		r, err := runner.New(runner.Config{PollInterval: conf.TwoPC.PollInterval}, store, stepFn, twoPCSend, noopNotifier{}, observe, nil)
		if err != nil {
			return nil, fmt.Errorf("building runner for %s: %w", id, err)
		}
		dispatcher.attach(circuit.CircuitID(a.Circuit), circuit.ServiceID(a.Service), r)
		n.runners = append(n.runners, r)
	}

	return n, nil
}

func bootstrapAttached(store twopc.Store, id twopc.FullyQualifiedServiceID, a config.AttachedSvcCfg) error {
	ctx := context.Background()
	if _, ok, err := store.GetCurrentConsensusContext(ctx, id); err != nil {
		return err
	} else if ok {
		return nil // already bootstrapped from a previous run
	}
	if err := store.AddService(ctx, id, "2pc", nil); err != nil {
		return err
	}
	if err := store.UpdateServiceStatus(ctx, id, twopc.Finalized); err != nil {
		return err
	}
	participants := make([]twopc.Participant, 0, len(a.Participants))
	for _, p := range a.Participants {
		participants = append(participants, twopc.Participant{Process: p})
	}
	// The coordinator starts from WaitingForStart, a participant from
	// WaitingForVoteRequest. Bootstrapping every role into WaitingForStart
	// would leave participants stuck forever, since the participant side of
	// the step function has no case for it.
	initial := twopc.State{Kind: twopc.WaitingForVoteRequest}
	isCoordinator := a.ThisProcess == a.Coordinator
	if isCoordinator {
		initial = twopc.State{Kind: twopc.WaitingForStart}
	}
	if err := store.SaveConsensusContext(ctx, id, twopc.Context{
		Coordinator:  a.Coordinator,
		ThisProcess:  a.ThisProcess,
		Participants: participants,
		State:        initial,
	}); err != nil {
		return err
	}
	if !isCoordinator {
		// A participant has nothing to do until a VoteRequest arrives
		// (message-driven via Runner.Deliver); it needs no standing alarm.
		return nil
	}
	// WaitingForStart carries no alarm of its own; without one the runner's
	// poll never picks the service up. Arm it for "now" so the coordinator's
	// first poll pass fires startVoting immediately after boot.
	return store.SetConsensusAlarm(ctx, id, time.Now())
}

func buildLogger(conf config.LogConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch conf.Level {
	case "", "info":
	case "trace":
		level = logger.LevelTrace
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("config: unknown log level %q", conf.Level)
	}
	return logger.New(level, conf.Format, nil), nil
}

func openStore(conf config.StorageConfig) (twopc.Store, error) {
	switch {
	case conf.Bolt != nil:
		return boltstore.Open(conf.Bolt.Path)
	case conf.SQL != nil:
		return sqlstore.Open(conf.SQL.DSN)
	default:
		return nil, fmt.Errorf("config: storage.bolt or storage.sql is required")
	}
}

// run starts every worker loop and blocks until ctx is cancelled or one of
// them fails.
func (n *node) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.interconn.Run(ctx) })
	for _, r := range n.runners {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}
	<-ctx.Done()
	n.interconn.SignalShutdown()
	return g.Wait()
}

func (n *node) close() error {
	return n.store.Close()
}

func runDaemon(configPath string) error {
	conf, err := config.Load(configPath)
	if err != nil {
		return err
	}
	n, err := buildNode(conf)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("node exited: %w", err)
	}
	return nil
}
