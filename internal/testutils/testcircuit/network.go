// Package testcircuit is an in-process, multi-node integration harness for
// circuitd: N nodes, each with its own peer.Interconnect and
// circuit.Handler, sharing one in-memory mesh "matrix" and one in-memory
// circuit.RoutingTable, used to exercise actual cross-node forwarding
// end-to-end rather than unit-testing each package in isolation.
package testcircuit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/circuitmesh/circuitd/circuit"
	"github.com/circuitmesh/circuitd/observability"
	"github.com/circuitmesh/circuitd/peer"
	"github.com/circuitmesh/circuitd/twopc"
	"github.com/circuitmesh/circuitd/twopc/memstore"
	"github.com/circuitmesh/circuitd/twopc/runner"
	"github.com/circuitmesh/circuitd/twopc/step"
	"github.com/circuitmesh/circuitd/wire"
)

func peerToCircuitToken(t peer.PeerAuthToken) circuit.PeerAuthToken {
	kind := circuit.TokenKindTrustName
	if t.Kind == peer.Challenge {
		kind = circuit.TokenKindChallenge
	}
	return circuit.PeerAuthToken{Kind: kind, Value: t.Value}
}

func circuitToPeerToken(t circuit.PeerAuthToken) peer.PeerAuthToken {
	kind := peer.TrustName
	if t.Kind == circuit.TokenKindChallenge {
		kind = peer.Challenge
	}
	return peer.PeerAuthToken{Kind: kind, Value: t.Value}
}

// mesh is the shared in-memory connection matrix every node's nodeMatrix
// view reads/writes through: a set of per-node inboxes, fed by whichever
// node last called Send on a connection addressed to it.
type mesh struct {
	mu      sync.Mutex
	inboxes map[circuit.NodeID]chan peer.Envelope
}

func newMesh() *mesh {
	return &mesh{inboxes: map[circuit.NodeID]chan peer.Envelope{}}
}

func (m *mesh) register(id circuit.NodeID) chan peer.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan peer.Envelope, 64)
	m.inboxes[id] = ch
	return ch
}

func (m *mesh) deliver(to circuit.NodeID, env peer.Envelope) error {
	m.mu.Lock()
	ch, ok := m.inboxes[to]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("testcircuit: node %s is not connected", to)
	}
	select {
	case ch <- env:
		return nil
	default:
		return fmt.Errorf("testcircuit: node %s inbox full", to)
	}
}

// nodeMatrix is one node's private view of the shared mesh: it implements
// both peer.Matrix and peer.Lookup, translating this node's own
// ConnectionIDs to/from the remote NodeID on the other end.
type nodeMatrix struct {
	self circuit.NodeID
	mesh *mesh
	in   chan peer.Envelope

	mu         sync.RWMutex
	connToPeer map[peer.ConnectionID]peer.PeerAuthToken
	peerToConn map[peer.PeerAuthToken]peer.ConnectionID
}

func newNodeMatrix(self circuit.NodeID, m *mesh) *nodeMatrix {
	return &nodeMatrix{
		self:       self,
		mesh:       m,
		in:         m.register(self),
		connToPeer: map[peer.ConnectionID]peer.PeerAuthToken{},
		peerToConn: map[peer.PeerAuthToken]peer.ConnectionID{},
	}
}

func (nm *nodeMatrix) connect(remote circuit.NodeID) {
	token := peer.NewTrustNameToken(string(remote))
	connID := peer.ConnectionID(fmt.Sprintf("%s->%s", nm.self, remote))
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.connToPeer[connID] = token
	nm.peerToConn[token] = connID
}

func (nm *nodeMatrix) Send(ctx context.Context, connID peer.ConnectionID, payload []byte) error {
	nm.mu.RLock()
	token, ok := nm.connToPeer[connID]
	nm.mu.RUnlock()
	if !ok {
		return &peer.SendError{ConnectionID: connID, Payload: payload, Err: peer.ErrMatrixDisconnected}
	}
	remote := circuit.NodeID(token.Value)
	env := peer.Envelope{ConnectionID: peer.ConnectionID(fmt.Sprintf("%s->%s", remote, nm.self)), Payload: payload}
	if err := nm.mesh.deliver(remote, env); err != nil {
		return &peer.SendError{ConnectionID: connID, Payload: payload, Err: err}
	}
	return nil
}

func (nm *nodeMatrix) Recv(ctx context.Context) (peer.Envelope, error) {
	select {
	case env, ok := <-nm.in:
		if !ok {
			return peer.Envelope{}, peer.ErrMatrixShutdown
		}
		return env, nil
	case <-ctx.Done():
		return peer.Envelope{}, peer.ErrMatrixShutdown
	}
}

func (nm *nodeMatrix) PeerID(connID peer.ConnectionID) (peer.PeerAuthToken, bool) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	t, ok := nm.connToPeer[connID]
	return t, ok
}

func (nm *nodeMatrix) ConnectionID(token peer.PeerAuthToken) (peer.ConnectionID, bool) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	id, ok := nm.peerToConn[token]
	return id, ok
}

// echoService is one service registered with echoDispatcher: it belongs to
// circuitID, and any payload addressed to it is bounced straight back to
// whoever sent it.
type echoService struct {
	circuitID circuit.CircuitID
}

// echoDispatcher is a circuit.LocalDispatcher that immediately echoes any
// payload addressed to one of its registered service ids back to the
// original sender, by re-Originate-ing a reply through the same Handler
// (the round-trip property exercised by the end-to-end tests).
type echoDispatcher struct {
	handler *circuit.Handler

	mu       sync.Mutex
	services map[circuit.ServiceID]echoService
}

func newEchoDispatcher() *echoDispatcher {
	return &echoDispatcher{services: map[circuit.ServiceID]echoService{}}
}

func (e *echoDispatcher) register(circuitID circuit.CircuitID, svc circuit.ServiceID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.services[svc] = echoService{circuitID: circuitID}
}

func (e *echoDispatcher) DeliverLocal(ctx context.Context, to, from circuit.ServiceID, payload []byte) (bool, error) {
	e.mu.Lock()
	svc, ok := e.services[to]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}
	reply := &wire.CircuitDirectMessage{
		Circuit:       string(svc.circuitID),
		Sender:        string(to),
		Recipient:     string(from),
		CorrelationID: wire.NewCorrelationID(),
		Payload:       payload,
	}
	return true, e.handler.Originate(ctx, reply)
}

// attachedTwoPC pairs a Runner with the FullyQualifiedServiceID it drives,
// mirroring cmd/circuitd/wiring.go's attachedService.
type attachedTwoPC struct {
	id     twopc.FullyQualifiedServiceID
	runner *runner.Runner
}

// twoPCDispatcher routes inbound 2PC protocol messages addressed to a
// locally-attached service to that service's Runner, mirroring
// cmd/circuitd/wiring.go's twoPCDispatcher.
type twoPCDispatcher struct {
	mu       sync.Mutex
	attached map[circuit.ServiceID]attachedTwoPC
}

func newTwoPCDispatcher() *twoPCDispatcher {
	return &twoPCDispatcher{attached: map[circuit.ServiceID]attachedTwoPC{}}
}

func (d *twoPCDispatcher) attach(circuitID circuit.CircuitID, svc circuit.ServiceID, r *runner.Runner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attached[svc] = attachedTwoPC{id: twopc.FullyQualifiedServiceID{CircuitID: string(circuitID), ServiceID: string(svc)}, runner: r}
}

func (d *twoPCDispatcher) DeliverLocal(ctx context.Context, to, from circuit.ServiceID, payload []byte) (bool, error) {
	d.mu.Lock()
	svc, ok := d.attached[to]
	d.mu.Unlock()
	if !ok {
		return false, nil
	}
	var msg twopc.Message
	if err := cbor.Unmarshal(payload, &msg); err != nil {
		return false, fmt.Errorf("decoding 2pc message for %s: %w", to, err)
	}
	if err := svc.runner.Deliver(ctx, svc.id, string(from), msg); err != nil {
		return false, fmt.Errorf("delivering to runner for %s: %w", to, err)
	}
	return true, nil
}

// ReceivedMessage is one payload captured by a collectDispatcher.
type ReceivedMessage struct {
	From    circuit.ServiceID
	Payload []byte
}

// collectDispatcher records any payload addressed to a registered service
// id on a buffered channel, for tests that want to observe a message
// without echoing a reply (e.g. the far end of a round trip).
type collectDispatcher struct {
	mu sync.Mutex
	ch map[circuit.ServiceID]chan ReceivedMessage
}

func newCollectDispatcher() *collectDispatcher {
	return &collectDispatcher{ch: map[circuit.ServiceID]chan ReceivedMessage{}}
}

func (c *collectDispatcher) register(svc circuit.ServiceID) <-chan ReceivedMessage {
	ch := make(chan ReceivedMessage, 16)
	c.mu.Lock()
	c.ch[svc] = ch
	c.mu.Unlock()
	return ch
}

func (c *collectDispatcher) DeliverLocal(ctx context.Context, to, from circuit.ServiceID, payload []byte) (bool, error) {
	c.mu.Lock()
	ch, ok := c.ch[to]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	select {
	case ch <- ReceivedMessage{From: from, Payload: payload}:
	default:
	}
	return true, nil
}

// fanoutDispatcher tries the echo dispatcher first, then the 2PC
// dispatcher, then the plain collector, matching the daemon's "local
// service dispatcher" role of picking whichever attached handler owns the
// recipient.
type fanoutDispatcher struct {
	echo    *echoDispatcher
	twoPC   *twoPCDispatcher
	collect *collectDispatcher
}

func (f *fanoutDispatcher) DeliverLocal(ctx context.Context, to, from circuit.ServiceID, payload []byte) (bool, error) {
	if ok, err := f.echo.DeliverLocal(ctx, to, from, payload); ok || err != nil {
		return ok, err
	}
	if ok, err := f.twoPC.DeliverLocal(ctx, to, from, payload); ok || err != nil {
		return ok, err
	}
	return f.collect.DeliverLocal(ctx, to, from, payload)
}

// peerDispatchAdapter adapts a node's circuit.Handler into peer.Dispatcher,
// the single registered message type being wire.MessageTypeCircuit,
// mirroring cmd/circuitd/wiring.go's dispatchToCircuit.
type peerDispatchAdapter struct {
	handler *circuit.Handler
}

func (a *peerDispatchAdapter) Dispatch(ctx context.Context, messageType string, payload []byte, source peer.PeerID) error {
	if messageType != wire.MessageTypeCircuit {
		return fmt.Errorf("dispatch: unrecognized message type %q", messageType)
	}
	cm, err := wire.DecodeCircuitMessage(payload)
	if err != nil {
		return fmt.Errorf("decoding circuit message: %w", err)
	}
	circSource := circuit.PeerID{Remote: peerToCircuitToken(source.Remote), Local: peerToCircuitToken(source.Local)}
	switch cm.MessageType {
	case wire.CircuitMessageTypeDirectMessage:
		dm, err := wire.DecodeCircuitDirectMessage(cm.Payload)
		if err != nil {
			return fmt.Errorf("decoding direct message: %w", err)
		}
		return a.handler.Handle(ctx, dm, circSource)
	default:
		return nil
	}
}

// interconnectSender adapts *peer.Interconnect to circuit.Sender, mirroring
// cmd/circuitd/wiring.go's interconnectSender.
type interconnectSender struct{ ic *peer.Interconnect }

func (s *interconnectSender) Send(ctx context.Context, token circuit.PeerAuthToken, payload []byte) error {
	return s.ic.Send(ctx, circuitToPeerToken(token), payload)
}

// twoPCSender adapts a node's circuit.Handler into runner.Sender, mirroring
// cmd/circuitd/wiring.go's twoPCSender.
type twoPCSender struct {
	handler *circuit.Handler
}

func (s *twoPCSender) SendTwoPC(ctx context.Context, from twopc.FullyQualifiedServiceID, to string, msg twopc.Message) error {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding 2pc message: %w", err)
	}
	return s.handler.Originate(ctx, &wire.CircuitDirectMessage{
		Circuit:       from.CircuitID,
		Sender:        from.ServiceID,
		Recipient:     to,
		CorrelationID: wire.NewCorrelationID(),
		Payload:       payload,
	})
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, twopc.FullyQualifiedServiceID, twopc.Notification) {}

// TestNode is one participant in a Network.
type TestNode struct {
	ID        circuit.NodeID
	Matrix    *nodeMatrix
	Handler   *circuit.Handler
	Interconn *peer.Interconnect

	echo    *echoDispatcher
	twoPC   *twoPCDispatcher
	collect *collectDispatcher
	runners []*runner.Runner
	cancel  context.CancelFunc
	done    chan error
}

// Network is N TestNodes wired to one shared mesh and one shared
// circuit.RoutingTable.
type Network struct {
	t       *testing.T
	mesh    *mesh
	Routing *circuit.MemRoutingTable
	nodes   map[circuit.NodeID]*TestNode
}

// NewNetwork builds an empty Network. Use AddNode to populate it.
func NewNetwork(t *testing.T) *Network {
	t.Helper()
	return &Network{
		t:       t,
		mesh:    newMesh(),
		Routing: circuit.NewMemRoutingTable(),
		nodes:   map[circuit.NodeID]*TestNode{},
	}
}

// AddNode constructs and registers a node, wiring its peer.Interconnect to
// its circuit.Handler the way cmd/circuitd/wiring.go wires the daemon
// proper.
func (n *Network) AddNode(id circuit.NodeID, trustName string) *TestNode {
	n.t.Helper()
	n.Routing.PutNode(&circuit.Node{NodeID: id, TrustName: trustName})

	matrix := newNodeMatrix(id, n.mesh)
	echo := newEchoDispatcher()
	twoPC := newTwoPCDispatcher()
	collect := newCollectDispatcher()
	fanout := &fanoutDispatcher{echo: echo, twoPC: twoPC, collect: collect}

	sender := &interconnectSender{}
	handler, err := circuit.New(id, n.Routing, fanout, sender, observability.NoOp())
	require.NoError(n.t, err)
	echo.handler = handler

	ic, err := peer.New(
		peer.Config{LocalToken: peer.NewTrustNameToken(trustName)},
		matrix, matrix,
		&peerDispatchAdapter{handler: handler},
		observability.NoOp(),
	)
	require.NoError(n.t, err)
	sender.ic = ic

	node := &TestNode{ID: id, Matrix: matrix, Handler: handler, Interconn: ic, echo: echo, twoPC: twoPC, collect: collect}
	n.nodes[id] = node
	return node
}

// Connect wires a bidirectional logical connection between a and b: each
// side's nodeMatrix learns the other's ConnectionID/PeerAuthToken mapping.
func (n *Network) Connect(a, b circuit.NodeID) {
	n.nodes[a].Matrix.connect(b)
	n.nodes[b].Matrix.connect(a)
}

// AttachEcho registers svc on node, within circuitID, as a service that
// echoes any payload it receives back to the sender.
func (n *Network) AttachEcho(node circuit.NodeID, circuitID circuit.CircuitID, svc circuit.ServiceID) {
	n.nodes[node].echo.register(circuitID, svc)
}

// AttachCollector registers svc on node as a plain sink: every payload
// addressed to it arrives on the returned channel instead of being echoed.
func (n *Network) AttachCollector(node circuit.NodeID, svc circuit.ServiceID) <-chan ReceivedMessage {
	return n.nodes[node].collect.register(svc)
}

// AttachTwoPC attaches a 2PC-driven service to node, backed by a fresh
// memstore.Store and the canonical step.Func, wired through that node's
// circuit.Handler for outbound delivery.
func (n *Network) AttachTwoPC(node circuit.NodeID, circuitID circuit.CircuitID, svc circuit.ServiceID, coordinator, thisProcess string, participants []string, conf step.Config) (twopc.Store, *runner.Runner) {
	nd := n.nodes[node]
	store := memstore.New()
	fqsi := twopc.FullyQualifiedServiceID{CircuitID: string(circuitID), ServiceID: string(svc)}
	ctx := context.Background()
	require.NoError(n.t, store.AddService(ctx, fqsi, "2pc", nil))
	require.NoError(n.t, store.UpdateServiceStatus(ctx, fqsi, twopc.Finalized))

	participantRows := make([]twopc.Participant, 0, len(participants))
	for _, p := range participants {
		participantRows = append(participantRows, twopc.Participant{Process: p})
	}
	// Mirrors cmd/circuitd/run.go's bootstrapAttached: only the coordinator
	// starts from WaitingForStart (coordinatorStep's entry state) and needs
	// an immediate alarm to kick off startVoting; a participant starts from
	// WaitingForVoteRequest and advances only once a VoteRequest arrives.
	isCoordinator := thisProcess == coordinator
	initial := twopc.State{Kind: twopc.WaitingForVoteRequest}
	if isCoordinator {
		initial = twopc.State{Kind: twopc.WaitingForStart}
	}
	require.NoError(n.t, store.SaveConsensusContext(ctx, fqsi, twopc.Context{
		Coordinator:  coordinator,
		ThisProcess:  thisProcess,
		Participants: participantRows,
		State:        initial,
	}))
	if isCoordinator {
		require.NoError(n.t, store.SetConsensusAlarm(ctx, fqsi, time.Now()))
	}

	sender := &twoPCSender{handler: nd.Handler}
	r, err := runner.New(runner.Config{PollInterval: 5 * time.Millisecond}, store, step.New(conf), sender, noopNotifier{}, observability.NoOp(), nil)
	require.NoError(n.t, err)
	nd.twoPC.attach(circuitID, svc, r)
	nd.runners = append(nd.runners, r)
	return store, r
}

// Start runs every node's Interconnect and attached Runners until ctx is
// cancelled or Stop is called.
func (n *Network) Start(ctx context.Context) {
	for _, nd := range n.nodes {
		nd := nd
		nodeCtx, cancel := context.WithCancel(ctx)
		nd.cancel = cancel
		nd.done = make(chan error, 1)
		ic := nd.Interconn
		runners := nd.runners
		go func() {
			done := make(chan error, 1+len(runners))
			go func() { done <- ic.Run(nodeCtx) }()
			for _, r := range runners {
				r := r
				go func() { done <- r.Run(nodeCtx) }()
			}
			var first error
			for i := 0; i < 1+len(runners); i++ {
				if err := <-done; err != nil && first == nil && err != context.Canceled {
					first = err
				}
			}
			nd.done <- first
		}()
	}
}

// Stop signals shutdown on every node's Interconnect and waits for all
// worker goroutines to exit.
func (n *Network) Stop() {
	for _, nd := range n.nodes {
		nd.Interconn.SignalShutdown()
	}
	for _, nd := range n.nodes {
		if nd.cancel != nil {
			nd.cancel()
		}
		<-nd.done
	}
}
