package testcircuit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/circuitmesh/circuitd/circuit"
	"github.com/circuitmesh/circuitd/internal/testutils/testcircuit"
	"github.com/circuitmesh/circuitd/twopc"
	"github.com/circuitmesh/circuitd/twopc/step"
	"github.com/circuitmesh/circuitd/wire"
)

// TestNetwork_DirectRouteRoundTrip exercises a direct message crossing two
// real peer.Interconnect + circuit.Handler pairs: node A originates a
// message to a service hosted on node B, which echoes it straight back,
// and the echo lands on node A's own collector.
func TestNetwork_DirectRouteRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := testcircuit.NewNetwork(t)
	a := net.AddNode("node-a", "node-a")
	net.AddNode("node-b", "node-b")
	net.Connect("node-a", "node-b")

	net.Routing.PutCircuit(&circuit.Circuit{
		ID:                "alpha",
		Roster:            circuit.NewRoster("svc-a", "svc-b"),
		AuthorizationType: circuit.AuthorizationTrust,
		Status:            circuit.StatusActive,
	})
	net.Routing.PutService(&circuit.Service{ServiceID: "svc-a", NodeID: "node-a", LocalPeerID: "node-a", HasLocalPeer: true})
	net.Routing.PutService(&circuit.Service{ServiceID: "svc-b", NodeID: "node-b", LocalPeerID: "node-b", HasLocalPeer: true})

	net.AttachEcho("node-b", "alpha", "svc-b")
	recv := net.AttachCollector("node-a", "svc-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net.Start(ctx)
	defer net.Stop()

	require.NoError(t, a.Handler.Originate(context.Background(), &wire.CircuitDirectMessage{
		Circuit:       "alpha",
		Sender:        "svc-a",
		Recipient:     "svc-b",
		CorrelationID: wire.NewCorrelationID(),
		Payload:       []byte("ping"),
	}))

	select {
	case msg := <-recv:
		require.Equal(t, circuit.ServiceID("svc-b"), msg.From)
		require.Equal(t, []byte("ping"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the echoed reply")
	}
}

// TestNetwork_TwoPCHappyPath drives a full two-phase commit across two
// nodes, each running its own Runner, communicating exclusively through
// the circuit.Handler/peer.Interconnect pair rather than in-process calls.
func TestNetwork_TwoPCHappyPath(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := testcircuit.NewNetwork(t)
	net.AddNode("node-a", "node-a")
	net.AddNode("node-b", "node-b")
	net.Connect("node-a", "node-b")

	net.Routing.PutCircuit(&circuit.Circuit{
		ID:                "txn-circuit",
		Roster:            circuit.NewRoster("svc-coord", "svc-part"),
		AuthorizationType: circuit.AuthorizationTrust,
		Status:            circuit.StatusActive,
	})
	net.Routing.PutService(&circuit.Service{ServiceID: "svc-coord", NodeID: "node-a", LocalPeerID: "node-a", HasLocalPeer: true})
	net.Routing.PutService(&circuit.Service{ServiceID: "svc-part", NodeID: "node-b", LocalPeerID: "node-b", HasLocalPeer: true})

	conf := step.Config{VoteTimeout: time.Second, DecisionTimeout: time.Second, AckTimeout: time.Second}
	coordStore, _ := net.AttachTwoPC("node-a", "txn-circuit", "svc-coord", "svc-coord", "svc-coord", []string{"svc-part"}, conf)
	partStore, _ := net.AttachTwoPC("node-b", "txn-circuit", "svc-part", "svc-coord", "svc-part", []string{"svc-part"}, conf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net.Start(ctx)
	defer net.Stop()

	coordID := twopc.FullyQualifiedServiceID{CircuitID: "txn-circuit", ServiceID: "svc-coord"}
	partID := twopc.FullyQualifiedServiceID{CircuitID: "txn-circuit", ServiceID: "svc-part"}

	require.Eventually(t, func() bool {
		cur, ok, err := coordStore.GetCurrentConsensusContext(context.Background(), coordID)
		return err == nil && ok && cur.State.Kind == twopc.Commit
	}, 2*time.Second, 10*time.Millisecond, "coordinator never reached Commit")

	require.Eventually(t, func() bool {
		cur, ok, err := partStore.GetCurrentConsensusContext(context.Background(), partID)
		return err == nil && ok && cur.State.Kind == twopc.Commit
	}, 2*time.Second, 10*time.Millisecond, "participant never reached Commit")
}
