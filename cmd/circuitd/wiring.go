package main

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/circuitmesh/circuitd/circuit"
	"github.com/circuitmesh/circuitd/peer"
	"github.com/circuitmesh/circuitd/twopc"
	"github.com/circuitmesh/circuitd/twopc/runner"
	"github.com/circuitmesh/circuitd/wire"
)

// peerToCircuitToken translates peer's view of an identity assertion into
// circuit's own, independently-defined PeerAuthToken (see circuit/types.go:
// the circuit package keeps its own token type so that it does not depend
// on the interconnect package).
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

// interconnectSender adapts *peer.Interconnect to circuit.Sender. ic is set
// once, after the Interconnect it wraps is constructed: the circuit.Handler
// needs a non-nil Sender to build, but the Interconnect in turn needs a
// Dispatcher wrapping that same Handler, so the two are wired in two steps
// (see buildNode).
type interconnectSender struct {
	ic *peer.Interconnect
}

func (s *interconnectSender) Send(ctx context.Context, token circuit.PeerAuthToken, payload []byte) error {
	return s.ic.Send(ctx, circuitToPeerToken(token), payload)
}

// dispatchToCircuit adapts *circuit.Handler to peer.Dispatcher, the
// daemon's only registered message type being wire.MessageTypeCircuit.
type dispatchToCircuit struct {
	handler *circuit.Handler
}

func (d *dispatchToCircuit) Dispatch(ctx context.Context, messageType string, payload []byte, source peer.PeerID) error {
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
		return d.handler.Handle(ctx, dm, circSource)
	default:
		// Error frames (CIRCUIT_ERROR_MESSAGE) are diagnostic only;
		// receiving one requires no reaction.
		return nil
	}
}

// twoPCSender adapts a *circuit.Handler into runner.Sender: every 2PC
// message is itself carried as the opaque payload of a CircuitDirectMessage
// addressed from the originating service to the message's receiving
// process, both members of the same circuit. A single Runner can drive
// services belonging to many circuits at once, so the circuit/service pair
// travels with each call rather than being fixed at construction.
type twoPCSender struct {
	handler *circuit.Handler
}

func (s *twoPCSender) SendTwoPC(ctx context.Context, from twopc.FullyQualifiedServiceID, to string, msg twopc.Message) error {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding 2pc message: %w", err)
	}
	dm := &wire.CircuitDirectMessage{
		Circuit:       from.CircuitID,
		Sender:        from.ServiceID,
		Recipient:     to,
		CorrelationID: wire.NewCorrelationID(),
		Payload:       payload,
	}
	return s.handler.Originate(ctx, dm)
}

// twoPCDispatcher is registered as a circuit.LocalDispatcher: it accepts any
// message addressed to a 2PC service this node has attached, decodes the
// payload as a twopc.Message, and feeds it to that service's Runner.
// Messages for services this node does not host report ok=false so Handle
// falls back to its ordinary routing-table lookup. Keyed by ServiceID alone
// since the routing table itself treats ServiceIDs as globally unique
// (circuit.RoutingTable.GetService takes no CircuitID).
type twoPCDispatcher struct {
	attached map[circuit.ServiceID]attachedService
}

type attachedService struct {
	id     twopc.FullyQualifiedServiceID
	runner *runner.Runner
}

func newTwoPCDispatcher() *twoPCDispatcher {
	return &twoPCDispatcher{attached: map[circuit.ServiceID]attachedService{}}
}

func (d *twoPCDispatcher) attach(circuitID circuit.CircuitID, service circuit.ServiceID, r *runner.Runner) {
	d.attached[service] = attachedService{
		id:     twopc.FullyQualifiedServiceID{CircuitID: string(circuitID), ServiceID: string(service)},
		runner: r,
	}
}

func (d *twoPCDispatcher) DeliverLocal(ctx context.Context, to, from circuit.ServiceID, payload []byte) (bool, error) {
	svc, ok := d.attached[to]
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

// noopNotifier discards Notify calls; a full deployment forwards these to
// the admin/event-log surfaces.
type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, twopc.FullyQualifiedServiceID, twopc.Notification) {}
