package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/circuitmesh/circuitd/logger"
	"github.com/circuitmesh/circuitd/wire"
)

// ErrHandle is returned when the handler could not complete dispatch at
// all; it is propagated to the message dispatcher, which logs and
// continues.
var ErrHandle = errors.New("circuit: handle error")

// LocalDispatcher delivers a payload to a service attached to this node.
type LocalDispatcher interface {
	// DeliverLocal attempts local delivery; ok is false if recipient is not
	// locally attached.
	DeliverLocal(ctx context.Context, to, from ServiceID, payload []byte) (ok bool, err error)
}

// Sender forwards an already-framed outer message to a peer. The
// interconnect's send handle satisfies it at the daemon's wiring boundary.
type Sender interface {
	Send(ctx context.Context, token PeerAuthToken, payload []byte) error
}

// Observability is the subset of observability.Observability the handler
// needs.
type Observability interface {
	Tracer(name string, opts ...trace.TracerOption) trace.Tracer
	Meter(name string, opts ...metric.MeterOption) metric.Meter
	Logger() *slog.Logger
}

// Handler authorizes and routes circuit direct messages: local handoff,
// forward to the hosting peer, or a synthesized CircuitError back to the
// source.
type Handler struct {
	thisNode NodeID
	routing  RoutingTable
	local    LocalDispatcher
	sender   Sender
	log      *slog.Logger
	tracer   trace.Tracer

	errorsEmitted metric.Int64Counter
	forwarded     metric.Int64Counter
	localDelivery metric.Int64Counter
}

// New constructs a Handler for thisNode.
func New(thisNode NodeID, routing RoutingTable, local LocalDispatcher, sender Sender, observe Observability) (*Handler, error) {
	if routing == nil || sender == nil {
		return nil, errors.New("circuit.New: routing and sender are required")
	}
	h := &Handler{
		thisNode: thisNode,
		routing:  routing,
		local:    local,
		sender:   sender,
		log:      logger.WithComponent(observe.Logger(), "circuit.handler"),
		tracer:   observe.Tracer("circuit.handler"),
	}
	m := observe.Meter("circuit.handler")
	var err error
	if h.errorsEmitted, err = m.Int64Counter("circuit.errors", metric.WithDescription("CircuitError frames emitted")); err != nil {
		return nil, fmt.Errorf("creating errors counter: %w", err)
	}
	if h.forwarded, err = m.Int64Counter("circuit.forwarded", metric.WithDescription("direct messages forwarded to a remote peer")); err != nil {
		return nil, fmt.Errorf("creating forwarded counter: %w", err)
	}
	if h.localDelivery, err = m.Int64Counter("circuit.local_delivery", metric.WithDescription("direct messages delivered to a local service")); err != nil {
		return nil, fmt.Errorf("creating local-delivery counter: %w", err)
	}
	return h, nil
}

// Handle routes one inbound direct message. source is the PeerID the
// envelope arrived on, used as the destination for any synthesized
// CircuitError.
func (h *Handler) Handle(ctx context.Context, msg *wire.CircuitDirectMessage, source PeerID) error {
	ctx, span := h.tracer.Start(ctx, "circuit.handle")
	defer span.End()

	sender := ServiceID(msg.Sender)
	recipient := ServiceID(msg.Recipient)

	if h.local != nil {
		ok, err := h.local.DeliverLocal(ctx, recipient, sender, msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: local delivery to %s: %w", ErrHandle, recipient, err)
		}
		if ok {
			h.localDelivery.Add(ctx, 1)
			return nil
		}
	}

	circ, ok := h.routing.GetCircuit(CircuitID(msg.Circuit))
	if !ok {
		return h.emitError(ctx, msg, source, wire.ErrorCircuitDoesNotExist,
			fmt.Sprintf("circuit %q does not exist", msg.Circuit))
	}
	if !circ.InRoster(sender) {
		return h.emitError(ctx, msg, source, wire.ErrorSenderNotInCircuitRoster,
			fmt.Sprintf("sender %q is not in circuit %q's roster", sender, msg.Circuit))
	}
	if !circ.InRoster(recipient) {
		return h.emitError(ctx, msg, source, wire.ErrorRecipientNotInCircuitRoster,
			fmt.Sprintf("recipient %q is not in circuit %q's roster", recipient, msg.Circuit))
	}
	recipientSvc, ok := h.routing.GetService(recipient)
	if !ok {
		return h.emitError(ctx, msg, source, wire.ErrorRecipientNotInDirectory,
			fmt.Sprintf("recipient %q is in the roster but not in the service directory", recipient))
	}

	if recipientSvc.NodeID == h.thisNode {
		if !recipientSvc.HasLocalPeer {
			h.log.WarnContext(ctx, "recipient service has no local peer id set on its own node",
				logger.ServiceID(string(recipient)), logger.CircuitID(string(circ.ID)))
			return nil
		}
		return h.forward(ctx, msg, PeerAuthToken{Kind: TokenKindTrustName, Value: recipientSvc.LocalPeerID})
	}

	recipientNode, ok := h.routing.GetNode(recipientSvc.NodeID)
	if !ok {
		h.log.WarnContext(ctx, "recipient service's node is missing from the routing table",
			logger.ServiceID(string(recipient)), slog.String("node_id", string(recipientSvc.NodeID)))
		return nil
	}
	remoteToken, err := recipientNode.PeerAuthToken(circ.AuthorizationType)
	if err != nil {
		return fmt.Errorf("%w: deriving peer token for node %s: %w", ErrHandle, recipientNode.NodeID, err)
	}
	return h.forward(ctx, msg, remoteToken)
}

// Originate routes a message this node itself produced (e.g. a 2PC action's
// SendMessage addressed to another service), as opposed to one arriving on
// an inbound connection. Unlike Handle it never emits a CircuitError back to
// a remote source (there is none) and instead returns the failure to the
// caller.
func (h *Handler) Originate(ctx context.Context, msg *wire.CircuitDirectMessage) error {
	ctx, span := h.tracer.Start(ctx, "circuit.originate")
	defer span.End()

	sender := ServiceID(msg.Sender)
	recipient := ServiceID(msg.Recipient)

	circ, ok := h.routing.GetCircuit(CircuitID(msg.Circuit))
	if !ok {
		return fmt.Errorf("%w: circuit %q does not exist", ErrHandle, msg.Circuit)
	}
	if !circ.InRoster(sender) {
		return fmt.Errorf("%w: sender %q is not in circuit %q's roster", ErrHandle, sender, msg.Circuit)
	}
	if !circ.InRoster(recipient) {
		return fmt.Errorf("%w: recipient %q is not in circuit %q's roster", ErrHandle, recipient, msg.Circuit)
	}
	recipientSvc, ok := h.routing.GetService(recipient)
	if !ok {
		return fmt.Errorf("%w: recipient %q is in the roster but not in the service directory", ErrHandle, recipient)
	}

	if recipientSvc.NodeID == h.thisNode {
		if h.local != nil {
			delivered, err := h.local.DeliverLocal(ctx, recipient, sender, msg.Payload)
			if err != nil {
				return fmt.Errorf("%w: local delivery to %s: %w", ErrHandle, recipient, err)
			}
			if delivered {
				h.localDelivery.Add(ctx, 1)
				return nil
			}
		}
		if !recipientSvc.HasLocalPeer {
			return fmt.Errorf("%w: recipient %q has no local peer id set", ErrHandle, recipient)
		}
		return h.forward(ctx, msg, PeerAuthToken{Kind: TokenKindTrustName, Value: recipientSvc.LocalPeerID})
	}

	recipientNode, ok := h.routing.GetNode(recipientSvc.NodeID)
	if !ok {
		return fmt.Errorf("%w: recipient %q's node %q is missing from the routing table", ErrHandle, recipient, recipientSvc.NodeID)
	}
	remoteToken, err := recipientNode.PeerAuthToken(circ.AuthorizationType)
	if err != nil {
		return fmt.Errorf("%w: deriving peer token for node %s: %w", ErrHandle, recipientNode.NodeID, err)
	}
	return h.forward(ctx, msg, remoteToken)
}

func (h *Handler) forward(ctx context.Context, msg *wire.CircuitDirectMessage, to PeerAuthToken) error {
	outer, err := wire.WrapCircuitDirectMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: encoding forward frame: %w", ErrHandle, err)
	}
	payload, err := wire.EncodeNetworkMessage(outer)
	if err != nil {
		return fmt.Errorf("%w: encoding forward frame: %w", ErrHandle, err)
	}
	if err := h.sender.Send(ctx, to, payload); err != nil {
		return fmt.Errorf("%w: forwarding to %s: %w", ErrHandle, to, err)
	}
	h.forwarded.Add(ctx, 1)
	return nil
}

// emitError synthesizes and sends a CircuitError frame back to source,
// preserving the original correlation id.
func (h *Handler) emitError(ctx context.Context, msg *wire.CircuitDirectMessage, source PeerID, code wire.ErrorCode, detail string) error {
	// ServiceID always records the sender, even for recipient-side errors;
	// peers depend on the existing asymmetry.
	ce := &wire.CircuitError{
		CircuitName:   msg.Circuit,
		ServiceID:     msg.Sender,
		CorrelationID: msg.CorrelationID,
		Error:         code,
		ErrorMessage:  detail,
	}
	outer, err := wire.WrapCircuitError(ce)
	if err != nil {
		return fmt.Errorf("%w: encoding error frame: %w", ErrHandle, err)
	}
	payload, err := wire.EncodeNetworkMessage(outer)
	if err != nil {
		return fmt.Errorf("%w: encoding error frame: %w", ErrHandle, err)
	}
	if err := h.sender.Send(ctx, source.Remote, payload); err != nil {
		return fmt.Errorf("%w: sending error frame to %s: %w", ErrHandle, source.Remote, err)
	}
	h.errorsEmitted.Add(ctx, 1)
	h.log.DebugContext(ctx, "emitted circuit error", slog.String("code", code.String()), logger.CorrelationID(msg.CorrelationID))
	return nil
}
