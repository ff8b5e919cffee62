package circuit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/circuitmesh/circuitd/observability"
	"github.com/circuitmesh/circuitd/wire"
)

// fakeSender records outbound frames per token, decoding them back into
// CircuitDirectMessage/CircuitError for assertions.
type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]*wire.NetworkMessage
}

func newFakeSender() *fakeSender { return &fakeSender{sent: map[string][]*wire.NetworkMessage{}} }

func (s *fakeSender) Send(ctx context.Context, token PeerAuthToken, payload []byte) error {
	msg, err := wire.DecodeNetworkMessage(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[token.String()] = append(s.sent[token.String()], msg)
	return nil
}

func (s *fakeSender) only(t *testing.T, token string) *wire.NetworkMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.sent[token]
	require.Len(t, msgs, 1)
	return msgs[0]
}

type noLocal struct{}

func (noLocal) DeliverLocal(ctx context.Context, to, from ServiceID, payload []byte) (bool, error) {
	return false, nil
}

func buildAlphaCircuit(rt *MemRoutingTable, roster ...ServiceID) {
	rt.PutCircuit(&Circuit{
		ID:                "Alpha-00000",
		Roster:            NewRoster(roster...),
		Members:           map[NodeID]struct{}{"node_345": {}, "node_123": {}},
		AuthorizationType: AuthorizationTrust,
		Status:            StatusActive,
	})
	rt.PutService(&Service{ServiceID: "a0001", ServiceType: "echo", NodeID: "node_345"})
	rt.PutService(&Service{ServiceID: "b0001", ServiceType: "echo", NodeID: "node_123", LocalPeerID: "abc_network", HasLocalPeer: true})
	rt.PutNode(&Node{NodeID: "node_345", TrustName: "345"})
	rt.PutNode(&Node{NodeID: "node_123", TrustName: "123"})
}

func directMsg() *wire.CircuitDirectMessage {
	return &wire.CircuitDirectMessage{
		Circuit:       "Alpha-00000",
		Sender:        "a0001",
		Recipient:     "b0001",
		CorrelationID: "1234",
		Payload:       []byte("test"),
	}
}

// Direct route where the recipient is hosted on this node: the frame goes
// out to the recipient's locally registered peer.
func TestHandler_DirectRouteLocalDelivery(t *testing.T) {
	rt := NewMemRoutingTable()
	buildAlphaCircuit(rt, "a0001", "b0001")
	sender := newFakeSender()

	h, err := New("node_123", rt, noLocal{}, sender, observability.NoOp())
	require.NoError(t, err)

	source := PeerID{Remote: PeerAuthToken{Kind: TokenKindTrustName, Value: "def"}, Local: PeerAuthToken{Kind: TokenKindTrustName, Value: "345"}}
	require.NoError(t, h.Handle(context.Background(), directMsg(), source))

	out := sender.only(t, "abc_network")
	cm, err := wire.DecodeCircuitMessage(out.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.CircuitMessageTypeDirectMessage, cm.MessageType)
	dm, err := wire.DecodeCircuitDirectMessage(cm.Payload)
	require.NoError(t, err)
	require.Equal(t, directMsg(), dm)
}

// Direct route where the recipient is hosted elsewhere: the frame is
// forwarded to the hosting node's peer token, unchanged.
func TestHandler_DirectRouteRemoteForward(t *testing.T) {
	rt := NewMemRoutingTable()
	buildAlphaCircuit(rt, "a0001", "b0001")
	sender := newFakeSender()

	h, err := New("node_345", rt, noLocal{}, sender, observability.NoOp())
	require.NoError(t, err)

	source := PeerID{Remote: PeerAuthToken{Kind: TokenKindTrustName, Value: "def"}, Local: PeerAuthToken{Kind: TokenKindTrustName, Value: "345"}}
	require.NoError(t, h.Handle(context.Background(), directMsg(), source))

	out := sender.only(t, "123")
	cm, err := wire.DecodeCircuitMessage(out.Payload)
	require.NoError(t, err)
	dm, err := wire.DecodeCircuitDirectMessage(cm.Payload)
	require.NoError(t, err)
	require.Equal(t, directMsg(), dm)
}

func errorFrameOf(t *testing.T, sender *fakeSender, token string) *wire.CircuitError {
	t.Helper()
	out := sender.only(t, token)
	cm, err := wire.DecodeCircuitMessage(out.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.CircuitMessageTypeErrorMessage, cm.MessageType)
	ce, err := wire.DecodeCircuitError(cm.Payload)
	require.NoError(t, err)
	return ce
}

// A sender outside the roster gets a typed error frame back, carrying the
// original correlation id.
func TestHandler_SenderNotInRoster(t *testing.T) {
	rt := NewMemRoutingTable()
	buildAlphaCircuit(rt, "b0001")
	sender := newFakeSender()
	h, err := New("node_123", rt, noLocal{}, sender, observability.NoOp())
	require.NoError(t, err)

	source := PeerID{Remote: PeerAuthToken{Kind: TokenKindTrustName, Value: "def"}}
	require.NoError(t, h.Handle(context.Background(), directMsg(), source))

	ce := errorFrameOf(t, sender, "def")
	require.Equal(t, wire.ErrorSenderNotInCircuitRoster, ce.Error)
	require.Equal(t, "a0001", ce.ServiceID)
	require.Equal(t, "1234", ce.CorrelationID)
}

// A recipient outside the roster is rejected with its own error code.
func TestHandler_RecipientNotInRoster(t *testing.T) {
	rt := NewMemRoutingTable()
	buildAlphaCircuit(rt, "a0001")
	sender := newFakeSender()
	h, err := New("node_123", rt, noLocal{}, sender, observability.NoOp())
	require.NoError(t, err)

	source := PeerID{Remote: PeerAuthToken{Kind: TokenKindTrustName, Value: "def"}}
	require.NoError(t, h.Handle(context.Background(), directMsg(), source))

	ce := errorFrameOf(t, sender, "def")
	require.Equal(t, wire.ErrorRecipientNotInCircuitRoster, ce.Error)
}

// A message naming a circuit the routing table has never heard of.
func TestHandler_UnknownCircuit(t *testing.T) {
	rt := NewMemRoutingTable()
	sender := newFakeSender()
	h, err := New("node_123", rt, noLocal{}, sender, observability.NoOp())
	require.NoError(t, err)

	source := PeerID{Remote: PeerAuthToken{Kind: TokenKindTrustName, Value: "def"}}
	require.NoError(t, h.Handle(context.Background(), directMsg(), source))

	ce := errorFrameOf(t, sender, "def")
	require.Equal(t, wire.ErrorCircuitDoesNotExist, ce.Error)
}

// Recipient in roster but not in the service directory.
func TestHandler_RecipientNotInDirectory(t *testing.T) {
	rt := NewMemRoutingTable()
	rt.PutCircuit(&Circuit{
		ID:     "Alpha-00000",
		Roster: NewRoster("a0001", "b0001"),
	})
	rt.PutService(&Service{ServiceID: "a0001", NodeID: "node_345"})
	sender := newFakeSender()
	h, err := New("node_123", rt, noLocal{}, sender, observability.NoOp())
	require.NoError(t, err)

	source := PeerID{Remote: PeerAuthToken{Kind: TokenKindTrustName, Value: "def"}}
	require.NoError(t, h.Handle(context.Background(), directMsg(), source))

	ce := errorFrameOf(t, sender, "def")
	require.Equal(t, wire.ErrorRecipientNotInDirectory, ce.Error)
}

// Round-trip: local dispatcher short-circuits routing entirely.
type echoLocal struct{ delivered []ServiceID }

func (e *echoLocal) DeliverLocal(ctx context.Context, to, from ServiceID, payload []byte) (bool, error) {
	e.delivered = append(e.delivered, to)
	return true, nil
}

func TestHandler_LocalDispatcherShortCircuitsRouting(t *testing.T) {
	rt := NewMemRoutingTable() // deliberately empty: routing must never be consulted
	sender := newFakeSender()
	local := &echoLocal{}
	h, err := New("node_123", rt, local, sender, observability.NoOp())
	require.NoError(t, err)

	source := PeerID{Remote: PeerAuthToken{Kind: TokenKindTrustName, Value: "def"}}
	require.NoError(t, h.Handle(context.Background(), directMsg(), source))

	require.Equal(t, []ServiceID{"b0001"}, local.delivered)
	require.Empty(t, sender.sent)
}

// Originate exercises the locally-produced path: no PeerID source, no
// CircuitError on failure.
func TestHandler_OriginateForwardsRemote(t *testing.T) {
	rt := NewMemRoutingTable()
	buildAlphaCircuit(rt, "a0001", "b0001")
	sender := newFakeSender()
	h, err := New("node_345", rt, noLocal{}, sender, observability.NoOp())
	require.NoError(t, err)

	require.NoError(t, h.Originate(context.Background(), directMsg()))

	out := sender.only(t, "123")
	cm, err := wire.DecodeCircuitMessage(out.Payload)
	require.NoError(t, err)
	dm, err := wire.DecodeCircuitDirectMessage(cm.Payload)
	require.NoError(t, err)
	require.Equal(t, directMsg(), dm)
}

func TestHandler_OriginateLocalDispatch(t *testing.T) {
	rt := NewMemRoutingTable()
	buildAlphaCircuit(rt, "a0001", "b0001")
	sender := newFakeSender()
	local := &echoLocal{}
	h, err := New("node_123", rt, local, sender, observability.NoOp())
	require.NoError(t, err)

	require.NoError(t, h.Originate(context.Background(), directMsg()))

	require.Equal(t, []ServiceID{"b0001"}, local.delivered)
	require.Empty(t, sender.sent)
}

func TestHandler_OriginateUnknownCircuitErrors(t *testing.T) {
	rt := NewMemRoutingTable()
	sender := newFakeSender()
	h, err := New("node_123", rt, noLocal{}, sender, observability.NoOp())
	require.NoError(t, err)

	err = h.Originate(context.Background(), directMsg())
	require.ErrorIs(t, err, ErrHandle)
	require.Empty(t, sender.sent, "no remote source exists to address a CircuitError to")
}
