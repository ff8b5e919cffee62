// Package circuit implements the Circuit Direct-Message Handler:
// authorization and routing of service-to-service messages across a
// circuit, synthesizing typed error frames on policy violations.
package circuit

import (
	"fmt"

	"github.com/multiformats/go-multiaddr"
)

// NodeID, ServiceID and CircuitID are opaque identifiers.
type (
	NodeID    string
	ServiceID string
	CircuitID string
)

// AuthorizationType selects how a Node's PeerAuthToken is derived for a
// given circuit.
type AuthorizationType int

const (
	AuthorizationTrust AuthorizationType = iota
	AuthorizationChallenge
)

// Status is a Circuit's lifecycle status.
type Status int

const (
	StatusActive Status = iota
	StatusDisbanded
	StatusAbandoned
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDisbanded:
		return "disbanded"
	case StatusAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Service is a member of a circuit's roster. LocalPeerID is
// set iff the service is attached to this node's process; the invariant
// that every roster service resolves to exactly one member node is
// maintained by the routing table, not by this package.
type Service struct {
	ServiceID    ServiceID
	ServiceType  string
	NodeID       NodeID
	LocalPeerID  string // empty unless attached to this node
	HasLocalPeer bool
}

// Circuit is a named, member-scoped overlay with a fixed roster of
// services.
type Circuit struct {
	ID                CircuitID
	Roster            map[ServiceID]struct{}
	Members           map[NodeID]struct{}
	AuthorizationType AuthorizationType
	Status            Status
}

// InRoster reports whether svc participates in this circuit's roster.
func (c *Circuit) InRoster(svc ServiceID) bool {
	_, ok := c.Roster[svc]
	return ok
}

// Node is a member node of one or more circuits. Endpoints
// are dial addresses a transport layer would use to reach it; kept as
// parsed multiaddrs rather than bare strings so a malformed address is
// rejected at directory-load time instead of at dial time.
type Node struct {
	NodeID    NodeID
	Endpoints []multiaddr.Multiaddr
	PublicKey []byte
	// TrustName is used to derive a PeerAuthToken under AuthorizationTrust.
	TrustName string
}

// PeerAuthToken derives this node's identity assertion for the given
// authorization type.
func (n *Node) PeerAuthToken(auth AuthorizationType) (PeerAuthToken, error) {
	switch auth {
	case AuthorizationTrust:
		if n.TrustName == "" {
			return PeerAuthToken{}, fmt.Errorf("node %s has no trust name configured", n.NodeID)
		}
		return PeerAuthToken{Kind: TokenKindTrustName, Value: n.TrustName}, nil
	case AuthorizationChallenge:
		if len(n.PublicKey) == 0 {
			return PeerAuthToken{}, fmt.Errorf("node %s has no public key configured", n.NodeID)
		}
		return PeerAuthToken{Kind: TokenKindChallenge, Value: string(n.PublicKey)}, nil
	default:
		return PeerAuthToken{}, fmt.Errorf("unknown authorization type %d", auth)
	}
}

// TokenKind mirrors peer.TokenKind without importing the peer package, so
// circuit stays independent of the interconnect's wire-level concerns; the
// daemon's wiring layer is responsible for translating between the two.
type TokenKind int

const (
	TokenKindTrustName TokenKind = iota
	TokenKindChallenge
)

// PeerAuthToken is circuit's own view of a peer identity assertion,
// translated to/from peer.PeerAuthToken at the daemon's wiring boundary.
type PeerAuthToken struct {
	Kind  TokenKind
	Value string
}

func (t PeerAuthToken) String() string { return t.Value }

// PeerID pairs this node's identity with the remote's, matching
// peer.PeerTokenPair's role for forwarding decisions.
type PeerID struct {
	Remote PeerAuthToken
	Local  PeerAuthToken
}

// RoutingTable is the read-only routing-table contract the handler
// consults. Writes happen elsewhere (the circuit admin surface); the
// handler only ever reads.
type RoutingTable interface {
	GetCircuit(id CircuitID) (*Circuit, bool)
	GetService(id ServiceID) (*Service, bool)
	GetNode(id NodeID) (*Node, bool)
}
