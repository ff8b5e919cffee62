// Package peer implements the Peer Interconnect: the bidirectional bridge
// between an authenticated connection matrix and a message dispatcher. It
// resolves ConnectionId <-> PeerId, defers delivery of envelopes whose peer
// is not yet known, and owns the orderly shutdown of its worker loops.
package peer

import (
	"fmt"

	libp2pcore "github.com/libp2p/go-libp2p/core/peer"
)

// ConnectionID is the opaque, matrix-minted identifier of a live connection.
// Its lifetime is the lifetime of the underlying transport connection.
type ConnectionID string

// TokenKind distinguishes the two ways a PeerAuthToken asserts identity.
type TokenKind int

const (
	// TrustName identifies a peer by a configured trust-relationship name.
	TrustName TokenKind = iota
	// Challenge identifies a peer by a libp2p public-key derived peer.ID,
	// proven via a challenge/response handshake below the core.
	Challenge
)

func (k TokenKind) String() string {
	switch k {
	case TrustName:
		return "trust_name"
	case Challenge:
		return "challenge"
	default:
		return fmt.Sprintf("token_kind(%d)", int(k))
	}
}

// PeerAuthToken is a cryptographic or trust-based identity assertion,
// distinct from the transport-level ConnectionID.
type PeerAuthToken struct {
	Kind  TokenKind
	Value string // trust name, or libp2p peer.ID.String()
}

// NewTrustNameToken builds a trust-based PeerAuthToken.
func NewTrustNameToken(name string) PeerAuthToken {
	return PeerAuthToken{Kind: TrustName, Value: name}
}

// NewChallengeToken builds a PeerAuthToken from a libp2p peer identity.
func NewChallengeToken(id libp2pcore.ID) PeerAuthToken {
	return PeerAuthToken{Kind: Challenge, Value: id.String()}
}

func (t PeerAuthToken) String() string {
	return fmt.Sprintf("%s:%s", t.Kind, t.Value)
}

// IsZero reports whether t is the zero value (no identity resolved).
func (t PeerAuthToken) IsZero() bool {
	return t == PeerAuthToken{}
}

// PeerTokenPair is the peer's identity from this node's vantage: the
// remote party's token and this node's own token as presented to them.
type PeerTokenPair struct {
	Remote PeerAuthToken
	Local  PeerAuthToken
}

func (p PeerTokenPair) String() string {
	return fmt.Sprintf("%s<-%s", p.Remote, p.Local)
}

// PeerID is the name PeerTokenPair goes by in dispatcher contexts.
type PeerID = PeerTokenPair
