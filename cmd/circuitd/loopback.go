package main

import (
	"context"

	"github.com/circuitmesh/circuitd/peer"
)

// loopbackTransport is a placeholder peer.Matrix/peer.Lookup for the bare
// CLI entry point: the TLS/transport layer lives below the connection
// matrix and ships separately, so circuitd run boots with no live
// connections rather than a bundled transport implementation. Recv blocks
// until shutdown; Send and both lookups always fail, matching "peer not
// connected" rather than panicking. A deployment wires a real
// Matrix/Lookup (e.g. libp2p-backed) in its place using the same
// interfaces.
type loopbackTransport struct {
	done chan struct{}
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{done: make(chan struct{})}
}

func (l *loopbackTransport) Send(ctx context.Context, connID peer.ConnectionID, payload []byte) error {
	return &peer.SendError{ConnectionID: connID, Payload: payload, Err: peer.ErrMatrixDisconnected}
}

func (l *loopbackTransport) Recv(ctx context.Context) (peer.Envelope, error) {
	select {
	case <-ctx.Done():
		return peer.Envelope{}, peer.ErrMatrixShutdown
	case <-l.done:
		return peer.Envelope{}, peer.ErrMatrixShutdown
	}
}

func (l *loopbackTransport) PeerID(peer.ConnectionID) (peer.PeerAuthToken, bool) {
	return peer.PeerAuthToken{}, false
}

func (l *loopbackTransport) ConnectionID(peer.PeerAuthToken) (peer.ConnectionID, bool) {
	return "", false
}
