package peer

import (
	"context"
	"errors"
	"fmt"
)

// Envelope is a framed byte payload delivered on a ConnectionID, as
// produced by the connection matrix.
type Envelope struct {
	ConnectionID ConnectionID
	Payload      []byte
}

// Matrix errors returned from Recv.
var (
	ErrMatrixShutdown     = errors.New("connection matrix: shutdown")
	ErrMatrixDisconnected = errors.New("connection matrix: disconnected")
	ErrMatrixInternal     = errors.New("connection matrix: internal error")
)

// SendError is returned by Matrix.Send on failure, carrying back the
// connection and payload the caller attempted to send so the caller can
// decide whether to retry.
type SendError struct {
	ConnectionID ConnectionID
	Payload      []byte
	Err          error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("matrix send to %s failed: %v", e.ConnectionID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Matrix is the authenticated, framed, bidirectional byte-pipe collection
// keyed by ConnectionID. It is a shared, thread-safe handle; the
// interconnect never constructs it, only consumes it.
type Matrix interface {
	// Send writes payload to connID. On failure it returns a *SendError.
	Send(ctx context.Context, connID ConnectionID, payload []byte) error
	// Recv blocks until the next envelope is available, the matrix is shut
	// down (ErrMatrixShutdown), or it fails (ErrMatrixDisconnected,
	// ErrMatrixInternal).
	Recv(ctx context.Context) (Envelope, error)
}

// Lookup is the connection-id <-> peer-id mapping. It is a shared,
// thread-safe, read-mostly handle.
type Lookup interface {
	// PeerID resolves a ConnectionID to the peer token presented on it, if
	// currently known.
	PeerID(connID ConnectionID) (PeerAuthToken, bool)
	// ConnectionID resolves a peer token to its currently live connection,
	// if the peer is currently connected.
	ConnectionID(token PeerAuthToken) (ConnectionID, bool)
}

// DispatchError is an error a Dispatcher can return on failure, carrying
// back the message it could not route. The interconnect logs whatever
// error Dispatch returns, of this type or not.
type DispatchError struct {
	MessageType string
	Payload     []byte
	Source      PeerID
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s from %s failed: %v", e.MessageType, e.Source, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatcher performs typed fan-out of ingress messages to handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, messageType string, payload []byte, source PeerID) error
}
