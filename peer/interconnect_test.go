package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/circuitmesh/circuitd/observability"
	"github.com/circuitmesh/circuitd/wire"
)

// fakeMatrix is an in-memory Matrix: envelopes are pushed onto a channel by
// tests, Send appends to a per-connection outbox.
type fakeMatrix struct {
	mu      sync.Mutex
	inbox   chan Envelope
	outbox  map[ConnectionID][][]byte
	sendErr map[ConnectionID]error
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		inbox:   make(chan Envelope, 16),
		outbox:  make(map[ConnectionID][][]byte),
		sendErr: make(map[ConnectionID]error),
	}
}

func (m *fakeMatrix) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-m.inbox:
		if !ok {
			return Envelope{}, ErrMatrixShutdown
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ErrMatrixShutdown
	}
}

func (m *fakeMatrix) Send(ctx context.Context, connID ConnectionID, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sendErr[connID]; err != nil {
		return &SendError{ConnectionID: connID, Payload: payload, Err: err}
	}
	m.outbox[connID] = append(m.outbox[connID], payload)
	return nil
}

func (m *fakeMatrix) deliver(env Envelope) { m.inbox <- env }

func (m *fakeMatrix) sentTo(connID ConnectionID) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outbox[connID]
}

// fakeLookup is a mutable ConnectionID<->PeerAuthToken directory.
type fakeLookup struct {
	mu     sync.Mutex
	toPeer map[ConnectionID]PeerAuthToken
	toConn map[PeerAuthToken]ConnectionID
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{toPeer: map[ConnectionID]PeerAuthToken{}, toConn: map[PeerAuthToken]ConnectionID{}}
}

func (l *fakeLookup) set(connID ConnectionID, token PeerAuthToken) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.toPeer[connID] = token
	l.toConn[token] = connID
}

func (l *fakeLookup) PeerID(connID ConnectionID) (PeerAuthToken, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.toPeer[connID]
	return t, ok
}

func (l *fakeLookup) ConnectionID(token PeerAuthToken) (ConnectionID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.toConn[token]
	return id, ok
}

// fakeDispatcher records dispatched messages.
type fakeDispatcher struct {
	mu  sync.Mutex
	got []dispatched
	err error
}

type dispatched struct {
	messageType string
	payload     []byte
	source      PeerID
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, messageType string, payload []byte, source PeerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, dispatched{messageType, payload, source})
	return d.err
}

func (d *fakeDispatcher) all() []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]dispatched, len(d.got))
	copy(out, d.got)
	return out
}

func frame(t *testing.T, msgType string, payload []byte) []byte {
	t.Helper()
	b, err := wire.EncodeNetworkMessage(&wire.NetworkMessage{MessageType: msgType, Payload: payload})
	require.NoError(t, err)
	return b
}

func newTestInterconnect(t *testing.T, conf Config) (*Interconnect, *fakeMatrix, *fakeLookup, *fakeDispatcher) {
	t.Helper()
	m := newFakeMatrix()
	l := newFakeLookup()
	d := &fakeDispatcher{}
	ic, err := New(conf, m, l, d, observability.NoOp())
	require.NoError(t, err)
	return ic, m, l, d
}

func TestInterconnect_KnownPeerDispatchesImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	ic, m, l, d := newTestInterconnect(t, Config{LocalToken: NewTrustNameToken("local")})
	remote := NewTrustNameToken("remote")
	l.set("conn-1", remote)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ic.Run(ctx) }()

	m.deliver(Envelope{ConnectionID: "conn-1", Payload: frame(t, "HELLO", []byte("hi"))})

	require.Eventually(t, func() bool { return len(d.all()) == 1 }, time.Second, 5*time.Millisecond)
	got := d.all()[0]
	require.Equal(t, "HELLO", got.messageType)
	require.Equal(t, []byte("hi"), got.payload)
	require.Equal(t, remote, got.source.Remote)

	ic.SignalShutdown()
	cancel()
	require.NoError(t, ic.WaitForShutdown())
	require.NoError(t, <-done)
}

func TestInterconnect_UnknownPeerIsRetriedAfterIntervalThenDispatched(t *testing.T) {
	defer goleak.VerifyNone(t)

	ic, m, l, d := newTestInterconnect(t, Config{
		LocalToken:        NewTrustNameToken("local"),
		RetryInterval:     10 * time.Millisecond,
		PacemakerInterval: 15 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ic.Run(ctx) }()

	// peer unknown at delivery time
	m.deliver(Envelope{ConnectionID: "conn-2", Payload: frame(t, "HELLO", []byte("late"))})
	require.Never(t, func() bool { return len(d.all()) > 0 }, 5*time.Millisecond, time.Millisecond)

	// peer becomes known after the retry interval elapses
	time.Sleep(12 * time.Millisecond)
	l.set("conn-2", NewTrustNameToken("remote2"))

	require.Eventually(t, func() bool { return len(d.all()) == 1 }, time.Second, 5*time.Millisecond)

	ic.SignalShutdown()
	cancel()
	require.NoError(t, ic.WaitForShutdown())
}

func TestInterconnect_UnknownPeerDroppedAfterAttemptCeiling(t *testing.T) {
	defer goleak.VerifyNone(t)

	ic, m, l, d := newTestInterconnect(t, Config{
		LocalToken:        NewTrustNameToken("local"),
		RetryInterval:     time.Millisecond,
		PacemakerInterval: 2 * time.Millisecond,
		MaxRetryAttempts:  2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ic.Run(ctx) }()

	m.deliver(Envelope{ConnectionID: "conn-3", Payload: frame(t, "HELLO", []byte("x"))})

	// never resolved: dispatcher must never see it, and it must eventually
	// be dropped (not retried forever).
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, d.all())

	// The entry is gone: resolving the peer now must not let a later
	// pacemaker sweep deliver it.
	l.set("conn-3", NewTrustNameToken("remote3"))
	require.Never(t, func() bool { return len(d.all()) > 0 }, 30*time.Millisecond, 2*time.Millisecond)

	ic.SignalShutdown()
	cancel()
	require.NoError(t, ic.WaitForShutdown())
}

func TestInterconnect_PendingQueueOverflowDropsOldest(t *testing.T) {
	q := newPendingQueue(2)
	e1 := &pendingEntry{envelope: Envelope{ConnectionID: "a"}, remaining: 1}
	e2 := &pendingEntry{envelope: Envelope{ConnectionID: "b"}, remaining: 1}
	e3 := &pendingEntry{envelope: Envelope{ConnectionID: "c"}, remaining: 1}

	require.Nil(t, q.enqueue(e1))
	require.Nil(t, q.enqueue(e2))
	evicted := q.enqueue(e3)
	require.NotNil(t, evicted)
	require.Equal(t, ConnectionID("a"), evicted.envelope.ConnectionID)
	require.Equal(t, 2, q.len())
}

func TestInterconnect_SendResolvesPeerAndWrites(t *testing.T) {
	defer goleak.VerifyNone(t)

	ic, m, l, _ := newTestInterconnect(t, Config{LocalToken: NewTrustNameToken("local")})
	remote := NewTrustNameToken("remote")
	l.set("conn-9", remote)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ic.Run(ctx) }()

	require.NoError(t, ic.Send(context.Background(), remote, []byte("out")))
	require.Eventually(t, func() bool { return len(m.sentTo("conn-9")) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []byte("out"), m.sentTo("conn-9")[0])

	ic.SignalShutdown()
	cancel()
	require.NoError(t, ic.WaitForShutdown())
}

func TestInterconnect_SendAfterShutdownFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	ic, _, _, _ := newTestInterconnect(t, Config{LocalToken: NewTrustNameToken("local")})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ic.Run(ctx) }()

	ic.SignalShutdown()
	cancel()
	require.NoError(t, ic.WaitForShutdown())

	err := ic.Send(context.Background(), NewTrustNameToken("remote"), []byte("x"))
	require.ErrorIs(t, err, ErrAlreadyShutDown)
}

func TestInterconnect_DoubleShutdownLogsWarningButDoesNotPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	ic, _, _, _ := newTestInterconnect(t, Config{LocalToken: NewTrustNameToken("local")})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ic.Run(ctx) }()

	ic.SignalShutdown()
	ic.SignalShutdown()
	cancel()
	require.NoError(t, ic.WaitForShutdown())
}

