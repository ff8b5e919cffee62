package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/circuitmesh/circuitd/logger"
	"github.com/circuitmesh/circuitd/wire"
)

// ErrAlreadyShutDown is returned by Send once shutdown has been signaled.
var ErrAlreadyShutDown = errors.New("peer interconnect: already shut down")

// Observability is the subset of observability.Observability the
// interconnect needs; declared locally to keep this package free of an
// import cycle with the daemon's wiring package.
type Observability interface {
	Tracer(name string, opts ...trace.TracerOption) trace.Tracer
	Meter(name string, opts ...metric.MeterOption) metric.Meter
	Logger() *slog.Logger
}

// Config carries the interconnect's tunables.
type Config struct {
	LocalToken        PeerAuthToken
	RetryInterval     time.Duration
	PacemakerInterval time.Duration
	PendingQueueSize  int
	MaxRetryAttempts  int
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.PacemakerInterval <= 0 {
		c.PacemakerInterval = 10 * time.Second
	}
	if c.PendingQueueSize <= 0 {
		c.PendingQueueSize = 100
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	return c
}

type sendRequest struct {
	token    PeerAuthToken
	payload  []byte
	shutdown bool
}

// pendingCmd is consumed by the pending loop: either a newly-arrived
// envelope to track, or a pacemaker-issued sweep of the whole queue, or the
// shutdown marker.
type pendingCmd struct {
	kind  pendingCmdKind
	entry *pendingEntry
}

type pendingCmdKind int

const (
	cmdEnqueue pendingCmdKind = iota
	cmdRetry
	cmdShutdown
)

// Interconnect bridges the connection matrix and the message dispatcher:
// a receive loop, a pending-retry loop and a send loop, plus a pacemaker
// driving the retries.
type Interconnect struct {
	conf       Config
	matrix     Matrix
	lookup     Lookup
	dispatcher Dispatcher
	log        *slog.Logger
	tracer     trace.Tracer

	sendCh    chan sendRequest
	pendingCh chan pendingCmd

	shutdownOnce sync.Once
	shutdown     atomic.Bool

	runMu  sync.Mutex // guards cancel and g between Run and shutdown calls
	cancel context.CancelFunc
	g      *errgroup.Group

	pendingDropped metric.Int64Counter
	retryAttempts  metric.Int64Counter
	sendFailures   metric.Int64Counter
}

// New constructs an Interconnect. Run must be called to start its workers.
func New(conf Config, matrix Matrix, lookup Lookup, dispatcher Dispatcher, observe Observability) (*Interconnect, error) {
	if matrix == nil || lookup == nil || dispatcher == nil {
		return nil, errors.New("peer.New: matrix, lookup and dispatcher are required")
	}
	conf = conf.withDefaults()

	ic := &Interconnect{
		conf:       conf,
		matrix:     matrix,
		lookup:     lookup,
		dispatcher: dispatcher,
		log:        logger.WithComponent(observe.Logger(), "peer.interconnect"),
		tracer:     observe.Tracer("peer.interconnect"),
		sendCh:     make(chan sendRequest),
		pendingCh:  make(chan pendingCmd, 1),
	}

	m := observe.Meter("peer.interconnect")
	var err error
	if ic.pendingDropped, err = m.Int64Counter("peer.pending.dropped", metric.WithDescription("pending entries evicted due to queue overflow")); err != nil {
		return nil, fmt.Errorf("creating pending-dropped counter: %w", err)
	}
	if ic.retryAttempts, err = m.Int64Counter("peer.pending.retry", metric.WithDescription("pending-entry retry attempts")); err != nil {
		return nil, fmt.Errorf("creating retry-attempts counter: %w", err)
	}
	if ic.sendFailures, err = m.Int64Counter("peer.send.failures", metric.WithDescription("send-loop delivery failures")); err != nil {
		return nil, fmt.Errorf("creating send-failures counter: %w", err)
	}

	return ic, nil
}

// Run starts the three worker loops and the pacemaker, and blocks until
// they all exit (either due to a fatal error or an orderly shutdown).
func (ic *Interconnect) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	ic.runMu.Lock()
	ic.cancel = cancel
	ic.g = g
	ic.runMu.Unlock()

	g.Go(func() error { return ic.receiveLoop(ctx) })
	g.Go(func() error { return ic.pendingLoop(ctx) })
	g.Go(func() error { return ic.sendLoop(ctx) })
	g.Go(func() error { ic.pacemaker(ctx); return nil })

	return g.Wait()
}

// Send queues payload for delivery to the peer identified by token. It
// fails with ErrAlreadyShutDown once shutdown has been signaled.
func (ic *Interconnect) Send(ctx context.Context, token PeerAuthToken, payload []byte) error {
	if ic.shutdown.Load() {
		return ErrAlreadyShutDown
	}
	select {
	case ic.sendCh <- sendRequest{token: token, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SignalShutdown begins orderly shutdown: pacemaker first, then the
// pending loop, then the send loop. It is idempotent; a repeat call logs a
// warning instead of erroring.
func (ic *Interconnect) SignalShutdown() {
	first := false
	ic.shutdownOnce.Do(func() {
		first = true
		ic.shutdown.Store(true)
		ic.runMu.Lock()
		cancel := ic.cancel
		ic.runMu.Unlock()
		if cancel != nil {
			cancel() // stops the pacemaker and unblocks matrix.Recv/receiveLoop
		}
		ic.pendingCh <- pendingCmd{kind: cmdShutdown}
		ic.sendCh <- sendRequest{shutdown: true}
	})
	if !first {
		ic.log.Warn("shutdown already signaled")
	}
}

// WaitForShutdown joins the worker loops, surfacing any error one of them
// returned.
func (ic *Interconnect) WaitForShutdown() error {
	ic.runMu.Lock()
	g := ic.g
	ic.runMu.Unlock()
	if g == nil {
		return nil
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("peer interconnect worker exited: %w", err)
	}
	return nil
}

// receiveLoop blocks on the matrix, translating ConnectionID to PeerID and
// forwarding to the dispatcher, or enqueuing a pending entry when the peer
// is not yet known.
func (ic *Interconnect) receiveLoop(ctx context.Context) error {
	cache := newLocalCache()
	for {
		env, err := ic.matrix.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrMatrixShutdown) || ctx.Err() != nil {
				ic.log.Debug("receive loop exiting on shutdown")
				return nil
			}
			return fmt.Errorf("receive loop: %w", err)
		}
		ic.handleEnvelope(ctx, cache, env)
	}
}

func (ic *Interconnect) handleEnvelope(ctx context.Context, cache *localCache, env Envelope) {
	ctx, span := ic.tracer.Start(ctx, "peer.receive")
	defer span.End()

	token, ok := cache.peerFor(env.ConnectionID)
	if !ok {
		if t, found := ic.lookup.PeerID(env.ConnectionID); found {
			cache.put(env.ConnectionID, t)
			token, ok = t, true
		}
	}
	if !ok {
		ic.enqueuePending(env)
		return
	}
	ic.forward(ctx, token, env.Payload)
}

func (ic *Interconnect) forward(ctx context.Context, remote PeerAuthToken, payload []byte) {
	msg, err := wire.DecodeNetworkMessage(payload)
	if err != nil {
		ic.log.WarnContext(ctx, "dropping envelope: parse failure", logger.Error(err), logger.PeerID(remote))
		return
	}
	pid := PeerID{Remote: remote, Local: ic.conf.LocalToken}
	if err := ic.dispatcher.Dispatch(ctx, msg.MessageType, msg.Payload, pid); err != nil {
		ic.log.WarnContext(ctx, "dispatch failed", logger.Error(err), logger.PeerID(remote))
	}
}

func (ic *Interconnect) enqueuePending(env Envelope) {
	entry := &pendingEntry{envelope: env, lastAttempt: time.Now(), remaining: ic.conf.MaxRetryAttempts}
	// Blocks if the pending loop is momentarily busy; the loop itself
	// enforces the bounded-capacity eviction.
	ic.pendingCh <- pendingCmd{kind: cmdEnqueue, entry: entry}
}

// pendingLoop owns the bounded retry queue and its peer cache exclusively.
func (ic *Interconnect) pendingLoop(ctx context.Context) error {
	q := newPendingQueue(ic.conf.PendingQueueSize)
	cache := newLocalCache()
	for {
		cmd, ok := <-ic.pendingCh
		if !ok || cmd.kind == cmdShutdown {
			ic.log.Debug("pending loop exiting on shutdown", slog.Int("queued", q.len()))
			return nil
		}
		switch cmd.kind {
		case cmdEnqueue:
			if evicted := q.enqueue(cmd.entry); evicted != nil {
				ic.pendingDropped.Add(ctx, 1)
				ic.log.Warn("pending queue overflow, dropping oldest entry",
					slog.String("connection_id", string(evicted.envelope.ConnectionID)))
			}
		case cmdRetry:
			ic.sweepPending(ctx, cache, q)
		}
	}
}

func (ic *Interconnect) sweepPending(ctx context.Context, cache *localCache, q *pendingQueue) {
	entries := q.drain()
	var retained []*pendingEntry
	for _, e := range entries {
		if time.Since(e.lastAttempt) < ic.conf.RetryInterval {
			retained = append(retained, e)
			continue
		}
		ic.retryAttempts.Add(ctx, 1)
		token, ok := cache.peerFor(e.envelope.ConnectionID)
		if !ok {
			if t, found := ic.lookup.PeerID(e.envelope.ConnectionID); found {
				cache.put(e.envelope.ConnectionID, t)
				token, ok = t, true
			}
		}
		if ok {
			ic.forward(ctx, token, e.envelope.Payload)
			continue
		}
		e.lastAttempt = time.Now()
		e.remaining--
		if e.remaining <= 0 {
			ic.log.Warn("dropping pending entry after exhausting retry attempts",
				slog.String("connection_id", string(e.envelope.ConnectionID)))
			continue
		}
		retained = append(retained, e)
	}
	q.requeue(retained)
}

// sendLoop consumes outbound (token, payload) requests, resolving the
// token to a connection via its own local cache.
func (ic *Interconnect) sendLoop(ctx context.Context) error {
	cache := newLocalCache()
	for {
		req, ok := <-ic.sendCh
		if !ok || req.shutdown {
			ic.log.Debug("send loop exiting on shutdown")
			return nil
		}
		ic.doSend(ctx, cache, req)
	}
}

func (ic *Interconnect) doSend(ctx context.Context, cache *localCache, req sendRequest) {
	ctx, span := ic.tracer.Start(ctx, "peer.send", trace.WithAttributes(attribute.String("peer", req.token.String())))
	defer span.End()

	connID, ok := cache.connFor(req.token)
	if !ok {
		if id, found := ic.lookup.ConnectionID(req.token); found {
			cache.put(id, req.token)
			connID, ok = id, true
		}
	}
	if !ok {
		ic.sendFailures.Add(ctx, 1)
		ic.log.Warn("send failed: peer not connected", logger.PeerID(req.token))
		return
	}

	err := ic.matrix.Send(ctx, connID, req.payload)
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	// On send error, re-query the lookup: if the connection changed,
	// update the cache and retry once; otherwise evict and log.
	newConnID, found := ic.lookup.ConnectionID(req.token)
	if found && newConnID != connID {
		cache.put(newConnID, req.token)
		if retryErr := ic.matrix.Send(ctx, newConnID, req.payload); retryErr != nil {
			ic.sendFailures.Add(ctx, 1)
			ic.log.Warn("send retry failed", logger.Error(retryErr), logger.PeerID(req.token))
		}
		return
	}
	cache.evict(req.token)
	ic.sendFailures.Add(ctx, 1)
	ic.log.Warn("send failed, evicting cache entry", logger.Error(err), logger.PeerID(req.token))
}

// pacemaker fires at a fixed interval to inject a retry sweep into the
// pending queue. It is the first worker stopped on shutdown.
func (ic *Interconnect) pacemaker(ctx context.Context) {
	ticker := time.NewTicker(ic.conf.PacemakerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case ic.pendingCh <- pendingCmd{kind: cmdRetry}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
