// Package runner implements the 2PC scheduler: it polls the store for
// services whose alarm has expired, drives the registered step function,
// and commits the resulting actions in id order.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/circuitmesh/circuitd/logger"
	"github.com/circuitmesh/circuitd/twopc"
	"github.com/circuitmesh/circuitd/twopc/step"
)

// Sender delivers a 2PC message produced by a SendMessage action to
// another process (translated at the daemon's wiring layer into a peer
// send through the circuit handler).
type Sender interface {
	SendTwoPC(ctx context.Context, from twopc.FullyQualifiedServiceID, to string, msg twopc.Message) error
}

// Notifier surfaces a Notify action to whatever external observer cares
// (admin API, event log).
type Notifier interface {
	Notify(ctx context.Context, serviceID twopc.FullyQualifiedServiceID, n twopc.Notification)
}

// Observability is the subset of observability.Observability the runner
// needs.
type Observability interface {
	Tracer(name string, opts ...trace.TracerOption) trace.Tracer
	Meter(name string, opts ...metric.MeterOption) metric.Meter
	Logger() *slog.Logger
}

// Config parameterizes the runner's poll cadence.
type Config struct {
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Runner is the 2PC scheduler.
type Runner struct {
	conf     Config
	store    twopc.Store
	step     step.Func
	sender   Sender
	notifier Notifier
	clock    func() time.Time

	// mu serializes read-step-write cycles so a Deliver racing the poll
	// loop can never both persist a context for the same service.
	mu sync.Mutex

	log    *slog.Logger
	tracer trace.Tracer

	stepsRun     metric.Int64Counter
	actionsExecd metric.Int64Counter
	pollErrors   metric.Int64Counter
}

// New constructs a Runner. clock defaults to time.Now if nil, overridable
// for deterministic tests.
func New(conf Config, store twopc.Store, stepFn step.Func, sender Sender, notifier Notifier, observe Observability, clock func() time.Time) (*Runner, error) {
	if store == nil || stepFn == nil || sender == nil {
		return nil, fmt.Errorf("runner.New: store, step function, and sender are required")
	}
	if clock == nil {
		clock = time.Now
	}
	r := &Runner{
		conf:     conf.withDefaults(),
		store:    store,
		step:     stepFn,
		sender:   sender,
		notifier: notifier,
		clock:    clock,
		log:      logger.WithComponent(observe.Logger(), "twopc.runner"),
		tracer:   observe.Tracer("twopc.runner"),
	}
	m := observe.Meter("twopc.runner")
	var err error
	if r.stepsRun, err = m.Int64Counter("twopc.runner.steps", metric.WithDescription("step function invocations")); err != nil {
		return nil, fmt.Errorf("creating steps counter: %w", err)
	}
	if r.actionsExecd, err = m.Int64Counter("twopc.runner.actions_executed", metric.WithDescription("actions executed by the runner")); err != nil {
		return nil, fmt.Errorf("creating actions counter: %w", err)
	}
	if r.pollErrors, err = m.Int64Counter("twopc.runner.poll_errors", metric.WithDescription("store errors encountered while polling")); err != nil {
		return nil, fmt.Errorf("creating poll-errors counter: %w", err)
	}
	return r, nil
}

// Run polls the store on conf.PollInterval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.conf.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

// pollOnce runs one scheduling pass: pull ready services with an expired
// alarm, run their pending actions, advance their step function once on a
// synthetic timeout event. External callers (the circuit/peer wiring
// layer) feed message-driven events through Deliver instead.
func (r *Runner) pollOnce(ctx context.Context) {
	now := r.clock()
	ids, err := r.store.ListReadyServicesWithAlarmBefore(ctx, now)
	if err != nil {
		r.pollErrors.Add(ctx, 1)
		r.log.ErrorContext(ctx, "listing ready services", logger.Error(err))
		return
	}
	for _, id := range ids {
		if err := r.advance(ctx, id, twopc.Event{Kind: twopc.EventTimeout}, now); err != nil {
			r.log.ErrorContext(ctx, "advancing service", logger.ServiceID(id.ServiceID), logger.Error(err))
		}
	}
}

// Deliver feeds an inbound 2PC message to its service's step function,
// outside of the alarm-driven poll; state transitions are driven by both
// message arrival and timeout.
func (r *Runner) Deliver(ctx context.Context, id twopc.FullyQualifiedServiceID, from string, msg twopc.Message) error {
	return r.advance(ctx, id, twopc.Event{Kind: twopc.EventMessageReceived, Message: msg, From: from}, r.clock())
}

func (r *Runner) advance(ctx context.Context, id twopc.FullyQualifiedServiceID, ev twopc.Event, now time.Time) error {
	ctx, span := r.tracer.Start(ctx, "twopc.runner.advance")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Leftover actions have lower ids than anything this pass emits, so
	// they run first and the step function sees the context they leave.
	if err := r.drainPending(ctx, id, now); err != nil {
		return err
	}
	cur, hasCur, err := r.store.GetCurrentConsensusContext(ctx, id)
	if err != nil {
		return fmt.Errorf("reading context for %s: %w", id, err)
	}
	actions := r.step(now, cur, hasCur, ev)
	r.stepsRun.Add(ctx, 1)
	for _, a := range actions {
		if err := r.execute(ctx, id, a, now); err != nil {
			return fmt.Errorf("executing action for %s: %w", id, err)
		}
	}
	return nil
}

// drainPending re-runs any unexecuted actions left from a previous pass
// (e.g. one that stopped on a store error before stamping them; a failed
// send is recorded and stamped, so it is not re-run).
func (r *Runner) drainPending(ctx context.Context, id twopc.FullyQualifiedServiceID, now time.Time) error {
	pending, err := r.store.ListConsensusActions(ctx, id)
	if err != nil {
		return fmt.Errorf("listing pending actions for %s: %w", id, err)
	}
	for _, row := range pending {
		if err := r.executeRow(ctx, id, row, now); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, id twopc.FullyQualifiedServiceID, a twopc.Action, now time.Time) error {
	actionID, err := r.store.AddConsensusAction(ctx, id, a)
	if err != nil {
		return fmt.Errorf("persisting action: %w", err)
	}
	return r.executeRow(ctx, id, twopc.Identified[twopc.Action]{ID: actionID, Value: a}, now)
}

// executeRow performs the side effect of one action and stamps it
// executed. Callers invoke it in id order.
func (r *Runner) executeRow(ctx context.Context, id twopc.FullyQualifiedServiceID, row twopc.Identified[twopc.Action], now time.Time) error {
	a := row.Value
	switch a.Kind {
	case twopc.ActionUpdate:
		if err := r.store.SaveConsensusContext(ctx, id, a.NewContext); err != nil {
			return fmt.Errorf("saving context: %w", err)
		}
		// An Update carrying an alarm supersedes the previous one; an
		// Update without one leaves whatever alarm is already set
		// untouched. The partial-ack path depends on the pending
		// ack-timeout alarm surviving so a later timeout can still fire.
		if a.AlarmSet {
			if err := r.store.SetConsensusAlarm(ctx, id, a.Alarm); err != nil {
				return fmt.Errorf("setting alarm: %w", err)
			}
		} else if a.NewContext.State.Kind == twopc.Commit || a.NewContext.State.Kind == twopc.Abort {
			// A terminal state needs no further wakeup regardless of
			// whatever alarm was previously armed.
			if err := r.store.UnsetConsensusAlarm(ctx, id); err != nil {
				return fmt.Errorf("unsetting alarm: %w", err)
			}
		}
	case twopc.ActionSendMessage:
		if err := r.sender.SendTwoPC(ctx, id, a.Receiver, a.Message); err != nil {
			r.log.WarnContext(ctx, "send-message action failed", logger.ServiceID(id.ServiceID), logger.Error(err))
			if ierr := r.store.InsertRequestError(ctx, id, "", twopc.RequestError{Message: err.Error(), Timestamp: now}); ierr != nil {
				return fmt.Errorf("recording send error: %w", ierr)
			}
		}
	case twopc.ActionNotify:
		if r.notifier != nil {
			r.notifier.Notify(ctx, id, a.Notification)
		}
	default:
		return twopc.NewError(twopc.InvalidState, "executeRow", fmt.Errorf("unknown action kind %d", a.Kind))
	}
	if err := r.store.UpdateConsensusAction(ctx, id, row.ID, now); err != nil {
		return fmt.Errorf("stamping action %d: %w", row.ID, err)
	}
	r.actionsExecd.Add(ctx, 1)
	return nil
}
