// Package step supplies the canonical two-phase-commit coordinator/
// participant state machine as a pure step function: (context, event) ->
// (context', actions). The runner persists whatever this function decides;
// alternative consensus derivations plug in behind the same Func contract.
package step

import (
	"time"

	"github.com/circuitmesh/circuitd/twopc"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Config parameterizes the timeouts the step function stamps into emitted
// Update actions.
type Config struct {
	VoteTimeout     time.Duration
	DecisionTimeout time.Duration
	AckTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.VoteTimeout <= 0 {
		c.VoteTimeout = 30 * time.Second
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = 30 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	return c
}

// Func is the step contract the runner drives: given the current context
// (absent on first call) and an inbound Event, produce the ordered list of
// Actions to persist.
type Func func(now time.Time, current twopc.Context, hasCurrent bool, ev twopc.Event) []twopc.Action

// New builds the canonical coordinator/participant step function. Which
// role a given service plays is fixed by whether Context.ThisProcess
// equals Context.Coordinator; there is no separate role flag.
func New(conf Config) Func {
	conf = conf.withDefaults()
	return func(now time.Time, cur twopc.Context, hasCurrent bool, ev twopc.Event) []twopc.Action {
		if !hasCurrent {
			// No context yet: nothing to advance. The runner passes
			// hasCurrent false for a service with no saved context; the
			// initial context is saved when the service is set up, not by
			// this function.
			return nil
		}
		if cur.ThisProcess == cur.Coordinator {
			return coordinatorStep(now, conf, cur, ev)
		}
		return participantStep(now, conf, cur, ev)
	}
}

func coordinatorStep(now time.Time, conf Config, cur twopc.Context, ev twopc.Event) []twopc.Action {
	switch cur.State.Kind {
	case twopc.WaitingForStart:
		return startVoting(now, conf, cur)

	case twopc.Voting:
		if ev.Kind == twopc.EventMessageReceived && ev.Message.Kind == twopc.MsgVoteResponse {
			return recordVote(now, conf, cur, ev)
		}
		if ev.Kind == twopc.EventTimeout && now.After(cur.State.VoteTimeoutStart.Add(conf.VoteTimeout)) {
			return abort(cur)
		}
		return nil

	case twopc.WaitingForDecisionAck:
		if ev.Kind == twopc.EventMessageReceived && ev.Message.Kind == twopc.MsgDecisionAck {
			return recordAck(now, cur, ev)
		}
		if ev.Kind == twopc.EventTimeout && now.After(cur.State.AckTimeoutStart.Add(conf.AckTimeout)) {
			return resendDecision(now, conf, cur)
		}
		return nil

	default:
		return nil
	}
}

func participantStep(now time.Time, conf Config, cur twopc.Context, ev twopc.Event) []twopc.Action {
	switch cur.State.Kind {
	case twopc.WaitingForVoteRequest:
		if ev.Kind == twopc.EventMessageReceived && ev.Message.Kind == twopc.MsgVoteRequest {
			return castVote(now, conf, cur, ev)
		}
		return nil

	case twopc.Voted:
		switch {
		case ev.Kind == twopc.EventMessageReceived && ev.Message.Kind == twopc.MsgCommit:
			return []twopc.Action{commit(cur), ackDecision(cur)}
		case ev.Kind == twopc.EventMessageReceived && ev.Message.Kind == twopc.MsgAbort:
			return []twopc.Action{abortContext(cur), ackDecision(cur)}
		case ev.Kind == twopc.EventTimeout && now.After(cur.State.DecisionTimeoutStart.Add(conf.DecisionTimeout)):
			return []twopc.Action{requestDecision(cur)}
		}
		return nil

	default:
		return nil
	}
}

func startVoting(now time.Time, conf Config, cur twopc.Context) []twopc.Action {
	next := cur
	next.State = twopc.State{Kind: twopc.Voting, VoteTimeoutStart: now}
	alarm := now.Add(conf.VoteTimeout)
	actions := []twopc.Action{{Kind: twopc.ActionUpdate, NewContext: next, Alarm: alarm, AlarmSet: true}}
	for _, p := range cur.Participants {
		actions = append(actions, twopc.Action{
			Kind:     twopc.ActionSendMessage,
			Receiver: p.Process,
			Message:  twopc.Message{Kind: twopc.MsgVoteRequest, Epoch: cur.Epoch},
		})
	}
	return actions
}

func recordVote(now time.Time, conf Config, cur twopc.Context, ev twopc.Event) []twopc.Action {
	next := cur
	next.Participants = append([]twopc.Participant(nil), cur.Participants...)
	allVoted := true
	anyAbort := !ev.Message.VoteResponseSet || !ev.Message.VoteResponse
	for i := range next.Participants {
		if next.Participants[i].Process == ev.From {
			next.Participants[i].Vote = ev.Message.VoteResponse
			next.Participants[i].VoteSet = true
		}
		if !next.Participants[i].VoteSet {
			allVoted = false
		} else if !next.Participants[i].Vote {
			anyAbort = true
		}
	}
	if anyAbort {
		return abort(cur)
	}
	if !allVoted {
		return nil
	}
	// Unanimous yes: decide Commit and hold for decision acks.
	next.State = twopc.State{Kind: twopc.WaitingForDecisionAck, AckTimeoutStart: now}
	actions := []twopc.Action{{Kind: twopc.ActionUpdate, NewContext: next, Alarm: now.Add(conf.AckTimeout), AlarmSet: true}}
	for _, p := range next.Participants {
		actions = append(actions, twopc.Action{Kind: twopc.ActionSendMessage, Receiver: p.Process, Message: twopc.Message{Kind: twopc.MsgCommit, Epoch: cur.Epoch}})
	}
	actions = append(actions, twopc.Action{Kind: twopc.ActionNotify, Notification: twopc.Notification{Kind: twopc.NotifyCommit}})
	return actions
}

func recordAck(now time.Time, cur twopc.Context, ev twopc.Event) []twopc.Action {
	next := cur
	next.Participants = append([]twopc.Participant(nil), cur.Participants...)
	allAcked := true
	for i := range next.Participants {
		if next.Participants[i].Process == ev.From {
			next.Participants[i].DecisionAck = true
		}
		if !next.Participants[i].DecisionAck {
			allAcked = false
		}
	}
	if !allAcked {
		// No new alarm: the pending ack timeout stays armed for a resend.
		return []twopc.Action{{Kind: twopc.ActionUpdate, NewContext: next}}
	}
	next.State = twopc.State{Kind: twopc.Commit}
	return []twopc.Action{{Kind: twopc.ActionUpdate, NewContext: next}}
}

// resendDecision re-sends the Commit decision to every participant that
// has not acked yet and restarts the ack timeout.
func resendDecision(now time.Time, conf Config, cur twopc.Context) []twopc.Action {
	next := cur
	next.State = twopc.State{Kind: twopc.WaitingForDecisionAck, AckTimeoutStart: now}
	actions := []twopc.Action{{Kind: twopc.ActionUpdate, NewContext: next, Alarm: now.Add(conf.AckTimeout), AlarmSet: true}}
	for _, p := range cur.Participants {
		if p.DecisionAck {
			continue
		}
		actions = append(actions, twopc.Action{Kind: twopc.ActionSendMessage, Receiver: p.Process, Message: twopc.Message{Kind: twopc.MsgCommit, Epoch: cur.Epoch}})
	}
	return actions
}

func castVote(now time.Time, conf Config, cur twopc.Context, ev twopc.Event) []twopc.Action {
	next := cur
	next.State = twopc.State{Kind: twopc.Voted, DecisionTimeoutStart: now, Vote: true, VoteSet: true}
	update := twopc.Action{Kind: twopc.ActionUpdate, NewContext: next, Alarm: now.Add(conf.DecisionTimeout), AlarmSet: true}
	reply := twopc.Action{
		Kind:     twopc.ActionSendMessage,
		Receiver: cur.Coordinator,
		Message:  twopc.Message{Kind: twopc.MsgVoteResponse, Epoch: cur.Epoch, VoteResponse: true, VoteResponseSet: true},
	}
	return []twopc.Action{update, reply}
}

func commit(cur twopc.Context) twopc.Action {
	next := cur
	next.State = twopc.State{Kind: twopc.Commit}
	return twopc.Action{Kind: twopc.ActionUpdate, NewContext: next}
}

func abortContext(cur twopc.Context) twopc.Action {
	next := cur
	next.State = twopc.State{Kind: twopc.Abort}
	return twopc.Action{Kind: twopc.ActionUpdate, NewContext: next}
}

func ackDecision(cur twopc.Context) twopc.Action {
	return twopc.Action{Kind: twopc.ActionSendMessage, Receiver: cur.Coordinator, Message: twopc.Message{Kind: twopc.MsgDecisionAck, Epoch: cur.Epoch}}
}

func requestDecision(cur twopc.Context) twopc.Action {
	return twopc.Action{Kind: twopc.ActionSendMessage, Receiver: cur.Coordinator, Message: twopc.Message{Kind: twopc.MsgDecisionRequest, Epoch: cur.Epoch}}
}

func abort(cur twopc.Context) []twopc.Action {
	next := cur
	next.Participants = append([]twopc.Participant(nil), cur.Participants...)
	next.State = twopc.State{Kind: twopc.Abort}
	actions := []twopc.Action{{Kind: twopc.ActionUpdate, NewContext: next}}
	for _, p := range next.Participants {
		actions = append(actions, twopc.Action{Kind: twopc.ActionSendMessage, Receiver: p.Process, Message: twopc.Message{Kind: twopc.MsgAbort, Epoch: cur.Epoch}})
	}
	actions = append(actions, twopc.Action{Kind: twopc.ActionNotify, Notification: twopc.Notification{Kind: twopc.NotifyAbort}})
	return actions
}
