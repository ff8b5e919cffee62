package step_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/circuitmesh/circuitd/twopc"
	"github.com/circuitmesh/circuitd/twopc/step"
)

func findKind(t *testing.T, actions []twopc.Action, kind twopc.ActionKind) twopc.Action {
	t.Helper()
	for _, a := range actions {
		if a.Kind == kind {
			return a
		}
	}
	t.Fatalf("no action of kind %d among %d actions", kind, len(actions))
	return twopc.Action{}
}

func TestStep_CoordinatorStartsVoting(t *testing.T) {
	fn := step.New(step.Config{VoteTimeout: time.Second})
	now := time.Unix(1000, 0)
	cur := twopc.Context{
		Coordinator:  "coord",
		ThisProcess:  "coord",
		Participants: []twopc.Participant{{Process: "p1"}, {Process: "p2"}},
		State:        twopc.State{Kind: twopc.WaitingForStart},
	}
	actions := fn(now, cur, true, twopc.Event{})
	require.Len(t, actions, 3) // 1 Update + 2 VoteRequest sends

	upd := findKind(t, actions, twopc.ActionUpdate)
	require.Equal(t, twopc.Voting, upd.NewContext.State.Kind)
	require.True(t, upd.NewContext.State.VoteTimeoutStart.Equal(now))
	require.True(t, upd.AlarmSet)
}

func TestStep_CoordinatorAllYesVotesCommits(t *testing.T) {
	fn := step.New(step.Config{})
	now := time.Unix(2000, 0)
	cur := twopc.Context{
		Coordinator: "coord", ThisProcess: "coord",
		Participants: []twopc.Participant{{Process: "p1", Vote: true, VoteSet: true}, {Process: "p2"}},
		State:        twopc.State{Kind: twopc.Voting, VoteTimeoutStart: now.Add(-time.Second)},
	}
	ev := twopc.Event{Kind: twopc.EventMessageReceived, From: "p2", Message: twopc.Message{Kind: twopc.MsgVoteResponse, VoteResponse: true, VoteResponseSet: true}}
	actions := fn(now, cur, true, ev)

	upd := findKind(t, actions, twopc.ActionUpdate)
	require.Equal(t, twopc.WaitingForDecisionAck, upd.NewContext.State.Kind)
	require.True(t, upd.NewContext.State.AckTimeoutStart.Equal(now))
	require.True(t, upd.AlarmSet)

	sends := 0
	for _, a := range actions {
		if a.Kind == twopc.ActionSendMessage {
			require.Equal(t, twopc.MsgCommit, a.Message.Kind)
			sends++
		}
	}
	require.Equal(t, 2, sends)
	findKind(t, actions, twopc.ActionNotify)
}

func TestStep_CoordinatorNoVoteAborts(t *testing.T) {
	fn := step.New(step.Config{})
	now := time.Unix(2000, 0)
	cur := twopc.Context{
		Coordinator: "coord", ThisProcess: "coord",
		Participants: []twopc.Participant{{Process: "p1"}},
		State:        twopc.State{Kind: twopc.Voting, VoteTimeoutStart: now},
	}
	ev := twopc.Event{Kind: twopc.EventMessageReceived, From: "p1", Message: twopc.Message{Kind: twopc.MsgVoteResponse, VoteResponse: false, VoteResponseSet: true}}
	actions := fn(now, cur, true, ev)

	upd := findKind(t, actions, twopc.ActionUpdate)
	require.Equal(t, twopc.Abort, upd.NewContext.State.Kind)
	abortMsg := findKind(t, actions, twopc.ActionSendMessage)
	require.Equal(t, twopc.MsgAbort, abortMsg.Message.Kind)
}

func TestStep_CoordinatorVoteTimeoutAborts(t *testing.T) {
	fn := step.New(step.Config{VoteTimeout: 5 * time.Second})
	start := time.Unix(1000, 0)
	cur := twopc.Context{
		Coordinator: "coord", ThisProcess: "coord",
		State: twopc.State{Kind: twopc.Voting, VoteTimeoutStart: start},
	}
	actions := fn(start.Add(6*time.Second), cur, true, twopc.Event{Kind: twopc.EventTimeout})
	upd := findKind(t, actions, twopc.ActionUpdate)
	require.Equal(t, twopc.Abort, upd.NewContext.State.Kind)

	// Before the deadline, nothing happens.
	require.Empty(t, fn(start.Add(2*time.Second), cur, true, twopc.Event{Kind: twopc.EventTimeout}))
}

func TestStep_ParticipantCastsVoteOnRequest(t *testing.T) {
	fn := step.New(step.Config{DecisionTimeout: time.Second})
	now := time.Unix(3000, 0)
	cur := twopc.Context{Coordinator: "coord", ThisProcess: "p1", State: twopc.State{Kind: twopc.WaitingForVoteRequest}}
	ev := twopc.Event{Kind: twopc.EventMessageReceived, Message: twopc.Message{Kind: twopc.MsgVoteRequest}}
	actions := fn(now, cur, true, ev)

	upd := findKind(t, actions, twopc.ActionUpdate)
	require.Equal(t, twopc.Voted, upd.NewContext.State.Kind)
	reply := findKind(t, actions, twopc.ActionSendMessage)
	require.Equal(t, "coord", reply.Receiver)
	require.Equal(t, twopc.MsgVoteResponse, reply.Message.Kind)
	require.True(t, reply.Message.VoteResponse)
}

func TestStep_ParticipantCommitsOnDecision(t *testing.T) {
	fn := step.New(step.Config{})
	now := time.Unix(4000, 0)
	cur := twopc.Context{Coordinator: "coord", ThisProcess: "p1", State: twopc.State{Kind: twopc.Voted, DecisionTimeoutStart: now}}
	ev := twopc.Event{Kind: twopc.EventMessageReceived, Message: twopc.Message{Kind: twopc.MsgCommit}}
	actions := fn(now, cur, true, ev)

	upd := findKind(t, actions, twopc.ActionUpdate)
	require.Equal(t, twopc.Commit, upd.NewContext.State.Kind)
	ack := findKind(t, actions, twopc.ActionSendMessage)
	require.Equal(t, twopc.MsgDecisionAck, ack.Message.Kind)
}

func TestStep_NoContextYieldsNoActions(t *testing.T) {
	fn := step.New(step.Config{})
	require.Empty(t, fn(time.Unix(1, 0), twopc.Context{}, false, twopc.Event{}))
}
