package runner_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/circuitmesh/circuitd/observability"
	"github.com/circuitmesh/circuitd/twopc"
	"github.com/circuitmesh/circuitd/twopc/memstore"
	"github.com/circuitmesh/circuitd/twopc/runner"
	"github.com/circuitmesh/circuitd/twopc/step"
)

type recordingSender struct {
	mu  sync.Mutex
	out []sentMsg
}

type sentMsg struct {
	to  string
	msg twopc.Message
}

func (s *recordingSender) SendTwoPC(ctx context.Context, from twopc.FullyQualifiedServiceID, to string, msg twopc.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, sentMsg{to: to, msg: msg})
	return nil
}

// TestRunner_TwoPCHappyPath: a Finalized service sitting in Voting with a
// pending alarm; the participant's VoteResponse arrives, the resulting
// actions land in the action log in insertion order, and stamping removes
// the executed ones from the next read.
func TestRunner_TwoPCHappyPath(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	id := twopc.FullyQualifiedServiceID{CircuitID: "Alpha-00000", ServiceID: "coord"}
	require.NoError(t, store.AddService(ctx, id, "2pc", nil))
	require.NoError(t, store.UpdateServiceStatus(ctx, id, twopc.Finalized))

	T := time.Unix(1_700_000_000, 0)
	initial := twopc.Context{
		Coordinator:  "coord",
		ThisProcess:  "coord",
		Participants: []twopc.Participant{{Process: "participant-1"}},
		State:        twopc.State{Kind: twopc.Voting, VoteTimeoutStart: T},
	}
	require.NoError(t, store.SaveConsensusContext(ctx, id, initial))
	require.NoError(t, store.SetConsensusAlarm(ctx, id, T.Add(10*time.Second)))

	now := T.Add(9 * time.Second)
	ready, err := store.ListReadyServicesWithAlarmBefore(ctx, now)
	require.NoError(t, err)
	require.NotContains(t, ready, id, "alarm has not expired yet")

	sender := &recordingSender{}
	r, err := runner.New(runner.Config{PollInterval: time.Hour}, store, step.New(step.Config{}), sender, nil, observability.NoOp(), func() time.Time { return now })
	require.NoError(t, err)

	require.NoError(t, r.Deliver(ctx, id, "participant-1", twopc.Message{
		Kind: twopc.MsgVoteResponse, VoteResponse: true, VoteResponseSet: true,
	}))

	cur, ok, err := store.GetCurrentConsensusContext(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, twopc.WaitingForDecisionAck, cur.State.Kind)

	require.Len(t, sender.out, 1)
	require.Equal(t, "participant-1", sender.out[0].to)
	require.Equal(t, twopc.MsgCommit, sender.out[0].msg.Kind)

	// The Update, SendMessage and Notify actions were persisted and
	// immediately executed by the runner; once executed they drop off the
	// next read.
	remaining, err := store.ListConsensusActions(ctx, id)
	require.NoError(t, err)
	require.Empty(t, remaining, "all actions from this step were executed and stamped")
}

func TestRunner_PollAdvancesExpiredAlarm(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	id := twopc.FullyQualifiedServiceID{CircuitID: "Alpha-00000", ServiceID: "coord"}
	require.NoError(t, store.AddService(ctx, id, "2pc", nil))
	require.NoError(t, store.UpdateServiceStatus(ctx, id, twopc.Finalized))

	T := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.SaveConsensusContext(ctx, id, twopc.Context{
		Coordinator: "coord", ThisProcess: "coord",
		State: twopc.State{Kind: twopc.Voting, VoteTimeoutStart: T},
	}))
	require.NoError(t, store.SetConsensusAlarm(ctx, id, T.Add(5*time.Second)))

	now := T.Add(6 * time.Second)
	sender := &recordingSender{}
	r, err := runner.New(runner.Config{PollInterval: 10 * time.Millisecond}, store, step.New(step.Config{VoteTimeout: 5 * time.Second}), sender, nil, observability.NoOp(), func() time.Time { return now })
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = r.Run(runCtx)

	cur, ok, err := store.GetCurrentConsensusContext(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, twopc.Abort, cur.State.Kind, "vote timeout past deadline aborts")
}
