package twopc_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/circuitmesh/circuitd/twopc"
	"github.com/circuitmesh/circuitd/twopc/boltstore"
	"github.com/circuitmesh/circuitd/twopc/memstore"
	"github.com/circuitmesh/circuitd/twopc/sqlstore"
)

// backends runs the shared Store conformance suite against every
// implementation: the in-memory test double plus both persistence
// engines.
func backends(t *testing.T) map[string]twopc.Store {
	t.Helper()
	bolt, err := boltstore.Open(filepath.Join(t.TempDir(), "twopc.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	sqlite, err := sqlstore.Open(filepath.Join(t.TempDir(), "twopc.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]twopc.Store{
		"memstore":  memstore.New(),
		"boltstore": bolt,
		"sqlstore":  sqlite,
	}
}

func TestStore_ServiceLifecycle(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := twopc.FullyQualifiedServiceID{CircuitID: "Alpha-00000", ServiceID: "a0001"}

			require.NoError(t, store.AddService(ctx, id, "echo", []byte("args")))
			err := store.AddService(ctx, id, "echo", nil)
			require.ErrorIs(t, err, twopc.ErrInvalidState, "duplicate add must fail with InvalidState")

			status, err := store.GetServiceStatus(ctx, id)
			require.NoError(t, err)
			require.Equal(t, twopc.Prepared, status)

			args, err := store.GetServiceArguments(ctx, id)
			require.NoError(t, err)
			require.Equal(t, []byte("args"), args)

			require.NoError(t, store.UpdateServiceStatus(ctx, id, twopc.Finalized))
			status, err = store.GetServiceStatus(ctx, id)
			require.NoError(t, err)
			require.Equal(t, twopc.Finalized, status)

			ready, err := store.ListReadyServices(ctx)
			require.NoError(t, err)
			require.Contains(t, ready, id)

			require.NoError(t, store.RemoveService(ctx, id))
			_, err = store.GetServiceStatus(ctx, id)
			require.ErrorIs(t, err, twopc.ErrInvalidState)
			require.ErrorIs(t, store.RemoveService(ctx, id), twopc.ErrInvalidState,
				"removing an unknown service must fail with InvalidState")
		})
	}
}

// At most one Context row exists per service at any time;
// SaveConsensusContext replaces, never merges.
func TestStore_ContextReplacesAtomically(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := twopc.FullyQualifiedServiceID{CircuitID: "Alpha-00000", ServiceID: "a0001"}
			require.NoError(t, store.AddService(ctx, id, "echo", nil))

			_, ok, err := store.GetCurrentConsensusContext(ctx, id)
			require.NoError(t, err)
			require.False(t, ok)

			c1 := twopc.Context{Coordinator: "a0001", ThisProcess: "a0001", State: twopc.State{Kind: twopc.Voting, VoteTimeoutStart: time.Unix(1000, 0)}}
			require.NoError(t, store.SaveConsensusContext(ctx, id, c1))

			got, ok, err := store.GetCurrentConsensusContext(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, twopc.Voting, got.State.Kind)

			c2 := twopc.Context{Coordinator: "a0001", ThisProcess: "a0001", State: twopc.State{
				Kind: twopc.Voted, DecisionTimeoutStart: time.Unix(2000, 0), Vote: true, VoteSet: true,
			}}
			require.NoError(t, store.SaveConsensusContext(ctx, id, c2))

			got, ok, err = store.GetCurrentConsensusContext(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, twopc.Voted, got.State.Kind, "second save must replace, not merge")

			// A Voting state missing its required timeout field is rejected.
			bad := twopc.Context{Coordinator: "a0001", ThisProcess: "a0001", State: twopc.State{Kind: twopc.Voting}}
			require.Error(t, store.SaveConsensusContext(ctx, id, bad))
		})
	}
}

// Action list ordering, and the executed_at stamp removing an action from
// subsequent reads.
func TestStore_ActionLogOrderingAndStamping(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := twopc.FullyQualifiedServiceID{CircuitID: "Alpha-00000", ServiceID: "a0001"}
			require.NoError(t, store.AddService(ctx, id, "echo", nil))

			id1, err := store.AddConsensusAction(ctx, id, twopc.Action{Kind: twopc.ActionUpdate, NewContext: twopc.Context{State: twopc.State{Kind: twopc.Voted, DecisionTimeoutStart: time.Unix(1, 0), Vote: true, VoteSet: true}}})
			require.NoError(t, err)
			id2, err := store.AddConsensusAction(ctx, id, twopc.Action{Kind: twopc.ActionSendMessage, Receiver: "coord", Message: twopc.Message{Kind: twopc.MsgVoteResponse, VoteResponse: true, VoteResponseSet: true}})
			require.NoError(t, err)
			require.Less(t, id1, id2)

			actions, err := store.ListConsensusActions(ctx, id)
			require.NoError(t, err)
			require.Len(t, actions, 2)
			require.Equal(t, id1, actions[0].ID)
			require.Equal(t, id2, actions[1].ID)

			require.NoError(t, store.UpdateConsensusAction(ctx, id, id2, time.Unix(100, 0)))
			actions, err = store.ListConsensusActions(ctx, id)
			require.NoError(t, err)
			require.Len(t, actions, 1, "stamping an action removes it from the next list")
			require.Equal(t, id1, actions[0].ID)

			require.ErrorIs(t, store.UpdateConsensusAction(ctx, id, 99999, time.Unix(1, 0)), twopc.ErrInvalidState,
				"stamping an unknown action id must fail with InvalidState")
		})
	}
}

func TestStore_AlarmSemantics(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := twopc.FullyQualifiedServiceID{CircuitID: "Alpha-00000", ServiceID: "a0001"}
			require.NoError(t, store.AddService(ctx, id, "echo", nil))
			require.NoError(t, store.UpdateServiceStatus(ctx, id, twopc.Finalized))

			t0 := time.Unix(1_700_000_000, 0)
			require.NoError(t, store.SetConsensusAlarm(ctx, id, t0))

			at, ok, err := store.GetConsensusAlarm(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, at.Equal(t0))

			ready, err := store.ListReadyServicesWithAlarmBefore(ctx, t0.Add(-time.Second))
			require.NoError(t, err)
			require.NotContains(t, ready, id)

			ready, err = store.ListReadyServicesWithAlarmBefore(ctx, t0.Add(time.Second))
			require.NoError(t, err)
			require.Contains(t, ready, id)

			require.NoError(t, store.UnsetConsensusAlarm(ctx, id))
			_, ok, err = store.GetConsensusAlarm(ctx, id)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStore_RequestAudit(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := twopc.FullyQualifiedServiceID{CircuitID: "Alpha-00000", ServiceID: "a0001"}
			require.NoError(t, store.AddService(ctx, id, "echo", nil))

			req := twopc.OutboundRequest{CorrelationID: "c1", To: "coord", Message: twopc.Message{Kind: twopc.MsgVoteRequest}}
			require.NoError(t, store.InsertRequest(ctx, id, req))
			require.NoError(t, store.UpdateRequestSent(ctx, id, "c1", twopc.RequestSent, time.Unix(10, 0)))
			require.NoError(t, store.UpdateRequestAck(ctx, id, "c1", twopc.RequestAcked, time.Unix(20, 0)))

			last, err := store.GetLastSent(ctx, id, "")
			require.NoError(t, err)
			require.Equal(t, "c1", last.CorrelationID)
			require.Equal(t, twopc.RequestAcked, last.AckStatus)

			last, err = store.GetLastSent(ctx, id, "coord")
			require.NoError(t, err)
			require.Equal(t, "c1", last.CorrelationID)

			_, err = store.GetLastSent(ctx, id, "someone-else")
			require.Error(t, err)

			all, err := store.ListRequests(ctx, id, "")
			require.NoError(t, err)
			require.Len(t, all, 1)

			all, err = store.ListRequests(ctx, id, "someone-else")
			require.NoError(t, err)
			require.Len(t, all, 0)

			require.NoError(t, store.InsertRequestError(ctx, id, "c1", twopc.RequestError{Message: "boom", Timestamp: time.Unix(30, 0)}))
		})
	}
}
