// Package memstore is an in-memory twopc.Store, used by tests and by the
// multi-node integration harness (internal/testutils/testcircuit). A
// single RWMutex guards the whole store; operations are trivially atomic.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/circuitmesh/circuitd/twopc"
)

type serviceRow struct {
	status    twopc.ServiceLifecycleStatus
	kind      string
	arguments []byte
	alarm     time.Time
	hasAlarm  bool
}

type Store struct {
	mu sync.RWMutex

	services map[twopc.FullyQualifiedServiceID]*serviceRow
	contexts map[twopc.FullyQualifiedServiceID]twopc.Context
	actions  map[twopc.FullyQualifiedServiceID][]twopc.Identified[twopc.Action]
	requests map[twopc.FullyQualifiedServiceID][]twopc.OutboundRequest
	nextID   int64
}

func New() *Store {
	return &Store{
		services: make(map[twopc.FullyQualifiedServiceID]*serviceRow),
		contexts: make(map[twopc.FullyQualifiedServiceID]twopc.Context),
		actions:  make(map[twopc.FullyQualifiedServiceID][]twopc.Identified[twopc.Action]),
		requests: make(map[twopc.FullyQualifiedServiceID][]twopc.OutboundRequest),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) AddService(ctx context.Context, id twopc.FullyQualifiedServiceID, serviceType string, arguments []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[id]; ok {
		return twopc.NewError(twopc.InvalidState, "AddService", errAlreadyExists(id))
	}
	s.services[id] = &serviceRow{status: twopc.Prepared, kind: serviceType, arguments: arguments}
	return nil
}

func (s *Store) RemoveService(ctx context.Context, id twopc.FullyQualifiedServiceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[id]; !ok {
		return twopc.NewError(twopc.InvalidState, "RemoveService", errNotFound(id))
	}
	delete(s.services, id)
	delete(s.contexts, id)
	delete(s.actions, id)
	delete(s.requests, id)
	return nil
}

func (s *Store) UpdateServiceStatus(ctx context.Context, id twopc.FullyQualifiedServiceID, status twopc.ServiceLifecycleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.services[id]
	if !ok {
		return twopc.NewError(twopc.InvalidState, "UpdateServiceStatus", errNotFound(id))
	}
	row.status = status
	return nil
}

func (s *Store) GetServiceStatus(ctx context.Context, id twopc.FullyQualifiedServiceID) (twopc.ServiceLifecycleStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.services[id]
	if !ok {
		return 0, twopc.NewError(twopc.InvalidState, "GetServiceStatus", errNotFound(id))
	}
	return row.status, nil
}

func (s *Store) ListReadyServices(ctx context.Context) ([]twopc.FullyQualifiedServiceID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []twopc.FullyQualifiedServiceID
	for id, row := range s.services {
		if row.status == twopc.Finalized {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out, nil
}

func (s *Store) ListReadyServicesWithAlarmBefore(ctx context.Context, before time.Time) ([]twopc.FullyQualifiedServiceID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []twopc.FullyQualifiedServiceID
	for id, row := range s.services {
		if row.status != twopc.Finalized {
			continue
		}
		if row.hasAlarm && row.alarm.Before(before) {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out, nil
}

func (s *Store) GetServiceArguments(ctx context.Context, id twopc.FullyQualifiedServiceID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.services[id]
	if !ok {
		return nil, twopc.NewError(twopc.InvalidState, "GetServiceArguments", errNotFound(id))
	}
	return row.arguments, nil
}

func (s *Store) InsertRequest(ctx context.Context, id twopc.FullyQualifiedServiceID, req twopc.OutboundRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[id] = append(s.requests[id], req)
	return nil
}

func (s *Store) UpdateRequestSent(ctx context.Context, id twopc.FullyQualifiedServiceID, correlationID string, status twopc.RequestStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.requests[id]
	for i := range rows {
		if rows[i].CorrelationID == correlationID {
			rows[i].SentStatus = status
			rows[i].SentAt = at
			return nil
		}
	}
	return twopc.NewError(twopc.InvalidState, "UpdateRequestSent", errNotFound(id))
}

func (s *Store) UpdateRequestAck(ctx context.Context, id twopc.FullyQualifiedServiceID, correlationID string, status twopc.RequestStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.requests[id]
	for i := range rows {
		if rows[i].CorrelationID == correlationID {
			rows[i].AckStatus = status
			rows[i].AckAt = at
			return nil
		}
	}
	return twopc.NewError(twopc.InvalidState, "UpdateRequestAck", errNotFound(id))
}

func (s *Store) InsertRequestError(ctx context.Context, id twopc.FullyQualifiedServiceID, correlationID string, reqErr twopc.RequestError) error {
	// Validated but not retained: nothing reads error-audit rows back
	// through this backend; the persistent backends retain them (sqlstore
	// in its own table, boltstore beside the request rows).
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[id]; !ok {
		return twopc.NewError(twopc.InvalidState, "InsertRequestError", errNotFound(id))
	}
	return nil
}

func (s *Store) GetLastSent(ctx context.Context, id twopc.FullyQualifiedServiceID, peer string) (twopc.OutboundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest twopc.OutboundRequest
	found := false
	for _, row := range s.requests[id] {
		if peer != "" && row.To != peer {
			continue
		}
		if !found || row.SentAt.After(latest.SentAt) {
			latest, found = row, true
		}
	}
	if found {
		return latest, nil
	}
	return twopc.OutboundRequest{}, twopc.NewError(twopc.InvalidState, "GetLastSent", errNotFound(id))
}

func (s *Store) ListRequests(ctx context.Context, id twopc.FullyQualifiedServiceID, peer string) ([]twopc.OutboundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []twopc.OutboundRequest
	for _, row := range s.requests[id] {
		if peer == "" || row.To == peer {
			out = append(out, row)
		}
	}
	return out, nil
}

// ListConsensusActions returns unexecuted actions only, ordered by id
// ascending; a stamped action drops out of the next call.
func (s *Store) ListConsensusActions(ctx context.Context, id twopc.FullyQualifiedServiceID) ([]twopc.Identified[twopc.Action], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []twopc.Identified[twopc.Action]
	for _, row := range s.actions[id] {
		if !row.Executed {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AddConsensusAction(ctx context.Context, id twopc.FullyQualifiedServiceID, action twopc.Action) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	row := twopc.Identified[twopc.Action]{ID: s.nextID, Value: action}
	s.actions[id] = append(s.actions[id], row)
	return row.ID, nil
}

func (s *Store) UpdateConsensusAction(ctx context.Context, id twopc.FullyQualifiedServiceID, actionID int64, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.actions[id]
	for i := range rows {
		if rows[i].ID == actionID {
			rows[i].ExecutedAt = executedAt
			rows[i].Executed = true
			return nil
		}
	}
	return twopc.NewError(twopc.InvalidState, "UpdateConsensusAction", errNotFound(id))
}

func (s *Store) SaveConsensusContext(ctx context.Context, id twopc.FullyQualifiedServiceID, c twopc.Context) error {
	if err := c.State.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[id]; !ok {
		return twopc.NewError(twopc.InvalidState, "SaveConsensusContext", errNotFound(id))
	}
	// Contexts replace wholesale, never merge.
	s.contexts[id] = c
	return nil
}

func (s *Store) GetCurrentConsensusContext(ctx context.Context, id twopc.FullyQualifiedServiceID) (twopc.Context, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	return c, ok, nil
}

func (s *Store) SetConsensusAlarm(ctx context.Context, id twopc.FullyQualifiedServiceID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.services[id]
	if !ok {
		return twopc.NewError(twopc.InvalidState, "SetConsensusAlarm", errNotFound(id))
	}
	row.alarm = at
	row.hasAlarm = true
	return nil
}

func (s *Store) GetConsensusAlarm(ctx context.Context, id twopc.FullyQualifiedServiceID) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.services[id]
	if !ok {
		return time.Time{}, false, twopc.NewError(twopc.InvalidState, "GetConsensusAlarm", errNotFound(id))
	}
	return row.alarm, row.hasAlarm, nil
}

func (s *Store) UnsetConsensusAlarm(ctx context.Context, id twopc.FullyQualifiedServiceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.services[id]
	if !ok {
		return twopc.NewError(twopc.InvalidState, "UnsetConsensusAlarm", errNotFound(id))
	}
	row.hasAlarm = false
	row.alarm = time.Time{}
	return nil
}

func sortIDs(ids []twopc.FullyQualifiedServiceID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].CircuitID != ids[j].CircuitID {
			return ids[i].CircuitID < ids[j].CircuitID
		}
		return ids[i].ServiceID < ids[j].ServiceID
	})
}

type notFoundErr struct{ id twopc.FullyQualifiedServiceID }

func (e *notFoundErr) Error() string { return "no such service: " + e.id.String() }

func errNotFound(id twopc.FullyQualifiedServiceID) error { return &notFoundErr{id} }

type alreadyExistsErr struct{ id twopc.FullyQualifiedServiceID }

func (e *alreadyExistsErr) Error() string { return "service already exists: " + e.id.String() }

func errAlreadyExists(id twopc.FullyQualifiedServiceID) error { return &alreadyExistsErr{id} }
