package twopc

import (
	"context"
	"time"
)

// Store is the persistence port for the consensus store and action log.
// Two backends satisfy it: boltstore (go.etcd.io/bbolt) and sqlstore
// (database/sql + sqlite); a memstore implementation backs tests and the
// integration harness. Multi-row operations are transactional; partial
// success is never observable.
type Store interface {
	// Service lifecycle.
	AddService(ctx context.Context, id FullyQualifiedServiceID, serviceType string, arguments []byte) error
	RemoveService(ctx context.Context, id FullyQualifiedServiceID) error
	UpdateServiceStatus(ctx context.Context, id FullyQualifiedServiceID, status ServiceLifecycleStatus) error
	GetServiceStatus(ctx context.Context, id FullyQualifiedServiceID) (ServiceLifecycleStatus, error)
	ListReadyServices(ctx context.Context) ([]FullyQualifiedServiceID, error)
	ListReadyServicesWithAlarmBefore(ctx context.Context, before time.Time) ([]FullyQualifiedServiceID, error)
	GetServiceArguments(ctx context.Context, id FullyQualifiedServiceID) ([]byte, error)

	// Outbound request audit trail.
	InsertRequest(ctx context.Context, id FullyQualifiedServiceID, req OutboundRequest) error
	UpdateRequestSent(ctx context.Context, id FullyQualifiedServiceID, correlationID string, status RequestStatus, at time.Time) error
	UpdateRequestAck(ctx context.Context, id FullyQualifiedServiceID, correlationID string, status RequestStatus, at time.Time) error
	InsertRequestError(ctx context.Context, id FullyQualifiedServiceID, correlationID string, reqErr RequestError) error
	// GetLastSent returns the request to peer with the most recent sent_at.
	GetLastSent(ctx context.Context, id FullyQualifiedServiceID, peer string) (OutboundRequest, error)
	// ListRequests replays the outbound history for diagnostics, optionally
	// filtered to a single peer; an empty peer returns the full history.
	ListRequests(ctx context.Context, id FullyQualifiedServiceID, peer string) ([]OutboundRequest, error)

	// Action log. ListConsensusActions returns only
	// unexecuted actions, ordered by id ascending; a stamped action drops
	// out of subsequent calls.
	ListConsensusActions(ctx context.Context, id FullyQualifiedServiceID) ([]Identified[Action], error)
	AddConsensusAction(ctx context.Context, id FullyQualifiedServiceID, action Action) (int64, error)
	UpdateConsensusAction(ctx context.Context, id FullyQualifiedServiceID, actionID int64, executedAt time.Time) error

	// Context: at most one row per service, replaced atomically.
	SaveConsensusContext(ctx context.Context, id FullyQualifiedServiceID, c Context) error
	GetCurrentConsensusContext(ctx context.Context, id FullyQualifiedServiceID) (Context, bool, error)

	// Alarm: the scheduler's per-service wakeup instant, at most one each.
	SetConsensusAlarm(ctx context.Context, id FullyQualifiedServiceID, at time.Time) error
	GetConsensusAlarm(ctx context.Context, id FullyQualifiedServiceID) (time.Time, bool, error)
	UnsetConsensusAlarm(ctx context.Context, id FullyQualifiedServiceID) error

	Close() error
}
