// Package sqlstore is a database/sql-backed twopc.Store using
// github.com/mattn/go-sqlite3, the relational persistence engine
// (twopc/boltstore is the embedded-file alternative). Services are keyed
// by (circuit_id, service_id); action ids auto-assign scoped to their
// service. Structured fields (Context, Action, Message) are CBOR-encoded
// into BLOB columns; ids, peers, statuses and timestamps are native SQL
// columns, so the store's own filters (status, alarm, executed flag, peer)
// run in SQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/circuitmesh/circuitd/twopc"
)

const schema = `
CREATE TABLE IF NOT EXISTS services (
	circuit_id TEXT NOT NULL,
	service_id TEXT NOT NULL,
	status INTEGER NOT NULL,
	service_type TEXT NOT NULL,
	arguments BLOB,
	alarm_at INTEGER,
	PRIMARY KEY (circuit_id, service_id)
);
CREATE TABLE IF NOT EXISTS contexts (
	circuit_id TEXT NOT NULL,
	service_id TEXT NOT NULL,
	context BLOB NOT NULL,
	PRIMARY KEY (circuit_id, service_id)
);
CREATE TABLE IF NOT EXISTS actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	circuit_id TEXT NOT NULL,
	service_id TEXT NOT NULL,
	action BLOB NOT NULL,
	executed INTEGER NOT NULL DEFAULT 0,
	executed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_actions_service ON actions (circuit_id, service_id, id);
CREATE TABLE IF NOT EXISTS requests (
	circuit_id TEXT NOT NULL,
	service_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	to_process TEXT NOT NULL,
	message BLOB NOT NULL,
	sent_status INTEGER NOT NULL DEFAULT 0,
	sent_at INTEGER,
	ack_status INTEGER NOT NULL DEFAULT 0,
	ack_at INTEGER,
	PRIMARY KEY (circuit_id, service_id, correlation_id)
);
CREATE TABLE IF NOT EXISTS request_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	circuit_id TEXT NOT NULL,
	service_id TEXT NOT NULL,
	correlation_id TEXT,
	message TEXT NOT NULL,
	at INTEGER NOT NULL
);
`

// Store is a sqlite-backed twopc.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating and migrating if absent) a sqlite database at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: opening %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // sqlite: avoid SQLITE_BUSY under concurrent writers
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: migrating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Timestamps are stored as Unix nanoseconds (INTEGER) rather than a
// formatted string, so that SQL comparison and ORDER BY agree with time.Time
// ordering without relying on fixed-width text formatting.
func timeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func parseNullTime(n sql.NullInt64) (time.Time, error) {
	if !n.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, n.Int64), nil
}

func (s *Store) AddService(ctx context.Context, id twopc.FullyQualifiedServiceID, serviceType string, arguments []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO services (circuit_id, service_id, status, service_type, arguments) VALUES (?, ?, ?, ?, ?)`,
		id.CircuitID, id.ServiceID, int(twopc.Prepared), serviceType, arguments)
	if err != nil {
		return twopc.NewError(twopc.InvalidState, "AddService", err)
	}
	return nil
}

func (s *Store) RemoveService(ctx context.Context, id twopc.FullyQualifiedServiceID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return twopc.NewError(twopc.Internal, "RemoveService", err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `DELETE FROM services WHERE circuit_id = ? AND service_id = ?`, id.CircuitID, id.ServiceID)
	if err != nil {
		return twopc.NewError(twopc.Internal, "RemoveService", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return twopc.NewError(twopc.InvalidState, "RemoveService", fmt.Errorf("service %s does not exist", id))
	}
	for _, table := range []string{"contexts", "actions", "requests", "request_errors"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE circuit_id = ? AND service_id = ?`, table), id.CircuitID, id.ServiceID); err != nil {
			return twopc.NewError(twopc.Internal, "RemoveService", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return twopc.NewError(twopc.Internal, "RemoveService", err)
	}
	return nil
}

func (s *Store) UpdateServiceStatus(ctx context.Context, id twopc.FullyQualifiedServiceID, status twopc.ServiceLifecycleStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE services SET status = ? WHERE circuit_id = ? AND service_id = ?`, int(status), id.CircuitID, id.ServiceID)
	if err != nil {
		return twopc.NewError(twopc.Internal, "UpdateServiceStatus", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return twopc.NewError(twopc.InvalidState, "UpdateServiceStatus", fmt.Errorf("service %s not found", id))
	}
	return nil
}

func (s *Store) GetServiceStatus(ctx context.Context, id twopc.FullyQualifiedServiceID) (twopc.ServiceLifecycleStatus, error) {
	var status int
	err := s.db.QueryRowContext(ctx, `SELECT status FROM services WHERE circuit_id = ? AND service_id = ?`, id.CircuitID, id.ServiceID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, twopc.NewError(twopc.InvalidState, "GetServiceStatus", fmt.Errorf("service %s not found", id))
	}
	if err != nil {
		return 0, twopc.NewError(twopc.Internal, "GetServiceStatus", err)
	}
	return twopc.ServiceLifecycleStatus(status), nil
}

func (s *Store) listServices(ctx context.Context, query string, args ...any) ([]twopc.FullyQualifiedServiceID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, twopc.NewError(twopc.Internal, "listServices", err)
	}
	defer rows.Close()
	var out []twopc.FullyQualifiedServiceID
	for rows.Next() {
		var id twopc.FullyQualifiedServiceID
		if err := rows.Scan(&id.CircuitID, &id.ServiceID); err != nil {
			return nil, twopc.NewError(twopc.Internal, "listServices", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) ListReadyServices(ctx context.Context) ([]twopc.FullyQualifiedServiceID, error) {
	return s.listServices(ctx, `SELECT circuit_id, service_id FROM services WHERE status = ? ORDER BY circuit_id, service_id`, int(twopc.Finalized))
}

func (s *Store) ListReadyServicesWithAlarmBefore(ctx context.Context, before time.Time) ([]twopc.FullyQualifiedServiceID, error) {
	return s.listServices(ctx,
		`SELECT circuit_id, service_id FROM services WHERE status = ? AND alarm_at IS NOT NULL AND alarm_at < ? ORDER BY circuit_id, service_id`,
		int(twopc.Finalized), before.UnixNano())
}

func (s *Store) GetServiceArguments(ctx context.Context, id twopc.FullyQualifiedServiceID) ([]byte, error) {
	var args []byte
	err := s.db.QueryRowContext(ctx, `SELECT arguments FROM services WHERE circuit_id = ? AND service_id = ?`, id.CircuitID, id.ServiceID).Scan(&args)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, twopc.NewError(twopc.InvalidState, "GetServiceArguments", fmt.Errorf("service %s not found", id))
	}
	if err != nil {
		return nil, twopc.NewError(twopc.Internal, "GetServiceArguments", err)
	}
	return args, nil
}

func (s *Store) InsertRequest(ctx context.Context, id twopc.FullyQualifiedServiceID, req twopc.OutboundRequest) error {
	msg, err := cbor.Marshal(req.Message)
	if err != nil {
		return twopc.NewError(twopc.Internal, "InsertRequest", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requests (circuit_id, service_id, correlation_id, to_process, message, sent_status, sent_at, ack_status, ack_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.CircuitID, id.ServiceID, req.CorrelationID, req.To, msg,
		int(req.SentStatus), timeOrNull(req.SentAt), int(req.AckStatus), timeOrNull(req.AckAt))
	if err != nil {
		return twopc.NewError(twopc.Internal, "InsertRequest", err)
	}
	return nil
}

func (s *Store) UpdateRequestSent(ctx context.Context, id twopc.FullyQualifiedServiceID, correlationID string, status twopc.RequestStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET sent_status = ?, sent_at = ? WHERE circuit_id = ? AND service_id = ? AND correlation_id = ?`,
		int(status), timeOrNull(at), id.CircuitID, id.ServiceID, correlationID)
	if err != nil {
		return twopc.NewError(twopc.Internal, "UpdateRequestSent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return twopc.NewError(twopc.InvalidState, "UpdateRequestSent", fmt.Errorf("no request %s for %s", correlationID, id))
	}
	return nil
}

func (s *Store) UpdateRequestAck(ctx context.Context, id twopc.FullyQualifiedServiceID, correlationID string, status twopc.RequestStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET ack_status = ?, ack_at = ? WHERE circuit_id = ? AND service_id = ? AND correlation_id = ?`,
		int(status), timeOrNull(at), id.CircuitID, id.ServiceID, correlationID)
	if err != nil {
		return twopc.NewError(twopc.Internal, "UpdateRequestAck", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return twopc.NewError(twopc.InvalidState, "UpdateRequestAck", fmt.Errorf("no request %s for %s", correlationID, id))
	}
	return nil
}

func (s *Store) InsertRequestError(ctx context.Context, id twopc.FullyQualifiedServiceID, correlationID string, reqErr twopc.RequestError) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM services WHERE circuit_id = ? AND service_id = ?`, id.CircuitID, id.ServiceID).Scan(&exists); err != nil {
		return twopc.NewError(twopc.Internal, "InsertRequestError", err)
	}
	if exists == 0 {
		return twopc.NewError(twopc.InvalidState, "InsertRequestError", fmt.Errorf("service %s not found", id))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_errors (circuit_id, service_id, correlation_id, message, at) VALUES (?, ?, ?, ?, ?)`,
		id.CircuitID, id.ServiceID, correlationID, reqErr.Message, reqErr.Timestamp.UnixNano())
	if err != nil {
		return twopc.NewError(twopc.Internal, "InsertRequestError", err)
	}
	return nil
}

func scanRequest(row interface {
	Scan(dest ...any) error
}) (twopc.OutboundRequest, error) {
	var req twopc.OutboundRequest
	var msg []byte
	var sentAt, ackAt sql.NullInt64
	var sentStatus, ackStatus int
	if err := row.Scan(&req.CorrelationID, &req.To, &msg, &sentStatus, &sentAt, &ackStatus, &ackAt); err != nil {
		return twopc.OutboundRequest{}, err
	}
	if err := cbor.Unmarshal(msg, &req.Message); err != nil {
		return twopc.OutboundRequest{}, err
	}
	req.SentStatus = twopc.RequestStatus(sentStatus)
	req.AckStatus = twopc.RequestStatus(ackStatus)
	var err error
	if req.SentAt, err = parseNullTime(sentAt); err != nil {
		return twopc.OutboundRequest{}, err
	}
	if req.AckAt, err = parseNullTime(ackAt); err != nil {
		return twopc.OutboundRequest{}, err
	}
	return req, nil
}

func (s *Store) GetLastSent(ctx context.Context, id twopc.FullyQualifiedServiceID, peer string) (twopc.OutboundRequest, error) {
	var row *sql.Row
	if peer == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT correlation_id, to_process, message, sent_status, sent_at, ack_status, ack_at FROM requests
			 WHERE circuit_id = ? AND service_id = ? ORDER BY sent_at DESC LIMIT 1`, id.CircuitID, id.ServiceID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT correlation_id, to_process, message, sent_status, sent_at, ack_status, ack_at FROM requests
			 WHERE circuit_id = ? AND service_id = ? AND to_process = ? ORDER BY sent_at DESC LIMIT 1`,
			id.CircuitID, id.ServiceID, peer)
	}
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return twopc.OutboundRequest{}, twopc.NewError(twopc.InvalidState, "GetLastSent", fmt.Errorf("no requests for %s", id))
	}
	if err != nil {
		return twopc.OutboundRequest{}, twopc.NewError(twopc.Internal, "GetLastSent", err)
	}
	return req, nil
}

func (s *Store) ListRequests(ctx context.Context, id twopc.FullyQualifiedServiceID, peer string) ([]twopc.OutboundRequest, error) {
	var rows *sql.Rows
	var err error
	if peer == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT correlation_id, to_process, message, sent_status, sent_at, ack_status, ack_at FROM requests
			 WHERE circuit_id = ? AND service_id = ? ORDER BY sent_at ASC`, id.CircuitID, id.ServiceID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT correlation_id, to_process, message, sent_status, sent_at, ack_status, ack_at FROM requests
			 WHERE circuit_id = ? AND service_id = ? AND to_process = ? ORDER BY sent_at ASC`,
			id.CircuitID, id.ServiceID, peer)
	}
	if err != nil {
		return nil, twopc.NewError(twopc.Internal, "ListRequests", err)
	}
	defer rows.Close()
	var out []twopc.OutboundRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, twopc.NewError(twopc.Internal, "ListRequests", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *Store) ListConsensusActions(ctx context.Context, id twopc.FullyQualifiedServiceID) ([]twopc.Identified[twopc.Action], error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action FROM actions WHERE circuit_id = ? AND service_id = ? AND executed = 0 ORDER BY id ASC`,
		id.CircuitID, id.ServiceID)
	if err != nil {
		return nil, twopc.NewError(twopc.Internal, "ListConsensusActions", err)
	}
	defer rows.Close()
	var out []twopc.Identified[twopc.Action]
	for rows.Next() {
		var rowID int64
		var raw []byte
		if err := rows.Scan(&rowID, &raw); err != nil {
			return nil, twopc.NewError(twopc.Internal, "ListConsensusActions", err)
		}
		var a twopc.Action
		if err := cbor.Unmarshal(raw, &a); err != nil {
			return nil, twopc.NewError(twopc.Internal, "ListConsensusActions", err)
		}
		out = append(out, twopc.Identified[twopc.Action]{ID: rowID, Value: a})
	}
	return out, rows.Err()
}

func (s *Store) AddConsensusAction(ctx context.Context, id twopc.FullyQualifiedServiceID, action twopc.Action) (int64, error) {
	raw, err := cbor.Marshal(action)
	if err != nil {
		return 0, twopc.NewError(twopc.Internal, "AddConsensusAction", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO actions (circuit_id, service_id, action) VALUES (?, ?, ?)`, id.CircuitID, id.ServiceID, raw)
	if err != nil {
		return 0, twopc.NewError(twopc.Internal, "AddConsensusAction", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, twopc.NewError(twopc.Internal, "AddConsensusAction", err)
	}
	return newID, nil
}

func (s *Store) UpdateConsensusAction(ctx context.Context, id twopc.FullyQualifiedServiceID, actionID int64, executedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET executed = 1, executed_at = ? WHERE id = ? AND circuit_id = ? AND service_id = ?`,
		executedAt.UnixNano(), actionID, id.CircuitID, id.ServiceID)
	if err != nil {
		return twopc.NewError(twopc.Internal, "UpdateConsensusAction", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return twopc.NewError(twopc.InvalidState, "UpdateConsensusAction", fmt.Errorf("action %d not found for %s", actionID, id))
	}
	return nil
}

func (s *Store) SaveConsensusContext(ctx context.Context, id twopc.FullyQualifiedServiceID, c twopc.Context) error {
	if err := c.State.Validate(); err != nil {
		return err
	}
	raw, err := cbor.Marshal(c)
	if err != nil {
		return twopc.NewError(twopc.Internal, "SaveConsensusContext", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return twopc.NewError(twopc.Internal, "SaveConsensusContext", err)
	}
	defer tx.Rollback()
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM services WHERE circuit_id = ? AND service_id = ?`, id.CircuitID, id.ServiceID).Scan(&exists); err != nil {
		return twopc.NewError(twopc.Internal, "SaveConsensusContext", err)
	}
	if exists == 0 {
		return twopc.NewError(twopc.InvalidState, "SaveConsensusContext", fmt.Errorf("service %s not found", id))
	}
	// Contexts replace wholesale, never merge: delete then insert within
	// the same transaction rather than UPSERT.
	if _, err := tx.ExecContext(ctx, `DELETE FROM contexts WHERE circuit_id = ? AND service_id = ?`, id.CircuitID, id.ServiceID); err != nil {
		return twopc.NewError(twopc.Internal, "SaveConsensusContext", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO contexts (circuit_id, service_id, context) VALUES (?, ?, ?)`, id.CircuitID, id.ServiceID, raw); err != nil {
		return twopc.NewError(twopc.Internal, "SaveConsensusContext", err)
	}
	if err := tx.Commit(); err != nil {
		return twopc.NewError(twopc.Internal, "SaveConsensusContext", err)
	}
	return nil
}

func (s *Store) GetCurrentConsensusContext(ctx context.Context, id twopc.FullyQualifiedServiceID) (twopc.Context, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT context FROM contexts WHERE circuit_id = ? AND service_id = ?`, id.CircuitID, id.ServiceID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return twopc.Context{}, false, nil
	}
	if err != nil {
		return twopc.Context{}, false, twopc.NewError(twopc.Internal, "GetCurrentConsensusContext", err)
	}
	var c twopc.Context
	if err := cbor.Unmarshal(raw, &c); err != nil {
		return twopc.Context{}, false, twopc.NewError(twopc.Internal, "GetCurrentConsensusContext", err)
	}
	return c, true, nil
}

func (s *Store) SetConsensusAlarm(ctx context.Context, id twopc.FullyQualifiedServiceID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE services SET alarm_at = ? WHERE circuit_id = ? AND service_id = ?`, at.UnixNano(), id.CircuitID, id.ServiceID)
	if err != nil {
		return twopc.NewError(twopc.Internal, "SetConsensusAlarm", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return twopc.NewError(twopc.InvalidState, "SetConsensusAlarm", fmt.Errorf("service %s not found", id))
	}
	return nil
}

func (s *Store) GetConsensusAlarm(ctx context.Context, id twopc.FullyQualifiedServiceID) (time.Time, bool, error) {
	var alarm sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT alarm_at FROM services WHERE circuit_id = ? AND service_id = ?`, id.CircuitID, id.ServiceID).Scan(&alarm)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, twopc.NewError(twopc.InvalidState, "GetConsensusAlarm", fmt.Errorf("service %s not found", id))
	}
	if err != nil {
		return time.Time{}, false, twopc.NewError(twopc.Internal, "GetConsensusAlarm", err)
	}
	if !alarm.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, alarm.Int64), true, nil
}

func (s *Store) UnsetConsensusAlarm(ctx context.Context, id twopc.FullyQualifiedServiceID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE services SET alarm_at = NULL WHERE circuit_id = ? AND service_id = ?`, id.CircuitID, id.ServiceID)
	if err != nil {
		return twopc.NewError(twopc.Internal, "UnsetConsensusAlarm", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return twopc.NewError(twopc.InvalidState, "UnsetConsensusAlarm", fmt.Errorf("service %s not found", id))
	}
	return nil
}
