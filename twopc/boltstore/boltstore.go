// Package boltstore is a go.etcd.io/bbolt-backed twopc.Store, the
// embedded-file persistence engine (twopc/sqlstore is the relational
// alternative). Each Store method runs in a single bbolt transaction;
// row values are CBOR-encoded, the same codec the wire layer uses.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/circuitmesh/circuitd/twopc"
)

var (
	bucketServices = []byte("services")
	bucketContexts = []byte("contexts")
	bucketActions  = []byte("actions")  // nested: one sub-bucket per service
	bucketRequests = []byte("requests") // nested: one sub-bucket per service
	bucketAlarms   = []byte("alarms")
)

// Store is a bbolt-backed twopc.Store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database at path and ensures the
// top-level buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketServices, bucketContexts, bucketActions, bucketRequests, bucketAlarms} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: initializing buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func key(id twopc.FullyQualifiedServiceID) []byte { return []byte(id.String()) }

// isErrorRowKey reports whether k names an error-audit row rather than a
// request row in the requests sub-bucket.
func isErrorRowKey(k []byte) bool { return bytes.Contains(k, []byte(";err;")) }

type serviceRecord struct {
	Status    int
	Kind      string
	Arguments []byte
}

func (s *Store) AddService(ctx context.Context, id twopc.FullyQualifiedServiceID, serviceType string, arguments []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		if b.Get(key(id)) != nil {
			return twopc.NewError(twopc.InvalidState, "AddService", fmt.Errorf("service %s already exists", id))
		}
		rec := serviceRecord{Status: int(twopc.Prepared), Kind: serviceType, Arguments: arguments}
		raw, err := cbor.Marshal(rec)
		if err != nil {
			return twopc.NewError(twopc.Internal, "AddService", err)
		}
		return b.Put(key(id), raw)
	})
}

func (s *Store) RemoveService(ctx context.Context, id twopc.FullyQualifiedServiceID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		if b.Get(key(id)) == nil {
			return twopc.NewError(twopc.InvalidState, "RemoveService", fmt.Errorf("service %s does not exist", id))
		}
		if err := b.Delete(key(id)); err != nil {
			return twopc.NewError(twopc.Internal, "RemoveService", err)
		}
		_ = tx.Bucket(bucketContexts).Delete(key(id))
		_ = tx.Bucket(bucketAlarms).Delete(key(id))
		if sub := tx.Bucket(bucketActions).Bucket(key(id)); sub != nil {
			_ = tx.Bucket(bucketActions).DeleteBucket(key(id))
		}
		if sub := tx.Bucket(bucketRequests).Bucket(key(id)); sub != nil {
			_ = tx.Bucket(bucketRequests).DeleteBucket(key(id))
		}
		return nil
	})
}

func (s *Store) UpdateServiceStatus(ctx context.Context, id twopc.FullyQualifiedServiceID, status twopc.ServiceLifecycleStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		raw := b.Get(key(id))
		if raw == nil {
			return twopc.NewError(twopc.InvalidState, "UpdateServiceStatus", fmt.Errorf("service %s not found", id))
		}
		var rec serviceRecord
		if err := cbor.Unmarshal(raw, &rec); err != nil {
			return twopc.NewError(twopc.Internal, "UpdateServiceStatus", err)
		}
		rec.Status = int(status)
		out, err := cbor.Marshal(rec)
		if err != nil {
			return twopc.NewError(twopc.Internal, "UpdateServiceStatus", err)
		}
		return b.Put(key(id), out)
	})
}

func (s *Store) GetServiceStatus(ctx context.Context, id twopc.FullyQualifiedServiceID) (twopc.ServiceLifecycleStatus, error) {
	var status twopc.ServiceLifecycleStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketServices).Get(key(id))
		if raw == nil {
			return twopc.NewError(twopc.InvalidState, "GetServiceStatus", fmt.Errorf("service %s not found", id))
		}
		var rec serviceRecord
		if err := cbor.Unmarshal(raw, &rec); err != nil {
			return twopc.NewError(twopc.Internal, "GetServiceStatus", err)
		}
		status = twopc.ServiceLifecycleStatus(rec.Status)
		return nil
	})
	return status, err
}

func (s *Store) ListReadyServices(ctx context.Context) ([]twopc.FullyQualifiedServiceID, error) {
	var out []twopc.FullyQualifiedServiceID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, raw []byte) error {
			var rec serviceRecord
			if err := cbor.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if twopc.ServiceLifecycleStatus(rec.Status) == twopc.Finalized {
				out = append(out, parseKey(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, twopc.NewError(twopc.Internal, "ListReadyServices", err)
	}
	return out, nil
}

func (s *Store) ListReadyServicesWithAlarmBefore(ctx context.Context, before time.Time) ([]twopc.FullyQualifiedServiceID, error) {
	var out []twopc.FullyQualifiedServiceID
	err := s.db.View(func(tx *bolt.Tx) error {
		svcs := tx.Bucket(bucketServices)
		alarms := tx.Bucket(bucketAlarms)
		return svcs.ForEach(func(k, raw []byte) error {
			var rec serviceRecord
			if err := cbor.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if twopc.ServiceLifecycleStatus(rec.Status) != twopc.Finalized {
				return nil
			}
			alarmRaw := alarms.Get(k)
			if alarmRaw == nil {
				return nil
			}
			var at time.Time
			if err := at.UnmarshalBinary(alarmRaw); err != nil {
				return err
			}
			if at.Before(before) {
				out = append(out, parseKey(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, twopc.NewError(twopc.Internal, "ListReadyServicesWithAlarmBefore", err)
	}
	return out, nil
}

func (s *Store) GetServiceArguments(ctx context.Context, id twopc.FullyQualifiedServiceID) ([]byte, error) {
	var args []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketServices).Get(key(id))
		if raw == nil {
			return twopc.NewError(twopc.InvalidState, "GetServiceArguments", fmt.Errorf("service %s not found", id))
		}
		var rec serviceRecord
		if err := cbor.Unmarshal(raw, &rec); err != nil {
			return err
		}
		args = rec.Arguments
		return nil
	})
	return args, err
}

func (s *Store) InsertRequest(ctx context.Context, id twopc.FullyQualifiedServiceID, req twopc.OutboundRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sub, err := tx.Bucket(bucketRequests).CreateBucketIfNotExists(key(id))
		if err != nil {
			return twopc.NewError(twopc.Internal, "InsertRequest", err)
		}
		raw, err := cbor.Marshal(req)
		if err != nil {
			return twopc.NewError(twopc.Internal, "InsertRequest", err)
		}
		return sub.Put([]byte(req.CorrelationID), raw)
	})
}

func (s *Store) updateRequest(id twopc.FullyQualifiedServiceID, correlationID string, mutate func(*twopc.OutboundRequest)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sub := tx.Bucket(bucketRequests).Bucket(key(id))
		if sub == nil {
			return twopc.NewError(twopc.InvalidState, "updateRequest", fmt.Errorf("no requests for %s", id))
		}
		raw := sub.Get([]byte(correlationID))
		if raw == nil {
			return twopc.NewError(twopc.InvalidState, "updateRequest", fmt.Errorf("no request %s for %s", correlationID, id))
		}
		var req twopc.OutboundRequest
		if err := cbor.Unmarshal(raw, &req); err != nil {
			return twopc.NewError(twopc.Internal, "updateRequest", err)
		}
		mutate(&req)
		out, err := cbor.Marshal(req)
		if err != nil {
			return twopc.NewError(twopc.Internal, "updateRequest", err)
		}
		return sub.Put([]byte(correlationID), out)
	})
}

func (s *Store) UpdateRequestSent(ctx context.Context, id twopc.FullyQualifiedServiceID, correlationID string, status twopc.RequestStatus, at time.Time) error {
	return s.updateRequest(id, correlationID, func(r *twopc.OutboundRequest) {
		r.SentStatus = status
		r.SentAt = at
	})
}

func (s *Store) UpdateRequestAck(ctx context.Context, id twopc.FullyQualifiedServiceID, correlationID string, status twopc.RequestStatus, at time.Time) error {
	return s.updateRequest(id, correlationID, func(r *twopc.OutboundRequest) {
		r.AckStatus = status
		r.AckAt = at
	})
}

func (s *Store) InsertRequestError(ctx context.Context, id twopc.FullyQualifiedServiceID, correlationID string, reqErr twopc.RequestError) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketServices).Get(key(id)) == nil {
			return twopc.NewError(twopc.InvalidState, "InsertRequestError", fmt.Errorf("service %s not found", id))
		}
		// Stored under the request bucket keyed by correlation id +
		// ";err;" + the error's timestamp so it does not collide with the
		// request row itself; diagnostics only.
		sub, err := tx.Bucket(bucketRequests).CreateBucketIfNotExists(key(id))
		if err != nil {
			return twopc.NewError(twopc.Internal, "InsertRequestError", err)
		}
		raw, err := cbor.Marshal(reqErr)
		if err != nil {
			return twopc.NewError(twopc.Internal, "InsertRequestError", err)
		}
		return sub.Put([]byte(correlationID+";err;"+reqErr.Timestamp.Format(time.RFC3339Nano)), raw)
	})
}

func (s *Store) GetLastSent(ctx context.Context, id twopc.FullyQualifiedServiceID, peer string) (twopc.OutboundRequest, error) {
	var latest twopc.OutboundRequest
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		sub := tx.Bucket(bucketRequests).Bucket(key(id))
		if sub == nil {
			return twopc.NewError(twopc.InvalidState, "GetLastSent", fmt.Errorf("no requests for %s", id))
		}
		return sub.ForEach(func(k, raw []byte) error {
			if isErrorRowKey(k) {
				return nil
			}
			var req twopc.OutboundRequest
			if err := cbor.Unmarshal(raw, &req); err != nil {
				return twopc.NewError(twopc.Internal, "GetLastSent", err)
			}
			if peer != "" && req.To != peer {
				return nil
			}
			if !found || req.SentAt.After(latest.SentAt) {
				latest = req
				found = true
			}
			return nil
		})
	})
	if err == nil && !found {
		return twopc.OutboundRequest{}, twopc.NewError(twopc.InvalidState, "GetLastSent", fmt.Errorf("no requests for %s", id))
	}
	return latest, err
}

func (s *Store) ListRequests(ctx context.Context, id twopc.FullyQualifiedServiceID, peer string) ([]twopc.OutboundRequest, error) {
	var out []twopc.OutboundRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		sub := tx.Bucket(bucketRequests).Bucket(key(id))
		if sub == nil {
			return nil
		}
		return sub.ForEach(func(k, raw []byte) error {
			if isErrorRowKey(k) {
				return nil
			}
			var req twopc.OutboundRequest
			if err := cbor.Unmarshal(raw, &req); err != nil {
				return twopc.NewError(twopc.Internal, "ListRequests", err)
			}
			if peer != "" && req.To != peer {
				return nil
			}
			out = append(out, req)
			return nil
		})
	})
	if err != nil {
		return nil, twopc.NewError(twopc.Internal, "ListRequests", err)
	}
	return out, nil
}

type actionRecord struct {
	Action     twopc.Action
	ExecutedAt time.Time
	Executed   bool
}

func (s *Store) ListConsensusActions(ctx context.Context, id twopc.FullyQualifiedServiceID) ([]twopc.Identified[twopc.Action], error) {
	var out []twopc.Identified[twopc.Action]
	err := s.db.View(func(tx *bolt.Tx) error {
		sub := tx.Bucket(bucketActions).Bucket(key(id))
		if sub == nil {
			return nil
		}
		return sub.ForEach(func(k, raw []byte) error {
			var rec actionRecord
			if err := cbor.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if rec.Executed {
				return nil
			}
			out = append(out, twopc.Identified[twopc.Action]{ID: int64(binary.BigEndian.Uint64(k)), Value: rec.Action})
			return nil
		})
	})
	if err != nil {
		return nil, twopc.NewError(twopc.Internal, "ListConsensusActions", err)
	}
	return out, nil
}

func (s *Store) AddConsensusAction(ctx context.Context, id twopc.FullyQualifiedServiceID, action twopc.Action) (int64, error) {
	var newID uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		sub, err := tx.Bucket(bucketActions).CreateBucketIfNotExists(key(id))
		if err != nil {
			return err
		}
		newID, err = sub.NextSequence()
		if err != nil {
			return err
		}
		rec := actionRecord{Action: action}
		raw, err := cbor.Marshal(rec)
		if err != nil {
			return err
		}
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, newID)
		return sub.Put(k, raw)
	})
	if err != nil {
		return 0, twopc.NewError(twopc.Internal, "AddConsensusAction", err)
	}
	return int64(newID), nil
}

func (s *Store) UpdateConsensusAction(ctx context.Context, id twopc.FullyQualifiedServiceID, actionID int64, executedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sub := tx.Bucket(bucketActions).Bucket(key(id))
		if sub == nil {
			return twopc.NewError(twopc.InvalidState, "UpdateConsensusAction", fmt.Errorf("no actions for %s", id))
		}
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, uint64(actionID))
		raw := sub.Get(k)
		if raw == nil {
			return twopc.NewError(twopc.InvalidState, "UpdateConsensusAction", fmt.Errorf("action %d not found for %s", actionID, id))
		}
		var rec actionRecord
		if err := cbor.Unmarshal(raw, &rec); err != nil {
			return twopc.NewError(twopc.Internal, "UpdateConsensusAction", err)
		}
		rec.Executed = true
		rec.ExecutedAt = executedAt
		out, err := cbor.Marshal(rec)
		if err != nil {
			return twopc.NewError(twopc.Internal, "UpdateConsensusAction", err)
		}
		return sub.Put(k, out)
	})
}

func (s *Store) SaveConsensusContext(ctx context.Context, id twopc.FullyQualifiedServiceID, c twopc.Context) error {
	if err := c.State.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketServices).Get(key(id)) == nil {
			return twopc.NewError(twopc.InvalidState, "SaveConsensusContext", fmt.Errorf("service %s not found", id))
		}
		raw, err := cbor.Marshal(c)
		if err != nil {
			return twopc.NewError(twopc.Internal, "SaveConsensusContext", err)
		}
		return tx.Bucket(bucketContexts).Put(key(id), raw)
	})
}

func (s *Store) GetCurrentConsensusContext(ctx context.Context, id twopc.FullyQualifiedServiceID) (twopc.Context, bool, error) {
	var c twopc.Context
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketContexts).Get(key(id))
		if raw == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(raw, &c)
	})
	if err != nil {
		return twopc.Context{}, false, twopc.NewError(twopc.Internal, "GetCurrentConsensusContext", err)
	}
	return c, found, nil
}

func (s *Store) SetConsensusAlarm(ctx context.Context, id twopc.FullyQualifiedServiceID, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketServices).Get(key(id)) == nil {
			return twopc.NewError(twopc.InvalidState, "SetConsensusAlarm", fmt.Errorf("service %s not found", id))
		}
		raw, err := at.MarshalBinary()
		if err != nil {
			return twopc.NewError(twopc.Internal, "SetConsensusAlarm", err)
		}
		return tx.Bucket(bucketAlarms).Put(key(id), raw)
	})
}

func (s *Store) GetConsensusAlarm(ctx context.Context, id twopc.FullyQualifiedServiceID) (time.Time, bool, error) {
	var at time.Time
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAlarms).Get(key(id))
		if raw == nil {
			return nil
		}
		found = true
		return at.UnmarshalBinary(raw)
	})
	if err != nil {
		return time.Time{}, false, twopc.NewError(twopc.Internal, "GetConsensusAlarm", err)
	}
	return at, found, nil
}

func (s *Store) UnsetConsensusAlarm(ctx context.Context, id twopc.FullyQualifiedServiceID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketServices).Get(key(id)) == nil {
			return twopc.NewError(twopc.InvalidState, "UnsetConsensusAlarm", fmt.Errorf("service %s not found", id))
		}
		return tx.Bucket(bucketAlarms).Delete(key(id))
	})
}

func parseKey(k []byte) twopc.FullyQualifiedServiceID {
	s := string(k)
	for i := 0; i+1 < len(s); i++ {
		if s[i] == ':' && s[i+1] == ':' {
			return twopc.FullyQualifiedServiceID{CircuitID: s[:i], ServiceID: s[i+2:]}
		}
	}
	return twopc.FullyQualifiedServiceID{ServiceID: s}
}
