// Package twopc implements the two-phase-commit consensus store and action
// log: the persistent record of per-service coordinator/participant state
// machines, the pending actions a step function produces, and the queries
// the scheduler uses to drive it.
package twopc

import "time"

// FullyQualifiedServiceID identifies one service instance within a circuit.
type FullyQualifiedServiceID struct {
	CircuitID string
	ServiceID string
}

func (f FullyQualifiedServiceID) String() string {
	return f.CircuitID + "::" + f.ServiceID
}

// ServiceLifecycleStatus is a service's lifecycle stage. Only Finalized
// services appear in ready scans.
type ServiceLifecycleStatus int

const (
	Prepared ServiceLifecycleStatus = iota
	Finalized
	Retired
	Purged
)

func (s ServiceLifecycleStatus) String() string {
	switch s {
	case Prepared:
		return "prepared"
	case Finalized:
		return "finalized"
	case Retired:
		return "retired"
	case Purged:
		return "purged"
	default:
		return "unknown"
	}
}

// StateKind enumerates the Context.State variants.
type StateKind int

const (
	WaitingForStart StateKind = iota
	WaitingForVoteRequest
	Voting
	Voted
	WaitingForVote
	WaitingForDecisionAck
	Abort
	Commit
)

func (s StateKind) String() string {
	switch s {
	case WaitingForStart:
		return "waiting_for_start"
	case WaitingForVoteRequest:
		return "waiting_for_vote_request"
	case Voting:
		return "voting"
	case Voted:
		return "voted"
	case WaitingForVote:
		return "waiting_for_vote"
	case WaitingForDecisionAck:
		return "waiting_for_decision_ack"
	case Abort:
		return "abort"
	case Commit:
		return "commit"
	default:
		return "unknown"
	}
}

// State is the tagged-union encoding of Context.State. Only the fields
// relevant to Kind are populated; the reader enforces this (see Validate).
type State struct {
	Kind StateKind

	// Voting
	VoteTimeoutStart time.Time

	// Voted
	Vote                 bool
	VoteSet              bool
	DecisionTimeoutStart time.Time

	// WaitingForDecisionAck
	AckTimeoutStart time.Time
}

// Validate enforces the per-state required fields the Update action reader
// depends on: Voting requires VoteTimeoutStart, Voted requires both
// DecisionTimeoutStart and a concrete vote.
func (s State) Validate() error {
	switch s.Kind {
	case Voting:
		if s.VoteTimeoutStart.IsZero() {
			return NewError(Internal, "State.Validate", errMissingField("vote_timeout_start", "Voting"))
		}
	case Voted:
		if s.DecisionTimeoutStart.IsZero() {
			return NewError(Internal, "State.Validate", errMissingField("decision_timeout_start", "Voted"))
		}
		if !s.VoteSet {
			return NewError(Internal, "State.Validate", errMissingField("vote", "Voted"))
		}
	case WaitingForDecisionAck:
		if s.AckTimeoutStart.IsZero() {
			return NewError(Internal, "State.Validate", errMissingField("ack_timeout_start", "WaitingForDecisionAck"))
		}
	}
	return nil
}

// Participant is one member of a Context's participant list.
type Participant struct {
	Process     string
	Vote        bool
	VoteSet     bool
	DecisionAck bool
}

// Context is a service's current 2PC state. For a given
// FullyQualifiedServiceID at most one Context row exists; it is replaced
// atomically, never merged.
type Context struct {
	Coordinator        string
	Epoch              uint64
	ThisProcess        string
	Participants       []Participant
	State              State
	LastCommitEpoch    uint64
	LastCommitEpochSet bool
}

// MessageKind enumerates the wire Message variants exchanged between 2PC
// participants.
type MessageKind int

const (
	MsgVoteRequest MessageKind = iota
	MsgVoteResponse
	MsgCommit
	MsgAbort
	MsgDecisionRequest
	MsgDecisionAck
)

func (k MessageKind) String() string {
	switch k {
	case MsgVoteRequest:
		return "vote_request"
	case MsgVoteResponse:
		return "vote_response"
	case MsgCommit:
		return "commit"
	case MsgAbort:
		return "abort"
	case MsgDecisionRequest:
		return "decision_request"
	case MsgDecisionAck:
		return "decision_ack"
	default:
		return "unknown"
	}
}

// Message is the tagged-union encoding of the 2PC wire Message.
type Message struct {
	Kind            MessageKind
	Epoch           uint64
	VoteResponse    bool
	VoteResponseSet bool
	VoteRequest     []byte // opaque payload carried by VoteRequest
}

// NotificationKind enumerates the Notify action's payload variants.
type NotificationKind int

const (
	NotifyRequestForStart NotificationKind = iota
	NotifyCoordinatorRequestForVote
	NotifyParticipantRequestForVote
	NotifyCommit
	NotifyAbort
	NotifyMessageDropped
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyRequestForStart:
		return "request_for_start"
	case NotifyCoordinatorRequestForVote:
		return "coordinator_request_for_vote"
	case NotifyParticipantRequestForVote:
		return "participant_request_for_vote"
	case NotifyCommit:
		return "commit"
	case NotifyAbort:
		return "abort"
	case NotifyMessageDropped:
		return "message_dropped"
	default:
		return "unknown"
	}
}

// Notification is the tagged-union encoding of NotificationKind + optional
// payload.
type Notification struct {
	Kind                NotificationKind
	RequestForVoteValue []byte
	DroppedMessage      []byte
	DroppedMessageSet   bool
}

// ActionKind enumerates the Action sum type.
type ActionKind int

const (
	ActionUpdate ActionKind = iota
	ActionSendMessage
	ActionNotify
)

// Action is the tagged-union row persisted by the action log. Each action
// is wrapped with its store-assigned id in Identified.
type Action struct {
	Kind ActionKind

	// ActionUpdate
	NewContext Context
	Alarm      time.Time
	AlarmSet   bool

	// ActionSendMessage
	Receiver string
	Message  Message

	// ActionNotify
	Notification Notification
}

// Identified pairs a stored row with its store-assigned monotonically
// increasing id. Action listings sort by it.
type Identified[T any] struct {
	ID         int64
	Value      T
	ExecutedAt time.Time
	Executed   bool
}

// Event is an inbound stimulus to the step function: a message from a
// peer, a timer firing, or an externally submitted vote.
type Event struct {
	Kind    EventKind
	Message Message
	From    string
}

type EventKind int

const (
	EventTimeout EventKind = iota
	EventMessageReceived
	EventVoteSubmitted
)

// RequestStatus tracks an outbound request's send/ack lifecycle.
type RequestStatus int

const (
	RequestPending RequestStatus = iota
	RequestSent
	RequestSendFailed
	RequestAcked
	RequestAckFailed
)

// OutboundRequest is a row in the outbound-request audit trail.
type OutboundRequest struct {
	CorrelationID string
	To            string
	Message       Message
	SentStatus    RequestStatus
	SentAt        time.Time
	AckStatus     RequestStatus
	AckAt         time.Time
}

// RequestError is an error-audit row.
type RequestError struct {
	Message   string
	Timestamp time.Time
}

func errMissingField(field, state string) error {
	return &missingFieldError{field: field, state: state}
}

type missingFieldError struct {
	field string
	state string
}

func (e *missingFieldError) Error() string {
	return "state " + e.state + " missing required field " + e.field
}
