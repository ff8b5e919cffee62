// Package wire defines the circuit messaging frames: the outer
// NetworkMessage envelope, the inner CircuitMessage, and the two
// circuit-level payloads (CircuitDirectMessage, CircuitError). Encoding is
// CBOR; the "toarray" struct tag makes each message serialize as a compact
// positional array rather than a map.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Outer message type discriminators.
const (
	MessageTypeCircuit = "CIRCUIT"
)

// Inner CircuitMessage type discriminators.
const (
	CircuitMessageTypeDirectMessage = "CIRCUIT_DIRECT_MESSAGE"
	CircuitMessageTypeErrorMessage  = "CIRCUIT_ERROR_MESSAGE"
)

// NetworkMessage is the outer frame carried over the connection matrix.
type NetworkMessage struct {
	_           struct{} `cbor:",toarray"`
	MessageType string
	Payload     []byte
}

// CircuitMessage is the inner frame identifying which circuit-level payload
// Payload holds.
type CircuitMessage struct {
	_           struct{} `cbor:",toarray"`
	MessageType string
	Payload     []byte
}

// CircuitDirectMessage is a directed service-to-service message routed
// across a circuit.
type CircuitDirectMessage struct {
	_             struct{} `cbor:",toarray"`
	Circuit       string
	Sender        string
	Recipient     string
	CorrelationID string
	Payload       []byte
}

// ErrorCode enumerates the CircuitError variants.
type ErrorCode int

const (
	ErrorCircuitDoesNotExist ErrorCode = iota + 1
	ErrorSenderNotInCircuitRoster
	ErrorRecipientNotInCircuitRoster
	ErrorRecipientNotInDirectory
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCircuitDoesNotExist:
		return "ERROR_CIRCUIT_DOES_NOT_EXIST"
	case ErrorSenderNotInCircuitRoster:
		return "ERROR_SENDER_NOT_IN_CIRCUIT_ROSTER"
	case ErrorRecipientNotInCircuitRoster:
		return "ERROR_RECIPIENT_NOT_IN_CIRCUIT_ROSTER"
	case ErrorRecipientNotInDirectory:
		return "ERROR_RECIPIENT_NOT_IN_DIRECTORY"
	default:
		return fmt.Sprintf("error_code(%d)", int(c))
	}
}

// CircuitError is returned to the source peer on a routing policy
// violation. ServiceID records the sender even for recipient-side errors;
// peers depend on the existing asymmetry.
type CircuitError struct {
	_             struct{} `cbor:",toarray"`
	CircuitName   string
	ServiceID     string
	CorrelationID string
	Error         ErrorCode
	ErrorMessage  string
}

// NewCorrelationID mints a fresh correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

func EncodeNetworkMessage(m *NetworkMessage) ([]byte, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding network message: %w", err)
	}
	return b, nil
}

func DecodeNetworkMessage(b []byte) (*NetworkMessage, error) {
	var m NetworkMessage
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decoding network message: %w", err)
	}
	return &m, nil
}

func EncodeCircuitMessage(m *CircuitMessage) ([]byte, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding circuit message: %w", err)
	}
	return b, nil
}

func DecodeCircuitMessage(b []byte) (*CircuitMessage, error) {
	var m CircuitMessage
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decoding circuit message: %w", err)
	}
	return &m, nil
}

func EncodeCircuitDirectMessage(m *CircuitDirectMessage) ([]byte, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding direct message: %w", err)
	}
	return b, nil
}

func DecodeCircuitDirectMessage(b []byte) (*CircuitDirectMessage, error) {
	var m CircuitDirectMessage
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decoding direct message: %w", err)
	}
	return &m, nil
}

func EncodeCircuitError(m *CircuitError) ([]byte, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding circuit error: %w", err)
	}
	return b, nil
}

func DecodeCircuitError(b []byte) (*CircuitError, error) {
	var m CircuitError
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decoding circuit error: %w", err)
	}
	return &m, nil
}

// WrapCircuitDirectMessage builds the outer NetworkMessage for a direct
// message, nesting CircuitMessage inside NetworkMessage.Payload.
func WrapCircuitDirectMessage(m *CircuitDirectMessage) (*NetworkMessage, error) {
	payload, err := EncodeCircuitDirectMessage(m)
	if err != nil {
		return nil, err
	}
	cm := &CircuitMessage{MessageType: CircuitMessageTypeDirectMessage, Payload: payload}
	cmb, err := EncodeCircuitMessage(cm)
	if err != nil {
		return nil, err
	}
	return &NetworkMessage{MessageType: MessageTypeCircuit, Payload: cmb}, nil
}

// WrapCircuitError builds the outer NetworkMessage for an error frame.
func WrapCircuitError(m *CircuitError) (*NetworkMessage, error) {
	payload, err := EncodeCircuitError(m)
	if err != nil {
		return nil, err
	}
	cm := &CircuitMessage{MessageType: CircuitMessageTypeErrorMessage, Payload: payload}
	cmb, err := EncodeCircuitMessage(cm)
	if err != nil {
		return nil, err
	}
	return &NetworkMessage{MessageType: MessageTypeCircuit, Payload: cmb}, nil
}
