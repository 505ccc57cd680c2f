// ABOUTME: Wire envelope for the agent dispatch protocol
// ABOUTME: Every frame on an agent session is an Envelope with a typed data payload

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types carried in Envelope.MessageType.
const (
	TypeSystemInfo          = "system_info"
	TypeHeartbeat           = "heartbeat"
	TypeAck                 = "ack"
	TypeCommand             = "command"
	TypeError               = "error"
	TypeRegistrationSuccess = "registration_success"
	TypeRegistrationPending = "registration_pending"
	TypeChildProgress       = "child_host_progress"
	TypeScriptResult        = "script_result"
)

// Error types carried in ErrorPayload.ErrorType.
const (
	// ErrTypeHostNotRegistered tells the agent to discard its cached identity
	// and re-register from scratch.
	ErrTypeHostNotRegistered = "host_not_registered"
	ErrTypeInvalidMessage    = "invalid_message"
	ErrTypeNotApproved       = "not_approved"
	ErrTypeRateLimited       = "rate_limited"
)

// Envelope is the outer structure of every protocol frame.
//
// Authentication is asserted via HostToken (preferred) or HostID (legacy).
// Absence of both means no authentication asserted, which is valid for
// pre-registration traffic. The asserted identity is client input and must
// be re-validated against the host table before any state mutation.
type Envelope struct {
	MessageType string          `json:"message_type"`
	MessageID   string          `json:"message_id"`
	Timestamp   time.Time       `json:"timestamp"`
	HostID      string          `json:"host_id,omitempty"`
	HostToken   string          `json:"host_token,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope of the given type around payload.
func NewEnvelope(messageType string, payload any) (*Envelope, error) {
	env := &Envelope{
		MessageType: messageType,
		MessageID:   uuid.New().String(),
		Timestamp:   time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", messageType, err)
		}
		env.Data = data
	}
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal.
func MustEnvelope(messageType string, payload any) *Envelope {
	env, err := NewEnvelope(messageType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope data into dst, which must match the
// envelope's message type. Decoding happens once at the protocol boundary;
// handlers operate on typed structures.
func (e *Envelope) Decode(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s message %s has no data payload", e.MessageType, e.MessageID)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.MessageType, err)
	}
	return nil
}

// ErrorEnvelope builds an error frame with the given machine-readable type.
func ErrorEnvelope(errorType, message string) *Envelope {
	return MustEnvelope(TypeError, &ErrorPayload{
		ErrorType: errorType,
		Message:   message,
	})
}
