package core

import (
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/troupe/pkg/errors"
)

// MessageType identifies the kind of message travelling on the bus.
type MessageType string

const (
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypeBroadcast MessageType = "broadcast"
	TypeEvent     MessageType = "event"
)

// BroadcastTarget is the wildcard to_role used by broadcast messages.
const BroadcastTarget = "*"

// Message priorities. Lower value means more urgent; ordering inside a
// role's queue is (priority ascending, enqueue sequence ascending).
const (
	PriorityCritical = 0
	PriorityUrgent   = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Message is the immutable envelope routed between roles. The bus never
// inspects Payload; it is owned by the sending and handling roles.
type Message struct {
	ID            string         `json:"id"`
	FromRole      string         `json:"from_role"`
	ToRole        string         `json:"to_role"`
	Type          MessageType    `json:"type"`
	Action        string         `json:"action"`
	Payload       map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      int            `json:"priority"`
	CreatedAt     time.Time      `json:"timestamp"`
}

// NewRequest creates a request message addressed to a single role.
// Construction never fails; validation happens at the bus boundary.
func NewRequest(from, to, action string, payload map[string]any, priority int) Message {
	return Message{
		ID:        uuid.NewString(),
		FromRole:  from,
		ToRole:    to,
		Type:      TypeRequest,
		Action:    action,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

// NewResponse creates the response to a request, correlated by the
// request's id. Sender and target are swapped; priority is inherited.
func NewResponse(request Message, payload map[string]any) Message {
	return Message{
		ID:            uuid.NewString(),
		FromRole:      request.ToRole,
		ToRole:        request.FromRole,
		Type:          TypeResponse,
		Action:        request.Action + "_response",
		Payload:       payload,
		CorrelationID: request.ID,
		Priority:      request.Priority,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewBroadcast creates a fire-and-forget message delivered to every
// enabled role.
func NewBroadcast(from, action string, payload map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		FromRole:  from,
		ToRole:    BroadcastTarget,
		Type:      TypeBroadcast,
		Action:    action,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
}

// NewEvent creates a fire-and-forget message for a single target role.
func NewEvent(from, to, action string, payload map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		FromRole:  from,
		ToRole:    to,
		Type:      TypeEvent,
		Action:    action,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the envelope at the bus boundary. It returns a
// VALIDATION_ERROR for malformed messages; such messages are never retried.
func Validate(m Message) error {
	if m.ID == "" {
		return errors.New(errors.CodeValidation, "message id is empty", nil)
	}
	if m.FromRole == "" {
		return errors.New(errors.CodeValidation, "from_role is empty", nil)
	}
	if m.Action == "" {
		return errors.New(errors.CodeValidation, "action is empty", nil)
	}
	switch m.Type {
	case TypeRequest, TypeResponse, TypeEvent:
		if m.ToRole == "" || m.ToRole == BroadcastTarget {
			return errors.New(errors.CodeValidation, "to_role must name a single role", nil).
				WithContext("type", string(m.Type))
		}
		if m.Type == TypeResponse && m.CorrelationID == "" {
			return errors.New(errors.CodeValidation, "response is missing correlation_id", nil)
		}
	case TypeBroadcast:
		if m.ToRole != BroadcastTarget {
			return errors.New(errors.CodeValidation, "broadcast must address the wildcard target", nil)
		}
	default:
		return errors.New(errors.CodeValidation, "unknown message type", nil).
			WithContext("type", string(m.Type))
	}
	return nil
}
