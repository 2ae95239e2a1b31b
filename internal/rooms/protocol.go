package rooms

import (
	"encoding/json"
	"strings"

	"github.com/MarcoPoloResearchLab/timeweaver/internal/realtime"
)

// Inbound and outbound message types.
const (
	TypeConnectionSuccess = "connection_success"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeAdd               = "add"
	TypeUpdate            = "update"
	TypeDelete            = "delete"
	TypeError             = "error"
)

const (
	fieldType = "type"
	fieldData = "data"
	fieldID   = "id"
)

// Message is a decoded inbound room message.
type Message interface {
	MessageType() string
}

// Add creates a record with a client-supplied id.
type Add struct {
	ID     string
	Fields map[string]any
}

// Update replaces the payload of an existing record.
type Update struct {
	ID     string
	Fields map[string]any
}

// Delete removes a record.
type Delete struct {
	ID string
}

// Unknown carries a type the engine does not handle.
type Unknown struct {
	Type string
}

func (Add) MessageType() string       { return TypeAdd }
func (Update) MessageType() string    { return TypeUpdate }
func (Delete) MessageType() string    { return TypeDelete }
func (m Unknown) MessageType() string { return m.Type }

// protocolError is a validation failure with a message safe to return to the sender.
type protocolError struct {
	message string
}

func (e *protocolError) Error() string {
	return e.message
}

func (e *protocolError) Unwrap() error {
	return realtime.ErrValidation
}

func newProtocolError(message string) error {
	return &protocolError{message: message}
}

// DecodeMessage translates the nested wire shape {type, data: {data: {...}}}
// into a typed Message. Delete accepts the id at data.id or data.data.id.
func DecodeMessage(raw []byte) (Message, error) {
	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope == nil {
		return nil, newProtocolError(messageGenericFailure)
	}

	messageType, _ := envelope[fieldType].(string)
	outer, ok := envelope[fieldData].(map[string]any)
	if !ok {
		return nil, newProtocolError("Invalid data format in message (outer data)")
	}

	var inner map[string]any
	if messageType == TypeDelete {
		if _, hasID := outer[fieldID]; hasID {
			inner = outer
		} else if nested, ok := outer[fieldData].(map[string]any); ok {
			inner = nested
		} else {
			return nil, newProtocolError("Event ID missing for delete.")
		}
	} else {
		nested, ok := outer[fieldData].(map[string]any)
		if !ok {
			return nil, newProtocolError("Invalid event data structure.")
		}
		inner = nested
	}

	switch messageType {
	case TypeAdd:
		id, ok := recordID(inner)
		if !ok {
			return nil, newProtocolError("Event ID missing in 'data.data' for add.")
		}
		return Add{ID: id, Fields: inner}, nil
	case TypeUpdate:
		id, ok := recordID(inner)
		if !ok {
			return nil, newProtocolError("Event ID missing in 'data.data' for update.")
		}
		return Update{ID: id, Fields: inner}, nil
	case TypeDelete:
		id, ok := recordID(inner)
		if !ok {
			return nil, newProtocolError("Event ID missing for delete.")
		}
		return Delete{ID: id}, nil
	default:
		return Unknown{Type: messageType}, nil
	}
}

func recordID(fields map[string]any) (string, bool) {
	id, ok := fields[fieldID].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return "", false
	}
	return id, true
}
