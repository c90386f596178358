package models

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateEnvelope checks what a publisher must provide before append.
func ValidateEnvelope(msg *Envelope) error {
	if msg == nil {
		return &ValidationError{
			Field:   "envelope",
			Message: "message envelope cannot be nil",
		}
	}

	if msg.ID == "" {
		return &ValidationError{
			Field:   "messageId",
			Message: "message ID is required",
		}
	}

	if msg.Type == "" {
		return &ValidationError{
			Field:   "messageType",
			Message: "message type is required",
		}
	}

	if msg.Protocol != "" && !msg.Protocol.Valid() {
		return &ValidationError{
			Field:   "messageProtocol",
			Message: fmt.Sprintf("unsupported protocol %q (valid: json, text)", msg.Protocol),
		}
	}

	return nil
}
