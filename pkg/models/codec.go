package models

import (
	"encoding/json"
	"fmt"

	apperrors "conduit/pkg/errors"
)

// Slot positions of the wire record. The store entry carries each slot under
// its field name, always written in this order.
const (
	SlotMessageID = iota
	SlotMessageType
	SlotDestination
	SlotHeaders
	SlotProtocol
	SlotSourceID
	SlotReserved
	SlotPayload

	RecordSlots
)

// NilSentinel marks an absent header map on the wire.
const NilSentinel = "nil"

var slotNames = [RecordSlots]string{
	"messageId",
	"messageType",
	"messageDestination",
	"messageHeaders",
	"messageProtocol",
	"messageSourceId",
	"reserved",
	"payload",
}

// Record is the fixed 8-slot positional form of an envelope.
type Record [RecordSlots]string

// SlotName returns the wire field name of slot i.
func SlotName(i int) string {
	return slotNames[i]
}

// Values flattens the record into name/value pairs in slot order, the shape
// XADD expects.
func (r Record) Values() []interface{} {
	values := make([]interface{}, 0, RecordSlots*2)
	for i, name := range slotNames {
		values = append(values, name, r[i])
	}
	return values
}

// RecordFromValues rebuilds a record from the field map returned by the store.
// Missing fields become empty slots; unknown fields are ignored.
func RecordFromValues(values map[string]interface{}) Record {
	var r Record
	for i, name := range slotNames {
		v, ok := values[name]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			r[i] = s
		case []byte:
			r[i] = string(s)
		default:
			r[i] = fmt.Sprint(s)
		}
	}
	return r
}

func malformed(reason string, cause error) *apperrors.Error {
	err := apperrors.ErrMalformedEnvelope.WithDetail("reason", reason)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

// Encode converts an envelope to its wire record. EntryID and Stream are
// transport metadata and are not encoded.
func Encode(env Envelope) (Record, error) {
	var r Record

	if env.ID == "" {
		return r, malformed("messageId is required", nil)
	}

	protocol := env.Protocol
	if protocol == "" {
		protocol = ProtocolJSON
	}
	if !protocol.Valid() {
		return r, malformed(fmt.Sprintf("unsupported protocol %q", protocol), nil)
	}

	r[SlotMessageID] = env.ID
	r[SlotMessageType] = env.Type
	r[SlotDestination] = env.Destination
	r[SlotProtocol] = string(protocol)
	r[SlotSourceID] = env.SourceID

	r[SlotHeaders] = NilSentinel
	if len(env.Headers) > 0 {
		headers, err := json.Marshal(env.Headers)
		if err != nil {
			return r, malformed("headers are not serialisable", err)
		}
		r[SlotHeaders] = string(headers)
	}

	switch protocol {
	case ProtocolJSON:
		payload, err := json.Marshal(env.Payload)
		if err != nil {
			return r, malformed("payload is not serialisable", err)
		}
		r[SlotPayload] = string(payload)
	case ProtocolText:
		switch p := env.Payload.(type) {
		case nil:
		case string:
			r[SlotPayload] = p
		case []byte:
			r[SlotPayload] = string(p)
		default:
			r[SlotPayload] = fmt.Sprint(p)
		}
	}

	return r, nil
}

// Decode converts a wire record read from stream into an envelope. Headers are
// parsed only when present and not the nil sentinel; the payload is parsed
// only for the json protocol and passed through as text otherwise.
func Decode(r Record, stream string) (Envelope, error) {
	if r[SlotMessageID] == "" {
		return Envelope{}, malformed("messageId is missing", nil).WithDetail("stream", stream)
	}

	env := Envelope{
		ID:          r[SlotMessageID],
		Type:        r[SlotMessageType],
		Destination: r[SlotDestination],
		Protocol:    Protocol(r[SlotProtocol]),
		SourceID:    r[SlotSourceID],
		Stream:      stream,
	}
	if env.Protocol == "" {
		env.Protocol = ProtocolJSON
	}

	if h := r[SlotHeaders]; h != "" && h != NilSentinel {
		var headers map[string]string
		if err := json.Unmarshal([]byte(h), &headers); err != nil {
			return Envelope{}, malformed("headers are not valid JSON", err).WithDetail("stream", stream)
		}
		env.Headers = headers
	}

	switch env.Protocol {
	case ProtocolJSON:
		if p := r[SlotPayload]; p != "" {
			var payload interface{}
			if err := json.Unmarshal([]byte(p), &payload); err != nil {
				return Envelope{}, malformed("payload is not valid JSON", err).WithDetail("stream", stream)
			}
			env.Payload = payload
		}
	case ProtocolText:
		env.Payload = r[SlotPayload]
	default:
		return Envelope{}, malformed(fmt.Sprintf("unsupported protocol %q", env.Protocol), nil).WithDetail("stream", stream)
	}

	return env, nil
}

// DecodeValues decodes a store entry's field map and stamps the entry id.
func DecodeValues(entryID, stream string, values map[string]interface{}) (Envelope, error) {
	env, err := Decode(RecordFromValues(values), stream)
	if err != nil {
		return Envelope{}, err
	}
	env.EntryID = entryID
	return env, nil
}

// PayloadAs re-marshals a decoded JSON payload into out.
func PayloadAs(payload interface{}, out interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
