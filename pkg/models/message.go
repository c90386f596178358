package models

// Protocol tells the codec how to interpret the payload slot.
type Protocol string

const (
	ProtocolJSON Protocol = "json"
	ProtocolText Protocol = "text"
)

func (p Protocol) Valid() bool {
	return p == ProtocolJSON || p == ProtocolText
}

// Envelope is the application-level message carried by one stream entry.
//
// ID is the caller-assigned correlation id and is unrelated to the
// store-assigned EntryID. EntryID and Stream are filled in on read and are
// never written to the store.
type Envelope struct {
	ID          string            `json:"messageId"`
	Type        string            `json:"messageType"`
	Destination string            `json:"messageDestination,omitempty"`
	Headers     map[string]string `json:"messageHeaders,omitempty"`
	Protocol    Protocol          `json:"messageProtocol"`
	SourceID    string            `json:"messageSourceId,omitempty"`
	Payload     interface{}       `json:"payload"`

	EntryID string `json:"-"`
	Stream  string `json:"-"`
}

// Header returns the named header or "" when headers are absent.
func (e Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// WithHeader returns a copy of the envelope with the header set. The original
// header map is never mutated.
func (e Envelope) WithHeader(key, value string) Envelope {
	headers := make(map[string]string, len(e.Headers)+1)
	for k, v := range e.Headers {
		headers[k] = v
	}
	headers[key] = value
	e.Headers = headers
	return e
}

// Reply builds the response envelope for e: same correlation id, reserved
// response type, no reply-to.
func (e Envelope) Reply(msgType, sourceID string, payload interface{}) Envelope {
	return Envelope{
		ID:       e.ID,
		Type:     msgType,
		Headers:  e.Headers,
		Protocol: ProtocolJSON,
		SourceID: sourceID,
		Payload:  payload,
	}
}
