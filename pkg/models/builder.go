package models

import "github.com/google/uuid"

type EnvelopeBuilder struct {
	envelope *Envelope
}

func NewEnvelopeBuilder() *EnvelopeBuilder {
	return &EnvelopeBuilder{
		envelope: &Envelope{
			Protocol: ProtocolJSON,
		},
	}
}

func (b *EnvelopeBuilder) WithID(id string) *EnvelopeBuilder {
	b.envelope.ID = id
	return b
}

func (b *EnvelopeBuilder) WithType(msgType string) *EnvelopeBuilder {
	b.envelope.Type = msgType
	return b
}

func (b *EnvelopeBuilder) WithDestination(stream string) *EnvelopeBuilder {
	b.envelope.Destination = stream
	return b
}

func (b *EnvelopeBuilder) WithHeader(key, value string) *EnvelopeBuilder {
	if b.envelope.Headers == nil {
		b.envelope.Headers = make(map[string]string)
	}
	b.envelope.Headers[key] = value
	return b
}

func (b *EnvelopeBuilder) WithSourceID(sourceID string) *EnvelopeBuilder {
	b.envelope.SourceID = sourceID
	return b
}

func (b *EnvelopeBuilder) WithJSONPayload(payload interface{}) *EnvelopeBuilder {
	b.envelope.Protocol = ProtocolJSON
	b.envelope.Payload = payload
	return b
}

func (b *EnvelopeBuilder) WithTextPayload(payload string) *EnvelopeBuilder {
	b.envelope.Protocol = ProtocolText
	b.envelope.Payload = payload
	return b
}

// Build fills a random id when none was set.
func (b *EnvelopeBuilder) Build() Envelope {
	if b.envelope.ID == "" {
		b.envelope.ID = uuid.New().String()
	}
	return *b.envelope
}
