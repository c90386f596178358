package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic_Keys(t *testing.T) {
	topic := NewTopic("shop", "orders")
	assert.Equal(t, "shop::orders::CONSUMER_INCOMING", topic.ConsumerKey())
	assert.Equal(t, "shop::orders::PRODUCER_OUTGOING", topic.ProducerKey())

	sharded := topic.WithShard("7")
	assert.Equal(t, "shop::orders#7::CONSUMER_INCOMING", sharded.ConsumerKey())
	assert.Equal(t, "shop::orders#7::PRODUCER_OUTGOING", sharded.ProducerKey())
	assert.NotEqual(t, sharded.ConsumerKey(), sharded.ProducerKey())

	// the original value is untouched
	assert.Empty(t, topic.Shard())
}

func TestTopic_DefaultsAndSubtopic(t *testing.T) {
	topic := NewTopic("app", "")
	assert.Equal(t, "DEFAULT", topic.Name())
	assert.Equal(t, ModeRealtime, topic.Mode())

	child := topic.Subtopic("audit")
	assert.Equal(t, "DEFAULT.audit", child.Name())
	assert.Equal(t, "app::DEFAULT.audit::CONSUMER_INCOMING", child.ConsumerKey())
	assert.Equal(t, "DEFAULT", topic.Name())
}

func TestTopic_Validate(t *testing.T) {
	assert.NoError(t, NewTopic("app", "x").Validate())
	assert.Error(t, NewTopic("", "x").Validate())
	assert.Error(t, NewTopic("app", "a::b").Validate())
	assert.Error(t, NewTopic("app", "x").WithShard("1#2").Validate())
	assert.Error(t, NewTopic("app", "x").WithMode("FAST").Validate())
}

func TestParseStreamKey(t *testing.T) {
	topic, dir, err := ParseStreamKey("shop::orders#7::PRODUCER_OUTGOING")
	require.NoError(t, err)
	assert.Equal(t, DirectionOutgoing, dir)
	assert.Equal(t, "shop", topic.Namespace())
	assert.Equal(t, "orders", topic.Name())
	assert.Equal(t, "7", topic.Shard())
	assert.Equal(t, "shop::orders#7::PRODUCER_OUTGOING", topic.ProducerKey())

	_, _, err = ParseStreamKey("shop::orders")
	assert.Error(t, err)
	_, _, err = ParseStreamKey("shop::orders::SIDEWAYS")
	assert.Error(t, err)
}

func TestEnvelopeBuilder(t *testing.T) {
	env := NewEnvelopeBuilder().
		WithType("login").
		WithHeader("tenant", "acme").
		WithJSONPayload(map[string]interface{}{"hello": "world!"}).
		Build()

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, ProtocolJSON, env.Protocol)
	assert.Equal(t, "acme", env.Header("tenant"))
	assert.NoError(t, ValidateEnvelope(&env))

	text := NewEnvelopeBuilder().WithID("fixed").WithType("note").WithTextPayload("hi").Build()
	assert.Equal(t, "fixed", text.ID)
	assert.Equal(t, ProtocolText, text.Protocol)
}

func TestEnvelope_WithHeaderCopies(t *testing.T) {
	orig := Envelope{ID: "a", Headers: map[string]string{"k": "v"}}
	updated := orig.WithHeader("k2", "v2")

	assert.Equal(t, "", orig.Header("k2"))
	assert.Equal(t, "v2", updated.Header("k2"))
	assert.Equal(t, "v", updated.Header("k"))
}
