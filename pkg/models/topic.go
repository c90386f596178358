package models

import (
	"fmt"
	"strings"

	"conduit/internal/constants"
)

type Mode string

const (
	ModeRealtime Mode = constants.ModeRealtime
	ModeOrdered  Mode = constants.ModeOrdered
)

// Direction selects one of the two physical streams behind a topic.
type Direction string

const (
	DirectionIncoming Direction = constants.ConsumerIncoming
	DirectionOutgoing Direction = constants.ProducerOutgoing
)

// Topic identifies a logical channel. It is a value type: the With* methods
// and Subtopic return modified copies.
type Topic struct {
	namespace string
	name      string
	mode      Mode
	shard     string
}

func NewTopic(namespace, name string) Topic {
	if name == "" {
		name = constants.DefaultTopicName
	}
	return Topic{
		namespace: namespace,
		name:      name,
		mode:      ModeRealtime,
	}
}

func (t Topic) Namespace() string { return t.namespace }
func (t Topic) Name() string      { return t.name }
func (t Topic) Mode() Mode        { return t.mode }
func (t Topic) Shard() string     { return t.shard }

func (t Topic) WithMode(mode Mode) Topic {
	t.mode = mode
	return t
}

func (t Topic) WithShard(shard string) Topic {
	t.shard = shard
	return t
}

// Subtopic nests name under the topic's own name.
func (t Topic) Subtopic(name string) Topic {
	t.name = t.name + "." + name
	return t
}

func (t Topic) base() string {
	var b strings.Builder
	b.WriteString(t.namespace)
	b.WriteString(constants.StreamKeySeparator)
	b.WriteString(t.name)
	if t.shard != "" {
		b.WriteString(constants.ShardSeparator)
		b.WriteString(t.shard)
	}
	return b.String()
}

// Key returns the physical stream key for the given direction:
// namespace::topic[#shard]::DIRECTION
func (t Topic) Key(dir Direction) string {
	return t.base() + constants.StreamKeySeparator + string(dir)
}

// ConsumerKey is the inbound stream consumers read from.
func (t Topic) ConsumerKey() string {
	return t.Key(DirectionIncoming)
}

// ProducerKey is the outbound stream consumers reply on.
func (t Topic) ProducerKey() string {
	return t.Key(DirectionOutgoing)
}

func (t Topic) String() string {
	return t.base()
}

func (t Topic) Validate() error {
	if t.namespace == "" {
		return &ValidationError{Field: "namespace", Message: "namespace is required"}
	}
	if t.name == "" {
		return &ValidationError{Field: "topic", Message: "topic name is required"}
	}
	for field, value := range map[string]string{"namespace": t.namespace, "topic": t.name, "shard": t.shard} {
		if strings.Contains(value, constants.StreamKeySeparator) || strings.Contains(value, constants.ShardSeparator) {
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("must not contain %q or %q", constants.StreamKeySeparator, constants.ShardSeparator),
			}
		}
	}
	if t.mode != ModeRealtime && t.mode != ModeOrdered {
		return &ValidationError{Field: "mode", Message: fmt.Sprintf("invalid mode %q", t.mode)}
	}
	return nil
}

// ParseStreamKey is the inverse of Topic.Key. The mode is not encoded in the
// key and comes back as REALTIME.
func ParseStreamKey(key string) (Topic, Direction, error) {
	parts := strings.Split(key, constants.StreamKeySeparator)
	if len(parts) != 3 {
		return Topic{}, "", fmt.Errorf("stream key %q: expected namespace::topic::direction", key)
	}

	dir := Direction(parts[2])
	if dir != DirectionIncoming && dir != DirectionOutgoing {
		return Topic{}, "", fmt.Errorf("stream key %q: unknown direction %q", key, parts[2])
	}

	name, shard, _ := strings.Cut(parts[1], constants.ShardSeparator)
	t := NewTopic(parts[0], name).WithShard(shard)
	if err := t.Validate(); err != nil {
		return Topic{}, "", fmt.Errorf("stream key %q: %w", key, err)
	}
	return t, dir, nil
}
