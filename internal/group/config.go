// Package group coordinates competing consumers over one stream: group
// creation, bounded member-id allocation, member lifecycle and the cluster
// launcher that runs every member of a group in one process.
package group

import (
	"time"

	"conduit/internal/config"
	"conduit/internal/stream"
	apperrors "conduit/pkg/errors"
	"conduit/pkg/models"
)

type Config struct {
	Name  string
	Topic models.Topic
	Min   int
	Max   int
	// ProcessingTimeout > 0 lets members reclaim entries left pending by
	// another member for longer than this.
	ProcessingTimeout time.Duration
	// IdleTimeout > 0 expires the member counter and lets the janitor drop
	// idle members that hold nothing pending.
	IdleTimeout time.Duration
	Acknowledge bool
	StartCursor string
}

func FromConfig(topic models.Topic, cfg config.GroupConfig) Config {
	return Config{
		Name:              cfg.Name,
		Topic:             topic,
		Min:               cfg.Min,
		Max:               cfg.Max,
		ProcessingTimeout: cfg.ProcessingTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		Acknowledge:       cfg.Acknowledge,
		StartCursor:       cfg.StartCursor,
	}
}

// Stream is the consumer stream the group reads.
func (c Config) Stream() string {
	return c.Topic.ConsumerKey()
}

func (c Config) Validate() error {
	invalid := func(field, msg string) error {
		return apperrors.ErrValidation.WithDetail("field", field).WithDetail("message", msg)
	}

	if c.Name == "" {
		return invalid("group.name", "group name is required")
	}
	if err := c.Topic.Validate(); err != nil {
		return apperrors.ErrValidation.WithCause(err).WithDetail("field", "group.topic")
	}
	if c.Min < 1 {
		return invalid("group.min", "min must be at least 1")
	}
	if c.Min > c.Max {
		return invalid("group.max", "max must not be less than min")
	}
	if c.ProcessingTimeout < 0 {
		return invalid("group.processing_timeout", "processing timeout must not be negative")
	}
	if c.IdleTimeout < 0 {
		return invalid("group.idle_timeout", "idle timeout must not be negative")
	}
	if c.Topic.Mode() == models.ModeOrdered && c.Max != 1 {
		return invalid("group.max", "ordered topics allow a single member")
	}
	switch c.StartCursor {
	case "", stream.CursorLatest, stream.CursorBeginning:
	default:
		return invalid("group.start_cursor", "start cursor must be $ or 0-0")
	}
	return nil
}
