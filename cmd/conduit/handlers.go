package main

import (
	"context"
	"time"

	"conduit/internal/consumer"
	"conduit/pkg/models"
)

// builtinHandlers answer the message types every conduit service serves, so
// a deployment can be checked with `conduit request` before any domain
// handler exists.
func builtinHandlers(sourceID string) map[string]consumer.HandlerFunc {
	return map[string]consumer.HandlerFunc{
		"ping": func(_ context.Context, env models.Envelope) (interface{}, error) {
			return map[string]interface{}{
				"pong":   true,
				"source": sourceID,
				"at":     time.Now().UTC().Format(time.RFC3339Nano),
			}, nil
		},
		"echo": func(_ context.Context, env models.Envelope) (interface{}, error) {
			return env.Payload, nil
		},
	}
}
