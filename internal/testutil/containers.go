// Package testutil starts throwaway infrastructure for integration tests.
// Every helper skips the calling test under -short.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"
	redismodule "github.com/testcontainers/testcontainers-go/modules/redis"

	"conduit/internal/logger"
)

const containerStartupTimeout = 60 * time.Second

func prepare(t *testing.T) context.Context {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}
	return context.Background()
}

// Redis starts a Redis container and returns a connected client.
func Redis(t *testing.T) *redisclient.Client {
	ctx := prepare(t)

	startCtx, cancel := context.WithTimeout(ctx, containerStartupTimeout)
	defer cancel()

	container, err := redismodule.Run(startCtx, "redis:8.4.0-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis uri: %v", err)
	}

	opt, err := redisclient.ParseURL(uri)
	if err != nil {
		t.Fatalf("failed to parse redis URL: %v", err)
	}
	opt.ContextTimeoutEnabled = true

	client := redisclient.NewClient(opt)

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		t.Fatalf("failed to ping redis: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
	})
	return client
}

// Kafka starts a single-node Kafka container and returns its brokers.
func Kafka(t *testing.T) []string {
	ctx := prepare(t)

	startCtx, cancel := context.WithTimeout(ctx, containerStartupTimeout)
	defer cancel()

	container, err := kafkamodule.Run(startCtx, "confluentinc/confluent-local:7.5.0",
		kafkamodule.WithClusterID("conduit-test"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	brokers, err := container.Brokers(ctx)
	if err != nil {
		t.Fatalf("failed to get kafka brokers: %v", err)
	}
	return brokers
}

func Logger() logger.Logger {
	return logger.NopLogger()
}
