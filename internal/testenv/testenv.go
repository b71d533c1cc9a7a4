// Package testenv starts the Redis and NATS containers shared by the
// integration tests.
package testenv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Environment holds the endpoints of the running containers.
type Environment struct {
	RedisURL string
	NATSURL  string
}

var (
	once    sync.Once
	env     Environment
	initErr error

	// Cleanup function
	globalCleanup func()
)

// Get returns the shared environment, starting the containers on first use.
// Redis is flushed on every call so tests start from an empty keyspace.
func Get(ctx context.Context) (Environment, error) {
	once.Do(func() {
		env, initErr = setup(ctx)
	})
	if initErr != nil {
		return Environment{}, fmt.Errorf("failed to initialize test environment: %w", initErr)
	}

	opt, err := redis.ParseURL(env.RedisURL)
	if err != nil {
		return Environment{}, err
	}
	rc := redis.NewClient(opt)
	defer rc.Close()
	if err := rc.FlushAll(ctx).Err(); err != nil {
		return Environment{}, fmt.Errorf("failed to flush Redis: %w", err)
	}
	return env, nil
}

// Cleanup should be called from TestMain after all tests
func Cleanup() {
	if globalCleanup != nil {
		globalCleanup()
	}
}

func setup(ctx context.Context) (Environment, error) {
	redisC, err := tcRedis.Run(ctx, "redis:7")
	if err != nil {
		return Environment{}, fmt.Errorf("failed to start Redis: %w", err)
	}
	redisURL, err := redisC.ConnectionString(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(redisC)
		return Environment{}, err
	}

	natsC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Listening for client connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		_ = testcontainers.TerminateContainer(redisC)
		return Environment{}, fmt.Errorf("failed to start NATS: %w", err)
	}

	natsHost, err := natsC.Host(ctx)
	if err != nil {
		return Environment{}, err
	}
	natsPort, err := natsC.MappedPort(ctx, "4222/tcp")
	if err != nil {
		return Environment{}, err
	}

	globalCleanup = func() {
		_ = testcontainers.TerminateContainer(natsC)
		_ = testcontainers.TerminateContainer(redisC)
	}

	return Environment{
		RedisURL: redisURL,
		NATSURL:  fmt.Sprintf("nats://%s:%s", natsHost, natsPort.Port()),
	}, nil
}
