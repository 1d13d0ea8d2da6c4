package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"cvdwatcher/internal/config"
)

type fakeSetNX struct {
	keys map[string]time.Duration
	err  error
}

func (f *fakeSetNX) SetNX(ctx context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeSetNX) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, key := range keys {
		if _, ok := f.keys[key]; ok {
			delete(f.keys, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestCooldownGateReservesOncePerKey(t *testing.T) {
	fake := &fakeSetNX{keys: map[string]time.Duration{}}
	gate := newCooldownGate(fake, 15*time.Minute, "", zerolog.Nop())
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	ok, err := gate.Allow(ctx, "BTCUSDT", "accumulation", at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gate.Allow(ctx, "BTCUSDT", "accumulation", at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = gate.Allow(ctx, "BTCUSDT", "strong_breakout", at)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 15*time.Minute, fake.keys["cvdwatcher:cooldown:BTCUSDT:accumulation"])
}

func TestCooldownGateReleaseFreesSlot(t *testing.T) {
	fake := &fakeSetNX{keys: map[string]time.Duration{}}
	gate := newCooldownGate(fake, 15*time.Minute, "", zerolog.Nop())
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	ok, err := gate.Allow(ctx, "BTCUSDT", "accumulation", at)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, gate.Release(ctx, "BTCUSDT", "accumulation"))
	assert.Empty(t, fake.keys)

	ok, err = gate.Allow(ctx, "BTCUSDT", "accumulation", at.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, gate.Release(ctx, "ETHUSDT", "accumulation"), "releasing an unheld slot is fine")
}

func TestCooldownGateWrapsErrors(t *testing.T) {
	cause := errors.New("connection refused")
	gate := newCooldownGate(&fakeSetNX{err: cause}, time.Minute, "test:", zerolog.Nop())
	_, err := gate.Allow(context.Background(), "BTCUSDT", "accumulation", time.Now())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, gate.Release(context.Background(), "BTCUSDT", "accumulation"), cause)
}

func TestCooldownGateAgainstRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client, err := NewClient(ctx, config.RedisConfig{Addr: endpoint})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	gate := NewCooldownGate(client, time.Minute, "it:", zerolog.Nop())
	ok, err := gate.Allow(ctx, "ETHUSDT", "top_divergence", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gate.Allow(ctx, "ETHUSDT", "top_divergence", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.TTL(ctx, "it:cooldown:ETHUSDT:top_divergence").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, gate.Release(ctx, "ETHUSDT", "top_divergence"))
	ok, err = gate.Allow(ctx, "ETHUSDT", "top_divergence", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}
