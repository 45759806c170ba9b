package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/strikekeeper/internal/cache/redis"
	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

// newClient connects to STRIKEKEEPER_TEST_REDIS or skips.
func newClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("STRIKEKEEPER_TEST_REDIS")
	if addr == "" {
		t.Skip("STRIKEKEEPER_TEST_REDIS not set")
	}
	c, err := redis.New(context.Background(), redis.ClientConfig{
		Addr:      addr,
		KeyPrefix: "sktest:" + uuid.NewString() + ":",
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLockManager(t *testing.T) {
	c := newClient(t)
	lm := redis.NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "settle:1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "settle:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	again, err := lm.Acquire(ctx, "settle:1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLockManager_RenewsWhileHeld(t *testing.T) {
	c := newClient(t)
	lm := redis.NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "settle:2", 300*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(time.Second)
	_, err = lm.Acquire(ctx, "settle:2", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	again, err := lm.Acquire(ctx, "settle:2", time.Minute)
	require.NoError(t, err)
	again()
}

func TestSignalBus_StreamRead(t *testing.T) {
	c := newClient(t)
	bus := redis.NewSignalBus(c)
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, "reports", []byte(p)))
	}

	recent, err := bus.StreamRead(ctx, "reports", "", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", string(recent[0].Payload))
	assert.Equal(t, "c", string(recent[1].Payload))

	after, err := bus.StreamRead(ctx, "reports", recent[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "c", string(after[0].Payload))
}

func TestSignalBus_PublishSubscribe(t *testing.T) {
	c := newClient(t)
	bus := redis.NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "keeper")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "keeper", []byte("hello")))

	select {
	case got := <-ch:
		assert.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
}
