package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, "keeper")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "settlement")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "keeper", []byte("created")))
	assert.Equal(t, "created", string(<-ch))
	assert.Empty(t, other)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
}

func TestBus_PublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := b.Subscribe(ctx, "keeper")
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer*2; i++ {
		require.NoError(t, b.Publish(ctx, "keeper", []byte("x")))
	}
}

func TestBus_StreamRead(t *testing.T) {
	b := NewBus()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, b.StreamAppend(ctx, "reports", []byte(fmt.Sprint(i))))
	}

	recent, err := b.StreamRead(ctx, "reports", "", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "4", string(recent[0].Payload))
	assert.Equal(t, "5", string(recent[1].Payload))

	after, err := b.StreamRead(ctx, "reports", "2-0", 2)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "3", string(after[0].Payload))

	none, err := b.StreamRead(ctx, "missing", "", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
