package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/sentinel/internal/domain"
)

const waitFor = time.Second

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		got := make(chan *domain.Message, 1)
		_, err := bus.Subscribe(ctx, tenantID, domain.TopicClaimSubmitted, func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, bus.Publish(ctx, tenantID, domain.TopicClaimSubmitted, []byte("hello")))

		select {
		case msg := <-got:
			assert.Equal(t, "hello", string(msg.Payload))
			assert.Equal(t, tenantID, msg.TenantID)
			assert.Equal(t, domain.TopicClaimSubmitted, msg.Topic)
			assert.NotEmpty(t, msg.ID)
		case <-time.After(waitFor):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		var received1, received2 atomic.Int32
		_, _ = bus.Subscribe(ctx, "tenant-a", "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received1.Add(1)
			return nil
		})
		_, _ = bus.Subscribe(ctx, "tenant-b", "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received2.Add(1)
			return nil
		})

		require.NoError(t, bus.Publish(ctx, "tenant-a", "isolation.topic", []byte("msg1")))
		assert.Eventually(t, func() bool { return received1.Load() == 1 }, waitFor, 5*time.Millisecond)
		assert.Equal(t, int32(0), received2.Load())
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		assert.Error(t, bus.Publish(ctx, "", "topic", []byte("data")))
		_, err := bus.Subscribe(ctx, "", "topic", func(ctx context.Context, msg *domain.Message) error { return nil })
		assert.Error(t, err)
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, err := bus.Subscribe(ctx, tenantID, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg1")))
		assert.Eventually(t, func() bool { return count.Load() == 1 }, waitFor, 5*time.Millisecond)

		require.NoError(t, sub.Unsubscribe())
		require.NoError(t, bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg2")))
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, int32(1), count.Load())
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32
		_, _ = bus.Subscribe(ctx, tenantID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		_, _ = bus.Subscribe(ctx, tenantID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		require.NoError(t, bus.Publish(ctx, tenantID, "multi.topic", []byte("broadcast")))
		assert.Eventually(t, func() bool { return count1.Load() == 1 && count2.Load() == 1 }, waitFor, 5*time.Millisecond)
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, err := bus.Subscribe(ctx, tenantID, "my.topic", func(ctx context.Context, msg *domain.Message) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, "my.topic", sub.Topic())
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, bus.Ping(ctx))
	})
}

func TestChannelBusBackpressure(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	_, err := bus.Subscribe(ctx, "t", "slow", func(ctx context.Context, msg *domain.Message) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	defer close(release)

	var sawBackpressure bool
	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, "t", "slow", []byte("x")); err != nil {
			assert.ErrorIs(t, err, ErrBackpressure)
			sawBackpressure = true
			break
		}
	}
	assert.True(t, sawBackpressure, "a full subscriber must surface backpressure")
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	_, _ = bus.Subscribe(ctx, "tenant-001", "close.topic", func(ctx context.Context, msg *domain.Message) error { return nil })

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(ctx, "tenant-001", "close.topic", []byte("data")), ErrClosed)
	assert.ErrorIs(t, bus.Ping(ctx), ErrClosed)
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		require.NoError(t, err)
		defer b.Close()
		assert.IsType(t, &ChannelBus{}, b)
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"})
		assert.Error(t, err)
	})
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "tenants.acme.sentinel.claim.submitted", Subject("acme", domain.TopicClaimSubmitted))
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()
	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	_, err := bus.Subscribe(ctx, "tenant-load", "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < messageCount; i++ {
		require.NoError(t, bus.Publish(ctx, "tenant-load", "load.topic", []byte("msg")))
	}
	assert.Eventually(t, func() bool { return received.Load() == messageCount }, 5*time.Second, 10*time.Millisecond)
}
