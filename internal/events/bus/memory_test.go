package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/codexbridge/internal/common/config"
	"github.com/kandev/codexbridge/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.NewNop())
	t.Cleanup(b.Close)
	return b
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	received := make(chan *Event, 1)

	sub, err := b.Subscribe("test.subject", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("test.type", "test-source", map[string]any{"key": "value"})
	require.NoError(t, b.Publish(context.Background(), "test.subject", event))

	select {
	case e := <-received:
		assert.Equal(t, event.ID, e.ID)
		assert.Equal(t, "test.type", e.Type)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_PreservesOrderPerSubscription(t *testing.T) {
	b := newTestBus(t)
	const n = 200

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	_, err := b.Subscribe("codexbridge.topic.1.2.>", func(ctx context.Context, event *Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event.Data.(int))
		if len(got) == n {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), "codexbridge.topic.1.2.run.update", NewEvent("run.update", "test", i)))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for events")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestMemoryEventBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := newTestBus(t)
	release := make(chan struct{})
	_, err := b.Subscribe("slow", func(ctx context.Context, event *Event) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	defer close(release)

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Publish(context.Background(), "slow", NewEvent("x", "test", i)))
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d.c", false},
		{"a.>", "a.b.c.d", true},
		{"a.>", "a", false},
		{"codexbridge.topic.n5.0.>", "codexbridge.topic.n5.0.run.status", true},
		{"codexbridge.topic.n5.0.>", "codexbridge.topic.n5.1.run.status", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(tt.subject, tt.pattern, compilePattern(tt.pattern)))
		})
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	received := make(chan struct{}, 4)

	sub, err := b.Subscribe("x", func(ctx context.Context, event *Event) error {
		received <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	select {
	case <-received:
		t.Fatal("unsubscribed handler was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryEventBus_HandlerErrorKeepsDelivering(t *testing.T) {
	b := newTestBus(t)
	received := make(chan int, 2)

	_, err := b.Subscribe("x", func(ctx context.Context, event *Event) error {
		received <- event.Data.(int)
		return errors.New("handler failed")
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", 1)))
	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", 2)))

	for want := 1; want <= 2; want++ {
		select {
		case v := <-received:
			assert.Equal(t, want, v)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestMemoryEventBus_HandlerContextOutlivesPublisher(t *testing.T) {
	b := newTestBus(t)
	errs := make(chan error, 1)
	_, err := b.Subscribe("x", func(ctx context.Context, event *Event) error {
		errs <- ctx.Err()
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Publish(ctx, "x", NewEvent("x", "test", nil)))
	cancel()

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_Closed(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())

	assert.Error(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	_, err := b.Subscribe("x", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}

func TestNewNATSEventBus_Unreachable(t *testing.T) {
	_, err := NewNATSEventBus(config.NATSConfig{
		URL:           "nats://127.0.0.1:1",
		ClientID:      "codexbridge-test",
		MaxReconnects: 0,
	}, logger.NewNop())
	assert.Error(t, err)
}
