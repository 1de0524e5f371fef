package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitFor(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timeout waiting for messages")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var receivedMsg *domain.Message
		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, "test.topic", []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		waitFor(t, &wg, time.Second)

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != "test.topic" || receivedMsg.ID == "" {
			t.Errorf("unexpected envelope: %+v", receivedMsg)
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var other atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		bus.Subscribe(ctx, "iso.a", func(ctx context.Context, msg *domain.Message) error {
			wg.Done()
			return nil
		})
		bus.Subscribe(ctx, "iso.b", func(ctx context.Context, msg *domain.Message) error {
			other.Add(1)
			return nil
		})

		bus.Publish(ctx, "iso.a", []byte("msg"))
		waitFor(t, &wg, time.Second)
		time.Sleep(20 * time.Millisecond)

		if other.Load() != 0 {
			t.Errorf("iso.b should receive nothing, got %d", other.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			wg.Done()
			return nil
		})

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		waitFor(t, &wg, time.Second)

		sub.Unsubscribe()
		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(20 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)

		for _, c := range []*atomic.Int32{&count1, &count2} {
			bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
				c.Add(1)
				wg.Done()
				return nil
			})
		}

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		waitFor(t, &wg, time.Second)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusPreservesOrder(t *testing.T) {
	bus := NewChannelBus(4)
	defer bus.Close()

	ctx := context.Background()
	const messageCount = 200

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "order.topic", func(ctx context.Context, msg *domain.Message) error {
		mu.Lock()
		got = append(got, string(msg.Payload))
		mu.Unlock()
		wg.Done()
		return nil
	})

	// Buffer is smaller than the message count: Publish must block, not drop.
	for i := 0; i < messageCount; i++ {
		payload, _ := json.Marshal(i)
		if err := bus.Publish(ctx, "order.topic", payload); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}
	waitFor(t, &wg, 5*time.Second)

	for i, p := range got {
		var n int
		json.Unmarshal([]byte(p), &n)
		if n != i {
			t.Fatalf("message %d arrived at position %d", n, i)
		}
	}
}

func TestChannelBusPublishHonorsContext(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	block := make(chan struct{})
	defer close(block)

	bus.Subscribe(context.Background(), "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = bus.Publish(ctx, "slow.topic", []byte("x"))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded from a full subscriber, got %v", err)
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	if err := bus.Publish(ctx, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}
	if _, err := bus.Subscribe(ctx, "close.topic", nil); err == nil {
		t.Error("expected subscribe error after close")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestAlertPublisher(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()

	var got domain.AlertEvent
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(context.Background(), domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		defer wg.Done()
		return json.Unmarshal(msg.Payload, &got)
	})

	event := domain.AlertEvent{
		Seq:        7,
		Transition: domain.TransitionCreated,
		Alert:      domain.Alert{ID: "a-1", Seq: 7, Version: 1, Severity: domain.SeverityHigh},
	}
	if err := (AlertPublisher{Bus: bus}).PublishAlert(context.Background(), event); err != nil {
		t.Fatalf("publish alert failed: %v", err)
	}
	waitFor(t, &wg, time.Second)

	if got.Seq != 7 || got.Alert.ID != "a-1" || got.Alert.Severity != domain.SeverityHigh {
		t.Errorf("unexpected event on bus: %+v", got)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"})
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected configuration error, got %v", err)
		}
	})
}
