package pubsub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemory_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()

	const (
		numGoroutines = 100
		numIterations = 100
	)

	var wg sync.WaitGroup
	var panicCount atomic.Int32

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicCount.Add(1)
					t.Errorf("Goroutine %d panicked: %v", id, r)
				}
			}()

			topic := "test-topic"

			for j := 0; j < numIterations; j++ {
				sub, err := ps.Subscribe(topic, func(msg []byte) {
					time.Sleep(time.Microsecond)
				})
				if err != nil {
					if err == ErrClosed {
						return
					}
					t.Errorf("Subscribe error: %v", err)
					continue
				}

				ps.Publish(topic, []byte("test message"))

				if err := sub.Unsubscribe(); err != nil {
					t.Errorf("Unsubscribe error: %v", err)
				}
			}
		}(i)
	}

	wg.Wait()

	if panicCount.Load() > 0 {
		t.Fatalf("Detected %d panics", panicCount.Load())
	}
}

func TestMemory_DeliveryPreservesPublishOrder(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()

	const numMessages = 50

	var mu sync.Mutex
	received := make([]string, 0, numMessages)
	done := make(chan struct{})

	_, err := ps.Subscribe("ordered", func(msg []byte) {
		mu.Lock()
		received = append(received, string(msg))
		n := len(received)
		mu.Unlock()
		if n == numMessages {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	for i := 0; i < numMessages; i++ {
		if err := ps.Publish("ordered", []byte(fmt.Sprintf("msg-%03d", i))); err != nil {
			t.Fatalf("Publish error: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for delivery, got %d messages", len(received))
	}

	mu.Lock()
	defer mu.Unlock()
	for i, msg := range received {
		want := fmt.Sprintf("msg-%03d", i)
		if msg != want {
			t.Fatalf("Message %d out of order: got %q, want %q", i, msg, want)
		}
	}
}

func TestMemory_TopicFanout(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()

	var a, b atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)

	if _, err := ps.Subscribe("topic", func(msg []byte) {
		a.Add(1)
		wg.Done()
	}); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if _, err := ps.Subscribe("topic", func(msg []byte) {
		b.Add(1)
		wg.Done()
	}); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if _, err := ps.Subscribe("other", func(msg []byte) {
		t.Error("Subscriber on a different topic received the message")
	}); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	if err := ps.Publish("topic", []byte("x")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for fanout")
	}

	if a.Load() != 1 || b.Load() != 1 {
		t.Fatalf("Fanout counts: a=%d b=%d, want 1 each", a.Load(), b.Load())
	}
}

func TestMemory_UnsubscribeRemovesTopic(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()

	sub1, _ := ps.Subscribe("topic", func([]byte) {})
	sub2, _ := ps.Subscribe("topic", func([]byte) {})

	if got := ps.SubscriberCount("topic"); got != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", got)
	}
	if got := ps.TopicCount(); got != 1 {
		t.Fatalf("TopicCount = %d, want 1", got)
	}

	if err := sub1.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if got := ps.SubscriberCount("topic"); got != 1 {
		t.Fatalf("SubscriberCount after first unsubscribe = %d, want 1", got)
	}

	if err := sub2.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if got := ps.TopicCount(); got != 0 {
		t.Fatalf("TopicCount after last unsubscribe = %d, want 0", got)
	}

	// Unsubscribing twice is a no-op.
	if err := sub1.Unsubscribe(); err != nil {
		t.Fatalf("Second Unsubscribe error: %v", err)
	}
}

func TestMemory_PublishAfterUnsubscribeDoesNotDeliver(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()

	var count atomic.Int32
	sub, _ := ps.Subscribe("topic", func([]byte) {
		count.Add(1)
	})
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}

	ps.Publish("topic", []byte("x"))
	time.Sleep(50 * time.Millisecond)

	if count.Load() != 0 {
		t.Fatalf("Received %d messages after unsubscribe", count.Load())
	}
}

func TestMemory_CloseRejectsFurtherUse(t *testing.T) {
	ps := NewMemory()

	ps.Subscribe("topic", func([]byte) {})
	if err := ps.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	if _, err := ps.Subscribe("topic", func([]byte) {}); err != ErrClosed {
		t.Fatalf("Subscribe after close: got %v, want ErrClosed", err)
	}
	if err := ps.Publish("topic", []byte("x")); err != ErrClosed {
		t.Fatalf("Publish after close: got %v, want ErrClosed", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("Second close error: %v", err)
	}
}

func TestMemory_CloseRacesWithUnsubscribe(t *testing.T) {
	ps := NewMemory()

	subs := make([]Subscription, 0, 50)
	for i := 0; i < 50; i++ {
		sub, err := ps.Subscribe("topic", func([]byte) {})
		if err != nil {
			t.Fatalf("Subscribe error: %v", err)
		}
		subs = append(subs, sub)
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s Subscription) {
			defer wg.Done()
			s.Unsubscribe()
		}(sub)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ps.Close()
	}()
	wg.Wait()
}

func TestMemory_PanickingHandlerDoesNotKillFabric(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()

	ps.Subscribe("topic", func([]byte) {
		panic("handler bug")
	})

	delivered := make(chan struct{}, 1)
	ps.Subscribe("topic", func([]byte) {
		select {
		case delivered <- struct{}{}:
		default:
		}
	})

	if err := ps.Publish("topic", []byte("x")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("Healthy subscriber starved by a panicking peer")
	}
}
