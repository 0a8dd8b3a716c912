// Package pubsub provides the topic fan-out fabric behind the hub's
// transport server. Topics map one-to-one to channel ids.
package pubsub

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
)

// Common pubsub errors.
var (
	ErrClosed = errors.New("pubsub is closed")
)

// Handler consumes messages published on a subscribed topic.
type Handler func(msg []byte)

// PubSub is the interface for pub/sub implementations.
type PubSub interface {
	// Subscribe adds a handler for a topic.
	Subscribe(topic string, handler Handler) (Subscription, error)

	// Publish sends a message to all subscribers of a topic.
	// Subscribers on one topic observe messages in publish order.
	Publish(topic string, msg []byte) error

	// Close shuts down the pubsub system.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe removes this subscription.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// subChannel wraps a delivery channel with sync.Once so Close and
// Unsubscribe can race without a double close.
type subChannel struct {
	ch        chan []byte
	closeOnce sync.Once
}

func newSubChannel(size int) *subChannel {
	return &subChannel{ch: make(chan []byte, size)}
}

func (sc *subChannel) close() {
	sc.closeOnce.Do(func() { close(sc.ch) })
}

// Memory is an in-memory pub/sub. Each subscription owns a buffered channel
// drained by one goroutine, so per-subscriber delivery preserves publish
// order while slow subscribers only drop their own messages.
type Memory struct {
	topics map[string]map[string]*subChannel
	subs   map[string]*memorySubscription
	nextID int
	closed bool
	mu     sync.RWMutex
}

// NewMemory creates a new in-memory pub/sub.
func NewMemory() *Memory {
	return &Memory{
		topics: make(map[string]map[string]*subChannel),
		subs:   make(map[string]*memorySubscription),
	}
}

// Subscribe adds a handler for a topic.
func (ps *Memory) Subscribe(topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrClosed
	}

	if ps.topics[topic] == nil {
		ps.topics[topic] = make(map[string]*subChannel)
	}

	ps.nextID++
	subID := topic + "#" + strconv.Itoa(ps.nextID)

	sc := newSubChannel(256)
	ps.topics[topic][subID] = sc

	ctx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{
		id:     subID,
		topic:  topic,
		ps:     ps,
		sc:     sc,
		ctx:    ctx,
		cancel: cancel,
	}
	ps.subs[subID] = sub

	go func() {
		defer func() {
			// A panicking handler must not take down the fabric.
			recover()
		}()
		for {
			select {
			case msg, ok := <-sc.ch:
				if !ok || sub.closed.Load() {
					return
				}
				handler(msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}

// Publish sends a message to all subscribers of a topic. Full subscriber
// buffers drop the message rather than blocking the publisher.
func (ps *Memory) Publish(topic string, msg []byte) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.closed {
		return ErrClosed
	}

	subscribers := ps.topics[topic]
	if len(subscribers) == 0 {
		return nil
	}

	msgCopy := make([]byte, len(msg))
	copy(msgCopy, msg)

	for subID, sc := range subscribers {
		if sub := ps.subs[subID]; sub != nil && sub.closed.Load() {
			continue
		}
		select {
		case sc.ch <- msgCopy:
		default:
			// Backpressure: drop for this subscriber only.
		}
	}

	return nil
}

// Close shuts down the pubsub system.
func (ps *Memory) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil
	}
	ps.closed = true

	for _, subscribers := range ps.topics {
		for _, sc := range subscribers {
			sc.close()
		}
	}
	ps.topics = make(map[string]map[string]*subChannel)
	ps.subs = make(map[string]*memorySubscription)

	return nil
}

// TopicCount returns the number of live topics.
func (ps *Memory) TopicCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.topics)
}

// SubscriberCount returns the number of subscribers for a topic.
func (ps *Memory) SubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.topics[topic])
}

type memorySubscription struct {
	id     string
	topic  string
	ps     *Memory
	sc     *subChannel
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

// Unsubscribe removes this subscription. Safe to call more than once and
// safe to race with Publish and Close.
func (s *memorySubscription) Unsubscribe() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	s.ps.mu.Lock()
	defer s.ps.mu.Unlock()

	if subscribers := s.ps.topics[s.topic]; subscribers != nil {
		delete(subscribers, s.id)
		if len(subscribers) == 0 {
			delete(s.ps.topics, s.topic)
		}
	}
	delete(s.ps.subs, s.id)
	s.sc.close()

	return nil
}

func (s *memorySubscription) Topic() string {
	return s.topic
}
