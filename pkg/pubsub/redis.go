package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed pub/sub.
type RedisConfig struct {
	// Addr is the Redis server address (default: "localhost:6379")
	Addr string

	// Password is the Redis password (empty for no auth)
	Password string

	// DB is the Redis database number (default: 0)
	DB int

	// PoolSize is the connection pool size (default: 10)
	PoolSize int

	// ReadTimeout for operations (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout for operations (default: 3s)
	WriteTimeout time.Duration

	// DialTimeout for initial connection (default: 5s)
	DialTimeout time.Duration

	// MaxRetries before giving up (default: 3)
	MaxRetries int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DialTimeout:  5 * time.Second,
		MaxRetries:   3,
	}
}

// Redis implements PubSub over Redis channels, letting several hub
// processes share one topic space. Each topic holds a single Redis
// subscription fanned out to the local handlers.
type Redis struct {
	client *redis.Client
	config *RedisConfig

	topics map[string]*redisTopic
	nextID int64

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	mu sync.RWMutex
}

type redisTopic struct {
	sub      *redis.PubSub
	handlers map[int64]Handler
}

// NewRedis connects to Redis and returns a pub/sub backed by it.
func NewRedis(config *RedisConfig) (*Redis, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		DialTimeout:  config.DialTimeout,
		MaxRetries:   config.MaxRetries,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Redis{
		client: client,
		config: config,
		topics: make(map[string]*redisTopic),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Subscribe adds a handler for a topic.
func (ps *Redis) Subscribe(topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrClosed
	}

	rt, ok := ps.topics[topic]
	if !ok {
		sub := ps.client.Subscribe(ps.ctx, topic)
		// Force the subscription onto the wire before we report success.
		if _, err := sub.Receive(ps.ctx); err != nil {
			sub.Close()
			return nil, fmt.Errorf("redis subscribe %q: %w", topic, err)
		}
		rt = &redisTopic{
			sub:      sub,
			handlers: make(map[int64]Handler),
		}
		ps.topics[topic] = rt
		go ps.dispatch(topic, sub)
	}

	ps.nextID++
	id := ps.nextID
	rt.handlers[id] = handler

	return &redisSubscription{id: id, topic: topic, ps: ps}, nil
}

// dispatch fans one Redis subscription out to the local handlers.
func (ps *Redis) dispatch(topic string, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ps.mu.RLock()
			rt := ps.topics[topic]
			var handlers []Handler
			if rt != nil {
				handlers = make([]Handler, 0, len(rt.handlers))
				for _, h := range rt.handlers {
					handlers = append(handlers, h)
				}
			}
			ps.mu.RUnlock()

			for _, h := range handlers {
				h([]byte(msg.Payload))
			}
		case <-ps.ctx.Done():
			return
		}
	}
}

// Publish sends a message to all subscribers of a topic, on every node.
func (ps *Redis) Publish(topic string, msg []byte) error {
	ps.mu.RLock()
	closed := ps.closed
	ps.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	return ps.client.Publish(ps.ctx, topic, msg).Err()
}

// Close shuts down the pubsub system and the Redis client.
func (ps *Redis) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	topics := ps.topics
	ps.topics = make(map[string]*redisTopic)
	ps.mu.Unlock()

	ps.cancel()
	for _, rt := range topics {
		rt.sub.Close()
	}
	return ps.client.Close()
}

type redisSubscription struct {
	id    int64
	topic string
	ps    *Redis
}

// Unsubscribe removes this subscription. The Redis subscription is released
// once the last local handler for the topic is gone.
func (s *redisSubscription) Unsubscribe() error {
	s.ps.mu.Lock()
	defer s.ps.mu.Unlock()

	rt, ok := s.ps.topics[s.topic]
	if !ok {
		return nil
	}
	delete(rt.handlers, s.id)
	if len(rt.handlers) == 0 {
		delete(s.ps.topics, s.topic)
		rt.sub.Close()
	}
	return nil
}

func (s *redisSubscription) Topic() string {
	return s.topic
}
