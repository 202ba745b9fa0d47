package boardsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// PubSub is the optional cross-process fan-out collaborator, used when more
// than one server process serves the same room. Delivery is best-effort.
type PubSub interface {
	// Publish sends a payload to every subscriber of the topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for the topic. One subscription per
	// topic; subscribing twice replaces the handler.
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error

	// Unsubscribe removes the topic subscription.
	Unsubscribe(topic string) error

	// Close tears down all subscriptions.
	Close() error
}

// RedisPubSub implements PubSub over Redis channels.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]*redisSubscription
	closed        bool
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisPubSub creates a Redis-backed pub/sub on an existing client.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) (*RedisPubSub, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{
		client:        client,
		logger:        logger,
		subscriptions: make(map[string]*redisSubscription),
	}, nil
}

// Publish sends a payload to every subscriber of the topic.
func (p *RedisPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for the topic.
func (p *RedisPubSub) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pubsub is closed")
	}
	if existing, ok := p.subscriptions[topic]; ok {
		existing.cancel()
		existing.pubsub.Close()
		<-existing.done
	}

	subCtx, cancel := context.WithCancel(ctx)
	pubsub := p.client.Subscribe(subCtx, topic)
	sub := &redisSubscription{
		pubsub: pubsub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.subscriptions[topic] = sub

	go func() {
		defer close(sub.done)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

// Unsubscribe removes the topic subscription.
func (p *RedisPubSub) Unsubscribe(topic string) error {
	p.mu.Lock()
	sub, ok := p.subscriptions[topic]
	if ok {
		delete(p.subscriptions, topic)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	sub.cancel()
	err := sub.pubsub.Close()
	<-sub.done
	return err
}

// Close tears down all subscriptions. The Redis client is owned by the
// caller.
func (p *RedisPubSub) Close() error {
	p.mu.Lock()
	subs := p.subscriptions
	p.subscriptions = make(map[string]*redisSubscription)
	p.closed = true
	p.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		sub.pubsub.Close()
		<-sub.done
	}
	return nil
}

// MemoryPubSub implements PubSub in process, for tests and single-node use.
// Handlers run synchronously on the publisher's goroutine.
type MemoryPubSub struct {
	mu       sync.RWMutex
	handlers map[string][]func(payload []byte)
	closed   bool
}

// NewMemoryPubSub creates an empty in-memory pub/sub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		handlers: make(map[string][]func(payload []byte)),
	}
}

// Publish delivers the payload to every handler of the topic.
func (p *MemoryPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	handlers := append([]func(payload []byte){}, p.handlers[topic]...)
	p.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

// Subscribe registers an additional handler for the topic.
func (p *MemoryPubSub) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pubsub is closed")
	}
	p.handlers[topic] = append(p.handlers[topic], handler)
	return nil
}

// Unsubscribe removes every handler of the topic.
func (p *MemoryPubSub) Unsubscribe(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, topic)
	return nil
}

// Close drops all handlers.
func (p *MemoryPubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = make(map[string][]func(payload []byte))
	p.closed = true
	return nil
}

// fanOutEnvelope wraps a protocol message with the publishing instance id so
// instances can discard echoes of their own publications.
type fanOutEnvelope struct {
	Instance string   `json:"instance"`
	BoardID  string   `json:"boardId"`
	Message  *Message `json:"message"`
}

// FanOut bridges rooms to the cross-process pub/sub. Every accepted local
// mutation is published tagged with this instance's id; inbound envelopes
// from other instances are merged into the local room, own echoes dropped.
type FanOut struct {
	pubsub     PubSub
	instanceID string
	logger     *zap.Logger
}

// NewFanOut creates a fan-out bridge with a fresh snowflake instance id.
func NewFanOut(pubsub PubSub, logger *zap.Logger) (*FanOut, error) {
	if pubsub == nil {
		return nil, fmt.Errorf("pubsub cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	node, err := snowflake.NewNode(rand.Int63n(1024))
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return &FanOut{
		pubsub:     pubsub,
		instanceID: node.Generate().String(),
		logger:     logger,
	}, nil
}

// InstanceID returns the id this instance tags its publications with.
func (f *FanOut) InstanceID() string {
	return f.instanceID
}

func roomTopic(boardID string) string {
	return "boardsync:room:" + boardID
}

// Attach wires a room into the fan-out: accepted local traffic is published
// and remote traffic merged until Detach.
func (f *FanOut) Attach(ctx context.Context, room *Room) error {
	boardID := room.BoardID()

	err := f.pubsub.Subscribe(ctx, roomTopic(boardID), func(payload []byte) {
		var env fanOutEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			f.logger.Warn("Dropping malformed fan-out payload",
				zap.String("board_id", boardID),
				zap.Error(err))
			return
		}
		if env.Instance == f.instanceID {
			// Echo of our own publication.
			return
		}
		if env.Message == nil {
			return
		}
		room.HandleRemoteMessage(env.Message)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe room %s: %w", boardID, err)
	}

	room.SetPublishHook(func(msg *Message) {
		env := fanOutEnvelope{
			Instance: f.instanceID,
			BoardID:  boardID,
			Message:  msg,
		}
		payload, err := json.Marshal(env)
		if err != nil {
			f.logger.Warn("Failed to encode fan-out envelope",
				zap.String("board_id", boardID),
				zap.Error(err))
			return
		}
		if err := f.pubsub.Publish(context.Background(), roomTopic(boardID), payload); err != nil {
			f.logger.Warn("Failed to publish fan-out message",
				zap.String("board_id", boardID),
				zap.Error(err))
		}
	})

	return nil
}

// Detach unwires a room from the fan-out.
func (f *FanOut) Detach(room *Room) error {
	room.SetPublishHook(nil)
	return f.pubsub.Unsubscribe(roomTopic(room.BoardID()))
}
