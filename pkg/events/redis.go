package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/logger"
)

const modeRedis = "redis"

// DefaultChannel is the pub/sub channel shared by every process.
const DefaultChannel = "rexsync:events"

// RedisManager shares dispatched events between processes over one Redis
// pub/sub channel. Each process forwards received envelopes into its own
// local mailboxes.
type RedisManager struct {
	client  redis.UniversalClient
	channel string
	pubsub  *redis.PubSub
	boxes   *mailboxes
	log     logger.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ Manager = (*RedisManager)(nil)

// NewRedisManager subscribes to channel and starts the forwarder.
func NewRedisManager(ctx context.Context, client redis.UniversalClient, channel string, mailboxSize int) (*RedisManager, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	log := logger.Global().Named("events.redis")

	pubsub := client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no dispatch is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	fwdCtx, cancel := context.WithCancel(context.Background())
	m := &RedisManager{
		client:  client,
		channel: channel,
		pubsub:  pubsub,
		boxes:   newMailboxes(modeRedis, mailboxSize, log),
		log:     log,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go m.forward(fwdCtx)
	return m, nil
}

func (m *RedisManager) forward(ctx context.Context) {
	defer close(m.done)

	ch := m.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env entity.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				m.log.Warn("discarding undecodable event", "channel", msg.Channel, "error", err)
				continue
			}
			if !env.Kind.Valid() {
				m.log.Warn("discarding event of unknown kind", "kind", env.Kind)
				continue
			}
			m.boxes.deliver(env)
		}
	}
}

func (m *RedisManager) StartListening(_ context.Context, key string) error {
	return m.boxes.start(key)
}

func (m *RedisManager) StopListening(key string) {
	m.boxes.stop(key)
}

// Dispatch publishes the event; delivery happens in every subscribed process.
func (m *RedisManager) Dispatch(ctx context.Context, kind entity.EventKind, data map[string]any) error {
	if m.boxes.isClosed() {
		return ErrClosed
	}
	env, err := NewEnvelope(kind, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", kind, err)
	}
	metricsRecorder().RecordEventDispatched(modeRedis, string(kind))
	return nil
}

func (m *RedisManager) Get(ctx context.Context, key string, timeout time.Duration) (entity.Envelope, bool, error) {
	return m.boxes.get(ctx, key, timeout)
}

func (m *RedisManager) Listening(key string) bool {
	return m.boxes.listening(key)
}

// Healthy checks if the Redis connection is alive.
func (m *RedisManager) Healthy(ctx context.Context) bool {
	if m.boxes.isClosed() {
		return false
	}
	return m.client.Ping(ctx).Err() == nil
}

// Close stops the forwarder and discards every mailbox. The client is not closed.
func (m *RedisManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.cancel()
		err = m.pubsub.Close()
		<-m.done
		m.boxes.close()
	})
	return err
}
