// Package relay carries container snapshots over Redis pub/sub for replicas
// that cannot dial each other directly.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luoyjx/crdt-swarm/network/protocol"
	"github.com/luoyjx/crdt-swarm/proto"
)

// DefaultChannel is used when Config.Channel is empty
const DefaultChannel = "crdt-swarm:snapshots"

const (
	defaultRetryInterval = time.Second
	maxRetryInterval     = 30 * time.Second
)

// Config holds relay configuration
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	NodeID   string
	Handler  protocol.SnapshotHandler
	Logger   *slog.Logger

	// RetryInterval is the first wait after a failed subscription. It
	// doubles on each consecutive failure up to 30s.
	RetryInterval time.Duration
}

// Relay publishes local envelopes to a Redis channel and feeds envelopes
// published by other replicas to its handler.
type Relay struct {
	client  *redis.Client
	channel string
	nodeID  string
	handler protocol.SnapshotHandler
	logger  *slog.Logger
	retry   time.Duration
}

// New creates a relay. No connection is made until Publish or Run.
func New(cfg Config) *Relay {
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	return &Relay{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: channel,
		nodeID:  cfg.NodeID,
		handler: cfg.Handler,
		logger:  logger.With("component", "relay", "channel", channel),
		retry:   retry,
	}
}

// Ping checks that the Redis server is reachable
func (r *Relay) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("relay ping: %w", err)
	}
	return nil
}

// Publish sends env to every subscribed replica
func (r *Relay) Publish(ctx context.Context, env *proto.Envelope) error {
	if err := r.client.Publish(ctx, r.channel, env.Marshal()).Err(); err != nil {
		return fmt.Errorf("relay publish %q: %w", env.Name, err)
	}
	return nil
}

// Run subscribes to the channel and dispatches envelopes until ctx is done.
// Envelopes published by this node are skipped. An unreachable server is
// retried with backoff, so Run only returns once ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	wait := r.retry
	for {
		subscribed, err := r.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			wait = r.retry
		}
		r.logger.Warn("relay subscription failed, retrying", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		wait = min(wait*2, maxRetryInterval)
	}
}

// subscribe dispatches messages until ctx is done or the subscription
// fails. subscribed reports whether the server acknowledged it first.
func (r *Relay) subscribe(ctx context.Context) (subscribed bool, err error) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("relay subscribe: %w", err)
	}
	r.logger.Info("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-ch:
			if !ok {
				return true, errors.New("relay subscription closed")
			}
			r.dispatch(ctx, msg.Payload)
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, payload string) {
	env := &proto.Envelope{}
	if err := env.Unmarshal([]byte(payload)); err != nil {
		r.logger.Warn("dropping undecodable relay message", "error", err)
		return
	}
	if env.SenderID == r.nodeID || r.handler == nil {
		return
	}
	if err := r.handler.HandleSnapshot(ctx, env); err != nil {
		r.logger.Warn("failed to apply relayed snapshot",
			"container", env.Name, "sender", env.SenderID, "error", err)
	}
}

// Close closes the Redis client
func (r *Relay) Close() error {
	return r.client.Close()
}
