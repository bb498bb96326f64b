// Package broadcast fans hub invocations out across server instances through
// Redis pub/sub so every instance can reach the group members it holds.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/hubproto"
)

const (
	defaultChannelPrefix = "hub:"
	defaultDedupeTTL     = 2 * time.Minute
	maxBackoffDelay      = 30 * time.Second
	maxRelayInterval     = 500 * time.Millisecond
	defaultRelayTimeout  = 2 * time.Second
)

// Deliverer hands an encoded record to local group members.
type Deliverer interface {
	Deliver(hub, group string, frame []byte, skip string) int
}

type envelope struct {
	ID         string `json:"id"`
	Origin     string `json:"origin"`
	Hub        string `json:"hub"`
	Group      string `json:"group"`
	Frame      []byte `json:"frame"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// Backplane delivers invocations locally and relays them to the other
// instances over Redis. It satisfies hub.Publisher.
type Backplane struct {
	client   *redis.Client
	local    Deliverer
	instance string
	logger   zerolog.Logger

	channelPrefix string
	dedupeTTL     time.Duration
	relayTimeout  time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time

	latency *prometheus.HistogramVec
	relayed *prometheus.CounterVec
}

// Option customises a Backplane.
type Option func(*Backplane)

// WithRelayTimeout bounds how long Publish keeps retrying the Redis relay.
// Local delivery is never delayed by it.
func WithRelayTimeout(d time.Duration) Option {
	return func(b *Backplane) {
		if d > 0 {
			b.relayTimeout = d
		}
	}
}

// NewBackplane constructs a backplane for one instance. A nil client keeps
// delivery local.
func NewBackplane(client *redis.Client, local Deliverer, instance string, logger zerolog.Logger, opts ...Option) *Backplane {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "backplane",
		Name:      "enqueue_to_deliver_seconds",
		Help:      "Observed latency between publish on one instance and delivery on another.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"hub"})
	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	relayed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backplane",
		Name:      "messages_total",
		Help:      "Backplane messages by outcome.",
	}, []string{"outcome"})
	if err := prometheus.Register(relayed); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			relayed = regErr.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	b := &Backplane{
		client:        client,
		local:         local,
		instance:      instance,
		logger:        logger,
		channelPrefix: defaultChannelPrefix,
		dedupeTTL:     defaultDedupeTTL,
		relayTimeout:  defaultRelayTimeout,
		seen:          make(map[string]time.Time),
		latency:       histogram,
		relayed:       relayed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers target to local group members, then relays it to the
// other instances. The relay outlives a cancelled caller but gives up after
// the relay timeout, so hub handlers never wait long on an unreachable Redis.
func (b *Backplane) Publish(ctx context.Context, hub, group, target string, args ...any) error {
	if b == nil || b.local == nil {
		return errors.New("nil backplane")
	}
	msg, err := hubproto.NewInvocation("", target, args...)
	if err != nil {
		return err
	}
	frame, err := hubproto.Encode(msg)
	if err != nil {
		return err
	}

	env := envelope{
		ID:         uuid.NewString(),
		Origin:     b.instance,
		Hub:        hub,
		Group:      group,
		Frame:      frame,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	}
	b.isDuplicate(env.ID)
	b.local.Deliver(hub, group, frame, "")
	if b.client == nil {
		return nil
	}

	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode backplane payload: %w", err)
	}
	channel := b.channel(hub)

	relayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.relayTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = maxRelayInterval
	_, err = backoff.Retry(relayCtx, func() (struct{}, error) {
		err := b.client.Publish(relayCtx, channel, encoded).Err()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(b.relayTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn().Err(err).Str("channel", channel).Dur("backoff", next).Msg("redis publish failed; retrying")
		}),
	)
	if err != nil {
		b.relayed.WithLabelValues("publish_failed").Inc()
		return fmt.Errorf("relay %s to %s: %w", target, group, err)
	}
	b.relayed.WithLabelValues("published").Inc()
	return nil
}

// Start begins consuming relayed messages until ctx is cancelled.
func (b *Backplane) Start(ctx context.Context) {
	if b.client == nil {
		return
	}
	go b.run(ctx)
}

func (b *Backplane) run(ctx context.Context) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, b.channelPrefix+"*")
		if err := b.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", delay).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			delay = min(delay*2, maxBackoffDelay)
		}
	}
}

func (b *Backplane) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process([]byte(msg.Payload)); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process backplane message")
			}
		}
	}
}

func (b *Backplane) process(payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.relayed.WithLabelValues("malformed").Inc()
		return fmt.Errorf("decode payload: %w", err)
	}
	if env.ID == "" || env.Hub == "" || env.Group == "" {
		b.relayed.WithLabelValues("malformed").Inc()
		return errors.New("incomplete payload")
	}
	if env.Origin == b.instance || b.isDuplicate(env.ID) {
		b.relayed.WithLabelValues("skipped").Inc()
		return nil
	}

	if env.EnqueuedAt > 0 {
		b.latency.WithLabelValues(env.Hub).Observe(time.Since(time.Unix(0, env.EnqueuedAt)).Seconds())
	}
	b.local.Deliver(env.Hub, env.Group, env.Frame, "")
	b.relayed.WithLabelValues("delivered").Inc()
	return nil
}

func (b *Backplane) channel(hub string) string {
	return b.channelPrefix + hub
}

// isDuplicate records id and reports whether it was seen within the TTL.
func (b *Backplane) isDuplicate(id string) bool {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	now := time.Now()
	if ts, ok := b.seen[id]; ok && now.Sub(ts) < b.dedupeTTL {
		return true
	}
	b.seen[id] = now
	cutoff := now.Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}
