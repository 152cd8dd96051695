package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bustrack/internal/client"
)

// DefaultChannel is the Redis pub/sub channel used for triggers.
const DefaultChannel = "bustrack:notify"

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opt), nil
}

// RedisPublisher publishes events as JSON for a RedisRelay to pick up.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	return nil
}

// relayBackoff spaces resubscribe attempts. MaxAttempts is ignored: the relay
// keeps retrying until its context ends.
var relayBackoff = client.Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}

// subscription is the subset of *redis.PubSub the relay uses.
type subscription interface {
	Receive(ctx context.Context) (interface{}, error)
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// RedisRelay subscribes to the trigger channel and dispatches every event to
// the local sink. Events published while the relay is down are lost.
type RedisRelay struct {
	rdb       *redis.Client
	channel   string
	sink      Sink
	log       zerolog.Logger
	backoff   client.Backoff
	subscribe func(ctx context.Context) subscription
}

func NewRedisRelay(rdb *redis.Client, channel string, sink Sink, log zerolog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	r := &RedisRelay{rdb: rdb, channel: channel, sink: sink, log: log, backoff: relayBackoff}
	r.subscribe = func(ctx context.Context) subscription { return r.rdb.Subscribe(ctx, r.channel) }
	return r
}

// Run blocks until ctx is done. A failed or dropped subscription is retried
// with backoff; the attempt counter resets once a subscription is confirmed.
func (r *RedisRelay) Run(ctx context.Context) error {
	attempt := 0
	for {
		subscribed, err := r.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			attempt = 0
		}
		delay := r.backoff.Delay(attempt)
		attempt++
		r.log.Warn().Err(err).Str("channel", r.channel).Dur("retry_in", delay).Msg("notify relay subscription lost")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// serve runs one subscription until ctx ends or the subscription drops.
func (r *RedisRelay) serve(ctx context.Context) (bool, error) {
	ps := r.subscribe(ctx)
	defer func() { _ = ps.Close() }()
	// wait for the subscription confirmation
	if _, err := ps.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info().Str("channel", r.channel).Msg("notify relay subscribed")
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-ch:
			if !ok {
				return true, fmt.Errorf("subscription %s closed", r.channel)
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		r.log.Warn().Err(err).Msg("undecodable notify event")
		return
	}
	n, err := Dispatch(r.sink, e, "redis")
	if err != nil {
		r.log.Warn().Err(err).Msg("dropped notify event")
		return
	}
	r.log.Debug().Str("kind", string(e.Kind)).Int("delivered", n).Msg("notify event relayed")
}
