package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisConfig configures the Redis backend. Setting MasterName switches to a
// Sentinel failover client over SentinelAddrs.
type RedisConfig struct {
	Addr          string   `yaml:"addr"`
	Password      string   `yaml:"password"`
	DB            int      `yaml:"db" validate:"gte=0"`
	MasterName    string   `yaml:"master_name"`
	SentinelAddrs []string `yaml:"sentinel_addrs"`

	// Prefix namespaces every key the broker writes.
	Prefix string `yaml:"prefix"`

	// PollTimeout bounds each blocking pop so cancellation is observed.
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// ackScript removes a delivery from the processing list and its deadline entry.
var ackScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return removed
`)

// nackScript removes a delivery and pushes its retry envelope onto pending.
var nackScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if removed > 0 then
	redis.call('LPUSH', KEYS[3], ARGV[2])
end
return removed
`)

// reclaimScript replaces one expired delivery with its retry envelope at the
// consuming end of pending. Nothing is pushed if the delivery was settled or
// reclaimed by another consumer first.
var reclaimScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed > 0 then
	redis.call('RPUSH', KEYS[3], ARGV[2])
end
return removed
`)

// RedisBroker is a reliable-list queue: deliveries move atomically from a
// pending list to a processing list and carry a deadline in a sorted set.
type RedisBroker struct {
	client     redis.UniversalClient
	cfg        RedisConfig
	visibility time.Duration
	logger     zerolog.Logger
}

// NewRedisBroker connects to Redis or, with MasterName set, to a Sentinel group.
func NewRedisBroker(cfg RedisConfig, visibility time.Duration, logger zerolog.Logger) (*RedisBroker, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "conductor"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}

	var client redis.UniversalClient
	if cfg.MasterName != "" {
		if len(cfg.SentinelAddrs) == 0 {
			return nil, fmt.Errorf("redis sentinel master %q requires sentinel_addrs", cfg.MasterName)
		}
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.Password,
			Password:         cfg.Password,
			DB:               cfg.DB,
		})
	} else {
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis addr is required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	return &RedisBroker{
		client:     client,
		cfg:        cfg,
		visibility: visibility,
		logger:     logger.With().Str("component", "broker").Str("backend", BackendRedis).Logger(),
	}, nil
}

func (b *RedisBroker) key(queue, suffix string) string {
	return b.cfg.Prefix + ":" + queue + ":" + suffix
}

// Publish pushes msg onto the queue's pending list.
func (b *RedisBroker) Publish(ctx context.Context, queue string, msg Message) error {
	env, err := newEnvelope(msg)
	if err != nil {
		return err
	}
	raw, err := env.encode()
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.key(queue, "pending"), raw).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Receive moves the oldest pending message to the processing list.
func (b *RedisBroker) Receive(ctx context.Context, queue string) (*Delivery, error) {
	pending := b.key(queue, "pending")
	processing := b.key(queue, "processing")
	deadlines := b.key(queue, "deadlines")

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := b.reclaim(ctx, queue); err != nil {
			return nil, err
		}

		raw, err := b.client.BRPopLPush(ctx, pending, processing, b.cfg.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to receive from %s: %w", queue, err)
		}

		now := time.Now()
		deadline := float64(now.Add(b.visibility).UnixMilli())
		if err := b.client.ZAdd(ctx, deadlines, &redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
			// Without a deadline the entry would never be reclaimed; undo the pop
			_ = b.client.LRem(context.WithoutCancel(ctx), processing, 1, raw).Err()
			_ = b.client.RPush(context.WithoutCancel(ctx), pending, raw).Err()
			return nil, fmt.Errorf("failed to record delivery deadline: %w", err)
		}

		env, err := decodeEnvelope([]byte(raw))
		if err != nil {
			// Undecodable entries are dropped so they cannot wedge the queue
			b.logger.Error().Err(err).Str("queue", queue).Msg("dropping malformed envelope")
			_ = ackScript.Run(ctx, b.client, []string{processing, deadlines}, raw).Err()
			continue
		}

		return &Delivery{
			ID:         env.ID,
			Queue:      queue,
			Body:       env.Body,
			Attempt:    env.Attempt,
			ReceivedAt: now,
			receipt:    raw,
		}, nil
	}
}

// reclaim returns deliveries past their deadline to pending. Each comes back
// as a new envelope so its attempt grows and a late Ack of the old receipt
// cannot remove the redelivery.
func (b *RedisBroker) reclaim(ctx context.Context, queue string) error {
	keys := []string{b.key(queue, "processing"), b.key(queue, "deadlines"), b.key(queue, "pending")}
	expired, err := b.client.ZRangeByScore(ctx, keys[1], &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to list expired deliveries: %w", err)
	}

	moved := 0
	for _, raw := range expired {
		next, err := retryEncoding(raw)
		if err != nil {
			b.logger.Error().Err(err).Str("queue", queue).Msg("dropping malformed envelope")
			_ = ackScript.Run(ctx, b.client, keys[:2], raw).Err()
			continue
		}
		n, err := reclaimScript.Run(ctx, b.client, keys, raw, next).Int()
		if err != nil {
			return fmt.Errorf("failed to reclaim expired delivery: %w", err)
		}
		moved += n
	}
	if moved > 0 {
		b.logger.Warn().Str("queue", queue).Int("count", moved).Msg("reclaimed deliveries past visibility timeout")
	}
	return nil
}

// retryEncoding decodes a stored envelope and encodes its next attempt.
func retryEncoding(raw string) (string, error) {
	env, err := decodeEnvelope([]byte(raw))
	if err != nil {
		return "", err
	}
	return env.retry().encode()
}

// Ack removes the delivery from the processing list.
func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	raw, ok := d.receipt.(string)
	if !ok {
		return ErrUnknownDelivery
	}
	keys := []string{b.key(d.Queue, "processing"), b.key(d.Queue, "deadlines")}
	removed, err := ackScript.Run(ctx, b.client, keys, raw).Int()
	if err != nil {
		return fmt.Errorf("failed to ack delivery %s: %w", d.ID, err)
	}
	if removed == 0 {
		return ErrUnknownDelivery
	}
	return nil
}

// Nack replaces the delivery with a retry envelope at the back of pending.
func (b *RedisBroker) Nack(ctx context.Context, d *Delivery, reason string) error {
	raw, ok := d.receipt.(string)
	if !ok {
		return ErrUnknownDelivery
	}
	next, err := retryEncoding(raw)
	if err != nil {
		return err
	}
	keys := []string{b.key(d.Queue, "processing"), b.key(d.Queue, "deadlines"), b.key(d.Queue, "pending")}
	removed, err := nackScript.Run(ctx, b.client, keys, raw, next).Int()
	if err != nil {
		return fmt.Errorf("failed to nack delivery %s: %w", d.ID, err)
	}
	if removed == 0 {
		return ErrUnknownDelivery
	}
	b.logger.Debug().Str("queue", d.Queue).Str("delivery_id", d.ID).Str("reason", reason).Msg("delivery returned to queue")
	return nil
}

// Ping checks the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
