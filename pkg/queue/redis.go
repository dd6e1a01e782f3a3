package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Stream and group names for the run dispatch queue.
const (
	DefaultStream = "jarvis:runs"
	DefaultGroup  = "jarvis-workers"
)

// RedisConfig configures the redis streams bridge.
type RedisConfig struct {
	// Addr is the redis host:port (required).
	Addr string
	// Stream is the stream key (default jarvis:runs).
	Stream string
	// Group is the consumer group (default jarvis-workers).
	Group string
	// Consumer identifies this pod within the group (required).
	Consumer string
	// ReadTimeout bounds each XREADGROUP block (default 1s).
	ReadTimeout time.Duration
}

// RedisBridge is the durable bridge over a redis stream with one consumer
// group. Each pod reads as its own consumer; unsettled deliveries stay in
// the group's pending list and are redelivered after a restart.
type RedisBridge struct {
	cfg    RedisConfig
	client *goredis.Client
}

// NewRedisBridge connects and ensures the stream and group exist.
func NewRedisBridge(ctx context.Context, cfg RedisConfig) (*RedisBridge, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis bridge requires an address")
	}
	if cfg.Consumer == "" {
		return nil, errors.New("redis bridge requires a consumer name")
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}

	client := goredis.NewClient(&goredis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis bridge: ping: %w", err)
	}
	// MKSTREAM creates the stream with the group; BUSYGROUP means another
	// pod got there first.
	if err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err(); err != nil &&
		!strings.Contains(err.Error(), "BUSYGROUP") {
		_ = client.Close()
		return nil, fmt.Errorf("redis bridge: create group: %w", err)
	}
	slog.Info("Redis queue bridge ready", "stream", cfg.Stream, "group", cfg.Group, "consumer", cfg.Consumer)
	return &RedisBridge{cfg: cfg, client: client}, nil
}

func (b *RedisBridge) Enqueue(ctx context.Context, job Job) error {
	if job.Attempts <= 0 {
		job.Attempts = DefaultAttempts
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis bridge: marshal job: %w", err)
	}
	return b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]any{"job": string(body)},
	}).Err()
}

func (b *RedisBridge) Dequeue(ctx context.Context) (Delivery, error) {
	streams, err := b.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.cfg.Stream, ">"},
		Count:    1,
		Block:    b.cfg.ReadTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return Delivery{}, ErrEmpty
		}
		return Delivery{}, fmt.Errorf("redis bridge: read: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return Delivery{}, ErrEmpty
	}
	msg := streams[0].Messages[0]
	raw, _ := msg.Values["job"].(string)
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// A poisoned entry would be redelivered forever; settle it and move on.
		_ = b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, msg.ID).Err()
		return Delivery{}, fmt.Errorf("redis bridge: corrupt job %s: %w", msg.ID, err)
	}
	return Delivery{Job: job, Receipt: msg.ID}, nil
}

func (b *RedisBridge) Ack(ctx context.Context, d Delivery) error {
	return b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, d.Receipt).Err()
}

func (b *RedisBridge) Nack(ctx context.Context, d Delivery) error {
	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, d.Receipt).Err(); err != nil {
		return fmt.Errorf("redis bridge: ack before requeue: %w", err)
	}
	job := d.Job
	job.Attempts--
	if job.Attempts <= 0 {
		slog.Warn("Dropping job after final attempt", "run_id", job.RunID)
		return nil
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis bridge: marshal requeue: %w", err)
	}
	return b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]any{"job": string(body)},
	}).Err()
}

func (b *RedisBridge) Depth(ctx context.Context) (int, error) {
	n, err := b.client.XLen(ctx, b.cfg.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("redis bridge: depth: %w", err)
	}
	return int(n), nil
}

func (b *RedisBridge) Close() error {
	return b.client.Close()
}

var _ Bridge = (*RedisBridge)(nil)
