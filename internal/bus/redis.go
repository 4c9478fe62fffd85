package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/lorekeeper/internal/config"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
)

const (
	signalField   = "signal"
	readCount     = 32
	readBlock     = 2 * time.Second
	claimMinIdle  = time.Minute
	retryInterval = time.Second
)

// RedisSource reads signals from a Redis Stream through a consumer group.
// A signal is acknowledged once the sink accepts it; rejected entries stay
// pending and are reclaimed after claimMinIdle.
type RedisSource struct {
	rdb      redis.UniversalClient
	stream   string
	group    string
	consumer string
	log      zerolog.Logger
}

func NewRedisSource(cfg config.SignalsConfig) (*RedisSource, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis signal source: address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisSourceWithClient(rdb, cfg.Stream, cfg.Group, cfg.Consumer), nil
}

func NewRedisSourceWithClient(rdb redis.UniversalClient, stream, group, consumer string) *RedisSource {
	if stream == "" {
		stream = config.DefaultSignalStream
	}
	if group == "" {
		group = config.DefaultSignalGroup
	}
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &RedisSource{
		rdb:      rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		log:      logging.For("redis-signals"),
	}
}

// EnsureGroup creates the stream and consumer group if needed.
func (r *RedisSource) EnsureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Publish appends a signal to the stream and returns the entry id.
func (r *RedisSource) Publish(ctx context.Context, s Signal) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode signal: %w", err)
	}
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{signalField: string(raw)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}
	return id, nil
}

// Run feeds signals to sink until ctx is done.
func (r *RedisSource) Run(ctx context.Context, sink func(context.Context, Signal) error) error {
	if err := r.EnsureGroup(ctx); err != nil {
		return err
	}
	r.log.Info().Str("stream", r.stream).Str("group", r.group).Str("consumer", r.consumer).Msg("redis signal source started")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.reclaim(ctx, sink); err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("reclaim pending signals")
		}

		results, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error().Err(err).Msg("redis read error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryInterval):
			}
			continue
		}
		for _, result := range results {
			for _, msg := range result.Messages {
				r.handle(ctx, msg, sink)
			}
		}
	}
}

func (r *RedisSource) reclaim(ctx context.Context, sink func(context.Context, Signal) error) error {
	msgs, _, err := r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: r.consumer,
		MinIdle:  claimMinIdle,
		Start:    "0-0",
		Count:    readCount,
	}).Result()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		r.handle(ctx, msg, sink)
	}
	return nil
}

func (r *RedisSource) handle(ctx context.Context, msg redis.XMessage, sink func(context.Context, Signal) error) {
	s, err := decodeSignal(msg.Values)
	if err != nil {
		r.log.Warn().Err(err).Str("entry", msg.ID).Msg("dropping malformed signal")
		r.ack(ctx, msg.ID)
		return
	}
	if err := sink(ctx, s); err != nil {
		r.log.Warn().Err(err).Str("entry", msg.ID).Str("kind", string(s.Kind)).Msg("signal not accepted, left pending")
		return
	}
	r.ack(ctx, msg.ID)
}

func (r *RedisSource) ack(ctx context.Context, id string) {
	if err := r.rdb.XAck(ctx, r.stream, r.group, id).Err(); err != nil {
		r.log.Warn().Err(err).Str("entry", id).Msg("xack failed")
	}
}

func (r *RedisSource) Close() error {
	return r.rdb.Close()
}

func decodeSignal(values map[string]any) (Signal, error) {
	var s Signal
	raw, ok := values[signalField].(string)
	if !ok {
		return s, fmt.Errorf("missing %q field", signalField)
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("decode signal: %w", err)
	}
	return s, s.Validate()
}
