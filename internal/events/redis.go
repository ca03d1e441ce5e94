package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultStream    = "cyclops:events"
	defaultStreamLen = 10000
)

// RedisStream publishes events to a Redis Stream so other processes can
// follow a run.
type RedisStream struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisStream connects to Redis and verifies the connection.
func NewRedisStream(redisURL, stream string, logger *zap.Logger) (*RedisStream, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStreamFromClient(rdb, stream, logger), nil
}

// NewRedisStreamFromClient wraps an existing client.
func NewRedisStreamFromClient(rdb *redis.Client, stream string, logger *zap.Logger) *RedisStream {
	if stream == "" {
		stream = defaultStream
	}
	return &RedisStream{rdb: rdb, stream: stream, maxLen: defaultStreamLen, logger: logger}
}

func (r *RedisStream) Name() string { return "redis" }

// Publish appends the event to the stream, trimming it approximately.
func (r *RedisStream) Publish(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind": string(ev.Kind),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", r.stream, err)
	}

	r.logger.Debug("published event",
		zap.String("stream", r.stream),
		zap.String("kind", string(ev.Kind)))
	return nil
}

// Subscribe follows the stream from now on. Cancel the context to stop.
func (r *RedisStream) Subscribe(ctx context.Context) <-chan *Event {
	ch := make(chan *Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{r.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				continue
			}

			for _, res := range results {
				for _, msg := range res.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- &ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (r *RedisStream) Close() error {
	return r.rdb.Close()
}
